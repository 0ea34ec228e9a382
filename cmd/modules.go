package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/transparent-crawler/internal/app"
	"github.com/JakeFAU/transparent-crawler/internal/publisher/memory"
)

func newModulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "Lists registered crawler modules",
		RunE:  runModules,
	}
}

func runModules(cmd *cobra.Command, _ []string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, e.cfg, e.logger, app.Options{Publisher: memory.New()})
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer a.Close(context.WithoutCancel(ctx))

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSOURCE\tREMOTE\tCHUNKED\tPATH")
	for _, m := range a.Registry().All() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%s\n", m.ID, m.ModuleName, m.SourceName, m.Remote, m.ChunkedDownload, m.Path)
	}
	return w.Flush()
}
