package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/transparent-crawler/internal/app"
	"github.com/JakeFAU/transparent-crawler/internal/crawler"
	"github.com/JakeFAU/transparent-crawler/internal/publisher/memory"
	"github.com/JakeFAU/transparent-crawler/internal/task"
)

type enqueueFlags struct {
	kind        string
	moduleID    uint64
	at          string
	reschedules bool
	dummy       bool
}

func newEnqueueCmd() *cobra.Command {
	var f enqueueFlags
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Appends a task to the persisted queue",
		Long: `Adds a task to the queue stored in the metadata backend without
running it. A server started later picks it up during recovery.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEnqueue(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.kind, "type", task.ListCrawl.String(), "task type: list_crawl, detail_crawl or image_fetch")
	cmd.Flags().Uint64Var(&f.moduleID, "module", 0, "module id")
	cmd.Flags().StringVar(&f.at, "at", "", "scheduled time (RFC 3339, default now)")
	cmd.Flags().BoolVar(&f.reschedules, "reschedule", true, "enqueue a successor after each activation")
	cmd.Flags().BoolVar(&f.dummy, "dummy", false, "crawl without writing products")
	_ = cmd.MarkFlagRequired("module") //nolint:errcheck // flag is defined above
	return cmd
}

func runEnqueue(cmd *cobra.Command, f enqueueFlags) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	kind, err := task.ParseKind(f.kind)
	if err != nil {
		return err
	}
	at := time.Now()
	if f.at != "" {
		if at, err = time.Parse(time.RFC3339, f.at); err != nil {
			return fmt.Errorf("parse --at: %w", err)
		}
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, e.cfg, e.logger, app.Options{Publisher: memory.New()})
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer a.Close(context.WithoutCancel(ctx))

	m, err := a.Registry().Lookup(crawler.ModuleID(f.moduleID))
	if err != nil {
		return err
	}
	// Load the existing queue so persisting the new task keeps it.
	if _, err := a.Scheduler().Recover(ctx); err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	h, err := a.Scheduler().Enqueue(ctx, task.New(kind, m, at, f.reschedules, f.dummy))
	if err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	e.logger.Info("task enqueued",
		zap.Stringer("kind", kind),
		zap.String("module", m.String()),
		zap.Time("at", at),
	)
	fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s for %s at %s (handle %s)\n",
		kind, m, at.Format(time.RFC3339), h)
	return nil
}
