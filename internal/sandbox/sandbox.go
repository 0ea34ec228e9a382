// Package sandbox abstracts how worker processes are started so the module
// runner stays independent of isolation policy.
package sandbox

import (
	"context"
	"io"

	"github.com/JakeFAU/transparent-crawler/internal/crawler"
)

// Process is a running worker bound to one activation.
type Process interface {
	// Stdin carries core→worker frames.
	Stdin() io.WriteCloser
	// Stdout carries worker→core frames.
	Stdout() io.Reader
	// Stderr carries free-form diagnostics.
	Stderr() io.Reader
	// Exited reports, without blocking, whether the process has terminated.
	Exited() bool
	// Kill forcibly terminates the process. It is safe to call more than once.
	Kill() error
	// Wait reaps the process and releases its pipes.
	Wait() error
}

// Launcher starts a worker process for a module.
type Launcher interface {
	Launch(ctx context.Context, module crawler.Module) (Process, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, module crawler.Module) (Process, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, module crawler.Module) (Process, error) {
	return f(ctx, module)
}
