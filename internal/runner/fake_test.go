package runner

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/transparent-crawler/internal/crawler"
	"github.com/JakeFAU/transparent-crawler/internal/protocol/protocoltest"
	"github.com/JakeFAU/transparent-crawler/internal/sandbox"
)

// fakeProcess runs a worker script in-process over pipes.
type fakeProcess struct {
	stdinR, stdoutR, stderrR *io.PipeReader
	stdinW, stdoutW, stderrW *io.PipeWriter

	exited atomic.Bool
	killed atomic.Bool
	done   chan struct{}
	once   sync.Once
}

type script func(w *protocoltest.Worker, p *fakeProcess)

func startFake(run script) *fakeProcess {
	p := &fakeProcess{done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	go func() {
		defer close(p.done)
		defer p.stderrW.Close() //nolint:errcheck // test pipe
		defer p.stdoutW.Close() //nolint:errcheck // test pipe
		run(protocoltest.NewWorker(p.stdinR, p.stdoutW), p)
	}()
	return p
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader     { return p.stderrR }
func (p *fakeProcess) Exited() bool          { return p.exited.Load() }

func (p *fakeProcess) Kill() error {
	p.once.Do(func() {
		p.killed.Store(true)
		for _, c := range []io.Closer{p.stdinR, p.stdinW, p.stdoutR, p.stdoutW, p.stderrR, p.stderrW} {
			_ = c.Close() //nolint:errcheck // test pipe
		}
	})
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.done
	return nil
}

// launcherFor returns a launcher that starts run and exposes the process.
func launcherFor(run script, out **fakeProcess) sandbox.Launcher {
	return sandbox.LauncherFunc(func(context.Context, crawler.Module) (sandbox.Process, error) {
		p := startFake(run)
		if out != nil {
			*out = p
		}
		return p, nil
	})
}

// blockUntilKilled parks a worker script until the core tears it down.
func blockUntilKilled(w *protocoltest.Worker) {
	for {
		if _, err := w.ReadString(); err != nil {
			return
		}
	}
}

type sequentialGroups struct {
	next atomic.Uint64
}

func (g *sequentialGroups) NewGroupID(context.Context) (crawler.GroupID, error) {
	return crawler.GroupID(g.next.Add(1) + 76), nil
}
