package protocoltest

import (
	"io"
	"sync"
)

// Process runs a worker script in-process over pipes and satisfies
// sandbox.Process. The script's stdout is closed before it reports exited.
type Process struct {
	stdinR, stdoutR, stderrR *io.PipeReader
	stdinW, stdoutW, stderrW *io.PipeWriter

	done chan struct{}
	once sync.Once
}

// Start runs script on its own goroutine.
func Start(script func(w *Worker)) *Process {
	p := &Process{done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	go func() {
		defer close(p.done)
		defer p.stderrW.Close() //nolint:errcheck // in-memory pipe
		defer p.stdoutW.Close() //nolint:errcheck // in-memory pipe
		script(NewWorker(p.stdinR, p.stdoutW))
	}()
	return p
}

func (p *Process) Stdin() io.WriteCloser { return p.stdinW }
func (p *Process) Stdout() io.Reader     { return p.stdoutR }
func (p *Process) Stderr() io.Reader     { return p.stderrR }

// Exited reports whether the script has returned.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Kill closes every pipe, unblocking the script.
func (p *Process) Kill() error {
	p.once.Do(func() {
		for _, c := range []io.Closer{p.stdinR, p.stdinW, p.stdoutR, p.stdoutW, p.stderrR, p.stderrW} {
			_ = c.Close() //nolint:errcheck // in-memory pipe
		}
	})
	return nil
}

// Wait blocks until the script returns.
func (p *Process) Wait() error {
	<-p.done
	return nil
}
