package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/transparent-crawler/internal/crawler"
)

// NoSandbox runs the module executable directly as a child process.
type NoSandbox struct {
	logger *zap.Logger
	env    []string
}

// NewNoSandbox creates a launcher without containment. env entries are appended
// to the inherited environment.
func NewNoSandbox(logger *zap.Logger, env ...string) *NoSandbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NoSandbox{logger: logger.Named("sandbox"), env: env}
}

// Launch starts module.Path with module.Args.
func (s *NoSandbox) Launch(_ context.Context, module crawler.Module) (Process, error) {
	if module.Path == "" {
		return nil, fmt.Errorf("module %s has no path", module)
	}
	// The activation controls termination through Kill, so the command is not
	// bound to a context.
	cmd := exec.Command(module.Path, module.Args...) //nolint:gosec // module paths come from operator config
	if len(s.env) > 0 {
		cmd.Env = append(os.Environ(), s.env...)
	}

	p := &execProcess{cmd: cmd, exited: make(chan struct{})}
	var err error
	var childIn, childOut, childErr *os.File
	if childIn, p.stdin, err = os.Pipe(); err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	if p.stdout, childOut, err = os.Pipe(); err != nil {
		closeAll(childIn, p.stdin)
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if p.stderr, childErr, err = os.Pipe(); err != nil {
		closeAll(childIn, p.stdin, p.stdout, childOut)
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = childIn, childOut, childErr

	if err := cmd.Start(); err != nil {
		closeAll(childIn, childOut, childErr, p.stdin, p.stdout, p.stderr)
		return nil, fmt.Errorf("start module %s: %w", module, err)
	}
	// The child holds its own copies; closing ours lets stdout/stderr reach
	// EOF once the child exits.
	closeAll(childIn, childOut, childErr)

	s.logger.Debug("module process started",
		zap.Stringer("module_id", module.ID),
		zap.Int("pid", cmd.Process.Pid),
	)
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	stderr *os.File

	exited  chan struct{}
	waitErr error
	release sync.Once
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }

func (p *execProcess) Exited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

func (p *execProcess) Kill() error {
	if p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill module process: %w", err)
	}
	return nil
}

func (p *execProcess) Wait() error {
	<-p.exited
	p.release.Do(func() { closeAll(p.stdin, p.stdout, p.stderr) })
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		// killed or non-zero exit is expected at activation end
		return nil
	}
	if p.waitErr != nil {
		return fmt.Errorf("wait module process: %w", p.waitErr)
	}
	return nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}
