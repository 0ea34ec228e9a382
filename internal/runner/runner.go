// Package runner drives one worker process through the module protocol for a
// single task activation.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/transparent-crawler/internal/clock/system"
	"github.com/JakeFAU/transparent-crawler/internal/crawler"
	"github.com/JakeFAU/transparent-crawler/internal/logging"
	"github.com/JakeFAU/transparent-crawler/internal/metrics"
	"github.com/JakeFAU/transparent-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/transparent-crawler/internal/protocol"
	"github.com/JakeFAU/transparent-crawler/internal/relay"
	"github.com/JakeFAU/transparent-crawler/internal/sandbox"
	"github.com/JakeFAU/transparent-crawler/internal/stream"
)

// Config tunes the runner.
type Config struct {
	// RequestInterval is the minimum gap between proxied request starts.
	RequestInterval time.Duration
	// PollInterval bounds how long a stop request can go unnoticed.
	PollInterval time.Duration
	// ExitGrace is how long output may stay quiet after the worker exits
	// before the activation gives up waiting for EOF.
	ExitGrace time.Duration
	// MaxDownload caps the bytes forwarded per proxied request.
	MaxDownload int64
	// UserAgent is used until the worker sends SetUserAgent.
	UserAgent string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RequestInterval: time.Second,
		PollInterval:    stream.DefaultPollInterval,
		ExitGrace:       stream.DefaultExitGrace,
		MaxDownload:     protocol.DefaultMaxDownload,
		UserAgent:       "transparent-crawler/1.0",
	}
}

// Deps are the collaborators shared by every activation.
type Deps struct {
	Launcher sandbox.Launcher
	Products crawler.ProductStore
	Alerts   crawler.PriceAlerts
	Groups   crawler.GroupIDGenerator
	HTTP     *http.Client
	Clock    crawler.Clock
	IDs      crawler.IDGenerator
	Logger   *zap.Logger
	// LogDir holds per-module log files; empty disables them.
	LogDir string
}

// Request describes one activation.
type Request struct {
	Module     crawler.Module
	Mode       protocol.Mode
	Checkpoint string
	Dummy      bool
	// OnCheckpoint is called whenever the resumable state advances.
	OnCheckpoint func(checkpoint string)
}

// Outcome classifies how an activation ended.
type Outcome string

// Activation outcomes.
const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeInterrupted  Outcome = "interrupted"
	OutcomeViolation    Outcome = "violation"
	OutcomeCommFailure  Outcome = "comm_failure"
	OutcomeLaunchFailed Outcome = "launch_failed"
)

// Result reports the end state of an activation.
type Result struct {
	Outcome Outcome
	Err     error
	// Responses counts the Response frames consumed.
	Responses int
	// Checkpoint is the last checkpoint reported.
	Checkpoint string
}

// ErrRemoteHTTP is returned when a remote module asks for a local HTTP side effect.
var ErrRemoteHTTP = fmt.Errorf("%w: remote modules cannot make HTTP requests", protocol.ErrViolation)

// Runner launches workers and serves the protocol.
type Runner struct {
	cfg  Config
	deps Deps
}

// New builds a Runner. Missing optional dependencies get defaults.
func New(cfg Config, deps Deps) *Runner {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ExitGrace <= 0 {
		cfg.ExitGrace = def.ExitGrace
	}
	if cfg.MaxDownload <= 0 {
		cfg.MaxDownload = def.MaxDownload
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: time.Minute}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, deps: deps}
}

// Run executes one activation and blocks until the worker is gone. Cancelling
// ctx is a cooperative stop request, observed at the next poll point.
func (r *Runner) Run(ctx context.Context, req Request) Result {
	start := time.Now()
	res := r.run(ctx, req)
	metrics.ObserveActivation(req.Mode.String(), string(res.Outcome), time.Since(start))
	return res
}

func (r *Runner) run(ctx context.Context, req Request) Result {
	logger := r.deps.Logger
	sink, err := logging.NewModuleSink(r.deps.LogDir, req.Module, r.deps.Logger)
	if err != nil {
		logger.Warn("module log unavailable", zap.Stringer("module_id", req.Module.ID), zap.Error(err))
		sink, _ = logging.NewModuleSink("", req.Module, r.deps.Logger) //nolint:errcheck // no file, cannot fail
	}
	defer sink.Close() //nolint:errcheck // best-effort flush
	logger = sink.Logger.With(zap.Stringer("mode", req.Mode))
	if r.deps.IDs != nil {
		if id, err := r.deps.IDs.NewID(); err == nil {
			logger = logger.With(zap.String("activation", id))
		}
	}

	proc, err := r.deps.Launcher.Launch(ctx, req.Module)
	if err != nil {
		logger.Error("failed to launch module", zap.Error(err))
		return Result{Outcome: OutcomeLaunchFailed, Err: err, Checkpoint: req.Checkpoint}
	}
	logger.Debug("module launched")

	diag := relay.Start(proc.Stderr(), logging.NewLineWriter(logger), logger)
	stop := func() bool { return ctx.Err() != nil }
	in := stream.New(proc.Stdout(), stop, r.cfg.PollInterval,
		stream.WithExitProbe(proc.Exited, r.cfg.ExitGrace))

	a := newActivation(ctx, r, req, proc.Stdin(), in, logger)
	err = a.serve()

	diag.Stop()
	if kerr := proc.Kill(); kerr != nil {
		logger.Debug("kill module", zap.Error(kerr))
	}
	if werr := proc.Wait(); werr != nil {
		logger.Debug("reap module", zap.Error(werr))
	}
	diag.Wait()
	_ = in.Close() //nolint:errcheck // never fails
	a.close()

	res := Result{Err: err, Responses: a.responses, Checkpoint: a.checkpoint}
	switch {
	case err == nil:
		res.Outcome = OutcomeCompleted
		logger.Info("activation completed", zap.Int("responses", a.responses))
	case errors.Is(err, stream.ErrInterrupted):
		if errors.Is(err, stream.ErrExited) {
			logger.Info("process exited out of band")
		}
		res.Outcome = OutcomeInterrupted
		res.Err = nil
		logger.Info("activation interrupted, module cleaned up", zap.Int("responses", a.responses))
	case errors.Is(err, protocol.ErrViolation):
		res.Outcome = OutcomeViolation
		metrics.ObserveViolation(violationReason(err))
		logger.Error("protocol violation", zap.Error(err))
	default:
		res.Outcome = OutcomeCommFailure
		logger.Error("cannot communicate with module", zap.Error(err))
	}
	return res
}

func violationReason(err error) string {
	switch {
	case errors.Is(err, ErrRemoteHTTP):
		return "remote_http"
	case errors.Is(err, protocol.ErrUnknownTag):
		return "unknown_tag"
	default:
		return "malformed"
	}
}

// activation is the per-run protocol state.
type activation struct {
	ctx    context.Context
	r      *Runner
	req    Request
	logger *zap.Logger

	enc       *protocol.Encoder
	dec       *protocol.Decoder
	userAgent string
	throttle  *ratelimit.Throttle

	ids        crawler.ProductIterator
	offset     int
	current    string
	responses  int
	checkpoint string
}

func (a *activation) close() {
	if a.ids != nil {
		if err := a.ids.Close(); err != nil {
			a.logger.Debug("close product iterator", zap.Error(err))
		}
	}
}

func (a *activation) serve() error {
	if err := a.handshake(); err != nil {
		return err
	}
	responded := true
	for {
		if a.req.Mode == protocol.ModeDetail && responded {
			more, err := a.sendNextID()
			if err != nil || !more {
				return err
			}
			responded = false
		}
		frame, err := a.dec.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrTooMany) {
				a.logger.Warn("dropping oversized response", zap.Error(err))
				metrics.ObserveViolation("too_many")
				if a.req.Mode == protocol.ModeDetail {
					a.advance()
					responded = true
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := a.dispatch(frame); err != nil {
			return err
		}
		if _, ok := frame.(protocol.DetailResponse); ok {
			a.advance()
			responded = true
		}
	}
}

func (a *activation) dispatch(frame protocol.Frame) error {
	switch f := frame.(type) {
	case protocol.SetUserAgent:
		if a.req.Module.Remote {
			return ErrRemoteHTTP
		}
		a.userAgent = f.UserAgent
		a.logger.Debug("user agent set", zap.String("user_agent", f.UserAgent))
		return nil
	case protocol.HTTPGet:
		if a.req.Module.Remote {
			return ErrRemoteHTTP
		}
		return a.fetch(http.MethodGet, f.URL, nil)
	case protocol.HTTPPost:
		if a.req.Module.Remote {
			return ErrRemoteHTTP
		}
		return a.fetch(http.MethodPost, f.URL, f.Body)
	case protocol.ListResponse:
		a.handleList(f)
		return nil
	case protocol.DetailResponse:
		a.handleDetail(f)
		return nil
	default:
		return fmt.Errorf("%w: unexpected frame %T", protocol.ErrViolation, frame)
	}
}
