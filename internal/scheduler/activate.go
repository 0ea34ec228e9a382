package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/transparent-crawler/internal/progress"
	"github.com/JakeFAU/transparent-crawler/internal/protocol"
	"github.com/JakeFAU/transparent-crawler/internal/runner"
	"github.com/JakeFAU/transparent-crawler/internal/task"
)

// activate runs one task to completion on the calling goroutine and performs
// at most one reschedule step.
func (s *Scheduler) activate(ctx context.Context, h Handle) {
	if ctx.Err() != nil {
		return
	}
	t, ok := s.Lookup(h)
	if !ok || !s.Start(h) {
		return
	}
	logger := s.logger.With(
		zap.Stringer("handle", h),
		zap.Stringer("kind", t.Kind()),
		zap.Stringer("module_id", t.Module().ID),
	)
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.Bind(cancel)
	defer t.Unbind()

	s.persistLogged(ctx)
	s.emit(h, t, progress.StageStarted, runner.Result{}, 0)
	started := time.Now()

	var (
		res   runner.Result
		next  task.Kind
		delay time.Duration
	)
	switch t.Kind() {
	case task.ListCrawl:
		res = s.crawl(actx, ctx, t, protocol.ModeList)
		next = task.DetailCrawl
	case task.DetailCrawl:
		res = s.crawl(actx, ctx, t, protocol.ModeDetail)
		next = task.ListCrawl
	case task.ImageFetch:
		logger.Error("image fetching not implemented")
		res = runner.Result{Outcome: runner.OutcomeCompleted}
		next, delay = task.ImageFetch, s.cfg.ImageFetchDelay
	default:
		logger.Error("unrecognized task type")
		s.fail(ctx, h, t, runner.Result{Outcome: "unknown_kind"}, time.Since(started))
		return
	}

	if res.Outcome == runner.OutcomeLaunchFailed {
		s.fail(ctx, h, t, res, time.Since(started))
		return
	}
	if ctx.Err() != nil {
		// Shutdown: the task stays in the running set so recovery resumes it.
		logger.Info("activation interrupted by shutdown")
		return
	}

	s.Stop(h, false)
	s.emit(h, t, progress.StageFinished, res, time.Since(started))
	if !t.Reschedules() || t.Stopped() {
		s.persistLogged(ctx)
		return
	}
	successor := task.New(next, t.Module(), s.clock.Now().Add(delay), true, t.Dummy())
	if _, err := s.Enqueue(ctx, successor); err != nil {
		logger.Warn("unable to save tasks", zap.Error(err))
	}
}

func (s *Scheduler) crawl(actx, ctx context.Context, t *task.Task, mode protocol.Mode) runner.Result {
	return s.runner.Run(actx, runner.Request{
		Module:     t.Module(),
		Mode:       mode,
		Checkpoint: t.Checkpoint(),
		Dummy:      t.Dummy(),
		OnCheckpoint: func(checkpoint string) {
			t.SetCheckpoint(checkpoint)
			s.persistLogged(ctx)
		},
	})
}

// fail deregisters a task that cannot run, without reschedule.
func (s *Scheduler) fail(ctx context.Context, h Handle, t *task.Task, res runner.Result, dur time.Duration) {
	s.Stop(h, true)
	s.emit(h, t, progress.StageFailed, res, dur)
	s.persistLogged(ctx)
}
