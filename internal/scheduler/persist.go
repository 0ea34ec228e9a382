package scheduler

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/transparent-crawler/internal/metrics"
	"github.com/JakeFAU/transparent-crawler/internal/progress"
	"github.com/JakeFAU/transparent-crawler/internal/runner"
	"github.com/JakeFAU/transparent-crawler/internal/task"
)

const (
	queuedName  = "queued"
	runningName = "running"
)

func slotKey(queue string, index int) string {
	return queue + "." + strconv.Itoa(index)
}

func countKey(queue string) string {
	return queue + ".count"
}

// Persist writes both task arrays to the metadata store: every slot first,
// then the count, so a crash between the two leaves the previous count
// pointing at readable slots.
func (s *Scheduler) Persist(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	queued := s.serializeLocked(s.queued)
	running := s.serializeLocked(s.running)
	s.mu.RUnlock()

	if err := s.writeQueue(ctx, queuedName, queued); err != nil {
		metrics.IncPersistFailures()
		return err
	}
	if err := s.writeQueue(ctx, runningName, running); err != nil {
		metrics.IncPersistFailures()
		return err
	}
	return nil
}

// persistLogged persists and logs a failure; execution continues either way.
func (s *Scheduler) persistLogged(ctx context.Context) {
	if err := s.Persist(ctx); err != nil {
		s.logger.Warn("unable to save tasks", zap.Error(err))
	}
}

func (s *Scheduler) serializeLocked(hs []Handle) []string {
	out := make([]string, 0, len(hs))
	for _, h := range hs {
		text, err := s.tasks[h].Serialize()
		if err != nil {
			s.logger.Error("unable to serialize task", zap.Stringer("handle", h), zap.Error(err))
			continue
		}
		out = append(out, text)
	}
	return out
}

func (s *Scheduler) writeQueue(ctx context.Context, queue string, slots []string) error {
	for i, text := range slots {
		if err := s.store.SetMetadata(ctx, slotKey(queue, i), text); err != nil {
			return fmt.Errorf("persist %s: %w", slotKey(queue, i), err)
		}
	}
	if err := s.store.SetMetadata(ctx, countKey(queue), strconv.Itoa(len(slots))); err != nil {
		return fmt.Errorf("persist %s: %w", countKey(queue), err)
	}
	return nil
}

// Recover loads persisted tasks and queues them. Tasks found in the running
// array were interrupted and are queued again with their checkpoint. Missing
// or corrupt slots are logged and skipped. It returns the number recovered.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	queued, err := s.readQueue(ctx, queuedName)
	if err != nil {
		return 0, err
	}
	running, err := s.readQueue(ctx, runningName)
	if err != nil {
		return 0, err
	}
	for _, t := range append(queued, running...) {
		h := s.add(t)
		s.emit(h, t, progress.StageQueued, runner.Result{}, 0)
	}
	n := len(queued) + len(running)
	s.logger.Info("recovered tasks", zap.Int("queued", len(queued)), zap.Int("interrupted", len(running)))
	s.persistLogged(ctx)
	return n, nil
}

func (s *Scheduler) readQueue(ctx context.Context, queue string) ([]*task.Task, error) {
	raw, ok, err := s.store.GetMetadata(ctx, countKey(queue))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", countKey(queue), err)
	}
	if !ok {
		return nil, nil
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count < 0 {
		s.logger.Error("invalid persisted task count", zap.String("key", countKey(queue)), zap.String("value", raw))
		return nil, nil
	}
	tasks := make([]*task.Task, 0, count)
	for i := 0; i < count; i++ {
		key := slotKey(queue, i)
		text, ok, err := s.store.GetMetadata(ctx, key)
		switch {
		case err != nil:
			s.logger.Warn("unable to read persisted task", zap.String("key", key), zap.Error(err))
			continue
		case !ok:
			s.logger.Warn("missing persisted task", zap.String("key", key))
			continue
		}
		t, err := task.Parse(text, s.modules.Lookup)
		if err != nil {
			s.logger.Warn("unable to parse persisted task", zap.String("key", key), zap.Error(err))
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
