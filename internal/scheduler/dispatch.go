package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// dueItem orders pending activations by scheduled time, then by enqueue order.
type dueItem struct {
	at     time.Time
	seq    uint64
	handle Handle
}

type dueHeap []dueItem

func (d dueHeap) Len() int { return len(d) }
func (d dueHeap) Less(i, j int) bool {
	if d[i].at.Equal(d[j].at) {
		return d[i].seq < d[j].seq
	}
	return d[i].at.Before(d[j].at)
}
func (d dueHeap) Swap(i, j int) { d[i], d[j] = d[j], d[i] }
func (d *dueHeap) Push(x any)   { *d = append(*d, x.(dueItem)) }
func (d *dueHeap) Pop() any {
	old := *d
	n := len(old)
	item := old[n-1]
	*d = old[:n-1]
	return item
}

func (d *dueHeap) push(item dueItem) { heap.Push(d, item) }

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// takeDue pops every queued handle due at now. It returns the wait until the
// next pending item and whether one exists.
func (s *Scheduler) takeDue(now time.Time) ([]Handle, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Handle
	for s.pending.Len() > 0 {
		top := s.pending[0]
		if _, live := s.tasks[top.handle]; !live {
			heap.Pop(&s.pending)
			continue
		}
		if top.at.After(now) {
			return due, top.at.Sub(now), true
		}
		heap.Pop(&s.pending)
		due = append(due, top.handle)
	}
	return due, 0, false
}

// Run dispatches due tasks onto the activation pool until ctx is cancelled.
// Cancellation stops running activations cooperatively; Run joins all of them
// and persists the final state before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", zap.Int("pool_size", s.cfg.PoolSize))
	slots := make(chan struct{}, s.cfg.PoolSize)
	var g errgroup.Group

dispatch:
	for {
		due, wait, more := s.takeDue(s.clock.Now())
		for _, h := range due {
			h := h // per-iteration copy; go.mod targets go 1.21 loop semantics
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				break dispatch
			}
			g.Go(func() error {
				defer func() { <-slots }()
				s.activate(ctx, h)
				return nil
			})
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if more {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
		case <-s.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			break dispatch
		}
	}

	_ = g.Wait() //nolint:errcheck // activations never return errors
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.Persist(pctx); err != nil {
		return fmt.Errorf("persist on shutdown: %w", err)
	}
	q, r := s.Sizes()
	s.logger.Info("scheduler stopped", zap.Int("queued", q), zap.Int("running", r))
	return nil
}
