// Package scheduler owns the queued and running task sets, persists them to
// the metadata store, recovers them at startup and dispatches activations on a
// bounded pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/transparent-crawler/internal/clock/system"
	"github.com/JakeFAU/transparent-crawler/internal/crawler"
	"github.com/JakeFAU/transparent-crawler/internal/metrics"
	"github.com/JakeFAU/transparent-crawler/internal/progress"
	"github.com/JakeFAU/transparent-crawler/internal/runner"
	"github.com/JakeFAU/transparent-crawler/internal/task"
)

// ErrUnknownHandle is returned for a handle that does not name a live task.
var ErrUnknownHandle = errors.New("unknown task handle")

// Handle is an opaque reference to a task owned by the scheduler. Handles are
// valid only for the lifetime of the process.
type Handle uint64

// String renders the handle as a decimal.
func (h Handle) String() string { return strconv.FormatUint(uint64(h), 10) }

// ParseHandle parses a decimal handle.
func ParseHandle(s string) (Handle, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse handle %q: %w", s, err)
	}
	return Handle(v), nil
}

// Runner executes one activation.
type Runner interface {
	Run(ctx context.Context, req runner.Request) runner.Result
}

// ModuleResolver maps persisted module ids back to modules.
type ModuleResolver interface {
	Lookup(id crawler.ModuleID) (crawler.Module, error)
}

// Config tunes the scheduler.
type Config struct {
	// PoolSize bounds concurrent activations.
	PoolSize int
	// ImageFetchDelay spaces the image fetch placeholder chain.
	ImageFetchDelay time.Duration
}

// Deps are the scheduler's collaborators.
type Deps struct {
	Store   crawler.MetadataStore
	Modules ModuleResolver
	Runner  Runner
	Clock   crawler.Clock
	Events  progress.Emitter
	Logger  *zap.Logger
}

// Scheduler is the single owner of task state. Every component that needs
// to list, enqueue or stop tasks receives it explicitly.
type Scheduler struct {
	cfg     Config
	store   crawler.MetadataStore
	modules ModuleResolver
	runner  Runner
	clock   crawler.Clock
	events  progress.Emitter
	logger  *zap.Logger

	mu         sync.RWMutex
	lastHandle Handle
	tasks      map[Handle]*task.Task
	queued     []Handle
	running    []Handle
	pending    dueHeap
	seq        uint64
	wake       chan struct{}

	persistMu sync.Mutex
}

// New builds a scheduler. Call Recover before Run to resume persisted work.
func New(cfg Config, deps Deps) *Scheduler {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 64
	}
	if cfg.ImageFetchDelay <= 0 {
		cfg.ImageFetchDelay = time.Hour
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Events == nil {
		deps.Events = progress.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:     cfg,
		store:   deps.Store,
		modules: deps.Modules,
		runner:  deps.Runner,
		clock:   deps.Clock,
		events:  deps.Events,
		logger:  deps.Logger.Named("scheduler"),
		tasks:   make(map[Handle]*task.Task),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue adds t to the queued set and persists the queue. The task stays
// queued even when persisting fails; the error is returned for logging.
func (s *Scheduler) Enqueue(ctx context.Context, t *task.Task) (Handle, error) {
	h := s.add(t)
	s.emit(h, t, progress.StageQueued, runner.Result{}, 0)
	if err := s.Persist(ctx); err != nil {
		return h, err
	}
	return h, nil
}

func (s *Scheduler) add(t *task.Task) Handle {
	s.mu.Lock()
	s.lastHandle++
	h := s.lastHandle
	s.tasks[h] = t
	s.queued = append(s.queued, h)
	s.seq++
	s.pending.push(dueItem{at: t.At(), seq: s.seq, handle: h})
	q, r := len(s.queued), len(s.running)
	s.mu.Unlock()

	metrics.SetQueueSizes(q, r)
	s.signal()
	return h
}

// Start moves h from the queued set to the running set in one step. It
// reports false when h is no longer queued.
func (s *Scheduler) Start(h Handle) bool {
	s.mu.Lock()
	i := indexOf(s.queued, h)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.queued = removeAt(s.queued, i)
	s.running = append(s.running, h)
	t := s.tasks[h]
	q, r := len(s.queued), len(s.running)
	s.mu.Unlock()

	t.SetRunning(true)
	metrics.SetQueueSizes(q, r)
	return true
}

// Stop removes h from the running set and releases its handle. A fatal stop
// also suppresses the task's reschedule.
func (s *Scheduler) Stop(h Handle, fatal bool) {
	s.mu.Lock()
	t, ok := s.tasks[h]
	if !ok {
		s.mu.Unlock()
		return
	}
	if i := indexOf(s.running, h); i >= 0 {
		s.running = removeAt(s.running, i)
	}
	delete(s.tasks, h)
	q, r := len(s.queued), len(s.running)
	s.mu.Unlock()

	t.SetRunning(false)
	if fatal {
		t.RequestStop(true)
	}
	metrics.SetQueueSizes(q, r)
}

// RequestStop cooperatively stops the task behind h. A queued task is removed
// from the queue outright; a running task is asked to stop at its next poll
// point and, with cancelReschedule, gets no successor.
func (s *Scheduler) RequestStop(ctx context.Context, h Handle, cancelReschedule bool) error {
	s.mu.Lock()
	t, ok := s.tasks[h]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	if i := indexOf(s.queued, h); i >= 0 {
		s.queued = removeAt(s.queued, i)
		delete(s.tasks, h)
		q, r := len(s.queued), len(s.running)
		s.mu.Unlock()

		t.RequestStop(true)
		metrics.SetQueueSizes(q, r)
		s.emit(h, t, progress.StageStopped, runner.Result{}, 0)
		return s.Persist(ctx)
	}
	s.mu.Unlock()

	t.RequestStop(cancelReschedule)
	s.emit(h, t, progress.StageStopped, runner.Result{}, 0)
	return nil
}

// Lookup returns the live task behind h.
func (s *Scheduler) Lookup(h Handle) (*task.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[h]
	return t, ok
}

// Sizes returns the number of queued and running tasks.
func (s *Scheduler) Sizes() (queued, running int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queued), len(s.running)
}

// Entry is one row of a scheduler snapshot.
type Entry struct {
	Handle      Handle           `json:"handle"`
	State       string           `json:"state"`
	Kind        string           `json:"kind"`
	ModuleID    crawler.ModuleID `json:"module_id"`
	Module      string           `json:"module"`
	At          time.Time        `json:"at"`
	Reschedules bool             `json:"reschedules"`
	Dummy       bool             `json:"dummy"`
	Checkpoint  string           `json:"checkpoint,omitempty"`
}

// Snapshot lists every live task exactly once, ordered by scheduled time.
func (s *Scheduler) Snapshot() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.queued)+len(s.running))
	for _, h := range s.queued {
		out = append(out, entryFor(h, queuedName, s.tasks[h]))
	}
	for _, h := range s.running {
		out = append(out, entryFor(h, runningName, s.tasks[h]))
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

func entryFor(h Handle, state string, t *task.Task) Entry {
	m := t.Module()
	return Entry{
		Handle:      h,
		State:       state,
		Kind:        t.Kind().String(),
		ModuleID:    m.ID,
		Module:      m.ModuleName,
		At:          t.At(),
		Reschedules: t.Reschedules(),
		Dummy:       t.Dummy(),
		Checkpoint:  t.Checkpoint(),
	}
}

func (s *Scheduler) emit(h Handle, t *task.Task, stage progress.Stage, res runner.Result, dur time.Duration) {
	evt := progress.Event{
		Handle:    uint64(h),
		TS:        s.clock.Now(),
		Stage:     stage,
		Kind:      t.Kind().String(),
		ModuleID:  t.Module().ID,
		Outcome:   string(res.Outcome),
		Responses: res.Responses,
		Dur:       dur,
	}
	if res.Err != nil {
		evt.Note = res.Err.Error()
	}
	s.events.Emit(evt)
}

func indexOf(hs []Handle, h Handle) int {
	for i, v := range hs {
		if v == h {
			return i
		}
	}
	return -1
}

func removeAt(hs []Handle, i int) []Handle {
	return append(hs[:i], hs[i+1:]...)
}
