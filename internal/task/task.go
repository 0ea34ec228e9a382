// Package task defines the persistent unit of work bound to a module and its
// dot-delimited serialized form.
package task

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/transparent-crawler/internal/crawler"
)

var (
	// ErrUnknownKind is returned when a task kind has no wire tag.
	ErrUnknownKind = errors.New("unknown task kind")
	// ErrMalformed is returned for a serialized task that cannot be parsed.
	ErrMalformed = errors.New("malformed task")
)

// Kind is the type of work a task performs.
type Kind uint8

// Task kinds. The numeric values are the persisted tags.
const (
	ListCrawl   Kind = 0
	DetailCrawl Kind = 1
	ImageFetch  Kind = 2
)

// String returns the kind's name as used by the operator API.
func (k Kind) String() string {
	switch k {
	case ListCrawl:
		return "list_crawl"
	case DetailCrawl:
		return "detail_crawl"
	case ImageFetch:
		return "image_fetch"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case ListCrawl, DetailCrawl, ImageFetch:
		return true
	default:
		return false
	}
}

// ParseKind accepts a kind name or its numeric tag.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{ListCrawl, DetailCrawl, ImageFetch} {
		if s == k.String() || s == strconv.Itoa(int(k)) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Task is a scheduled unit of work. Its fields are guarded by a mutex because
// activations update the checkpoint while status readers serialize it.
type Task struct {
	mu sync.Mutex

	kind        Kind
	module      crawler.Module
	at          time.Time
	reschedules bool
	dummy       bool
	checkpoint  string

	running bool
	// stopped suppresses the post-activation reschedule.
	stopped bool
	cancel  context.CancelFunc
}

// New creates a task with an empty checkpoint.
func New(kind Kind, module crawler.Module, at time.Time, reschedules, dummy bool) *Task {
	return &Task{
		kind:        kind,
		module:      module,
		at:          at,
		reschedules: reschedules,
		dummy:       dummy,
	}
}

// Kind returns the task kind.
func (t *Task) Kind() Kind { return t.kind }

// Module returns the owning module.
func (t *Task) Module() crawler.Module { return t.module }

// At returns the scheduled time.
func (t *Task) At() time.Time { return t.at }

// Reschedules reports whether a successor is enqueued after a clean run.
func (t *Task) Reschedules() bool { return t.reschedules }

// Dummy reports whether discovered data is discarded.
func (t *Task) Dummy() bool { return t.dummy }

// Checkpoint returns the resumable state string.
func (t *Task) Checkpoint() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkpoint
}

// SetCheckpoint replaces the resumable state string.
func (t *Task) SetCheckpoint(checkpoint string) {
	t.mu.Lock()
	t.checkpoint = checkpoint
	t.mu.Unlock()
}

// Running reports whether an activation is in progress.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// SetRunning marks the task as running or idle.
func (t *Task) SetRunning(running bool) {
	t.mu.Lock()
	t.running = running
	t.mu.Unlock()
}

// Stopped reports whether rescheduling has been cancelled.
func (t *Task) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Bind attaches the cancel function of the activation currently running this task.
func (t *Task) Bind(cancel context.CancelFunc) {
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
}

// Unbind detaches the current activation.
func (t *Task) Unbind() {
	t.mu.Lock()
	t.cancel = nil
	t.mu.Unlock()
}

// RequestStop asks a bound activation to stop at its next poll point and,
// when cancelReschedule is set, suppresses the successor. It never kills the
// worker process.
func (t *Task) RequestStop(cancelReschedule bool) {
	t.mu.Lock()
	cancel := t.cancel
	if cancelReschedule {
		t.stopped = true
	}
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Before orders tasks by scheduled time.
func (t *Task) Before(o *Task) bool {
	return t.at.Before(o.at)
}

// Serialize encodes the task as
// <kind>.<module>.<unix millis>.<reschedules>.<dummy>[.<escaped checkpoint>].
func (t *Task) Serialize() (string, error) {
	if !t.kind.Valid() {
		return "", fmt.Errorf("serialize task: %w: %d", ErrUnknownKind, t.kind)
	}
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(t.kind)))
	b.WriteByte('.')
	b.WriteString(t.module.ID.String())
	b.WriteByte('.')
	b.WriteString(strconv.FormatInt(t.at.UnixMilli(), 10))
	b.WriteByte('.')
	b.WriteString(flag(t.reschedules))
	b.WriteByte('.')
	b.WriteString(flag(t.dummy))
	if cp := t.Checkpoint(); cp != "" {
		b.WriteByte('.')
		b.WriteString(escape(cp))
	}
	return b.String(), nil
}

// Resolver maps a module id to its declaration.
type Resolver func(crawler.ModuleID) (crawler.Module, error)

// Parse decodes a serialized task, resolving its module through resolve.
func Parse(text string, resolve Resolver) (*Task, error) {
	tokens := strings.Split(text, ".")
	if len(tokens) != 5 && len(tokens) != 6 {
		return nil, fmt.Errorf("%w: %d fields", ErrMalformed, len(tokens))
	}
	kind, err := parseTag(tokens[0])
	if err != nil {
		return nil, err
	}
	moduleID, err := crawler.ParseModuleID(tokens[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	millis, err := strconv.ParseInt(tokens[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: time %q", ErrMalformed, tokens[2])
	}
	reschedules, err := parseFlag(tokens[3])
	if err != nil {
		return nil, err
	}
	dummy, err := parseFlag(tokens[4])
	if err != nil {
		return nil, err
	}
	module, err := resolve(moduleID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	t := New(kind, module, time.UnixMilli(millis), reschedules, dummy)
	if len(tokens) == 6 {
		cp, err := unescape(tokens[5])
		if err != nil {
			return nil, err
		}
		t.checkpoint = cp
	}
	return t, nil
}

func parseTag(s string) (Kind, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil || !Kind(v).Valid() {
		return 0, fmt.Errorf("%w: %w %q", ErrMalformed, ErrUnknownKind, s)
	}
	return Kind(v), nil
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseFlag(s string) (bool, error) {
	switch s {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, fmt.Errorf("%w: flag %q", ErrMalformed, s)
	}
}

func escape(s string) string {
	if !strings.ContainsAny(s, `.\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.':
			b.WriteString(`\d`)
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func unescape(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		i++
		if i == len(s) {
			return "", fmt.Errorf("%w: dangling escape", ErrMalformed)
		}
		switch s[i] {
		case 'd':
			b.WriteByte('.')
		case '\\':
			b.WriteByte('\\')
		default:
			return "", fmt.Errorf("%w: invalid escape \\%c", ErrMalformed, s[i])
		}
	}
	return b.String(), nil
}
