// Package stream provides a blocking reader that can be told to stop.
package stream

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// ErrInterrupted is returned by Read once the stop predicate reports true.
// It is distinct from any error produced by the underlying source.
var ErrInterrupted = errors.New("stream interrupted")

// ErrExited is returned when the exit probe fired and the source stayed quiet
// for the drain grace without reaching EOF. It matches ErrInterrupted.
var ErrExited = fmt.Errorf("%w: source exited", ErrInterrupted)

// DefaultPollInterval is used when New receives a non-positive interval.
const DefaultPollInterval = 10 * time.Millisecond

// DefaultExitGrace is used when WithExitProbe receives a non-positive grace.
const DefaultExitGrace = 500 * time.Millisecond

const bufferSize = 4096

type chunk struct {
	data []byte
	err  error
}

// Reader wraps a blocking source. A pump goroutine performs the real reads so
// that Read can wake up on a fixed interval and consult the stop predicate
// while no data is available.
type Reader struct {
	stop    func() bool
	poll    time.Duration
	chunks  chan chunk
	done    chan struct{}
	exited  chan struct{}
	pending []byte
	err     error
	once    sync.Once

	sourceExited func() bool
	grace        time.Duration
	quietSince   time.Time
}

// Option configures a Reader.
type Option func(*Reader)

// WithExitProbe reports when the writer behind the source is gone. Unlike
// stop, a true probe does not end reading while output is still arriving:
// the Reader drains until EOF and only returns ErrExited after grace passes
// with no data.
func WithExitProbe(exited func() bool, grace time.Duration) Option {
	return func(r *Reader) {
		if grace <= 0 {
			grace = DefaultExitGrace
		}
		r.sourceExited = exited
		r.grace = grace
	}
}

// New starts pumping src. stop is consulted before every blocking read and on
// each poll tick while waiting for data.
func New(src io.Reader, stop func() bool, poll time.Duration, opts ...Option) *Reader {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if stop == nil {
		stop = func() bool { return false }
	}
	r := &Reader{
		stop:   stop,
		poll:   poll,
		chunks: make(chan chunk),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.pump(src)
	return r
}

func (r *Reader) pump(src io.Reader) {
	defer close(r.exited)
	for {
		buf := make([]byte, bufferSize)
		n, err := src.Read(buf)
		if n > 0 {
			select {
			case r.chunks <- chunk{data: buf[:n]}:
			case <-r.done:
				return
			}
		}
		if err != nil {
			select {
			case r.chunks <- chunk{err: err}:
			case <-r.done:
			}
			return
		}
	}
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.receive() {
			continue
		}
		if r.stop() {
			return 0, ErrInterrupted
		}
		if err := r.wait(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// wait blocks until a chunk arrives or the stop predicate fires on a tick.
func (r *Reader) wait() error {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		select {
		case c := <-r.chunks:
			r.accept(c)
			return nil
		case <-ticker.C:
			if r.receive() {
				return nil
			}
			if r.stop() {
				return ErrInterrupted
			}
			if r.drained(time.Now()) {
				return ErrExited
			}
		}
	}
}

// drained reports whether the source's writer has exited and nothing arrived
// for the grace period since.
func (r *Reader) drained(now time.Time) bool {
	if r.sourceExited == nil || !r.sourceExited() {
		return false
	}
	if r.quietSince.IsZero() {
		r.quietSince = now
		return false
	}
	return now.Sub(r.quietSince) >= r.grace
}

func (r *Reader) receive() bool {
	select {
	case c := <-r.chunks:
		r.accept(c)
		return true
	default:
		return false
	}
}

func (r *Reader) accept(c chunk) {
	r.quietSince = time.Time{}
	if c.err != nil {
		r.err = c.err
		return
	}
	r.pending = c.data
}

// Close releases the pump and waits for it to exit. The underlying source
// must be closed (or reach EOF) first, otherwise Close blocks on its Read.
func (r *Reader) Close() error {
	r.once.Do(func() { close(r.done) })
	<-r.exited
	return nil
}
