// Package relay copies a worker's diagnostic stream into a log sink.
package relay

import (
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const bufferSize = 4096

type flusher interface {
	Flush() error
}

// Relay is a best-effort pump from src to dst. Failures end the pump silently
// (at debug level); they never reach the protocol loop.
type Relay struct {
	src    io.Reader
	dst    io.Writer
	logger *zap.Logger

	alive atomic.Bool
	done  chan struct{}
	once  sync.Once
}

// Start launches the pump goroutine.
func Start(src io.Reader, dst io.Writer, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relay{
		src:    src,
		dst:    dst,
		logger: logger,
		done:   make(chan struct{}),
	}
	r.alive.Store(true)
	go r.run()
	return r
}

func (r *Relay) run() {
	defer close(r.done)
	defer r.flush()
	buf := make([]byte, bufferSize)
	for r.alive.Load() {
		n, err := r.src.Read(buf)
		if n > 0 {
			if _, werr := r.dst.Write(buf[:n]); werr != nil {
				r.logger.Debug("diagnostic relay write failed", zap.Error(werr))
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				r.logger.Debug("diagnostic relay stopped", zap.Error(err))
			}
			return
		}
	}
}

func (r *Relay) flush() {
	if f, ok := r.dst.(flusher); ok {
		if err := f.Flush(); err != nil {
			r.logger.Debug("diagnostic relay flush failed", zap.Error(err))
		}
	}
}

// Stop asks the pump to end after its current read returns.
func (r *Relay) Stop() {
	r.once.Do(func() { r.alive.Store(false) })
}

// Wait blocks until the pump has exited. The source must be closed or at EOF.
func (r *Relay) Wait() {
	<-r.done
}
