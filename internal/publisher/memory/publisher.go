// Package memory contains an in-memory alert publisher for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/transparent-crawler/internal/crawler"
)

// Publisher stores published alerts for inspection.
type Publisher struct {
	mu     sync.RWMutex
	alerts []crawler.Alert
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// PublishAlert records the alert.
func (p *Publisher) PublishAlert(_ context.Context, alert crawler.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, alert)
	return nil
}

// Alerts returns the recorded alerts.
func (p *Publisher) Alerts() []crawler.Alert {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]crawler.Alert, len(p.alerts))
	copy(out, p.alerts)
	return out
}

// Close is a no-op.
func (p *Publisher) Close() error { return nil }

var _ crawler.AlertPublisher = (*Publisher)(nil)
