package pricealert

import (
	"context"
	"sync"

	"github.com/JakeFAU/transparent-crawler/internal/crawler"
)

// HistoryStore keeps raw price observations per (module, group).
type HistoryStore interface {
	Append(ctx context.Context, module crawler.ModuleID, group crawler.GroupID, record crawler.PriceRecord) error
	History(ctx context.Context, module crawler.ModuleID, group crawler.GroupID) ([]crawler.PriceRecord, error)
}

type historyKey struct {
	module crawler.ModuleID
	group  crawler.GroupID
}

// History is an in-memory HistoryStore.
type History struct {
	mu      sync.RWMutex
	records map[historyKey][]crawler.PriceRecord
}

// NewHistory returns an empty in-memory history.
func NewHistory() *History {
	return &History{records: make(map[historyKey][]crawler.PriceRecord)}
}

// Append records one observation.
func (h *History) Append(_ context.Context, module crawler.ModuleID, group crawler.GroupID, record crawler.PriceRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := historyKey{module: module, group: group}
	h.records[key] = append(h.records[key], record)
	return nil
}

// History returns a copy of the observations in insertion order.
func (h *History) History(_ context.Context, module crawler.ModuleID, group crawler.GroupID) ([]crawler.PriceRecord, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	records := h.records[historyKey{module: module, group: group}]
	out := make([]crawler.PriceRecord, len(records))
	copy(out, records)
	return out, nil
}

var _ HistoryStore = (*History)(nil)
