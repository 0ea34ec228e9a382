package pricealert

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/JakeFAU/transparent-crawler/internal/crawler"
)

// TriggerKey is the metadata key the subscription index is saved under.
const TriggerKey = "price.trigger"

// Track is one subscription. Nil Module means every module; nil Threshold
// means any price.
type Track struct {
	Module    *crawler.ModuleID `json:"module,omitempty"`
	Threshold *int64            `json:"threshold,omitempty"`
}

// Trigger indexes subscriptions for fast price checks.
type Trigger struct {
	mu               sync.RWMutex
	anyPrice         int
	moduleAny        map[crawler.ModuleID]int
	thresholds       map[int64]int
	moduleThresholds map[crawler.ModuleID]map[int64]int
}

// NewTrigger returns an empty index.
func NewTrigger() *Trigger {
	return &Trigger{
		moduleAny:        make(map[crawler.ModuleID]int),
		thresholds:       make(map[int64]int),
		moduleThresholds: make(map[crawler.ModuleID]map[int64]int),
	}
}

// Add registers a subscription.
func (t *Trigger) Add(track Track) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case track.Module == nil && track.Threshold == nil:
		t.anyPrice++
	case track.Module == nil:
		t.thresholds[*track.Threshold]++
	case track.Threshold == nil:
		t.moduleAny[*track.Module]++
	default:
		set := t.moduleThresholds[*track.Module]
		if set == nil {
			set = make(map[int64]int)
			t.moduleThresholds[*track.Module] = set
		}
		set[*track.Threshold]++
	}
}

// Remove drops one reference to a subscription. Unknown tracks are ignored.
func (t *Trigger) Remove(track Track) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case track.Module == nil && track.Threshold == nil:
		if t.anyPrice > 0 {
			t.anyPrice--
		}
	case track.Module == nil:
		decrement(t.thresholds, *track.Threshold)
	case track.Threshold == nil:
		decrement(t.moduleAny, *track.Module)
	default:
		set := t.moduleThresholds[*track.Module]
		if set == nil {
			return
		}
		decrement(set, *track.Threshold)
		if len(set) == 0 {
			delete(t.moduleThresholds, *track.Module)
		}
	}
}

func decrement[K comparable](m map[K]int, k K) {
	n, ok := m[k]
	if !ok {
		return
	}
	if n <= 1 {
		delete(m, k)
		return
	}
	m[k] = n - 1
}

// CheckPrice reports whether any subscription covers price for module.
func (t *Trigger) CheckPrice(module crawler.ModuleID, _ crawler.GroupID, price int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.anyPrice > 0 || t.moduleAny[module] > 0 {
		return true
	}
	return covers(t.thresholds, price) || covers(t.moduleThresholds[module], price)
}

func covers(thresholds map[int64]int, price int64) bool {
	for threshold := range thresholds {
		if threshold >= price {
			return true
		}
	}
	return false
}

// Tracks returns the number of active subscriptions.
func (t *Trigger) Tracks() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.anyPrice
	for _, c := range t.moduleAny {
		n += c
	}
	for _, c := range t.thresholds {
		n += c
	}
	for _, set := range t.moduleThresholds {
		for _, c := range set {
			n += c
		}
	}
	return n
}

type triggerState struct {
	AnyPrice         int                                `json:"any_price"`
	ModuleAny        map[crawler.ModuleID]int           `json:"module_any"`
	Thresholds       map[int64]int                      `json:"thresholds"`
	ModuleThresholds map[crawler.ModuleID]map[int64]int `json:"module_thresholds"`
}

// Save writes the index to metadata.
func (t *Trigger) Save(ctx context.Context, store crawler.MetadataStore) error {
	t.mu.RLock()
	payload, err := json.Marshal(triggerState{
		AnyPrice:         t.anyPrice,
		ModuleAny:        t.moduleAny,
		Thresholds:       t.thresholds,
		ModuleThresholds: t.moduleThresholds,
	})
	t.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	if err := store.SetMetadata(ctx, TriggerKey, string(payload)); err != nil {
		return fmt.Errorf("save trigger: %w", err)
	}
	return nil
}

// LoadTrigger restores the index from metadata, returning an empty index when
// none was saved.
func LoadTrigger(ctx context.Context, store crawler.MetadataStore) (*Trigger, error) {
	t := NewTrigger()
	raw, ok, err := store.GetMetadata(ctx, TriggerKey)
	if err != nil {
		return nil, fmt.Errorf("load trigger: %w", err)
	}
	if !ok || raw == "" {
		return t, nil
	}
	var state triggerState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decode trigger: %w", err)
	}
	t.anyPrice = state.AnyPrice
	for k, v := range state.ModuleAny {
		t.moduleAny[k] = v
	}
	for k, v := range state.Thresholds {
		t.thresholds[k] = v
	}
	for m, set := range state.ModuleThresholds {
		copied := make(map[int64]int, len(set))
		for k, v := range set {
			copied[k] = v
		}
		t.moduleThresholds[m] = copied
	}
	return t, nil
}
