// Package module keeps the registry of configured worker modules and persists
// it to the metadata store.
package module

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/transparent-crawler/internal/crawler"
)

// CountKey holds the number of persisted module slots.
const CountKey = "modules.count"

// ErrUnknownModule is returned when a module id is not registered.
var ErrUnknownModule = errors.New("unknown module")

// Registry maps module ids to module declarations.
type Registry struct {
	mu      sync.RWMutex
	modules map[crawler.ModuleID]crawler.Module
}

// NewRegistry returns a registry seeded with the given modules.
func NewRegistry(modules ...crawler.Module) *Registry {
	r := &Registry{modules: make(map[crawler.ModuleID]crawler.Module, len(modules))}
	for _, m := range modules {
		r.modules[m.ID] = m
	}
	return r
}

// Add registers or replaces a module.
func (r *Registry) Add(m crawler.Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[m.ID] = m
}

// Lookup resolves a module id.
func (r *Registry) Lookup(id crawler.ModuleID) (crawler.Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[id]
	if !ok {
		return crawler.Module{}, fmt.Errorf("module %s: %w", id, ErrUnknownModule)
	}
	return m, nil
}

// All returns every module ordered by id.
func (r *Registry) All() []crawler.Module {
	r.mu.RLock()
	out := make([]crawler.Module, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func slotKey(index int, field string) string {
	return "module." + strconv.Itoa(index) + "." + field
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Load reads persisted modules from store and merges them under the modules
// already present; existing entries win on id collision. A slot that cannot be
// read is logged and skipped.
func (r *Registry) Load(ctx context.Context, store crawler.MetadataStore, logger *zap.Logger) error {
	raw, ok, err := store.GetMetadata(ctx, CountKey)
	if err != nil {
		return fmt.Errorf("read %s: %w", CountKey, err)
	}
	if !ok {
		return nil
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count < 0 {
		return fmt.Errorf("parse %s %q: invalid count", CountKey, raw)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < count; i++ {
		m, err := loadSlot(ctx, store, i)
		if err != nil {
			logger.Warn("skipping persisted module", zap.Int("index", i), zap.Error(err))
			continue
		}
		if _, exists := r.modules[m.ID]; exists {
			continue
		}
		r.modules[m.ID] = m
	}
	return nil
}

func loadSlot(ctx context.Context, store crawler.MetadataStore, index int) (crawler.Module, error) {
	fields := map[string]string{}
	for _, f := range []string{"id", "path", "name", "source", "remote", "blocked"} {
		v, ok, err := store.GetMetadata(ctx, slotKey(index, f))
		if err != nil {
			return crawler.Module{}, fmt.Errorf("read %s: %w", slotKey(index, f), err)
		}
		if !ok && f == "id" {
			return crawler.Module{}, fmt.Errorf("missing %s", slotKey(index, f))
		}
		fields[f] = v
	}
	id, err := crawler.ParseModuleID(fields["id"])
	if err != nil {
		return crawler.Module{}, err
	}
	return crawler.Module{
		ID:         id,
		Path:       fields["path"],
		ModuleName: fields["name"],
		SourceName: fields["source"],
		// Absent flags default to remote with block downloads.
		Remote:          fields["remote"] != "0",
		ChunkedDownload: fields["blocked"] == "0",
	}, nil
}

// Save writes every module slot and then the count.
func (r *Registry) Save(ctx context.Context, store crawler.MetadataStore) error {
	modules := r.All()
	for i, m := range modules {
		values := [][2]string{
			{"id", m.ID.String()},
			{"path", m.Path},
			{"name", m.ModuleName},
			{"source", m.SourceName},
			{"remote", flag(m.Remote)},
			{"blocked", flag(!m.ChunkedDownload)},
		}
		for _, kv := range values {
			if err := store.SetMetadata(ctx, slotKey(i, kv[0]), kv[1]); err != nil {
				return fmt.Errorf("write %s: %w", slotKey(i, kv[0]), err)
			}
		}
	}
	if err := store.SetMetadata(ctx, CountKey, strconv.Itoa(len(modules))); err != nil {
		return fmt.Errorf("write %s: %w", CountKey, err)
	}
	return nil
}
