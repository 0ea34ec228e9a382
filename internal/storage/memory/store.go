// Package memory provides in-memory storage for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/transparent-crawler/internal/crawler"
)

type groupKey struct {
	brand string
	model string
}

type productKey struct {
	module crawler.ModuleID
	id     string
}

// Store implements crawler.ProductStore and crawler.MetadataStore.
type Store struct {
	mu       sync.RWMutex
	ids      map[crawler.ModuleID][]string
	seen     map[productKey]struct{}
	products map[productKey]crawler.ProductRecord
	groups   map[groupKey]crawler.GroupPrice
	meta     map[string]string
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		ids:      make(map[crawler.ModuleID][]string),
		seen:     make(map[productKey]struct{}),
		products: make(map[productKey]crawler.ProductRecord),
		groups:   make(map[groupKey]crawler.GroupPrice),
		meta:     make(map[string]string),
	}
}

// GetMetadata returns a metadata value.
func (s *Store) GetMetadata(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.meta[key]
	return v, ok, nil
}

// SetMetadata stores a metadata value.
func (s *Store) SetMetadata(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
	return nil
}

// AddProductIDs appends identifiers not yet known for module.
func (s *Store) AddProductIDs(_ context.Context, module crawler.ModuleID, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, id := range ids {
		key := productKey{module: module, id: id}
		if _, ok := s.seen[key]; ok {
			continue
		}
		s.seen[key] = struct{}{}
		s.ids[module] = append(s.ids[module], id)
		added++
	}
	return added, nil
}

// ProductIDs returns an iterator over a snapshot of the module's identifiers
// in insertion order.
func (s *Store) ProductIDs(_ context.Context, module crawler.ModuleID) (crawler.ProductIterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make([]string, len(s.ids[module]))
	copy(snapshot, s.ids[module])
	return &iterator{ids: snapshot}, nil
}

// LookupGroup resolves a (brand, model) pair.
func (s *Store) LookupGroup(_ context.Context, brand, model string) (crawler.GroupPrice, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupKey{brand: brand, model: model}]
	return g, ok, nil
}

// UpsertProduct merges a product record and folds its price into the group minimum.
func (s *Store) UpsertProduct(_ context.Context, record crawler.ProductRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := productKey{module: record.ModuleID, id: record.ProductID}
	if prev, ok := s.products[key]; ok {
		merged := make(map[string]crawler.Value, len(prev.Attributes)+len(record.Attributes))
		for k, v := range prev.Attributes {
			merged[k] = v
		}
		for k, v := range record.Attributes {
			merged[k] = v
		}
		record.Attributes = merged
	}
	s.products[key] = record

	gk := groupKey{brand: record.Brand, model: record.Model}
	g, ok := s.groups[gk]
	if !ok {
		g = crawler.GroupPrice{GroupID: record.GroupID}
	}
	if record.HasPrice && (!g.HasPrice || record.Price < g.MinPrice) {
		g.MinPrice = record.Price
		g.HasPrice = true
	}
	s.groups[gk] = g
	return nil
}

// Product returns a stored product record.
func (s *Store) Product(module crawler.ModuleID, productID string) (crawler.ProductRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.products[productKey{module: module, id: productID}]
	return rec, ok
}

type iterator struct {
	ids []string
	pos int
}

func (it *iterator) Next(_ context.Context) (string, bool, error) {
	if it.pos >= len(it.ids) {
		return "", false, nil
	}
	id := it.ids[it.pos]
	it.pos++
	return id, true, nil
}

func (it *iterator) SeekRelative(_ context.Context, n int) error {
	it.pos += n
	if it.pos < 0 {
		it.pos = 0
	}
	return nil
}

func (it *iterator) Close() error { return nil }

var (
	_ crawler.ProductStore  = (*Store)(nil)
	_ crawler.MetadataStore = (*Store)(nil)
)
