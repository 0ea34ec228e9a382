// Package xorshift allocates random product group ids from a seed that
// survives restarts.
package xorshift

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"

	"github.com/JakeFAU/transparent-crawler/internal/crawler"
)

// SeedKey is the metadata key holding the generator state.
const SeedKey = "seed"

// Generator is a xorshift64* sequence whose state is written back to metadata
// after every draw, so a restarted process never repeats ids.
type Generator struct {
	mu    sync.Mutex
	store crawler.MetadataStore
	state uint64
}

// Load restores the generator state from store, seeding it from crypto/rand
// when no state exists yet.
func Load(ctx context.Context, store crawler.MetadataStore) (*Generator, error) {
	raw, ok, err := store.GetMetadata(ctx, SeedKey)
	if err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}
	var state uint64
	if ok {
		if state, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("parse seed %q: %w", raw, err)
		}
	}
	if state == 0 {
		var b [8]byte
		if _, err := rand.Read(b[:]); err != nil {
			return nil, fmt.Errorf("seed generator: %w", err)
		}
		state = binary.BigEndian.Uint64(b[:]) | 1
	}
	return &Generator{store: store, state: state}, nil
}

// NewGroupID draws the next id and persists the advanced state.
func (g *Generator) NewGroupID(ctx context.Context) (crawler.GroupID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	x := g.state
	x ^= x >> 12
	x ^= x << 25
	x ^= x >> 27
	g.state = x
	if err := g.store.SetMetadata(ctx, SeedKey, strconv.FormatUint(x, 10)); err != nil {
		return 0, fmt.Errorf("save seed: %w", err)
	}
	return crawler.GroupID(x * 2685821657736338717), nil
}
