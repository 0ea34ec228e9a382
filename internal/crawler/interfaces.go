package crawler

import (
	"context"
	"time"
)

// MetadataStore persists small string values such as queue slots, counters and seeds.
type MetadataStore interface {
	// GetMetadata returns the value for key and whether it was present.
	GetMetadata(ctx context.Context, key string) (string, bool, error)
	SetMetadata(ctx context.Context, key, value string) error
}

// ProductIterator walks previously discovered product identifiers for one module.
type ProductIterator interface {
	Next(ctx context.Context) (string, bool, error)
	// SeekRelative skips n identifiers forward from the current position.
	SeekRelative(ctx context.Context, n int) error
	Close() error
}

// ProductStore is the storage collaborator used by the module runner.
type ProductStore interface {
	// AddProductIDs inserts identifiers that are not yet known for the module and
	// returns how many were new.
	AddProductIDs(ctx context.Context, module ModuleID, ids []string) (int, error)
	ProductIDs(ctx context.Context, module ModuleID) (ProductIterator, error)
	// LookupGroup returns the group and minimum observed price for a (brand, model) pair.
	LookupGroup(ctx context.Context, brand, model string) (GroupPrice, bool, error)
	UpsertProduct(ctx context.Context, record ProductRecord) error
}

// PriceAlerts is the price-alert collaborator consulted on every priced detail response.
type PriceAlerts interface {
	CheckPrice(module ModuleID, group GroupID, price int64) bool
	RecordPrice(ctx context.Context, module ModuleID, group GroupID, at time.Time, price int64) error
	Alert(ctx context.Context, alert Alert) error
}

// AlertPublisher delivers price alerts to an external channel.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert Alert) error
	Close() error
}

// GroupIDGenerator allocates fresh random group ids.
type GroupIDGenerator interface {
	NewGroupID(ctx context.Context) (GroupID, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces opaque string ids (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
