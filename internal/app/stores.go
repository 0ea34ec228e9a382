package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/transparent-crawler/internal/api"
	"github.com/JakeFAU/transparent-crawler/internal/config"
	"github.com/JakeFAU/transparent-crawler/internal/crawler"
	"github.com/JakeFAU/transparent-crawler/internal/id/xorshift"
	"github.com/JakeFAU/transparent-crawler/internal/pricealert"
	"github.com/JakeFAU/transparent-crawler/internal/storage/memory"
	"github.com/JakeFAU/transparent-crawler/internal/storage/postgres"
	"github.com/JakeFAU/transparent-crawler/internal/storage/redis"
)

// Stores bundles the storage backends selected by configuration.
type Stores struct {
	Products crawler.ProductStore
	Metadata crawler.MetadataStore
	History  pricealert.HistoryStore
	Ready    map[string]api.ReadinessCheck

	closers []func()
}

// MemoryStores keeps everything in process memory.
func MemoryStores() *Stores {
	store := memory.New()
	return &Stores{
		Products: store,
		Metadata: store,
		History:  pricealert.NewHistory(),
		Ready:    map[string]api.ReadinessCheck{},
	}
}

// OpenStores connects the product, metadata and history backends.
func OpenStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Stores, error) {
	s := &Stores{Ready: map[string]api.ReadinessCheck{}}

	var mem *memory.Store
	var pg *postgres.Store
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		var err error
		pg, err = postgres.New(ctx, postgres.Config{
			DSN:             cfg.Storage.Postgres.DSN,
			TablePrefix:     cfg.Storage.Postgres.TablePrefix,
			MaxConns:        cfg.Storage.Postgres.MaxConns,
			MinConns:        cfg.Storage.Postgres.MinConns,
			MaxConnLifetime: cfg.Storage.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		s.closers = append(s.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		logger.Info("using postgres product store")
		s.Products = pg
	default:
		mem = memory.New()
		logger.Info("using in-memory product store; discovered products are lost on exit")
		s.Products = mem
	}

	switch cfg.Metadata.Backend {
	case config.BackendRedis:
		rs := redis.New(cfg.Metadata.Redis.Addr, cfg.Metadata.Redis.Password, cfg.Metadata.Redis.DB, cfg.Metadata.Redis.Prefix)
		s.closers = append(s.closers, func() {
			if err := rs.Close(); err != nil {
				logger.Warn("redis close failed", zap.Error(err))
			}
		})
		if err := rs.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("init redis metadata store: %w", err)
		}
		logger.Info("using redis metadata store", zap.String("addr", cfg.Metadata.Redis.Addr))
		s.Metadata = rs
		s.History = rs
		s.Ready["redis"] = rs.Ping
	case config.BackendPostgres:
		s.Metadata = pg
		s.History = pricealert.NewHistory()
	default:
		if mem == nil {
			mem = memory.New()
		}
		s.Metadata = mem
		s.History = pricealert.NewHistory()
	}

	if pg != nil {
		s.Ready["postgres"] = func(ctx context.Context) error {
			_, _, err := pg.GetMetadata(ctx, xorshift.SeedKey)
			return err
		}
	}
	return s, nil
}

// Close releases backend connections in reverse order of opening.
func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
