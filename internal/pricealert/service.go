package pricealert

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/transparent-crawler/internal/crawler"
	"github.com/JakeFAU/transparent-crawler/internal/metrics"
)

// Service implements crawler.PriceAlerts.
type Service struct {
	trigger   *Trigger
	history   HistoryStore
	publisher crawler.AlertPublisher
	ids       crawler.IDGenerator
	logger    *zap.Logger
}

// NewService wires a trigger index, a history store and an alert publisher.
func NewService(trigger *Trigger, history HistoryStore, publisher crawler.AlertPublisher, ids crawler.IDGenerator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		trigger:   trigger,
		history:   history,
		publisher: publisher,
		ids:       ids,
		logger:    logger.Named("pricealert"),
	}
}

// Trigger exposes the subscription index.
func (s *Service) Trigger() *Trigger { return s.trigger }

// CheckPrice consults the subscription index.
func (s *Service) CheckPrice(module crawler.ModuleID, group crawler.GroupID, price int64) bool {
	return s.trigger.CheckPrice(module, group, price)
}

// RecordPrice appends a raw observation to the history.
func (s *Service) RecordPrice(ctx context.Context, module crawler.ModuleID, group crawler.GroupID, at time.Time, price int64) error {
	if err := s.history.Append(ctx, module, group, crawler.PriceRecord{Time: at.UTC(), Price: price}); err != nil {
		return fmt.Errorf("record price: %w", err)
	}
	return nil
}

// History returns the observations for one product group.
func (s *Service) History(ctx context.Context, module crawler.ModuleID, group crawler.GroupID) ([]crawler.PriceRecord, error) {
	return s.history.History(ctx, module, group)
}

// Alert assigns an id and publishes the alert.
func (s *Service) Alert(ctx context.Context, alert crawler.Alert) error {
	if alert.ID == "" && s.ids != nil {
		id, err := s.ids.NewID()
		if err != nil {
			return fmt.Errorf("alert id: %w", err)
		}
		alert.ID = id
	}
	if err := s.publisher.PublishAlert(ctx, alert); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	metrics.ObservePriceDrop(true)
	s.logger.Info("price alert published",
		zap.String("alert_id", alert.ID),
		zap.Stringer("module_id", alert.ModuleID),
		zap.Stringer("gid", alert.GroupID),
		zap.Int64("previous", alert.Previous),
		zap.Int64("price", alert.Price),
	)
	return nil
}

var _ crawler.PriceAlerts = (*Service)(nil)
