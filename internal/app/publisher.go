package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/transparent-crawler/internal/config"
	"github.com/JakeFAU/transparent-crawler/internal/crawler"
	"github.com/JakeFAU/transparent-crawler/internal/publisher/kafka"
	"github.com/JakeFAU/transparent-crawler/internal/publisher/memory"
	"github.com/JakeFAU/transparent-crawler/internal/publisher/pubsub"
)

func openPublisher(ctx context.Context, cfg config.AlertsConfig, logger *zap.Logger) (crawler.AlertPublisher, error) {
	switch cfg.Publisher {
	case config.BackendPubSub:
		logger.Info("publishing price alerts to Pub/Sub", zap.String("topic", cfg.PubSub.TopicName))
		p, err := pubsub.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		return p, nil
	case config.BackendKafka:
		logger.Info("publishing price alerts to Kafka", zap.String("broker", cfg.Kafka.Broker), zap.String("topic", cfg.Kafka.Topic))
		return kafka.New(cfg.Kafka.Broker, cfg.Kafka.Topic), nil
	default:
		logger.Info("keeping price alerts in memory")
		return memory.New(), nil
	}
}
