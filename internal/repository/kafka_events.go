package repository

import (
	"context"

	"CNNForecast/internal/domain/models"
	"CNNForecast/internal/domain/repository"
	pkgkafka "CNNForecast/pkg/kafka"
)

type eventProducer interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}) error
	Close() error
}

// KafkaEventPublisher publishes model events and forecast results. Messages
// are keyed by model key (events) or forecast id (results).
type KafkaEventPublisher struct {
	producer     eventProducer
	eventsTopic  string
	resultsTopic string
}

// NewKafkaEventPublisher creates Kafka publisher.
func NewKafkaEventPublisher(producer *pkgkafka.Producer, eventsTopic, resultsTopic string) repository.EventPublisher {
	return &KafkaEventPublisher{producer: producer, eventsTopic: eventsTopic, resultsTopic: resultsTopic}
}

func (p *KafkaEventPublisher) PublishModelEvent(ctx context.Context, ev *models.ModelEvent) error {
	return p.producer.Publish(ctx, p.eventsTopic, []byte(ev.ModelKey), ev)
}

func (p *KafkaEventPublisher) PublishForecast(ctx context.Context, f *models.Forecast) error {
	return p.producer.Publish(ctx, p.resultsTopic, []byte(f.ID), f)
}

func (p *KafkaEventPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// NopEventPublisher drops events; used when Kafka is disabled.
type NopEventPublisher struct{}

func (NopEventPublisher) PublishModelEvent(context.Context, *models.ModelEvent) error { return nil }
func (NopEventPublisher) PublishForecast(context.Context, *models.Forecast) error     { return nil }
func (NopEventPublisher) Close() error                                                { return nil }
