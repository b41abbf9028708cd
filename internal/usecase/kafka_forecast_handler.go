package usecase

import (
	"context"
	"encoding/json"
	"errors"

	"CNNForecast/internal/dataset"
	"CNNForecast/internal/domain/models"
	domrepo "CNNForecast/internal/domain/repository"
	"CNNForecast/internal/domain/service"
	pkghttp "CNNForecast/pkg/http"
	pkgkafka "CNNForecast/pkg/kafka"
	"CNNForecast/pkg/logger"
)

// KafkaForecastHandler answers forecast requests read from a topic on the
// results topic. Malformed requests are dropped; transient failures are
// returned so the consumer retries them.
type KafkaForecastHandler struct {
	topic      string
	forecaster service.Forecaster
	results    domrepo.EventPublisher
	metrics    domrepo.Metrics
	logger     *logger.Logger
}

func NewKafkaForecastHandler(topic string, forecaster service.Forecaster, results domrepo.EventPublisher, metrics domrepo.Metrics, l *logger.Logger) *KafkaForecastHandler {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if l == nil {
		l = logger.Nop()
	}
	return &KafkaForecastHandler{topic: topic, forecaster: forecaster, results: results, metrics: metrics, logger: l}
}

func (h *KafkaForecastHandler) Topic() string { return h.topic }

func (h *KafkaForecastHandler) Handle(ctx context.Context, key, value []byte) error {
	var req models.ForecastRequest
	if err := json.Unmarshal(value, &req); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		h.logger.Warn("drop malformed forecast request", logger.String("key", string(key)), logger.Error(err))
		return nil
	}
	if err := pkghttp.ValidateStruct(ctx, &req); err != nil {
		h.metrics.RecordError("consumer_validate")
		h.logger.Warn("drop invalid forecast request", logger.String("key", string(key)), logger.Error(err))
		return nil
	}
	if req.ID == "" {
		req.ID = pkgkafka.TraceIDFrom(ctx)
	}
	if req.ID == "" {
		req.ID = string(key)
	}

	f, err := h.forecaster.Forecast(ctx, req)
	if err != nil {
		if permanent(err) {
			h.metrics.RecordError("consumer_forecast")
			h.logger.Warn("forecast request rejected", logger.String("id", req.ID), logger.Error(err))
			return nil
		}
		return err
	}
	if err := h.results.PublishForecast(ctx, f); err != nil {
		h.metrics.RecordError("consumer_publish")
		return err
	}
	return nil
}

// permanent reports errors that a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrNoDataSource) ||
		errors.Is(err, ErrStoreDisabled) ||
		errors.Is(err, domrepo.ErrModelNotFound) ||
		errors.Is(err, dataset.ErrWindowTooLong) ||
		errors.Is(err, dataset.ErrUnknownColumn)
}

var _ pkgkafka.MessageHandler = (*KafkaForecastHandler)(nil)
