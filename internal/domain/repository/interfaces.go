package repository

import (
	"context"
	"errors"
	"time"

	"CNNForecast/internal/dataset"
	"CNNForecast/internal/domain/models"
)

var ErrModelNotFound = errors.New("model not found")

// SeriesStore reads observations for training and forecasting and keeps
// produced forecasts.
type SeriesStore interface {
	Init(ctx context.Context) error // ensure tables, health checks
	LoadTable(ctx context.Context, series string, columns []string, limit int) (*dataset.Table, error)
	StoreTable(ctx context.Context, series string, t *dataset.Table, start time.Time, step time.Duration) error
	StoreForecast(ctx context.Context, f *models.Forecast) error
	Health(ctx context.Context) error // ping
	Close() error
}

// EventPublisher announces trained models and forecasts.
type EventPublisher interface {
	PublishModelEvent(ctx context.Context, ev *models.ModelEvent) error
	PublishForecast(ctx context.Context, f *models.Forecast) error
	Close() error
}

// ModelRegistry maps model keys to artifacts.
type ModelRegistry interface {
	Register(ctx context.Context, info models.ModelInfo) error
	Get(ctx context.Context, key string) (models.ModelInfo, error)
	Latest(ctx context.Context) (models.ModelInfo, error)
	List(ctx context.Context) ([]models.ModelInfo, error)
}

type Metrics interface {
	RecordEpoch(model string, loss float64)
	RecordTraining(model string, seconds float64, err error)
	RecordForecast(mode string, seconds float64, err error)
	RecordError(kind string)
}
