package service

import (
	"context"

	"CNNForecast/internal/domain/models"
)

// Forecaster runs a trained model over a series.
type Forecaster interface {
	Forecast(ctx context.Context, req models.ForecastRequest) (*models.Forecast, error)
	// Stream calls emit for every predicted step before returning the full
	// forecast.
	Stream(ctx context.Context, req models.ForecastRequest, emit func(models.ForecastStep) error) (*models.Forecast, error)
}

// Trainer builds and fits a model from configuration and request overrides.
type Trainer interface {
	Run(ctx context.Context, req models.TrainRequest) (*models.TrainReport, error)
}

// ModelCatalog lists registered models.
type ModelCatalog interface {
	List(ctx context.Context) ([]models.ModelInfo, error)
}
