//go:build wireinject
// +build wireinject

package di

import (
	"CNNForecast/pkg/config"
	"CNNForecast/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Observability
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure clients
		ProvideClickHouseClient,
		ProvideRedisCache,
		ProvideKafkaProducer,
		ProvideKafkaConsumer,

		// Repositories
		ProvideSeriesStore,
		ProvideCache,
		ProvideModelRegistry,
		ProvideEventPublisher,

		// Use cases
		ProvideTrainUsecase,
		ProvideForecastUsecase,
		ProvideTrainJob,
		ProvideTrainQueue,
		ProvideKafkaForecastHandler,

		// HTTP
		ProvideRateLimiter,
		ProvideForecastHandler,
		ProvideStreamHandler,
		ProvideHTTPServer,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
