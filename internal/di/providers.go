package di

import (
	"context"
	"fmt"
	"time"

	"CNNForecast/internal/domain/repository"
	"CNNForecast/internal/handler/api"
	internalrepo "CNNForecast/internal/repository"
	"CNNForecast/internal/service/ratelimit"
	"CNNForecast/internal/usecase"
	"CNNForecast/pkg/cache"
	pkgch "CNNForecast/pkg/clickhouse"
	"CNNForecast/pkg/config"
	xhttp "CNNForecast/pkg/http"
	pkgkafka "CNNForecast/pkg/kafka"
	applogger "CNNForecast/pkg/logger"
	"CNNForecast/pkg/metrics"
	"CNNForecast/pkg/queue"
	"CNNForecast/pkg/server"
)

const (
	schemaTimeout   = 10 * time.Second
	slowMessage     = 2 * time.Second
	logFlushEvery   = 30 * time.Second
	logFlushCount   = 100
	l1CacheSize     = 1000
	l1CacheTTL      = 30 * time.Second
	queueRetryDelay = 30 * time.Second
	queueStateTTL   = 24 * time.Hour
)

// ProvideLogger creates the application logger. Aggregated warnings and
// errors are shipped to Kafka when log.topic is set and Kafka is enabled.
func ProvideLogger(cfg *config.Config, producer *pkgkafka.Producer) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	if cfg.Log.Topic != "" && producer != nil {
		l.AddCollector(&applogger.CollectionConfig{
			TimeInterval:   logFlushEvery,
			CountThreshold: logFlushCount,
			Topic:          cfg.Log.Topic,
			Publisher:      producer,
		})
	}
	return l, nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideClickHouseClient creates a ClickHouse client, or nil when ClickHouse
// is disabled.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithServer(cfg.ClickHouse.Host, cfg.ClickHouse.Port, cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithPool(10, 5, 0),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}
	return client, nil
}

// ProvideSeriesStore creates the series store and ensures its schema.
func ProvideSeriesStore(client *pkgch.Client) (repository.SeriesStore, error) {
	if client == nil {
		return nil, nil
	}
	store := internalrepo.NewClickHouseSeriesStore(client)

	ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
	defer cancel()
	if err := store.Init(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return store, nil
}

// ProvideRedisCache connects to Redis, or returns nil when Redis is disabled.
func ProvideRedisCache(cfg *config.Config) (*cache.RedisCache, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	rc, err := cache.NewRedisCache(
		cache.WithRedisServer(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB),
		cache.WithRedisPool(10, 2, 5*time.Second),
		cache.WithRedisPrefix(cfg.Redis.Prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return rc, nil
}

// ProvideCache layers an in-process cache over Redis. Without Redis the
// in-process cache is used alone.
func ProvideCache(rc *cache.RedisCache) cache.Service {
	if rc == nil {
		return cache.NewMemoryCache(
			cache.WithMemoryMaxSize(l1CacheSize),
			cache.WithMemoryCleanup(time.Minute),
		)
	}
	return cache.NewLayeredCache(rc,
		cache.WithL1(l1CacheSize, l1CacheTTL),
	)
}

// ProvideModelRegistry keeps the registry in Redis when available so every
// replica sees the same models.
func ProvideModelRegistry(cfg *config.Config, rc *cache.RedisCache) repository.ModelRegistry {
	if rc == nil {
		return internalrepo.NewMemoryModelRegistry()
	}
	return internalrepo.NewRedisModelRegistry(rc.Client(), cfg.Redis.Prefix)
}

// ProvideKafkaProducer creates a Kafka producer, or nil when Kafka is
// disabled.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithDelivery(cfg.Kafka.RequiredAcks, cfg.Kafka.Compression, cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithBatch(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.BatchBytes, cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideEventPublisher publishes model events and forecast results.
func ProvideEventPublisher(cfg *config.Config, producer *pkgkafka.Producer) repository.EventPublisher {
	if producer == nil {
		return internalrepo.NopEventPublisher{}
	}
	return internalrepo.NewKafkaEventPublisher(producer, cfg.Kafka.EventsTopic, cfg.Kafka.ResultTopic)
}

func ProvideTrainUsecase(
	cfg *config.Config,
	store repository.SeriesStore,
	registry repository.ModelRegistry,
	events repository.EventPublisher,
	m repository.Metrics,
	l *applogger.Logger,
) *usecase.TrainUsecase {
	return usecase.NewTrainUsecase(cfg, store, registry, events, m, l)
}

func ProvideForecastUsecase(
	cfg *config.Config,
	store repository.SeriesStore,
	registry repository.ModelRegistry,
	c cache.Service,
	events repository.EventPublisher,
	m repository.Metrics,
	l *applogger.Logger,
) *usecase.ForecastUsecase {
	return usecase.NewForecastUsecase(cfg, store, registry, c, events, m, l)
}

// ProvideTrainJob creates the queued training job. The cache provides the
// per-model training lock.
func ProvideTrainJob(trainer *usecase.TrainUsecase, c cache.Service, l *applogger.Logger) *usecase.TrainJob {
	return usecase.NewTrainJob(trainer, c, 0, l)
}

// ProvideTrainQueue creates the Redis training queue, or nil when the queue
// is disabled.
func ProvideTrainQueue(cfg *config.Config, rc *cache.RedisCache, job *usecase.TrainJob, l *applogger.Logger) *queue.RedisQueue {
	if !cfg.Queue.Enabled || rc == nil {
		return nil
	}
	q := queue.NewRedisQueue(l, &queue.QueueConfig{
		Workers:     cfg.Queue.Workers,
		RetryLimit:  cfg.Queue.MaxAttempts - 1,
		RetryDelay:  queueRetryDelay,
		PollTimeout: cfg.Queue.PollTimeout,
		StateTTL:    queueStateTTL,
	}, rc.Client(), queue.ModeProducerConsumer,
		queue.WithKeyPrefix(cfg.Redis.Prefix+":queue:"+cfg.Queue.Name),
	)
	q.RegisterJobs(job)
	return q
}

// ProvideKafkaConsumer creates a Kafka consumer configured from YAML, or nil
// when Kafka is disabled.
func ProvideKafkaConsumer(cfg *config.Config, l *applogger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
		pkgkafka.WithConsumerLogger(l),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.WithConsumerHook(pkgkafka.TraceHook(l, slowMessage))
	return consumer, nil
}

// ProvideKafkaForecastHandler answers forecast requests read from the
// request topic.
func ProvideKafkaForecastHandler(
	cfg *config.Config,
	forecaster *usecase.ForecastUsecase,
	events repository.EventPublisher,
	m repository.Metrics,
	l *applogger.Logger,
) *usecase.KafkaForecastHandler {
	return usecase.NewKafkaForecastHandler(cfg.Kafka.RequestTopic, forecaster, events, m, l)
}

// ProvideRateLimiter returns nil when rate limiting is off.
func ProvideRateLimiter(cfg *config.Config) *ratelimit.Limiter {
	if !cfg.Server.RateLimit.Enabled {
		return nil
	}
	return ratelimit.New(cfg.Server.RateLimit.Burst, cfg.Server.RateLimit.PerSecond)
}

// ProvideForecastHandler creates the REST handler and registers a health
// probe for every enabled backend.
func ProvideForecastHandler(
	l *applogger.Logger,
	forecaster *usecase.ForecastUsecase,
	q *queue.RedisQueue,
	rc *cache.RedisCache,
	store repository.SeriesStore,
	limiter *ratelimit.Limiter,
) *api.ForecastEchoHandler {
	var jobs queue.Publisher
	if q != nil {
		jobs = q
	}
	h := api.NewForecastEchoHandler(l, forecaster, forecaster, jobs)
	if rc != nil {
		h.AddHealthCheck("redis", func(ctx context.Context) error {
			return rc.Client().Ping(ctx).Err()
		})
	}
	if store != nil {
		h.AddHealthCheck("clickhouse", store.Health)
	}
	if limiter != nil {
		h.SetLimiter(limiter)
	}
	return h
}

func ProvideStreamHandler(l *applogger.Logger, forecaster *usecase.ForecastUsecase, limiter *ratelimit.Limiter) *api.StreamHandler {
	h := api.NewStreamHandler(l, forecaster)
	if limiter != nil {
		h.SetLimiter(limiter)
	}
	return h
}

// ProvideHTTPServer creates the Echo server with all routes registered.
func ProvideHTTPServer(cfg *config.Config, l *applogger.Logger, fh *api.ForecastEchoHandler, sh *api.StreamHandler) *xhttp.Server {
	return xhttp.NewServer([]xhttp.RouteRegistrar{fh, sh},
		xhttp.WithHost(cfg.Server.Host),
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithCORS(cfg.Server.CORS),
		xhttp.WithMetrics(cfg.Metrics.Enabled, cfg.Metrics.Path),
		xhttp.WithLogger(l),
	)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	httpServer *xhttp.Server,
	trainer *usecase.TrainUsecase,
	forecaster *usecase.ForecastUsecase,
	consumer *pkgkafka.Consumer,
	kh *usecase.KafkaForecastHandler,
	q *queue.RedisQueue,
	limiter *ratelimit.Limiter,
	store repository.SeriesStore,
	events repository.EventPublisher,
	c cache.Service,
	chClient *pkgch.Client,
) *server.App {
	app := server.New(cfg, l, httpServer, trainer, forecaster, store)
	if consumer != nil {
		app.SetConsumer(consumer, kh)
	}
	if q != nil {
		app.SetQueue(q)
	}
	if limiter != nil {
		app.SetLimiter(limiter)
	}

	// closed in this order after the servers stop
	app.AddCloser("events", events)
	app.AddCloser("cache", c)
	if store != nil {
		app.AddCloser("series store", store)
	}
	if chClient != nil {
		app.AddCloser("clickhouse", chClient)
	}
	return app
}
