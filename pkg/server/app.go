package server

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	domrepo "CNNForecast/internal/domain/repository"
	"CNNForecast/internal/service/ratelimit"
	"CNNForecast/internal/usecase"
	"CNNForecast/pkg/config"
	xhttp "CNNForecast/pkg/http"
	pkgkafka "CNNForecast/pkg/kafka"
	applogger "CNNForecast/pkg/logger"
	"CNNForecast/pkg/queue"
)

const (
	limiterSweepEvery = time.Minute
	limiterIdle       = 5 * time.Minute
)

type namedCloser struct {
	name string
	c    io.Closer
}

// App encapsulates the entire application lifecycle.
type App struct {
	cfg        *config.Config
	logger     *applogger.Logger
	httpServer *xhttp.Server
	consumer   *pkgkafka.Consumer
	kh         pkgkafka.MessageHandler
	queue      *queue.RedisQueue
	limiter    *ratelimit.Limiter
	closers    []namedCloser

	Trainer    *usecase.TrainUsecase
	Forecaster *usecase.ForecastUsecase
	Store      domrepo.SeriesStore // nil when ClickHouse is disabled
}

// New creates a new App instance with all dependencies.
func New(
	cfg *config.Config,
	l *applogger.Logger,
	httpServer *xhttp.Server,
	trainer *usecase.TrainUsecase,
	forecaster *usecase.ForecastUsecase,
	store domrepo.SeriesStore,
) *App {
	if l == nil {
		l = applogger.Nop()
	}
	return &App{
		cfg:        cfg,
		logger:     l,
		httpServer: httpServer,
		Trainer:    trainer,
		Forecaster: forecaster,
		Store:      store,
	}
}

// Logger returns the application logger.
func (a *App) Logger() *applogger.Logger { return a.logger }

// SetConsumer attaches a Kafka consumer and the handler it serves.
func (a *App) SetConsumer(c *pkgkafka.Consumer, kh pkgkafka.MessageHandler) {
	a.consumer = c
	a.kh = kh
}

// SetQueue attaches the training queue whose workers run with the server.
func (a *App) SetQueue(q *queue.RedisQueue) { a.queue = q }

// SetLimiter attaches the HTTP rate limiter so idle buckets get swept.
func (a *App) SetLimiter(l *ratelimit.Limiter) { a.limiter = l }

// AddCloser registers a resource released on shutdown, in registration order.
func (a *App) AddCloser(name string, c io.Closer) {
	a.closers = append(a.closers, namedCloser{name: name, c: c})
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.queue != nil {
		if err := a.queue.Start(); err != nil {
			a.Close()
			return err
		}
	}

	if a.consumer != nil && a.kh != nil {
		a.consumer.RegisterHandler(a.kh)
		if err := a.consumer.Start(); err != nil {
			a.logger.Error("kafka consumer start error", applogger.Error(err))
			return a.shutdown(err)
		}
		a.logger.Info("kafka consumer started", applogger.String("topic", a.kh.Topic()))
	}

	if a.limiter != nil {
		go a.sweepLimiter(ctx)
	}

	if err := a.httpServer.Start(); err != nil {
		a.logger.Error("http server start error", applogger.Error(err))
		return a.shutdown(err)
	}

	// Wait for interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.logger.Info("shutdown signal received")
	cancel()
	return a.shutdown(nil)
}

func (a *App) sweepLimiter(ctx context.Context) {
	t := time.NewTicker(limiterSweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := a.limiter.Sweep(limiterIdle); n > 0 {
				a.logger.Debug("rate limiter swept", applogger.Int("buckets", n))
			}
		}
	}
}

// shutdown stops the servers first, then workers, then releases clients.
func (a *App) shutdown(cause error) error {
	a.logger.Info("shutting down...")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if cause != nil {
		errs = append(errs, cause)
	}

	if a.httpServer != nil {
		if err := a.httpServer.Stop(ctx); err != nil {
			a.logger.Error("http shutdown error", applogger.Error(err))
			errs = append(errs, err)
		}
	}
	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.logger.Warn("kafka consumer stop error", applogger.Error(err))
			errs = append(errs, err)
		}
	}
	if a.queue != nil {
		if err := a.queue.Stop(ctx); err != nil {
			a.logger.Warn("queue stop error", applogger.Error(err))
			errs = append(errs, err)
		}
	}

	a.Close()
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// Close flushes the log collector and releases every registered resource.
// It is used directly by one-shot commands that never call Run.
func (a *App) Close() {
	// the collector publishes through the producer closed below
	a.logger.RemoveCollector()
	for _, nc := range a.closers {
		if err := nc.c.Close(); err != nil {
			a.logger.Warn("close error", applogger.String("resource", nc.name), applogger.Error(err))
		}
	}
	a.closers = nil
}
