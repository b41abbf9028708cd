package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"CNNForecast/internal/domain/models"
	"CNNForecast/internal/domain/service"
	"CNNForecast/internal/service/ratelimit"
	"CNNForecast/internal/usecase"
	xhttp "CNNForecast/pkg/http"
	xlogger "CNNForecast/pkg/logger"
	"CNNForecast/pkg/queue"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// ForecastEchoHandler serves forecasts, training jobs and the model catalog.
type ForecastEchoHandler struct {
	logger     *xlogger.Logger
	forecaster service.Forecaster
	catalog    service.ModelCatalog
	jobs       queue.Publisher
	checks     map[string]HealthCheck
	limiter    *ratelimit.Limiter
}

// NewForecastEchoHandler creates the handler. jobs may be nil when the
// training queue is disabled.
func NewForecastEchoHandler(logger *xlogger.Logger, forecaster service.Forecaster, catalog service.ModelCatalog, jobs queue.Publisher) *ForecastEchoHandler {
	if logger == nil {
		logger = xlogger.Nop()
	}
	return &ForecastEchoHandler{
		logger:     logger,
		forecaster: forecaster,
		catalog:    catalog,
		jobs:       jobs,
		checks:     make(map[string]HealthCheck),
	}
}

// AddHealthCheck registers a dependency probe reported by /health.
func (h *ForecastEchoHandler) AddHealthCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

// SetLimiter throttles forecast and train requests per client.
func (h *ForecastEchoHandler) SetLimiter(l *ratelimit.Limiter) { h.limiter = l }

func (h *ForecastEchoHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	var mw []echo.MiddlewareFunc
	if h.limiter != nil {
		mw = append(mw, h.limiter.Middleware())
	}
	g := e.Group("/api/v1")
	g.GET("/forecast", h.Forecast, mw...)
	g.POST("/forecast", h.Forecast, mw...)
	g.POST("/train", h.Train, mw...)
	g.GET("/train/:id", h.TrainStatus)
	g.GET("/models", h.Models)
}

func (h *ForecastEchoHandler) Forecast(c echo.Context) error {
	req := &models.ForecastRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	res, err := h.forecaster.Forecast(c.Request().Context(), *req)
	if err != nil {
		appErr := toAppError(err)
		if appErr.Status >= http.StatusInternalServerError {
			h.logger.Error("forecast usecase error", xlogger.String("model", req.Model), xlogger.Error(err))
		}
		return xhttp.AppErrorResponse(c, appErr)
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *ForecastEchoHandler) Train(c echo.Context) error {
	if h.jobs == nil {
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("training queue is disabled"))
	}
	req := &models.TrainRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	id, err := h.jobs.Enqueue(c.Request().Context(), usecase.TrainJobType, req)
	if err != nil {
		h.logger.Error("enqueue training failed", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, toAppError(err))
	}
	h.logger.Info("training enqueued", xlogger.String("job_id", id), xlogger.String("model", req.ModelName))
	return xhttp.AcceptedResponse(c, models.TrainAccepted{JobID: id, Status: queue.StatusQueued})
}

func (h *ForecastEchoHandler) TrainStatus(c echo.Context) error {
	if h.jobs == nil {
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("training queue is disabled"))
	}
	state, err := h.jobs.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return xhttp.AppErrorResponse(c, toAppError(err))
	}
	return xhttp.SuccessResponse(c, state)
}

func (h *ForecastEchoHandler) Models(c echo.Context) error {
	infos, err := h.catalog.List(c.Request().Context())
	if err != nil {
		h.logger.Error("list models failed", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, toAppError(err))
	}
	return xhttp.ListResponse(c, infos, int64(len(infos)))
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Time   time.Time         `json:"time"`
}

func (h *ForecastEchoHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	res := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks)), Time: time.Now().UTC()}
	status := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			res.Checks[name] = err.Error()
			res.Status = "degraded"
			status = http.StatusServiceUnavailable
			h.logger.Warn("health check failed", xlogger.String("check", name), xlogger.Error(err))
			continue
		}
		res.Checks[name] = "ok"
	}
	return xhttp.DataResponse(c, status, res)
}
