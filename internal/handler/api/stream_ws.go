package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"CNNForecast/internal/domain/models"
	"CNNForecast/internal/domain/service"
	"CNNForecast/internal/service/ratelimit"
	xhttp "CNNForecast/pkg/http"
	xlogger "CNNForecast/pkg/logger"
)

const (
	streamReadTimeout  = 10 * time.Second
	streamWriteTimeout = 5 * time.Second
)

// StreamHandler serves forecasts over a websocket. The client sends one
// request frame; every predicted step is pushed as it is produced, followed
// by a done frame carrying the full forecast.
type StreamHandler struct {
	logger     *xlogger.Logger
	forecaster service.Forecaster
	upgrader   websocket.Upgrader
	limiter    *ratelimit.Limiter
}

func NewStreamHandler(logger *xlogger.Logger, forecaster service.Forecaster) *StreamHandler {
	if logger == nil {
		logger = xlogger.Nop()
	}
	return &StreamHandler{
		logger:     logger,
		forecaster: forecaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// SetLimiter throttles stream connections per client.
func (h *StreamHandler) SetLimiter(l *ratelimit.Limiter) { h.limiter = l }

func (h *StreamHandler) RegisterRoutes(e *echo.Echo) {
	if h.limiter != nil {
		e.GET("/api/v1/forecast/stream", h.Stream, h.limiter.Middleware())
		return
	}
	e.GET("/api/v1/forecast/stream", h.Stream)
}

func (h *StreamHandler) Stream(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("websocket upgrade failed", xlogger.Error(err))
		return nil
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		h.logger.Debug("stream request not received", xlogger.Error(err))
		return nil
	}
	var req models.ForecastRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return h.fail(conn, "malformed request: "+err.Error())
	}
	if err := xhttp.ValidateStruct(c.Request().Context(), &req); err != nil {
		msg := "invalid request"
		if verrs := xhttp.ValidationMessages(err); len(verrs) > 0 {
			msg = verrs[0].Message
		}
		return h.fail(conn, msg)
	}

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	// The client sends nothing after the request; any read result, including
	// a close frame, means it is gone.
	_ = conn.SetReadDeadline(time.Time{})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	steps := 0
	f, err := h.forecaster.Stream(ctx, req, func(step models.ForecastStep) error {
		steps++
		return h.write(conn, models.StreamFrame{Type: models.FrameStep, Step: &step})
	})
	if err != nil {
		if ctx.Err() != nil && steps > 0 {
			h.logger.Debug("stream client went away", xlogger.Int("steps", steps))
			return nil
		}
		return h.fail(conn, toAppError(err).Message)
	}
	if err := h.write(conn, models.StreamFrame{Type: models.FrameDone, Forecast: f}); err != nil {
		return nil
	}
	h.logger.Debug("stream finished", xlogger.String("id", f.ID), xlogger.Int("steps", steps))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(streamWriteTimeout))
	return nil
}

func (h *StreamHandler) write(conn *websocket.Conn, frame models.StreamFrame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteJSON(frame)
}

func (h *StreamHandler) fail(conn *websocket.Conn, msg string) error {
	_ = h.write(conn, models.StreamFrame{Type: models.FrameError, Error: msg})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseUnsupportedData, msg),
		time.Now().Add(streamWriteTimeout))
	return nil
}
