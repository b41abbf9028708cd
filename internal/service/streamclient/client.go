package streamclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"CNNForecast/internal/domain/models"
)

const StreamPath = "/api/v1/forecast/stream"

var ErrNotConnected = errors.New("stream client not connected")

// Client reads streamed forecasts from a running server.
type Client struct {
	streamURL    string
	pingInterval time.Duration

	conn      *websocket.Conn
	connected bool
}

// New creates a Client for the server at baseURL (http, https, ws or wss).
func New(baseURL string, pingInterval time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("stream url: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path += StreamPath
	if pingInterval <= 0 {
		pingInterval = 15 * time.Second
	}
	return &Client{streamURL: u.String(), pingInterval: pingInterval}, nil
}

// Connect establishes the WebSocket connection.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.streamURL, nil)
	if err != nil {
		return fmt.Errorf("stream connect: %w", err)
	}
	c.conn = conn
	c.connected = true
	return nil
}

// Send writes the forecast request. The server answers a single request per
// connection.
func (c *Client) Send(req models.ForecastRequest) error {
	if c.conn == nil || !c.connected {
		return ErrNotConnected
	}
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	return nil
}

// Read streams frames until the server closes the connection or sends a
// done or error frame.
func (c *Client) Read(ctx context.Context) (<-chan models.StreamFrame, <-chan error) {
	frames := make(chan models.StreamFrame, 256)
	errs := make(chan error, 1)
	done := make(chan struct{})

	// ping loop
	go func() {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if c.conn != nil {
					_ = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
				}
			}
		}
	}()

	// read loop
	go func() {
		defer close(done)
		defer close(frames)
		defer close(errs)
		if c.conn == nil {
			errs <- ErrNotConnected
			return
		}
		for {
			_, b, err := c.conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					errs <- fmt.Errorf("stream read: %w", err)
				}
				return
			}
			var f models.StreamFrame
			if err := json.Unmarshal(b, &f); err != nil {
				// ignore frames we cannot decode
				continue
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
			if f.Type == models.FrameDone || f.Type == models.FrameError {
				return
			}
		}
	}()

	return frames, errs
}

// Forecast sends req, calls onStep for every streamed step and returns the
// final forecast.
func (c *Client) Forecast(ctx context.Context, req models.ForecastRequest, onStep func(models.ForecastStep)) (*models.Forecast, error) {
	if err := c.Send(req); err != nil {
		return nil, err
	}
	frames, errs := c.Read(ctx)
	for f := range frames {
		switch f.Type {
		case models.FrameStep:
			if onStep != nil && f.Step != nil {
				onStep(*f.Step)
			}
		case models.FrameDone:
			return f.Forecast, nil
		case models.FrameError:
			return nil, fmt.Errorf("stream: %s", f.Error)
		}
	}
	if err := <-errs; err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("stream closed before the forecast finished")
}

// Close closes the WS connection.
func (c *Client) Close() error {
	c.connected = false
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// IsConnected indicates status.
func (c *Client) IsConnected() bool { return c.connected }
