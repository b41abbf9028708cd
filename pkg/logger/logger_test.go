package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	mu       sync.Mutex
	topic    string
	payloads []interface{}
}

func (c *capturePublisher) PublishMessage(ctx context.Context, topic string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topic = topic
	c.payloads = append(c.payloads, payload)
	return nil
}

func (c *capturePublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func TestLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(&Config{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	log.With(String("model", "cnn")).Info("epoch done", Int("epoch", 3), Float64("loss", 0.25), Error(errors.New("boom")))
	log.Debug("hidden")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "epoch done", entry["message"])
	assert.Equal(t, "cnn", entry["model"])
	assert.Equal(t, float64(3), entry["epoch"])
	assert.Equal(t, 0.25, entry["loss"])
	assert.Equal(t, "boom", entry["error"])
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := NewWithWriter(&Config{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestCollectorPublishesOnThreshold(t *testing.T) {
	pub := &capturePublisher{}
	log := Nop()
	log.AddCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 2, Topic: "logs", Publisher: pub})
	defer log.RemoveCollector()

	log.Error("first", String("k", "a"))
	log.Error("first", String("k", "a"))
	assert.Equal(t, 0, pub.count(), "duplicates aggregate into one entry")
	log.Error("second")

	assert.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "logs", pub.topic)
}
