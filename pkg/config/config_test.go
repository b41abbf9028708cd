package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
data:
  filename: data.csv
  columns: [Close, Volume]
  columns_to_normalise: [0]
  normalise: false
model:
  layers:
    - type: cnn
      neurons: 8
      kernel_size: 2
      input_timesteps: 9
      input_dim: 2
    - type: dense
      neurons: 1
      activation: linear
`

func TestParseAppliesDefaults(t *testing.T) {
	c, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "development", c.Environment)
	assert.Equal(t, 8080, c.Server.Port)
	assert.Equal(t, 10*time.Second, c.Server.ShutdownTimeout)
	assert.Equal(t, 50, c.Data.SequenceLength)
	assert.Equal(t, 0.85, c.Data.TrainTestSplit)
	assert.False(t, c.Data.Normalise, "explicit false survives defaults")
	assert.Equal(t, "mse", c.Model.Loss)
	assert.Equal(t, "adam", c.Model.Optimizer)
	assert.Equal(t, "forecast.requests", c.Kafka.RequestTopic)
	assert.Equal(t, 0.1, c.Training.ValidationSplit)
	require.Len(t, c.Model.Layers, 2)
	assert.Equal(t, 9, c.Model.Layers[0].InputTimesteps)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown layer":  "data: {filename: a.csv, columns: [Close]}\nmodel: {layers: [{type: lstm}]}",
		"no layers":      "data: {filename: a.csv, columns: [Close]}",
		"no columns":     "data: {filename: a.csv}\nmodel: {layers: [{type: dense, neurons: 1}]}",
		"bad norm index": "data: {filename: a.csv, columns: [Close], columns_to_normalise: [3]}\nmodel: {layers: [{type: dense, neurons: 1}]}",
		"no source":      "data: {columns: [Close]}\nmodel: {layers: [{type: dense, neurons: 1}]}",
		"series no ch":   "data: {series: spx, columns: [Close]}\nmodel: {layers: [{type: dense, neurons: 1}]}",
		"queue no redis": "data: {filename: a.csv, columns: [Close]}\nmodel: {layers: [{type: dense, neurons: 1}]}\nqueue: {enabled: true}",
		"bad loss":       "data: {filename: a.csv, columns: [Close]}\nmodel: {loss: hinge, layers: [{type: dense, neurons: 1}]}",
		"malformed yaml": "data: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o644))

	t.Setenv("DATA_FILE", "other.csv")
	t.Setenv("MODEL_SAVE_DIR", "/tmp/models")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("LOG_LEVEL", "debug")

	c, err := LoadWithEnv(path)
	require.NoError(t, err)
	assert.Equal(t, "other.csv", c.Data.Filename)
	assert.Equal(t, "/tmp/models", c.Model.SaveDir)
	assert.Equal(t, []string{"a:9092", "b:9092"}, c.Kafka.Brokers)
	assert.True(t, c.Kafka.Enabled)
	assert.True(t, c.Redis.Enabled)
	assert.Equal(t, "debug", c.Log.Level)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSampleConfigIsValid(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "config", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Close", "Volume"}, c.Data.Columns)
	assert.Len(t, c.Model.Layers, 4)
}
