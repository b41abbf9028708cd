package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewWithRegistry(reg)

	r.RecordEpoch("cnn", 0.5)
	r.RecordEpoch("cnn", 0.25)
	r.RecordTraining("cnn", 12, nil)
	r.RecordForecast("horizon", 0.01, errors.New("boom"))
	r.RecordError("forecast")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.epochsTotal.WithLabelValues("cnn")))
	assert.Equal(t, 0.25, testutil.ToFloat64(r.lastLoss.WithLabelValues("cnn")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.trainingsTotal.WithLabelValues("cnn", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.forecastsTotal.WithLabelValues("horizon", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.errorsTotal.WithLabelValues("forecast")))
}
