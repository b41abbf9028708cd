package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	epochsTotal      *prometheus.CounterVec
	lastLoss         *prometheus.GaugeVec
	trainingDuration *prometheus.HistogramVec
	trainingsTotal   *prometheus.CounterVec
	forecastsTotal   *prometheus.CounterVec
	forecastLatency  *prometheus.HistogramVec
	errorsTotal      *prometheus.CounterVec
}

// New creates a recorder registered on the default Prometheus registry.
func New() *Recorder {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a recorder registered on reg.
func NewWithRegistry(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		epochsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cnnforecast_epochs_total",
				Help: "Total number of training epochs completed",
			},
			[]string{"model"},
		),
		lastLoss: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cnnforecast_last_loss",
				Help: "Training loss reported at the end of the last epoch",
			},
			[]string{"model"},
		),
		trainingDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cnnforecast_training_duration_seconds",
				Help:    "Duration of training runs in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
			},
			[]string{"model"},
		),
		trainingsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cnnforecast_trainings_total",
				Help: "Total number of training runs by result",
			},
			[]string{"model", "result"},
		),
		forecastsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cnnforecast_forecasts_total",
				Help: "Total number of forecasts by mode and result",
			},
			[]string{"mode", "result"},
		),
		forecastLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cnnforecast_prediction_duration_seconds",
				Help:    "Duration of forecast requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cnnforecast_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
	}
}

// RecordEpoch records a finished epoch and its loss.
func (r *Recorder) RecordEpoch(model string, loss float64) {
	r.epochsTotal.WithLabelValues(model).Inc()
	r.lastLoss.WithLabelValues(model).Set(loss)
}

// RecordTraining records a training run.
func (r *Recorder) RecordTraining(model string, seconds float64, err error) {
	r.trainingDuration.WithLabelValues(model).Observe(seconds)
	r.trainingsTotal.WithLabelValues(model, result(err)).Inc()
}

// RecordForecast records a forecast request.
func (r *Recorder) RecordForecast(mode string, seconds float64, err error) {
	r.forecastLatency.WithLabelValues(mode).Observe(seconds)
	r.forecastsTotal.WithLabelValues(mode, result(err)).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
