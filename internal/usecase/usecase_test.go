package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CNNForecast/internal/dataset"
	"CNNForecast/internal/domain/models"
	domrepo "CNNForecast/internal/domain/repository"
	"CNNForecast/internal/repository"
	"CNNForecast/pkg/cache"
	"CNNForecast/pkg/config"
)

type recordingEvents struct {
	mu        sync.Mutex
	events    []*models.ModelEvent
	forecasts []*models.Forecast
	err       error
}

func (r *recordingEvents) PublishModelEvent(_ context.Context, ev *models.ModelEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingEvents) PublishForecast(_ context.Context, f *models.Forecast) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forecasts = append(r.forecasts, f)
	return r.err
}

func (r *recordingEvents) Close() error { return nil }

func (r *recordingEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type countingMetrics struct {
	nopMetrics
	mu        sync.Mutex
	epochs    int
	trainings int
	forecasts map[string]int
}

func (c *countingMetrics) RecordEpoch(string, float64) {
	c.mu.Lock()
	c.epochs++
	c.mu.Unlock()
}

func (c *countingMetrics) RecordTraining(string, float64, error) {
	c.mu.Lock()
	c.trainings++
	c.mu.Unlock()
}

func (c *countingMetrics) RecordForecast(mode string, _ float64, _ error) {
	c.mu.Lock()
	if c.forecasts == nil {
		c.forecasts = make(map[string]int)
	}
	c.forecasts[mode]++
	c.mu.Unlock()
}

func writeSeries(t *testing.T, dir string, n int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("Date,Close,Volume\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%d,%.4f,%d\n", i, 100+10*math.Sin(float64(i)/5), 1000+i%7)
	}
	path := filepath.Join(dir, "series.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func testConfig(t *testing.T, streaming bool) *config.Config {
	t.Helper()
	dir := t.TempDir()
	csv := writeSeries(t, dir, 60)
	raw := fmt.Sprintf(`
data:
  root: %s
  filename: %s
  columns: [Close, Volume]
  sequence_length: 6
  train_test_split: 0.7
  normalise: true
  columns_to_normalise: [0, 1]
  prediction_length: 3
training:
  epochs: 2
  batch_size: 8
  validation_split: 0.1
  streaming: %t
  model_name: cnn
  sentiment_type: nonsentiment
  num_csvs: 1
model:
  save_dir: %s
  loss: mse
  optimizer: adam
  seed: 7
  layers:
    - type: dense
      neurons: 8
      activation: relu
    - type: dense
      neurons: 1
      activation: linear
forecast:
  cache_ttl: 1m
  timeout: 30s
`, dir, csv, streaming, filepath.Join(dir, "models"))
	cfg, err := config.Parse([]byte(raw))
	require.NoError(t, err)
	return cfg
}

type fixture struct {
	cfg      *config.Config
	registry domrepo.ModelRegistry
	events   *recordingEvents
	metrics  *countingMetrics
	report   *models.TrainReport
}

func trained(t *testing.T) fixture {
	t.Helper()
	fx := fixture{
		cfg:      testConfig(t, false),
		registry: repository.NewMemoryModelRegistry(),
		events:   &recordingEvents{},
		metrics:  &countingMetrics{},
	}
	trainer := NewTrainUsecase(fx.cfg, nil, fx.registry, fx.events, fx.metrics, nil)
	rep, err := trainer.Run(context.Background(), models.TrainRequest{})
	require.NoError(t, err)
	fx.report = rep
	return fx
}

func TestTrainRegistersModel(t *testing.T) {
	fx := trained(t)

	assert.FileExists(t, fx.report.ArtifactPath)
	assert.True(t, strings.HasSuffix(fx.report.ArtifactPath, "-e2.json"))
	assert.Equal(t, "val_loss", fx.report.Monitor)
	assert.Equal(t, 42-6, fx.report.Windows)
	assert.Greater(t, fx.report.TestLoss, 0.0)

	info, err := fx.registry.Get(context.Background(), fx.report.ModelKey)
	require.NoError(t, err)
	assert.Equal(t, fx.report.ArtifactPath, info.ArtifactPath)
	assert.Equal(t, []string{"Close", "Volume"}, info.Columns)
	assert.Equal(t, 6, info.SeqLen)

	assert.Equal(t, []string{models.EventModelTrained}, fx.events.types())
	assert.Equal(t, 1, fx.metrics.trainings)
	assert.Equal(t, fx.report.Epochs, fx.metrics.epochs)
}

func TestTrainStreamingNamesArtifact(t *testing.T) {
	cfg := testConfig(t, true)
	reg := repository.NewMemoryModelRegistry()
	trainer := NewTrainUsecase(cfg, nil, reg, nil, nil, nil)

	rep, err := trainer.Run(context.Background(), models.TrainRequest{ModelName: "conv", NumCSVs: 3})
	require.NoError(t, err)
	assert.Equal(t, "conv_nonsentiment_3", rep.ModelKey)
	assert.True(t, rep.Streaming)
	assert.Equal(t, "loss", rep.Monitor)
	assert.FileExists(t, filepath.Join(cfg.Model.SaveDir, "conv_nonsentiment_3.json"))
}

func TestTrainRequestOverridesDataFile(t *testing.T) {
	cfg := testConfig(t, false)
	trainer := NewTrainUsecase(cfg, nil, repository.NewMemoryModelRegistry(), nil, nil, nil)

	_, err := trainer.Run(context.Background(), models.TrainRequest{DataFile: "missing.csv"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidRequest, "inside the data root, only the open fails")

	_, err = trainer.Run(context.Background(), models.TrainRequest{Series: "spx"})
	assert.ErrorIs(t, err, ErrStoreDisabled)
}

func TestTrainRejectsPathLikeNames(t *testing.T) {
	cfg := testConfig(t, true)
	trainer := NewTrainUsecase(cfg, nil, repository.NewMemoryModelRegistry(), nil, nil, nil)

	for _, req := range []models.TrainRequest{
		{ModelName: "../../escaped"},
		{ModelName: "sub/cnn"},
		{SentimentType: `..\x`},
	} {
		_, err := trainer.Run(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest, "%+v", req)
	}
	escaped := filepath.Join(filepath.Dir(filepath.Dir(cfg.Model.SaveDir)), "escaped_nonsentiment_1.json")
	assert.NoFileExists(t, escaped)
}

func TestDataFileConfinedToRoot(t *testing.T) {
	cfg := testConfig(t, false)
	trainer := NewTrainUsecase(cfg, nil, repository.NewMemoryModelRegistry(), nil, nil, nil)

	outside := writeSeries(t, t.TempDir(), 60)
	_, err := trainer.Run(context.Background(), models.TrainRequest{DataFile: outside})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = trainer.Run(context.Background(), models.TrainRequest{DataFile: "../../etc/passwd"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	rep, err := trainer.Run(context.Background(), models.TrainRequest{DataFile: "series.csv"})
	require.NoError(t, err)
	assert.FileExists(t, rep.ArtifactPath)
}

func TestForecastModes(t *testing.T) {
	fx := trained(t)
	uc := NewForecastUsecase(fx.cfg, nil, fx.registry, nil, fx.events, fx.metrics, nil)
	ctx := context.Background()
	// 60 rows split at 42 leaves 18 test rows and 12 windows of 6.
	const windows = 12

	point, err := uc.Forecast(ctx, models.ForecastRequest{Mode: models.ModePoint})
	require.NoError(t, err)
	require.Len(t, point.Sequences, 1)
	assert.Len(t, point.Sequences[0], windows)
	assert.Len(t, point.Actual, windows)
	require.Len(t, point.Denormalised, 1)
	assert.Equal(t, fx.report.ModelKey, point.ModelKey)
	assert.NotEmpty(t, point.ID)

	multiple, err := uc.Forecast(ctx, models.ForecastRequest{Mode: models.ModeMultiple})
	require.NoError(t, err)
	assert.Len(t, multiple.Sequences, windows/3)
	for _, s := range multiple.Sequences {
		assert.Len(t, s, 3)
	}

	modified, err := uc.Forecast(ctx, models.ForecastRequest{Mode: models.ModeMultipleModified, PredictionLen: 5})
	require.NoError(t, err)
	assert.Len(t, modified.Sequences, 3)

	full, err := uc.Forecast(ctx, models.ForecastRequest{Mode: models.ModeFull})
	require.NoError(t, err)
	require.Len(t, full.Sequences, 1)
	assert.Len(t, full.Sequences[0], windows)

	horizon, err := uc.Forecast(ctx, models.ForecastRequest{Mode: models.ModeHorizon, Horizon: 7})
	require.NoError(t, err)
	require.Len(t, horizon.Sequences, 1)
	assert.Len(t, horizon.Sequences[0], 7)
	assert.Equal(t, 7, horizon.Horizon)
	assert.Empty(t, horizon.Actual)

	assert.Equal(t, 1, fx.metrics.forecasts[models.ModeFull])
}

func TestForecastDenormalisesAgainstBase(t *testing.T) {
	fx := trained(t)
	uc := NewForecastUsecase(fx.cfg, nil, fx.registry, nil, nil, nil, nil)

	f, err := uc.Forecast(context.Background(), models.ForecastRequest{Mode: models.ModeFull})
	require.NoError(t, err)
	require.Len(t, f.Denormalised, 1)
	// Close stays within [90, 110]; actual values are back on that scale.
	for _, v := range f.Actual {
		assert.InDelta(t, 100, v, 10.5)
	}
	assert.Len(t, f.Denormalised[0], len(f.Sequences[0]))
}

func TestForecastCachesByRequest(t *testing.T) {
	fx := trained(t)
	mem := cache.NewMemoryCache()
	t.Cleanup(func() { _ = mem.Close() })
	uc := NewForecastUsecase(fx.cfg, nil, fx.registry, mem, fx.events, nil, nil)
	ctx := context.Background()

	first, err := uc.Forecast(ctx, models.ForecastRequest{Mode: models.ModeMultiple})
	require.NoError(t, err)
	second, err := uc.Forecast(ctx, models.ForecastRequest{Mode: models.ModeMultiple})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Sequences, second.Sequences)

	third, err := uc.Forecast(ctx, models.ForecastRequest{ID: "req-3", Mode: models.ModeMultiple})
	require.NoError(t, err)
	assert.Equal(t, "req-3", third.ID)

	created := 0
	for _, typ := range fx.events.types() {
		if typ == models.EventForecastCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, mem.Len())
}

func TestForecastStreamEmitsEveryStep(t *testing.T) {
	fx := trained(t)
	uc := NewForecastUsecase(fx.cfg, nil, fx.registry, nil, nil, nil, nil)

	var steps []models.ForecastStep
	f, err := uc.Stream(context.Background(), models.ForecastRequest{Mode: models.ModeMultiple}, func(s models.ForecastStep) error {
		steps = append(steps, s)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, steps, len(f.Flat()))
	last := steps[len(steps)-1]
	assert.Equal(t, len(f.Sequences)-1, last.Sequence)
	assert.Equal(t, 2, last.Step)
	assert.InDelta(t, f.Denormalised[last.Sequence][last.Step], last.Value, 1e-9)
	assert.InDelta(t, f.Sequences[last.Sequence][last.Step], last.Raw, 1e-9)
}

func TestForecastStreamStopsOnEmitError(t *testing.T) {
	fx := trained(t)
	uc := NewForecastUsecase(fx.cfg, nil, fx.registry, nil, nil, nil, nil)
	stop := errors.New("client gone")

	calls := 0
	_, err := uc.Stream(context.Background(), models.ForecastRequest{Mode: models.ModeFull}, func(models.ForecastStep) error {
		calls++
		if calls == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, calls)
}

func TestForecastInlineRows(t *testing.T) {
	fx := trained(t)
	uc := NewForecastUsecase(fx.cfg, nil, fx.registry, nil, nil, nil, nil)
	ctx := context.Background()

	rows := make([][]float64, 5)
	for i := range rows {
		rows[i] = []float64{100 + float64(i), 1000}
	}
	f, err := uc.Forecast(ctx, models.ForecastRequest{Mode: models.ModeHorizon, Rows: rows, Horizon: 4})
	require.NoError(t, err)
	assert.Equal(t, "inline", f.Series)
	assert.Len(t, f.Sequences[0], 4)

	_, err = uc.Forecast(ctx, models.ForecastRequest{Rows: [][]float64{{1}}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	// five rows hold a model input but no target
	_, err = uc.Forecast(ctx, models.ForecastRequest{Mode: models.ModePoint, Rows: rows})
	assert.ErrorIs(t, err, dataset.ErrWindowTooLong)
}

func TestForecastModelResolution(t *testing.T) {
	fx := trained(t)
	ctx := context.Background()

	uc := NewForecastUsecase(fx.cfg, nil, repository.NewMemoryModelRegistry(), nil, nil, nil, nil)
	_, err := uc.Forecast(ctx, models.ForecastRequest{})
	assert.ErrorIs(t, err, domrepo.ErrModelNotFound)
	_, err = uc.Forecast(ctx, models.ForecastRequest{Model: "nope"})
	assert.ErrorIs(t, err, domrepo.ErrModelNotFound)

	// Unregistered artifacts in the save dir are still served, with the
	// training metadata stored inside them.
	f, err := uc.Forecast(ctx, models.ForecastRequest{Model: fx.report.ModelKey, Mode: models.ModeHorizon})
	require.NoError(t, err)
	assert.Equal(t, fx.report.ModelKey, f.ModelKey)
	assert.Len(t, f.Sequences[0], 3)
}

func TestForecastArtifactConfinedToSaveDir(t *testing.T) {
	fx := trained(t)
	ctx := context.Background()
	uc := NewForecastUsecase(fx.cfg, nil, repository.NewMemoryModelRegistry(), nil, nil, nil, nil)

	// a valid artifact outside the save dir
	outside := filepath.Join(t.TempDir(), "stolen.json")
	data, err := os.ReadFile(fx.report.ArtifactPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(outside, data, 0o644))

	for _, name := range []string{outside, "../" + filepath.Base(outside), filepath.Join("..", "..", "stolen")} {
		_, err := uc.Forecast(ctx, models.ForecastRequest{Model: name, Mode: models.ModeHorizon})
		assert.ErrorIs(t, err, domrepo.ErrModelNotFound, name)
	}

	// absolute paths inside the save dir still resolve
	_, err = uc.Forecast(ctx, models.ForecastRequest{Model: fx.report.ArtifactPath, Mode: models.ModeHorizon})
	assert.NoError(t, err)
}

func TestMetaRoundTrip(t *testing.T) {
	in := modelMeta{columns: []string{"Close", "Volume"}, seqLen: 50, normalise: true, colsToNorm: []int{0, 1}}
	entries := in.entries()
	out := metaFromArtifact(func(k string) string { return entries[k] }, modelMeta{})
	assert.Equal(t, in, out)

	def := modelMeta{columns: []string{"x"}, seqLen: 4}
	assert.Equal(t, def, metaFromArtifact(func(string) string { return "" }, def))
}

type stubTrainer struct {
	mu    sync.Mutex
	calls []models.TrainRequest
	err   error
	block chan struct{}
}

func (s *stubTrainer) Run(_ context.Context, req models.TrainRequest) (*models.TrainReport, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	if s.block != nil {
		<-s.block
	}
	if s.err != nil {
		return nil, s.err
	}
	return &models.TrainReport{ModelKey: req.ModelName}, nil
}

func TestTrainJobHandle(t *testing.T) {
	tr := &stubTrainer{}
	mem := cache.NewMemoryCache()
	t.Cleanup(func() { _ = mem.Close() })
	job := NewTrainJob(tr, mem, time.Minute, nil)
	ctx := context.Background()

	assert.Equal(t, TrainJobName, job.Name())
	assert.Equal(t, TrainJobType, job.Type())

	payload, _ := json.Marshal(models.TrainRequest{ModelName: "cnn", Epochs: 3})
	require.NoError(t, job.Handle(ctx, payload))
	require.Len(t, tr.calls, 1)
	assert.Equal(t, 3, tr.calls[0].Epochs)

	// lock is released after the run
	ok, err := mem.TryLock(ctx, "lock:train:cnn", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.ErrorIs(t, job.Handle(ctx, payload), ErrTrainingInProgress)
	require.NoError(t, mem.Unlock(ctx, "lock:train:cnn"))

	assert.Error(t, job.Handle(ctx, nil))

	tr.err = errors.New("boom")
	assert.EqualError(t, job.Handle(ctx, payload), "boom")
}

type stubForecaster struct {
	req models.ForecastRequest
	err error
}

func (s *stubForecaster) Forecast(_ context.Context, req models.ForecastRequest) (*models.Forecast, error) {
	s.req = req
	if s.err != nil {
		return nil, s.err
	}
	return &models.Forecast{ID: req.ID, Mode: req.Mode}, nil
}

func (s *stubForecaster) Stream(ctx context.Context, req models.ForecastRequest, _ func(models.ForecastStep) error) (*models.Forecast, error) {
	return s.Forecast(ctx, req)
}

func TestKafkaForecastHandler(t *testing.T) {
	fc := &stubForecaster{}
	results := &recordingEvents{}
	h := NewKafkaForecastHandler("forecast.requests", fc, results, nil, nil)
	ctx := context.Background()

	assert.Equal(t, "forecast.requests", h.Topic())

	require.NoError(t, h.Handle(ctx, []byte("k1"), []byte(`{"mode":"full"}`)))
	require.Len(t, results.forecasts, 1)
	assert.Equal(t, "k1", results.forecasts[0].ID)
	assert.Equal(t, models.ModeFull, fc.req.Mode)

	// mode defaults to point
	require.NoError(t, h.Handle(ctx, nil, []byte(`{"id":"abc"}`)))
	assert.Equal(t, models.ModePoint, fc.req.Mode)
	assert.Equal(t, "abc", results.forecasts[1].ID)

	// malformed and invalid requests are dropped
	assert.NoError(t, h.Handle(ctx, nil, []byte(`{`)))
	assert.NoError(t, h.Handle(ctx, nil, []byte(`{"mode":"weekly"}`)))
	assert.Len(t, results.forecasts, 2)

	fc.err = domrepo.ErrModelNotFound
	assert.NoError(t, h.Handle(ctx, nil, []byte(`{}`)))

	fc.err = context.DeadlineExceeded
	assert.ErrorIs(t, h.Handle(ctx, nil, []byte(`{}`)), context.DeadlineExceeded)

	fc.err = nil
	results.err = errors.New("broker down")
	assert.Error(t, h.Handle(ctx, nil, []byte(`{}`)))
}
