package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CNNForecast/internal/dataset"
	"CNNForecast/internal/domain/models"
	domrepo "CNNForecast/internal/domain/repository"
	"CNNForecast/internal/service/streamclient"
	"CNNForecast/internal/usecase"
	xhttp "CNNForecast/pkg/http"
	"CNNForecast/pkg/queue"
)

type fakeForecaster struct {
	mu   sync.Mutex
	last models.ForecastRequest
	err  error
}

func (f *fakeForecaster) Forecast(ctx context.Context, req models.ForecastRequest) (*models.Forecast, error) {
	return f.Stream(ctx, req, nil)
}

// Stream predicts 1, 2, 3 for every request.
func (f *fakeForecaster) Stream(_ context.Context, req models.ForecastRequest, emit func(models.ForecastStep) error) (*models.Forecast, error) {
	f.mu.Lock()
	f.last = req
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	seq := []float64{1, 2, 3}
	for i, v := range seq {
		if emit != nil {
			if err := emit(models.ForecastStep{Step: i, Value: v, Raw: v}); err != nil {
				return nil, err
			}
		}
	}
	return &models.Forecast{ID: "f-1", ModelKey: "m", Mode: req.Mode, Sequences: [][]float64{seq}}, nil
}

func (f *fakeForecaster) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeForecaster) lastRequest() models.ForecastRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type fakeCatalog struct{ infos []models.ModelInfo }

func (c fakeCatalog) List(context.Context) ([]models.ModelInfo, error) { return c.infos, nil }

type fakeJobs struct {
	enqueued []interface{}
	states   map[string]*queue.JobState
}

func (j *fakeJobs) Enqueue(_ context.Context, msgType string, payload interface{}) (string, error) {
	j.enqueued = append(j.enqueued, payload)
	id := fmt.Sprintf("job-%d", len(j.enqueued))
	j.states[id] = &queue.JobState{ID: id, Type: msgType, Status: queue.StatusQueued}
	return id, nil
}

func (j *fakeJobs) Status(_ context.Context, id string) (*queue.JobState, error) {
	s, ok := j.states[id]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	return s, nil
}

type env struct {
	url        string
	forecaster *fakeForecaster
	jobs       *fakeJobs
	api        *ForecastEchoHandler
}

func newEnv(t *testing.T, withQueue bool) *env {
	t.Helper()
	e := &env{forecaster: &fakeForecaster{}, jobs: &fakeJobs{states: map[string]*queue.JobState{}}}
	var jobs queue.Publisher
	if withQueue {
		jobs = e.jobs
	}
	catalog := fakeCatalog{infos: []models.ModelInfo{{Key: "m", ArtifactPath: "saved_models/m.json"}}}
	e.api = NewForecastEchoHandler(nil, e.forecaster, catalog, jobs)
	srv := xhttp.NewServer([]xhttp.RouteRegistrar{e.api, NewStreamHandler(nil, e.forecaster)}, xhttp.WithMetrics(false, ""))
	ts := httptest.NewServer(srv.Echo())
	t.Cleanup(ts.Close)
	e.url = ts.URL
	return e
}

func decode(t *testing.T, res *http.Response) xhttp.APIResponse {
	t.Helper()
	defer res.Body.Close()
	var body xhttp.APIResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	return body
}

func TestForecastEndpoint(t *testing.T) {
	e := newEnv(t, false)
	client := xhttp.NewClient(e.url)

	var f models.Forecast
	err := client.PostJSON(context.Background(), "/api/v1/forecast", map[string]interface{}{"model": "m", "mode": "full"}, &f)
	require.NoError(t, err)
	assert.Equal(t, "f-1", f.ID)
	assert.Equal(t, models.ModeFull, e.forecaster.lastRequest().Mode)

	// query parameters bind on GET and mode falls back to point
	res, err := http.Get(e.url + "/api/v1/forecast?model=m&horizon=4")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	_ = decode(t, res)
	assert.Equal(t, 4, e.forecaster.lastRequest().Horizon)
	assert.Equal(t, models.ModePoint, e.forecaster.lastRequest().Mode)
}

func TestForecastEndpointErrors(t *testing.T) {
	e := newEnv(t, false)

	res, err := http.Post(e.url+"/api/v1/forecast", "application/json", strings.NewReader(`{"mode":"weekly"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	_ = decode(t, res)

	cases := []struct {
		cause  error
		status int
	}{
		{domrepo.ErrModelNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", dataset.ErrWindowTooLong), http.StatusBadRequest},
		{fmt.Errorf("%w: row 1 too short", usecase.ErrInvalidRequest), http.StatusBadRequest},
		{usecase.ErrStoreDisabled, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		e.forecaster.fail(tc.cause)
		res, err := http.Post(e.url+"/api/v1/forecast", "application/json", strings.NewReader(`{}`))
		require.NoError(t, err)
		assert.Equal(t, tc.status, res.StatusCode, tc.cause.Error())
		body := decode(t, res)
		assert.Equal(t, tc.status, body.Status)
	}
}

func TestTrainEndpoints(t *testing.T) {
	e := newEnv(t, true)

	res, err := http.Post(e.url+"/api/v1/train", "application/json", strings.NewReader(`{"model_name":"cnn","epochs":3}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	body := decode(t, res)
	data, _ := json.Marshal(body.Data)
	var accepted models.TrainAccepted
	require.NoError(t, json.Unmarshal(data, &accepted))
	assert.Equal(t, "job-1", accepted.JobID)
	assert.Equal(t, queue.StatusQueued, accepted.Status)
	require.Len(t, e.jobs.enqueued, 1)
	assert.Equal(t, 3, e.jobs.enqueued[0].(*models.TrainRequest).Epochs)

	res, err = http.Get(e.url + "/api/v1/train/job-1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	_ = decode(t, res)

	res, err = http.Get(e.url + "/api/v1/train/job-9")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	_ = decode(t, res)

	res, err = http.Post(e.url+"/api/v1/train", "application/json", strings.NewReader(`{"epochs":-1}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	_ = decode(t, res)

	for _, body := range []string{`{"model_name":"../../escaped"}`, `{"sentiment_type":"a\\b"}`} {
		res, err = http.Post(e.url+"/api/v1/train", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, res.StatusCode, body)
		_ = decode(t, res)
	}
	assert.Len(t, e.jobs.enqueued, 1, "rejected requests are not queued")
}

func TestTrainEndpointWithoutQueue(t *testing.T) {
	e := newEnv(t, false)

	res, err := http.Post(e.url+"/api/v1/train", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	_ = decode(t, res)
}

func TestModelsEndpoint(t *testing.T) {
	e := newEnv(t, false)
	client := xhttp.NewClient(e.url)

	var list xhttp.ListDataResponse
	require.NoError(t, client.GetJSON(context.Background(), "/api/v1/models", nil, &list))
	assert.EqualValues(t, 1, list.Total)
}

func TestHealthEndpoint(t *testing.T) {
	e := newEnv(t, false)
	e.api.AddHealthCheck("redis", func(context.Context) error { return nil })

	res, err := http.Get(e.url + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	_ = decode(t, res)

	e.api.AddHealthCheck("clickhouse", func(context.Context) error { return errors.New("connection refused") })
	res, err = http.Get(e.url + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	raw, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Contains(t, string(raw), "connection refused")
	assert.Contains(t, string(raw), "degraded")
}

func TestStreamEndpoint(t *testing.T) {
	e := newEnv(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := streamclient.New(e.url, time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	var steps []models.ForecastStep
	f, err := c.Forecast(ctx, models.ForecastRequest{Model: "m", Mode: models.ModeFull}, func(s models.ForecastStep) {
		steps = append(steps, s)
	})
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "f-1", f.ID)
	require.Len(t, steps, 3)
	assert.Equal(t, 3.0, steps[2].Value)
}

func TestStreamEndpointRejectsInvalidRequest(t *testing.T) {
	e := newEnv(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := streamclient.New(e.url, time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	_, err = c.Forecast(ctx, models.ForecastRequest{Mode: "weekly"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream:")

	e2 := newEnv(t, false)
	e2.forecaster.fail(domrepo.ErrModelNotFound)
	c2, err := streamclient.New(e2.url, time.Second)
	require.NoError(t, err)
	require.NoError(t, c2.Connect(ctx))
	defer c2.Close()
	_, err = c2.Forecast(ctx, models.ForecastRequest{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}
