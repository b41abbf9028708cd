package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CNNForecast/internal/dataset"
	"CNNForecast/internal/domain/models"
	"CNNForecast/internal/domain/repository"
)

func registries(t *testing.T) map[string]repository.ModelRegistry {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]repository.ModelRegistry{
		"redis":  NewRedisModelRegistry(client, "test"),
		"memory": NewMemoryModelRegistry(),
	}
}

func TestModelRegistry(t *testing.T) {
	base := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := reg.Latest(ctx)
			assert.ErrorIs(t, err, repository.ErrModelNotFound)

			older := models.ModelInfo{Key: "cnn_nonsentiment_1", ArtifactPath: "saved_models/cnn_nonsentiment_1.json", Columns: []string{"Close"}, SeqLen: 50, CreatedAt: base}
			newer := models.ModelInfo{Key: "16102026-110000-e2", ArtifactPath: "saved_models/16102026-110000-e2.json", CreatedAt: base.Add(time.Hour)}
			require.NoError(t, reg.Register(ctx, older))
			require.NoError(t, reg.Register(ctx, newer))
			assert.Error(t, reg.Register(ctx, models.ModelInfo{}))

			got, err := reg.Get(ctx, older.Key)
			require.NoError(t, err)
			assert.Equal(t, older.Columns, got.Columns)
			assert.Equal(t, 50, got.SeqLen)

			latest, err := reg.Latest(ctx)
			require.NoError(t, err)
			assert.Equal(t, newer.Key, latest.Key)

			all, err := reg.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, newer.Key, all[0].Key)

			_, err = reg.Get(ctx, "missing")
			assert.ErrorIs(t, err, repository.ErrModelNotFound)
		})
	}
}

func TestPivotSeries(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	points := []seriesPoint{
		{ts: t0.Add(time.Minute), field: "Close", value: 11},
		{ts: t0, field: "Volume", value: 100},
		{ts: t0, field: "Close", value: 10},
		{ts: t0.Add(time.Minute), field: "Other", value: 9},
	}

	tbl := pivotSeries(points, []string{"Close", "Volume"})
	assert.Equal(t, []string{"Close", "Volume"}, tbl.Columns)
	assert.Equal(t, [][]float64{{10, 100}, {11, 0}}, tbl.Rows)
}

func TestFlattenTableRoundTrip(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tbl := &dataset.Table{Columns: []string{"Close", "Volume"}, Rows: [][]float64{{1, 2}, {3, 4}, {5, 6}}}

	points := flattenTable(tbl, t0, time.Hour)
	require.Len(t, points, 6)
	assert.Equal(t, t0.Add(2*time.Hour), points[5].ts)
	assert.Equal(t, "Volume", points[5].field)

	back := pivotSeries(points, tbl.Columns)
	assert.Equal(t, tbl.Rows, back.Rows)
}

func TestForecastRowsPreferDenormalised(t *testing.T) {
	f := &models.Forecast{
		Sequences:    [][]float64{{0.1, 0.2}, {0.3}},
		Denormalised: [][]float64{{110, 120}, {130}},
	}
	rows := forecastRows(f)
	require.Len(t, rows, 3)
	assert.Equal(t, forecastRow{sequence: 1, step: 0, value: 130, raw: 0.3}, rows[2])

	f.Denormalised = nil
	rows = forecastRows(f)
	assert.Equal(t, 0.2, rows[1].value)
	assert.Nil(t, forecastRows(nil))
}

type publishedMessage struct {
	topic string
	key   string
	value []byte
}

type fakeProducer struct {
	msgs []publishedMessage
}

func (p *fakeProducer) Publish(_ context.Context, topic string, key []byte, value interface{}) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	p.msgs = append(p.msgs, publishedMessage{topic: topic, key: string(key), value: b})
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func TestKafkaEventPublisherTopicsAndKeys(t *testing.T) {
	fp := &fakeProducer{}
	pub := &KafkaEventPublisher{producer: fp, eventsTopic: "model.events", resultsTopic: "forecast.results"}
	ctx := context.Background()

	require.NoError(t, pub.PublishModelEvent(ctx, &models.ModelEvent{Type: models.EventModelTrained, ModelKey: "cnn_x_1"}))
	require.NoError(t, pub.PublishForecast(ctx, &models.Forecast{ID: "f-1", Mode: models.ModePoint}))

	require.Len(t, fp.msgs, 2)
	assert.Equal(t, "model.events", fp.msgs[0].topic)
	assert.Equal(t, "cnn_x_1", fp.msgs[0].key)
	assert.Contains(t, string(fp.msgs[0].value), `"type":"model.trained"`)
	assert.Equal(t, "forecast.results", fp.msgs[1].topic)
	assert.Equal(t, "f-1", fp.msgs[1].key)
}
