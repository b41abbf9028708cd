package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"CNNForecast/internal/dataset"
	"CNNForecast/internal/domain/models"
	domrepo "CNNForecast/internal/domain/repository"
	"CNNForecast/internal/domain/service"
	"CNNForecast/internal/model"
	"CNNForecast/pkg/cache"
	"CNNForecast/pkg/config"
	"CNNForecast/pkg/logger"
	"CNNForecast/pkg/util"
)

// loadedModel serialises access to one network, whose layers keep
// activations between forward passes.
type loadedModel struct {
	mu      sync.Mutex
	key     string
	path    string
	modTime time.Time
	meta    modelMeta
	m       *model.Model
}

// ForecastUsecase runs registered models over CSV files, ClickHouse series
// or inline rows.
type ForecastUsecase struct {
	cfg      *config.Config
	source   tableSource
	store    domrepo.SeriesStore
	registry domrepo.ModelRegistry
	cache    cache.Service
	events   domrepo.EventPublisher
	metrics  domrepo.Metrics
	logger   *logger.Logger

	mu     sync.Mutex
	loaded map[string]*loadedModel
}

// NewForecastUsecase creates a ForecastUsecase. store, cache, events and
// metrics may be nil.
func NewForecastUsecase(cfg *config.Config, store domrepo.SeriesStore, registry domrepo.ModelRegistry, c cache.Service, events domrepo.EventPublisher, metrics domrepo.Metrics, l *logger.Logger) *ForecastUsecase {
	if events == nil {
		events = nopEvents{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if l == nil {
		l = logger.Nop()
	}
	return &ForecastUsecase{
		cfg:      cfg,
		source:   tableSource{cfg: cfg, store: store},
		store:    store,
		registry: registry,
		cache:    c,
		events:   events,
		metrics:  metrics,
		logger:   l,
		loaded:   make(map[string]*loadedModel),
	}
}

func (u *ForecastUsecase) Forecast(ctx context.Context, req models.ForecastRequest) (*models.Forecast, error) {
	return u.Stream(ctx, req, nil)
}

// List returns registered models, newest first.
func (u *ForecastUsecase) List(ctx context.Context) ([]models.ModelInfo, error) {
	return u.registry.List(ctx)
}

// Stream runs a forecast and calls emit for every predicted value as it is
// produced. Cached results are only served when emit is nil.
func (u *ForecastUsecase) Stream(ctx context.Context, req models.ForecastRequest, emit func(models.ForecastStep) error) (f *models.Forecast, err error) {
	start := time.Now()
	req.Mode = models.NormalizeMode(req.Mode)
	defer func() {
		u.metrics.RecordForecast(req.Mode, time.Since(start).Seconds(), err)
	}()
	if u.cfg.Forecast.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.cfg.Forecast.Timeout)
		defer cancel()
	}

	lm, err := u.resolve(ctx, req.Model)
	if err != nil {
		return nil, err
	}

	cacheKey := ""
	if u.cache != nil && emit == nil {
		cacheKey = u.cacheKey(lm.key, req)
		var cached models.Forecast
		if cacheKey != "" && u.cache.Get(ctx, cacheKey, &cached) == nil {
			if req.ID != "" {
				cached.ID = req.ID
			}
			return &cached, nil
		}
	}

	f, err = u.run(ctx, lm, req, emit)
	if err != nil {
		return nil, err
	}

	if cacheKey != "" {
		if err := u.cache.Set(ctx, cacheKey, f, u.cfg.Forecast.CacheTTL); err != nil {
			u.logger.Warn("cache forecast failed", logger.String("key", cacheKey), logger.Error(err))
		}
	}
	if u.store != nil {
		if err := u.store.StoreForecast(ctx, f); err != nil {
			u.metrics.RecordError("store_forecast")
			u.logger.Warn("store forecast failed", logger.String("id", f.ID), logger.Error(err))
		}
	}
	ev := &models.ModelEvent{Type: models.EventForecastCreated, ModelKey: f.ModelKey, Forecast: f, Timestamp: f.CreatedAt}
	if err := u.events.PublishModelEvent(ctx, ev); err != nil {
		u.metrics.RecordError("publish_event")
		u.logger.Warn("publish forecast event failed", logger.String("id", f.ID), logger.Error(err))
	}

	u.logger.Debug("forecast produced",
		logger.String("id", f.ID),
		logger.String("model_key", f.ModelKey),
		logger.String("mode", f.Mode),
		logger.Int("sequences", len(f.Sequences)),
		logger.Duration("elapsed_ms", time.Since(start)),
	)
	return f, nil
}

// cacheKey hashes everything that determines the output except the
// request id.
func (u *ForecastUsecase) cacheKey(modelKey string, req models.ForecastRequest) string {
	req.ID = ""
	req.Model = modelKey
	h, err := cache.HashValue(req)
	if err != nil {
		return ""
	}
	return cache.GenerateKey("forecast:"+modelKey, h)
}

// rollout is one autoregressive run starting from a true window.
type rollout struct {
	frame [][]float64
	base  float64
	steps int
}

func (u *ForecastUsecase) run(ctx context.Context, lm *loadedModel, req models.ForecastRequest, emit func(models.ForecastStep) error) (*models.Forecast, error) {
	table, series, err := u.table(ctx, lm.meta, req)
	if err != nil {
		return nil, err
	}
	predLen := req.PredictionLen
	if predLen <= 0 {
		predLen = u.cfg.Data.PredictionLength
	}
	split := u.cfg.Data.TrainTestSplit
	if len(req.Rows) > 0 {
		split = 0
	}
	loader, err := dataset.NewLoader(table, split, lm.meta.columns, lm.meta.colsToNorm, predLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	f := &models.Forecast{
		ID:         id,
		ModelKey:   lm.key,
		Series:     series,
		Mode:       req.Mode,
		Horizon:    predLen,
		Normalised: lm.meta.normalise,
		CreatedAt:  time.Now().UTC(),
	}

	seqLen := lm.meta.seqLen
	var runs []rollout
	if req.Mode == models.ModeHorizon {
		window, base, err := loader.LastWindow(seqLen, lm.meta.normalise)
		if err != nil {
			return nil, err
		}
		f.Horizon = req.Horizon
		if f.Horizon <= 0 {
			f.Horizon = predLen
		}
		runs = []rollout{{frame: window, base: base, steps: f.Horizon}}
	} else {
		test, base, err := loader.TestData(seqLen, lm.meta.normalise, lm.meta.colsToNorm)
		if err != nil {
			return nil, err
		}
		if test.Len() == 0 {
			return nil, fmt.Errorf("%w: need at least %d rows", dataset.ErrWindowTooLong, seqLen+1)
		}
		f.Actual = make([]float64, test.Len())
		for i, y := range test.Y {
			f.Actual[i] = y[0]
			if lm.meta.normalise {
				f.Actual[i] = dataset.Denormalise(y[0], base[i])
			}
		}
		if req.Mode == models.ModePoint {
			f.Horizon = 1
			if err := u.pointByPoint(ctx, lm, f, test, base, emit); err != nil {
				return nil, err
			}
			return f, nil
		}
		runs = plan(req.Mode, test.X, base, predLen)
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	for s, r := range runs {
		seq, err := lm.m.Rollout(r.frame, seqLen, r.steps, u.stepper(ctx, s, r.base, lm.meta.normalise, emit))
		if err != nil {
			return nil, err
		}
		f.Sequences = append(f.Sequences, seq)
		if lm.meta.normalise {
			f.Denormalised = append(f.Denormalised, dataset.DenormaliseSeries(seq, r.base))
		}
	}
	return f, nil
}

// plan lays out the rollouts of the sequence modes over test windows.
func plan(mode string, x [][][]float64, base []float64, predLen int) []rollout {
	var runs []rollout
	switch mode {
	case models.ModeMultiple:
		for i := 0; i < len(x)/predLen; i++ {
			runs = append(runs, rollout{frame: x[i*predLen], base: base[i*predLen], steps: predLen})
		}
	case models.ModeMultipleModified:
		for i := 0; i < len(x); i += predLen {
			runs = append(runs, rollout{frame: x[i], base: base[i], steps: predLen})
		}
	case models.ModeFull:
		runs = []rollout{{frame: x[0], base: base[0], steps: len(x)}}
	}
	return runs
}

func (u *ForecastUsecase) pointByPoint(ctx context.Context, lm *loadedModel, f *models.Forecast, test dataset.Batch, base []float64, emit func(models.ForecastStep) error) error {
	lm.mu.Lock()
	preds, err := lm.m.PredictPointByPoint(test.X)
	lm.mu.Unlock()
	if err != nil {
		return err
	}
	f.Sequences = [][]float64{preds}
	denorm := make([]float64, len(preds))
	for i, p := range preds {
		denorm[i] = p
		if lm.meta.normalise {
			denorm[i] = dataset.Denormalise(p, base[i])
		}
		if err := u.stepper(ctx, 0, base[i], lm.meta.normalise, emit)(i, p); err != nil {
			return err
		}
	}
	if lm.meta.normalise {
		f.Denormalised = [][]float64{denorm}
	}
	return nil
}

// stepper adapts emit to a model step callback. Every step checks ctx so a
// cancelled stream stops the rollout.
func (u *ForecastUsecase) stepper(ctx context.Context, seq int, base float64, normalise bool, emit func(models.ForecastStep) error) model.StepFunc {
	return func(step int, raw float64) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if emit == nil {
			return nil
		}
		v := raw
		if normalise {
			v = dataset.Denormalise(raw, base)
		}
		return emit(models.ForecastStep{Sequence: seq, Step: step, Value: v, Raw: raw})
	}
}

func (u *ForecastUsecase) table(ctx context.Context, meta modelMeta, req models.ForecastRequest) (*dataset.Table, string, error) {
	if len(req.Rows) > 0 {
		for i, row := range req.Rows {
			if len(row) != len(meta.columns) {
				return nil, "", fmt.Errorf("%w: row %d has %d values, model expects %d", ErrInvalidRequest, i, len(row), len(meta.columns))
			}
		}
		return &dataset.Table{Columns: meta.columns, Rows: req.Rows}, "inline", nil
	}
	return u.source.load(ctx, req.DataFile, req.Series, meta.columns, req.Limit)
}

// resolve returns the loaded model for name: the latest registered model
// when name is empty, a registry entry, or an artifact under the save dir.
func (u *ForecastUsecase) resolve(ctx context.Context, name string) (*loadedModel, error) {
	var info models.ModelInfo
	var err error
	if name == "" {
		info, err = u.registry.Latest(ctx)
	} else {
		info, err = u.registry.Get(ctx, name)
	}
	if err != nil {
		if name == "" || !errors.Is(err, domrepo.ErrModelNotFound) {
			return nil, err
		}
		path, ok := u.artifactPath(name)
		if !ok {
			return nil, err
		}
		info = models.ModelInfo{Key: util.FileStem(path), ArtifactPath: path}
	}

	st, err := os.Stat(info.ArtifactPath)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", info.Key, err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	// a retrain may overwrite the artifact in place
	if lm, ok := u.loaded[info.ArtifactPath]; ok && lm.modTime.Equal(st.ModTime()) {
		return lm, nil
	}
	m := model.New(model.WithLogger(u.logger))
	if err := m.Load(info.ArtifactPath); err != nil {
		return nil, err
	}
	d := u.cfg.Data
	def := modelMeta{columns: d.Columns, seqLen: d.SequenceLength, normalise: d.Normalise, colsToNorm: d.ColumnsToNormalise}
	if len(info.Columns) > 0 {
		def = metaFromInfo(info)
	}
	lm := &loadedModel{
		key:     info.Key,
		path:    info.ArtifactPath,
		modTime: st.ModTime(),
		meta:    metaFromArtifact(m.Meta, def),
		m:       m,
	}
	u.loaded[info.ArtifactPath] = lm
	return lm, nil
}

// artifactPath maps a model name or file name to an artifact inside the
// save dir. Paths resolving outside it are rejected.
func (u *ForecastUsecase) artifactPath(name string) (string, bool) {
	if !strings.HasSuffix(name, ".json") {
		name += ".json"
	}
	p, err := util.ResolveUnder(u.cfg.Model.SaveDir, name)
	if err != nil {
		return "", false
	}
	if st, err := os.Stat(p); err != nil || st.IsDir() {
		return "", false
	}
	return p, true
}

var (
	_ service.Forecaster   = (*ForecastUsecase)(nil)
	_ service.ModelCatalog = (*ForecastUsecase)(nil)
)
