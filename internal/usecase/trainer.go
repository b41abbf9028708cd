package usecase

import (
	"context"
	"fmt"
	"os"
	"time"

	"CNNForecast/internal/dataset"
	"CNNForecast/internal/domain/models"
	domrepo "CNNForecast/internal/domain/repository"
	"CNNForecast/internal/domain/service"
	"CNNForecast/internal/model"
	"CNNForecast/pkg/config"
	"CNNForecast/pkg/logger"
	"CNNForecast/pkg/util"
)

// TrainUsecase loads a series, fits a model on it and registers the
// resulting artifact.
type TrainUsecase struct {
	cfg      *config.Config
	source   tableSource
	registry domrepo.ModelRegistry
	events   domrepo.EventPublisher
	metrics  domrepo.Metrics
	logger   *logger.Logger
	now      func() time.Time
}

// NewTrainUsecase creates a TrainUsecase. store, events and metrics may be nil.
func NewTrainUsecase(cfg *config.Config, store domrepo.SeriesStore, registry domrepo.ModelRegistry, events domrepo.EventPublisher, metrics domrepo.Metrics, l *logger.Logger) *TrainUsecase {
	if events == nil {
		events = nopEvents{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if l == nil {
		l = logger.Nop()
	}
	return &TrainUsecase{
		cfg:      cfg,
		source:   tableSource{cfg: cfg, store: store},
		registry: registry,
		events:   events,
		metrics:  metrics,
		logger:   l,
		now:      time.Now,
	}
}

// trainParams are the configured training settings with request overrides
// applied.
type trainParams struct {
	epochs        int
	batchSize     int
	streaming     bool
	modelName     string
	sentimentType string
	numCSVs       int
}

func (u *TrainUsecase) params(req models.TrainRequest) trainParams {
	t := u.cfg.Training
	p := trainParams{
		epochs:        t.Epochs,
		batchSize:     t.BatchSize,
		streaming:     t.Streaming || req.Streaming,
		modelName:     t.ModelName,
		sentimentType: t.SentimentType,
		numCSVs:       t.NumCSVs,
	}
	if req.Epochs > 0 {
		p.epochs = req.Epochs
	}
	if req.BatchSize > 0 {
		p.batchSize = req.BatchSize
	}
	if req.ModelName != "" {
		p.modelName = req.ModelName
	}
	if req.SentimentType != "" {
		p.sentimentType = req.SentimentType
	}
	if req.NumCSVs > 0 {
		p.numCSVs = req.NumCSVs
	}
	return p
}

func (u *TrainUsecase) Run(ctx context.Context, req models.TrainRequest) (report *models.TrainReport, err error) {
	start := time.Now()
	p := u.params(req)
	if !util.SafeName(p.modelName) || !util.SafeName(p.sentimentType) {
		return nil, fmt.Errorf("%w: model_name and sentiment_type must not contain path separators or '..'", ErrInvalidRequest)
	}
	defer func() {
		u.metrics.RecordTraining(p.modelName, time.Since(start).Seconds(), err)
	}()

	data := u.cfg.Data
	table, source, err := u.source.load(ctx, req.DataFile, req.Series, data.Columns, 0)
	if err != nil {
		return nil, err
	}
	loader, err := dataset.NewLoader(table, data.TrainTestSplit, data.Columns, data.ColumnsToNormalise, data.PredictionLength)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(u.cfg.Model.SaveDir, 0o755); err != nil {
		return nil, fmt.Errorf("create save dir: %w", err)
	}

	log := u.logger.With(logger.String("source", source), logger.String("model", p.modelName))
	m := model.New(
		model.WithLogger(log),
		model.WithClock(u.now),
		model.WithValidationSplit(u.cfg.Training.ValidationSplit),
		model.WithEpochHook(func(_ int, logs model.Logs) {
			u.metrics.RecordEpoch(p.modelName, logs["loss"])
		}),
	)
	if err := m.Build(model.Config{
		Layers:         u.cfg.Model.Layers,
		Loss:           u.cfg.Model.Loss,
		Optimizer:      u.cfg.Model.Optimizer,
		LearningRate:   u.cfg.Model.LearningRate,
		InputTimesteps: data.SequenceLength - 1,
		InputDim:       len(data.Columns),
		Seed:           u.cfg.Model.Seed,
	}); err != nil {
		return nil, err
	}
	meta := modelMeta{columns: data.Columns, seqLen: data.SequenceLength, normalise: data.Normalise, colsToNorm: data.ColumnsToNormalise}
	for k, v := range meta.entries() {
		m.SetMeta(k, v)
	}

	var (
		res     *model.TrainResult
		windows int
	)
	if p.streaming {
		gen, err := loader.GenerateTrainBatch(data.SequenceLength, p.batchSize, data.Normalise)
		if err != nil {
			return nil, err
		}
		windows = gen.Windows()
		res, err = m.TrainGenerator(ctx, gen, p.epochs, p.batchSize, gen.StepsPerEpoch(), u.cfg.Model.SaveDir, p.sentimentType, p.modelName, p.numCSVs)
		if err != nil {
			return nil, err
		}
	} else {
		train, err := loader.TrainData(data.SequenceLength, data.Normalise)
		if err != nil {
			return nil, err
		}
		windows = train.Len()
		res, err = m.Train(ctx, train.X, train.Y, p.epochs, p.batchSize, u.cfg.Model.SaveDir)
		if err != nil {
			return nil, err
		}
	}

	report = &models.TrainReport{
		ModelKey:     util.FileStem(res.Path),
		ArtifactPath: res.Path,
		Streaming:    p.streaming,
		Epochs:       res.History.Epochs,
		FinalLoss:    lastValue(res.History.Metrics["loss"]),
		Monitor:      res.Monitor,
		BestValue:    res.Best,
		History:      res.History.Metrics,
		Windows:      windows,
	}
	if test, _, err := loader.TestData(data.SequenceLength, data.Normalise, data.ColumnsToNormalise); err == nil && test.Len() > 0 {
		if report.TestLoss, err = m.Evaluate(test.X, test.Y); err != nil {
			log.Warn("evaluate test split failed", logger.Error(err))
		}
	}
	report.FinishedAt = u.now()
	report.Duration = time.Since(start)

	info := models.ModelInfo{
		Key:          report.ModelKey,
		ArtifactPath: res.Path,
		Columns:      data.Columns,
		SeqLen:       data.SequenceLength,
		Normalise:    data.Normalise,
		ColsToNorm:   data.ColumnsToNormalise,
		FinalLoss:    report.FinalLoss,
		CreatedAt:    report.FinishedAt,
	}
	if err := u.registry.Register(ctx, info); err != nil {
		return nil, fmt.Errorf("register model: %w", err)
	}
	ev := &models.ModelEvent{Type: models.EventModelTrained, ModelKey: report.ModelKey, Report: report, Timestamp: report.FinishedAt}
	if err := u.events.PublishModelEvent(ctx, ev); err != nil {
		u.metrics.RecordError("publish_event")
		log.Warn("publish model event failed", logger.Error(err))
	}

	log.Info("training run finished",
		logger.String("model_key", report.ModelKey),
		logger.String("artifact", report.ArtifactPath),
		logger.Int("windows", windows),
		logger.Float64("final_loss", report.FinalLoss),
		logger.Float64("test_loss", report.TestLoss),
		logger.Duration("elapsed_ms", report.Duration),
	)
	return report, nil
}

func lastValue(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}

var _ service.Trainer = (*TrainUsecase)(nil)
