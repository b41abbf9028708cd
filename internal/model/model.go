package model

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"CNNForecast/internal/domain/models"
	"CNNForecast/pkg/logger"
)

var (
	ErrUnknownLayer  = errors.New("model: unknown layer type")
	ErrNoInputShape  = errors.New("model: input shape not configured")
	ErrNotReady      = errors.New("model: not built or loaded")
	ErrUnsupported   = errors.New("model: unsupported")
	ErrShapeMismatch = errors.New("model: shape mismatch")
	ErrEmptyData     = errors.New("model: no samples")
)

// Pool size of the max pooling step that follows every cnn layer.
const cnnPoolSize = 2

// Config describes the layer stack and compile settings.
type Config struct {
	Layers         []models.LayerSpec
	Loss           string
	Optimizer      string
	LearningRate   float64
	InputTimesteps int
	InputDim       int
	Seed           int64
}

// Model builds a network from layer specs, trains it and runs single and
// multi-step forecasts. Convolution and dense layers run on loom; pooling
// and dropout are local steps between loom stages. A Model is not safe for
// concurrent use.
type Model struct {
	cfg        Config
	inputShape []int
	steps      []step
	stages     []*loomStage
	layers     []layerInfo
	lossName   string
	loss       lossFunc
	lr         float32
	rng        *rand.Rand
	meta       map[string]string

	logger          *logger.Logger
	now             func() time.Time
	validationSplit float64
	onEpoch         func(epoch int, logs Logs)
}

type Option func(*Model)

func WithLogger(l *logger.Logger) Option {
	return func(m *Model) { m.logger = l }
}

// WithClock overrides the time source used to name artifacts.
func WithClock(now func() time.Time) Option {
	return func(m *Model) { m.now = now }
}

// WithValidationSplit sets the tail fraction of training windows held out
// for val_loss. Zero disables validation.
func WithValidationSplit(split float64) Option {
	return func(m *Model) { m.validationSplit = split }
}

// WithEpochHook registers a function called after every training epoch.
func WithEpochHook(fn func(epoch int, logs Logs)) Option {
	return func(m *Model) { m.onEpoch = fn }
}

func New(opts ...Option) *Model {
	m := &Model{
		logger:          logger.Nop(),
		now:             time.Now,
		validationSplit: 0.1,
		meta:            make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Build assembles the network. Every cnn layer uses relu and is followed by
// max pooling; a single flatten is inserted before the first dense layer.
func (m *Model) Build(cfg Config) error {
	start := time.Now()
	shape, err := resolveInputShape(cfg)
	if err != nil {
		return err
	}
	lossName, loss, err := lossByName(cfg.Loss)
	if err != nil {
		return err
	}
	lr, err := learningRate(cfg.Optimizer, cfg.LearningRate)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	var (
		steps  []step
		stages []*loomStage
		layers []layerInfo
	)
	seqLen, channels := shape[0], shape[1]
	size := seqLen * channels
	b := &stageBuilder{inSize: size}
	cut := func() {
		if b.empty() {
			return
		}
		s := b.finish()
		steps = append(steps, s)
		stages = append(stages, s)
		for i, info := range s.layers {
			info.stage, info.index = s, i
			layers = append(layers, info)
		}
		b.inSize = size
	}

	flattened := false
	for i, spec := range cfg.Layers {
		switch spec.Type {
		case models.LayerCNN:
			if flattened {
				return fmt.Errorf("%w: cnn layer %d after dense", ErrShapeMismatch, i)
			}
			outLen, err := b.addConv1D(seqLen, channels, spec.Neurons, spec.KernelSize)
			if err != nil {
				return fmt.Errorf("layer %d: %w", i, err)
			}
			seqLen, channels = outLen, spec.Neurons
			size = seqLen * channels
			cut()

			pool := &maxPool{channels: channels, length: seqLen, size: cnnPoolSize}
			if pool.outLen() == 0 {
				return fmt.Errorf("%w: layer %d pools %d steps", ErrShapeMismatch, i, seqLen)
			}
			seqLen = pool.outLen()
			layers = append(layers, layerInfo{kind: kindMaxPool1D, in: size, out: seqLen * channels})
			size = seqLen * channels
			steps = append(steps, pool)
			b.inSize = size
		case models.LayerDropout:
			cut()
			steps = append(steps, &dropout{rate: spec.Rate, rng: rng})
			layers = append(layers, layerInfo{kind: kindDropout, in: size, out: size})
		case models.LayerDense:
			if !flattened {
				layers = append(layers, layerInfo{kind: kindFlatten, in: size, out: size})
				flattened = true
			}
			if err := b.addDense(size, spec.Neurons, spec.Activation); err != nil {
				return fmt.Errorf("layer %d: %w", i, err)
			}
			size = spec.Neurons
		default:
			return fmt.Errorf("%w: %q at position %d", ErrUnknownLayer, spec.Type, i)
		}
	}
	cut()
	if _, ok := lastStep(steps).(*loomStage); !ok || !flattened {
		return fmt.Errorf("%w: network must end with a dense layer", ErrShapeMismatch)
	}

	cfg.Loss = lossName
	m.cfg = cfg
	m.inputShape = shape
	m.steps, m.stages, m.layers = steps, stages, layers
	m.lossName, m.loss, m.lr = lossName, loss, lr
	m.rng = rng

	m.logger.Info("model compiled",
		logger.Ints("input_shape", shape),
		logger.Int("layers", len(layers)),
		logger.Int("stages", len(stages)),
		logger.Int("params", m.paramCount()),
		logger.String("loss", lossName),
		logger.String("optimizer", cfg.Optimizer),
		logger.Duration("elapsed_ms", time.Since(start)),
	)
	return nil
}

func lastStep(steps []step) step {
	if len(steps) == 0 {
		return nil
	}
	return steps[len(steps)-1]
}

func resolveInputShape(cfg Config) ([]int, error) {
	for _, spec := range cfg.Layers {
		if spec.HasInputShape() {
			return []int{spec.InputTimesteps, spec.InputDim}, nil
		}
	}
	if cfg.InputTimesteps > 0 && cfg.InputDim > 0 {
		return []int{cfg.InputTimesteps, cfg.InputDim}, nil
	}
	return nil, ErrNoInputShape
}

func (m *Model) ready() bool { return len(m.steps) > 0 }

// InputShape returns [timesteps, features] of the loaded network.
func (m *Model) InputShape() []int {
	if !m.ready() {
		return nil
	}
	return append([]int(nil), m.inputShape...)
}

// SetMeta records a key stored with the artifact on the next save.
func (m *Model) SetMeta(key, value string) {
	m.meta[key] = value
}

func (m *Model) Meta(key string) string {
	return m.meta[key]
}

// TrainResult describes a finished fit.
type TrainResult struct {
	Path    string
	History *History
	Monitor string
	Best    float64
	// StoppedEpoch is the zero-based epoch at which early stopping fired, or
	// -1 when training ran to completion.
	StoppedEpoch int
}

// TimestampName returns the artifact file name used by Train.
func TimestampName(t time.Time, epochs int) string {
	return fmt.Sprintf("%s-e%d.json", t.Format("02012006-150405"), epochs)
}

// GeneratorName returns the artifact file name used by TrainGenerator.
func GeneratorName(modelName, sentimentType string, numCSVs int) string {
	return fmt.Sprintf("%s_%s_%d.json", modelName, sentimentType, numCSVs)
}

// Train fits on materialized windows with early stopping (patience 2) and a
// best-only checkpoint on val_loss, then saves the final weights to the same
// artifact. When the split holds out no window both monitor loss instead.
func (m *Model) Train(ctx context.Context, x [][][]float64, y [][]float64, epochs, batchSize int, saveDir string) (*TrainResult, error) {
	if !m.ready() {
		return nil, ErrNotReady
	}
	if epochs <= 0 {
		return nil, fmt.Errorf("model: epochs must be positive, got %d", epochs)
	}
	if m.validationSplit < 0 || m.validationSplit >= 1 {
		return nil, fmt.Errorf("model: validation split must be in [0, 1), got %g", m.validationSplit)
	}
	xs, ys, err := m.samples(x, y)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	total := len(xs)
	valN := int(float64(total) * m.validationSplit)
	trainN := total - valN
	if trainN <= 0 {
		return nil, fmt.Errorf("%w: validation split leaves no training samples", ErrEmptyData)
	}
	monitor := "val_loss"
	if valN == 0 {
		monitor = "loss"
	}
	path := filepath.Join(saveDir, TimestampName(m.now(), epochs))
	m.logger.Info("training started",
		logger.Int("epochs", epochs),
		logger.Int("batch_size", batchSize),
		logger.Int("samples", total),
		logger.Int("validation_samples", valN),
		logger.String("monitor", monitor),
	)

	order := identity(trainN)
	early := newEarlyStopping(monitor, 2)
	ckpt := newCheckpoint(path, monitor, m.Save)
	history := newHistory()
	for epoch := 0; epoch < epochs; epoch++ {
		m.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		loss, err := m.trainEpoch(ctx, xs, ys, order, batchSize)
		if err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch+1, err)
		}
		logs := Logs{"loss": loss}
		if valN > 0 {
			logs["val_loss"] = m.evaluate(xs[trainN:], ys[trainN:])
		}
		history.record(logs)
		m.epochEnd(epoch, logs)
		if err := ckpt.epochEnd(epoch, logs); err != nil {
			return nil, err
		}
		if early.epochEnd(epoch, logs) {
			break
		}
	}
	if err := m.Save(path); err != nil {
		return nil, fmt.Errorf("save model: %w", err)
	}

	res := &TrainResult{Path: path, History: history, Monitor: monitor, Best: history.Best(monitor), StoppedEpoch: early.stopped}
	m.logger.Info("training completed",
		logger.String("path", path),
		logger.Int("epochs_run", history.Epochs),
		logger.Int("checkpoints", ckpt.saved),
		logger.Float64("best", res.Best),
		logger.Duration("elapsed_ms", time.Since(start)),
	)
	return res, nil
}

// BatchSource yields training batches for TrainGenerator.
type BatchSource interface {
	NextBatch() (x [][][]float64, y [][]float64, err error)
}

// TrainGenerator fits on batches pulled from gen and checkpoints the best
// loss to <saveDir>/<modelName>_<sentimentType>_<numCSVs>.json.
func (m *Model) TrainGenerator(ctx context.Context, gen BatchSource, epochs, batchSize, stepsPerEpoch int, saveDir, sentimentType, modelName string, numCSVs int) (*TrainResult, error) {
	if !m.ready() {
		return nil, ErrNotReady
	}
	if epochs <= 0 || stepsPerEpoch <= 0 {
		return nil, fmt.Errorf("model: epochs and steps per epoch must be positive, got %d/%d", epochs, stepsPerEpoch)
	}
	start := time.Now()
	path := filepath.Join(saveDir, GeneratorName(modelName, sentimentType, numCSVs))
	m.logger.Info("training started",
		logger.Int("epochs", epochs),
		logger.Int("batch_size", batchSize),
		logger.Int("steps_per_epoch", stepsPerEpoch),
	)

	ckpt := newCheckpoint(path, "loss", m.Save)
	history := newHistory()
	for epoch := 0; epoch < epochs; epoch++ {
		sum := 0.0
		for s := 0; s < stepsPerEpoch; s++ {
			x, y, err := gen.NextBatch()
			if err != nil {
				return nil, fmt.Errorf("epoch %d step %d: %w", epoch+1, s+1, err)
			}
			xs, ys, err := m.samples(x, y)
			if err != nil {
				return nil, err
			}
			loss, err := m.trainEpoch(ctx, xs, ys, identity(len(xs)), len(xs))
			if err != nil {
				return nil, fmt.Errorf("epoch %d step %d: %w", epoch+1, s+1, err)
			}
			sum += loss
		}
		logs := Logs{"loss": sum / float64(stepsPerEpoch)}
		history.record(logs)
		m.epochEnd(epoch, logs)
		if err := ckpt.epochEnd(epoch, logs); err != nil {
			return nil, err
		}
	}

	res := &TrainResult{Path: path, History: history, Monitor: "loss", Best: history.Best("loss"), StoppedEpoch: -1}
	m.logger.Info("training completed",
		logger.String("path", path),
		logger.Int("checkpoints", ckpt.saved),
		logger.Float64("best", res.Best),
		logger.Duration("elapsed_ms", time.Since(start)),
	)
	return res, nil
}

// trainEpoch runs one pass over the samples selected by order in batches
// and returns the mean training loss. A single loom stage trained on mse is
// handed to loom's trainer; otherwise gradients are propagated through the
// local steps sample by sample.
func (m *Model) trainEpoch(ctx context.Context, xs, ys [][]float32, order []int, batchSize int) (float64, error) {
	if batchSize <= 0 {
		batchSize = 32
	}
	whole := len(m.steps) == 1 && m.lossName == "mse"
	sum := 0.0
	for start := 0; start < len(order); start += batchSize {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		end := min(start+batchSize, len(order))
		if whole {
			bx, by := make([][]float32, 0, end-start), make([][]float32, 0, end-start)
			for _, i := range order[start:end] {
				bx, by = append(bx, xs[i]), append(by, ys[i])
			}
			if err := m.stages[0].trainEpoch(bx, by, m.lr, m.lossName); err != nil {
				return 0, err
			}
			continue
		}
		for _, i := range order[start:end] {
			sum += m.trainSample(xs[i], ys[i])
		}
	}
	if whole {
		sub := make([][]float32, len(order))
		tgt := make([][]float32, len(order))
		for k, i := range order {
			sub[k], tgt[k] = xs[i], ys[i]
		}
		return m.evaluate(sub, tgt), nil
	}
	return sum / float64(len(order)), nil
}

func (m *Model) trainSample(x, y []float32) float64 {
	out := x
	for _, s := range m.steps {
		out = s.forward(out, true)
	}
	loss, grad := m.loss(out, y)
	for i := len(m.steps) - 1; i >= 0; i-- {
		grad = m.steps[i].backward(grad)
	}
	for _, s := range m.steps {
		s.update(m.lr)
	}
	return loss
}

func (m *Model) forward(x []float32) []float32 {
	out := x
	for _, s := range m.steps {
		out = s.forward(out, false)
	}
	return out
}

func (m *Model) evaluate(xs, ys [][]float32) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for i, x := range xs {
		loss, _ := m.loss(m.forward(x), ys[i])
		sum += loss
	}
	return sum / float64(len(xs))
}

// Evaluate returns the configured loss on held-out windows.
func (m *Model) Evaluate(x [][][]float64, y [][]float64) (float64, error) {
	if !m.ready() {
		return 0, ErrNotReady
	}
	xs, ys, err := m.samples(x, y)
	if err != nil {
		return 0, err
	}
	return m.evaluate(xs, ys), nil
}

// samples converts windows and targets to loom inputs, checking shapes.
func (m *Model) samples(x [][][]float64, y [][]float64) ([][]float32, [][]float32, error) {
	if len(x) == 0 {
		return nil, nil, ErrEmptyData
	}
	if len(x) != len(y) {
		return nil, nil, fmt.Errorf("%w: %d windows, %d targets", ErrShapeMismatch, len(x), len(y))
	}
	out := m.stages[len(m.stages)-1].outSize
	xs, ys := make([][]float32, len(x)), make([][]float32, len(y))
	for i := range x {
		in, err := m.input(x[i])
		if err != nil {
			return nil, nil, fmt.Errorf("window %d: %w", i, err)
		}
		if len(y[i]) != out {
			return nil, nil, fmt.Errorf("%w: target %d has %d values, want %d", ErrShapeMismatch, i, len(y[i]), out)
		}
		xs[i], ys[i] = in, toFloat32(y[i])
	}
	return xs, ys, nil
}

func (m *Model) input(window [][]float64) ([]float32, error) {
	if len(window) != m.inputShape[0] {
		return nil, fmt.Errorf("%w: %d steps, want %d", ErrShapeMismatch, len(window), m.inputShape[0])
	}
	for _, row := range window {
		if len(row) != m.inputShape[1] {
			return nil, fmt.Errorf("%w: %d features, want %d", ErrShapeMismatch, len(row), m.inputShape[1])
		}
	}
	return channelMajor(window), nil
}

// Predict runs inference and returns one output row per window.
func (m *Model) Predict(x [][][]float64) ([][]float64, error) {
	if !m.ready() {
		return nil, ErrNotReady
	}
	out := make([][]float64, len(x))
	for i, window := range x {
		in, err := m.input(window)
		if err != nil {
			return nil, fmt.Errorf("window %d: %w", i, err)
		}
		pred := m.forward(in)
		row := make([]float64, len(pred))
		for j, v := range pred {
			row[j] = float64(v)
		}
		out[i] = row
	}
	return out, nil
}

func (m *Model) epochEnd(epoch int, logs Logs) {
	fields := []logger.Field{logger.Int("epoch", epoch+1)}
	for _, k := range []string{"loss", "val_loss"} {
		if v, ok := logs[k]; ok {
			fields = append(fields, logger.Float64(k, v))
		}
	}
	m.logger.Debug("epoch finished", fields...)
	if m.onEpoch != nil {
		m.onEpoch(epoch, logs)
	}
}

func (m *Model) paramCount() int {
	total := 0
	for _, s := range m.stages {
		total += s.params()
	}
	return total
}

// Summary renders the layer stack with output sizes and parameter counts.
func (m *Model) Summary() string {
	if !m.ready() {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-4s %-12s %-10s %8s %8s\n", "#", "Layer", "Activation", "Output", "Params")
	for i, l := range m.layers {
		params := 0
		if l.stage != nil {
			cfg := l.stage.net.GetLayer(0, 0, l.index)
			params = len(cfg.Kernel) + len(cfg.Bias)
		}
		fmt.Fprintf(&sb, "%-4d %-12s %-10s %8d %8d\n", i, l.kind, l.activation, l.out, params)
	}
	fmt.Fprintf(&sb, "Total params: %d\n", m.paramCount())
	return sb.String()
}

func identity(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}
