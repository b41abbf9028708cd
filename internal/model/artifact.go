package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfluke/loom/nn"

	"CNNForecast/internal/domain/models"
	"CNNForecast/pkg/logger"
)

const (
	artifactVersion = 2
	weightDType     = "float32"
)

// artifact is the on-disk model: the layer specs it was built from, one loom
// bundle per stage and the conv kernels loom's bundle does not carry.
type artifact struct {
	Version      int                `json:"version"`
	Layers       []models.LayerSpec `json:"layers"`
	InputShape   []int              `json:"input_shape"`
	Loss         string             `json:"loss"`
	Optimizer    string             `json:"optimizer"`
	LearningRate float64            `json:"learning_rate,omitempty"`
	Seed         int64              `json:"seed"`
	Stages       []stageArtifact    `json:"stages"`
	Meta         map[string]string  `json:"meta,omitempty"`
}

type stageArtifact struct {
	Bundle string        `json:"bundle"`
	Conv   []convWeights `json:"conv,omitempty"`
}

type convWeights struct {
	Layer  int       `json:"layer"`
	Kernel []float32 `json:"kernel"`
	Bias   []float32 `json:"bias"`
}

func stageID(i int) string { return fmt.Sprintf("stage-%d", i) }

// Save writes the model to path. The file is replaced atomically so a
// concurrent reader never observes a partial artifact.
func (m *Model) Save(path string) error {
	if !m.ready() {
		return ErrNotReady
	}
	art := artifact{
		Version:      artifactVersion,
		Layers:       m.cfg.Layers,
		InputShape:   m.inputShape,
		Loss:         m.lossName,
		Optimizer:    m.cfg.Optimizer,
		LearningRate: m.cfg.LearningRate,
		Seed:         m.cfg.Seed,
		Meta:         m.meta,
	}
	for i, s := range m.stages {
		bundle, err := s.net.SaveModelWithDType(stageID(i), weightDType)
		if err != nil {
			return fmt.Errorf("serialize stage %d: %w", i, err)
		}
		sa := stageArtifact{Bundle: bundle}
		for j, l := range s.layers {
			if l.kind != kindConv1D {
				continue
			}
			cfg := s.net.GetLayer(0, 0, j)
			sa.Conv = append(sa.Conv, convWeights{Layer: j, Kernel: cfg.Kernel, Bias: cfg.Bias})
		}
		art.Stages = append(art.Stages, sa)
	}

	data, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}

// Load replaces the model with one read from an artifact. The stack is
// rebuilt from the stored specs and the weights restored into it.
func (m *Model) Load(path string) error {
	m.logger.Info("loading model", logger.String("path", path))
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load model %s: %w", path, err)
	}
	var art artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return fmt.Errorf("decode artifact %s: %w", path, err)
	}
	if art.Version != artifactVersion {
		return fmt.Errorf("%w: artifact version %d", ErrUnsupported, art.Version)
	}
	if len(art.InputShape) != 2 {
		return fmt.Errorf("%w: artifact input shape %v", ErrShapeMismatch, art.InputShape)
	}
	err = m.Build(Config{
		Layers:         art.Layers,
		Loss:           art.Loss,
		Optimizer:      art.Optimizer,
		LearningRate:   art.LearningRate,
		InputTimesteps: art.InputShape[0],
		InputDim:       art.InputShape[1],
		Seed:           art.Seed,
	})
	if err != nil {
		return fmt.Errorf("rebuild %s: %w", path, err)
	}
	if len(art.Stages) != len(m.stages) {
		return fmt.Errorf("%w: artifact has %d stages, network has %d", ErrShapeMismatch, len(art.Stages), len(m.stages))
	}
	for i, sa := range art.Stages {
		if err := m.stages[i].restore(sa, stageID(i)); err != nil {
			return fmt.Errorf("stage %d: %w", i, err)
		}
	}
	m.meta = make(map[string]string, len(art.Meta))
	for k, v := range art.Meta {
		m.meta[k] = v
	}
	return nil
}

// restore copies dense weights from the stage's loom bundle and conv
// weights from the artifact.
func (s *loomStage) restore(sa stageArtifact, id string) error {
	loaded, _, err := nn.LoadModelWithDType(sa.Bundle, id, weightDType)
	if err != nil {
		return fmt.Errorf("load bundle: %w", err)
	}
	for j, l := range s.layers {
		if l.kind != kindDense {
			continue
		}
		src := loaded.GetLayer(0, 0, j)
		if err := copyWeights(s.net.GetLayer(0, 0, j), src.Kernel, src.Bias); err != nil {
			return fmt.Errorf("layer %d: %w", j, err)
		}
	}
	for _, cw := range sa.Conv {
		if cw.Layer < 0 || cw.Layer >= len(s.layers) || s.layers[cw.Layer].kind != kindConv1D {
			return fmt.Errorf("%w: conv weights for layer %d", ErrShapeMismatch, cw.Layer)
		}
		if err := copyWeights(s.net.GetLayer(0, 0, cw.Layer), cw.Kernel, cw.Bias); err != nil {
			return fmt.Errorf("layer %d: %w", cw.Layer, err)
		}
	}
	return nil
}

func copyWeights(dst *nn.LayerConfig, kernel, bias []float32) error {
	if len(kernel) != len(dst.Kernel) || len(bias) != len(dst.Bias) {
		return fmt.Errorf("%w: %d/%d weights, want %d/%d", ErrShapeMismatch, len(kernel), len(bias), len(dst.Kernel), len(dst.Bias))
	}
	copy(dst.Kernel, kernel)
	copy(dst.Bias, bias)
	return nil
}
