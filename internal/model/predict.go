package model

import (
	"fmt"
)

// StepFunc receives every value produced by a rollout. Returning an error
// aborts the rollout.
type StepFunc func(step int, value float64) error

// PredictPointByPoint predicts one step ahead for every window and returns
// the predictions flattened.
func (m *Model) PredictPointByPoint(x [][][]float64) ([]float64, error) {
	out, err := m.Predict(x)
	if err != nil {
		return nil, err
	}
	flat := make([]float64, 0, len(out))
	for _, row := range out {
		flat = append(flat, row...)
	}
	return flat, nil
}

// PredictSequencesMultiple runs len(x)/predictionLen rollouts of
// predictionLen steps, each starting from the true window
// x[i*predictionLen].
func (m *Model) PredictSequencesMultiple(x [][][]float64, windowSize, predictionLen int) ([][]float64, error) {
	if predictionLen <= 0 {
		return nil, fmt.Errorf("model: prediction length must be positive, got %d", predictionLen)
	}
	seqs := make([][]float64, 0, len(x)/predictionLen)
	for i := 0; i < len(x)/predictionLen; i++ {
		seq, err := m.Rollout(x[i*predictionLen], windowSize, predictionLen, nil)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", i, err)
		}
		seqs = append(seqs, seq)
	}
	return seqs, nil
}

// PredictSequencesMultipleModified is PredictSequencesMultiple with a rollout
// starting at every predictionLen-th window, so a trailing partial chunk is
// still forecast.
func (m *Model) PredictSequencesMultipleModified(x [][][]float64, windowSize, predictionLen int) ([][]float64, error) {
	if predictionLen <= 0 {
		return nil, fmt.Errorf("model: prediction length must be positive, got %d", predictionLen)
	}
	seqs := make([][]float64, 0, (len(x)+predictionLen-1)/predictionLen)
	for i := 0; i < len(x); i += predictionLen {
		seq, err := m.Rollout(x[i], windowSize, predictionLen, nil)
		if err != nil {
			return nil, fmt.Errorf("sequence at %d: %w", i, err)
		}
		seqs = append(seqs, seq)
	}
	return seqs, nil
}

// PredictSequenceFull rolls out len(x) steps from x[0], feeding every
// prediction back into the window.
func (m *Model) PredictSequenceFull(x [][][]float64, windowSize int) ([]float64, error) {
	if len(x) == 0 {
		return nil, nil
	}
	return m.Rollout(x[0], windowSize, len(x), nil)
}

// Horizon forecasts exactly horizon steps past window.
func (m *Model) Horizon(window [][]float64, windowSize, horizon int) ([]float64, error) {
	if horizon <= 0 {
		return nil, fmt.Errorf("model: horizon must be positive, got %d", horizon)
	}
	return m.Rollout(window, windowSize, horizon, nil)
}

// Rollout predicts steps values autoregressively. After each prediction the
// oldest row is dropped and a row whose every feature equals the prediction
// is inserted at position windowSize-2. The input frame is not modified.
func (m *Model) Rollout(frame [][]float64, windowSize, steps int, emit StepFunc) ([]float64, error) {
	if !m.ready() {
		return nil, ErrNotReady
	}
	if len(frame) == 0 {
		return nil, fmt.Errorf("model: empty window")
	}
	pos := windowSize - 2
	if pos < 0 || pos > len(frame)-1 {
		return nil, fmt.Errorf("model: window size %d does not fit a %d-row frame", windowSize, len(frame))
	}

	curr := make([][]float64, len(frame))
	for i, row := range frame {
		curr[i] = append([]float64(nil), row...)
	}
	features := len(frame[0])

	predicted := make([]float64, 0, steps)
	for step := 0; step < steps; step++ {
		out, err := m.Predict([][][]float64{curr})
		if err != nil {
			return nil, err
		}
		p := out[0][0]
		predicted = append(predicted, p)
		if emit != nil {
			if err := emit(step, p); err != nil {
				return predicted, err
			}
		}

		row := make([]float64, features)
		for f := range row {
			row[f] = p
		}
		next := make([][]float64, 0, len(curr))
		next = append(next, curr[1:pos+1]...)
		next = append(next, row)
		next = append(next, curr[pos+1:]...)
		curr = next
	}
	return predicted, nil
}
