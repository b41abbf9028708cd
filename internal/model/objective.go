package model

import (
	"fmt"
	"math"
)

type lossFunc func(pred, target []float32) (float64, []float32)

func lossByName(name string) (string, lossFunc, error) {
	switch name {
	case "mse", "mean_squared_error", "":
		return "mse", mse, nil
	case "mae", "mean_absolute_error":
		return "mae", mae, nil
	case "huber":
		return "huber", huber, nil
	}
	return "", nil, fmt.Errorf("%w: loss %q", ErrUnsupported, name)
}

func mse(pred, target []float32) (float64, []float32) {
	n := float64(len(pred))
	grad := make([]float32, len(pred))
	sum := 0.0
	for i, p := range pred {
		d := float64(p - target[i])
		sum += d * d
		grad[i] = float32(2 * d / n)
	}
	return sum / n, grad
}

func mae(pred, target []float32) (float64, []float32) {
	n := float64(len(pred))
	grad := make([]float32, len(pred))
	sum := 0.0
	for i, p := range pred {
		d := float64(p - target[i])
		sum += math.Abs(d)
		switch {
		case d > 0:
			grad[i] = float32(1 / n)
		case d < 0:
			grad[i] = float32(-1 / n)
		}
	}
	return sum / n, grad
}

// huber uses delta 1.
func huber(pred, target []float32) (float64, []float32) {
	n := float64(len(pred))
	grad := make([]float32, len(pred))
	sum := 0.0
	for i, p := range pred {
		d := float64(p - target[i])
		if a := math.Abs(d); a <= 1 {
			sum += 0.5 * d * d
			grad[i] = float32(d / n)
		} else {
			sum += a - 0.5
			grad[i] = float32(math.Copysign(1, d) / n)
		}
	}
	return sum / n, grad
}

// Default step sizes per optimizer name, used when no learning rate is
// configured.
var defaultLearningRates = map[string]float64{
	"adam":    0.001,
	"sgd":     0.01,
	"rmsprop": 0.001,
}

func learningRate(optimizer string, lr float64) (float32, error) {
	def, ok := defaultLearningRates[optimizer]
	if !ok {
		return 0, fmt.Errorf("%w: optimizer %q", ErrUnsupported, optimizer)
	}
	if lr <= 0 {
		lr = def
	}
	return float32(lr), nil
}
