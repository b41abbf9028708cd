package model

import (
	"fmt"
	"math"
)

// Logs holds the metrics reported at the end of an epoch, e.g. "loss" and
// "val_loss".
type Logs map[string]float64

// History is the per-epoch record of a fit.
type History struct {
	Epochs  int
	Metrics map[string][]float64
}

func newHistory() *History {
	return &History{Metrics: make(map[string][]float64)}
}

func (h *History) record(logs Logs) {
	h.Epochs++
	for k, v := range logs {
		h.Metrics[k] = append(h.Metrics[k], v)
	}
}

// Last returns the most recent value of a metric.
func (h *History) Last(metric string) (float64, bool) {
	values := h.Metrics[metric]
	if len(values) == 0 {
		return 0, false
	}
	return values[len(values)-1], true
}

// Best returns the lowest recorded value of a metric.
func (h *History) Best(metric string) float64 {
	values := h.Metrics[metric]
	if len(values) == 0 {
		return 0
	}
	b := values[0]
	for _, v := range values[1:] {
		b = math.Min(b, v)
	}
	return b
}

// earlyStopping requests a stop once monitor has not improved for patience
// consecutive epochs.
type earlyStopping struct {
	monitor  string
	patience int
	best     float64
	wait     int
	stopped  int
}

func newEarlyStopping(monitor string, patience int) *earlyStopping {
	return &earlyStopping{monitor: monitor, patience: patience, best: math.Inf(1), stopped: -1}
}

func (e *earlyStopping) epochEnd(epoch int, logs Logs) bool {
	current, ok := logs[e.monitor]
	if !ok {
		return false
	}
	if current < e.best {
		e.best = current
		e.wait = 0
		return false
	}
	e.wait++
	if e.wait >= e.patience {
		e.stopped = epoch
		return true
	}
	return false
}

// checkpoint saves the model whenever monitor reaches a new minimum.
type checkpoint struct {
	path    string
	monitor string
	save    func(path string) error
	best    float64
	saved   int
}

func newCheckpoint(path, monitor string, save func(string) error) *checkpoint {
	return &checkpoint{path: path, monitor: monitor, save: save, best: math.Inf(1)}
}

func (c *checkpoint) epochEnd(epoch int, logs Logs) error {
	current, ok := logs[c.monitor]
	if !ok || current >= c.best {
		return nil
	}
	c.best = current
	if err := c.save(c.path); err != nil {
		return fmt.Errorf("checkpoint epoch %d: %w", epoch+1, err)
	}
	c.saved++
	return nil
}
