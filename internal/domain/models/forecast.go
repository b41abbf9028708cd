package models

import "time"

// Forecast modes.
const (
	ModePoint            = "point"
	ModeMultiple         = "multiple"
	ModeMultipleModified = "multiple_modified"
	ModeFull             = "full"
	ModeHorizon          = "horizon"
)

// IsValidMode returns true if mode is a supported forecast mode.
func IsValidMode(mode string) bool {
	switch mode {
	case ModePoint, ModeMultiple, ModeMultipleModified, ModeFull, ModeHorizon:
		return true
	default:
		return false
	}
}

// NormalizeMode converts a raw mode to a valid one, defaulting to point.
func NormalizeMode(s string) string {
	if IsValidMode(s) {
		return s
	}
	return ModePoint
}

// Forecast is the result of running a model over a series. Sequences holds
// one entry per prediction run: a single run for point, full and horizon
// modes, one per chunk for the multiple modes.
type Forecast struct {
	ID           string      `json:"id"`
	ModelKey     string      `json:"model_key"`
	Series       string      `json:"series"`
	Mode         string      `json:"mode"`
	Horizon      int         `json:"horizon"`
	Normalised   bool        `json:"normalised"`
	Sequences    [][]float64 `json:"sequences"`
	Denormalised [][]float64 `json:"denormalised,omitempty"`
	Actual       []float64   `json:"actual,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Flat returns all predictions in order, de-normalised when available.
func (f *Forecast) Flat() []float64 {
	src := f.Sequences
	if len(f.Denormalised) > 0 {
		src = f.Denormalised
	}
	var out []float64
	for _, s := range src {
		out = append(out, s...)
	}
	return out
}

// ForecastStep is a single predicted value, streamed as it is produced.
type ForecastStep struct {
	Sequence int     `json:"sequence"`
	Step     int     `json:"step"`
	Value    float64 `json:"value"`
	Raw      float64 `json:"raw"`
}

// Stream frame types.
const (
	FrameStep  = "step"
	FrameDone  = "done"
	FrameError = "error"
)

// StreamFrame is one websocket message sent to a streaming client.
type StreamFrame struct {
	Type     string        `json:"type"`
	Step     *ForecastStep `json:"step,omitempty"`
	Forecast *Forecast     `json:"forecast,omitempty"`
	Error    string        `json:"error,omitempty"`
}
