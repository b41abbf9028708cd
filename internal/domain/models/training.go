package models

import "time"

// TrainReport summarises a finished training run.
type TrainReport struct {
	ModelKey     string               `json:"model_key"`
	ArtifactPath string               `json:"artifact_path"`
	Streaming    bool                 `json:"streaming"`
	Epochs       int                  `json:"epochs"`
	FinalLoss    float64              `json:"final_loss"`
	Monitor      string               `json:"monitor"`
	BestValue    float64              `json:"best_value"`
	TestLoss     float64              `json:"test_loss"`
	History      map[string][]float64 `json:"history"`
	Windows      int                  `json:"windows"`
	Duration     time.Duration        `json:"duration"`
	FinishedAt   time.Time            `json:"finished_at"`
}

// ModelInfo is a registry entry pointing at a saved artifact.
type ModelInfo struct {
	Key          string    `json:"key"`
	ArtifactPath string    `json:"artifact_path"`
	Columns      []string  `json:"columns"`
	SeqLen       int       `json:"sequence_length"`
	Normalise    bool      `json:"normalise"`
	ColsToNorm   []int     `json:"columns_to_normalise"`
	FinalLoss    float64   `json:"final_loss"`
	CreatedAt    time.Time `json:"created_at"`
}

// Model lifecycle event types.
const (
	EventModelTrained    = "model.trained"
	EventForecastCreated = "forecast.created"
)

// ModelEvent is published on the model events topic.
type ModelEvent struct {
	Type      string       `json:"type"`
	ModelKey  string       `json:"model_key"`
	Report    *TrainReport `json:"report,omitempty"`
	Forecast  *Forecast    `json:"forecast,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
