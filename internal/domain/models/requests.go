package models

// Requests accepted by the HTTP, websocket and Kafka surfaces. Zero values
// fall back to the service configuration.

type ForecastRequest struct {
	ID            string      `json:"id"`
	Model         string      `query:"model" json:"model"`
	DataFile      string      `query:"data_file" json:"data_file"`
	Series        string      `query:"series" json:"series"`
	Rows          [][]float64 `json:"rows"`
	Mode          string      `query:"mode" json:"mode" default:"point" validate:"oneof=point multiple multiple_modified full horizon"`
	PredictionLen int         `query:"prediction_len" json:"prediction_len" validate:"gte=0,lte=1000"`
	Horizon       int         `query:"horizon" json:"horizon" validate:"gte=0,lte=1000"`
	Limit         int         `query:"limit" json:"limit" validate:"gte=0,lte=100000"`
}

type TrainRequest struct {
	ModelName     string `json:"model_name" validate:"excludesall=/\\"`
	SentimentType string `json:"sentiment_type" validate:"excludesall=/\\"`
	NumCSVs       int    `json:"num_csvs" validate:"gte=0"`
	DataFile      string `json:"data_file"`
	Series        string `json:"series"`
	Epochs        int    `json:"epochs" validate:"gte=0,lte=10000"`
	BatchSize     int    `json:"batch_size" validate:"gte=0,lte=100000"`
	Streaming     bool   `json:"streaming"`
}

type TrainAccepted struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}
