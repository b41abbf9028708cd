package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"CNNForecast/internal/domain/models"
)

type Config struct {
	Environment string `yaml:"environment" default:"development" validate:"required"`
	Log         struct {
		Level  string `yaml:"level" default:"info" validate:"oneof=trace debug info warn error fatal panic"`
		Format string `yaml:"format" default:"console" validate:"oneof=json console"`
		Output string `yaml:"output" default:"stdout"`
		Topic  string `yaml:"topic"` // publish aggregated errors here when set
	} `yaml:"log"`
	Server struct {
		Host            string        `yaml:"host" default:"0.0.0.0"`
		Port            int           `yaml:"port" default:"8080" validate:"gt=0,lte=65535"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"30s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"60s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
		CORS            bool          `yaml:"cors" default:"true"`
		RateLimit       struct {
			Enabled   bool    `yaml:"enabled"`
			Burst     float64 `yaml:"burst" default:"20" validate:"gte=1"`
			PerSecond float64 `yaml:"per_second" default:"5" validate:"gte=0"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Metrics struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`
	Data struct {
		Root               string   `yaml:"root" default:"data"` // request data_file values must resolve inside it
		Filename           string   `yaml:"filename"`
		Series             string   `yaml:"series"` // clickhouse series name, used when filename is empty
		Columns            []string `yaml:"columns" validate:"required,min=1"`
		SequenceLength     int      `yaml:"sequence_length" default:"50" validate:"gte=2"`
		TrainTestSplit     float64  `yaml:"train_test_split" default:"0.85" validate:"gte=0,lte=1"`
		Normalise          bool     `yaml:"normalise" default:"true"`
		ColumnsToNormalise []int    `yaml:"columns_to_normalise"`
		PredictionLength   int      `yaml:"prediction_length" default:"1" validate:"gte=1"`
	} `yaml:"data"`
	Training struct {
		Epochs          int     `yaml:"epochs" default:"2" validate:"gte=1"`
		BatchSize       int     `yaml:"batch_size" default:"32" validate:"gte=1"`
		ValidationSplit float64 `yaml:"validation_split" default:"0.1" validate:"gte=0,lt=1"`
		Streaming       bool    `yaml:"streaming"`
		ModelName       string  `yaml:"model_name" default:"cnn"`
		SentimentType   string  `yaml:"sentiment_type" default:"nonsentiment"`
		NumCSVs         int     `yaml:"num_csvs" default:"1"`
	} `yaml:"training"`
	Model struct {
		SaveDir      string             `yaml:"save_dir" default:"saved_models" validate:"required"`
		Loss         string             `yaml:"loss" default:"mse" validate:"oneof=mse mae huber mean_squared_error mean_absolute_error"`
		Optimizer    string             `yaml:"optimizer" default:"adam" validate:"oneof=adam sgd rmsprop"`
		LearningRate float64            `yaml:"learning_rate" validate:"gte=0"`
		Seed         int64              `yaml:"seed" default:"42"`
		Layers       []models.LayerSpec `yaml:"layers" validate:"required,min=1,dive"`
	} `yaml:"model"`
	Forecast struct {
		CacheTTL time.Duration `yaml:"cache_ttl" default:"5m"`
		Timeout  time.Duration `yaml:"timeout" default:"30s"`
	} `yaml:"forecast"`
	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Addr     string `yaml:"addr" default:"localhost:6379"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix" default:"cnnforecast"`
	} `yaml:"redis"`
	ClickHouse struct {
		Enabled          bool          `yaml:"enabled"`
		Host             string        `yaml:"host" default:"localhost"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"cnnforecast"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"30s"`
		WriteTimeout     time.Duration `yaml:"write_timeout" default:"30s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"60s"`
	} `yaml:"clickhouse"`
	Kafka struct {
		Enabled      bool     `yaml:"enabled"`
		Brokers      []string `yaml:"brokers"`
		RequestTopic string   `yaml:"request_topic" default:"forecast.requests"`
		ResultTopic  string   `yaml:"result_topic" default:"forecast.results"`
		EventsTopic  string   `yaml:"events_topic" default:"model.events"`
		RequiredAcks int      `yaml:"required_acks" default:"1"`
		Compression  string   `yaml:"compression" default:"snappy" validate:"oneof=none gzip snappy lz4 zstd"`
		Producer     struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"3"`
			Linger       time.Duration `yaml:"linger" default:"10ms"`
			BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID    string        `yaml:"group_id" default:"cnnforecast"`
			Workers    int           `yaml:"workers" default:"2"`
			BufferSize int           `yaml:"buffer_size" default:"100"`
			RetryMax   int           `yaml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"100ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"5s"`
			DLQTopic   string        `yaml:"dlq_topic"`
			MinBytes   int           `yaml:"min_bytes" default:"1"`
			MaxBytes   int           `yaml:"max_bytes" default:"10485760"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	Queue struct {
		Enabled     bool          `yaml:"enabled"`
		Name        string        `yaml:"name" default:"training"`
		Workers     int           `yaml:"workers" default:"1" validate:"gte=1"`
		MaxAttempts int           `yaml:"max_attempts" default:"1" validate:"gte=1"`
		PollTimeout time.Duration `yaml:"poll_timeout" default:"5s"`
	} `yaml:"queue"`
}

var validate = validator.New()

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse applies defaults, decodes YAML over them and validates the result.
// Defaults go first so an explicit false or zero in the file is kept.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Validate required fields
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables
	if v := os.Getenv("DATA_FILE"); v != "" {
		c.Data.Filename = v
	}
	if v := os.Getenv("MODEL_SAVE_DIR"); v != "" {
		c.Model.SaveDir = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
		c.Kafka.Enabled = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
		c.ClickHouse.Enabled = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	for _, idx := range c.Data.ColumnsToNormalise {
		if idx < 0 || idx >= len(c.Data.Columns) {
			return fmt.Errorf("data.columns_to_normalise: index %d out of range for %d columns", idx, len(c.Data.Columns))
		}
	}
	if c.Data.Filename == "" && c.Data.Series == "" {
		return fmt.Errorf("data.filename or data.series is required")
	}
	if c.Data.Series != "" && c.Data.Filename == "" && !c.ClickHouse.Enabled {
		return fmt.Errorf("data.series requires clickhouse.enabled")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty when kafka is enabled")
	}
	if c.Queue.Enabled && !c.Redis.Enabled {
		return fmt.Errorf("queue requires redis.enabled")
	}
	return nil
}
