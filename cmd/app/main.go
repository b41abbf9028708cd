package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"CNNForecast/internal/dataset"
	"CNNForecast/internal/di"
	"CNNForecast/internal/domain/models"
	"CNNForecast/internal/service/streamclient"
	"CNNForecast/pkg/config"
	xhttp "CNNForecast/pkg/http"
	applogger "CNNForecast/pkg/logger"
	"CNNForecast/pkg/server"
	"CNNForecast/pkg/util"
)

type options struct {
	configPath   string
	mode         string
	model        string
	forecastMode string
	dataFile     string
	series       string
	horizon      int
	remote       string
	stream       bool
	start        string
	step         time.Duration
}

func main() {
	// Parse flags
	var o options
	flag.StringVar(&o.configPath, "config", "config/config.yaml", "config file path")
	flag.StringVar(&o.mode, "mode", "serve", "train | train-stream | predict | serve | import")
	flag.StringVar(&o.model, "model", "", "model key or artifact path (predict); latest when empty")
	flag.StringVar(&o.forecastMode, "forecast-mode", models.ModeMultiple, "point | multiple | multiple_modified | full | horizon")
	flag.StringVar(&o.dataFile, "data", "", "CSV file overriding data.filename")
	flag.StringVar(&o.series, "series", "", "ClickHouse series overriding data.series")
	flag.IntVar(&o.horizon, "horizon", 0, "steps to forecast in horizon mode")
	flag.StringVar(&o.remote, "remote", "", "base URL of a running server; predict calls it instead of loading the model")
	flag.BoolVar(&o.stream, "stream", false, "with -remote, stream steps over the websocket")
	flag.StringVar(&o.start, "start", "", "timestamp of the first row (import)")
	flag.DurationVar(&o.step, "step", 24*time.Hour, "spacing between rows (import)")
	flag.Parse()

	// Load config
	cfg, err := config.LoadWithEnv(o.configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	if o.mode == "predict" && o.remote != "" {
		if err := predictRemote(o); err != nil {
			log.Fatalf("predict failed: %v", err)
		}
		return
	}

	// Wire DI: Initialize all dependencies
	app, err := di.InitializeApp(cfg)
	if err != nil {
		log.Fatalf("app initialization failed: %v", err)
	}
	l := app.Logger()
	l.Info("starting", applogger.String("env", cfg.Environment), applogger.String("mode", o.mode))

	if o.mode == "serve" {
		// Run application (blocks until signal)
		if err := app.Run(); err != nil {
			l.Error("app error", applogger.Error(err))
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = runOnce(ctx, app, cfg, o)
	stop()
	app.Close()
	if err != nil {
		l.Error(o.mode+" failed", applogger.Error(err))
		os.Exit(1)
	}
}

func runOnce(ctx context.Context, app *server.App, cfg *config.Config, o options) error {
	switch o.mode {
	case "train", "train-stream":
		report, err := app.Trainer.Run(ctx, models.TrainRequest{
			DataFile:  o.dataFile,
			Series:    o.series,
			Streaming: o.mode == "train-stream",
		})
		if err != nil {
			return err
		}
		return printJSON(report)
	case "predict":
		f, err := app.Forecaster.Forecast(ctx, forecastRequest(o))
		if err != nil {
			return err
		}
		return printJSON(f)
	case "import":
		return importCSV(ctx, app, cfg, o)
	default:
		return fmt.Errorf("unknown mode %q", o.mode)
	}
}

func forecastRequest(o options) models.ForecastRequest {
	return models.ForecastRequest{
		Model:    o.model,
		DataFile: o.dataFile,
		Series:   o.series,
		Mode:     o.forecastMode,
		Horizon:  o.horizon,
	}
}

// importCSV loads a CSV file into a ClickHouse series. Rows are spaced by
// -step starting at -start, or ending now when -start is empty.
func importCSV(ctx context.Context, app *server.App, cfg *config.Config, o options) error {
	if app.Store == nil {
		return fmt.Errorf("import requires clickhouse.enabled")
	}
	path := o.dataFile
	if path == "" {
		path = cfg.Data.Filename
	}
	name := o.series
	if name == "" {
		name = cfg.Data.Series
	}
	if path == "" || name == "" {
		return fmt.Errorf("import needs -data and -series")
	}
	if o.step <= 0 {
		return fmt.Errorf("step must be positive")
	}

	table, err := dataset.LoadCSV(path)
	if err != nil {
		return err
	}
	if _, ok := util.ParseTime(o.start); !ok && o.start != "" {
		return fmt.Errorf("cannot parse start %q", o.start)
	}
	start := util.ParseTimeDefault(o.start, importStart(time.Now().UTC(), o.step, len(table.Rows)))
	if err := app.Store.StoreTable(ctx, name, table, start, o.step); err != nil {
		return err
	}
	app.Logger().Info("series imported",
		applogger.String("series", name),
		applogger.Int("rows", len(table.Rows)),
		applogger.Strings("columns", table.Columns))
	return nil
}

// importStart places rows so the last one lands on the step boundary at or
// before now.
func importStart(now time.Time, step time.Duration, rows int) time.Time {
	return util.AlignToStep(now, step).Add(-time.Duration(rows-1) * step)
}

// predictRemote asks a running server for the forecast.
func predictRemote(o options) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	req := forecastRequest(o)

	if !o.stream {
		var f models.Forecast
		if err := xhttp.NewClient(o.remote, xhttp.WithTimeout(time.Minute)).PostJSON(ctx, "/api/v1/forecast", req, &f); err != nil {
			return err
		}
		return printJSON(&f)
	}

	c, err := streamclient.New(o.remote, 0)
	if err != nil {
		return err
	}
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Close()
	f, err := c.Forecast(ctx, req, func(s models.ForecastStep) {
		fmt.Printf("seq=%d step=%d value=%.6f\n", s.Sequence, s.Step, s.Value)
	})
	if err != nil {
		return err
	}
	return printJSON(f)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
