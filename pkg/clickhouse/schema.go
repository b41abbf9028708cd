package clickhouse

import "fmt"

// Table names used by the forecast service.
const (
	SeriesTable    = "series"
	ForecastsTable = "forecasts"
)

// Schema returns the DDL for the observation and forecast tables.
//
// series keeps one row per (series, field, timestamp) so a series may carry
// any number of named columns; forecasts keeps one row per predicted step.
func Schema(database string) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
	series    LowCardinality(String),
	field     LowCardinality(String),
	ts        DateTime64(3, 'UTC'),
	value     Float64,
	inserted  DateTime DEFAULT now()
) ENGINE = ReplacingMergeTree(inserted)
PARTITION BY toYYYYMM(ts)
ORDER BY (series, field, ts)`, database, SeriesTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
	forecast_id String,
	model_key   LowCardinality(String),
	series      LowCardinality(String),
	mode        LowCardinality(String),
	sequence    UInt32,
	step        UInt32,
	value       Float64,
	raw         Float64,
	created_at  DateTime64(3, 'UTC')
) ENGINE = MergeTree
PARTITION BY toYYYYMM(created_at)
ORDER BY (model_key, forecast_id, sequence, step)
TTL toDateTime(created_at) + INTERVAL 90 DAY`, database, ForecastsTable),
	}
}
