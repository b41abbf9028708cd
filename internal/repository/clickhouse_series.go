package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"CNNForecast/internal/dataset"
	"CNNForecast/internal/domain/models"
	"CNNForecast/internal/domain/repository"
	pkgch "CNNForecast/pkg/clickhouse"
	xutil "CNNForecast/pkg/util"
)

// ErrSeriesNotFound is returned when a series has no rows for the requested
// columns.
var ErrSeriesNotFound = errors.New("series not found")

// ClickHouseSeriesStore implements SeriesStore on the series and forecasts
// tables. Observations are stored long (one row per field) and pivoted back
// into a Table on load.
type ClickHouseSeriesStore struct {
	client *pkgch.Client
	db     string
}

// NewClickHouseSeriesStore creates a ClickHouse backed series store.
func NewClickHouseSeriesStore(client *pkgch.Client) repository.SeriesStore {
	return &ClickHouseSeriesStore{client: client, db: client.Database()}
}

func (s *ClickHouseSeriesStore) Init(ctx context.Context) error {
	return s.client.InitSchema(ctx, pkgch.Schema(s.db))
}

type seriesPoint struct {
	ts    time.Time
	field string
	value float64
}

// LoadTable returns the series pivoted to columns, oldest row first. With a
// positive limit only the most recent limit timestamps are kept. Missing
// fields read as 0, matching empty CSV cells.
func (s *ClickHouseSeriesStore) LoadTable(ctx context.Context, series string, columns []string, limit int) (*dataset.Table, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("load series %q: no columns", series)
	}

	q := fmt.Sprintf("SELECT ts, field, value FROM %s.%s FINAL WHERE series = ? AND field IN (?) ORDER BY ts", s.db, pkgch.SeriesTable)
	args := []interface{}{series, columns}
	if limit > 0 {
		// newest timestamps first, then reversed while pivoting
		q = fmt.Sprintf(`SELECT ts, field, value FROM %[1]s.%[2]s FINAL
WHERE series = ? AND field IN (?) AND ts IN (
	SELECT DISTINCT ts FROM %[1]s.%[2]s WHERE series = ? AND field IN (?) ORDER BY ts DESC LIMIT ?
) ORDER BY ts`, s.db, pkgch.SeriesTable)
		args = []interface{}{series, columns, series, columns, limit}
	}

	rows, err := s.client.DB().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("load series %q: %w", series, err)
	}
	defer rows.Close()

	var points []seriesPoint
	for rows.Next() {
		var p seriesPoint
		if err := rows.Scan(&p.ts, &p.field, &p.value); err != nil {
			return nil, fmt.Errorf("scan series %q: %w", series, err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load series %q: %w", series, err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrSeriesNotFound, series)
	}
	return pivotSeries(points, columns), nil
}

func pivotSeries(points []seriesPoint, columns []string) *dataset.Table {
	col := make(map[string]int, len(columns))
	for i, c := range columns {
		col[c] = i
	}

	byTS := make(map[int64][]float64)
	var stamps []int64
	for _, p := range points {
		j, ok := col[p.field]
		if !ok {
			continue
		}
		k := p.ts.UnixNano()
		row, seen := byTS[k]
		if !seen {
			row = make([]float64, len(columns))
			byTS[k] = row
			stamps = append(stamps, k)
		}
		row[j] = p.value
	}
	sort.Slice(stamps, func(a, b int) bool { return stamps[a] < stamps[b] })

	t := &dataset.Table{Columns: append([]string(nil), columns...), Rows: make([][]float64, len(stamps))}
	for i, k := range stamps {
		t.Rows[i] = byTS[k]
	}
	return t
}

// StoreTable writes every cell of t under series. Row i is stamped
// start + i*step with start aligned to step.
func (s *ClickHouseSeriesStore) StoreTable(ctx context.Context, series string, t *dataset.Table, start time.Time, step time.Duration) error {
	if t == nil || len(t.Rows) == 0 {
		return nil
	}
	if step <= 0 {
		step = time.Minute
	}
	points := flattenTable(t, xutil.AlignToStep(start.UTC(), step), step)

	q := fmt.Sprintf("INSERT INTO %s.%s (series, field, ts, value)", s.db, pkgch.SeriesTable)
	return s.client.Batch(ctx, q, func(stmt *sql.Stmt) error {
		for _, p := range points {
			if _, err := stmt.ExecContext(ctx, series, p.field, p.ts, p.value); err != nil {
				return fmt.Errorf("insert series %q: %w", series, err)
			}
		}
		return nil
	})
}

func flattenTable(t *dataset.Table, start time.Time, step time.Duration) []seriesPoint {
	points := make([]seriesPoint, 0, len(t.Rows)*len(t.Columns))
	for i, row := range t.Rows {
		ts := start.Add(time.Duration(i) * step)
		for j, c := range t.Columns {
			if j < len(row) {
				points = append(points, seriesPoint{ts: ts, field: c, value: row[j]})
			}
		}
	}
	return points
}

type forecastRow struct {
	sequence, step int
	value, raw     float64
}

// StoreForecast writes one row per predicted step.
func (s *ClickHouseSeriesStore) StoreForecast(ctx context.Context, f *models.Forecast) error {
	rows := forecastRows(f)
	if len(rows) == 0 {
		return nil
	}

	q := fmt.Sprintf("INSERT INTO %s.%s (forecast_id, model_key, series, mode, sequence, step, value, raw, created_at)", s.db, pkgch.ForecastsTable)
	return s.client.Batch(ctx, q, func(stmt *sql.Stmt) error {
		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, f.ID, f.ModelKey, f.Series, f.Mode,
				uint32(r.sequence), uint32(r.step), r.value, r.raw, f.CreatedAt.UTC()); err != nil {
				return fmt.Errorf("insert forecast %s: %w", f.ID, err)
			}
		}
		return nil
	})
}

func forecastRows(f *models.Forecast) []forecastRow {
	if f == nil {
		return nil
	}
	var rows []forecastRow
	for i, seq := range f.Sequences {
		for j, raw := range seq {
			v := raw
			if i < len(f.Denormalised) && j < len(f.Denormalised[i]) {
				v = f.Denormalised[i][j]
			}
			rows = append(rows, forecastRow{sequence: i, step: j, value: v, raw: raw})
		}
	}
	return rows
}

func (s *ClickHouseSeriesStore) Health(ctx context.Context) error {
	return s.client.Health(ctx)
}

func (s *ClickHouseSeriesStore) Close() error {
	return nil // client is owned by the caller
}
