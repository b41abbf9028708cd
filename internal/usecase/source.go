package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"CNNForecast/internal/dataset"
	"CNNForecast/internal/domain/models"
	domrepo "CNNForecast/internal/domain/repository"
	"CNNForecast/pkg/config"
	"CNNForecast/pkg/util"
)

var (
	ErrNoDataSource   = errors.New("no data source: set a data file or a series")
	ErrStoreDisabled  = errors.New("series store is not configured")
	ErrInvalidRequest = errors.New("invalid request")
)

// Artifact metadata keys.
const (
	metaColumns    = "columns"
	metaSeqLen     = "sequence_length"
	metaNormalise  = "normalise"
	metaColsToNorm = "columns_to_normalise"
)

// tableSource resolves where observations come from: an explicit CSV file
// under the data root, a ClickHouse series, then the configured defaults in
// the same order.
type tableSource struct {
	cfg   *config.Config
	store domrepo.SeriesStore
}

func (s tableSource) load(ctx context.Context, dataFile, series string, columns []string, limit int) (*dataset.Table, string, error) {
	switch {
	case dataFile != "":
		path, err := util.ResolveUnder(s.cfg.Data.Root, dataFile)
		if err != nil {
			return nil, "", fmt.Errorf("%w: data file %q: %v", ErrInvalidRequest, dataFile, err)
		}
		return loadFile(path)
	case series != "":
		if s.store == nil {
			return nil, "", ErrStoreDisabled
		}
		t, err := s.store.LoadTable(ctx, series, columns, limit)
		if err != nil {
			return nil, "", fmt.Errorf("load series %s: %w", series, err)
		}
		return t, series, nil
	case s.cfg.Data.Filename != "":
		return loadFile(s.cfg.Data.Filename)
	case s.cfg.Data.Series != "":
		return s.load(ctx, "", s.cfg.Data.Series, columns, limit)
	}
	return nil, "", ErrNoDataSource
}

func loadFile(path string) (*dataset.Table, string, error) {
	t, err := dataset.LoadCSV(path)
	if err != nil {
		return nil, "", fmt.Errorf("load %s: %w", path, err)
	}
	return t, util.FileStem(path), nil
}

// modelMeta is what a forecast needs to know about how a model was trained.
type modelMeta struct {
	columns    []string
	seqLen     int
	normalise  bool
	colsToNorm []int
}

func metaFromInfo(info models.ModelInfo) modelMeta {
	return modelMeta{columns: info.Columns, seqLen: info.SeqLen, normalise: info.Normalise, colsToNorm: info.ColsToNorm}
}

func (m modelMeta) entries() map[string]string {
	idx := make([]string, len(m.colsToNorm))
	for i, c := range m.colsToNorm {
		idx[i] = strconv.Itoa(c)
	}
	return map[string]string{
		metaColumns:    strings.Join(m.columns, ","),
		metaSeqLen:     strconv.Itoa(m.seqLen),
		metaNormalise:  strconv.FormatBool(m.normalise),
		metaColsToNorm: strings.Join(idx, ","),
	}
}

// metaFromArtifact reads training metadata saved with an artifact, falling
// back to def for missing keys.
func metaFromArtifact(get func(string) string, def modelMeta) modelMeta {
	out := def
	if cols := util.SplitNonEmpty(get(metaColumns), ","); len(cols) > 0 {
		out.columns = cols
	}
	out.seqLen = util.ParseIntDefault(get(metaSeqLen), def.seqLen)
	if v, err := strconv.ParseBool(get(metaNormalise)); err == nil {
		out.normalise = v
	}
	if raw := get(metaColsToNorm); raw != "" {
		var idx []int
		for _, p := range util.SplitNonEmpty(raw, ",") {
			if i, err := strconv.Atoi(p); err == nil {
				idx = append(idx, i)
			}
		}
		out.colsToNorm = idx
	}
	return out
}

type nopMetrics struct{}

func (nopMetrics) RecordEpoch(string, float64)           {}
func (nopMetrics) RecordTraining(string, float64, error) {}
func (nopMetrics) RecordForecast(string, float64, error) {}
func (nopMetrics) RecordError(string)                    {}

type nopEvents struct{}

func (nopEvents) PublishModelEvent(context.Context, *models.ModelEvent) error { return nil }
func (nopEvents) PublishForecast(context.Context, *models.Forecast) error     { return nil }
func (nopEvents) Close() error                                                { return nil }
