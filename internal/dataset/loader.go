package dataset

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrWindowTooLong = errors.New("dataset: window longer than available rows")
	ErrUnknownColumn = errors.New("dataset: unknown column")
)

// Batch is a set of supervised samples: X[i] holds seqLen-1 rows of every
// selected column and Y[i] the first column of the row that follows.
type Batch struct {
	X [][][]float64
	Y [][]float64
}

func (b Batch) Len() int { return len(b.X) }

// Loader splits a table into train and test ranges and cuts them into
// overlapping windows.
type Loader struct {
	columns    []string
	train      [][]float64
	test       [][]float64
	colsToNorm []int
	predLen    int
}

// NewLoader keeps cols of table, in order, and splits the rows at
// floor(len(rows) * split).
func NewLoader(table *Table, split float64, cols []string, colsToNorm []int, predLen int) (*Loader, error) {
	if split < 0 || split > 1 {
		return nil, fmt.Errorf("dataset: split must be in [0, 1], got %g", split)
	}
	sel, err := table.Select(cols)
	if err != nil {
		return nil, err
	}
	for _, c := range colsToNorm {
		if c < 0 || c >= len(cols) {
			return nil, fmt.Errorf("dataset: column to normalise %d out of range [0, %d)", c, len(cols))
		}
	}
	iSplit := int(math.Floor(float64(len(sel.Rows)) * split))
	return &Loader{
		columns:    sel.Columns,
		train:      sel.Rows[:iSplit],
		test:       sel.Rows[iSplit:],
		colsToNorm: append([]int(nil), colsToNorm...),
		predLen:    predLen,
	}, nil
}

func (l *Loader) Columns() []string { return l.columns }
func (l *Loader) LenTrain() int     { return len(l.train) }
func (l *Loader) LenTest() int      { return len(l.test) }
func (l *Loader) PredLen() int      { return l.predLen }

// TestData windows the test range. base[i] is the raw first value of window
// i's first column, captured before normalisation, for use with Denormalise.
func (l *Loader) TestData(seqLen int, normalise bool, colsToNorm []int) (Batch, []float64, error) {
	windows, err := slidingWindows(l.test, seqLen)
	if err != nil {
		return Batch{}, nil, fmt.Errorf("test data: %w", err)
	}
	base := make([]float64, len(windows))
	for i, w := range windows {
		base[i] = w[0][0]
	}
	if normalise {
		windows = NormaliseSelectedColumns(windows, colsToNorm)
	}
	return split(windows), base, nil
}

// TrainData windows the train range, normalising the loader's columns.
func (l *Loader) TrainData(seqLen int, normalise bool) (Batch, error) {
	count := len(l.train) - seqLen
	if err := checkWindow(len(l.train), seqLen); err != nil {
		return Batch{}, fmt.Errorf("train data: %w", err)
	}
	b := Batch{X: make([][][]float64, 0, count), Y: make([][]float64, 0, count)}
	for i := 0; i < count; i++ {
		x, y := l.nextWindow(i, seqLen, normalise)
		b.X = append(b.X, x)
		b.Y = append(b.Y, y)
	}
	return b, nil
}

// LastWindow returns the most recent seqLen-1 rows of the whole series as a
// single model input, with the raw base of its first column.
func (l *Loader) LastWindow(seqLen int, normalise bool) ([][]float64, float64, error) {
	rows := make([][]float64, 0, len(l.train)+len(l.test))
	rows = append(rows, l.train...)
	rows = append(rows, l.test...)
	if seqLen < 2 || len(rows) < seqLen-1 {
		return nil, 0, fmt.Errorf("%w: need %d rows, have %d", ErrWindowTooLong, seqLen-1, len(rows))
	}
	window := copyWindow(rows[len(rows)-(seqLen-1):])
	base := window[0][0]
	if normalise {
		window = NormaliseSelectedColumns([][][]float64{window}, l.colsToNorm)[0]
	}
	return window, base, nil
}

func (l *Loader) nextWindow(i, seqLen int, normalise bool) ([][]float64, []float64) {
	window := copyWindow(l.train[i : i+seqLen])
	if normalise {
		window = NormaliseSelectedColumns([][][]float64{window}, l.colsToNorm)[0]
	}
	return window[:len(window)-1], []float64{window[len(window)-1][0]}
}

func checkWindow(rows, seqLen int) error {
	if seqLen < 2 {
		return fmt.Errorf("dataset: sequence length must be at least 2, got %d", seqLen)
	}
	if rows-seqLen <= 0 {
		return fmt.Errorf("%w: sequence length %d, %d rows", ErrWindowTooLong, seqLen, rows)
	}
	return nil
}

// slidingWindows returns rows[i:i+seqLen] for i in [0, len(rows)-seqLen).
func slidingWindows(rows [][]float64, seqLen int) ([][][]float64, error) {
	if err := checkWindow(len(rows), seqLen); err != nil {
		return nil, err
	}
	count := len(rows) - seqLen
	windows := make([][][]float64, count)
	for i := range windows {
		windows[i] = copyWindow(rows[i : i+seqLen])
	}
	return windows, nil
}

func split(windows [][][]float64) Batch {
	b := Batch{X: make([][][]float64, len(windows)), Y: make([][]float64, len(windows))}
	for i, w := range windows {
		b.X[i] = w[:len(w)-1]
		b.Y[i] = []float64{w[len(w)-1][0]}
	}
	return b
}

func copyWindow(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = append([]float64(nil), r...)
	}
	return out
}
