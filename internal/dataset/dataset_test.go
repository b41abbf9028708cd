package dataset

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `Date,Close,Volume,Sentiment
1,10,100,0
2,11,110,0.5
3,12,0,1
4,13,130,0
5,14,140,-1
6,15,150,0
7,16,160,0.2
8,17,170,0
9,18,180,0
10,19,190,0
`

func sampleTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := ReadCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	return tbl
}

func TestReadCSV(t *testing.T) {
	tbl := sampleTable(t)
	assert.Equal(t, []string{"Date", "Close", "Volume", "Sentiment"}, tbl.Columns)
	require.Len(t, tbl.Rows, 10)
	assert.Equal(t, []float64{2, 11, 110, 0.5}, tbl.Rows[1])

	_, err := ReadCSV(strings.NewReader("a,b\n1,x\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `line 2 column "b"`)

	_, err = ReadCSV(strings.NewReader(""))
	assert.Error(t, err)
}

func TestLoadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "series.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0o644))
	tbl, err := LoadCSV(path)
	require.NoError(t, err)
	assert.Len(t, tbl.Rows, 10)

	_, err = LoadCSV(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestNewLoaderSplitsAndSelects(t *testing.T) {
	l, err := NewLoader(sampleTable(t), 0.75, []string{"Close", "Volume"}, []int{0, 1}, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, l.LenTrain())
	assert.Equal(t, 3, l.LenTest())
	assert.Equal(t, []string{"Close", "Volume"}, l.Columns())
	assert.Equal(t, 3, l.PredLen())

	_, err = NewLoader(sampleTable(t), 0.8, []string{"Close", "Open"}, nil, 1)
	assert.ErrorIs(t, err, ErrUnknownColumn)

	_, err = NewLoader(sampleTable(t), 0.8, []string{"Close"}, []int{1}, 1)
	assert.Error(t, err)
}

func TestTrainDataWindowCount(t *testing.T) {
	l, err := NewLoader(sampleTable(t), 0.8, []string{"Close", "Volume"}, []int{0, 1}, 1)
	require.NoError(t, err)

	b, err := l.TrainData(3, false)
	require.NoError(t, err)
	assert.Equal(t, l.LenTrain()-3, b.Len())
	assert.Equal(t, [][]float64{{10, 100}, {11, 110}}, b.X[0])
	assert.Equal(t, []float64{12}, b.Y[0])

	_, err = l.TrainData(8, false)
	assert.ErrorIs(t, err, ErrWindowTooLong)
}

func TestTrainDataNormalised(t *testing.T) {
	l, err := NewLoader(sampleTable(t), 0.8, []string{"Close", "Volume"}, []int{0}, 1)
	require.NoError(t, err)
	b, err := l.TrainData(3, true)
	require.NoError(t, err)

	for _, x := range b.X {
		assert.Equal(t, 0.0, x[0][0])
	}
	assert.InDelta(t, 0.1, b.X[0][1][0], 1e-12)
	assert.InDelta(t, 0.2, b.Y[0][0], 1e-12)
	// Volume is not selected and passes through.
	assert.Equal(t, 110.0, b.X[0][1][1])
}

func TestTestDataBase(t *testing.T) {
	l, err := NewLoader(sampleTable(t), 0.4, []string{"Close", "Volume"}, []int{0, 1}, 1)
	require.NoError(t, err)
	b, base, err := l.TestData(3, true, []int{0, 1})
	require.NoError(t, err)
	require.Equal(t, l.LenTest()-3, b.Len())
	require.Len(t, base, b.Len())
	assert.Equal(t, 14.0, base[0])

	for i, y := range b.Y {
		got := Denormalise(y[0], base[i])
		assert.InDelta(t, 14.0+float64(i)+2, got, 1e-9)
	}
}

func TestNormaliseZeroGuard(t *testing.T) {
	windows := [][][]float64{{{0, 5}, {2, 10}, {-3, 0}}}
	out := NormaliseWindows(windows)

	assert.Equal(t, 0.0, out[0][0][1])
	assert.Equal(t, -1.0, out[0][0][0], "zero base is divided by one")
	assert.Equal(t, 1.0, out[0][1][0])
	assert.Equal(t, 1.0, out[0][1][1])
	assert.Equal(t, -1.0, out[0][2][1])
	assert.Equal(t, 0.0, windows[0][1][0]-2, "input untouched")
}

func TestNormaliseRoundTrip(t *testing.T) {
	windows := [][][]float64{{{123.5, 7}, {130.25, 8}, {99.75, 9}}}
	norm := NormaliseSelectedColumns(windows, []int{0})
	base := windows[0][0][0]
	for r, row := range norm[0] {
		got := Denormalise(row[0], base)
		assert.LessOrEqual(t, math.Abs(got-windows[0][r][0])/windows[0][r][0], 1e-9)
		assert.Equal(t, windows[0][r][1], row[1])
	}
	assert.Equal(t, []float64{1, 2}, DenormaliseSeries([]float64{0, 1}, 1))
}

func TestGenerateTrainBatchWraps(t *testing.T) {
	l, err := NewLoader(sampleTable(t), 0.8, []string{"Close"}, []int{0}, 1)
	require.NoError(t, err)
	g, err := l.GenerateTrainBatch(3, 2, false)
	require.NoError(t, err)

	// 8 train rows, 5 windows: batches of 2, 2, 1 then wrap.
	assert.Equal(t, l.LenTrain()-3, g.Windows())
	assert.Equal(t, 3, g.StepsPerEpoch())

	sizes := []int{}
	var firsts []float64
	for i := 0; i < 4; i++ {
		b := g.Next()
		sizes = append(sizes, b.Len())
		firsts = append(firsts, b.X[0][0][0])
	}
	assert.Equal(t, []int{2, 2, 1, 2}, sizes)
	assert.Equal(t, []float64{10, 12, 14, 10}, firsts)

	x, y, err := g.NextBatch()
	require.NoError(t, err)
	assert.Len(t, x, 2)
	assert.Len(t, y, 2)

	_, err = l.GenerateTrainBatch(3, 0, false)
	assert.Error(t, err)
}

func TestLastWindow(t *testing.T) {
	l, err := NewLoader(sampleTable(t), 0.5, []string{"Close", "Volume"}, []int{0}, 1)
	require.NoError(t, err)
	w, base, err := l.LastWindow(4, true)
	require.NoError(t, err)
	require.Len(t, w, 3)
	assert.Equal(t, 17.0, base)
	assert.Equal(t, 0.0, w[0][0])
	assert.Equal(t, 190.0, w[2][1])
}
