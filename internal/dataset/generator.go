package dataset

import "fmt"

// BatchGenerator streams training windows in fixed-size batches. It never
// runs dry: when the window index reaches the end of the train range the
// partial batch collected so far is returned and the index wraps to zero.
type BatchGenerator struct {
	loader    *Loader
	seqLen    int
	batchSize int
	normalise bool
	limit     int
	next      int
}

// GenerateTrainBatch returns a generator over the train range.
func (l *Loader) GenerateTrainBatch(seqLen, batchSize int, normalise bool) (*BatchGenerator, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("dataset: batch size must be positive, got %d", batchSize)
	}
	if err := checkWindow(len(l.train), seqLen); err != nil {
		return nil, fmt.Errorf("train batches: %w", err)
	}
	return &BatchGenerator{
		loader:    l,
		seqLen:    seqLen,
		batchSize: batchSize,
		normalise: normalise,
		limit:     len(l.train) - seqLen,
	}, nil
}

// Windows is the number of distinct windows the generator cycles through.
func (g *BatchGenerator) Windows() int { return g.limit }

// StepsPerEpoch is the number of batches needed to see every window once.
func (g *BatchGenerator) StepsPerEpoch() int {
	return (g.limit + g.batchSize - 1) / g.batchSize
}

// Next returns the next batch. Batches hold batchSize windows except the
// last one before a wrap.
func (g *BatchGenerator) Next() Batch {
	b := Batch{X: make([][][]float64, 0, g.batchSize), Y: make([][]float64, 0, g.batchSize)}
	for len(b.X) < g.batchSize {
		x, y := g.loader.nextWindow(g.next, g.seqLen, g.normalise)
		b.X = append(b.X, x)
		b.Y = append(b.Y, y)
		g.next++
		if g.next >= g.limit {
			g.next = 0
			break
		}
	}
	return b
}

// NextBatch adapts the generator to a training batch source.
func (g *BatchGenerator) NextBatch() ([][][]float64, [][]float64, error) {
	b := g.Next()
	return b.X, b.Y, nil
}
