package dataset

// NormaliseWindows rescales every column of every window to p/w - 1, where w
// is the column's value in the window's first row. A zero base is treated
// as one. The input is not modified.
func NormaliseWindows(windows [][][]float64) [][][]float64 {
	if len(windows) == 0 || len(windows[0]) == 0 {
		return NormaliseSelectedColumns(windows, nil)
	}
	all := make([]int, len(windows[0][0]))
	for i := range all {
		all[i] = i
	}
	return NormaliseSelectedColumns(windows, all)
}

// NormaliseSelectedColumns applies the NormaliseWindows rescaling to the
// column indices in cols only; other columns are copied unchanged.
func NormaliseSelectedColumns(windows [][][]float64, cols []int) [][][]float64 {
	selected := make(map[int]bool, len(cols))
	for _, c := range cols {
		selected[c] = true
	}
	out := make([][][]float64, len(windows))
	for wi, w := range windows {
		nw := copyWindow(w)
		if len(w) == 0 {
			out[wi] = nw
			continue
		}
		for c := range w[0] {
			if !selected[c] {
				continue
			}
			base := guardBase(w[0][c])
			for r := range w {
				nw[r][c] = w[r][c]/base - 1
			}
		}
		out[wi] = nw
	}
	return out
}

// Denormalise maps a normalised value back to the original scale of a window
// whose raw first value was base.
func Denormalise(pred, base float64) float64 {
	return guardBase(base) * (pred + 1)
}

// DenormaliseSeries applies Denormalise to every value with one base.
func DenormaliseSeries(preds []float64, base float64) []float64 {
	out := make([]float64, len(preds))
	for i, p := range preds {
		out[i] = Denormalise(p, base)
	}
	return out
}

func guardBase(w float64) float64 {
	if w == 0 {
		return 1
	}
	return w
}
