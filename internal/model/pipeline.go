package model

import (
	"math/rand"
)

// step is one stage of the forward pipeline. Activations between steps are
// flat and channel-major: [channel][time].
type step interface {
	forward(in []float32, train bool) []float32
	backward(grad []float32) []float32
	update(lr float32)
}

// maxPool takes the maximum over non-overlapping windows of size along the
// time axis of every channel. A trailing partial window is dropped.
type maxPool struct {
	channels int
	length   int
	size     int
	argmax   []int
}

func (p *maxPool) outLen() int { return p.length / p.size }

func (p *maxPool) forward(in []float32, train bool) []float32 {
	outLen := p.outLen()
	out := make([]float32, p.channels*outLen)
	if train {
		p.argmax = make([]int, len(out))
	}
	for c := 0; c < p.channels; c++ {
		for t := 0; t < outLen; t++ {
			base := c*p.length + t*p.size
			best := base
			for k := 1; k < p.size; k++ {
				if in[base+k] > in[best] {
					best = base + k
				}
			}
			out[c*outLen+t] = in[best]
			if train {
				p.argmax[c*outLen+t] = best
			}
		}
	}
	return out
}

func (p *maxPool) backward(grad []float32) []float32 {
	gradIn := make([]float32, p.channels*p.length)
	for i, g := range grad {
		gradIn[p.argmax[i]] += g
	}
	return gradIn
}

func (p *maxPool) update(float32) {}

// dropout zeroes a fraction of activations while training and rescales the
// rest. Inference is the identity.
type dropout struct {
	rate float64
	rng  *rand.Rand
	mask []float32
}

func (d *dropout) forward(in []float32, train bool) []float32 {
	if !train || d.rate <= 0 {
		d.mask = nil
		return in
	}
	keep := float32(1 / (1 - d.rate))
	d.mask = make([]float32, len(in))
	out := make([]float32, len(in))
	for i, v := range in {
		if d.rng.Float64() >= d.rate {
			d.mask[i] = keep
			out[i] = v * keep
		}
	}
	return out
}

func (d *dropout) backward(grad []float32) []float32 {
	if d.mask == nil {
		return grad
	}
	out := make([]float32, len(grad))
	for i, g := range grad {
		out[i] = g * d.mask[i]
	}
	return out
}

func (d *dropout) update(float32) {}

// channelMajor flattens a [time][feature] window into [feature][time].
func channelMajor(window [][]float64) []float32 {
	if len(window) == 0 {
		return nil
	}
	steps, features := len(window), len(window[0])
	out := make([]float32, steps*features)
	for t, row := range window {
		for f, v := range row {
			out[f*steps+t] = float32(v)
		}
	}
	return out
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
