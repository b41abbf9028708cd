package model

import (
	"fmt"

	"github.com/openfluke/loom/nn"
)

// loom has no identity activation constant; values outside its enum pass
// through unchanged in both the forward and the derivative.
const activationLinear nn.ActivationType = -1

var activations = map[string]nn.ActivationType{
	"relu":       nn.ActivationScaledReLU,
	"leaky_relu": nn.ActivationLeakyReLU,
	"sigmoid":    nn.ActivationSigmoid,
	"tanh":       nn.ActivationTanh,
	"softplus":   nn.ActivationSoftplus,
	"linear":     activationLinear,
	"":           activationLinear,
}

func activationByName(name string) (nn.ActivationType, error) {
	act, ok := activations[name]
	if !ok {
		return 0, fmt.Errorf("%w: activation %q", ErrUnsupported, name)
	}
	return act, nil
}

// layerInfo describes one loom layer of a stage for summaries and weight
// restore.
type layerInfo struct {
	kind       string
	activation string
	in, out    int
	stage      *loomStage
	index      int
}

const (
	kindConv1D    = "conv1d"
	kindMaxPool1D = "max_pool1d"
	kindDropout   = "dropout"
	kindFlatten   = "flatten"
	kindDense     = "dense"
)

// stageBuilder collects consecutive loom layers until a local step forces
// a new stage.
type stageBuilder struct {
	inSize  int
	configs []nn.LayerConfig
	infos   []layerInfo
}

func (b *stageBuilder) empty() bool { return len(b.configs) == 0 }

func (b *stageBuilder) addConv1D(seqLen, channels, filters, kernel int) (int, error) {
	outLen := seqLen - kernel + 1
	if kernel <= 0 || outLen <= 0 {
		return 0, fmt.Errorf("%w: kernel %d over %d steps", ErrShapeMismatch, kernel, seqLen)
	}
	cfg := nn.InitConv1DLayer(seqLen, channels, kernel, 1, 0, filters, nn.ActivationScaledReLU)
	b.configs = append(b.configs, cfg)
	b.infos = append(b.infos, layerInfo{kind: kindConv1D, activation: "relu", in: seqLen * channels, out: outLen * filters})
	return outLen, nil
}

func (b *stageBuilder) addDense(in, out int, activation string) error {
	act, err := activationByName(activation)
	if err != nil {
		return err
	}
	if activation == "" {
		activation = "linear"
	}
	b.configs = append(b.configs, nn.InitDenseLayer(in, out, act))
	b.infos = append(b.infos, layerInfo{kind: kindDense, activation: activation, in: in, out: out})
	return nil
}

// finish turns the collected layers into a loom network.
func (b *stageBuilder) finish() *loomStage {
	net := nn.NewNetwork(b.inSize, 1, 1, len(b.configs))
	net.BatchSize = 1
	for i, cfg := range b.configs {
		net.SetLayer(0, 0, i, cfg)
	}
	s := &loomStage{net: net, layers: b.infos, inSize: b.inSize, outSize: b.infos[len(b.infos)-1].out}
	b.configs, b.infos = nil, nil
	return s
}

// loomStage is a run of loom layers trained and evaluated as one network.
type loomStage struct {
	net     *nn.Network
	layers  []layerInfo
	inSize  int
	outSize int
}

func (s *loomStage) forward(in []float32, _ bool) []float32 {
	out, _ := s.net.ForwardCPU(in)
	return out
}

func (s *loomStage) backward(grad []float32) []float32 {
	gradIn, _ := s.net.BackwardCPU(grad)
	return gradIn
}

func (s *loomStage) update(lr float32) { s.net.ApplyGradients(lr) }

func (s *loomStage) params() int {
	total := 0
	for i := range s.layers {
		l := s.net.GetLayer(0, 0, i)
		total += len(l.Kernel) + len(l.Bias)
	}
	return total
}

// trainEpoch runs one pass of loom's trainer over the samples.
func (s *loomStage) trainEpoch(x, y [][]float32, lr float32, loss string) error {
	batches := make([]nn.TrainingBatch, len(x))
	for i := range x {
		batches[i] = nn.TrainingBatch{Input: x[i], Target: y[i]}
	}
	_, err := s.net.Train(batches, &nn.TrainingConfig{
		Epochs:       1,
		LearningRate: lr,
		LossType:     loss,
		UseGPU:       false,
		Verbose:      false,
	})
	return err
}
