package models

// Layer types understood by the model builder.
const (
	LayerCNN     = "cnn"
	LayerDropout = "dropout"
	LayerDense   = "dense"
)

// LayerSpec describes one entry of the model's layer stack. Keys match the
// model section of the training config.
type LayerSpec struct {
	Type           string  `yaml:"type" json:"type" validate:"required,oneof=cnn dropout dense"`
	Neurons        int     `yaml:"neurons,omitempty" json:"neurons,omitempty" validate:"gte=0"`
	KernelSize     int     `yaml:"kernel_size,omitempty" json:"kernel_size,omitempty" validate:"gte=0"`
	Rate           float64 `yaml:"rate,omitempty" json:"rate,omitempty" validate:"gte=0,lt=1"`
	Activation     string  `yaml:"activation,omitempty" json:"activation,omitempty"`
	InputTimesteps int     `yaml:"input_timesteps,omitempty" json:"input_timesteps,omitempty" validate:"gte=0"`
	InputDim       int     `yaml:"input_dim,omitempty" json:"input_dim,omitempty" validate:"gte=0"`
}

// HasInputShape reports whether the spec names the network input shape.
func (l LayerSpec) HasInputShape() bool {
	return l.InputTimesteps > 0 && l.InputDim > 0
}
