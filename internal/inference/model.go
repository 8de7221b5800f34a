// Package inference defines the narrow contract the coordinator calls on
// prediction requests. Model training and architecture live outside this
// repository; a run without a model is a valid data-generation-only run.
package inference

import (
	"errors"
	"fmt"

	"github.com/simfleet/simfleet/internal/codec"
)

// ErrUnknownModel indicates a model name New does not recognize.
var ErrUnknownModel = errors.New("inference: unknown model")

// Model answers synchronous prediction requests.
type Model interface {
	Predict(input codec.Value) (codec.Value, error)
}

// New builds a model by name; "none" yields nil, the explicit
// no-inference-collaborator configuration.
func New(name string) (Model, error) {
	switch name {
	case "none", "":
		return nil, nil
	case "identity":
		return Identity{}, nil
	case "linear":
		return &Linear{Scale: 1, Bias: 0}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
}

// Identity returns its input unchanged. Useful for wiring checks.
type Identity struct{}

func (Identity) Predict(input codec.Value) (codec.Value, error) {
	return input, nil
}

// Linear applies y = scale*x + bias elementwise to float arrays.
type Linear struct {
	Scale float64
	Bias  float64
}

func (m *Linear) Predict(input codec.Value) (codec.Value, error) {
	if input.Kind() != codec.KindArray || input.Array().Elem != codec.ElemFloat64 {
		return codec.Value{}, fmt.Errorf("inference: linear model wants a float array, got %s", input.Kind())
	}
	in := input.Array()
	out := &codec.Array{
		Elem:     codec.ElemFloat64,
		Shape:    append([]int(nil), in.Shape...),
		Float64s: make([]float64, len(in.Float64s)),
	}
	for i, v := range in.Float64s {
		out.Float64s[i] = m.Scale*v + m.Bias
	}
	return codec.Arr(out), nil
}
