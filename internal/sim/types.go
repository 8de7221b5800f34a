package sim

import (
	"math"

	"github.com/simfleet/simfleet/internal/codec"
)

type State []float64

func (s State) Clone() State {
	c := make(State, len(s))
	copy(c, s)
	return c
}

func (s State) IsValid() bool {
	for _, v := range s {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (s State) Norm() float64 {
	sum := 0.0
	for _, v := range s {
		sum += v * v
	}
	return math.Sqrt(sum)
}

// System defines the differential equations governing a model's evolution.
type System interface {
	Derive(x State, t float64) State
	StateDim() int
	InitialState(seed int64) State
	SetParam(name string, value float64) error
}

// Requester is the channel a Simulation uses to reach the coordinator's
// collaborators mid-step: a synchronous network prediction, or a
// visualization push. Both are optional; implementations must tolerate a nil
// requester.
type Requester interface {
	Prediction(input codec.Value) (codec.Value, error)
	Visualization(fields *codec.Record) error
}

// Simulation is the contract a worker endpoint drives. One process owns
// exactly one instance; nothing here is safe for concurrent use.
type Simulation interface {
	// Init creates the live state from handshake parameters and may return
	// derived parameters for the coordinator.
	Init(params *codec.Record) (*codec.Record, error)

	// Step advances the system by one sub-step.
	Step() error

	// Sample returns the training fields produced by the steps since the
	// previous Sample call, tagged valid or invalid.
	Sample() (*codec.Record, bool)

	// SetSample installs externally supplied fields (replay from storage)
	// and recomputes derived fields.
	SetSample(fields *codec.Record) error

	// ApplyPrediction folds a network prediction back into the live state.
	ApplyPrediction(pred codec.Value) error

	// Close runs the shutdown hook.
	Close() error
}

// RequesterAware is implemented by simulations that issue prediction or
// visualization requests during Step.
type RequesterAware interface {
	SetRequester(r Requester)
}
