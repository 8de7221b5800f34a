package sim

import (
	"fmt"

	"github.com/simfleet/simfleet/internal/codec"
)

// Init record fields understood by FromRecord. The coordinator builds this
// record during the handshake; every worker parses it through here.
const (
	KeySystem        = "system"
	KeyDt            = "dt"
	KeySeed          = "seed"
	KeyMaxNorm       = "max_norm"
	KeyParams        = "params"
	KeyPredictStride = "predict_stride"
	KeyVizStride     = "viz_stride"
)

// Sample record fields.
const (
	FieldInput  = "input"
	FieldOutput = "output"
	FieldTime   = "time"
	FieldEnergy = "energy"
)

const defaultMaxNorm = 1e3

// EnergyComputer is implemented by systems with a known Hamiltonian.
type EnergyComputer interface {
	Energy(x State) float64
}

// Dynamic drives one System with RK4 and produces (input, output) training
// pairs: the state at the previous sample point and the state now.
type Dynamic struct {
	sys     System
	integ   *RK4
	x, prev State
	t       float64
	dt      float64
	seed    int64
	maxNorm float64

	// Strides for worker-initiated traffic; zero disables.
	predictStride int
	vizStride     int

	requester Requester
	steps     int
	samples   int
}

// FromRecord builds a Simulation from a handshake init record. It is the
// default worker factory.
func FromRecord(params *codec.Record) (Simulation, error) {
	name, ok := params.Str(KeySystem)
	if !ok {
		return nil, fmt.Errorf("%w: init record has no %q field", ErrUnknownSystem, KeySystem)
	}
	sys, err := NewSystem(name)
	if err != nil {
		return nil, err
	}
	if sub, ok := params.Rec(KeyParams); ok {
		for _, f := range sub.Fields() {
			if f.Value.Kind() != codec.KindFloat {
				return nil, fmt.Errorf("%w: param %q has kind %s", ErrParameterBounds, f.Name, f.Value.Kind())
			}
			if err := sys.SetParam(f.Name, f.Value.Float()); err != nil {
				return nil, err
			}
		}
	}

	d := &Dynamic{
		sys:     sys,
		integ:   NewRK4(),
		dt:      0.01,
		maxNorm: defaultMaxNorm,
	}
	if dt, ok := params.Float(KeyDt); ok && dt > 0 {
		d.dt = dt
	}
	if seed, ok := params.Int(KeySeed); ok {
		d.seed = seed
	}
	if mn, ok := params.Float(KeyMaxNorm); ok {
		d.maxNorm = mn
	}
	if ps, ok := params.Int(KeyPredictStride); ok {
		d.predictStride = int(ps)
	}
	if vs, ok := params.Int(KeyVizStride); ok {
		d.vizStride = int(vs)
	}
	return d, nil
}

func (d *Dynamic) SetRequester(r Requester) { d.requester = r }

func (d *Dynamic) Init(params *codec.Record) (*codec.Record, error) {
	d.x = d.sys.InitialState(d.seed)
	d.prev = d.x.Clone()
	d.t = 0

	derived := codec.NewRecord().
		Set("state_dim", codec.Int(int64(d.sys.StateDim())))
	if ec, ok := d.sys.(EnergyComputer); ok {
		derived.Set(FieldEnergy, codec.Float(ec.Energy(d.x)))
	}
	return derived, nil
}

func (d *Dynamic) Step() error {
	if d.x == nil {
		return ErrNotInitialized
	}
	d.x = d.integ.Step(d.sys, d.x, d.t, d.dt)
	d.t += d.dt
	d.steps++

	if d.requester != nil && d.vizStride > 0 && d.steps%d.vizStride == 0 {
		if err := d.requester.Visualization(d.vizFields()); err != nil {
			return err
		}
	}
	if d.requester != nil && d.predictStride > 0 && d.steps%d.predictStride == 0 {
		pred, err := d.requester.Prediction(codec.Arr(codec.Floats(d.x.Clone())))
		if err != nil {
			return err
		}
		if err := d.ApplyPrediction(pred); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dynamic) Sample() (*codec.Record, bool) {
	valid := d.x.IsValid() && (d.maxNorm <= 0 || d.x.Norm() <= d.maxNorm)

	fields := codec.NewRecord().
		Set(FieldInput, codec.Arr(codec.Floats(d.prev.Clone()))).
		Set(FieldOutput, codec.Arr(codec.Floats(d.x.Clone()))).
		Set(FieldTime, codec.Float(d.t))
	if ec, ok := d.sys.(EnergyComputer); ok && valid {
		fields.Set(FieldEnergy, codec.Float(ec.Energy(d.x)))
	}

	d.samples++
	if valid {
		d.prev = d.x.Clone()
	} else {
		// Diverged state would stay invalid forever; restart the
		// trajectory from a fresh draw so the run can recover.
		d.x = d.sys.InitialState(d.seed + int64(d.samples))
		d.prev = d.x.Clone()
		d.t = 0
	}
	return fields, valid
}

func (d *Dynamic) SetSample(fields *codec.Record) error {
	in, ok := fields.Arr(FieldInput)
	if !ok || in.Elem != codec.ElemFloat64 {
		return fmt.Errorf("%w: missing float %q field", ErrBadSample, FieldInput)
	}
	if in.Len() != d.sys.StateDim() {
		return fmt.Errorf("%w: input has %d elements, system has %d", ErrBadSample, in.Len(), d.sys.StateDim())
	}
	d.prev = State(in.Float64s).Clone()
	if out, ok := fields.Arr(FieldOutput); ok && out.Len() == d.sys.StateDim() {
		d.x = State(out.Float64s).Clone()
	} else {
		// Derive the output field by integrating the installed input.
		d.x = d.prev.Clone()
		d.x = d.integ.Step(d.sys, d.x, d.t, d.dt)
	}
	if ts, ok := fields.Float(FieldTime); ok {
		d.t = ts
	}
	return nil
}

func (d *Dynamic) ApplyPrediction(pred codec.Value) error {
	if pred.Kind() != codec.KindArray || pred.Array().Elem != codec.ElemFloat64 {
		return fmt.Errorf("%w: prediction is not a float array", ErrBadSample)
	}
	a := pred.Array()
	if a.Len() != d.sys.StateDim() {
		return fmt.Errorf("%w: prediction has %d elements, system has %d", ErrBadSample, a.Len(), d.sys.StateDim())
	}
	d.x = State(a.Float64s).Clone()
	return nil
}

func (d *Dynamic) Close() error { return nil }

func (d *Dynamic) vizFields() *codec.Record {
	fields := codec.NewRecord().
		Set("state", codec.Arr(codec.Floats(d.x.Clone()))).
		Set(FieldTime, codec.Float(d.t))
	if ec, ok := d.sys.(EnergyComputer); ok {
		fields.Set(FieldEnergy, codec.Float(ec.Energy(d.x)))
	}
	return fields
}
