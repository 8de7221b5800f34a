package sim

import (
	"fmt"
	"math"
	"math/rand"
)

// Pendulum is a damped pendulum. State is [theta, omega].
type Pendulum struct {
	Mass    float64
	Length  float64
	Damping float64
	Gravity float64
}

func NewPendulum() *Pendulum {
	return &Pendulum{
		Mass:    1.0,
		Length:  1.0,
		Damping: 0.1,
		Gravity: 9.81,
	}
}

func (p *Pendulum) StateDim() int { return 2 }

func (p *Pendulum) Derive(x State, t float64) State {
	theta := x[0]
	omega := x[1]
	alpha := (-p.Damping*omega - p.Mass*p.Gravity*p.Length*math.Sin(theta)) / (p.Mass * p.Length * p.Length)
	return State{omega, alpha}
}

// InitialState draws a release angle in (-pi/2, pi/2) so every worker
// produces a distinct trajectory for its seed.
func (p *Pendulum) InitialState(seed int64) State {
	rng := rand.New(rand.NewSource(seed))
	theta := (rng.Float64()*2 - 1) * math.Pi / 2
	omega := (rng.Float64()*2 - 1) * 0.5
	return State{theta, omega}
}

func (p *Pendulum) Energy(x State) float64 {
	v := p.Length * x[1]
	ke := 0.5 * p.Mass * v * v
	pe := p.Mass * p.Gravity * p.Length * (1.0 - math.Cos(x[0]))
	return ke + pe
}

func (p *Pendulum) SetParam(name string, value float64) error {
	switch name {
	case "mass":
		p.Mass = value
	case "length":
		p.Length = value
	case "damping":
		p.Damping = value
	case "gravity":
		p.Gravity = value
	default:
		return fmt.Errorf("%w: %q", ErrUnknownParam, name)
	}
	return nil
}
