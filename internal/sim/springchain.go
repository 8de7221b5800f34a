package sim

import (
	"fmt"
	"math/rand"
)

const (
	defaultMass      = 1.0
	defaultStiffness = 10.0
	defaultDamping   = 0.2
)

// SpringChain is a chain of n masses coupled by springs, anchored at both
// ends. State is [pos_0..pos_n-1, vel_0..vel_n-1].
type SpringChain struct {
	NumMasses int
	Mass      float64
	Stiffness float64
	Damping   float64
}

func NewSpringChain(n int) *SpringChain {
	return &SpringChain{
		NumMasses: n,
		Mass:      defaultMass,
		Stiffness: defaultStiffness,
		Damping:   defaultDamping,
	}
}

func (s *SpringChain) StateDim() int { return s.NumMasses * 2 }

func (s *SpringChain) Derive(x State, t float64) State {
	n := s.NumMasses
	dx := make(State, n*2)

	for i := 0; i < n; i++ {
		dx[i] = x[n+i]
	}

	for i := 0; i < n; i++ {
		pos, vel := x[i], x[n+i]

		var forceLeft, forceRight float64
		if i == 0 {
			forceLeft = -s.Stiffness * pos
		} else {
			forceLeft = -s.Stiffness * (pos - x[i-1])
		}
		if i == n-1 {
			forceRight = -s.Stiffness * pos
		} else {
			forceRight = -s.Stiffness * (pos - x[i+1])
		}

		dx[n+i] = (forceLeft + forceRight - s.Damping*vel) / s.Mass
	}

	return dx
}

// InitialState displaces each mass by a small random offset.
func (s *SpringChain) InitialState(seed int64) State {
	rng := rand.New(rand.NewSource(seed))
	x := make(State, s.StateDim())
	for i := 0; i < s.NumMasses; i++ {
		x[i] = (rng.Float64()*2 - 1) * 0.5
	}
	return x
}

func (s *SpringChain) SetParam(name string, value float64) error {
	switch name {
	case "masses":
		n := int(value)
		if n < 1 {
			return fmt.Errorf("%w: masses %d", ErrParameterBounds, n)
		}
		s.NumMasses = n
	case "mass":
		s.Mass = value
	case "stiffness":
		s.Stiffness = value
	case "damping":
		s.Damping = value
	default:
		return fmt.Errorf("%w: %q", ErrUnknownParam, name)
	}
	return nil
}
