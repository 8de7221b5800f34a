package sim

import (
	"fmt"
	"sort"
)

var systems = map[string]func() System{
	"pendulum":     func() System { return NewPendulum() },
	"spring_chain": func() System { return NewSpringChain(4) },
}

// NewSystem builds a registered system by name.
func NewSystem(name string) (System, error) {
	fn, ok := systems[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSystem, name)
	}
	return fn(), nil
}

// Systems lists the registered system names.
func Systems() []string {
	names := make([]string, 0, len(systems))
	for name := range systems {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
