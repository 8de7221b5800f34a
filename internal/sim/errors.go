package sim

import "errors"

var (
	// ErrUnknownSystem indicates a system name outside the registry.
	ErrUnknownSystem = errors.New("sim: unknown system")

	// ErrUnknownParam indicates a parameter name a system does not expose.
	ErrUnknownParam = errors.New("sim: unknown parameter")

	// ErrParameterBounds indicates a parameter value outside its valid range.
	ErrParameterBounds = errors.New("sim: parameter out of valid bounds")

	// ErrNotInitialized indicates a Simulation operation before Init.
	ErrNotInitialized = errors.New("sim: simulation not initialized")

	// ErrBadSample indicates replay fields that do not match the system.
	ErrBadSample = errors.New("sim: sample fields do not match system")
)
