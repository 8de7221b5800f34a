package transport

import "fmt"

// Command is the closed set of protocol commands. Anything outside this
// enumeration on the wire is a protocol violation and fatal to the
// connection.
type Command byte

const (
	CmdExit Command = iota + 1
	CmdStep
	CmdSample
	CmdPrediction
	CmdVisualization
)

func (c Command) String() string {
	switch c {
	case CmdExit:
		return "exit"
	case CmdStep:
		return "step"
	case CmdSample:
		return "sample"
	case CmdPrediction:
		return "prediction"
	case CmdVisualization:
		return "visualization"
	default:
		return fmt.Sprintf("command(0x%02x)", byte(c))
	}
}

func (c Command) known() bool {
	return c >= CmdExit && c <= CmdVisualization
}

// Well-known labels and record field names used across the protocol.
const (
	// LabelWorkerID is the first labeled message a worker sends after
	// connecting.
	LabelWorkerID = "worker_id"

	// LabelReady carries the worker's derived parameters back to the
	// coordinator at the end of the handshake.
	LabelReady = "ready"

	// KeySubsteps is the handshake init record field telling a worker how
	// many sub-steps one Step command covers. The rest of the init record
	// is opaque to the transport.
	KeySubsteps = "substeps"

	// Step reply envelope fields.
	KeyValid  = "valid"
	KeyFields = "fields"

	// Prediction request/reply fields.
	KeyInput  = "input"
	KeyOutput = "output"
	KeyError  = "error"
)
