// Package worker implements the fleet's client endpoint: one process, one
// connection, one simulation. A worker never initiates work on its own; it
// executes commands from the coordinator and blocks waiting for the next
// one. The only worker-initiated traffic is a prediction request or a
// visualization push issued from inside a step.
package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/simfleet/simfleet/internal/codec"
	"github.com/simfleet/simfleet/internal/sim"
	"github.com/simfleet/simfleet/internal/transport"
)

// State tracks the endpoint lifecycle. Transitions are linear except for
// the command loop, which bounces between awaiting and executing.
type State int

const (
	StateInit State = iota
	StateReady
	StateAwaiting
	StateExecuting
	StateClosing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StateAwaiting:
		return "awaiting"
	case StateExecuting:
		return "executing"
	case StateClosing:
		return "closing"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Factory builds the simulation from the handshake init record.
type Factory func(params *codec.Record) (sim.Simulation, error)

type Worker struct {
	id      int
	addr    string
	timeout time.Duration
	factory Factory

	conn     *transport.Conn
	sim      sim.Simulation
	substeps int
	state    State
	log      *logrus.Entry
}

func New(id int, addr string, timeout time.Duration, factory Factory) *Worker {
	return &Worker{
		id:       id,
		addr:     addr,
		timeout:  timeout,
		substeps: 1,
		factory:  factory,
		log:      logrus.WithField("worker", id),
	}
}

func (w *Worker) setState(s State) {
	w.log.WithFields(logrus.Fields{"from": w.state, "to": s}).Debug("state transition")
	w.state = s
}

// Run connects, performs the handshake, then serves commands until an exit
// command or a fatal error. It returns nil only after a confirmed exit.
func (w *Worker) Run() error {
	conn, err := transport.DialRetry(w.addr, w.timeout)
	if err != nil {
		return err
	}
	w.conn = conn
	defer conn.Close()

	if err := w.handshake(); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	w.setState(StateReady)
	w.log.Info("handshake complete")

	return w.serve()
}

func (w *Worker) handshake() error {
	if err := w.conn.SendLabeled(transport.LabelWorkerID, codec.Int(int64(w.id))); err != nil {
		return err
	}

	v, err := w.conn.RecvValue()
	if err != nil {
		return err
	}
	if v.Kind() != codec.KindRecord {
		return fmt.Errorf("init message has kind %s, want record", v.Kind())
	}
	init := v.Record()
	if sub, ok := init.Int(transport.KeySubsteps); ok && sub > 0 {
		w.substeps = int(sub)
	}

	s, err := w.factory(init)
	if err != nil {
		return err
	}
	derived, err := s.Init(init)
	if err != nil {
		return err
	}
	w.sim = s
	if ra, ok := s.(sim.RequesterAware); ok {
		ra.SetRequester(w)
	}

	if derived == nil {
		derived = codec.NewRecord()
	}
	return w.conn.SendLabeled(transport.LabelReady, codec.Rec(derived))
}

func (w *Worker) serve() error {
	for {
		w.setState(StateAwaiting)
		cmd, payload, err := w.conn.RecvCommand()
		if err != nil {
			return fmt.Errorf("await command: %w", err)
		}
		w.setState(StateExecuting)

		switch cmd {
		case transport.CmdStep:
			if err := w.doStep(); err != nil {
				return err
			}
		case transport.CmdSample:
			if err := w.doSample(payload); err != nil {
				return err
			}
		case transport.CmdExit:
			return w.doExit()
		default:
			return fmt.Errorf("unexpected %s command from coordinator", cmd)
		}
	}
}

func (w *Worker) doStep() error {
	for i := 0; i < w.substeps; i++ {
		if err := w.sim.Step(); err != nil {
			return fmt.Errorf("step: %w", err)
		}
	}
	fields, valid := w.sim.Sample()
	if !valid {
		w.log.Warn("produced invalid sample")
	}
	reply := codec.NewRecord().
		Set(transport.KeyValid, codec.Bool(valid)).
		Set(transport.KeyFields, codec.Rec(fields))
	return w.conn.SendCommand(transport.CmdStep, reply)
}

func (w *Worker) doSample(payload *codec.Record) error {
	if payload == nil {
		return errors.New("sample command carries no payload")
	}
	if err := w.sim.SetSample(payload); err != nil {
		return fmt.Errorf("set sample: %w", err)
	}
	return w.conn.SendCommand(transport.CmdSample, nil)
}

func (w *Worker) doExit() error {
	w.setState(StateClosing)
	if err := w.sim.Close(); err != nil {
		w.log.WithError(err).Warn("shutdown hook failed")
	}
	if err := w.conn.SendCommand(transport.CmdExit, nil); err != nil {
		return err
	}
	w.setState(StateTerminated)
	w.log.Info("exit confirmed")
	return nil
}

// Prediction sends the input upstream and blocks until the coordinator
// replies. Legal only from inside a step handler; the coordinator services
// it before sending this worker anything else.
func (w *Worker) Prediction(input codec.Value) (codec.Value, error) {
	req := codec.NewRecord().Set(transport.KeyInput, input)
	if err := w.conn.SendCommand(transport.CmdPrediction, req); err != nil {
		return codec.Value{}, err
	}
	cmd, reply, err := w.conn.RecvCommand()
	if err != nil {
		return codec.Value{}, err
	}
	if cmd != transport.CmdPrediction || reply == nil {
		return codec.Value{}, fmt.Errorf("prediction reply was %s", cmd)
	}
	if msg, ok := reply.Str(transport.KeyError); ok {
		return codec.Value{}, fmt.Errorf("prediction refused: %s", msg)
	}
	out, ok := reply.Get(transport.KeyOutput)
	if !ok {
		return codec.Value{}, errors.New("prediction reply has no output")
	}
	return out, nil
}

// Visualization pushes display fields upstream. No reply is expected.
func (w *Worker) Visualization(fields *codec.Record) error {
	return w.conn.SendCommand(transport.CmdVisualization, fields)
}
