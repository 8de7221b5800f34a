package worker

import (
	"net"
	"testing"
	"time"

	"github.com/simfleet/simfleet/internal/codec"
	"github.com/simfleet/simfleet/internal/sim"
	"github.com/simfleet/simfleet/internal/transport"
)

type fakeSim struct {
	steps   int
	samples int
	sets    int
	closed  bool
	valid   bool
}

func (s *fakeSim) Init(params *codec.Record) (*codec.Record, error) {
	return codec.NewRecord().Set("state_dim", codec.Int(2)), nil
}

func (s *fakeSim) Step() error { s.steps++; return nil }

func (s *fakeSim) Sample() (*codec.Record, bool) {
	s.samples++
	return codec.NewRecord().Set("steps", codec.Int(int64(s.steps))), s.valid
}

func (s *fakeSim) SetSample(fields *codec.Record) error { s.sets++; return nil }

func (s *fakeSim) ApplyPrediction(pred codec.Value) error { return nil }

func (s *fakeSim) Close() error { s.closed = true; return nil }

// startWorker runs one worker against a scripted server side and completes
// the handshake with the given init record.
func startWorker(t *testing.T, fs *fakeSim, init *codec.Record) (*transport.Conn, chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	factory := func(params *codec.Record) (sim.Simulation, error) { return fs, nil }
	errs := make(chan error, 1)
	go func() {
		errs <- New(1, ln.Addr().String(), 5*time.Second, factory).Run()
	}()

	raw, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	conn := transport.New(raw)
	t.Cleanup(func() { conn.Close() })

	label, v, err := conn.RecvLabeled()
	if err != nil {
		t.Fatalf("announce failed: %v", err)
	}
	if label != transport.LabelWorkerID || v.Int() != 1 {
		t.Fatalf("expected worker_id 1, got %s=%v", label, v)
	}

	if init == nil {
		init = codec.NewRecord()
	}
	if err := conn.SendValue(codec.Rec(init)); err != nil {
		t.Fatalf("send init failed: %v", err)
	}
	label, v, err = conn.RecvLabeled()
	if err != nil {
		t.Fatalf("ready failed: %v", err)
	}
	if label != transport.LabelReady {
		t.Fatalf("expected ready label, got %q", label)
	}
	if dim, ok := v.Record().Int("state_dim"); !ok || dim != 2 {
		t.Fatalf("expected derived state_dim 2, got %v", v)
	}
	return conn, errs
}

func exitWorker(t *testing.T, conn *transport.Conn, errs chan error) {
	t.Helper()
	if err := conn.SendCommand(transport.CmdExit, nil); err != nil {
		t.Fatalf("send exit failed: %v", err)
	}
	cmd, _, err := conn.RecvCommand()
	if err != nil {
		t.Fatalf("exit confirm failed: %v", err)
	}
	if cmd != transport.CmdExit {
		t.Fatalf("expected exit confirmation, got %s", cmd)
	}
	select {
	case err := <-errs:
		if err != nil {
			t.Fatalf("worker returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
}

func TestWorkerStepReply(t *testing.T) {
	fs := &fakeSim{valid: true}
	conn, errs := startWorker(t, fs, nil)

	if err := conn.SendCommand(transport.CmdStep, nil); err != nil {
		t.Fatalf("send step failed: %v", err)
	}
	cmd, payload, err := conn.RecvCommand()
	if err != nil {
		t.Fatalf("step reply failed: %v", err)
	}
	if cmd != transport.CmdStep {
		t.Fatalf("expected step reply, got %s", cmd)
	}
	if valid, _ := payload.Bool(transport.KeyValid); !valid {
		t.Error("expected valid sample")
	}
	if _, ok := payload.Rec(transport.KeyFields); !ok {
		t.Error("expected fields in step reply")
	}

	exitWorker(t, conn, errs)
	if fs.steps != 1 || fs.samples != 1 {
		t.Errorf("expected 1 step and 1 sample, got %d and %d", fs.steps, fs.samples)
	}
	if !fs.closed {
		t.Error("shutdown hook not run")
	}
}

func TestWorkerHonorsSubsteps(t *testing.T) {
	fs := &fakeSim{valid: true}
	init := codec.NewRecord().Set(transport.KeySubsteps, codec.Int(3))
	conn, errs := startWorker(t, fs, init)

	if err := conn.SendCommand(transport.CmdStep, nil); err != nil {
		t.Fatalf("send step failed: %v", err)
	}
	if _, _, err := conn.RecvCommand(); err != nil {
		t.Fatalf("step reply failed: %v", err)
	}

	exitWorker(t, conn, errs)
	if fs.steps != 3 {
		t.Errorf("expected 3 sub-steps per step command, got %d", fs.steps)
	}
	if fs.samples != 1 {
		t.Errorf("expected a single sample, got %d", fs.samples)
	}
}

func TestWorkerReportsInvalidSample(t *testing.T) {
	fs := &fakeSim{valid: false}
	conn, errs := startWorker(t, fs, nil)

	if err := conn.SendCommand(transport.CmdStep, nil); err != nil {
		t.Fatalf("send step failed: %v", err)
	}
	_, payload, err := conn.RecvCommand()
	if err != nil {
		t.Fatalf("step reply failed: %v", err)
	}
	if valid, _ := payload.Bool(transport.KeyValid); valid {
		t.Error("expected invalid flag in reply")
	}

	exitWorker(t, conn, errs)
}

func TestWorkerInstallsSample(t *testing.T) {
	fs := &fakeSim{valid: true}
	conn, errs := startWorker(t, fs, nil)

	fields := codec.NewRecord().Set("input", codec.Arr(codec.Floats([]float64{1, 2})))
	if err := conn.SendCommand(transport.CmdSample, fields); err != nil {
		t.Fatalf("send sample failed: %v", err)
	}
	cmd, _, err := conn.RecvCommand()
	if err != nil {
		t.Fatalf("sample ack failed: %v", err)
	}
	if cmd != transport.CmdSample {
		t.Fatalf("expected sample ack, got %s", cmd)
	}

	exitWorker(t, conn, errs)
	if fs.sets != 1 {
		t.Errorf("expected 1 installed sample, got %d", fs.sets)
	}
}

func TestWorkerRejectsUnexpectedCommand(t *testing.T) {
	fs := &fakeSim{valid: true}
	conn, errs := startWorker(t, fs, nil)

	reply := codec.NewRecord().Set(transport.KeyOutput, codec.Int(1))
	if err := conn.SendCommand(transport.CmdPrediction, reply); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case err := <-errs:
		if err == nil {
			t.Error("expected worker to fail on unexpected prediction command")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
}

func TestWorkerDialFailure(t *testing.T) {
	factory := func(params *codec.Record) (sim.Simulation, error) { return &fakeSim{}, nil }
	w := New(0, "127.0.0.1:1", 200*time.Millisecond, factory)
	if err := w.Run(); err == nil {
		t.Error("expected dial error")
	}
}

func TestStateString(t *testing.T) {
	states := map[State]string{
		StateInit:       "init",
		StateReady:      "ready",
		StateAwaiting:   "awaiting",
		StateExecuting:  "executing",
		StateClosing:    "closing",
		StateTerminated: "terminated",
	}
	for s, want := range states {
		if s.String() != want {
			t.Errorf("expected %q, got %q", want, s.String())
		}
	}
}
