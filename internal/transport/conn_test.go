package transport

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/simfleet/simfleet/internal/codec"
)

func pipeConns(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return New(a), New(b)
}

func TestSendRecvValue(t *testing.T) {
	client, server := pipeConns(t)

	want := codec.Rec(codec.NewRecord().
		Set("system", codec.Str("pendulum")).
		Set("dt", codec.Float(0.01)))

	errCh := make(chan error, 1)
	go func() { errCh <- client.SendValue(want) }()

	got, err := server.RecvValue()
	if err != nil {
		t.Fatalf("recv failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("value corrupted in transit: got %v, want %v", got, want)
	}
}

func TestSendRecvLabeled(t *testing.T) {
	client, server := pipeConns(t)

	errCh := make(chan error, 1)
	go func() { errCh <- client.SendLabeled(LabelWorkerID, codec.Int(3)) }()

	label, v, err := server.RecvLabeled()
	if err != nil {
		t.Fatalf("recv failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if label != LabelWorkerID {
		t.Errorf("expected label %q, got %q", LabelWorkerID, label)
	}
	if v.Int() != 3 {
		t.Errorf("expected worker id 3, got %d", v.Int())
	}
}

func TestRecvLabeledRejectsNonStringLabel(t *testing.T) {
	client, server := pipeConns(t)

	go client.SendValue(codec.Int(1))

	if _, _, err := server.RecvLabeled(); err == nil {
		t.Error("expected error for non-string label frame")
	}
}

func TestCommandWithoutPayload(t *testing.T) {
	client, server := pipeConns(t)

	errCh := make(chan error, 1)
	go func() { errCh <- client.SendCommand(CmdExit, nil) }()

	cmd, payload, err := server.RecvCommand()
	if err != nil {
		t.Fatalf("recv failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if cmd != CmdExit {
		t.Errorf("expected exit, got %s", cmd)
	}
	if payload != nil {
		t.Errorf("expected nil payload, got %v", payload)
	}
}

func TestCommandWithPayload(t *testing.T) {
	client, server := pipeConns(t)

	want := codec.NewRecord().
		Set(KeyValid, codec.Bool(true)).
		Set(KeyFields, codec.Rec(codec.NewRecord().Set("time", codec.Float(1.5))))

	errCh := make(chan error, 1)
	go func() { errCh <- client.SendCommand(CmdStep, want) }()

	cmd, payload, err := server.RecvCommand()
	if err != nil {
		t.Fatalf("recv failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if cmd != CmdStep {
		t.Errorf("expected step, got %s", cmd)
	}
	if payload == nil || !payload.Equal(want) {
		t.Errorf("payload corrupted: got %v, want %v", payload, want)
	}
}

func TestRecvCommandRejectsUnknownCode(t *testing.T) {
	client, server := pipeConns(t)

	go client.SendFrame(codec.Frame{Tag: codec.TagCommand, Payload: []byte{0x7f, 0}})

	if _, _, err := server.RecvCommand(); !errors.Is(err, codec.ErrUnknownTag) {
		t.Errorf("expected ErrUnknownTag, got %v", err)
	}
}

func TestRecvCommandRejectsWrongTag(t *testing.T) {
	client, server := pipeConns(t)

	go client.SendValue(codec.Str("not a command"))

	if _, _, err := server.RecvCommand(); err == nil {
		t.Error("expected error for non-command frame")
	}
}

func TestSendCommandRejectsUnknownCode(t *testing.T) {
	client, _ := pipeConns(t)
	if err := client.SendCommand(Command(99), nil); err == nil {
		t.Error("expected error sending unknown command")
	}
}

func TestCommandStrings(t *testing.T) {
	cases := []struct {
		cmd  Command
		want string
	}{
		{CmdExit, "exit"},
		{CmdStep, "step"},
		{CmdSample, "sample"},
		{CmdPrediction, "prediction"},
		{CmdVisualization, "visualization"},
	}
	for _, tc := range cases {
		if got := tc.cmd.String(); got != tc.want {
			t.Errorf("expected %q, got %q", tc.want, got)
		}
	}
}

func TestDialRetryConnectsToLateListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	// Nothing listening yet; bring the listener up after a delay.
	ready := make(chan net.Listener, 1)
	go func() {
		time.Sleep(100 * time.Millisecond)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			close(ready)
			return
		}
		ready <- ln
	}()

	conn, err := DialRetry(addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial retry failed: %v", err)
	}
	conn.Close()
	if ln, ok := <-ready; ok {
		ln.Close()
	}
}
