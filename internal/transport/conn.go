// Package transport wraps one live socket with atomic, typed send and
// receive operations: whole frames, labeled values, and commands with an
// optional payload.
//
// No operation is safe to call concurrently with itself on the same Conn.
// The layer above must keep a single-reader, single-writer discipline per
// connection; concurrent send and receive by two distinct goroutines is
// fine.
package transport

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/simfleet/simfleet/internal/codec"
)

// Conn wraps a live net.Conn. All operations block until the full message
// has moved; none ever exposes a partial frame.
type Conn struct {
	c net.Conn
	r *bufio.Reader
}

func New(c net.Conn) *Conn {
	return &Conn{c: c, r: bufio.NewReader(c)}
}

// Dial connects to a coordinator endpoint.
func Dial(addr string, timeout time.Duration) (*Conn, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(c), nil
}

// DialRetry keeps dialing until the deadline expires; workers may come up
// before the coordinator finishes binding.
func DialRetry(addr string, timeout time.Duration) (*Conn, error) {
	deadline := time.Now().Add(timeout)
	for {
		c, err := net.DialTimeout("tcp", addr, timeout)
		if err == nil {
			return New(c), nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (c *Conn) Close() error {
	return c.c.Close()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.c.RemoteAddr()
}

// SetReadDeadline bounds subsequent receives. The zero time clears the
// deadline.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.c.SetReadDeadline(t)
}

// SendFrame writes one complete frame.
func (c *Conn) SendFrame(f codec.Frame) error {
	return codec.WriteFrame(c.c, f)
}

// RecvFrame reads one complete frame; it never returns a partial one.
func (c *Conn) RecvFrame() (codec.Frame, error) {
	return codec.ReadFrame(c.r)
}

// SendValue encodes and sends a single value frame.
func (c *Conn) SendValue(v codec.Value) error {
	f, err := codec.Encode(v)
	if err != nil {
		return err
	}
	return c.SendFrame(f)
}

// RecvValue reads and decodes a single value frame.
func (c *Conn) RecvValue() (codec.Value, error) {
	f, err := c.RecvFrame()
	if err != nil {
		return codec.Value{}, err
	}
	return codec.Decode(f)
}

// SendLabeled sends a (label, value) pair as two consecutive frames.
func (c *Conn) SendLabeled(label string, v codec.Value) error {
	if err := c.SendValue(codec.Str(label)); err != nil {
		return err
	}
	return c.SendValue(v)
}

// RecvLabeled reads a (label, value) pair.
func (c *Conn) RecvLabeled() (string, codec.Value, error) {
	lv, err := c.RecvValue()
	if err != nil {
		return "", codec.Value{}, err
	}
	if lv.Kind() != codec.KindString {
		return "", codec.Value{}, fmt.Errorf("transport: label frame has kind %s, want string", lv.Kind())
	}
	v, err := c.RecvValue()
	if err != nil {
		return "", codec.Value{}, err
	}
	return lv.Str(), v, nil
}

// Command frame payload: the command code and a flag telling whether a
// record payload frame follows.
const (
	cmdFrameLen   = 2
	flagNoPayload = 0
	flagPayload   = 1
)

// SendCommand sends a one-byte command code frame, then the payload record
// as a second frame when non-nil.
func (c *Conn) SendCommand(cmd Command, payload *codec.Record) error {
	if !cmd.known() {
		return fmt.Errorf("transport: refusing to send %s", cmd)
	}
	flag := byte(flagNoPayload)
	if payload != nil {
		flag = flagPayload
	}
	if err := c.SendFrame(codec.Frame{Tag: codec.TagCommand, Payload: []byte{byte(cmd), flag}}); err != nil {
		return err
	}
	if payload == nil {
		return nil
	}
	return c.SendValue(codec.Rec(payload))
}

// RecvCommand reads a command and its optional payload. A frame that is not
// a well-formed command is a protocol violation; the caller must drop the
// connection.
func (c *Conn) RecvCommand() (Command, *codec.Record, error) {
	f, err := c.RecvFrame()
	if err != nil {
		return 0, nil, err
	}
	if f.Tag != codec.TagCommand {
		return 0, nil, fmt.Errorf("transport: frame tag 0x%02x where command expected: %w", f.Tag, codec.ErrUnknownTag)
	}
	if len(f.Payload) != cmdFrameLen {
		return 0, nil, fmt.Errorf("transport: command payload is %d bytes: %w", len(f.Payload), codec.ErrLengthMismatch)
	}
	cmd := Command(f.Payload[0])
	if !cmd.known() {
		return 0, nil, fmt.Errorf("transport: %s: %w", cmd, codec.ErrUnknownTag)
	}
	if f.Payload[1] == flagNoPayload {
		return cmd, nil, nil
	}
	v, err := c.RecvValue()
	if err != nil {
		return 0, nil, err
	}
	if v.Kind() != codec.KindRecord {
		return 0, nil, fmt.Errorf("transport: %s payload has kind %s, want record", cmd, v.Kind())
	}
	return cmd, v.Record(), nil
}
