// Package coordinator implements the fleet's server endpoint. It accepts a
// fixed number of worker connections, hands each its init parameters, then
// drives batch production: step commands fan out, sample replies fan in,
// and worker-initiated prediction and visualization requests are serviced
// in between.
//
// Concurrency model: one reader goroutine per connection feeds a single
// events channel; the dispatch loop is the only goroutine that writes to
// connections or mutates worker bookkeeping. A worker never has more than
// one outstanding command.
package coordinator

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/simfleet/simfleet/internal/codec"
	"github.com/simfleet/simfleet/internal/inference"
	"github.com/simfleet/simfleet/internal/transport"
	"github.com/simfleet/simfleet/internal/viz"
)

type Config struct {
	Addr     string
	Workers  int
	Substeps int

	// MaxInvalid bounds invalid samples tolerated per batch; reaching it
	// aborts the run.
	MaxInvalid int

	// Timeout bounds each wait for worker traffic; zero waits forever.
	Timeout time.Duration

	// Init builds the handshake record for one worker. Substeps is added
	// on top of whatever it returns.
	Init func(workerID int) *codec.Record

	// Model services worker prediction requests; nil refuses them.
	Model inference.Model

	// Renderer receives worker visualization pushes; nil drops them.
	Renderer viz.Renderer

	// WrongSink receives invalid sample fields when set.
	WrongSink func(fields *codec.Record) error
}

// connHandle is the dispatch loop's private view of one worker. Only the
// dispatch loop touches it after the reader goroutine starts.
type connHandle struct {
	id          int
	conn        *transport.Conn
	derived     *codec.Record
	outstanding transport.Command // 0 when idle
}

type event struct {
	worker  int
	cmd     transport.Command
	payload *codec.Record
	err     error
}

type Coordinator struct {
	cfg     Config
	ln      net.Listener
	workers map[int]*connHandle
	events  chan event
	running bool
	log     *logrus.Entry
}

func New(cfg Config) *Coordinator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Substeps < 1 {
		cfg.Substeps = 1
	}
	return &Coordinator{
		cfg:     cfg,
		workers: make(map[int]*connHandle, cfg.Workers),
		// Buffered so reader goroutines can emit their final error event
		// after shutdown without anyone left receiving.
		events: make(chan event, 4*cfg.Workers),
		log:    logrus.WithField("component", "coordinator"),
	}
}

// Listen binds the accept socket. Addr with port 0 picks a free port;
// BoundAddr reports the result.
func (c *Coordinator) Listen() error {
	ln, err := net.Listen("tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.cfg.Addr, err)
	}
	c.ln = ln
	return nil
}

func (c *Coordinator) BoundAddr() string {
	if c.ln == nil {
		return c.cfg.Addr
	}
	return c.ln.Addr().String()
}

// Accept waits for exactly the configured number of workers, runs the
// handshake with each, then starts the reader goroutines. On return every
// worker is idle and initialized.
func (c *Coordinator) Accept() error {
	if c.ln == nil {
		if err := c.Listen(); err != nil {
			return err
		}
	}
	type deadliner interface{ SetDeadline(time.Time) error }
	if c.cfg.Timeout > 0 {
		if d, ok := c.ln.(deadliner); ok {
			d.SetDeadline(time.Now().Add(c.cfg.Timeout))
		}
	}

	for len(c.workers) < c.cfg.Workers {
		raw, err := c.ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		conn := transport.New(raw)
		label, v, err := conn.RecvLabeled()
		if err != nil {
			conn.Close()
			return fmt.Errorf("worker announce: %w", err)
		}
		if label != transport.LabelWorkerID || v.Kind() != codec.KindInt {
			conn.Close()
			return fmt.Errorf("worker announce: got label %q kind %s", label, v.Kind())
		}
		id := int(v.Int())
		if _, taken := c.workers[id]; taken {
			conn.Close()
			return fmt.Errorf("%w: %d", ErrDuplicateWorker, id)
		}
		c.workers[id] = &connHandle{id: id, conn: conn}
		c.log.WithFields(logrus.Fields{"worker": id, "addr": conn.RemoteAddr()}).Info("worker connected")
	}

	for _, h := range c.workers {
		if err := c.handshake(h); err != nil {
			return fmt.Errorf("worker %d: %w", h.id, err)
		}
	}
	for _, h := range c.workers {
		go c.readLoop(h)
	}
	c.running = true
	c.log.WithField("workers", len(c.workers)).Info("fleet ready")
	return nil
}

func (c *Coordinator) handshake(h *connHandle) error {
	init := codec.NewRecord()
	if c.cfg.Init != nil {
		if r := c.cfg.Init(h.id); r != nil {
			init = r
		}
	}
	init.Set(transport.KeySubsteps, codec.Int(int64(c.cfg.Substeps)))
	if err := h.conn.SendValue(codec.Rec(init)); err != nil {
		return err
	}

	label, v, err := h.conn.RecvLabeled()
	if err != nil {
		return err
	}
	if label != transport.LabelReady || v.Kind() != codec.KindRecord {
		return fmt.Errorf("handshake reply: label %q kind %s", label, v.Kind())
	}
	h.derived = v.Record()
	return nil
}

// ReceivedParams returns the derived parameters each worker reported during
// its handshake, keyed by worker id.
func (c *Coordinator) ReceivedParams() map[int]*codec.Record {
	out := make(map[int]*codec.Record, len(c.workers))
	for id, h := range c.workers {
		out[id] = h.derived
	}
	return out
}

// readLoop is the sole reader of one connection. It forwards everything,
// including the terminal error, to the events channel and exits.
func (c *Coordinator) readLoop(h *connHandle) {
	for {
		cmd, payload, err := h.conn.RecvCommand()
		if err != nil {
			c.events <- event{worker: h.id, err: err}
			return
		}
		c.events <- event{worker: h.id, cmd: cmd, payload: payload}
	}
}

func (c *Coordinator) nextEvent() (event, error) {
	if c.cfg.Timeout <= 0 {
		return <-c.events, nil
	}
	select {
	case ev := <-c.events:
		return ev, nil
	case <-time.After(c.cfg.Timeout):
		return event{}, ErrTimeout
	}
}

// FillBatch produces exactly n samples and reports how many invalid
// replies it discarded along the way. It keeps every worker busy while
// samples are still owed, counts invalid replies against the batch bound,
// and services prediction and visualization requests inline.
func (c *Coordinator) FillBatch(n int) ([]*codec.Record, int, error) {
	batch := make([]*codec.Record, 0, n)
	invalid := 0

	if err := c.dispatchSteps(len(batch), n); err != nil {
		return nil, invalid, err
	}
	for len(batch) < n || c.outstanding() > 0 {
		ev, err := c.nextEvent()
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				return nil, invalid, fmt.Errorf("%w: workers still busy: %v", err, c.busyWorkers())
			}
			return nil, invalid, err
		}
		if ev.err != nil {
			return nil, invalid, fmt.Errorf("%w: worker %d: %v", ErrWorkerLost, ev.worker, ev.err)
		}
		h := c.workers[ev.worker]

		switch ev.cmd {
		case transport.CmdStep:
			h.outstanding = 0
			if ev.payload == nil {
				return nil, invalid, fmt.Errorf("%w: worker %d: step reply has no payload", ErrWorkerLost, ev.worker)
			}
			valid, _ := ev.payload.Bool(transport.KeyValid)
			fields, ok := ev.payload.Rec(transport.KeyFields)
			if !ok {
				return nil, invalid, fmt.Errorf("%w: worker %d: step reply has no fields", ErrWorkerLost, ev.worker)
			}
			if valid {
				batch = append(batch, fields)
			} else {
				invalid++
				c.log.WithFields(logrus.Fields{"worker": ev.worker, "invalid": invalid}).Warn("invalid sample")
				if c.cfg.WrongSink != nil {
					if err := c.cfg.WrongSink(fields); err != nil {
						return nil, invalid, err
					}
				}
				if c.cfg.MaxInvalid > 0 && invalid >= c.cfg.MaxInvalid {
					return nil, invalid, fmt.Errorf("%w: %d", ErrTooManyInvalid, invalid)
				}
			}
			if err := c.dispatchSteps(len(batch), n); err != nil {
				return nil, invalid, err
			}

		case transport.CmdPrediction:
			if err := c.servePrediction(h, ev.payload); err != nil {
				return nil, invalid, err
			}

		case transport.CmdVisualization:
			if c.cfg.Renderer != nil && ev.payload != nil {
				if err := c.cfg.Renderer.Render(ev.worker, ev.payload); err != nil {
					c.log.WithError(err).Warn("render failed")
				}
			}

		default:
			return nil, invalid, fmt.Errorf("%w: worker %d sent %s", ErrWorkerLost, ev.worker, ev.cmd)
		}
	}
	return batch, invalid, nil
}

// dispatchSteps issues step commands to idle workers while the batch still
// owes more samples than are already in flight.
func (c *Coordinator) dispatchSteps(appended, n int) error {
	for _, h := range c.workers {
		if appended+c.outstanding() >= n {
			return nil
		}
		if h.outstanding != 0 {
			continue
		}
		if err := h.conn.SendCommand(transport.CmdStep, nil); err != nil {
			return fmt.Errorf("%w: worker %d: %v", ErrWorkerLost, h.id, err)
		}
		h.outstanding = transport.CmdStep
	}
	return nil
}

func (c *Coordinator) outstanding() int {
	n := 0
	for _, h := range c.workers {
		if h.outstanding != 0 {
			n++
		}
	}
	return n
}

func (c *Coordinator) busyWorkers() []int {
	var ids []int
	for _, h := range c.workers {
		if h.outstanding != 0 {
			ids = append(ids, h.id)
		}
	}
	sort.Ints(ids)
	return ids
}

// servePrediction answers a worker's mid-step prediction request. The
// worker stays marked busy; the reply unblocks its step.
func (c *Coordinator) servePrediction(h *connHandle, req *codec.Record) error {
	reply := codec.NewRecord()
	var input codec.Value
	var ok bool
	if req != nil {
		input, ok = req.Get(transport.KeyInput)
	}
	switch {
	case !ok:
		reply.Set(transport.KeyError, codec.Str("prediction request has no input"))
	case c.cfg.Model == nil:
		reply.Set(transport.KeyError, codec.Str(ErrNoPredictor.Error()))
	default:
		out, err := c.cfg.Model.Predict(input)
		if err != nil {
			reply.Set(transport.KeyError, codec.Str(err.Error()))
		} else {
			reply.Set(transport.KeyOutput, out)
		}
	}
	if err := h.conn.SendCommand(transport.CmdPrediction, reply); err != nil {
		return fmt.Errorf("%w: worker %d: %v", ErrWorkerLost, h.id, err)
	}
	return nil
}

// Dispatch replays stored samples to the fleet round-robin: each worker
// installs its sample and acknowledges before the next send to that worker.
func (c *Coordinator) Dispatch(samples []*codec.Record) error {
	ids := c.workerIDs()
	for i, s := range samples {
		h := c.workers[ids[i%len(ids)]]
		if err := h.conn.SendCommand(transport.CmdSample, s); err != nil {
			return fmt.Errorf("%w: worker %d: %v", ErrWorkerLost, h.id, err)
		}
		for {
			ev, err := c.nextEvent()
			if err != nil {
				return err
			}
			if ev.err != nil {
				return fmt.Errorf("%w: worker %d: %v", ErrWorkerLost, ev.worker, ev.err)
			}
			if ev.cmd == transport.CmdSample && ev.worker == h.id {
				break
			}
			if ev.cmd == transport.CmdVisualization {
				continue
			}
			return fmt.Errorf("%w: worker %d sent %s during replay", ErrWorkerLost, ev.worker, ev.cmd)
		}
	}
	return nil
}

func (c *Coordinator) workerIDs() []int {
	ids := make([]int, 0, len(c.workers))
	for id := range c.workers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Shutdown broadcasts exit, waits for every worker's confirmation, then
// tears the sockets down. Safe to call with no workers connected.
func (c *Coordinator) Shutdown() error {
	var firstErr error
	pending := make(map[int]bool, len(c.workers))
	for id, h := range c.workers {
		if err := h.conn.SendCommand(transport.CmdExit, nil); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		pending[id] = true
	}
	// Confirmations only flow once the reader goroutines exist.
	if !c.running {
		pending = nil
	}

	for len(pending) > 0 {
		ev, err := c.nextEvent()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			break
		}
		if ev.err != nil {
			// An EOF from a worker that already confirmed its exit is the
			// expected teardown; only a still-pending worker is a lost peer.
			if !pending[ev.worker] {
				continue
			}
			delete(pending, ev.worker)
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: worker %d: %v", ErrWorkerLost, ev.worker, ev.err)
			}
			continue
		}
		if ev.cmd == transport.CmdExit {
			delete(pending, ev.worker)
			c.log.WithField("worker", ev.worker).Debug("exit confirmed")
		}
	}

	for _, h := range c.workers {
		h.conn.Close()
	}
	if c.ln != nil {
		c.ln.Close()
	}
	c.log.Info("fleet stopped")
	return firstErr
}
