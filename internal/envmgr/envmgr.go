// Package envmgr owns the simulation side of a run. It hides whether
// samples come from one in-process simulation or from a fleet of worker
// processes behind a coordinator; callers ask it for batches and it
// delivers them, storing to the session dataset along the way.
package envmgr

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/simfleet/simfleet/internal/codec"
	"github.com/simfleet/simfleet/internal/config"
	"github.com/simfleet/simfleet/internal/coordinator"
	"github.com/simfleet/simfleet/internal/dataset"
	"github.com/simfleet/simfleet/internal/inference"
	"github.com/simfleet/simfleet/internal/sim"
	"github.com/simfleet/simfleet/internal/viz"
)

// executor is the closed set of sample producers. Exactly one backs a
// Manager: local or fleet, chosen by the run mode.
type executor interface {
	Batch(n int) ([]*codec.Record, int, error)
	Dispatch(samples []*codec.Record) error
	Shutdown() error
}

type Manager struct {
	cfg      *config.Config
	exec     executor
	ds       *dataset.Store
	model    inference.Model
	renderer viz.Renderer
	log      *logrus.Entry
}

// Options carries the collaborators a run wires in. Any field may be nil.
type Options struct {
	Model    inference.Model
	Renderer viz.Renderer
	Store    *dataset.Store
	Spawner  Spawner
}

// New builds the manager for the configured mode and brings its executor
// up: a local run constructs and initializes the simulation in process, a
// fleet run binds the coordinator, spawns the workers, and completes the
// handshake with each before returning.
func New(cfg *config.Config, opts Options) (*Manager, error) {
	// Work on a private copy; the caller's config stays untouched.
	own := *cfg
	cfg = &own
	m := &Manager{
		cfg:      cfg,
		ds:       opts.Store,
		model:    opts.Model,
		renderer: opts.Renderer,
		log:      logrus.WithField("component", "envmgr"),
	}
	if opts.Model == nil && cfg.PredictStride > 0 {
		m.log.Warn("no prediction model configured, disabling prediction requests")
		cfg.PredictStride = 0
	}
	var err error
	switch cfg.Mode {
	case config.ModeLocal:
		m.exec, err = newLocalExecutor(cfg, opts)
	case config.ModeFleet:
		m.exec, err = newFleetExecutor(cfg, opts)
	default:
		err = fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// initRecord builds the handshake parameters every simulation is
// constructed from. Each worker gets its id folded into the seed so the
// fleet explores distinct trajectories.
func initRecord(cfg *config.Config, workerID int) *codec.Record {
	params := codec.NewRecord()
	for name, v := range cfg.SystemParams {
		params.Set(name, codec.Float(v))
	}
	rec := codec.NewRecord().
		Set(sim.KeySystem, codec.Str(cfg.System)).
		Set(sim.KeyDt, codec.Float(cfg.Dt)).
		Set(sim.KeySeed, codec.Int(cfg.Seed+int64(workerID))).
		Set(sim.KeyParams, codec.Rec(params))
	if cfg.MaxNorm > 0 {
		rec.Set(sim.KeyMaxNorm, codec.Float(cfg.MaxNorm))
	}
	if cfg.PredictStride > 0 {
		rec.Set(sim.KeyPredictStride, codec.Int(int64(cfg.PredictStride)))
	}
	if cfg.VizStride > 0 {
		rec.Set(sim.KeyVizStride, codec.Int(int64(cfg.VizStride)))
	}
	return rec
}

// Batch produces n samples, records them to the session dataset when one
// is attached, and reports how many invalid samples the executors discarded
// while filling.
func (m *Manager) Batch(n int) ([]*codec.Record, int, error) {
	if n <= 0 {
		n = m.cfg.BatchSize
	}
	batch, invalid, err := m.exec.Batch(n)
	if err != nil {
		return nil, invalid, err
	}
	if m.ds != nil {
		for _, fields := range batch {
			if err := m.ds.Store(fields); err != nil {
				return nil, invalid, fmt.Errorf("store sample: %w", err)
			}
		}
	}
	return batch, invalid, nil
}

// Dispatch replays stored samples into the running simulations.
func (m *Manager) Dispatch(samples []*codec.Record) error {
	return m.exec.Dispatch(samples)
}

// Prediction asks the inference collaborator directly, outside any step.
func (m *Manager) Prediction(input codec.Value) (codec.Value, error) {
	if m.model == nil {
		return codec.Value{}, coordinator.ErrNoPredictor
	}
	return m.model.Predict(input)
}

// PushVisualization hands display fields to the visualizer.
func (m *Manager) PushVisualization(objectID int, fields *codec.Record) error {
	if m.renderer == nil {
		return nil
	}
	return m.renderer.Render(objectID, fields)
}

// Replay streams an existing session through the simulations, batch by
// batch, until the session is exhausted.
func (m *Manager) Replay(r *dataset.Reader) (int, error) {
	total := 0
	for {
		batch := make([]*codec.Record, 0, m.cfg.BatchSize)
		for len(batch) < m.cfg.BatchSize {
			fields, err := r.LoadNext()
			if errors.Is(err, dataset.ErrExhausted) {
				break
			}
			if err != nil {
				return total, err
			}
			batch = append(batch, fields)
		}
		if len(batch) == 0 {
			return total, nil
		}
		if err := m.exec.Dispatch(batch); err != nil {
			return total, err
		}
		total += len(batch)
		if len(batch) < m.cfg.BatchSize {
			return total, nil
		}
	}
}

// Shutdown stops the executor. For a fleet this broadcasts exit, collects
// every confirmation, and reaps the worker processes.
func (m *Manager) Shutdown() error {
	return m.exec.Shutdown()
}
