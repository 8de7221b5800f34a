package envmgr

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/simfleet/simfleet/internal/codec"
	"github.com/simfleet/simfleet/internal/config"
	"github.com/simfleet/simfleet/internal/coordinator"
	"github.com/simfleet/simfleet/internal/inference"
	"github.com/simfleet/simfleet/internal/sim"
	"github.com/simfleet/simfleet/internal/viz"
)

// localExecutor runs a single simulation in process. Prediction and
// visualization requests short-circuit to the collaborators directly; the
// validity and invalid-count rules match the fleet path.
type localExecutor struct {
	cfg      *config.Config
	sim      sim.Simulation
	model    inference.Model
	renderer viz.Renderer
	log      *logrus.Entry
}

func newLocalExecutor(cfg *config.Config, opts Options) (*localExecutor, error) {
	init := initRecord(cfg, 0)
	s, err := sim.FromRecord(init)
	if err != nil {
		return nil, err
	}
	if _, err := s.Init(init); err != nil {
		return nil, err
	}
	e := &localExecutor{
		cfg:      cfg,
		sim:      s,
		model:    opts.Model,
		renderer: opts.Renderer,
		log:      logrus.WithField("component", "local"),
	}
	if ra, ok := s.(sim.RequesterAware); ok {
		ra.SetRequester(e)
	}
	return e, nil
}

func (e *localExecutor) Batch(n int) ([]*codec.Record, int, error) {
	batch := make([]*codec.Record, 0, n)
	invalid := 0
	for len(batch) < n {
		for i := 0; i < e.cfg.SimulationsPerStep; i++ {
			if err := e.sim.Step(); err != nil {
				return nil, invalid, err
			}
		}
		fields, valid := e.sim.Sample()
		if !valid {
			invalid++
			e.log.WithField("invalid", invalid).Warn("invalid sample")
			if e.cfg.MaxInvalidPerBatch > 0 && invalid >= e.cfg.MaxInvalidPerBatch {
				return nil, invalid, fmt.Errorf("%w: %d", coordinator.ErrTooManyInvalid, invalid)
			}
			continue
		}
		batch = append(batch, fields)
	}
	return batch, invalid, nil
}

func (e *localExecutor) Dispatch(samples []*codec.Record) error {
	for _, s := range samples {
		if err := e.sim.SetSample(s); err != nil {
			return err
		}
	}
	return nil
}

func (e *localExecutor) Shutdown() error {
	return e.sim.Close()
}

func (e *localExecutor) Prediction(input codec.Value) (codec.Value, error) {
	if e.model == nil {
		return codec.Value{}, coordinator.ErrNoPredictor
	}
	return e.model.Predict(input)
}

func (e *localExecutor) Visualization(fields *codec.Record) error {
	if e.renderer == nil {
		return nil
	}
	return e.renderer.Render(0, fields)
}
