package envmgr

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/simfleet/simfleet/internal/codec"
	"github.com/simfleet/simfleet/internal/config"
	"github.com/simfleet/simfleet/internal/coordinator"
)

// Proc is one spawned worker as seen by the fleet executor.
type Proc interface {
	Wait() error
	Kill() error
}

// Spawner launches worker number id pointed at addr. Tests substitute
// in-process fakes; the default re-executes this binary with the hidden
// worker subcommand.
type Spawner interface {
	Spawn(id int, addr string) (Proc, error)
}

type execSpawner struct{}

type execProc struct{ cmd *exec.Cmd }

func (p *execProc) Wait() error { return p.cmd.Wait() }
func (p *execProc) Kill() error { return p.cmd.Process.Kill() }

func (execSpawner) Spawn(id int, addr string) (Proc, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(self, "worker",
		"--addr", addr,
		"--id", strconv.Itoa(id))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProc{cmd: cmd}, nil
}

// fleetExecutor runs the coordinator and owns the worker processes it
// spawned. Batches come off the wire; shutdown reaps every process.
type fleetExecutor struct {
	coord *coordinator.Coordinator
	procs []Proc
	log   *logrus.Entry
}

func newFleetExecutor(cfg *config.Config, opts Options) (*fleetExecutor, error) {
	var wrongSink func(*codec.Record) error
	if cfg.RecordInvalid && opts.Store != nil {
		wrongSink = opts.Store.StoreWrong
	}
	coord := coordinator.New(coordinator.Config{
		Addr:       cfg.Addr(),
		Workers:    cfg.Workers,
		Substeps:   cfg.SimulationsPerStep,
		MaxInvalid: cfg.MaxInvalidPerBatch,
		Timeout:    time.Duration(cfg.WorkerTimeout),
		Init:       func(id int) *codec.Record { return initRecord(cfg, id) },
		Model:      opts.Model,
		Renderer:   opts.Renderer,
		WrongSink:  wrongSink,
	})
	if err := coord.Listen(); err != nil {
		return nil, err
	}

	spawner := opts.Spawner
	if spawner == nil {
		spawner = execSpawner{}
	}
	e := &fleetExecutor{coord: coord, log: logrus.WithField("component", "fleet")}
	for id := 0; id < cfg.Workers; id++ {
		p, err := spawner.Spawn(id, coord.BoundAddr())
		if err != nil {
			e.kill()
			coord.Shutdown()
			return nil, fmt.Errorf("spawn worker %d: %w", id, err)
		}
		e.procs = append(e.procs, p)
	}
	e.log.WithField("workers", cfg.Workers).Info("workers spawned")

	if err := coord.Accept(); err != nil {
		e.kill()
		coord.Shutdown()
		return nil, err
	}
	return e, nil
}

func (e *fleetExecutor) Batch(n int) ([]*codec.Record, int, error) {
	return e.coord.FillBatch(n)
}

func (e *fleetExecutor) Dispatch(samples []*codec.Record) error {
	return e.coord.Dispatch(samples)
}

// Shutdown stops the fleet: exit broadcast, confirmations, then process
// reaping. A worker that exits uncleanly surfaces as an error but does not
// block reaping the rest.
func (e *fleetExecutor) Shutdown() error {
	err := e.coord.Shutdown()
	for i, p := range e.procs {
		if werr := p.Wait(); werr != nil && err == nil {
			err = fmt.Errorf("worker %d: %w", i, werr)
		}
	}
	e.log.WithField("reaped", len(e.procs)).Info("fleet shut down")
	return err
}

func (e *fleetExecutor) kill() {
	for _, p := range e.procs {
		p.Kill()
	}
}
