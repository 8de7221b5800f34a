package envmgr

import (
	"errors"
	"testing"
	"time"

	"github.com/simfleet/simfleet/internal/codec"
	"github.com/simfleet/simfleet/internal/config"
	"github.com/simfleet/simfleet/internal/dataset"
	"github.com/simfleet/simfleet/internal/inference"
	"github.com/simfleet/simfleet/internal/sim"
	"github.com/simfleet/simfleet/internal/worker"
)

func testConfig(mode string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Mode = mode
	cfg.Address = "127.0.0.1"
	cfg.Port = 0
	cfg.Workers = 2
	cfg.BatchSize = 8
	cfg.Seed = 42
	cfg.WorkerTimeout = config.Duration(10 * time.Second)
	return cfg
}

type fakeProc struct {
	done   chan error
	killed bool
}

func (p *fakeProc) Wait() error { return <-p.done }
func (p *fakeProc) Kill() error { p.killed = true; return nil }

// goroutineSpawner runs workers inside the test process instead of
// spawning real ones.
type goroutineSpawner struct {
	procs []*fakeProc
}

func (s *goroutineSpawner) Spawn(id int, addr string) (Proc, error) {
	p := &fakeProc{done: make(chan error, 1)}
	s.procs = append(s.procs, p)
	go func() {
		p.done <- worker.New(id, addr, 5*time.Second, sim.FromRecord).Run()
	}()
	return p, nil
}

func TestLocalBatch(t *testing.T) {
	cfg := testConfig(config.ModeLocal)
	mgr, err := New(cfg, Options{})
	if err != nil {
		t.Fatalf("manager failed: %v", err)
	}

	batch, wrong, err := mgr.Batch(cfg.BatchSize)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if len(batch) != cfg.BatchSize {
		t.Errorf("expected %d samples, got %d", cfg.BatchSize, len(batch))
	}
	if wrong != 0 {
		t.Errorf("expected no invalid samples, got %d", wrong)
	}
	for i, fields := range batch {
		if _, ok := fields.Arr(sim.FieldInput); !ok {
			t.Errorf("sample %d has no input", i)
		}
		if _, ok := fields.Arr(sim.FieldOutput); !ok {
			t.Errorf("sample %d has no output", i)
		}
	}

	if err := mgr.Shutdown(); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}

func TestLocalBatchStoresSamples(t *testing.T) {
	baseDir := t.TempDir()
	cfg := testConfig(config.ModeLocal)
	ds, err := dataset.Create(baseDir, cfg.System)
	if err != nil {
		t.Fatalf("dataset failed: %v", err)
	}

	mgr, err := New(cfg, Options{Store: ds})
	if err != nil {
		t.Fatalf("manager failed: %v", err)
	}
	if _, _, err := mgr.Batch(cfg.BatchSize); err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if err := mgr.Shutdown(); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
	if err := ds.Close(); err != nil {
		t.Fatalf("dataset close failed: %v", err)
	}

	r, err := dataset.Open(baseDir, ds.ID())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer r.Close()
	if r.Meta().Samples != cfg.BatchSize {
		t.Errorf("expected %d stored samples, got %d", cfg.BatchSize, r.Meta().Samples)
	}
}

func TestLocalAbortsOnInvalidBound(t *testing.T) {
	cfg := testConfig(config.ModeLocal)
	cfg.MaxNorm = 1e-9
	cfg.MaxInvalidPerBatch = 3

	mgr, err := New(cfg, Options{})
	if err != nil {
		t.Fatalf("manager failed: %v", err)
	}
	defer mgr.Shutdown()

	_, wrong, err := mgr.Batch(cfg.BatchSize)
	if err == nil {
		t.Error("expected batch to abort under tiny norm bound")
	}
	if wrong != cfg.MaxInvalidPerBatch {
		t.Errorf("expected %d invalid samples reported, got %d", cfg.MaxInvalidPerBatch, wrong)
	}
}

func TestLocalPrediction(t *testing.T) {
	cfg := testConfig(config.ModeLocal)
	cfg.PredictStride = 1

	mgr, err := New(cfg, Options{Model: inference.Identity{}})
	if err != nil {
		t.Fatalf("manager failed: %v", err)
	}
	defer mgr.Shutdown()

	if _, _, err := mgr.Batch(cfg.BatchSize); err != nil {
		t.Fatalf("batch with predictions failed: %v", err)
	}
}

func TestFleetBatch(t *testing.T) {
	cfg := testConfig(config.ModeFleet)
	spawner := &goroutineSpawner{}

	mgr, err := New(cfg, Options{Spawner: spawner})
	if err != nil {
		t.Fatalf("manager failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		batch, _, err := mgr.Batch(cfg.BatchSize)
		if err != nil {
			t.Fatalf("batch %d failed: %v", i, err)
		}
		if len(batch) != cfg.BatchSize {
			t.Errorf("batch %d: expected %d samples, got %d", i, cfg.BatchSize, len(batch))
		}
	}

	if err := mgr.Shutdown(); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
	if len(spawner.procs) != cfg.Workers {
		t.Errorf("expected %d spawned workers, got %d", cfg.Workers, len(spawner.procs))
	}
}

func TestFleetReplay(t *testing.T) {
	baseDir := t.TempDir()
	cfg := testConfig(config.ModeLocal)

	ds, err := dataset.Create(baseDir, cfg.System)
	if err != nil {
		t.Fatalf("dataset failed: %v", err)
	}
	mgr, err := New(cfg, Options{Store: ds})
	if err != nil {
		t.Fatalf("manager failed: %v", err)
	}
	if _, _, err := mgr.Batch(cfg.BatchSize); err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	mgr.Shutdown()
	if err := ds.Close(); err != nil {
		t.Fatalf("dataset close failed: %v", err)
	}

	r, err := dataset.Open(baseDir, ds.ID())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer r.Close()

	fleetCfg := testConfig(config.ModeFleet)
	fleetMgr, err := New(fleetCfg, Options{Spawner: &goroutineSpawner{}})
	if err != nil {
		t.Fatalf("fleet manager failed: %v", err)
	}
	n, err := fleetMgr.Replay(r)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if n != cfg.BatchSize {
		t.Errorf("expected %d replayed samples, got %d", cfg.BatchSize, n)
	}
	if err := fleetMgr.Shutdown(); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}

type failingSpawner struct {
	inner goroutineSpawner
}

func (s *failingSpawner) Spawn(id int, addr string) (Proc, error) {
	if id > 0 {
		return nil, errors.New("spawn refused")
	}
	return s.inner.Spawn(id, addr)
}

func TestFleetSpawnFailureCleansUp(t *testing.T) {
	cfg := testConfig(config.ModeFleet)
	spawner := &failingSpawner{}

	if _, err := New(cfg, Options{Spawner: spawner}); err == nil {
		t.Fatal("expected spawn failure to surface")
	}
	if len(spawner.inner.procs) != 1 {
		t.Fatalf("expected 1 proc before failure, got %d", len(spawner.inner.procs))
	}
	if !spawner.inner.procs[0].killed {
		t.Error("expected surviving proc to be killed")
	}
}

func TestManagerCollaboratorCalls(t *testing.T) {
	cfg := testConfig(config.ModeLocal)
	mgr, err := New(cfg, Options{Model: inference.Identity{}})
	if err != nil {
		t.Fatalf("manager failed: %v", err)
	}
	defer mgr.Shutdown()

	in := codec.Arr(codec.Floats([]float64{1, 2}))
	out, err := mgr.Prediction(in)
	if err != nil {
		t.Fatalf("prediction failed: %v", err)
	}
	if !out.Equal(in) {
		t.Errorf("identity prediction changed input: %v", out)
	}

	// No renderer attached; pushes are dropped without error.
	if err := mgr.PushVisualization(0, codec.NewRecord()); err != nil {
		t.Errorf("visualization push failed: %v", err)
	}

	bare, err := New(testConfig(config.ModeLocal), Options{})
	if err != nil {
		t.Fatalf("manager failed: %v", err)
	}
	defer bare.Shutdown()
	if _, err := bare.Prediction(in); err == nil {
		t.Error("expected error with no model configured")
	}
}

func TestUnknownMode(t *testing.T) {
	cfg := testConfig("cluster")
	if _, err := New(cfg, Options{}); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestNewLeavesCallerConfigUntouched(t *testing.T) {
	cfg := testConfig(config.ModeLocal)
	cfg.PredictStride = 3

	// No model attached, so the manager disables prediction requests for
	// its own run without touching the caller's config.
	mgr, err := New(cfg, Options{})
	if err != nil {
		t.Fatalf("manager failed: %v", err)
	}
	defer mgr.Shutdown()

	if cfg.PredictStride != 3 {
		t.Errorf("caller's predict stride changed to %d", cfg.PredictStride)
	}
	if _, _, err := mgr.Batch(cfg.BatchSize); err != nil {
		t.Fatalf("batch failed: %v", err)
	}
}
