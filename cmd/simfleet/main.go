package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/simfleet/simfleet/internal/config"
	"github.com/simfleet/simfleet/internal/dataset"
	"github.com/simfleet/simfleet/internal/envmgr"
	"github.com/simfleet/simfleet/internal/inference"
	"github.com/simfleet/simfleet/internal/sim"
	"github.com/simfleet/simfleet/internal/tui"
	"github.com/simfleet/simfleet/internal/viz"
	"github.com/simfleet/simfleet/internal/worker"
)

var (
	configFile string
	dataDir    string
	verbose    bool

	mode      string
	system    string
	workers   int
	batchSize int
	batches   int
	modelName string
	noStore   bool
	live      bool
	showViz   bool
	vizField  string

	// worker subcommand
	workerAddr string
	workerID   int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "simfleet",
		Short: "distributed sample generation for physical simulations",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "data directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "generate training samples",
		RunE:  runGenerate,
	}
	generateCmd.Flags().StringVar(&mode, "mode", "", "local or fleet")
	generateCmd.Flags().StringVar(&system, "system", "", "system to simulate")
	generateCmd.Flags().IntVar(&workers, "workers", 0, "fleet size")
	generateCmd.Flags().IntVar(&batchSize, "batch-size", 0, "samples per batch")
	generateCmd.Flags().IntVar(&batches, "batches", 10, "number of batches")
	generateCmd.Flags().StringVar(&modelName, "model", "none", "prediction model (none, identity, linear)")
	generateCmd.Flags().BoolVar(&noStore, "no-store", false, "skip dataset recording")
	generateCmd.Flags().BoolVar(&live, "live", false, "live progress monitor")
	generateCmd.Flags().BoolVar(&showViz, "viz", false, "render worker visualization pushes")
	generateCmd.Flags().StringVar(&vizField, "viz-field", sim.FieldEnergy, "field to plot")

	workerCmd := &cobra.Command{
		Use:    "worker",
		Short:  "run one fleet worker",
		Hidden: true,
		RunE:   runWorker,
	}
	workerCmd.Flags().StringVar(&workerAddr, "addr", "localhost:10000", "coordinator address")
	workerCmd.Flags().IntVar(&workerID, "id", 0, "worker id")

	replayCmd := &cobra.Command{
		Use:   "replay [session_id]",
		Short: "replay a stored session through the simulations",
		Args:  cobra.ExactArgs(1),
		RunE:  runReplay,
	}
	replayCmd.Flags().StringVar(&mode, "mode", "", "local or fleet")
	replayCmd.Flags().IntVar(&workers, "workers", 0, "fleet size")

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "list stored sessions",
		RunE:  listSessions,
	}

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "write a default config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "simfleet.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.Save(path, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}

	rootCmd.AddCommand(generateCmd, workerCmd, replayCmd, sessionsCmd, initCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	config.LoadEnv()
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("mode") {
		cfg.Mode = mode
	}
	if cmd.Flags().Changed("system") {
		cfg.System = system
	}
	if cmd.Flags().Changed("workers") {
		cfg.Workers = workers
	}
	if cmd.Flags().Changed("batch-size") {
		cfg.BatchSize = batchSize
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, cfg.Validate()
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var ds *dataset.Store
	if !noStore {
		ds, err = dataset.Create(cfg.DataDir, cfg.System)
		if err != nil {
			return err
		}
		defer ds.Close()
	}

	model, err := inference.New(modelName)
	if err != nil {
		return err
	}
	var renderer viz.Renderer
	if showViz {
		renderer = viz.NewTerminal(os.Stdout, vizField, 10)
	}

	mgr, err := envmgr.New(cfg, envmgr.Options{
		Model:    model,
		Renderer: renderer,
		Store:    ds,
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var last tui.Stats
	var genErr error
	if live {
		statsCh := make(chan tui.Stats, 8)
		go func() {
			genErr = generateLoop(mgr, cfg, sigCh, func(s tui.Stats) {
				last = s
				statsCh <- s
			})
			close(statsCh)
		}()
		if err := tui.Run(statsCh); err != nil {
			return err
		}
	} else {
		genErr = generateLoop(mgr, cfg, sigCh, func(s tui.Stats) {
			last = s
			logrus.WithFields(logrus.Fields{
				"batch":   fmt.Sprintf("%d/%d", s.Batch, s.Batches),
				"samples": s.Samples,
				"rate":    fmt.Sprintf("%.1f/s", s.Rate),
			}).Info("batch complete")
		})
	}

	if err := mgr.Shutdown(); err != nil {
		logrus.WithError(err).Warn("shutdown")
	}
	if genErr != nil {
		return genErr
	}
	if ds != nil {
		fmt.Printf("session %s: %d samples in %d batches stored in %s\n",
			ds.ID(), last.Samples, last.Batch, ds.Dir())
	}
	return nil
}

func generateLoop(mgr *envmgr.Manager, cfg *config.Config, sigCh <-chan os.Signal, progress func(tui.Stats)) error {
	start := time.Now()
	samples := 0
	invalid := 0
	target := batches * cfg.BatchSize
	for b := 1; b <= batches; b++ {
		select {
		case sig := <-sigCh:
			logrus.WithField("signal", sig).Info("interrupted")
			return nil
		default:
		}
		batch, wrong, err := mgr.Batch(cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("batch %d: %w", b, err)
		}
		samples += len(batch)
		invalid += wrong
		progress(tui.Stats{
			Batch:   b,
			Batches: batches,
			Samples: samples,
			Target:  target,
			Invalid: invalid,
			Rate:    float64(samples) / time.Since(start).Seconds(),
		})
	}
	return nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	w := worker.New(workerID, workerAddr, 30*time.Second, sim.FromRecord)
	if err := w.Run(); err != nil {
		logrus.WithError(err).Error("worker failed")
		return err
	}
	return nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	r, err := dataset.Open(cfg.DataDir, args[0])
	if err != nil {
		return err
	}
	defer r.Close()

	// Replay reuses the stored session's system so samples match.
	if meta := r.Meta(); meta.System != "" {
		cfg.System = meta.System
	}
	mgr, err := envmgr.New(cfg, envmgr.Options{})
	if err != nil {
		return err
	}
	n, err := mgr.Replay(r)
	if serr := mgr.Shutdown(); serr != nil && err == nil {
		err = serr
	}
	if err != nil {
		return err
	}
	fmt.Printf("replayed %d samples from %s\n", n, args[0])
	return nil
}

func listSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	metas, err := dataset.List(cfg.DataDir)
	if err != nil {
		return err
	}
	if len(metas) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSYSTEM\tSAMPLES\tWRONG\tCREATED")
	for _, m := range metas {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			m.ID, m.System, m.Samples, m.Wrong, m.Created.Format(time.RFC3339))
	}
	return w.Flush()
}
