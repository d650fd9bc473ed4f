package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"hpc-queue/db"
	"hpc-queue/pkg/config"
	"hpc-queue/pkg/job"
	"hpc-queue/pkg/metrics"
	"hpc-queue/pkg/queue"
	"hpc-queue/pkg/scheduler"
)

// jobFile is the YAML document read by `hpcq run`.
type jobFile struct {
	Jobs []job.Spec `yaml:"jobs"`
}

func loadJobFile(path string) ([]job.Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f jobFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Jobs) == 0 {
		return nil, fmt.Errorf("%s: no jobs", path)
	}
	// Relative run paths are taken relative to the job file.
	base := filepath.Dir(path)
	for i := range f.Jobs {
		if f.Jobs[i].RunPath != "" && !filepath.IsAbs(f.Jobs[i].RunPath) {
			f.Jobs[i].RunPath = filepath.Join(base, f.Jobs[i].RunPath)
		}
	}
	return f.Jobs, nil
}

func newQueue(cfg config.QueueConfig) *queue.Queue {
	return queue.New(queue.Config{
		MaxSubmit: cfg.MaxSubmit,
		Markers: queue.Markers{
			Success: cfg.SuccessMarker,
			Status:  cfg.StatusMarker,
			Error:   cfg.ErrorMarker,
		},
		ConfirmWait: cfg.ConfirmWait,
		MaxRuntime:  cfg.MaxRuntime,
		CallTimeout: cfg.CallTimeout,
	})
}

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run <jobs.yaml>",
		Short: "Run every job in a job file and wait for them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := loadJobFile(args[0])
			if err != nil {
				return err
			}
			return runJobs(cmd, a.cfg, specs)
		},
	}
}

func runJobs(cmd *cobra.Command, cfg config.Config, specs []job.Spec) error {
	// One run per journal at a time.
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return err
	}
	lock := flock.New(cfg.Store.Path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("another run holds %s", lock.Path())
	}
	defer lock.Unlock()

	store, err := db.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer store.CloseDatabase()

	drv, err := buildDriver(cfg)
	if err != nil {
		return err
	}
	defer closeDriver(drv)

	q := newQueue(cfg.Queue)
	if err := q.SetDriver(drv); err != nil {
		return err
	}
	collector := metrics.NewCollector(drv.Name())
	q.AddObserver(store)
	q.AddObserver(collector)

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: collector.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", cfg.Metrics.Addr).Msg("metrics server failed")
			}
		}()
		defer srv.Close()
		log.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics endpoint listening")
	}

	for _, spec := range specs {
		spec.Exit = func(info job.Info) {
			log.Info().Str("job_name", info.Name).Str("state", string(info.State)).Int("submit_count", info.SubmitCount).Str("reason", info.Reason).Msg("job finished")
		}
		if _, err := q.AddJob(spec); err != nil {
			return fmt.Errorf("add job %q: %w", spec.Name, err)
		}
	}

	s := scheduler.NewScheduler(q, scheduler.WithPollInterval(cfg.Queue.PollInterval))
	if err := s.Start(cfg.Queue.Concurrency); err != nil {
		return err
	}
	defer s.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Queue.Timeout)
	defer cancel()

	waitErr := s.Wait(ctx)
	s.Stop()

	printSummary(cmd, q.Snapshot())
	if waitErr != nil {
		return fmt.Errorf("%d jobs still active: %w", q.ActiveCount(), waitErr)
	}
	if n := q.Counts()[job.StateExit]; n > 0 {
		return fmt.Errorf("%d of %d jobs failed", n, q.Len())
	}
	return nil
}
