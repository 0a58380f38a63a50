// Command pydpiper-server runs the scheduler (C1-C4): it loads a
// pre-built stage DAG, replays the completion log, and serves the
// executor-facing RPC surface until it receives SIGINT or SIGTERM. It
// does not exit on its own when the scheduler drains. The exit status is
// non-zero if any stage FAILED or a fatal scheduling error occurred.
//
// Usage:
//
//	pydpiper-server --pipeline-file dag.json --pipeline-name mypipeline
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pydpiper-project/pydpiper-core/batchsubmit"
	"github.com/pydpiper-project/pydpiper-core/completionlog"
	"github.com/pydpiper-project/pydpiper-core/config"
	"github.com/pydpiper-project/pydpiper-core/coreengine/kernel"
	"github.com/pydpiper-project/pydpiper-core/dag"
	"github.com/pydpiper-project/pydpiper-core/logging"
	"github.com/pydpiper-project/pydpiper-core/observability"
	"github.com/pydpiper-project/pydpiper-core/scheduler"
	"github.com/pydpiper-project/pydpiper-core/transport"
)

// pipelineFile is the JSON serialization of the DAG that an (out of
// scope) domain-specific pipeline builder hands to the scheduler.
type pipelineFile struct {
	Stages []struct {
		ID          string   `json:"id"`
		Fingerprint string   `json:"fingerprint"`
		Command     []string `json:"command"`
		InputPaths  []string `json:"input_paths"`
		OutputPaths []string `json:"output_paths"`
		MemoryGB    float64  `json:"memory_gb"`
	} `json:"stages"`
	Dependencies [][2]string `json:"dependencies"` // [upstream, downstream]
}

func loadGraph(path string) (*dag.Graph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}
	var pf pipelineFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("parse pipeline file: %w", err)
	}

	g := dag.NewGraph()
	for _, s := range pf.Stages {
		spec := &dag.Spec{
			ID:          s.ID,
			Fingerprint: s.Fingerprint,
			Command:     s.Command,
			InputPaths:  s.InputPaths,
			OutputPaths: s.OutputPaths,
			MemoryGB:    s.MemoryGB,
		}
		if err := g.AddStage(spec); err != nil {
			return nil, fmt.Errorf("add stage %s: %w", s.ID, err)
		}
	}
	for _, dep := range pf.Dependencies {
		if err := g.AddDependency(dep[0], dep[1]); err != nil {
			return nil, fmt.Errorf("add dependency %s->%s: %w", dep[0], dep[1], err)
		}
	}
	if err := g.TopologicalValidate(); err != nil {
		return nil, fmt.Errorf("validate DAG: %w", err)
	}
	return g, nil
}

func main() {
	root := &cobra.Command{
		Use:   "pydpiper-server",
		Short: "Run the pydpiper distributed pipeline scheduler",
		RunE:  run,
	}
	root.Flags().String("pipeline-file", "", "path to the JSON-serialized stage DAG")
	root.Flags().String("address", ":50051", "address to serve the scheduler's gRPC endpoint on")

	cfgDefault, v, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	config.BindFlags(root, v)
	_ = v.BindPFlag("pipeline_file", root.Flags().Lookup("pipeline-file"))
	_ = v.BindPFlag("address", root.Flags().Lookup("address"))
	_ = cfgDefault

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runExecutorGaugesLoop periodically republishes per-executor Prometheus
// gauges from QueryStatus, at the same cadence as the LOST-executor sweep.
func runExecutorGaugesLoop(ctx context.Context, sched *scheduler.Scheduler, pipeline string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c := sched.QueryStatus()
			execs := make([]observability.ExecutorStatus, 0, len(c.Executors))
			for _, e := range c.Executors {
				execs = append(execs, observability.ExecutorStatus{
					ID:               e.ID,
					Hostname:         e.Hostname,
					RunningStages:    e.RunningStages,
					ReservedMemoryGB: e.ReservedMemoryGB,
					DeclaredMemoryGB: e.DeclaredMemoryGB,
				})
			}
			observability.ObserveExecutorStatuses(pipeline, execs)
		}
	}
}

// runAutoscaleLoop is the scheduler's own batch-system submission path
// (spec's autoscaling mode): rather than waiting for externally
// launched executors to register, it submits pydpiper-executor jobs
// through a BatchSubmitter whenever there's runnable work and the
// server has fewer executors outstanding than MaxAutoscaleExecutors.
// Jobs it has submitted but that haven't yet registered are tracked so
// demand isn't double-counted against QueryStatus's registered count.
func runAutoscaleLoop(ctx context.Context, sched *scheduler.Scheduler, sub batchsubmit.BatchSubmitter, cfg *config.Config, address string, log *logging.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pending := make(map[string]struct{})
	defer func() {
		cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for jobID := range pending {
			if err := sub.Cancel(cancelCtx, jobID); err != nil {
				log.Error("autoscale_cancel_failed", "job_id", jobID, "err", err.Error())
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts := sched.QueryStatus()
			outstanding := len(counts.Executors) + len(pending)
			want := cfg.MaxAutoscaleExecutors - outstanding
			if counts.Runnable <= 0 || want <= 0 {
				continue
			}
			if want > counts.Runnable {
				want = counts.Runnable
			}

			for i := 0; i < want; i++ {
				spec := batchsubmit.JobSpec{
					MemoryGB:      cfg.MemoryGB,
					MemRequestVar: cfg.MemoryRequestVariable,
					PE:            cfg.BatchPE,
					Cores:         cfg.ProcessingElements,
					Queue:         cfg.BatchQueue,
					WorkingDir:    cfg.WorkingDir,
					LogDir:        cfg.WorkingDir,
					Command: []string{
						"pydpiper-executor",
						"--scheduler-address", address,
						"--mem", fmt.Sprintf("%g", cfg.MemoryGB),
						"--pe", fmt.Sprintf("%d", cfg.ProcessingElements),
					},
				}
				jobID, err := sub.Submit(ctx, spec)
				if err != nil {
					log.Error("autoscale_submit_failed", "batch_system", sub.Name(), "err", err.Error())
					break
				}
				pending[jobID] = struct{}{}
				log.Info("autoscale_executor_submitted", "batch_system", sub.Name(), "job_id", jobID)
			}
		}
	}
}

func run(cmd *cobra.Command, args []string) error {
	v := viper.GetViper()
	cfg, err := config.Reload(v)
	if err != nil {
		return err
	}
	log, err := logging.New(logging.Options{Level: cfg.LogLevel, Component: "pydpiper-server"})
	if err != nil {
		return err
	}

	pipelineFilePath := v.GetString("pipeline_file")
	if pipelineFilePath == "" {
		return fmt.Errorf("--pipeline-file is required")
	}
	graph, err := loadGraph(pipelineFilePath)
	if err != nil {
		return err
	}

	logPath := completionlog.Path(cfg.WorkingDir, cfg.PipelineName)
	finished, err := completionlog.Load(logPath)
	if err != nil {
		return fmt.Errorf("load completion log: %w", err)
	}

	clog, err := completionlog.Open(logPath)
	if err != nil {
		return fmt.Errorf("open completion log: %w", err)
	}
	defer clog.Close()

	sched := scheduler.New(graph, clog, scheduler.Options{
		PipelineName:     cfg.PipelineName,
		WorkingDir:       cfg.WorkingDir,
		LatencyTolerance: cfg.LatencyTolerance,
		Logger:           log,
		Recorder:         &observability.PrometheusRecorder{Pipeline: cfg.PipelineName},
	})

	if err := sched.Bootstrap(finished); err != nil {
		return fmt.Errorf("bootstrap scheduler: %w", err)
	}

	cleanupCtx, cancelCleanup := context.WithCancel(context.Background())
	defer cancelCleanup()
	kernel.SafeGo(log, "cleanup-loop", func() {
		sched.RunCleanupLoop(cleanupCtx, cfg.HeartbeatInterval)
	}, func(recovered any) {
		log.Error("cleanup_loop_panicked", "panic", recovered)
	})

	kernel.SafeGo(log, "executor-gauges-loop", func() {
		runExecutorGaugesLoop(cleanupCtx, sched, cfg.PipelineName, cfg.HeartbeatInterval)
	}, func(recovered any) {
		log.Error("executor_gauges_loop_panicked", "panic", recovered)
	})

	address := v.GetString("address")

	if cfg.Autoscale {
		sub, ok := batchsubmit.DefaultRegistry().Get(cfg.BatchSystem)
		if !ok {
			return fmt.Errorf("autoscale: unknown batch system %q", cfg.BatchSystem)
		}
		kernel.SafeGo(log, "autoscale-loop", func() {
			runAutoscaleLoop(cleanupCtx, sched, sub, cfg, address, log, cfg.HeartbeatInterval)
		}, func(recovered any) {
			log.Error("autoscale_loop_panicked", "panic", recovered)
		})
	}

	server := transport.NewGracefulServer(log, address, sched)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutdown_signal_received", "signal", sig.String())
		cancel()
	}()

	log.Info("pydpiper_server_starting", "address", address, "pipeline", cfg.PipelineName)
	if err := server.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	if err := sched.FatalError(); err != nil {
		return err
	}
	if sched.ExitCode() != 0 {
		return fmt.Errorf("pipeline %s: one or more stages FAILED", cfg.PipelineName)
	}
	return nil
}
