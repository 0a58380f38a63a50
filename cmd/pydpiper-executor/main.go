// Command pydpiper-executor registers with a running pydpiper-server,
// requests work, and runs assigned stages as supervised child
// processes (C5), reporting results back until told to shut down or
// it idles out.
//
// Usage:
//
//	pydpiper-executor --scheduler-address host:50051 --mem 8 --pe 4
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pydpiper-project/pydpiper-core/config"
	"github.com/pydpiper-project/pydpiper-core/executor"
	"github.com/pydpiper-project/pydpiper-core/logging"
	"github.com/pydpiper-project/pydpiper-core/transport"
)

func main() {
	root := &cobra.Command{
		Use:   "pydpiper-executor",
		Short: "Run a pydpiper executor agent",
		RunE:  run,
	}
	root.Flags().String("log-dir", "executor-logs", "directory for per-stage stdout/stderr logs")
	root.Flags().Int("concurrency", 0, "max simultaneous stages; defaults to --pe")

	cfgDefault, v, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	config.BindFlags(root, v)
	_ = v.BindPFlag("log_dir", root.Flags().Lookup("log-dir"))
	_ = v.BindPFlag("concurrency", root.Flags().Lookup("concurrency"))
	_ = cfgDefault

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	v := viper.GetViper()
	cfg, err := config.Reload(v)
	if err != nil {
		return err
	}
	log, err := logging.New(logging.Options{Level: cfg.LogLevel, Component: "pydpiper-executor"})
	if err != nil {
		return err
	}

	client, err := transport.Dial(cfg.SchedulerAddress)
	if err != nil {
		return fmt.Errorf("dial scheduler at %s: %w", cfg.SchedulerAddress, err)
	}
	defer client.Close()

	exec := executor.New(client, log, executor.Options{
		TotalMemoryGB: cfg.MemoryGB,
		Cores:         cfg.ProcessingElements,
		Concurrency:   v.GetInt("concurrency"),
		LogDir:        v.GetString("log_dir"),
		Greedy:        cfg.Greedy,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutdown_signal_received", "signal", sig.String())
		cancel()
	}()

	log.Info("pydpiper_executor_starting", "scheduler_address", cfg.SchedulerAddress, "mem_gb", cfg.MemoryGB, "pe", cfg.ProcessingElements)
	return exec.Run(ctx)
}
