// Command pydpiper-status queries a running pydpiper-server for stage
// counts and prints them, without holding any scheduler state of its
// own.
//
// Usage:
//
//	pydpiper-status --scheduler-address host:50051
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pydpiper-project/pydpiper-core/completionlog"
	"github.com/pydpiper-project/pydpiper-core/config"
	"github.com/pydpiper-project/pydpiper-core/transport"
)

func main() {
	root := &cobra.Command{
		Use:   "pydpiper-status",
		Short: "Query a pydpiper scheduler's stage counts",
		RunE:  run,
	}
	root.Flags().Duration("timeout", 10*time.Second, "RPC timeout")

	_, v, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	config.BindFlags(root, v)
	_ = v.BindPFlag("timeout", root.Flags().Lookup("timeout"))

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

	client, err := transport.Dial(cfg.SchedulerAddress)
	if err != nil {
		return fmt.Errorf("dial scheduler at %s: %w", cfg.SchedulerAddress, err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), v.GetDuration("timeout"))
	defer cancel()

	status, err := client.QueryStatus(ctx)
	if err != nil {
		return fmt.Errorf("query status: %w", err)
	}

	fmt.Printf("pipeline:  %s\n", cfg.PipelineName)
	fmt.Printf("total:     %d\n", status.Total)
	fmt.Printf("finished:  %d\n", status.Finished)
	fmt.Printf("failed:    %d\n", status.Failed)
	fmt.Printf("running:   %d\n", status.Running)
	fmt.Printf("runnable:  %d\n", status.Runnable)

	if len(status.Executors) > 0 {
		fmt.Println("executors:")
		for _, e := range status.Executors {
			fmt.Printf("  %-20s host=%-20s state=%-10s running=%-3d reserved=%.1fGB/%.1fGB\n",
				e.Id, e.Hostname, e.State, e.RunningStages, e.ReservedMemoryGb, e.DeclaredMemoryGb)
		}
	}

	logPath := completionlog.Path(cfg.WorkingDir, cfg.PipelineName)
	clog, err := completionlog.Open(logPath)
	if err != nil {
		return fmt.Errorf("open completion log at %s: %w", logPath, err)
	}
	defer clog.Close()

	stats, err := clog.Stats()
	if err != nil {
		return fmt.Errorf("completion log stats: %w", err)
	}
	fmt.Printf("log entries: %d\n", stats.Entries)
	fmt.Printf("log size:    %d bytes\n", stats.SizeByte)
	return nil
}
