// Package config provides pydpiper's layered configuration: built-in
// defaults, overridden by a config file (the path passed to Load, or
// PYDPIPER_CONFIG_FILE), overridden last by explicit CLI flags. No infrastructure
// secrets live here — only scheduling and resource-accounting knobs.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the scheduler/executor tunables from spec §6.
type Config struct {
	// LatencyTolerance (T) bounds silent executors before LOST.
	LatencyTolerance time.Duration `mapstructure:"latency_tolerance"`
	// HeartbeatInterval (H) is the executor's heartbeat cadence.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// ExecutorStartDelay is the start-delay setting for executors. It is
	// loaded and defaulted here, but no binary in this module reads it:
	// executors contact the scheduler without waiting.
	ExecutorStartDelay time.Duration `mapstructure:"executor_start_delay"`
	// RegistrationRetryWindow is the registration-retry setting for
	// executors. It is loaded and defaulted here, but no binary in this
	// module reads it: the executor makes a single RegisterExecutor call.
	RegistrationRetryWindow time.Duration `mapstructure:"registration_retry_window"`

	// MemoryGB is the executor's declared total memory, in gigabytes.
	MemoryGB float64 `mapstructure:"mem"`
	// MemoryRequestVariable is the batch-system resource name (e.g. "mem"
	// or "vmem") used for the memory request of autoscale job submissions.
	MemoryRequestVariable string `mapstructure:"mem_request_variable"`
	// ProcessingElements (pe) is the executor's declared core count.
	ProcessingElements int `mapstructure:"pe"`
	// Greedy makes an executor run one stage at a time, reserving its
	// full declared memory for that stage.
	Greedy bool `mapstructure:"greedy"`

	// LSQ12MaxPairs is a domain passthrough value for image-registration
	// stage specs (spec's LSQ12-stage pairwise-alignment fan-out bound);
	// the scheduler treats it as opaque stage-spec data.
	LSQ12MaxPairs int `mapstructure:"lsq12_max_pairs"`

	SchedulerAddress string `mapstructure:"scheduler_address"`
	PipelineName     string `mapstructure:"pipeline_name"`
	WorkingDir       string `mapstructure:"working_dir"`
	LogLevel         string `mapstructure:"log_level"`

	// Autoscale enables the scheduler's own batch-system submission path
	// (spec §4.5's autoscaling mode): instead of waiting for externally
	// launched executors, the server submits its own via BatchSystem.
	Autoscale bool `mapstructure:"autoscale"`
	// BatchSystem names the batchsubmit adapter to use ("sge" or "pbs").
	BatchSystem string `mapstructure:"batch_system"`
	// BatchQueue is the target cluster queue, if the batch system needs one.
	BatchQueue string `mapstructure:"batch_queue"`
	// BatchPE is the SGE parallel-environment name requested alongside Cores.
	BatchPE string `mapstructure:"batch_pe"`
	// MaxAutoscaleExecutors caps how many batch jobs the autoscale loop
	// will keep outstanding at once.
	MaxAutoscaleExecutors int `mapstructure:"max_autoscale_executors"`
}

// Default returns a Config with pydpiper's built-in defaults (spec §6).
func Default() *Config {
	return &Config{
		LatencyTolerance:        10 * time.Minute,
		HeartbeatInterval:       60 * time.Second,
		ExecutorStartDelay:      10 * time.Minute,
		RegistrationRetryWindow: 3 * time.Minute,
		MemoryGB:                2,
		ProcessingElements:      1,
		Greedy:                  false,
		LSQ12MaxPairs:           25,
		SchedulerAddress:        "127.0.0.1:50051",
		PipelineName:            "pydpiper",
		WorkingDir:              ".",
		LogLevel:                "info",
		Autoscale:               false,
		BatchSystem:             "sge",
		MaxAutoscaleExecutors:   10,
	}
}

// Load builds a Config from defaults, then an optional config file
// (explicit path, or $PYDPIPER_CONFIG_FILE, searching ./pydpiper.yaml
// as a last resort), then environment variables prefixed PYDPIPER_.
// CLI flags are layered on top by BindFlags.
func Load(explicitPath string) (*Config, *viper.Viper, error) {
	v := viper.New()
	def := Default()
	setDefaults(v, def)

	v.SetEnvPrefix("PYDPIPER")
	v.AutomaticEnv()

	path := explicitPath
	if path == "" {
		path = envConfigFile()
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pydpiper")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, v, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("latency_tolerance", d.LatencyTolerance)
	v.SetDefault("heartbeat_interval", d.HeartbeatInterval)
	v.SetDefault("executor_start_delay", d.ExecutorStartDelay)
	v.SetDefault("registration_retry_window", d.RegistrationRetryWindow)
	v.SetDefault("mem", d.MemoryGB)
	v.SetDefault("mem_request_variable", d.MemoryRequestVariable)
	v.SetDefault("pe", d.ProcessingElements)
	v.SetDefault("greedy", d.Greedy)
	v.SetDefault("lsq12_max_pairs", d.LSQ12MaxPairs)
	v.SetDefault("scheduler_address", d.SchedulerAddress)
	v.SetDefault("pipeline_name", d.PipelineName)
	v.SetDefault("working_dir", d.WorkingDir)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("autoscale", d.Autoscale)
	v.SetDefault("batch_system", d.BatchSystem)
	v.SetDefault("batch_queue", d.BatchQueue)
	v.SetDefault("batch_pe", d.BatchPE)
	v.SetDefault("max_autoscale_executors", d.MaxAutoscaleExecutors)
}

func envConfigFile() string {
	return os.Getenv("PYDPIPER_CONFIG_FILE")
}
