package config

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// BindFlags registers the pydpiper CLI flags shared by the server and
// executor binaries onto cmd, and binds each to v so CLI values take
// precedence over the config file and defaults already loaded into v.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.Flags()

	flags.Duration("latency-tolerance", v.GetDuration("latency_tolerance"), "max silence before an executor is declared LOST")
	flags.Float64("mem", v.GetFloat64("mem"), "declared executor memory in GB")
	flags.String("mem-request-variable", v.GetString("mem_request_variable"), "batch-system resource name for the memory request of submitted executor jobs (e.g. mem, vmem)")
	flags.Int("pe", v.GetInt("pe"), "declared executor processing elements (cores)")
	flags.Bool("greedy", v.GetBool("greedy"), "run one stage at a time using the full declared memory")
	flags.Int("lsq12-max-pairs", v.GetInt("lsq12_max_pairs"), "maximum pairwise alignment fan-out for LSQ12 stages")
	flags.String("scheduler-address", v.GetString("scheduler_address"), "address of the scheduler's gRPC endpoint")
	flags.String("pipeline-name", v.GetString("pipeline_name"), "pipeline name, used to namespace the completion log")
	flags.String("working-dir", v.GetString("working_dir"), "working directory for backups and logs")
	flags.String("log-level", v.GetString("log_level"), "log level: debug, info, warn, error")

	_ = v.BindPFlag("latency_tolerance", flags.Lookup("latency-tolerance"))
	_ = v.BindPFlag("mem", flags.Lookup("mem"))
	_ = v.BindPFlag("mem_request_variable", flags.Lookup("mem-request-variable"))
	_ = v.BindPFlag("pe", flags.Lookup("pe"))
	_ = v.BindPFlag("greedy", flags.Lookup("greedy"))
	_ = v.BindPFlag("lsq12_max_pairs", flags.Lookup("lsq12-max-pairs"))
	_ = v.BindPFlag("scheduler_address", flags.Lookup("scheduler-address"))
	_ = v.BindPFlag("pipeline_name", flags.Lookup("pipeline-name"))
	_ = v.BindPFlag("working_dir", flags.Lookup("working-dir"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))
}

// Reload re-unmarshals v (after CLI flags have been parsed and bound)
// into a fresh Config.
func Reload(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
