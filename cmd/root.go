package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/imishinist/knobsweep/internal/campaign"
	"github.com/imishinist/knobsweep/internal/config"
	"github.com/imishinist/knobsweep/internal/extract"
	"github.com/imishinist/knobsweep/internal/logging"
)

var (
	cfgFile string
	logger  = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "knobsweep",
	Short: "Fuzzing knob sweep orchestrator",
	Long: `Runs one fuzzing campaign per combination of boolean knobs, one at a time,
under a fixed time budget, and collects the results into a single dataset.
Progress is persisted after every campaign so an interrupted sweep can resume.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := viper.GetString("log_level")
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			level = "debug"
		}
		l, err := logging.New(level, viper.GetString("log_file"))
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./knobsweep.yaml if present)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("knobs", "", "Knob definition file (overrides KNOBSWEEP_KNOBS_FILE)")
	rootCmd.PersistentFlags().String("results-dir", "", "Per-combination results directory")
	rootCmd.PersistentFlags().String("state-file", "", "Sweep state file")
	rootCmd.PersistentFlags().String("log-file", "", "Append log records to this file")
	viper.BindPFlag("knobs_file", rootCmd.PersistentFlags().Lookup("knobs"))
	viper.BindPFlag("results_dir", rootCmd.PersistentFlags().Lookup("results-dir"))
	viper.BindPFlag("state_file", rootCmd.PersistentFlags().Lookup("state-file"))
	viper.BindPFlag("log_file", rootCmd.PersistentFlags().Lookup("log-file"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("knobsweep")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			checkError(fmt.Errorf("failed to read config: %w", err))
		}
	}

	// Environment variables
	viper.SetEnvPrefix("KNOBSWEEP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Also bind the standard MLflow and Databricks variables
	viper.BindEnv("mlflow.tracking_uri", "KNOBSWEEP_MLFLOW_TRACKING_URI", "MLFLOW_TRACKING_URI")
	viper.BindEnv("mlflow.experiment_id", "KNOBSWEEP_MLFLOW_EXPERIMENT_ID", "MLFLOW_EXPERIMENT_ID")
	viper.BindEnv("databricks_host", "DATABRICKS_HOST")
	viper.BindEnv("databricks_token", "DATABRICKS_TOKEN")

	// Set defaults
	viper.SetDefault("knobs_file", "afl_params.json")
	viper.SetDefault("results_dir", "dataset_results")
	viper.SetDefault("state_file", "dataset_state.json")
	viper.SetDefault("work_dir", "workdir")
	viper.SetDefault("log_file", "dataset_build.log")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("output", "dataset.csv")
	viper.SetDefault("budget", "20m")
	viper.SetDefault("fail_policy", "forward")
	viper.SetDefault("campaign.command", "./run_knob_campaign.sh")
	viper.SetDefault("campaign.args", campaign.DefaultArgs)
	viper.SetDefault("campaign.grace", campaign.DefaultGrace)
	viper.SetDefault("campaign.min_runtime", campaign.DefaultMinRuntime)
	viper.SetDefault("campaign.pause", "2s")
	viper.SetDefault("campaign.env", config.EnvList(campaign.DefaultEnv))
	viper.SetDefault("campaign.stats_file", extract.DefaultStatsFile)
	viper.SetDefault("campaign.bug_report", extract.DefaultBugReport)
	viper.SetDefault("campaign.tail_lines", campaign.DefaultTailLines)
}

func checkError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
