package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Databricks domain suffixes for URL detection
var databricksDomains = []string{
	".cloud.databricks.com",
	".azuredatabricks.net",
	".gcp.databricks.com",
}

// Valid configuration values
var (
	validFailPolicies = map[string]bool{
		"forward": true, "fast": true,
	}
	validLogLevels = map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
)

type Config struct {
	KnobsFile  string
	ResultsDir string
	StateFile  string
	WorkDir    string
	LogFile    string
	LogLevel   string
	Output     string
	Budget     string
	FailPolicy string

	Campaign CampaignConfig
	Image    ImageConfig
	MLflow   MLflowConfig
	Metrics  MetricsConfig
}

type CampaignConfig struct {
	Command    string
	Args       []string
	Dir        string
	Grace      time.Duration
	MinRuntime time.Duration
	Pause      time.Duration
	// Env holds KEY=VALUE entries; viper lowercases map keys, so a list keeps
	// variable names intact.
	Env       []string
	StatsFile string
	BugReport string
	TailLines int
}

type ImageConfig struct {
	Name         string
	BuildCommand string
}

type MLflowConfig struct {
	TrackingURI     string
	ExperimentID    string
	DatabricksHost  string
	DatabricksToken string
}

type MetricsConfig struct {
	Textfile string
}

func New() *Config {
	cfg := &Config{
		KnobsFile:  viper.GetString("knobs_file"),
		ResultsDir: viper.GetString("results_dir"),
		StateFile:  viper.GetString("state_file"),
		WorkDir:    viper.GetString("work_dir"),
		LogFile:    viper.GetString("log_file"),
		LogLevel:   viper.GetString("log_level"),
		Output:     viper.GetString("output"),
		Budget:     viper.GetString("budget"),
		FailPolicy: viper.GetString("fail_policy"),
		Campaign: CampaignConfig{
			Command:    viper.GetString("campaign.command"),
			Dir:        viper.GetString("campaign.dir"),
			Grace:      viper.GetDuration("campaign.grace"),
			MinRuntime: viper.GetDuration("campaign.min_runtime"),
			Pause:      viper.GetDuration("campaign.pause"),
			Env:        viper.GetStringSlice("campaign.env"),
			StatsFile:  viper.GetString("campaign.stats_file"),
			BugReport:  viper.GetString("campaign.bug_report"),
			TailLines:  viper.GetInt("campaign.tail_lines"),
		},
		Image: ImageConfig{
			Name:         viper.GetString("image.name"),
			BuildCommand: viper.GetString("image.build_command"),
		},
		MLflow: MLflowConfig{
			TrackingURI:     viper.GetString("mlflow.tracking_uri"),
			ExperimentID:    viper.GetString("mlflow.experiment_id"),
			DatabricksHost:  viper.GetString("databricks_host"),
			DatabricksToken: viper.GetString("databricks_token"),
		},
		Metrics: MetricsConfig{
			Textfile: viper.GetString("metrics.textfile"),
		},
	}
	if viper.IsSet("campaign.args") {
		cfg.Campaign.Args = viper.GetStringSlice("campaign.args")
	}
	return cfg
}

// Validate checks the settings every command needs. Settings only the sweep
// uses are checked by ValidateSweep.
func (c *Config) Validate() error {
	if c.KnobsFile == "" {
		return fmt.Errorf("knobs file is required")
	}
	if c.ResultsDir == "" {
		return fmt.Errorf("results directory is required")
	}
	if c.StateFile == "" {
		return fmt.Errorf("state file is required")
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.LogLevel)
	}

	return nil
}

// ValidateSweep checks everything run-sweep needs on top of Validate.
func (c *Config) ValidateSweep() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.WorkDir == "" {
		return fmt.Errorf("work directory is required")
	}
	if c.Campaign.Command == "" {
		return fmt.Errorf("campaign command is required")
	}

	// Validate fail policy
	if !validFailPolicies[c.FailPolicy] {
		return fmt.Errorf("invalid fail policy: %s (valid: forward, fast)", c.FailPolicy)
	}

	if c.Campaign.Grace < 0 || c.Campaign.MinRuntime < 0 || c.Campaign.Pause < 0 {
		return fmt.Errorf("campaign grace, min_runtime and pause must not be negative")
	}
	if c.Campaign.TailLines < 0 {
		return fmt.Errorf("campaign tail_lines must not be negative")
	}
	if _, err := c.Campaign.EnvMap(); err != nil {
		return err
	}

	if c.MLflow.Enabled() && c.MLflow.ExperimentID == "" {
		return fmt.Errorf("mlflow experiment ID is required when a tracking URI is set")
	}

	return nil
}

func (c *Config) FailFast() bool {
	return c.FailPolicy == "fast"
}

// EnvMap parses the KEY=VALUE entries of the campaign environment.
func (c *CampaignConfig) EnvMap() (map[string]string, error) {
	env := make(map[string]string, len(c.Env))
	for _, entry := range c.Env {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid campaign env entry: %q (expected KEY=VALUE)", entry)
		}
		env[key] = value
	}
	return env, nil
}

// EnvList renders env as sorted KEY=VALUE entries.
func EnvList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// Enabled reports whether results should be exported to MLflow.
func (m *MLflowConfig) Enabled() bool {
	return m.TrackingURI != ""
}

// IsDatabricks checks if the tracking URI points to Databricks
func (m *MLflowConfig) IsDatabricks() bool {
	if m.TrackingURI == "databricks" {
		return true
	}

	if strings.HasPrefix(m.TrackingURI, "databricks://") {
		return true
	}

	if strings.HasPrefix(m.TrackingURI, "https://") {
		return isDatabricksHost(extractHostFromURL(m.TrackingURI))
	}

	return false
}

// GetDatabricksProfile extracts the profile name from databricks://{profile} URI
func (m *MLflowConfig) GetDatabricksProfile() string {
	if !strings.HasPrefix(m.TrackingURI, "databricks://") {
		return ""
	}

	profile := strings.TrimPrefix(m.TrackingURI, "databricks://")
	if idx := strings.Index(profile, "/"); idx != -1 {
		profile = profile[:idx]
	}
	return profile
}

func extractHostFromURL(url string) string {
	host := strings.TrimPrefix(url, "https://")
	if idx := strings.Index(host, "/"); idx != -1 {
		host = host[:idx]
	}
	return host
}

func isDatabricksHost(host string) bool {
	for _, domain := range databricksDomains {
		if strings.HasSuffix(host, domain) {
			return true
		}
	}
	return false
}
