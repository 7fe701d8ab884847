// Package mlflow exports sweep results to an MLflow tracking server, one run
// per committed combination.
package mlflow

import (
	"fmt"

	"github.com/databricks/databricks-sdk-go"

	"github.com/imishinist/knobsweep/internal/config"
)

type Client struct {
	client *databricks.WorkspaceClient
	config config.MLflowConfig
}

func NewClient(cfg config.MLflowConfig) (*Client, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("tracking URI is required")
	}

	var databricksConfig *databricks.Config

	if cfg.IsDatabricks() {
		databricksConfig = &databricks.Config{}

		if cfg.TrackingURI == "databricks" {
			// Use DATABRICKS_HOST if available, the default profile otherwise
			if cfg.DatabricksHost != "" {
				databricksConfig.Host = cfg.DatabricksHost
			}
		} else if profile := cfg.GetDatabricksProfile(); profile != "" {
			databricksConfig.Profile = profile
		} else {
			databricksConfig.Host = cfg.TrackingURI
		}

		// Token overrides the profile
		if cfg.DatabricksToken != "" {
			databricksConfig.Token = cfg.DatabricksToken
		}
	} else {
		databricksConfig = &databricks.Config{
			Host: cfg.TrackingURI,
			// A plain MLflow server ignores the token, but the SDK needs one to pick an auth method
			Token: "dummy-token-for-regular-mlflow",
		}
	}

	client, err := databricks.NewWorkspaceClient(databricksConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create MLflow client: %w", err)
	}

	return &Client{
		client: client,
		config: cfg,
	}, nil
}
