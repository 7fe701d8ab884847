package mlflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/databricks/databricks-sdk-go/service/ml"
)

// CreateRun starts a run named runName and returns its ID.
func (c *Client) CreateRun(ctx context.Context, experimentID, runName string, tags map[string]string) (string, error) {
	if experimentID == "" {
		return "", fmt.Errorf("experiment ID must be provided")
	}

	keys := make([]string, 0, len(tags))
	for key := range tags {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	runTags := make([]ml.RunTag, 0, len(tags)+1)
	for _, key := range keys {
		runTags = append(runTags, ml.RunTag{Key: key, Value: tags[key]})
	}
	runTags = append(runTags, ml.RunTag{Key: "mlflow.runName", Value: runName})

	resp, err := c.client.Experiments.CreateRun(ctx, ml.CreateRun{
		ExperimentId: experimentID,
		RunName:      runName,
		StartTime:    time.Now().UnixMilli(),
		Tags:         runTags,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}

	return resp.Run.Info.RunId, nil
}

// EndRun moves the run to a terminal status.
func (c *Client) EndRun(ctx context.Context, runID string, status ml.UpdateRunStatus) error {
	_, err := c.client.Experiments.UpdateRun(ctx, ml.UpdateRun{
		RunId:   runID,
		Status:  status,
		EndTime: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	return nil
}
