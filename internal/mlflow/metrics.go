package mlflow

import (
	"context"
	"fmt"
	"time"

	"github.com/databricks/databricks-sdk-go/service/ml"
)

// Metric is one value logged to a run.
type Metric struct {
	Key   string
	Value float64
}

func (c *Client) LogMetric(ctx context.Context, runID string, key string, value float64, timestamp time.Time) error {
	err := c.client.Experiments.LogMetric(ctx, ml.LogMetric{
		RunId:     runID,
		Key:       key,
		Value:     value,
		Timestamp: timestamp.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to log metric %s: %w", key, err)
	}

	return nil
}

// LogMetrics logs every metric with one shared timestamp at step 0.
func (c *Client) LogMetrics(ctx context.Context, runID string, metrics []Metric) error {
	now := time.Now()
	for _, metric := range metrics {
		if err := c.LogMetric(ctx, runID, metric.Key, metric.Value, now); err != nil {
			return err
		}
	}

	return nil
}
