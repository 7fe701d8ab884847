package mlflow

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/databricks/databricks-sdk-go/service/ml"
)

// UploadArtifact stores a local file under artifactPath in the run's
// artifact root. mlflow-artifacts:/ and local file roots are supported.
func (c *Client) UploadArtifact(ctx context.Context, runID, filePath, artifactPath string) error {
	resp, err := c.client.Experiments.GetRun(ctx, ml.GetRunRequest{RunId: runID})
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	artifactURI := resp.Run.Info.ArtifactUri
	if artifactURI == "" {
		return fmt.Errorf("artifact URI not found for run %s", runID)
	}

	if artifactPath == "" {
		artifactPath = filepath.Base(filePath)
	}

	switch {
	case strings.HasPrefix(artifactURI, "mlflow-artifacts:/"):
		return c.uploadToMLflowArtifacts(ctx, artifactURI, filePath, artifactPath)
	case strings.HasPrefix(artifactURI, "file://"), strings.HasPrefix(artifactURI, "/"):
		return copyToLocalRoot(artifactURI, filePath, artifactPath)
	default:
		return fmt.Errorf("unsupported artifact URI scheme: %s", artifactURI)
	}
}

// uploadToMLflowArtifacts PUTs the file to the tracking server's artifact proxy.
func (c *Client) uploadToMLflowArtifacts(ctx context.Context, artifactURI, filePath, artifactPath string) error {
	experimentID, runID, err := extractIDsFromArtifactURI(artifactURI)
	if err != nil {
		return err
	}

	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to get file info: %w", err)
	}

	url := fmt.Sprintf("%s/api/2.0/mlflow-artifacts/artifacts/%s/%s/artifacts/%s",
		strings.TrimSuffix(c.config.TrackingURI, "/"), experimentID, runID, path.Clean(artifactPath))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, file)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.config.IsDatabricks() && c.config.DatabricksToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.DatabricksToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload to MLflow Artifacts Service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("MLflow Artifacts Service upload failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// copyToLocalRoot handles servers whose artifact root is a local directory.
func copyToLocalRoot(artifactURI, filePath, artifactPath string) error {
	root := strings.TrimPrefix(artifactURI, "file://")
	dest := filepath.Join(root, filepath.FromSlash(artifactPath))

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(dest), err)
	}

	src, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to copy file content: %w", err)
	}
	return dst.Close()
}

// extractIDsFromArtifactURI splits mlflow-artifacts:/<experiment>/<run>/artifacts.
func extractIDsFromArtifactURI(artifactURI string) (string, string, error) {
	rest := strings.TrimPrefix(artifactURI, "mlflow-artifacts:")
	parts := strings.Split(strings.TrimLeft(rest, "/"), "/")
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid mlflow-artifacts URI format: %s", artifactURI)
	}
	return parts[0], parts[1], nil
}
