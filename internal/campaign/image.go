package campaign

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrImageMissing is returned when the campaign image is absent and building
// it was not allowed.
var ErrImageMissing = errors.New("campaign image not found")

const imageInspectTimeout = 10 * time.Second

// ImageManager makes sure the container image campaigns run in exists before
// the sweep starts. Building is delegated to an external command and is not
// bounded by the campaign budget.
type ImageManager struct {
	Image        string
	BuildCommand string
	Dir          string
	Docker       string
	Logger       *zap.Logger
}

func NewImageManager(image, buildCommand, dir string, logger *zap.Logger) *ImageManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ImageManager{Image: image, BuildCommand: buildCommand, Dir: dir, Docker: "docker", Logger: logger}
}

// Enabled reports whether an image is configured at all.
func (m *ImageManager) Enabled() bool {
	return m != nil && m.Image != ""
}

func (m *ImageManager) Exists(ctx context.Context) (bool, error) {
	docker, err := exec.LookPath(m.Docker)
	if err != nil {
		return false, fmt.Errorf("docker not found: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, imageInspectTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, docker, "image", "inspect", "--format", "{{.Id}}", m.Image)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect image %s: %w", m.Image, err)
	}
	return true, nil
}

// Ensure checks for the image and builds it when missing. With skipBuild a
// missing image is an error.
func (m *ImageManager) Ensure(ctx context.Context, skipBuild bool) error {
	if !m.Enabled() {
		return nil
	}
	log := m.Logger.With(zap.String("image", m.Image))

	exists, err := m.Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		log.Info("Campaign image already exists, skipping build")
		return nil
	}
	if skipBuild {
		return fmt.Errorf("%w: %s (remove --skip-build or build it first)", ErrImageMissing, m.Image)
	}
	if m.BuildCommand == "" {
		return fmt.Errorf("%w: %s and no build command is configured", ErrImageMissing, m.Image)
	}

	build, err := resolveCommand(m.BuildCommand, m.Dir)
	if err != nil {
		return fmt.Errorf("image build command: %w", err)
	}

	log.Info("Campaign image not found, building it (no time limit)", zap.String("command", build))
	tail := newTailBuffer(DefaultTailLines)
	cmd := exec.CommandContext(ctx, build)
	cmd.Dir = m.Dir
	cmd.Stdout = tail
	cmd.Stderr = tail
	start := time.Now()
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("image build failed after %s: %w\n%s",
			time.Since(start).Round(time.Second), err, strings.Join(tail.Lines(), "\n"))
	}
	log.Info("Campaign image built", zap.Duration("elapsed", time.Since(start)))
	return nil
}
