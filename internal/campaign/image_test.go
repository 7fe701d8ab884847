package campaign

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageManager_DisabledIsNoop(t *testing.T) {
	t.Parallel()

	m := NewImageManager("", "", "", nil)
	assert.False(t, m.Enabled())
	require.NoError(t, m.Ensure(context.Background(), true))
}

func TestImageManager_MissingDocker(t *testing.T) {
	t.Parallel()

	m := NewImageManager("magma/afl/libpng", "", "", nil)
	m.Docker = "definitely-not-a-docker-binary"

	err := m.Ensure(context.Background(), true)
	assert.ErrorContains(t, err, "docker not found")
}
