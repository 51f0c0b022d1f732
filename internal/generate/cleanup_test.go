package generate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidecarr/sidecarr/internal/config"
	"github.com/sidecarr/sidecarr/internal/ffmpeg"
	"github.com/sidecarr/sidecarr/internal/locks"
	"github.com/sidecarr/sidecarr/internal/media"
)

// cleanupFixture builds a library with one live video and one orphaned
// artifact directory.
func cleanupFixture(t *testing.T) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.mp4"), []byte("x"), 0o644))

	scenesDir := filepath.Join(root, ".artifacts", "scenes")
	require.NoError(t, os.MkdirAll(filepath.Join(scenesDir, "keep"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(scenesDir, "gone"), 0o755))

	layout, err := media.NewLayout(root, []string{"mp4"}, "webm")
	require.NoError(t, err)
	cfg := &config.Config{}
	return New(cfg, layout, ffmpeg.NewRunner(1), locks.NewManager(layout, nil), nil), scenesDir
}

func TestCleanupArtifacts_DryRunReportsWithoutRemoving(t *testing.T) {
	s, scenesDir := cleanupFixture(t)

	res, err := s.CleanupArtifacts(context.Background(), false, nil)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, []string{"gone"}, res.Removed)

	_, err = os.Stat(filepath.Join(scenesDir, "gone"))
	assert.NoError(t, err)
}

func TestCleanupArtifacts_ApplyRemovesOrphans(t *testing.T) {
	s, scenesDir := cleanupFixture(t)

	res, err := s.CleanupArtifacts(context.Background(), true, nil)
	require.NoError(t, err)
	assert.False(t, res.DryRun)
	assert.Equal(t, []string{"gone"}, res.Removed)

	_, err = os.Stat(filepath.Join(scenesDir, "gone"))
	assert.True(t, os.IsNotExist(err))

	// The live video's directory is untouched.
	_, err = os.Stat(filepath.Join(scenesDir, "keep"))
	assert.NoError(t, err)
}
