package locks

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidecarr/sidecarr/internal/media"
)

func TestKeyed_MutualExclusion(t *testing.T) {
	k := NewKeyed()

	release, err := k.Acquire(context.Background(), "/a.mp4", "preview")
	require.NoError(t, err)

	_, ok := k.TryAcquire("/a.mp4", "preview")
	assert.False(t, ok)

	// Different task on the same video does not contend.
	r2, ok := k.TryAcquire("/a.mp4", "sprites")
	require.True(t, ok)
	r2()

	release()
	r3, ok := k.TryAcquire("/a.mp4", "preview")
	require.True(t, ok)
	r3()
}

func TestKeyed_AcquireHonorsContext(t *testing.T) {
	k := NewKeyed()
	release, err := k.Acquire(context.Background(), "/a.mp4", "preview")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = k.Acquire(ctx, "/a.mp4", "preview")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.Zero(t, k.Len())
}

func TestKeyed_EvictsUnreferencedEntries(t *testing.T) {
	k := NewKeyed()
	release, err := k.Acquire(context.Background(), "/a.mp4", "phash")
	require.NoError(t, err)
	assert.Equal(t, 1, k.Len())

	release()
	release() // idempotent
	assert.Zero(t, k.Len())
}

func TestKeyed_SerializesCounter(t *testing.T) {
	k := NewKeyed()
	var counter, max, live int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := k.Acquire(context.Background(), "/a.mp4", "heatmaps")
			if err != nil {
				return
			}
			mu.Lock()
			live++
			if live > max {
				max = live
			}
			counter++
			live--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, counter)
	assert.Equal(t, 1, max)
	assert.Zero(t, k.Len())
}

func TestManager_LockCreatesLockFile(t *testing.T) {
	layout, err := media.NewLayout(t.TempDir(), []string{"mp4"}, "webm")
	require.NoError(t, err)
	m := NewManager(layout, nil)

	video := filepath.Join(layout.Root, "v.mp4")
	release, err := m.Lock(context.Background(), video, "preview")
	require.NoError(t, err)
	defer release()

	assert.FileExists(t, filepath.Join(layout.LockDir(video), "preview.lock"))
}
