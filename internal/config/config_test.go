package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(newTestViper(t))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.FFmpeg.Concurrency)
	assert.Equal(t, 4, cfg.Jobs.MaxConcurrency)
	assert.Equal(t, 600*time.Second, cfg.FFmpeg.Timelimit)
	assert.Equal(t, 9, cfg.Preview.Segments)
	assert.InDelta(t, 0.8, cfg.Preview.SegDur, 0.001)
	assert.Equal(t, DefaultMediaExts, cfg.Library.Exts)
	assert.Equal(t, DefaultLightSlotTasks, cfg.Jobs.LightSlotTypes)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoad_ClampsFFmpegConcurrency(t *testing.T) {
	v := newTestViper(t)
	v.Set("ffmpeg.concurrency", 99)
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, MaxFFmpegConcurrency, cfg.FFmpeg.Concurrency)

	v.Set("ffmpeg.concurrency", 0)
	cfg, err = Load(v)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.FFmpeg.Concurrency)
}

func TestLoad_LegacySecondsEnv(t *testing.T) {
	t.Setenv("FFMPEG_TIMELIMIT", "120")
	v := newTestViper(t)
	BindEnv(v)
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, cfg.FFmpeg.Timelimit)
}

func TestLoad_LegacyEnvAliases(t *testing.T) {
	t.Setenv("MEDIA_ROOT", "/srv/media")
	t.Setenv("JOB_MAX_CONCURRENCY", "7")
	v := newTestViper(t)
	BindEnv(v)
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "/srv/media", cfg.Library.Root)
	assert.Equal(t, 7, cfg.Jobs.MaxConcurrency)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name string
		set  func(v *viper.Viper)
	}{
		{"bad preview format", func(v *viper.Viper) { v.Set("preview.format", "avi") }},
		{"bad phash algo", func(v *viper.Viper) { v.Set("phash.algo", "md5") }},
		{"bad phash combine", func(v *viper.Viper) { v.Set("phash.combine", "and") }},
		{"bad driver", func(v *viper.Viper) { v.Set("database.driver", "oracle") }},
		{"bad port", func(v *viper.Viper) { v.Set("server.port", -1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestViper(t)
			tt.set(v)
			_, err := Load(v)
			assert.Error(t, err)
		})
	}
}

func TestStateDir(t *testing.T) {
	v := newTestViper(t)
	v.Set("library.root", "/srv/media")
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "/srv/media/.artifacts", cfg.StateDir())

	v.Set("library.state_dir", "/var/lib/sidecarr")
	cfg, err = Load(v)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/sidecarr", cfg.StateDir())
}
