// Package config provides configuration management for sidecarr using Viper.
// It supports configuration from files, environment variables, and defaults.
//
// Every setting is reachable as SIDECARR_<SECTION>_<KEY>; the short env names
// the generation engine historically used (MEDIA_ROOT, FFMPEG_CONCURRENCY,
// JOB_MAX_CONCURRENCY, ...) are bound as aliases so existing deployments keep
// working.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort          = 8080
	defaultServerTimeout       = 30 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultFFmpegConcurrency   = 4
	defaultFFmpegTimelimit     = 600 * time.Second
	defaultJobConcurrency      = 4
	defaultPreviewSegments     = 9
	defaultPreviewSegDur       = 0.8
	defaultPreviewWidth        = 320
	defaultPreviewMinGapFrac   = 0.25
	defaultPreviewWatchdogWarn = 10 * time.Second
	defaultPreviewWatchdogKill = 60 * time.Second
	defaultSpritesCols         = 8
	defaultSpritesRows         = 8
	defaultSpritesTileWidth    = 160
	defaultSpritesAutoEvenSec  = 1800
	defaultThumbnailWidth      = 320
	defaultThumbnailQuality    = 4
	defaultSceneThreshold      = 0.4
	defaultFacesInterval       = 1.0
	defaultFacesSimThreshold   = 0.9
	defaultHeatmapInterval     = 5.0
	defaultMotionInterval      = 2.0
	defaultPhashFrames         = 5

	// MaxFFmpegConcurrency bounds the ffmpeg gate capacity.
	MaxFFmpegConcurrency = 16
)

// DefaultMediaExts is the default set of recognized media extensions.
var DefaultMediaExts = []string{"mp4", "mkv", "mov", "m4v", "webm", "avi"}

// DefaultLightSlotTasks are the task types that release their job slot while
// the heavy lifting happens inside ffmpeg.
var DefaultLightSlotTasks = []string{"markers", "preview", "sprites", "phash", "faces", "heatmaps"}

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Library     LibraryConfig     `mapstructure:"library"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	FFmpeg      FFmpegConfig      `mapstructure:"ffmpeg"`
	Jobs        JobsConfig        `mapstructure:"jobs"`
	Preview     PreviewConfig     `mapstructure:"preview"`
	Sprites     SpritesConfig     `mapstructure:"sprites"`
	Thumbnail   ThumbnailConfig   `mapstructure:"thumbnail"`
	Scenes      ScenesConfig      `mapstructure:"scenes"`
	Heatmaps    HeatmapsConfig    `mapstructure:"heatmaps"`
	Motion      MotionConfig      `mapstructure:"motion"`
	Phash       PhashConfig       `mapstructure:"phash"`
	Subtitles   SubtitlesConfig   `mapstructure:"subtitles"`
	Faces       FacesConfig       `mapstructure:"faces"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Watch       WatchConfig       `mapstructure:"watch"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// LibraryConfig describes the media library root and artifact/state layout.
type LibraryConfig struct {
	// Root is the library root directory (MEDIA_ROOT).
	Root string `mapstructure:"root"`
	// Exts is the set of recognized media extensions, without dots (MEDIA_EXTS).
	Exts []string `mapstructure:"exts"`
	// StateDir is where job records are persisted. Defaults to <root>/.artifacts.
	StateDir string `mapstructure:"state_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// FFmpegConfig holds external binary configuration and the global ffmpeg gate.
type FFmpegConfig struct {
	// FFmpegPath is the ffmpeg binary (FFMPEG).
	FFmpegPath string `mapstructure:"ffmpeg_path"`
	// FFprobePath is the ffprobe binary (FFPROBE).
	FFprobePath string `mapstructure:"ffprobe_path"`
	// HWAccel is passed as -hwaccel when non-empty (FFMPEG_HWACCEL).
	HWAccel string `mapstructure:"hwaccel"`
	// Threads is "auto" or an integer (FFMPEG_THREADS).
	Threads string `mapstructure:"threads"`
	// Timelimit is the per-command ceiling; 0 disables (FFMPEG_TIMELIMIT).
	Timelimit time.Duration `mapstructure:"timelimit"`
	// Concurrency is the ffmpeg gate capacity, clamped to 1..16 (FFMPEG_CONCURRENCY).
	Concurrency int `mapstructure:"concurrency"`
	// KillGrace is how long SIGTERM gets before SIGKILL.
	KillGrace time.Duration `mapstructure:"kill_grace"`
}

// JobsConfig holds the job engine knobs.
type JobsConfig struct {
	MaxConcurrency     int           `mapstructure:"max_concurrency"`     // JOB_MAX_CONCURRENCY
	BatchWorkers       int           `mapstructure:"batch_workers"`       // BATCH_WORKERS
	RestoreWorkers     int           `mapstructure:"restore_workers"`     // RESTORE_WORKERS
	PersistDisable     bool          `mapstructure:"persist_disable"`     // JOB_PERSIST_DISABLE
	AutorestoreDisable bool          `mapstructure:"autorestore_disable"` // JOB_AUTORESTORE_DISABLE
	StrictFIFOStart    bool          `mapstructure:"strict_fifo_start"`   // STRICT_FIFO_START
	LightSlotAll       bool          `mapstructure:"light_slot_all"`      // LIGHT_SLOT_ALL
	LightSlotTypes     []string      `mapstructure:"light_slot_types"`    // LIGHT_SLOT_TYPES
	ReaperMaxIdle      time.Duration `mapstructure:"reaper_max_idle"`
	ReaperMinAge       time.Duration `mapstructure:"reaper_min_age"`
}

// PreviewConfig holds rolling-preview generation settings.
type PreviewConfig struct {
	Segments     int           `mapstructure:"segments"`
	SegDur       float64       `mapstructure:"seg_dur"`
	Width        int           `mapstructure:"width"`
	Format       string        `mapstructure:"format"`        // webm or mp4
	CRFVP9       int           `mapstructure:"crf_vp9"`       // PREVIEW_CRF_VP9
	CRFH264      int           `mapstructure:"crf_h264"`      // PREVIEW_CRF_H264
	SinglePass   bool          `mapstructure:"single_pass"`   // PREVIEW_SINGLE_PASS
	MinGapFrac   float64       `mapstructure:"min_gap_frac"`  // PREVIEW_MIN_GAP_FRAC
	WatchdogWarn time.Duration `mapstructure:"watchdog_warn"` // PREVIEW_PROGRESS_WATCHDOG_SECS
	WatchdogKill time.Duration `mapstructure:"watchdog_kill"` // PREVIEW_PROGRESS_KILL_SECS
}

// SpritesConfig holds sprite sheet generation settings.
type SpritesConfig struct {
	Cols         int           `mapstructure:"cols"`
	Rows         int           `mapstructure:"rows"`
	TileWidth    int           `mapstructure:"tile_width"`
	Quality      int           `mapstructure:"quality"`
	Keyframes    bool          `mapstructure:"keyframes"`     // SPRITES_KEYFRAMES
	EvenSampling bool          `mapstructure:"even_sampling"` // SPRITES_EVEN_SAMPLING
	AutoEvenSec  float64       `mapstructure:"auto_even_sec"` // SPRITES_AUTO_EVEN_SEC
	EvenWorkers  int           `mapstructure:"even_workers"`  // SPRITES_EVEN_WORKERS
	WatchdogKill time.Duration `mapstructure:"watchdog_kill"` // SPRITES_WATCHDOG_KILL_SECS
}

// ThumbnailConfig holds thumbnail generation settings.
type ThumbnailConfig struct {
	Width   int `mapstructure:"width"`   // THUMBNAIL_WIDTH
	Quality int `mapstructure:"quality"` // THUMBNAIL_QUALITY
}

// ScenesConfig holds scene/marker detection settings.
type ScenesConfig struct {
	Threshold       float64       `mapstructure:"threshold"`
	LightSlot       bool          `mapstructure:"light_slot"`        // SCENES_LIGHT_SLOT
	HeartbeatEvery  time.Duration `mapstructure:"heartbeat_every"`   // SCENES_HEARTBEAT_EVERY
	HeartbeatCapPct int           `mapstructure:"heartbeat_cap_pct"` // SCENES_HEARTBEAT_CAP_PCT
	ThumbQuality    int           `mapstructure:"thumb_quality"`     // SCENE_THUMB_QUALITY
	ClipCRF         int           `mapstructure:"clip_crf"`          // SCENE_CLIP_CRF
	GenerateThumbs  bool          `mapstructure:"generate_thumbs"`
	GenerateClips   bool          `mapstructure:"generate_clips"`
}

// HeatmapsConfig holds brightness heatmap settings.
type HeatmapsConfig struct {
	Interval float64 `mapstructure:"interval"`
	PNG      bool    `mapstructure:"png"`
}

// MotionConfig holds motion-activity sampling settings.
type MotionConfig struct {
	Interval float64 `mapstructure:"interval"`
}

// PhashConfig holds perceptual hash settings.
type PhashConfig struct {
	Frames  int    `mapstructure:"frames"`
	Algo    string `mapstructure:"algo"`    // ahash or dhash
	Combine string `mapstructure:"combine"` // xor or majority
}

// SubtitlesConfig holds speech-to-text settings.
type SubtitlesConfig struct {
	WhisperCppBin   string `mapstructure:"whisper_cpp_bin"`   // WHISPER_CPP_BIN
	WhisperCppModel string `mapstructure:"whisper_cpp_model"` // WHISPER_CPP_MODEL
}

// FacesConfig holds face detection settings.
type FacesConfig struct {
	// DetectorCmd is an external detector invoked per video; it must print
	// one JSON detection document to stdout (FACES_DETECTOR_CMD).
	DetectorCmd string `mapstructure:"detector_cmd"`
	// OpenFaceModel is an optional embedding model path passed to the
	// detector (OPENFACE_MODEL).
	OpenFaceModel string  `mapstructure:"openface_model"`
	Interval      float64 `mapstructure:"interval"`
	SimThreshold  float64 `mapstructure:"sim_threshold"`
	MinRelSize    float64 `mapstructure:"min_rel_size"`
}

// DatabaseConfig holds the embeddings index connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
}

// WatchConfig holds the library watcher settings.
type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// MaintenanceConfig holds the cron maintenance settings.
type MaintenanceConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	IntegrityCron string        `mapstructure:"integrity_cron"`
	ReaperEvery   time.Duration `mapstructure:"reaper_every"`
}

// SetDefaults registers every default value on the provided viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	v.SetDefault("library.root", ".")
	v.SetDefault("library.exts", DefaultMediaExts)
	v.SetDefault("library.state_dir", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)

	v.SetDefault("ffmpeg.ffmpeg_path", "ffmpeg")
	v.SetDefault("ffmpeg.ffprobe_path", "ffprobe")
	v.SetDefault("ffmpeg.hwaccel", "")
	v.SetDefault("ffmpeg.threads", "")
	v.SetDefault("ffmpeg.timelimit", defaultFFmpegTimelimit)
	v.SetDefault("ffmpeg.concurrency", defaultFFmpegConcurrency)
	v.SetDefault("ffmpeg.kill_grace", 3*time.Second)

	v.SetDefault("jobs.max_concurrency", defaultJobConcurrency)
	v.SetDefault("jobs.batch_workers", defaultBatchWorkers())
	v.SetDefault("jobs.restore_workers", 2)
	v.SetDefault("jobs.persist_disable", false)
	v.SetDefault("jobs.autorestore_disable", false)
	v.SetDefault("jobs.strict_fifo_start", false)
	v.SetDefault("jobs.light_slot_all", false)
	v.SetDefault("jobs.light_slot_types", DefaultLightSlotTasks)
	v.SetDefault("jobs.reaper_max_idle", 10*time.Minute)
	v.SetDefault("jobs.reaper_min_age", 2*time.Minute)

	v.SetDefault("preview.segments", defaultPreviewSegments)
	v.SetDefault("preview.seg_dur", defaultPreviewSegDur)
	v.SetDefault("preview.width", defaultPreviewWidth)
	v.SetDefault("preview.format", "webm")
	v.SetDefault("preview.crf_vp9", 33)
	v.SetDefault("preview.crf_h264", 28)
	v.SetDefault("preview.single_pass", true)
	v.SetDefault("preview.min_gap_frac", defaultPreviewMinGapFrac)
	v.SetDefault("preview.watchdog_warn", defaultPreviewWatchdogWarn)
	v.SetDefault("preview.watchdog_kill", defaultPreviewWatchdogKill)

	v.SetDefault("sprites.cols", defaultSpritesCols)
	v.SetDefault("sprites.rows", defaultSpritesRows)
	v.SetDefault("sprites.tile_width", defaultSpritesTileWidth)
	v.SetDefault("sprites.quality", 4)
	v.SetDefault("sprites.keyframes", true)
	v.SetDefault("sprites.even_sampling", false)
	v.SetDefault("sprites.auto_even_sec", float64(defaultSpritesAutoEvenSec))
	v.SetDefault("sprites.even_workers", 4)
	v.SetDefault("sprites.watchdog_kill", 120*time.Second)

	v.SetDefault("thumbnail.width", defaultThumbnailWidth)
	v.SetDefault("thumbnail.quality", defaultThumbnailQuality)

	v.SetDefault("scenes.threshold", defaultSceneThreshold)
	v.SetDefault("scenes.light_slot", true)
	v.SetDefault("scenes.heartbeat_every", 2*time.Second)
	v.SetDefault("scenes.heartbeat_cap_pct", 3)
	v.SetDefault("scenes.thumb_quality", 4)
	v.SetDefault("scenes.clip_crf", 28)
	v.SetDefault("scenes.generate_thumbs", true)
	v.SetDefault("scenes.generate_clips", false)

	v.SetDefault("heatmaps.interval", defaultHeatmapInterval)
	v.SetDefault("heatmaps.png", true)

	v.SetDefault("motion.interval", defaultMotionInterval)

	v.SetDefault("phash.frames", defaultPhashFrames)
	v.SetDefault("phash.algo", "ahash")
	v.SetDefault("phash.combine", "xor")

	v.SetDefault("subtitles.whisper_cpp_bin", "")
	v.SetDefault("subtitles.whisper_cpp_model", "")

	v.SetDefault("faces.detector_cmd", "")
	v.SetDefault("faces.openface_model", "")
	v.SetDefault("faces.interval", defaultFacesInterval)
	v.SetDefault("faces.sim_threshold", defaultFacesSimThreshold)
	v.SetDefault("faces.min_rel_size", 0.04)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "sidecarr.db")
	v.SetDefault("database.max_open_conns", 6)
	v.SetDefault("database.max_idle_conns", 3)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("watch.enabled", false)
	v.SetDefault("watch.debounce", 2*time.Second)

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.integrity_cron", "0 4 * * *")
	v.SetDefault("maintenance.reaper_every", time.Minute)
}

// legacyEnvAliases maps viper keys to the bare env names of the generation
// engine. Seconds-valued legacy vars are handled separately in Load.
var legacyEnvAliases = map[string][]string{
	"library.root":                {"MEDIA_ROOT"},
	"library.exts":                {"MEDIA_EXTS"},
	"ffmpeg.ffmpeg_path":          {"FFMPEG"},
	"ffmpeg.ffprobe_path":         {"FFPROBE"},
	"ffmpeg.hwaccel":              {"FFMPEG_HWACCEL"},
	"ffmpeg.threads":              {"FFMPEG_THREADS"},
	"ffmpeg.concurrency":          {"FFMPEG_CONCURRENCY"},
	"jobs.max_concurrency":        {"JOB_MAX_CONCURRENCY"},
	"jobs.batch_workers":          {"BATCH_WORKERS"},
	"jobs.restore_workers":        {"RESTORE_WORKERS"},
	"jobs.persist_disable":        {"JOB_PERSIST_DISABLE"},
	"jobs.autorestore_disable":    {"JOB_AUTORESTORE_DISABLE"},
	"jobs.strict_fifo_start":      {"STRICT_FIFO_START"},
	"jobs.light_slot_all":         {"LIGHT_SLOT_ALL"},
	"jobs.light_slot_types":       {"LIGHT_SLOT_TYPES"},
	"preview.crf_vp9":             {"PREVIEW_CRF_VP9"},
	"preview.crf_h264":            {"PREVIEW_CRF_H264"},
	"preview.single_pass":         {"PREVIEW_SINGLE_PASS"},
	"preview.min_gap_frac":        {"PREVIEW_MIN_GAP_FRAC"},
	"sprites.keyframes":           {"SPRITES_KEYFRAMES"},
	"sprites.even_sampling":       {"SPRITES_EVEN_SAMPLING"},
	"sprites.auto_even_sec":       {"SPRITES_AUTO_EVEN_SEC"},
	"sprites.even_workers":        {"SPRITES_EVEN_WORKERS"},
	"scenes.light_slot":           {"SCENES_LIGHT_SLOT"},
	"thumbnail.width":             {"THUMBNAIL_WIDTH"},
	"thumbnail.quality":           {"THUMBNAIL_QUALITY"},
	"scenes.thumb_quality":        {"SCENE_THUMB_QUALITY"},
	"scenes.clip_crf":             {"SCENE_CLIP_CRF"},
	"subtitles.whisper_cpp_bin":   {"WHISPER_CPP_BIN"},
	"subtitles.whisper_cpp_model": {"WHISPER_CPP_MODEL"},
	"faces.detector_cmd":          {"FACES_DETECTOR_CMD"},
	"faces.openface_model":        {"OPENFACE_MODEL"},
}

// secondsEnvAliases are legacy env vars expressed as bare seconds rather than
// Go duration strings.
var secondsEnvAliases = map[string]string{
	"ffmpeg.timelimit":      "FFMPEG_TIMELIMIT",
	"preview.watchdog_warn": "PREVIEW_PROGRESS_WATCHDOG_SECS",
	"preview.watchdog_kill": "PREVIEW_PROGRESS_KILL_SECS",
	"sprites.watchdog_kill": "SPRITES_WATCHDOG_KILL_SECS",
}

// BindEnv wires the SIDECARR_ prefix and the legacy aliases on v.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix("SIDECARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, aliases := range legacyEnvAliases {
		args := append([]string{key}, aliases...)
		_ = v.BindEnv(args...)
	}
}

// Load builds a Config from the viper instance and validates it.
func Load(v *viper.Viper) (*Config, error) {
	applySecondsAliases(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.applyBounds()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applySecondsAliases converts bare-seconds legacy env vars to durations.
func applySecondsAliases(v *viper.Viper) {
	for key, env := range secondsEnvAliases {
		_ = v.BindEnv(key+"_secs", env)
		if v.IsSet(key + "_secs") {
			if secs := v.GetFloat64(key + "_secs"); secs >= 0 {
				v.Set(key, time.Duration(secs*float64(time.Second)))
			}
		}
	}
}

// applyBounds clamps runtime-tunable values into their documented ranges.
func (c *Config) applyBounds() {
	c.FFmpeg.Concurrency = ClampFFmpegConcurrency(c.FFmpeg.Concurrency)
	if c.Jobs.MaxConcurrency < 1 {
		c.Jobs.MaxConcurrency = 1
	}
	if c.Jobs.BatchWorkers < 1 {
		c.Jobs.BatchWorkers = 1
	}
	if c.Jobs.RestoreWorkers < 1 {
		c.Jobs.RestoreWorkers = 1
	}
	if c.Jobs.RestoreWorkers > c.Jobs.MaxConcurrency {
		c.Jobs.RestoreWorkers = c.Jobs.MaxConcurrency
	}
	if c.Preview.Segments < 1 {
		c.Preview.Segments = defaultPreviewSegments
	}
	if c.Preview.SegDur <= 0 {
		c.Preview.SegDur = defaultPreviewSegDur
	}
	if len(c.Library.Exts) == 0 {
		c.Library.Exts = DefaultMediaExts
	}
}

// ClampFFmpegConcurrency bounds an ffmpeg gate capacity into 1..16.
func ClampFFmpegConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxFFmpegConcurrency {
		return MaxFFmpegConcurrency
	}
	return n
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Library.Root == "" {
		return errors.New("library root must not be empty")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Preview.Format {
	case "webm", "mp4":
	default:
		return fmt.Errorf("invalid preview format %q (want webm or mp4)", c.Preview.Format)
	}
	switch c.Phash.Algo {
	case "ahash", "dhash":
	default:
		return fmt.Errorf("invalid phash algo %q (want ahash or dhash)", c.Phash.Algo)
	}
	switch c.Phash.Combine {
	case "xor", "majority":
	default:
		return fmt.Errorf("invalid phash combine %q (want xor or majority)", c.Phash.Combine)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("invalid database driver %q", c.Database.Driver)
	}
	return nil
}

// StateDir resolves the job persistence directory.
func (c *Config) StateDir() string {
	if c.Library.StateDir != "" {
		return c.Library.StateDir
	}
	return filepath.Join(c.Library.Root, ".artifacts")
}

func defaultBatchWorkers() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	if n > 4 {
		n = 4
	}
	return n
}
