package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config carries all runtime settings. Values are fixed at startup; slot
// capacities in particular are not runtime-mutable.
type Config struct {
	Addr    string
	DataDir string

	DownloadDir string
	EncodeDir   string
	// UploadRemote is the rclone remote target, e.g. "gdrive:encodes".
	UploadRemote string

	DownloadSlots int
	EncodeSlots   int
	UploadSlots   int

	// CheckpointPercent is the minimum progress advance, in percent, that
	// triggers a durable checkpoint write.
	CheckpointPercent int
	// CancelGrace bounds how long a cancelled executor may run before it is
	// force-terminated.
	CancelGrace time.Duration
	// StageTimeout bounds one stage's total run time; a stalled tool is
	// interrupted and the stage fails.
	StageTimeout time.Duration
	// RetryStageOnce re-runs a failed stage once from its retained
	// checkpoint before surfacing the failure.
	RetryStageOnce bool

	// StatsPath is the JSON statistics file location.
	StatsPath string
}

// Load reads configuration from the environment, falling back to defaults.
func Load() Config {
	dataDir := getenv("PIPELINE_DATA_DIR", "data")

	return Config{
		Addr:              getenv("PIPELINE_ADDR", ":8080"),
		DataDir:           dataDir,
		DownloadDir:       getenv("PIPELINE_DOWNLOAD_DIR", filepath.Join(dataDir, "downloads")),
		EncodeDir:         getenv("PIPELINE_ENCODE_DIR", filepath.Join(dataDir, "encode")),
		UploadRemote:      getenv("PIPELINE_UPLOAD_REMOTE", "gdrive:encodes"),
		DownloadSlots:     getenvInt("PIPELINE_DOWNLOAD_SLOTS", 3),
		EncodeSlots:       getenvInt("PIPELINE_ENCODE_SLOTS", 3),
		UploadSlots:       getenvInt("PIPELINE_UPLOAD_SLOTS", 2),
		CheckpointPercent: getenvInt("PIPELINE_CHECKPOINT_PERCENT", 1),
		CancelGrace:       getenvDuration("PIPELINE_CANCEL_GRACE", 10*time.Second),
		StageTimeout:      getenvDuration("PIPELINE_STAGE_TIMEOUT", 30*time.Minute),
		RetryStageOnce:    getenvBool("PIPELINE_RETRY_STAGE_ONCE", false),
		StatsPath:         getenv("PIPELINE_STATS_PATH", filepath.Join(dataDir, "stats.json")),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func getenvBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
