package config

import (
	"testing"
	"time"
)

// TestLoadDefaults checks fallbacks with a clean environment.
func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Addr != ":8080" {
		t.Fatalf("addr = %q, want :8080", cfg.Addr)
	}
	if cfg.DownloadSlots != 3 || cfg.EncodeSlots != 3 || cfg.UploadSlots != 2 {
		t.Fatalf("slots = %d/%d/%d, want 3/3/2",
			cfg.DownloadSlots, cfg.EncodeSlots, cfg.UploadSlots)
	}
	if cfg.CancelGrace != 10*time.Second {
		t.Fatalf("cancel grace = %v, want 10s", cfg.CancelGrace)
	}
	if cfg.RetryStageOnce {
		t.Fatal("retry should default off")
	}
}

// TestLoadOverrides checks environment values take effect.
func TestLoadOverrides(t *testing.T) {
	t.Setenv("PIPELINE_ADDR", ":9999")
	t.Setenv("PIPELINE_ENCODE_SLOTS", "5")
	t.Setenv("PIPELINE_CANCEL_GRACE", "3s")
	t.Setenv("PIPELINE_RETRY_STAGE_ONCE", "true")

	cfg := Load()
	if cfg.Addr != ":9999" {
		t.Fatalf("addr = %q, want :9999", cfg.Addr)
	}
	if cfg.EncodeSlots != 5 {
		t.Fatalf("encode slots = %d, want 5", cfg.EncodeSlots)
	}
	if cfg.CancelGrace != 3*time.Second {
		t.Fatalf("cancel grace = %v, want 3s", cfg.CancelGrace)
	}
	if !cfg.RetryStageOnce {
		t.Fatal("retry override ignored")
	}
}

// TestLoadRejectsMalformedValues ensures bad values fall back to defaults.
func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("PIPELINE_DOWNLOAD_SLOTS", "zero")
	t.Setenv("PIPELINE_UPLOAD_SLOTS", "-1")
	t.Setenv("PIPELINE_CANCEL_GRACE", "soon")

	cfg := Load()
	if cfg.DownloadSlots != 3 {
		t.Fatalf("download slots = %d, want default 3", cfg.DownloadSlots)
	}
	if cfg.UploadSlots != 2 {
		t.Fatalf("upload slots = %d, want default 2", cfg.UploadSlots)
	}
	if cfg.CancelGrace != 10*time.Second {
		t.Fatalf("cancel grace = %v, want default 10s", cfg.CancelGrace)
	}
}
