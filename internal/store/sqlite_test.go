package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"media-pipeline/internal/domain"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestSaveAndGetJob round-trips a job with a checkpoint.
func TestSaveAndGetJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	job := domain.Job{
		ID:    "job-1",
		Kind:  domain.KindPipeline,
		Stage: domain.StageDownloading,
		Inputs: domain.Inputs{
			MagnetURI:  "magnet:?xt=urn:btih:abc",
			TargetName: "movie",
		},
		Checkpoint: &domain.Checkpoint{
			Stage:       domain.StageDownloading,
			SessionID:   "gid-42",
			PartialPath: "/downloads/movie.mkv",
			Offset:      1 << 26,
			UpdatedAt:   created.Add(time.Minute),
		},
		CreatedAt:      created,
		StageStartedAt: created.Add(time.Second),
	}
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Kind != domain.KindPipeline || got.Stage != domain.StageDownloading {
		t.Fatalf("kind/stage = %s/%s", got.Kind, got.Stage)
	}
	if got.Inputs.MagnetURI != job.Inputs.MagnetURI {
		t.Fatalf("inputs lost: %+v", got.Inputs)
	}
	if got.Checkpoint == nil || got.Checkpoint.SessionID != "gid-42" || got.Checkpoint.Offset != 1<<26 {
		t.Fatalf("checkpoint = %+v", got.Checkpoint)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("createdAt = %v, want %v", got.CreatedAt, created)
	}
	if got.FinishedAt != (time.Time{}) {
		t.Fatalf("finishedAt = %v, want zero", got.FinishedAt)
	}
}

// TestSaveJobUpserts overwrites stage, checkpoint, and error in place.
func TestSaveJobUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := domain.Job{
		ID:        "job-1",
		Kind:      domain.KindDownload,
		Stage:     domain.StageDownloading,
		Inputs:    domain.Inputs{MagnetURI: "magnet:?xt=a", TargetName: "x"},
		CreatedAt: time.Now().UTC(),
		Checkpoint: &domain.Checkpoint{
			Stage:       domain.StageDownloading,
			PartialPath: "/downloads/x.mkv",
		},
	}
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatalf("save: %v", err)
	}

	job.Stage = domain.StageFailed
	job.Error = "tracker timeout"
	job.FinishedAt = time.Now().UTC()
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatalf("save update: %v", err)
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Stage != domain.StageFailed || got.Error != "tracker timeout" {
		t.Fatalf("stage/error = %s/%q", got.Stage, got.Error)
	}
	if got.Checkpoint == nil {
		t.Fatal("failed job checkpoint must survive the upsert")
	}
}

// TestSaveJobUpsertsChainedInputs verifies inputs written after submission
// survive the upsert. A pipeline job gains its episode and source paths as
// stages chain their outputs forward, and resume depends on them.
func TestSaveJobUpsertsChainedInputs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := domain.Job{
		ID:    "job-1",
		Kind:  domain.KindPipeline,
		Stage: domain.StageDownloading,
		Inputs: domain.Inputs{
			MagnetURI:  "magnet:?xt=urn:btih:abc",
			TargetName: "show-ep01",
			IntroPath:  "/media/intro.mp4",
			OutputName: "ep01-final",
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatalf("save: %v", err)
	}

	job.Stage = domain.StageEncoding
	job.Inputs.EpisodePath = "/downloads/show-ep01.mkv"
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatalf("save after download: %v", err)
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Inputs.EpisodePath != "/downloads/show-ep01.mkv" {
		t.Fatalf("episode path = %q, want chained download output", got.Inputs.EpisodePath)
	}
	if got.Inputs.MagnetURI != job.Inputs.MagnetURI || got.Inputs.IntroPath != job.Inputs.IntroPath {
		t.Fatalf("original inputs lost: %+v", got.Inputs)
	}

	job.Stage = domain.StageUploading
	job.Inputs.SourcePath = "/encodes/ep01-final.mp4"
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatalf("save after encode: %v", err)
	}
	got, err = s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Inputs.SourcePath != "/encodes/ep01-final.mp4" {
		t.Fatalf("source path = %q, want chained encode output", got.Inputs.SourcePath)
	}
}

// TestGetJobNotFound returns the sentinel for unknown ids.
func TestGetJobNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetJob(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// TestListUnfinished returns only non-terminal jobs, oldest first.
func TestListUnfinished(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	save := func(id string, stage domain.Stage, offset time.Duration) {
		t.Helper()
		err := s.SaveJob(ctx, domain.Job{
			ID:        id,
			Kind:      domain.KindDownload,
			Stage:     stage,
			Inputs:    domain.Inputs{MagnetURI: "magnet:?xt=a", TargetName: id},
			CreatedAt: base.Add(offset),
		})
		if err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	save("older-active", domain.StageEncoding, 0)
	save("newer-active", domain.StageQueued, time.Minute)
	save("done", domain.StageCompleted, 2*time.Minute)
	save("failed", domain.StageFailed, 3*time.Minute)
	save("cancelled", domain.StageCancelled, 4*time.Minute)

	got, err := s.ListUnfinished(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "older-active" || got[1].ID != "newer-active" {
		t.Fatalf("order = %s, %s", got[0].ID, got[1].ID)
	}
}
