package jobs

import (
	"errors"
	"testing"
	"time"

	"media-pipeline/internal/domain"
)

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	return NewMachineForTests(1, nil, func(string) bool { return true })
}

func createJob(t *testing.T, m *Machine, kind domain.Kind) domain.Job {
	t.Helper()
	inputs := domain.Inputs{
		MagnetURI:       "magnet:?xt=urn:btih:abc",
		TargetName:      "movie",
		IntroPath:       "/media/intro.mp4",
		EpisodePath:     "/media/ep.mkv",
		SubtitlePath:    "/media/ep.srt",
		OutputName:      "ep-final",
		SourcePath:      "/encode/ep-final.mp4",
		DestinationName: "ep-final.mp4",
	}
	job, err := m.Create(kind, inputs)
	if err != nil {
		t.Fatalf("create %s: %v", kind, err)
	}
	return job
}

// TestMachineLifecycle walks a chained pipeline job to completion.
func TestMachineLifecycle(t *testing.T) {
	m := newTestMachine(t)
	job := createJob(t, m, domain.KindPipeline)

	if job.Stage != domain.StageQueued {
		t.Fatalf("initial stage = %s, want queued", job.Stage)
	}

	if err := m.BeginStage(job.ID, domain.StageDownloading); err != nil {
		t.Fatalf("begin download: %v", err)
	}
	if next, err := m.StageSucceeded(job.ID, "/downloads/show-ep01.mkv"); err != nil || next != domain.StageEncoding {
		t.Fatalf("after download: next = %s, err = %v", next, err)
	}
	// The download output becomes the encode input, so a restarted job
	// re-enters encoding with its episode path intact.
	if got, _ := m.Get(job.ID); got.Inputs.EpisodePath != "/downloads/show-ep01.mkv" {
		t.Fatalf("episode path = %q, want download output", got.Inputs.EpisodePath)
	}

	if err := m.BeginStage(job.ID, domain.StageEncoding); err != nil {
		t.Fatalf("begin encode: %v", err)
	}
	if next, err := m.StageSucceeded(job.ID, "/encodes/ep01-final.mp4"); err != nil || next != domain.StageUploading {
		t.Fatalf("after encode: next = %s, err = %v", next, err)
	}
	if got, _ := m.Get(job.ID); got.Inputs.SourcePath != "/encodes/ep01-final.mp4" {
		t.Fatalf("source path = %q, want encode output", got.Inputs.SourcePath)
	}

	if err := m.BeginStage(job.ID, domain.StageUploading); err != nil {
		t.Fatalf("begin upload: %v", err)
	}
	if next, err := m.StageSucceeded(job.ID, "gdrive:encodes/ep01-final.mp4"); err != nil || next != domain.StageCompleted {
		t.Fatalf("after upload: next = %s, err = %v", next, err)
	}

	got, _ := m.Get(job.ID)
	if got.Stage != domain.StageCompleted {
		t.Fatalf("stage = %s, want completed", got.Stage)
	}
	if got.FinishedAt.IsZero() {
		t.Fatal("finishedAt not set")
	}
	if got.Checkpoint != nil {
		t.Fatal("checkpoint must be cleared on completion")
	}
}

// TestMachineSingleStageCompletes verifies an upload-only job skips the
// stages it does not need.
func TestMachineSingleStageCompletes(t *testing.T) {
	m := newTestMachine(t)
	job := createJob(t, m, domain.KindUpload)

	if err := m.BeginStage(job.ID, domain.StageUploading); err != nil {
		t.Fatalf("begin upload: %v", err)
	}
	if next, err := m.StageSucceeded(job.ID, ""); err != nil || next != domain.StageCompleted {
		t.Fatalf("next = %s, err = %v, want completed", next, err)
	}
}

// TestMachineRejectsInvalidTransitions checks the edge table.
func TestMachineRejectsInvalidTransitions(t *testing.T) {
	m := newTestMachine(t)
	job := createJob(t, m, domain.KindDownload)

	// Download-only job cannot begin encoding.
	if err := m.BeginStage(job.ID, domain.StageEncoding); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("begin encode on download job: err = %v, want ErrInvalidTransition", err)
	}
	// Success without an active stage.
	if _, err := m.StageSucceeded(job.ID, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("success while queued: err = %v, want ErrInvalidTransition", err)
	}
	// Failure without an active stage.
	if err := m.StageFailed(job.ID, "boom"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("failure while queued: err = %v, want ErrInvalidTransition", err)
	}

	if err := m.BeginStage(job.ID, domain.StageDownloading); err != nil {
		t.Fatalf("begin download: %v", err)
	}
	if _, err := m.StageSucceeded(job.ID, ""); err != nil {
		t.Fatalf("success: %v", err)
	}
	// Terminal job accepts nothing further.
	if err := m.Cancel(job.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel after completion: err = %v, want ErrInvalidTransition", err)
	}
}

// TestMachineFailureRetainsCheckpoint verifies failed jobs keep resumable
// state while cancelled jobs discard it.
func TestMachineFailureRetainsCheckpoint(t *testing.T) {
	m := newTestMachine(t)

	failed := createJob(t, m, domain.KindDownload)
	if err := m.BeginStage(failed.ID, domain.StageDownloading); err != nil {
		t.Fatalf("begin: %v", err)
	}
	ckpt := &domain.Checkpoint{SessionID: "gid-1", PartialPath: "/downloads/movie.mkv", Offset: 1 << 20}
	if due, err := m.ApplyProgress(failed.ID, domain.Progress{Done: 50, Total: 100}, ckpt); err != nil || !due {
		t.Fatalf("progress: due = %v, err = %v", due, err)
	}
	if err := m.StageFailed(failed.ID, "tracker timeout"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, _ := m.Get(failed.ID)
	if got.Checkpoint == nil || got.Checkpoint.SessionID != "gid-1" {
		t.Fatalf("failed job checkpoint = %+v, want retained", got.Checkpoint)
	}
	if got.Error != "tracker timeout" {
		t.Fatalf("error = %q", got.Error)
	}

	cancelled := createJob(t, m, domain.KindDownload)
	if err := m.BeginStage(cancelled.ID, domain.StageDownloading); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := m.ApplyProgress(cancelled.ID, domain.Progress{Done: 50, Total: 100}, ckpt); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if err := m.Cancel(cancelled.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ = m.Get(cancelled.ID)
	if got.Checkpoint != nil {
		t.Fatal("cancelled job must discard its checkpoint")
	}
}

// TestMachineCheckpointThreshold verifies the threshold-based write policy
// and that backwards progress samples are dropped.
func TestMachineCheckpointThreshold(t *testing.T) {
	m := NewMachineForTests(10, nil, func(string) bool { return true })
	job := createJob(t, m, domain.KindDownload)
	if err := m.BeginStage(job.ID, domain.StageDownloading); err != nil {
		t.Fatalf("begin: %v", err)
	}

	ckpt := &domain.Checkpoint{PartialPath: "/downloads/movie.mkv"}

	due, err := m.ApplyProgress(job.ID, domain.Progress{Done: 5, Total: 100}, ckpt)
	if err != nil || due {
		t.Fatalf("5%%: due = %v, want false", due)
	}
	due, err = m.ApplyProgress(job.ID, domain.Progress{Done: 12, Total: 100}, ckpt)
	if err != nil || !due {
		t.Fatalf("12%%: due = %v, want true", due)
	}
	// Next write only once another 10% accumulates.
	due, err = m.ApplyProgress(job.ID, domain.Progress{Done: 15, Total: 100}, ckpt)
	if err != nil || due {
		t.Fatalf("15%%: due = %v, want false", due)
	}

	// Backwards sample is dropped entirely.
	if _, err := m.ApplyProgress(job.ID, domain.Progress{Done: 3, Total: 100}, ckpt); err != nil {
		t.Fatalf("backwards sample: %v", err)
	}
	got, _ := m.Get(job.ID)
	if got.Progress.Done != 15 {
		t.Fatalf("done = %d, want 15 (monotonic)", got.Progress.Done)
	}
	if got.Checkpoint.Stage != domain.StageDownloading {
		t.Fatalf("checkpoint stage = %s", got.Checkpoint.Stage)
	}
}

// TestMachineListActive excludes terminal jobs and orders by creation.
func TestMachineListActive(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	tick := 0
	m := NewMachineForTests(1, func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}, func(string) bool { return true })

	first := createJob(t, m, domain.KindDownload)
	second := createJob(t, m, domain.KindEncode)
	done := createJob(t, m, domain.KindUpload)

	if err := m.BeginStage(done.ID, domain.StageUploading); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := m.StageSucceeded(done.ID, ""); err != nil {
		t.Fatalf("succeed: %v", err)
	}

	active := m.ListActive()
	if len(active) != 2 {
		t.Fatalf("active = %d, want 2", len(active))
	}
	if active[0].ID != first.ID || active[1].ID != second.ID {
		t.Fatalf("order = %s, %s; want %s, %s", active[0].ID, active[1].ID, first.ID, second.ID)
	}
}

// TestMachineRestore registers persisted jobs and rejects duplicates.
func TestMachineRestore(t *testing.T) {
	m := newTestMachine(t)

	job := domain.Job{
		ID:    "restored-1",
		Kind:  domain.KindDownload,
		Stage: domain.StageDownloading,
		Checkpoint: &domain.Checkpoint{
			Stage:       domain.StageDownloading,
			PartialPath: "/downloads/movie.mkv",
		},
	}
	if err := m.Restore(job); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := m.Restore(job); err == nil {
		t.Fatal("duplicate restore should fail")
	}

	got, ok := m.Get("restored-1")
	if !ok || got.Checkpoint == nil {
		t.Fatalf("restored job lost state: %+v", got)
	}

	// ResetStage drops the unusable checkpoint but keeps the job runnable.
	if err := m.ResetStage("restored-1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, _ = m.Get("restored-1")
	if got.Checkpoint != nil {
		t.Fatal("reset must drop the checkpoint")
	}
}

// TestMachineUnknownJob verifies ErrJobNotFound on every operation.
func TestMachineUnknownJob(t *testing.T) {
	m := newTestMachine(t)

	if err := m.BeginStage("nope", domain.StageDownloading); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("begin: %v", err)
	}
	if _, err := m.StageSucceeded("nope", ""); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("succeed: %v", err)
	}
	if err := m.StageFailed("nope", "x"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("fail: %v", err)
	}
	if err := m.Cancel("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("cancel: %v", err)
	}
}
