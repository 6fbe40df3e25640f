package jobs

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"media-pipeline/internal/domain"
)

// ErrJobNotFound is returned for operations on unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// ErrInvalidTransition is returned when an event does not apply to the
// job's current stage. Correct wiring never produces it; callers treat it
// as a design error and log it rather than crash.
var ErrInvalidTransition = errors.New("invalid stage transition")

// Machine owns every job record and validates its stage transitions.
// Each job is guarded by its own lock; the machine-level lock only protects
// the registry map, so unrelated jobs never contend.
type Machine struct {
	mu   sync.RWMutex
	jobs map[string]*jobEntry

	checkpointPercent int
	now               func() time.Time
	fileExists        func(path string) bool
}

type jobEntry struct {
	mu  sync.Mutex
	job domain.Job
	// lastCheckpointPct is the percent at which the checkpoint was last
	// considered due, used for the threshold-based write policy.
	lastCheckpointPct int
}

// NewMachine creates an empty registry. checkpointPercent is the minimum
// percent advance between durable checkpoint writes.
func NewMachine(checkpointPercent int) *Machine {
	if checkpointPercent <= 0 {
		checkpointPercent = 1
	}
	return &Machine{
		jobs:              make(map[string]*jobEntry),
		checkpointPercent: checkpointPercent,
		now:               time.Now,
		fileExists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
	}
}

// Create validates inputs for the kind, assigns an id, and registers the
// job in the queued stage.
func (m *Machine) Create(kind domain.Kind, inputs domain.Inputs) (domain.Job, error) {
	if err := domain.ValidateInputs(kind, inputs, m.fileExists); err != nil {
		return domain.Job{}, err
	}

	job := domain.Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Stage:     domain.StageQueued,
		Inputs:    inputs,
		CreatedAt: m.now().UTC(),
	}

	m.mu.Lock()
	m.jobs[job.ID] = &jobEntry{job: job}
	m.mu.Unlock()

	return job, nil
}

// Restore re-registers a persisted job at startup. Inputs were validated at
// original submission and referenced files may legitimately be gone for
// finished stages, so no validation is repeated here.
func (m *Machine) Restore(job domain.Job) error {
	if job.ID == "" {
		return fmt.Errorf("restore: job has no id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("restore %s: already registered", job.ID)
	}
	m.jobs[job.ID] = &jobEntry{job: job}
	return nil
}

// Get returns a read-only snapshot of one job.
func (m *Machine) Get(id string) (domain.Job, bool) {
	entry, ok := m.lookup(id)
	if !ok {
		return domain.Job{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.job, true
}

// ListActive returns snapshots of all non-terminal jobs, oldest first.
func (m *Machine) ListActive() []domain.Job {
	m.mu.RLock()
	entries := make([]*jobEntry, 0, len(m.jobs))
	for _, e := range m.jobs {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]domain.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.job.Stage.IsTerminal() {
			out = append(out, e.job)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// BeginStage marks a job as actively running the given stage, once its slot
// has been granted. Valid from queued (entry stage) or from the same stage
// value set by a preceding StageSucceeded.
func (m *Machine) BeginStage(id string, stage domain.Stage) error {
	entry, ok := m.lookup(id)
	if !ok {
		return ErrJobNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	job := &entry.job
	switch {
	case job.Stage == domain.StageQueued && job.Kind.Includes(stage):
	case job.Stage == stage:
	default:
		return fmt.Errorf("%w: %s -> %s (begin)", ErrInvalidTransition, job.Stage, stage)
	}

	job.Stage = stage
	job.StageStartedAt = m.now().UTC()
	job.Progress = nil
	entry.lastCheckpointPct = 0
	return nil
}

// ApplyProgress records a progress sample and, when the advance crosses the
// checkpoint threshold, attaches the supplied checkpoint to the job. The
// returned flag tells the caller a durable checkpoint write is due.
// Samples that move done backwards within a stage are dropped.
func (m *Machine) ApplyProgress(id string, prog domain.Progress, ckpt *domain.Checkpoint) (bool, error) {
	entry, ok := m.lookup(id)
	if !ok {
		return false, ErrJobNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	job := &entry.job
	if !job.Stage.IsActive() {
		return false, fmt.Errorf("%w: progress in stage %s", ErrInvalidTransition, job.Stage)
	}
	if job.Progress != nil && prog.Done < job.Progress.Done {
		return false, nil
	}

	p := prog
	job.Progress = &p

	pct := prog.Percent()
	if ckpt == nil || pct < entry.lastCheckpointPct+m.checkpointPercent {
		return false, nil
	}

	c := *ckpt
	c.Stage = job.Stage
	c.UpdatedAt = m.now().UTC()
	job.Checkpoint = &c
	entry.lastCheckpointPct = pct
	return true, nil
}

// StageSucceeded advances a job past its current active stage. The job
// either moves to the next stage in its pipeline (awaiting that stage's
// slot) or completes. The previous stage's checkpoint is cleared. The
// stage's output path is folded into the inputs the next stage reads, so a
// restarted pipeline job re-enters its stage with the chained paths intact.
func (m *Machine) StageSucceeded(id, outputPath string) (domain.Stage, error) {
	entry, ok := m.lookup(id)
	if !ok {
		return "", ErrJobNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	job := &entry.job
	if !job.Stage.IsActive() {
		return "", fmt.Errorf("%w: success in stage %s", ErrInvalidTransition, job.Stage)
	}

	next := job.NextStage()
	if outputPath != "" {
		switch next {
		case domain.StageEncoding:
			job.Inputs.EpisodePath = outputPath
		case domain.StageUploading:
			job.Inputs.SourcePath = outputPath
		}
	}
	job.Checkpoint = nil
	job.Progress = nil
	entry.lastCheckpointPct = 0

	if next == domain.StageCompleted {
		job.Stage = domain.StageCompleted
		job.FinishedAt = m.now().UTC()
	} else {
		job.Stage = next
		job.StageStartedAt = time.Time{}
	}
	return next, nil
}

// StageFailed moves an active job to failed. The stage checkpoint is
// retained so a retry can resume from it.
func (m *Machine) StageFailed(id, reason string) error {
	entry, ok := m.lookup(id)
	if !ok {
		return ErrJobNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	job := &entry.job
	if !job.Stage.IsActive() {
		return fmt.Errorf("%w: failure in stage %s", ErrInvalidTransition, job.Stage)
	}

	job.Stage = domain.StageFailed
	job.Error = reason
	job.FinishedAt = m.now().UTC()
	return nil
}

// Cancel moves any non-terminal job to cancelled. The checkpoint is
// discarded: the user explicitly abandoned the job.
func (m *Machine) Cancel(id string) error {
	entry, ok := m.lookup(id)
	if !ok {
		return ErrJobNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	job := &entry.job
	if job.Stage.IsTerminal() {
		return fmt.Errorf("%w: cancel in stage %s", ErrInvalidTransition, job.Stage)
	}

	job.Stage = domain.StageCancelled
	job.Checkpoint = nil
	job.FinishedAt = m.now().UTC()
	return nil
}

// ResetStage requeues a job whose checkpoint turned out to be unusable: the
// checkpoint is dropped and the stage restarts from scratch.
func (m *Machine) ResetStage(id string) error {
	entry, ok := m.lookup(id)
	if !ok {
		return ErrJobNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	job := &entry.job
	if job.Stage.IsTerminal() {
		return fmt.Errorf("%w: reset in stage %s", ErrInvalidTransition, job.Stage)
	}

	job.Checkpoint = nil
	job.Progress = nil
	job.StageStartedAt = time.Time{}
	entry.lastCheckpointPct = 0
	return nil
}

// NewMachineForTests builds a machine with an injectable clock and file
// existence check.
func NewMachineForTests(checkpointPercent int, now func() time.Time, fileExists func(string) bool) *Machine {
	m := NewMachine(checkpointPercent)
	if now != nil {
		m.now = now
	}
	if fileExists != nil {
		m.fileExists = fileExists
	}
	return m
}

func (m *Machine) lookup(id string) (*jobEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.jobs[id]
	return entry, ok
}
