// Package orchestrator wires the job machine, slot pools, executors, store,
// and stats into a running pipeline. It is the only writer of cross-component
// transitions: one supervising goroutine per job walks the job's stages,
// acquiring each stage's slot in FIFO order before running its executor.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"media-pipeline/internal/domain"
	"media-pipeline/internal/executor"
	"media-pipeline/internal/jobs"
	"media-pipeline/internal/stats"
)

// ErrShuttingDown rejects submissions once a drain has begun.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// Store persists job records across restarts.
type Store interface {
	SaveJob(ctx context.Context, job domain.Job) error
	ListUnfinished(ctx context.Context) ([]domain.Job, error)
}

// Recorder aggregates per-stage outcome counts.
type Recorder interface {
	Record(jobID string, stage domain.Stage, outcome stats.Outcome)
}

// Deps carries the orchestrator's collaborators.
type Deps struct {
	Machine   *jobs.Machine
	Admission *jobs.Admission
	Bus       *jobs.EventBus
	Store     Store
	Stats     Recorder
	Executors []executor.Executor
	// RetryStageOnce re-runs a failed stage once, resuming from the
	// retained checkpoint, before surfacing failure.
	RetryStageOnce bool
	// StageTimeout bounds one executor run; a stalled tool is interrupted
	// and the stage fails. Zero disables the bound.
	StageTimeout time.Duration
	Logger       *log.Logger
}

// Orchestrator owns job execution from submission to terminal stage.
type Orchestrator struct {
	machine        *jobs.Machine
	admission      *jobs.Admission
	bus            *jobs.EventBus
	store          Store
	stats          Recorder
	executors      map[domain.Stage]executor.Executor
	retryStageOnce bool
	stageTimeout   time.Duration
	logger         *log.Logger
	fileExists     func(path string) bool

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu        sync.Mutex
	cancels   map[string]context.CancelFunc
	cancelled map[string]bool
	closed    bool
	wg        sync.WaitGroup
}

// New builds an orchestrator. Executors are indexed by the stage they serve;
// a kind whose stage has no executor fails at stage entry, not submission.
func New(deps Deps) *Orchestrator {
	executors := make(map[domain.Stage]executor.Executor, len(deps.Executors))
	for _, e := range deps.Executors {
		executors[e.Stage()] = e
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		machine:        deps.Machine,
		admission:      deps.Admission,
		bus:            deps.Bus,
		store:          deps.Store,
		stats:          deps.Stats,
		executors:      executors,
		retryStageOnce: deps.RetryStageOnce,
		stageTimeout:   deps.StageTimeout,
		logger:         logger,
		fileExists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
		baseCtx:    ctx,
		baseCancel: cancel,
		cancels:    make(map[string]context.CancelFunc),
		cancelled:  make(map[string]bool),
	}
}

// Submit validates and registers a new job, persists it, and starts its
// supervising goroutine. The returned job is in the queued stage.
func (o *Orchestrator) Submit(ctx context.Context, kind domain.Kind, inputs domain.Inputs) (domain.Job, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return domain.Job{}, ErrShuttingDown
	}
	o.mu.Unlock()

	job, err := o.machine.Create(kind, inputs)
	if err != nil {
		return domain.Job{}, err
	}
	if err := o.store.SaveJob(ctx, job); err != nil {
		o.logger.Printf("orchestrator: persist new job %s: %v", job.ID, err)
	}
	o.publishStage(job.ID, domain.StageQueued, "job accepted")

	o.start(job)
	return job, nil
}

// Cancel requests cancellation of a queued or running job. A queued job
// leaves its slot queue without ever running; a running job's tool gets the
// configured grace to exit before being killed.
func (o *Orchestrator) Cancel(id string) error {
	job, ok := o.machine.Get(id)
	if !ok {
		return jobs.ErrJobNotFound
	}
	if job.Stage.IsTerminal() {
		return fmt.Errorf("%w: cancel in stage %s", jobs.ErrInvalidTransition, job.Stage)
	}

	o.mu.Lock()
	o.cancelled[id] = true
	cancel, running := o.cancels[id]
	o.mu.Unlock()

	if running {
		cancel()
		return nil
	}
	// No goroutine holds the job (possible for restored records between
	// Restore and start); settle it directly.
	o.finishCancelled(id)
	return nil
}

// Status returns a snapshot of one job.
func (o *Orchestrator) Status(id string) (domain.Job, bool) {
	return o.machine.Get(id)
}

// ListActive returns all non-terminal jobs, oldest first.
func (o *Orchestrator) ListActive() []domain.Job {
	return o.machine.ListActive()
}

// Resume reloads unfinished jobs from the store at startup. Jobs with a
// usable checkpoint re-enter their interrupted stage and resume from it;
// jobs whose checkpoint's partial file is gone restart the stage from
// scratch.
func (o *Orchestrator) Resume(ctx context.Context) error {
	unfinished, err := o.store.ListUnfinished(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: list unfinished jobs: %w", err)
	}

	for _, job := range unfinished {
		if err := o.machine.Restore(job); err != nil {
			o.logger.Printf("orchestrator: %v", err)
			continue
		}
		if job.Checkpoint != nil && !o.checkpointUsable(*job.Checkpoint) {
			o.logger.Printf("orchestrator: job %s checkpoint unusable, restarting stage %s", job.ID, job.Stage)
			if err := o.machine.ResetStage(job.ID); err != nil {
				o.logger.Printf("orchestrator: reset %s: %v", job.ID, err)
			}
		}
		restored, _ := o.machine.Get(job.ID)
		o.logger.Printf("orchestrator: resuming job %s (kind=%s stage=%s)", job.ID, job.Kind, job.Stage)
		o.start(restored)
	}
	return nil
}

// Shutdown stops accepting jobs, interrupts running tools, and waits for
// every supervising goroutine to settle its job, up to ctx's deadline.
// Checkpoints already persisted let interrupted stages resume on restart.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.baseCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator: drain interrupted: %w", ctx.Err())
	}
}

func (o *Orchestrator) start(job domain.Job) {
	jobCtx, cancel := context.WithCancel(o.baseCtx)

	o.mu.Lock()
	o.cancels[job.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(jobCtx, job)
}

// run walks the job's stages from its current position. The slot for each
// stage is acquired before the stage begins and released when it ends, so a
// job waiting for its next stage never blocks an earlier pool.
func (o *Orchestrator) run(ctx context.Context, job domain.Job) {
	defer o.wg.Done()
	defer o.forget(job.ID)

	stages := job.Kind.Stages()
	start := 0
	for i, s := range stages {
		if s == job.Stage {
			start = i
		}
	}

	for i := start; i < len(stages); i++ {
		stage := stages[i]

		if err := o.admission.Acquire(ctx, stage, job.ID); err != nil {
			o.settleInterrupted(job.ID)
			return
		}
		next, ok := o.runStage(ctx, job.ID, stage)
		o.admission.Release(stage, job.ID)
		if !ok {
			return
		}
		if next == domain.StageCompleted {
			return
		}
	}
}

// runStage executes one stage under an already-held slot. It returns the
// stage that follows and whether the pipeline should continue.
func (o *Orchestrator) runStage(ctx context.Context, id string, stage domain.Stage) (domain.Stage, bool) {
	if err := o.machine.BeginStage(id, stage); err != nil {
		o.failStage(id, stage, fmt.Sprintf("cannot begin stage %s: %v", stage, err))
		return "", false
	}
	o.publishStage(id, stage, "stage started")
	o.persist(id)

	exec, ok := o.executors[stage]
	if !ok {
		o.failStage(id, stage, fmt.Sprintf("no executor for stage %s", stage))
		return "", false
	}

	snapshot, _ := o.machine.Get(id)
	req := o.buildRequest(id, stage, snapshot)

	result, err := o.runExecutor(ctx, exec, req)
	if err != nil && ctx.Err() == nil && o.retryStageOnce {
		o.logger.Printf("orchestrator: job %s stage %s failed, retrying once: %v", id, stage, err)
		req.Checkpoint = o.currentCheckpoint(id, stage)
		result, err = o.runExecutor(ctx, exec, req)
	}
	if ctx.Err() != nil {
		o.settleInterrupted(id)
		return "", false
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("stage %s timed out after %s", stage, o.stageTimeout)
		}
		o.failStage(id, stage, err.Error())
		return "", false
	}

	next, err := o.machine.StageSucceeded(id, result.OutputPath)
	if err != nil {
		o.logger.Printf("orchestrator: advance job %s past %s: %v", id, stage, err)
		return "", false
	}
	o.stats.Record(id, stage, stats.OutcomeSuccess)
	o.persist(id)

	if next == domain.StageCompleted {
		o.publishTerminal(id, domain.StageCompleted, result.OutputPath, "")
	} else {
		o.publishStage(id, next, "awaiting slot")
	}
	return next, true
}

// runExecutor bounds one executor run with the configured stage timeout.
// A timed-out tool is interrupted the same way a cancelled one is.
func (o *Orchestrator) runExecutor(ctx context.Context, exec executor.Executor, req executor.Request) (executor.Result, error) {
	if o.stageTimeout <= 0 {
		return exec.Run(ctx, req)
	}
	stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel()
	return exec.Run(stageCtx, req)
}

// buildRequest assembles the executor request. Chained paths for pipeline
// jobs are already folded into the snapshot's inputs by StageSucceeded.
func (o *Orchestrator) buildRequest(id string, stage domain.Stage, snapshot domain.Job) executor.Request {
	in := snapshot.Inputs
	if stage == domain.StageUploading && in.DestinationName == "" {
		in.DestinationName = filepath.Base(in.SourcePath)
	}
	job := snapshot
	job.Inputs = in

	var ckpt *domain.Checkpoint
	if snapshot.Checkpoint != nil && snapshot.Checkpoint.Stage == stage {
		c := *snapshot.Checkpoint
		ckpt = &c
	}

	// Executor callbacks run sequentially on the tool's output stream:
	// each checkpoint candidate follows the progress sample it belongs to.
	var last domain.Progress
	lastPercent := -1
	return executor.Request{
		Job:        job,
		Checkpoint: ckpt,
		OnProgress: func(p domain.Progress) {
			last = p
			if _, err := o.machine.ApplyProgress(id, p, nil); err != nil {
				o.logger.Printf("orchestrator: progress for job %s: %v", id, err)
				return
			}
			if pct := p.Percent(); pct != lastPercent {
				lastPercent = pct
				o.bus.Publish(jobs.Event{
					JobID:   id,
					Type:    jobs.EventTypeProgress,
					Stage:   stage,
					Percent: pct,
					ETASec:  p.ETASec,
				})
			}
		},
		OnCheckpoint: func(c domain.Checkpoint) {
			due, err := o.machine.ApplyProgress(id, last, &c)
			if err != nil {
				o.logger.Printf("orchestrator: checkpoint for job %s: %v", id, err)
				return
			}
			if due {
				o.persist(id)
			}
		},
	}
}

func (o *Orchestrator) failStage(id string, stage domain.Stage, reason string) {
	if err := o.machine.StageFailed(id, reason); err != nil {
		o.logger.Printf("orchestrator: fail job %s: %v", id, err)
		return
	}
	o.stats.Record(id, stage, stats.OutcomeFailure)
	o.persist(id)
	o.publishTerminal(id, domain.StageFailed, "", reason)
	o.logger.Printf("orchestrator: job %s failed in %s: %s", id, stage, reason)
}

// settleInterrupted resolves a job whose context ended. A user cancel is
// terminal; a shutdown leaves the job and its checkpoint persisted so the
// next start resumes it.
func (o *Orchestrator) settleInterrupted(id string) {
	o.mu.Lock()
	userCancelled := o.cancelled[id]
	o.mu.Unlock()

	if userCancelled {
		o.finishCancelled(id)
		return
	}
	o.persist(id)
	o.logger.Printf("orchestrator: job %s interrupted by shutdown, resumable", id)
}

func (o *Orchestrator) finishCancelled(id string) {
	if err := o.machine.Cancel(id); err != nil {
		// Already terminal; nothing to settle.
		return
	}
	o.persist(id)
	o.publishTerminal(id, domain.StageCancelled, "", "")
	o.logger.Printf("orchestrator: job %s cancelled", id)
}

// persist writes the job's current snapshot. Persistence must survive job
// context cancellation, so it deliberately ignores the per-job context.
func (o *Orchestrator) persist(id string) {
	job, ok := o.machine.Get(id)
	if !ok {
		return
	}
	if err := o.store.SaveJob(context.Background(), job); err != nil {
		o.logger.Printf("orchestrator: persist job %s: %v", id, err)
	}
}

func (o *Orchestrator) currentCheckpoint(id string, stage domain.Stage) *domain.Checkpoint {
	job, ok := o.machine.Get(id)
	if !ok || job.Checkpoint == nil || job.Checkpoint.Stage != stage {
		return nil
	}
	c := *job.Checkpoint
	return &c
}

func (o *Orchestrator) checkpointUsable(ckpt domain.Checkpoint) bool {
	if ckpt.PartialPath == "" {
		return false
	}
	return o.fileExists(ckpt.PartialPath)
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	if cancel, ok := o.cancels[id]; ok {
		cancel()
		delete(o.cancels, id)
	}
	delete(o.cancelled, id)
	o.mu.Unlock()
}

func (o *Orchestrator) publishStage(id string, stage domain.Stage, message string) {
	o.bus.Publish(jobs.Event{
		JobID:   id,
		Type:    jobs.EventTypeStage,
		Stage:   stage,
		Message: message,
	})
}

func (o *Orchestrator) publishTerminal(id string, stage domain.Stage, message, errMsg string) {
	o.bus.Publish(jobs.Event{
		JobID:   id,
		Type:    jobs.EventTypeTerminal,
		Stage:   stage,
		Message: message,
		Error:   errMsg,
	})
}

// NewForTests builds an orchestrator with an injectable file existence
// check.
func NewForTests(deps Deps, fileExists func(string) bool) *Orchestrator {
	o := New(deps)
	if fileExists != nil {
		o.fileExists = fileExists
	}
	return o
}
