package domain

import (
	"fmt"
	"strings"
	"time"
)

// Stage tracks where a job currently sits in its pipeline.
type Stage string

const (
	StageQueued      Stage = "queued"
	StageDownloading Stage = "downloading"
	StageEncoding    Stage = "encoding"
	StageUploading   Stage = "uploading"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
	StageCancelled   Stage = "cancelled"
)

// IsTerminal reports whether no further transition can occur from the stage.
func (s Stage) IsTerminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the stage runs an external executor.
func (s Stage) IsActive() bool {
	switch s {
	case StageDownloading, StageEncoding, StageUploading:
		return true
	default:
		return false
	}
}

// Kind selects which stages a submitted job runs.
type Kind string

const (
	// KindPipeline chains download, encode, and upload.
	KindPipeline Kind = "pipeline"
	// KindDownload runs only the magnet download stage.
	KindDownload Kind = "download"
	// KindEncode runs only the intro+episode merge stage.
	KindEncode Kind = "encode"
	// KindUpload runs only the cloud upload stage.
	KindUpload Kind = "upload"
)

// Stages returns the active stages a kind passes through, in order.
func (k Kind) Stages() []Stage {
	switch k {
	case KindPipeline:
		return []Stage{StageDownloading, StageEncoding, StageUploading}
	case KindDownload:
		return []Stage{StageDownloading}
	case KindEncode:
		return []Stage{StageEncoding}
	case KindUpload:
		return []Stage{StageUploading}
	default:
		return nil
	}
}

// Includes reports whether the kind's pipeline contains the given stage.
func (k Kind) Includes(stage Stage) bool {
	for _, s := range k.Stages() {
		if s == stage {
			return true
		}
	}
	return false
}

// Inputs carries stage-specific submission parameters. Only the fields
// relevant to the job's kind are populated.
type Inputs struct {
	// Download stage.
	MagnetURI  string `json:"magnetUri,omitempty"`
	TargetName string `json:"targetName,omitempty"`

	// Encode stage.
	IntroPath    string `json:"introPath,omitempty"`
	EpisodePath  string `json:"episodePath,omitempty"`
	SubtitlePath string `json:"subtitlePath,omitempty"`
	SubtitleName string `json:"subtitleName,omitempty"`
	OutputName   string `json:"outputName,omitempty"`

	// Upload stage.
	SourcePath      string `json:"sourcePath,omitempty"`
	DestinationName string `json:"destinationName,omitempty"`
}

// Progress is one normalized progress sample from a stage executor.
type Progress struct {
	Done  int64   `json:"done"`
	Total int64   `json:"total"`
	Rate  float64 `json:"rate"`
	// ETASec is -1 when the rate is zero or unknown.
	ETASec int `json:"etaSec"`
}

// Percent returns completion as 0-100, or 0 when the total is unknown.
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return 0
	}
	pct := int(p.Done * 100 / p.Total)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Checkpoint is the resumable state of a job's currently active stage.
// It is persisted whenever progress crosses the configured threshold and
// lets an interrupted stage resume instead of restarting.
type Checkpoint struct {
	Stage Stage `json:"stage"`
	// SessionID is the executor-assigned transfer or session identifier.
	SessionID string `json:"sessionId,omitempty"`
	// PartialPath points at the in-progress output or partial file.
	PartialPath string    `json:"partialPath,omitempty"`
	Offset      int64     `json:"offset,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// IsZero reports whether no checkpoint has been recorded.
func (c Checkpoint) IsZero() bool {
	return c.Stage == "" && c.SessionID == "" && c.PartialPath == "" && c.Offset == 0
}

// Job is one submitted unit of work moving through the pipeline.
type Job struct {
	ID             string      `json:"id"`
	Kind           Kind        `json:"kind"`
	Stage          Stage       `json:"stage"`
	Inputs         Inputs      `json:"inputs"`
	Progress       *Progress   `json:"progress,omitempty"`
	Checkpoint     *Checkpoint `json:"checkpoint,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	StageStartedAt time.Time   `json:"stageStartedAt,omitempty"`
	FinishedAt     time.Time   `json:"finishedAt,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// NextStage returns the stage that follows the current active stage in the
// job's pipeline, or StageCompleted when the pipeline is exhausted.
func (j Job) NextStage() Stage {
	stages := j.Kind.Stages()
	for i, s := range stages {
		if s == j.Stage {
			if i+1 < len(stages) {
				return stages[i+1]
			}
			return StageCompleted
		}
	}
	return StageCompleted
}

// ValidationError rejects a malformed submission before a job is created.
type ValidationError struct {
	Field   string
	Message string
}

// Error formats the rejected field and reason.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// fileChecker lets validation confirm referenced inputs exist on disk.
type fileChecker func(path string) bool

// ValidateInputs checks that the inputs required by the kind are present and
// that referenced local files exist. existingFile may be nil to skip the
// filesystem check (used by tests and by resume, where files were already
// verified at submission).
func ValidateInputs(kind Kind, in Inputs, existingFile fileChecker) error {
	requireNonEmpty := func(field, value string) *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "must not be empty"}
		}
		return nil
	}
	requireFile := func(field, path string) *ValidationError {
		if err := requireNonEmpty(field, path); err != nil {
			return err
		}
		if existingFile != nil && !existingFile(path) {
			return &ValidationError{Field: field, Message: "file not found: " + path}
		}
		return nil
	}

	switch kind {
	case KindDownload, KindPipeline:
		if err := requireNonEmpty("magnetUri", in.MagnetURI); err != nil {
			return err
		}
		if !strings.HasPrefix(in.MagnetURI, "magnet:?") {
			return &ValidationError{Field: "magnetUri", Message: "must be a magnet link"}
		}
		if err := requireNonEmpty("targetName", in.TargetName); err != nil {
			return err
		}
		if kind == KindDownload {
			return nil
		}
		// A chained pipeline supplies the episode from the download stage;
		// intro and subtitle must exist up front.
		if err := requireFile("introPath", in.IntroPath); err != nil {
			return err
		}
		if err := requireFile("subtitlePath", in.SubtitlePath); err != nil {
			return err
		}
		if err := requireNonEmpty("outputName", in.OutputName); err != nil {
			return err
		}
		return nil
	case KindEncode:
		if err := requireFile("introPath", in.IntroPath); err != nil {
			return err
		}
		if err := requireFile("episodePath", in.EpisodePath); err != nil {
			return err
		}
		if err := requireFile("subtitlePath", in.SubtitlePath); err != nil {
			return err
		}
		if err := requireNonEmpty("outputName", in.OutputName); err != nil {
			return err
		}
		return nil
	case KindUpload:
		if err := requireFile("sourcePath", in.SourcePath); err != nil {
			return err
		}
		if err := requireNonEmpty("destinationName", in.DestinationName); err != nil {
			return err
		}
		return nil
	default:
		return &ValidationError{Field: "kind", Message: "unknown kind: " + string(kind)}
	}
}
