package executor

import (
	"context"
	"os"
	"time"

	"media-pipeline/internal/domain"
	"media-pipeline/internal/progress"
)

// Upload drives rclone to copy a finished encode to the configured cloud
// remote. rclone re-checks server-side state itself, so resuming is simply
// re-running the copy; the checkpoint's offset lets status reporting pick
// up where the interrupted transfer left off.
type Upload struct {
	rclonePath string
	remote     string
	grace      time.Duration

	runner lineRunner
	stat   func(string) (os.FileInfo, error)
}

// NewUpload constructs the production upload executor. remote is an rclone
// target such as "gdrive:encodes".
func NewUpload(rclonePath, remote string, grace time.Duration) *Upload {
	return &Upload{
		rclonePath: rclonePath,
		remote:     remote,
		grace:      grace,
		runner:     &execLineRunner{},
		stat:       os.Stat,
	}
}

// Stage identifies the slot pool and parser grammar this executor serves.
func (u *Upload) Stage() domain.Stage { return domain.StageUploading }

// Run copies the source file to the remote under the destination name.
func (u *Upload) Run(ctx context.Context, req Request) (Result, error) {
	in := req.Job.Inputs
	if _, err := u.stat(in.SourcePath); err != nil {
		return Result{}, &Error{
			Stage:   domain.StageUploading,
			Message: "cannot access source file: " + in.SourcePath,
			Err:     err,
		}
	}

	parser := progress.New(domain.StageUploading)
	onLine := func(line string) {
		prog := parser.Parse(line)
		if prog == nil {
			return
		}
		emitProgress(req.OnProgress, prog)
		emitCheckpoint(req.OnCheckpoint, domain.Checkpoint{
			PartialPath: in.SourcePath,
			Offset:      prog.Done,
		})
	}

	args := buildRcloneArgs(in.SourcePath, u.remote, in.DestinationName)
	exitCode, err := u.runner.Run(ctx, u.grace, u.rclonePath, args, onLine)
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if err != nil {
		return Result{}, &Error{
			Stage:    domain.StageUploading,
			Message:  "rclone transfer failed",
			ExitCode: exitCode,
			Err:      err,
		}
	}
	return Result{OutputPath: u.remote + "/" + in.DestinationName}, nil
}

// buildRcloneArgs builds the copyto invocation with periodic Transferred
// stats lines on the output stream.
func buildRcloneArgs(sourcePath, remote, destinationName string) []string {
	return []string{
		"copyto",
		sourcePath,
		remote + "/" + destinationName,
		"--progress",
		"--stats", "2s",
	}
}

// NewUploadForTests constructs an upload executor with injectable
// dependencies.
func NewUploadForTests(rclonePath, remote string, runner lineRunner, stat func(string) (os.FileInfo, error)) *Upload {
	return &Upload{
		rclonePath: rclonePath,
		remote:     remote,
		runner:     runner,
		stat:       stat,
	}
}
