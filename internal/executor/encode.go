package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"media-pipeline/internal/domain"
	"media-pipeline/internal/progress"
)

// Encode drives ffmpeg to prepend an intro to an episode and mux a subtitle
// track into the result. The expected output duration is probed up front so
// ffmpeg's elapsed-time stats can be turned into percentages.
type Encode struct {
	ffmpegPath  string
	ffprobePath string
	encodeDir   string
	grace       time.Duration

	runner   lineRunner
	probe    func(ctx context.Context, path string) (float64, error)
	stat     func(string) (os.FileInfo, error)
	mkdirAll func(string, os.FileMode) error
}

// NewEncode constructs the production encode executor.
func NewEncode(ffmpegPath, ffprobePath, encodeDir string, grace time.Duration) *Encode {
	e := &Encode{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		encodeDir:   encodeDir,
		grace:       grace,
		runner:      &execLineRunner{},
		stat:        os.Stat,
		mkdirAll:    os.MkdirAll,
	}
	e.probe = e.probeDuration
	return e
}

// Stage identifies the slot pool and parser grammar this executor serves.
func (e *Encode) Stage() domain.Stage { return domain.StageEncoding }

// Run merges intro and episode into the configured encode directory. When
// the resume checkpoint already names a completed output, the merge is
// skipped instead of re-run.
func (e *Encode) Run(ctx context.Context, req Request) (Result, error) {
	in := req.Job.Inputs
	if err := e.mkdirAll(e.encodeDir, 0o755); err != nil {
		return Result{}, &Error{
			Stage:   domain.StageEncoding,
			Message: "cannot create encode directory",
			Err:     err,
		}
	}

	outputPath := filepath.Join(e.encodeDir, in.OutputName+".mp4")

	introDur, err := e.probe(ctx, in.IntroPath)
	if err != nil {
		return Result{}, &Error{
			Stage:   domain.StageEncoding,
			Message: "cannot probe intro duration",
			Err:     err,
		}
	}
	episodeDur, err := e.probe(ctx, in.EpisodePath)
	if err != nil {
		return Result{}, &Error{
			Stage:   domain.StageEncoding,
			Message: "cannot probe episode duration",
			Err:     err,
		}
	}
	expected := introDur + episodeDur

	// Resume: a checkpoint whose output already holds the full merge means
	// only the interruption happened after the work was done.
	if req.Checkpoint != nil && req.Checkpoint.PartialPath == outputPath {
		if done, _ := e.outputComplete(ctx, outputPath, expected); done {
			return Result{OutputPath: outputPath}, nil
		}
	}

	parser := progress.New(domain.StageEncoding)
	parser.SetTotal(int64(expected))

	onLine := func(line string) {
		prog := parser.Parse(line)
		if prog == nil {
			return
		}
		emitProgress(req.OnProgress, prog)
		emitCheckpoint(req.OnCheckpoint, domain.Checkpoint{
			PartialPath: outputPath,
			Offset:      prog.Done,
		})
	}

	args := buildFFmpegMergeArgs(in.IntroPath, in.EpisodePath, in.SubtitlePath, in.SubtitleName, outputPath)
	exitCode, err := e.runner.Run(ctx, e.grace, e.ffmpegPath, args, onLine)
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if err != nil {
		return Result{}, &Error{
			Stage:    domain.StageEncoding,
			Message:  "ffmpeg merge failed",
			ExitCode: exitCode,
			Err:      err,
		}
	}

	if _, err := e.stat(outputPath); err != nil {
		return Result{}, &Error{
			Stage:   domain.StageEncoding,
			Message: "ffmpeg completed but output file is missing",
			Err:     err,
		}
	}
	return Result{OutputPath: outputPath}, nil
}

// buildFFmpegMergeArgs concatenates intro and episode and muxes the
// subtitle as a named text track.
func buildFFmpegMergeArgs(introPath, episodePath, subtitlePath, subtitleName, outputPath string) []string {
	if subtitleName == "" {
		subtitleName = "Subtitles"
	}
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", introPath,
		"-i", episodePath,
		"-i", subtitlePath,
		"-filter_complex", "[0:v][0:a][1:v][1:a]concat=n=2:v=1:a=1[v][a]",
		"-map", "[v]",
		"-map", "[a]",
		"-map", "2:0",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "20",
		"-c:a", "aac",
		"-c:s", "mov_text",
		"-metadata:s:s:0", "title=" + subtitleName,
		"-stats",
		outputPath,
	}
}

// probeDuration reads a media file's duration in seconds via ffprobe.
func (e *Encode) probeDuration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	var output strings.Builder
	exitCode, err := e.runner.Run(ctx, e.grace, e.ffprobePath, args, func(line string) {
		output.WriteString(line)
	})
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s (exit=%d): %w", path, exitCode, err)
	}

	dur, err := strconv.ParseFloat(strings.TrimSpace(output.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: unreadable duration %q", path, output.String())
	}
	return dur, nil
}

// outputComplete reports whether an existing output already holds the full
// expected duration, within a small tolerance.
func (e *Encode) outputComplete(ctx context.Context, path string, expected float64) (bool, error) {
	if _, err := e.stat(path); err != nil {
		return false, err
	}
	dur, err := e.probe(ctx, path)
	if err != nil {
		return false, err
	}
	return dur >= expected-5, nil
}

// NewEncodeForTests constructs an encode executor with injectable
// dependencies.
func NewEncodeForTests(
	ffmpegPath, encodeDir string,
	runner lineRunner,
	probe func(ctx context.Context, path string) (float64, error),
	stat func(string) (os.FileInfo, error),
) *Encode {
	return &Encode{
		ffmpegPath: ffmpegPath,
		encodeDir:  encodeDir,
		runner:     runner,
		probe:      probe,
		stat:       stat,
		mkdirAll:   func(string, os.FileMode) error { return nil },
	}
}
