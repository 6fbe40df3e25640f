package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"media-pipeline/internal/domain"
	"media-pipeline/internal/progress"
)

// videoExtensions are the file types a finished torrent is expected to
// contain.
var videoExtensions = map[string]bool{
	".mkv": true, ".mp4": true, ".avi": true, ".mov": true, ".wmv": true,
	".flv": true, ".webm": true, ".m4v": true, ".ts": true, ".m2ts": true,
}

// aria2GidRe extracts the transfer session id from a summary line.
var aria2GidRe = regexp.MustCompile(`\[#([0-9a-f]+)\s`)

// Download drives aria2c for one magnet transfer. aria2c keeps its own
// control file next to the partial download, so resuming is re-running the
// same command with --continue in the same directory.
type Download struct {
	aria2Path   string
	downloadDir string
	grace       time.Duration

	runner   lineRunner
	stat     func(string) (os.FileInfo, error)
	readDir  func(string) ([]os.DirEntry, error)
	rename   func(string, string) error
	mkdirAll func(string, os.FileMode) error
	now      func() time.Time
}

// NewDownload constructs the production download executor.
func NewDownload(aria2Path, downloadDir string, grace time.Duration) *Download {
	return &Download{
		aria2Path:   aria2Path,
		downloadDir: downloadDir,
		grace:       grace,
		runner:      &execLineRunner{},
		stat:        os.Stat,
		readDir:     os.ReadDir,
		rename:      os.Rename,
		mkdirAll:    os.MkdirAll,
		now:         time.Now,
	}
}

// Stage identifies the slot pool and parser grammar this executor serves.
func (d *Download) Stage() domain.Stage { return domain.StageDownloading }

// Run downloads the magnet and renames the resulting video file to the
// requested target name. The returned path points at the renamed file.
func (d *Download) Run(ctx context.Context, req Request) (Result, error) {
	if err := d.mkdirAll(d.downloadDir, 0o755); err != nil {
		return Result{}, &Error{
			Stage:   domain.StageDownloading,
			Message: "cannot create download directory",
			Err:     err,
		}
	}

	parser := progress.New(domain.StageDownloading)
	args := buildAria2Args(req.Job.Inputs.MagnetURI, d.downloadDir)

	onLine := func(line string) {
		prog := parser.Parse(line)
		if prog == nil {
			return
		}
		emitProgress(req.OnProgress, prog)

		ckpt := domain.Checkpoint{
			PartialPath: d.downloadDir,
			Offset:      prog.Done,
		}
		if m := aria2GidRe.FindStringSubmatch(line); m != nil {
			ckpt.SessionID = m[1]
		}
		emitCheckpoint(req.OnCheckpoint, ckpt)
	}

	exitCode, err := d.runner.Run(ctx, d.grace, d.aria2Path, args, onLine)
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if err != nil {
		return Result{}, &Error{
			Stage:    domain.StageDownloading,
			Message:  "aria2c transfer failed",
			ExitCode: exitCode,
			Err:      err,
		}
	}

	output, findErr := d.findDownloadedFile(req.Job.Inputs.TargetName)
	if findErr != nil {
		return Result{}, &Error{
			Stage:   domain.StageDownloading,
			Message: findErr.Error(),
		}
	}
	return Result{OutputPath: output}, nil
}

// buildAria2Args builds the aria2c invocation. --continue makes a re-run
// with the control file present resume instead of restart.
func buildAria2Args(magnetURI, downloadDir string) []string {
	return []string{
		"--seed-time=0",
		"--dir=" + downloadDir,
		"--max-connection-per-server=16",
		"--split=8",
		"--min-split-size=1M",
		"--continue=true",
		"--file-allocation=prealloc",
		"--summary-interval=2",
		"--console-log-level=notice",
		"--bt-max-peers=50",
		"--max-tries=5",
		"--retry-wait=2",
		"--timeout=60",
		magnetURI,
	}
}

// findDownloadedFile locates the completed video in the download directory
// and renames it to the target name. Torrents name their content
// themselves, so the newest large video file is taken as the result.
func (d *Download) findDownloadedFile(targetName string) (string, error) {
	entries, err := d.readDir(d.downloadDir)
	if err != nil {
		return "", fmt.Errorf("cannot read download directory: %s", d.downloadDir)
	}

	var best string
	var bestSize int64
	cutoff := d.now().Add(-3 * time.Hour)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !videoExtensions[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		// An .aria2 control file next to the data means the transfer is
		// still partial.
		path := filepath.Join(d.downloadDir, name)
		if _, err := d.stat(path + ".aria2"); err == nil {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().Before(cutoff) {
			continue
		}
		if info.Size() > bestSize {
			best = path
			bestSize = info.Size()
		}
	}

	if best == "" {
		return "", fmt.Errorf("no completed video file found in %s", d.downloadDir)
	}

	renamed := filepath.Join(d.downloadDir, targetName+filepath.Ext(best))
	if renamed == best {
		return best, nil
	}
	if err := d.rename(best, renamed); err != nil {
		// Keep the original name rather than fail a finished download.
		return best, nil
	}
	return renamed, nil
}

// NewDownloadForTests constructs a download executor with injectable
// dependencies.
func NewDownloadForTests(
	aria2Path, downloadDir string,
	runner lineRunner,
	stat func(string) (os.FileInfo, error),
	readDir func(string) ([]os.DirEntry, error),
	rename func(string, string) error,
	now func() time.Time,
) *Download {
	return &Download{
		aria2Path:   aria2Path,
		downloadDir: downloadDir,
		runner:      runner,
		stat:        stat,
		readDir:     readDir,
		rename:      rename,
		mkdirAll:    func(string, os.FileMode) error { return nil },
		now:         now,
	}
}
