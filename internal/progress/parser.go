// Package progress normalizes raw executor output lines into progress
// samples. Executor output is unstructured text, so every grammar here is
// best-effort: a line that does not match simply yields no sample.
package progress

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"media-pipeline/internal/domain"
)

// Parser converts one stage's raw output lines into normalized samples.
// For the encode stage the media duration is unknown from the line itself;
// SetTotal supplies it once probed.
type Parser struct {
	stage domain.Stage
	total int64
}

// New creates a parser for the given stage's line grammar.
func New(stage domain.Stage) *Parser {
	return &Parser{stage: stage}
}

// SetTotal fixes the expected total for grammars that cannot derive it from
// the line (encode reports elapsed media time only).
func (p *Parser) SetTotal(total int64) {
	p.total = total
}

// Parse returns a normalized sample, or nil for lines carrying no progress
// information. It never fails: malformed lines are skipped, not fatal.
func (p *Parser) Parse(line string) *domain.Progress {
	switch p.stage {
	case domain.StageDownloading:
		return parseAria2(line)
	case domain.StageEncoding:
		return parseFFmpeg(line, p.total)
	case domain.StageUploading:
		return parseRclone(line)
	default:
		return nil
	}
}

// aria2c summary lines look like:
//
//	[#2089b0 400.0MiB/1.0GiB(38%) CN:5 SD:5 DL:10.2MiB ETA:1m3s]
var aria2Re = regexp.MustCompile(
	`\[#[0-9a-f]+\s+([\d.]+[KMGT]?i?B)/([\d.]+[KMGT]?i?B)\((\d+)%\)(?:.*?DL:([\d.]+[KMGT]?i?B))?(?:.*?ETA:([0-9hms]+))?`)

func parseAria2(line string) *domain.Progress {
	m := aria2Re.FindStringSubmatch(line)
	if m == nil {
		return nil
	}

	done, okDone := parseByteSize(m[1])
	total, okTotal := parseByteSize(m[2])
	if !okDone || !okTotal {
		return nil
	}

	prog := &domain.Progress{Done: done, Total: total, ETASec: -1}
	if m[4] != "" {
		if rate, ok := parseByteSize(m[4]); ok {
			prog.Rate = float64(rate)
		}
	}
	if m[5] != "" {
		if d, err := time.ParseDuration(m[5]); err == nil {
			prog.ETASec = int(d.Seconds())
		}
	}
	if prog.ETASec < 0 {
		prog.ETASec = etaSeconds(done, total, prog.Rate)
	}
	return prog
}

// ffmpeg stats lines look like:
//
//	frame= 1234 fps= 45 q=28.0 size=   12345kB time=00:05:12.34 bitrate=... speed=1.21x
var (
	ffmpegTimeRe  = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	ffmpegSpeedRe = regexp.MustCompile(`speed=\s*([\d.]+)x`)
)

// parseFFmpeg reports done/total in media seconds. Rate is the encode speed
// multiplier (media seconds per wall second).
func parseFFmpeg(line string, total int64) *domain.Progress {
	m := ffmpegTimeRe.FindStringSubmatch(line)
	if m == nil {
		return nil
	}

	hours, err1 := strconv.Atoi(m[1])
	minutes, err2 := strconv.Atoi(m[2])
	seconds, err3 := strconv.ParseFloat(m[3], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil
	}
	done := int64(hours*3600+minutes*60) + int64(seconds)

	prog := &domain.Progress{Done: done, Total: total, ETASec: -1}
	if sm := ffmpegSpeedRe.FindStringSubmatch(line); sm != nil {
		if speed, err := strconv.ParseFloat(sm[1], 64); err == nil {
			prog.Rate = speed
		}
	}
	prog.ETASec = etaSeconds(done, total, prog.Rate)
	return prog
}

// rclone stats lines look like:
//
//	Transferred:   	  64.000 MiB / 256.000 MiB, 25%, 8.000 MiB/s, ETA 24s
var rcloneRe = regexp.MustCompile(
	`Transferred:\s+([\d.]+\s*[KMGT]?i?B) / ([\d.]+\s*[KMGT]?i?B)(?:, \d+%)?(?:, ([\d.]+\s*[KMGT]?i?B)/s)?(?:, ETA ([0-9hms]+))?`)

func parseRclone(line string) *domain.Progress {
	m := rcloneRe.FindStringSubmatch(line)
	if m == nil {
		return nil
	}

	done, okDone := parseByteSize(m[1])
	total, okTotal := parseByteSize(m[2])
	if !okDone || !okTotal {
		return nil
	}

	prog := &domain.Progress{Done: done, Total: total, ETASec: -1}
	if m[3] != "" {
		if rate, ok := parseByteSize(m[3]); ok {
			prog.Rate = float64(rate)
		}
	}
	if m[4] != "" {
		if d, err := time.ParseDuration(m[4]); err == nil {
			prog.ETASec = int(d.Seconds())
		}
	}
	if prog.ETASec < 0 {
		prog.ETASec = etaSeconds(done, total, prog.Rate)
	}
	return prog
}

// etaSeconds computes (total-done)/rate, or -1 when rate or total is
// unavailable. Callers render -1 as "unknown", never as zero or infinity.
func etaSeconds(done, total int64, rate float64) int {
	if rate <= 0 || total <= 0 || done > total {
		return -1
	}
	return int(float64(total-done) / rate)
}

var byteUnits = map[string]float64{
	"B":   1,
	"KB":  1 << 10,
	"KIB": 1 << 10,
	"MB":  1 << 20,
	"MIB": 1 << 20,
	"GB":  1 << 30,
	"GIB": 1 << 30,
	"TB":  1 << 40,
	"TIB": 1 << 40,
}

// parseByteSize converts strings like "400.0MiB" or "64.000 MiB" to bytes.
func parseByteSize(raw string) (int64, bool) {
	s := strings.TrimSpace(raw)
	idx := strings.IndexFunc(s, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	if idx <= 0 {
		return 0, false
	}

	value, err := strconv.ParseFloat(s[:idx], 64)
	if err != nil {
		return 0, false
	}
	unit := strings.ToUpper(strings.TrimSpace(s[idx:]))
	mult, ok := byteUnits[unit]
	if !ok {
		return 0, false
	}
	return int64(value * mult), true
}
