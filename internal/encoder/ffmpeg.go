package encoder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Profile is the standard delivery profile applied to every produced artifact.
type Profile struct {
	CRF          int
	Preset       string
	MaxWidth     int
	FPS          int
	AudioBitrate string
}

// DefaultProfile is H.264/AAC tuned for chat delivery.
var DefaultProfile = Profile{CRF: 28, Preset: "ultrafast", MaxWidth: 1280, FPS: 30, AudioBitrate: "128k"}

// Timeouts bound how long ffmpeg may run.
type Timeouts struct {
	Wait      time.Duration // segmenter drain after input is closed
	Transcode time.Duration // one-shot transcode or concat
}

// FFmpeg runs the ffmpeg binary.
type FFmpeg struct {
	bin      string
	profile  Profile
	timeouts Timeouts
	log      *zap.Logger
}

// NewFFmpeg resolves bin (or "ffmpeg" from PATH when empty). A missing binary yields an
// FFmpeg whose Available reports false.
func NewFFmpeg(bin string, profile Profile, timeouts Timeouts, log *zap.Logger) *FFmpeg {
	if log == nil {
		log = zap.NewNop()
	}
	if bin == "" {
		bin = "ffmpeg"
	}
	resolved, err := exec.LookPath(bin)
	if err != nil {
		log.Warn("ffmpeg not found, recordings will be delivered unencoded", zap.String("bin", bin))
		resolved = ""
	}
	if timeouts.Wait <= 0 {
		timeouts.Wait = 30 * time.Second
	}
	if timeouts.Transcode <= 0 {
		timeouts.Transcode = 10 * time.Minute
	}
	if profile.Preset == "" {
		profile = DefaultProfile
	}
	return &FFmpeg{bin: resolved, profile: profile, timeouts: timeouts, log: log}
}

// Available reports whether a binary was found.
func (f *FFmpeg) Available() bool {
	return f != nil && f.bin != ""
}

// WaitTimeout is the bound for a segmenter to finish after its input closes.
func (f *FFmpeg) WaitTimeout() time.Duration {
	return f.timeouts.Wait
}

func (f *FFmpeg) encodeArgs() []string {
	p := f.profile
	args := []string{}
	if p.MaxWidth > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale='min(%d,iw)':-2", p.MaxWidth))
	}
	if p.FPS > 0 {
		args = append(args, "-r", strconv.Itoa(p.FPS))
	}
	return append(args,
		"-c:v", "libx264", "-preset", p.Preset, "-crf", strconv.Itoa(p.CRF),
		"-c:a", "aac", "-b:a", p.AudioBitrate,
	)
}

// Transcode converts src into dst using the delivery profile.
func (f *FFmpeg) Transcode(ctx context.Context, src, dst string) error {
	args := []string{"-y", "-hide_banner", "-loglevel", "error", "-i", src}
	args = append(args, f.encodeArgs()...)
	args = append(args, "-movflags", "+faststart", dst)
	return f.run(ctx, args)
}

// StartSegmenter starts ffmpeg reading from input and writing fixed-duration mp4 segments
// named by pattern (a printf-style pattern with one integer verb).
func (f *FFmpeg) StartSegmenter(input, pattern string, segmentSeconds int) (*Process, error) {
	if !f.Available() {
		return nil, ErrUnavailable
	}
	if segmentSeconds <= 0 {
		segmentSeconds = 60
	}
	args := []string{"-y", "-hide_banner", "-loglevel", "error", "-fflags", "+genpts", "-i", input}
	args = append(args, f.encodeArgs()...)
	args = append(args,
		"-f", "segment",
		"-segment_time", strconv.Itoa(segmentSeconds),
		"-reset_timestamps", "1",
		"-segment_format", "mp4",
		pattern,
	)
	return Start(f.bin, args, f.log)
}

// Concat joins segments losslessly into dst. listPath receives the concat demuxer list.
func (f *FFmpeg) Concat(ctx context.Context, segments []string, listPath, dst string) error {
	if len(segments) == 0 {
		return fmt.Errorf("concat: no segments")
	}
	if err := os.WriteFile(listPath, []byte(ConcatList(segments)), 0o600); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0", "-i", listPath,
		"-c", "copy", "-movflags", "+faststart", dst,
	}
	return f.run(ctx, args)
}

// ConcatList renders the concat demuxer input for files, quoting each path.
func ConcatList(files []string) string {
	var b strings.Builder
	for _, file := range files {
		if abs, err := filepath.Abs(file); err == nil {
			file = abs
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(file, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}

func (f *FFmpeg) run(ctx context.Context, args []string) error {
	if !f.Available() {
		return ErrUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeouts.Transcode)
	defer cancel()
	p, err := Start(f.bin, args, f.log)
	if err != nil {
		return err
	}
	if err := p.Wait(ctx); err != nil {
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}
