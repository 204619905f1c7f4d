package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tgringer/callserver/internal/encoder"
)

// Mode selects how raw chunks become the final artifact.
type Mode string

const (
	// ModeAccumulate appends chunks to a file and transcodes once at finish.
	ModeAccumulate Mode = "accumulate"
	// ModeSegmented streams chunks through a named pipe into a segmenting encoder.
	ModeSegmented Mode = "segmented"
)

// Encoder is the external encoder the strategies drive.
type Encoder interface {
	Available() bool
	Transcode(ctx context.Context, src, dst string) error
	StartSegmenter(input, pattern string, segmentSeconds int) (*encoder.Process, error)
	Concat(ctx context.Context, segments []string, listPath, dst string) error
	WaitTimeout() time.Duration
}

// strategy turns appended bytes into one artifact.
type strategy interface {
	Mode() Mode
	Write(b []byte) (int, error)
	// Finish finalizes the capture and returns the artifact path.
	Finish(ctx context.Context) (string, error)
	// Abort releases resources without producing an artifact.
	Abort()
}

// accumulate appends to base.webm.part, renames it at finish and transcodes when possible.
type accumulate struct {
	stem string // dir/base
	f    *os.File
	enc  Encoder
	log  *zap.Logger
}

func newAccumulate(stem string, enc Encoder, log *zap.Logger) (*accumulate, error) {
	f, err := os.OpenFile(stem+extPart, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if errors.Is(err, os.ErrExist) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	return &accumulate{stem: stem, f: f, enc: enc, log: log}, nil
}

func (a *accumulate) Mode() Mode { return ModeAccumulate }

func (a *accumulate) Write(b []byte) (int, error) {
	return a.f.Write(b)
}

func (a *accumulate) Finish(ctx context.Context) (string, error) {
	if err := a.f.Close(); err != nil {
		return "", fmt.Errorf("close capture: %w", err)
	}
	raw := a.stem + extWebm
	if err := os.Rename(a.stem+extPart, raw); err != nil {
		return "", fmt.Errorf("finalize capture: %w", err)
	}
	if a.enc == nil || !a.enc.Available() {
		return raw, nil
	}
	mp4 := a.stem + extMP4
	if err := a.enc.Transcode(ctx, raw, mp4); err != nil {
		a.log.Warn("transcode failed, keeping raw capture", zap.String("file", filepath.Base(raw)), zap.Error(err))
		_ = os.Remove(mp4)
		return raw, nil
	}
	if err := os.Remove(raw); err != nil {
		a.log.Warn("remove raw capture", zap.Error(err))
	}
	return mp4, nil
}

func (a *accumulate) Abort() {
	_ = a.f.Close()
}

// segmented writes into a FIFO read by a segmenting encoder, then concatenates the segments.
type segmented struct {
	stem string
	proc *encoder.Process
	enc  Encoder
	log  *zap.Logger
}

func newSegmented(stem string, segmentSeconds int, openTimeout, writeTimeout time.Duration, enc Encoder, log *zap.Logger) (*segmented, error) {
	if enc == nil || !enc.Available() {
		return nil, encoder.ErrUnavailable
	}
	fifo := stem + extFIFO
	if err := encoder.MakeFIFO(fifo); err != nil {
		return nil, err
	}
	proc, err := enc.StartSegmenter(fifo, segmentPattern(stem), segmentSeconds)
	if err != nil {
		_ = os.Remove(fifo)
		return nil, err
	}
	w, err := encoder.OpenFIFOWriter(fifo, openTimeout, proc.Done())
	if err != nil {
		proc.Stop()
		_ = os.Remove(fifo)
		return nil, err
	}
	proc.Attach(w)
	// chunk writes run under the session lock
	proc.SetWriteTimeout(writeTimeout)
	return &segmented{stem: stem, proc: proc, enc: enc, log: log}, nil
}

func (s *segmented) Mode() Mode { return ModeSegmented }

func (s *segmented) Write(b []byte) (int, error) {
	return s.proc.Write(b)
}

func (s *segmented) Finish(ctx context.Context) (string, error) {
	defer func() { _ = os.Remove(s.stem + extFIFO) }()
	if err := s.proc.CloseInput(); err != nil {
		s.log.Warn("close encoder input", zap.Error(err))
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.enc.WaitTimeout())
	defer cancel()
	if err := s.proc.Wait(waitCtx); err != nil {
		return "", fmt.Errorf("segment encoder: %w", err)
	}

	segments, err := filepath.Glob(segmentGlob(s.stem))
	if err != nil {
		return "", fmt.Errorf("list segments: %w", err)
	}
	if len(segments) == 0 {
		return "", fmt.Errorf("no segments produced")
	}
	sort.Strings(segments)

	list := s.stem + extConcat
	out := s.stem + extMP4
	if err := s.enc.Concat(ctx, segments, list, out); err != nil {
		_ = os.Remove(out)
		return "", fmt.Errorf("concat segments: %w", err)
	}
	for _, seg := range segments {
		_ = os.Remove(seg)
	}
	_ = os.Remove(list)
	return out, nil
}

func (s *segmented) Abort() {
	s.proc.Stop()
	_ = os.Remove(s.stem + extFIFO)
}
