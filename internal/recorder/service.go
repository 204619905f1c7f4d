// Package recorder turns a live chunked upload into a single recording artifact.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tgringer/callserver/internal/calllog"
	"github.com/tgringer/callserver/internal/delivery"
	"github.com/tgringer/callserver/internal/metrics"
)

var (
	ErrNotFound       = errors.New("recording not found")
	ErrConflict       = errors.New("recording already exists")
	ErrEmptyChunk     = errors.New("empty chunk")
	ErrInvalidRequest = errors.New("invalid request")
)

// unknownOwner is used when neither the caller nor the call log knows the owner.
const unknownOwner = "unknown"

// CallLog is the best-effort call-log side of the recorder.
type CallLog interface {
	FallbackOwner(ctx context.Context, roomID string) string
	RecordingStarted(roomID, ownerUID, recordingID string, startedAt time.Time)
	RecordingFinished(roomID, ownerUID string, startedAt time.Time, rec calllog.Recording)
}

// Mirror copies a finished artifact to durable storage and returns its URL.
type Mirror interface {
	MirrorRecording(ctx context.Context, roomID, localPath string) (string, error)
}

// Config holds capture settings.
type Config struct {
	Dir             string
	Mode            Mode
	SegmentSeconds  int
	PublicPrefix    string // URL prefix the artifact directory is served under
	BaseURL         string // origin used to make URLs absolute for delivery
	PipeOpenTimeout time.Duration
	WriteTimeout    time.Duration // bounds one chunk write into the encoder pipe
}

// Deps are the optional collaborators of the service.
type Deps struct {
	CallLog  CallLog
	Notifier delivery.Notifier
	Mirror   Mirror
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// StartRequest opens a capture.
type StartRequest struct {
	RoomID   string
	OwnerUID string
	ChatID   string
}

// StartResult identifies an opened capture.
type StartResult struct {
	RecordingID string
	StartedAt   time.Time
	Mode        Mode
}

// FinishRequest closes a capture. OwnerUID and ChatID override the values given at start.
type FinishRequest struct {
	RecordingID string
	Deliver     bool
	OwnerUID    string
	ChatID      string
}

// FinishResult describes the produced artifact.
type FinishResult struct {
	URL      string
	Filename string
	S3URL    string
	Mode     Mode
	Size     int64
}

// Service owns every active capture.
type Service struct {
	cfg      Config
	enc      Encoder
	calls    CallLog
	notifier delivery.Notifier
	mirror   Mirror
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session // nil value: id reserved by an in-flight start
}

// NewService creates the recording directory and returns the service.
func NewService(cfg Config, enc Encoder, deps Deps) (*Service, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("recording dir required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAccumulate
	}
	if cfg.PublicPrefix == "" {
		cfg.PublicPrefix = "/static/records"
	}
	cfg.PublicPrefix = strings.TrimRight(cfg.PublicPrefix, "/")
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PipeOpenTimeout <= 0 {
		cfg.PipeOpenTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop()
	}
	return &Service{
		cfg:      cfg,
		enc:      enc,
		calls:    deps.CallLog,
		notifier: deps.Notifier,
		mirror:   deps.Mirror,
		log:      deps.Logger,
		metrics:  deps.Metrics,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}, nil
}

// Start opens a capture for the room. In segmented mode any pipe or encoder failure falls back
// to accumulate mode; the caller only sees the mode actually used.
func (s *Service) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	roomID := strings.TrimSpace(req.RoomID)
	if roomID == "" || safeComponent(roomID) == "" {
		return StartResult{}, fmt.Errorf("%w: room_id required", ErrInvalidRequest)
	}
	owner := strings.TrimSpace(req.OwnerUID)
	if owner == "" && s.calls != nil {
		owner = s.calls.FallbackOwner(ctx, roomID)
	}
	if owner == "" {
		owner = unknownOwner
	}

	startedAt := s.now()
	id := recordingID(roomID, owner, startedAt)
	base := baseName(roomID, owner, startedAt)
	stem := filepath.Join(s.cfg.Dir, base)
	log := s.log.With(zap.String("recording_id", id), zap.String("room_id", roomID))

	s.mu.Lock()
	if _, taken := s.sessions[id]; taken {
		s.mu.Unlock()
		return StartResult{}, ErrConflict
	}
	s.sessions[id] = nil
	s.mu.Unlock()

	st, err := s.openStrategy(stem, log)
	if err != nil {
		s.release(id)
		return StartResult{}, err
	}

	sess := newSession(id, roomID, owner, strings.TrimSpace(req.ChatID), base, startedAt, st)
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	s.metrics.ActiveRecordings.Inc()

	log.Info("recording started", zap.String("mode", string(st.Mode())), zap.String("owner_uid", owner))
	if s.calls != nil {
		s.calls.RecordingStarted(roomID, owner, id, startedAt)
	}
	return StartResult{RecordingID: id, StartedAt: startedAt, Mode: st.Mode()}, nil
}

func (s *Service) openStrategy(stem string, log *zap.Logger) (strategy, error) {
	// an artifact written earlier under the same stem must never be overwritten
	for _, ext := range []string{extPart, extFIFO, extWebm, extMP4} {
		if exists(stem + ext) {
			return nil, ErrConflict
		}
	}
	if s.cfg.Mode == ModeSegmented {
		seg, err := newSegmented(stem, s.cfg.SegmentSeconds, s.cfg.PipeOpenTimeout, s.cfg.WriteTimeout, s.enc, log)
		if err == nil {
			return seg, nil
		}
		s.metrics.RecordingFallbacks.Inc()
		log.Warn("segmented capture unavailable, falling back to accumulate", zap.Error(err))
	}
	return newAccumulate(stem, s.enc, log)
}

func (s *Service) release(id string) {
	s.mu.Lock()
	if sess, ok := s.sessions[id]; ok && sess == nil {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
}

func (s *Service) lookup(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// Append writes one chunk to an active capture.
func (s *Service) Append(ctx context.Context, id string, seq int64, data []byte) error {
	sess := s.lookup(id)
	if sess == nil {
		return ErrNotFound
	}
	if len(data) == 0 {
		return ErrEmptyChunk
	}
	if err := sess.append(seq, data); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("write chunk: %w", err)
	}
	s.metrics.ChunkBytes.Add(float64(len(data)))
	return nil
}

// Finish finalizes the capture, publishes it and optionally hands it to delivery.
// The session leaves the registry before any file is touched, so a repeated finish gets ErrNotFound.
func (s *Service) Finish(ctx context.Context, req FinishRequest) (FinishResult, error) {
	s.mu.Lock()
	sess := s.sessions[req.RecordingID]
	if sess == nil {
		s.mu.Unlock()
		return FinishResult{}, ErrNotFound
	}
	delete(s.sessions, req.RecordingID)
	s.mu.Unlock()
	s.metrics.ActiveRecordings.Dec()

	// finalization outlives a client that hangs up mid-request
	ctx = context.WithoutCancel(ctx)
	mode := sess.Mode()
	log := s.log.With(zap.String("recording_id", sess.ID), zap.String("room_id", sess.RoomID), zap.String("mode", string(mode)))

	path, err := sess.finish(ctx)
	if err != nil {
		s.metrics.RecordingFinished.WithLabelValues(string(mode), "error").Inc()
		log.Error("recording finalize failed", zap.Error(err))
		return FinishResult{}, fmt.Errorf("finalize recording: %w", err)
	}

	res := FinishResult{Filename: filepath.Base(path), Mode: mode}
	res.URL = s.cfg.PublicPrefix + "/" + res.Filename
	if info, err := os.Stat(path); err == nil {
		res.Size = info.Size()
	}
	if s.mirror != nil {
		if url, err := s.mirror.MirrorRecording(ctx, sess.RoomID, path); err != nil {
			log.Warn("recording mirror failed", zap.Error(err))
		} else {
			res.S3URL = url
		}
	}

	owner := firstNonEmpty(req.OwnerUID, sess.OwnerUID)
	delivered := false
	if req.Deliver && s.notifier != nil {
		dreq := delivery.Request{
			RoomID:   sess.RoomID,
			OwnerUID: owner,
			ChatID:   firstNonEmpty(req.ChatID, sess.ChatID, owner),
			FileURL:  firstNonEmpty(res.S3URL, s.absoluteURL(res.URL)),
		}
		err := s.notifier.Notify(ctx, dreq)
		switch {
		case errors.Is(err, delivery.ErrNotConfigured):
			log.Info("recording delivery skipped", zap.Error(err))
		case err != nil:
			delivered = true
			log.Warn("recording delivery failed", zap.Error(err))
		default:
			delivered = true
		}
	}

	if s.calls != nil {
		s.calls.RecordingFinished(sess.RoomID, sess.OwnerUID, sess.StartedAt, calllog.Recording{
			RecordingID:       sess.ID,
			Filename:          res.Filename,
			URL:               firstNonEmpty(res.S3URL, res.URL),
			Format:            strings.TrimPrefix(filepath.Ext(path), "."),
			Mode:              string(mode),
			SizeBytes:         res.Size,
			DurationSec:       int(s.now().Sub(sess.StartedAt).Seconds()),
			DeliveryAttempted: delivered,
		})
	}
	s.metrics.RecordingFinished.WithLabelValues(string(mode), "ok").Inc()
	log.Info("recording finished", zap.String("file", res.Filename), zap.Int64("size", res.Size), zap.Int64("max_seq", sess.MaxSeq()))
	return res, nil
}

// Active returns the number of open captures.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess != nil {
			n++
		}
	}
	return n
}

// Session returns an open capture by id.
func (s *Service) Session(id string) (*Session, bool) {
	sess := s.lookup(id)
	return sess, sess != nil
}

func (s *Service) absoluteURL(u string) string {
	if s.cfg.BaseURL == "" || strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return s.cfg.BaseURL + u
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
