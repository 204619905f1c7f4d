package calllog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tgringer/callserver/internal/metrics"
)

type op struct {
	name string
	fn   func(ctx context.Context) error
}

// Sink runs call-log writes on a single background worker so they never block signaling or
// recording, and are applied in submission order. A full queue drops the write.
type Sink struct {
	ops     chan op
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewSink starts the worker. size bounds the queue; timeout bounds each write.
func NewSink(size int, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Sink {
	if size < 32 {
		size = 32
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	s := &Sink{
		ops:     make(chan op, size),
		timeout: timeout,
		logger:  logger,
		metrics: m,
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Submit queues fn. Failures are logged and discarded; callers never observe them.
func (s *Sink) Submit(name string, fn func(ctx context.Context) error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.metrics.CallLogDropped.Inc()
		return
	}
	select {
	case s.ops <- op{name: name, fn: fn}:
	default:
		s.metrics.CallLogDropped.Inc()
		s.logger.Warn("call log queue full, dropping", zap.String("op", name))
	}
}

// Close stops accepting writes and waits for queued ones to finish or ctx to expire.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ops)
	}
	s.mu.Unlock()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for o := range s.ops {
		s.exec(o)
	}
}

func (s *Sink) exec(o op) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.metrics.CallLogFailed.Inc()
			s.logger.Error("call log op panicked", zap.String("op", o.name), zap.Any("panic", r))
		}
	}()
	if err := o.fn(ctx); err != nil {
		s.metrics.CallLogFailed.Inc()
		s.logger.Warn("call log op failed", zap.String("op", o.name), zap.Error(err))
	}
}
