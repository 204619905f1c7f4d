// Package delivery hands finished recordings to the bot that sends them to the owner.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tgringer/callserver/internal/metrics"
	"github.com/tgringer/callserver/pkg/queue"
)

// ErrUnreached marks a failure where the request never reached the bot, so a retry cannot duplicate it.
var ErrUnreached = errors.New("delivery endpoint unreachable")

// ErrNotConfigured is returned when no endpoint is set and nothing was sent.
var ErrNotConfigured = errors.New("delivery endpoint not configured")

// Request is what the bot needs to deliver one recording.
type Request struct {
	RoomID   string `json:"room_id"`
	OwnerUID string `json:"owner_uid"`
	ChatID   string `json:"chat_id"`
	FileURL  string `json:"file_url"`
}

// Notifier delivers a finished recording.
type Notifier interface {
	Notify(ctx context.Context, req Request) error
}

// HTTPNotifier POSTs the request to the bot's notify endpoint.
type HTTPNotifier struct {
	endpoint string
	signer   *Signer
	client   *http.Client
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewHTTPNotifier creates a notifier. An empty endpoint makes Notify a logged no-op.
func NewHTTPNotifier(endpoint string, signer *Signer, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *HTTPNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPNotifier{
		endpoint: endpoint,
		signer:   signer,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
		metrics:  m,
	}
}

// Notify sends req. Dial failures are wrapped in ErrUnreached; without an endpoint it
// sends nothing and returns ErrNotConfigured.
func (n *HTTPNotifier) Notify(ctx context.Context, req Request) error {
	log := n.logger.With(zap.String("room_id", req.RoomID), zap.String("chat_id", req.ChatID))
	if n.endpoint == "" {
		log.Info("notify endpoint not set, skipping delivery")
		n.metrics.Deliveries.WithLabelValues("skipped").Inc()
		return ErrNotConfigured
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build delivery request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if n.signer.Enabled() {
		token, err := n.signer.Sign(req)
		if err != nil {
			return fmt.Errorf("sign delivery: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := n.client.Do(httpReq)
	if err != nil {
		n.metrics.Deliveries.WithLabelValues("unreached").Inc()
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return fmt.Errorf("%w: %v", ErrUnreached, err)
		}
		return fmt.Errorf("post delivery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		n.metrics.Deliveries.WithLabelValues("rejected").Inc()
		return fmt.Errorf("delivery rejected status=%d body=%s", resp.StatusCode, bytes.TrimSpace(data))
	}
	n.metrics.Deliveries.WithLabelValues("ok").Inc()
	log.Info("recording delivered", zap.String("file_url", req.FileURL))
	return nil
}

// QueueNotifier defers delivery to the background worker through the job queue.
type QueueNotifier struct {
	queue  *queue.Queue
	logger *zap.Logger
}

// NewQueueNotifier creates a notifier that enqueues delivery jobs.
func NewQueueNotifier(q *queue.Queue, logger *zap.Logger) *QueueNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueNotifier{queue: q, logger: logger}
}

// Notify enqueues req for the delivery worker.
func (n *QueueNotifier) Notify(ctx context.Context, req Request) error {
	if err := n.queue.EnqueueDelivery(ctx, ToPayload(req)); err != nil {
		return fmt.Errorf("enqueue delivery: %w", err)
	}
	n.logger.Debug("delivery queued", zap.String("room_id", req.RoomID))
	return nil
}

// ToPayload converts a request to its queued form.
func ToPayload(req Request) queue.DeliveryPayload {
	return queue.DeliveryPayload{RoomID: req.RoomID, OwnerUID: req.OwnerUID, ChatID: req.ChatID, FileURL: req.FileURL}
}

// FromPayload converts a queued payload back to a request.
func FromPayload(p queue.DeliveryPayload) Request {
	return Request{RoomID: p.RoomID, OwnerUID: p.OwnerUID, ChatID: p.ChatID, FileURL: p.FileURL}
}
