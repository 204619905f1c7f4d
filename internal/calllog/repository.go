// Package calllog persists call sessions, participants, events and recording metadata,
// and bridges signaling and recording lifecycles onto them without ever blocking the caller.
package calllog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Close reasons stored in calls.ended_reason.
const (
	ReasonOwnerLeave  = "owner_leave"
	ReasonNoPeersLeft = "no_peers_left"
)

// Event kinds stored in call_events.kind.
const (
	EventOwnerJoin        = "owner_join"
	EventParticipantJoin  = "participant_join"
	EventParticipantLeave = "participant_leave"
	EventRecordStart      = "record_start"
	EventRecordPause      = "record_pause"
	EventRecordResume     = "record_resume"
	EventRecordStop       = "record_stop"
	EventRecordingSaved   = "recording_saved"
)

// Recording is the metadata attached to a call once an artifact is finalized.
type Recording struct {
	RecordingID       string
	Filename          string
	URL               string
	Format            string
	Mode              string
	SizeBytes         int64
	DurationSec       int
	DeliveryAttempted bool
}

// Store is the call-log persistence contract. A zero call id means "no call".
type Store interface {
	CreateCallIfAbsent(ctx context.Context, roomID, ownerUID string) (int64, error)
	ResolveCallID(ctx context.Context, roomID, ownerUID string, startedAt time.Time) (int64, error)
	FallbackOwnerUID(ctx context.Context, roomID string) (string, error)
	AddEvent(ctx context.Context, callID int64, actorUID, kind string, payload map[string]interface{}) error
	ParticipantJoin(ctx context.Context, callID int64, uid, name, avatar string) error
	ParticipantLeave(ctx context.Context, callID int64, uid string) error
	MarkCallActive(ctx context.Context, callID int64) error
	FinalizeCall(ctx context.Context, callID int64, reason string) error
	AttachRecording(ctx context.Context, callID int64, rec Recording) error
}

// Repository implements Store on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a call-log repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateCallIfAbsent returns the open call for (room, owner), inserting one if none exists.
func (r *Repository) CreateCallIfAbsent(ctx context.Context, roomID, ownerUID string) (int64, error) {
	const q = `
		WITH open AS (
			SELECT id FROM calls
			WHERE room_uid = $1 AND owner_uid = $2 AND ended_at IS NULL
			ORDER BY started_at DESC LIMIT 1
		), ins AS (
			INSERT INTO calls (room_uid, owner_uid)
			SELECT $1, $2 WHERE NOT EXISTS (SELECT 1 FROM open)
			RETURNING id
		)
		SELECT id FROM open UNION ALL SELECT id FROM ins`
	var id int64
	if err := r.pool.QueryRow(ctx, q, roomID, ownerUID).Scan(&id); err != nil {
		return 0, fmt.Errorf("create call: %w", err)
	}
	return id, nil
}

// ResolveCallID prefers an open call for (room, owner); otherwise the latest call started at or before startedAt.
func (r *Repository) ResolveCallID(ctx context.Context, roomID, ownerUID string, startedAt time.Time) (int64, error) {
	const q = `
		SELECT id FROM calls
		WHERE room_uid = $1 AND owner_uid = $2 AND (ended_at IS NULL OR started_at <= $3)
		ORDER BY (ended_at IS NULL) DESC, started_at DESC
		LIMIT 1`
	var id int64
	err := r.pool.QueryRow(ctx, q, roomID, ownerUID, startedAt).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolve call: %w", err)
	}
	return id, nil
}

// FallbackOwnerUID returns the owner of the room's open call, else of its most recent call.
func (r *Repository) FallbackOwnerUID(ctx context.Context, roomID string) (string, error) {
	const q = `
		SELECT owner_uid FROM calls
		WHERE room_uid = $1
		ORDER BY (ended_at IS NULL) DESC, started_at DESC
		LIMIT 1`
	var uid string
	err := r.pool.QueryRow(ctx, q, roomID).Scan(&uid)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("fallback owner: %w", err)
	}
	return uid, nil
}

// AddEvent appends a call event with a JSON payload.
func (r *Repository) AddEvent(ctx context.Context, callID int64, actorUID, kind string, payload map[string]interface{}) error {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO call_events (call_id, actor_uid, kind, payload) VALUES ($1, NULLIF($2, ''), $3, $4::jsonb)`,
		callID, actorUID, kind, string(body))
	return err
}

// ParticipantJoin opens a participation row.
func (r *Repository) ParticipantJoin(ctx context.Context, callID int64, uid, name, avatar string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO call_participants (call_id, uid, name, avatar) VALUES ($1, $2, $3, $4)`,
		callID, uid, name, avatar)
	return err
}

// ParticipantLeave closes the most recent open participation of uid.
func (r *Repository) ParticipantLeave(ctx context.Context, callID int64, uid string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE call_participants p SET left_at = NOW()
		 FROM (SELECT id FROM call_participants WHERE call_id = $1 AND uid = $2 AND left_at IS NULL ORDER BY joined_at DESC LIMIT 1) AS sub
		 WHERE p.id = sub.id`,
		callID, uid)
	return err
}

// MarkCallActive flags an open call as having had a second participant.
func (r *Repository) MarkCallActive(ctx context.Context, callID int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE calls SET status = 'active', activated_at = COALESCE(activated_at, NOW())
		 WHERE id = $1 AND ended_at IS NULL`,
		callID)
	return err
}

// FinalizeCall ends an open call and closes its open participations.
func (r *Repository) FinalizeCall(ctx context.Context, callID int64, reason string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE calls SET status = 'ended', ended_at = NOW(), ended_reason = $2 WHERE id = $1 AND ended_at IS NULL`,
		callID, reason); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE call_participants SET left_at = NOW() WHERE call_id = $1 AND left_at IS NULL`,
		callID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AttachRecording stores recording metadata once per recording id.
func (r *Repository) AttachRecording(ctx context.Context, callID int64, rec Recording) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO call_recordings (call_id, recording_id, filename, url, format, mode, size_bytes, duration_sec, delivery_attempted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (recording_id) DO NOTHING`,
		callID, rec.RecordingID, rec.Filename, rec.URL, rec.Format, rec.Mode, rec.SizeBytes, rec.DurationSec, rec.DeliveryAttempted)
	return err
}
