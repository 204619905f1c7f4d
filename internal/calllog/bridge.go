package calllog

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tgringer/callserver/internal/realtime"
)

// EventRecordingStarted marks a server-side capture start, distinct from the owner's record-start notification.
const EventRecordingStarted = "recording_started"

const fallbackOwnerTimeout = 2 * time.Second

// recordEvents maps owner record-control messages to call event kinds.
var recordEvents = map[string]string{
	realtime.TypeRecordStart:  EventRecordStart,
	realtime.TypeRecordPause:  EventRecordPause,
	realtime.TypeRecordResume: EventRecordResume,
	realtime.TypeRecordStop:   EventRecordStop,
}

// Bridge maps signaling and recording lifecycle events onto the call log.
// Every method returns immediately except FallbackOwner, which is bounded by a short timeout.
// A Bridge without a store is a no-op.
type Bridge struct {
	store  Store
	sink   *Sink
	logger *zap.Logger
	now    func() time.Time
}

var _ realtime.Lifecycle = (*Bridge)(nil)

// NewBridge creates a bridge. store may be nil when no database is configured.
func NewBridge(store Store, sink *Sink, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{store: store, sink: sink, logger: logger, now: time.Now}
}

func (b *Bridge) enabled() bool {
	return b != nil && b.store != nil && b.sink != nil
}

// OwnerClaimed creates the call for a newly owned room and binds its id to the room.
func (b *Bridge) OwnerClaimed(roomID, ownerUID string, bind func(callID int64)) {
	if !b.enabled() {
		return
	}
	b.sink.Submit("owner_claimed", func(ctx context.Context) error {
		id, err := b.store.CreateCallIfAbsent(ctx, roomID, ownerUID)
		if err != nil {
			return err
		}
		if bind != nil {
			bind(id)
		}
		return b.store.AddEvent(ctx, id, ownerUID, EventOwnerJoin, nil)
	})
}

// ParticipantJoined records a non-owner joining an owned room and marks the call active.
func (b *Bridge) ParticipantJoined(roomID, ownerUID string, callID int64, p realtime.PeerView, bind func(callID int64)) {
	if !b.enabled() {
		return
	}
	b.sink.Submit("participant_joined", func(ctx context.Context) error {
		id := callID
		if id == 0 {
			var err error
			if id, err = b.store.CreateCallIfAbsent(ctx, roomID, ownerUID); err != nil {
				return err
			}
			if bind != nil {
				bind(id)
			}
		}
		if err := b.store.ParticipantJoin(ctx, id, p.UID, p.Name, p.Avatar); err != nil {
			return err
		}
		if err := b.store.AddEvent(ctx, id, p.UID, EventParticipantJoin, map[string]interface{}{"name": p.Name}); err != nil {
			return err
		}
		return b.store.MarkCallActive(ctx, id)
	})
}

// RecordControl mirrors an owner's record-start/pause/resume/stop as a call event.
func (b *Bridge) RecordControl(roomID, ownerUID string, callID int64, kind, ts string) {
	if !b.enabled() {
		return
	}
	event, ok := recordEvents[kind]
	if !ok {
		b.logger.Debug("unknown record control ignored", zap.String("type", kind))
		return
	}
	at := b.now()
	b.sink.Submit(event, func(ctx context.Context) error {
		id, err := b.callID(ctx, roomID, ownerUID, callID, at)
		if err != nil || id == 0 {
			return err
		}
		return b.store.AddEvent(ctx, id, ownerUID, event, map[string]interface{}{"ts": ts})
	})
}

// PeerLeft finalizes the call when the owner leaves or the last participant does.
func (b *Bridge) PeerLeft(ev realtime.LeaveEvent) {
	if !b.enabled() || ev.UID == "" || ev.OwnerUID == "" {
		return
	}
	at := b.now()
	b.sink.Submit("peer_left", func(ctx context.Context) error {
		id, err := b.callID(ctx, ev.RoomID, ev.OwnerUID, ev.CallID, at)
		if err != nil || id == 0 {
			return err
		}
		if ev.WasOwner {
			return b.store.FinalizeCall(ctx, id, ReasonOwnerLeave)
		}
		if err := b.store.ParticipantLeave(ctx, id, ev.UID); err != nil {
			return err
		}
		if err := b.store.AddEvent(ctx, id, ev.UID, EventParticipantLeave, nil); err != nil {
			return err
		}
		if ev.RemainingNonOwners == 0 {
			return b.store.FinalizeCall(ctx, id, ReasonNoPeersLeft)
		}
		return nil
	})
}

// FallbackOwner resolves who owns or last owned roomID. It returns "" when unknown.
func (b *Bridge) FallbackOwner(ctx context.Context, roomID string) string {
	if b == nil || b.store == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, fallbackOwnerTimeout)
	defer cancel()
	uid, err := b.store.FallbackOwnerUID(ctx, roomID)
	if err != nil {
		b.logger.Warn("owner fallback lookup failed", zap.String("room_id", roomID), zap.Error(err))
		return ""
	}
	return uid
}

// RecordingStarted correlates a new capture with the call and logs it.
func (b *Bridge) RecordingStarted(roomID, ownerUID, recordingID string, startedAt time.Time) {
	if !b.enabled() {
		return
	}
	b.sink.Submit(EventRecordingStarted, func(ctx context.Context) error {
		id, err := b.store.ResolveCallID(ctx, roomID, ownerUID, startedAt)
		if err != nil || id == 0 {
			return err
		}
		return b.store.AddEvent(ctx, id, ownerUID, EventRecordingStarted, map[string]interface{}{
			"recording_id": recordingID,
			"ts":           startedAt.Unix(),
		})
	})
}

// RecordingFinished attaches artifact metadata to the call the capture belonged to.
func (b *Bridge) RecordingFinished(roomID, ownerUID string, startedAt time.Time, rec Recording) {
	if !b.enabled() {
		return
	}
	b.sink.Submit(EventRecordingSaved, func(ctx context.Context) error {
		id, err := b.store.ResolveCallID(ctx, roomID, ownerUID, startedAt)
		if err != nil {
			return err
		}
		if id == 0 {
			b.logger.Debug("no call for recording", zap.String("recording_id", rec.RecordingID))
			return nil
		}
		if err := b.store.AttachRecording(ctx, id, rec); err != nil {
			return err
		}
		return b.store.AddEvent(ctx, id, ownerUID, EventRecordingSaved, map[string]interface{}{
			"recording_id": rec.RecordingID,
			"url":          rec.URL,
		})
	})
}

func (b *Bridge) callID(ctx context.Context, roomID, ownerUID string, known int64, at time.Time) (int64, error) {
	if known != 0 {
		return known, nil
	}
	return b.store.ResolveCallID(ctx, roomID, ownerUID, at)
}
