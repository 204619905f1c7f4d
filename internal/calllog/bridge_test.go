package calllog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgringer/callserver/internal/metrics"
	"github.com/tgringer/callserver/internal/realtime"
)

type fakeStore struct {
	mu       sync.Mutex
	calls    []string
	nextID   int64
	open     map[string]int64
	owner    string
	fail     error
	attached []Recording
}

func newFakeStore() *fakeStore {
	return &fakeStore{nextID: 1, open: map[string]int64{}}
}

func (f *fakeStore) log(format string, args ...interface{}) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeStore) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeStore) CreateCallIfAbsent(_ context.Context, roomID, ownerUID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return 0, f.fail
	}
	key := roomID + "/" + ownerUID
	if id, ok := f.open[key]; ok {
		return id, nil
	}
	id := f.nextID
	f.nextID++
	f.open[key] = id
	f.log("create %s %d", key, id)
	return id, nil
}

func (f *fakeStore) ResolveCallID(_ context.Context, roomID, ownerUID string, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[roomID+"/"+ownerUID], nil
}

func (f *fakeStore) FallbackOwnerUID(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owner, f.fail
}

func (f *fakeStore) AddEvent(_ context.Context, callID int64, actorUID, kind string, payload map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ts, ok := payload["ts"]; ok {
		f.log("event %d %s %s ts=%v", callID, actorUID, kind, ts)
	} else {
		f.log("event %d %s %s", callID, actorUID, kind)
	}
	return nil
}

func (f *fakeStore) ParticipantJoin(_ context.Context, callID int64, uid, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("join %d %s", callID, uid)
	return nil
}

func (f *fakeStore) ParticipantLeave(_ context.Context, callID int64, uid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("leave %d %s", callID, uid)
	return nil
}

func (f *fakeStore) MarkCallActive(_ context.Context, callID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("active %d", callID)
	return nil
}

func (f *fakeStore) FinalizeCall(_ context.Context, callID int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("finalize %d %s", callID, reason)
	return nil
}

func (f *fakeStore) AttachRecording(_ context.Context, callID int64, rec Recording) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, rec)
	f.log("attach %d %s", callID, rec.RecordingID)
	return nil
}

func newTestBridge(t *testing.T, store Store) (*Bridge, *Sink, *metrics.Metrics) {
	t.Helper()
	m := metrics.Nop()
	sink := NewSink(64, time.Second, nil, m)
	return NewBridge(store, sink, nil), sink, m
}

func drain(t *testing.T, sink *Sink) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))
}

func TestBridgeCallLifecycle(t *testing.T) {
	store := newFakeStore()
	b, sink, _ := newTestBridge(t, store)

	var bound int64
	var mu sync.Mutex
	bind := func(id int64) { mu.Lock(); bound = id; mu.Unlock() }

	b.OwnerClaimed("r1", "42", bind)
	b.ParticipantJoined("r1", "42", 0, realtime.PeerView{ID: "p2", UID: "7", Name: "Bob"}, bind)
	b.RecordControl("r1", "42", 1, realtime.TypeRecordStart, "1700000000")
	b.PeerLeft(realtime.LeaveEvent{RoomID: "r1", UID: "7", OwnerUID: "42", CallID: 1, RemainingNonOwners: 0})
	drain(t, sink)

	mu.Lock()
	assert.Equal(t, int64(1), bound)
	mu.Unlock()
	assert.Equal(t, []string{
		"create r1/42 1",
		"event 1 42 owner_join",
		"join 1 7",
		"event 1 7 participant_join",
		"active 1",
		"event 1 42 record_start ts=1700000000",
		"leave 1 7",
		"event 1 7 participant_leave",
		"finalize 1 no_peers_left",
	}, store.history())
}

func TestBridgeRecordControlEventKinds(t *testing.T) {
	store := newFakeStore()
	store.open["r1/42"] = 4
	b, sink, _ := newTestBridge(t, store)

	b.RecordControl("r1", "42", 4, realtime.TypeRecordStart, "1")
	b.RecordControl("r1", "42", 4, realtime.TypeRecordPause, "2")
	b.RecordControl("r1", "42", 4, realtime.TypeRecordResume, "3")
	b.RecordControl("r1", "42", 4, realtime.TypeRecordStop, "4")
	b.RecordControl("r1", "42", 4, "record-rewind", "5")
	drain(t, sink)
	assert.Equal(t, []string{
		"event 4 42 " + EventRecordStart + " ts=1",
		"event 4 42 " + EventRecordPause + " ts=2",
		"event 4 42 " + EventRecordResume + " ts=3",
		"event 4 42 " + EventRecordStop + " ts=4",
	}, store.history())
}

func TestBridgeOwnerLeaveFinalizes(t *testing.T) {
	store := newFakeStore()
	store.open["r1/42"] = 5
	b, sink, _ := newTestBridge(t, store)

	b.PeerLeft(realtime.LeaveEvent{RoomID: "r1", UID: "42", OwnerUID: "42", WasOwner: true, RemainingNonOwners: 1})
	drain(t, sink)
	assert.Equal(t, []string{"finalize 5 owner_leave"}, store.history())
}

func TestBridgeLeaveWithRemainingParticipants(t *testing.T) {
	store := newFakeStore()
	b, sink, _ := newTestBridge(t, store)

	b.PeerLeft(realtime.LeaveEvent{RoomID: "r1", UID: "7", OwnerUID: "42", CallID: 3, RemainingNonOwners: 1})
	drain(t, sink)
	assert.Equal(t, []string{"leave 3 7", "event 3 7 participant_leave"}, store.history())
}

func TestBridgeSkipsAnonymousAndOwnerless(t *testing.T) {
	store := newFakeStore()
	b, sink, _ := newTestBridge(t, store)

	b.PeerLeft(realtime.LeaveEvent{RoomID: "r1", UID: "", OwnerUID: "42", CallID: 3})
	b.PeerLeft(realtime.LeaveEvent{RoomID: "r1", UID: "7", CallID: 3})
	b.RecordControl("r1", "42", 0, realtime.TypeRecordStop, "")
	drain(t, sink)
	assert.Empty(t, store.history())
}

func TestBridgeRecordingCorrelation(t *testing.T) {
	store := newFakeStore()
	store.open["r1/42"] = 9
	b, sink, _ := newTestBridge(t, store)
	started := time.Unix(1700000000, 0)

	b.RecordingStarted("r1", "42", "r1-42-1700000000", started)
	b.RecordingFinished("r1", "42", started, Recording{RecordingID: "r1-42-1700000000", URL: "/static/records/x.mp4"})
	b.RecordingFinished("other", "1", started, Recording{RecordingID: "orphan"})
	drain(t, sink)

	assert.Equal(t, []string{
		"event 9 42 recording_started ts=1700000000",
		"attach 9 r1-42-1700000000",
		"event 9 42 recording_saved",
	}, store.history())
}

func TestBridgeNilStoreIsNoop(t *testing.T) {
	b := NewBridge(nil, nil, nil)
	b.OwnerClaimed("r1", "42", func(int64) { t.Fatal("bind called") })
	b.PeerLeft(realtime.LeaveEvent{RoomID: "r1", UID: "42", OwnerUID: "42", WasOwner: true})
	b.RecordingStarted("r1", "42", "id", time.Now())
	assert.Empty(t, b.FallbackOwner(context.Background(), "r1"))
}

func TestBridgeFallbackOwner(t *testing.T) {
	store := newFakeStore()
	store.owner = "42"
	b, sink, _ := newTestBridge(t, store)
	defer drain(t, sink)
	assert.Equal(t, "42", b.FallbackOwner(context.Background(), "r1"))

	store.mu.Lock()
	store.fail = errors.New("db down")
	store.mu.Unlock()
	assert.Empty(t, b.FallbackOwner(context.Background(), "r1"))
}

func TestBridgeStoreFailureIsSwallowed(t *testing.T) {
	store := newFakeStore()
	store.fail = errors.New("db down")
	b, sink, m := newTestBridge(t, store)

	b.OwnerClaimed("r1", "42", nil)
	drain(t, sink)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CallLogFailed))
}

func TestSinkDropsWhenFull(t *testing.T) {
	m := metrics.Nop()
	sink := NewSink(32, time.Second, nil, m)
	release := make(chan struct{})
	started := make(chan struct{})
	sink.Submit("block", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	for i := 0; i < 40; i++ {
		sink.Submit("fill", func(context.Context) error { return nil })
	}
	close(release)
	drain(t, sink)
	assert.Equal(t, float64(8), testutil.ToFloat64(m.CallLogDropped))

	sink.Submit("late", func(context.Context) error { return nil })
	assert.Equal(t, float64(9), testutil.ToFloat64(m.CallLogDropped))
}

func TestSinkRecoversPanic(t *testing.T) {
	m := metrics.Nop()
	sink := NewSink(32, time.Second, nil, m)
	ran := false
	sink.Submit("boom", func(context.Context) error { panic("boom") })
	sink.Submit("after", func(context.Context) error { ran = true; return nil })
	drain(t, sink)
	assert.True(t, ran)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CallLogFailed))
}
