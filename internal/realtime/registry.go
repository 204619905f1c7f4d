package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tgringer/callserver/internal/metrics"
)

// ErrDuplicateUID is returned when a uid is already held by another live peer in the room.
var ErrDuplicateUID = errors.New("uid already connected in this room")

// ErrUnknownPeer is returned when the peer (or its room) is no longer registered.
var ErrUnknownPeer = errors.New("peer not in room")

// Sender delivers outbound messages to one connection.
type Sender interface {
	// Send queues msg for delivery; it must not block.
	Send(msg interface{}) error
	// Close flushes queued messages and closes the connection.
	Close()
}

// Room groups the peers of one call. Fields are guarded by the owning Registry.
type Room struct {
	ID       string
	OwnerUID string
	CallID   int64
	peers    map[string]*Peer
}

func (r *Room) listPeersExcept(id string) []*Peer {
	out := make([]*Peer, 0, len(r.peers))
	for pid, p := range r.peers {
		if pid != id {
			out = append(out, p)
		}
	}
	return out
}

func (r *Room) otherPeer(id string) *Peer {
	for pid, p := range r.peers {
		if pid != id {
			return p
		}
	}
	return nil
}

func (r *Room) findByUID(uid string) *Peer {
	if uid == "" {
		return nil
	}
	for _, p := range r.peers {
		if p.uid == uid {
			return p
		}
	}
	return nil
}

// Target is a snapshot of a peer taken under the registry lock, safe to use after it is released.
type Target struct {
	View PeerView
	Out  Sender
}

func targetsOf(peers []*Peer) []Target {
	out := make([]Target, 0, len(peers))
	for _, p := range peers {
		out = append(out, Target{View: p.view(), Out: p.out})
	}
	return out
}

func viewsOf(ts []Target) []PeerView {
	out := make([]PeerView, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.View)
	}
	return out
}

// JoinResult is the room state a newly joined peer observes.
type JoinResult struct {
	Peer     *Peer
	OwnerUID string
	Others   []Target
}

// IdentifyResult describes the effect of a hello.
type IdentifyResult struct {
	Self     PeerView
	OwnerUID string
	OwnerSet bool // this hello claimed ownership
	CallID   int64
	Others   []Target
	Everyone []Target
}

// LeaveResult describes the room after a peer was removed.
type LeaveResult struct {
	Peer               PeerView
	OwnerUID           string
	CallID             int64
	WasOwner           bool
	RemainingNonOwners int
	Remaining          []Target
	RoomDestroyed      bool
}

// RoomSnapshot is a read-only copy of a room.
type RoomSnapshot struct {
	ID       string
	OwnerUID string
	CallID   int64
	Peers    []PeerView
}

// Registry owns every room. All membership and identity changes run under one mutex
// so create-on-first-join and destroy-on-last-leave are atomic with the change itself.
type Registry struct {
	mu      sync.Mutex
	rooms   map[string]*Room
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRegistry creates an empty room registry.
func NewRegistry(logger *zap.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Registry{
		rooms:   make(map[string]*Room),
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Join allocates a fresh peer id, creates the room if absent and registers the peer.
func (reg *Registry) Join(roomID string, out Sender) JoinResult {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[roomID]
	if !ok {
		room = &Room{ID: roomID, peers: make(map[string]*Peer)}
		reg.rooms[roomID] = room
		reg.metrics.Rooms.Inc()
		reg.logger.Debug("room created", zap.String("room_id", roomID))
	}
	id := uuid.NewString()
	for room.peers[id] != nil {
		id = uuid.NewString()
	}
	p := newPeer(id, roomID, out, reg.now())
	others := targetsOf(room.listPeersExcept(id))
	room.peers[id] = p
	reg.metrics.Peers.Inc()
	return JoinResult{Peer: p, OwnerUID: room.OwnerUID, Others: others}
}

// Leave removes the peer and destroys the room if it is now empty.
func (reg *Registry) Leave(roomID, peerID string) (LeaveResult, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[roomID]
	if !ok {
		return LeaveResult{}, false
	}
	p, ok := room.peers[peerID]
	if !ok {
		return LeaveResult{}, false
	}
	delete(room.peers, peerID)
	reg.metrics.Peers.Dec()
	if err := p.transition(eventClose); err != nil {
		reg.logger.Warn("peer close transition", zap.String("peer_id", peerID), zap.Error(err))
	}

	res := LeaveResult{
		Peer:     p.view(),
		OwnerUID: room.OwnerUID,
		CallID:   room.CallID,
		WasOwner: p.uid != "" && p.uid == room.OwnerUID,
	}
	for _, other := range room.peers {
		if other.uid != "" && room.OwnerUID != "" && other.uid != room.OwnerUID {
			res.RemainingNonOwners++
		}
	}
	if len(room.peers) == 0 {
		delete(reg.rooms, roomID)
		reg.metrics.Rooms.Dec()
		res.RoomDestroyed = true
		reg.logger.Debug("room destroyed", zap.String("room_id", roomID))
	} else {
		res.Remaining = targetsOf(room.listPeersExcept(peerID))
	}
	return res, true
}

// Identify applies a hello: checks uid uniqueness, assigns identity and resolves the owner claim.
func (reg *Registry) Identify(roomID, peerID string, h Hello) (IdentifyResult, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[roomID]
	if !ok {
		return IdentifyResult{}, ErrUnknownPeer
	}
	p, ok := room.peers[peerID]
	if !ok {
		return IdentifyResult{}, ErrUnknownPeer
	}
	if holder := room.findByUID(h.UID); holder != nil && holder.id != peerID {
		return IdentifyResult{}, ErrDuplicateUID
	}

	p.name, p.uid, p.avatar = h.Name, h.UID, h.Avatar
	if err := p.transition(eventHello); err != nil {
		reg.logger.Warn("peer hello transition", zap.String("peer_id", peerID), zap.Error(err))
	}

	res := IdentifyResult{}
	if h.IsOwner && h.UID != "" && room.OwnerUID == "" {
		room.OwnerUID = h.UID
		res.OwnerSet = true
	}
	res.Self = p.view()
	res.OwnerUID = room.OwnerUID
	res.CallID = room.CallID
	res.Others = targetsOf(room.listPeersExcept(peerID))
	res.Everyone = targetsOf(room.listPeersExcept(""))
	return res, nil
}

// Peer returns a snapshot of one peer.
func (reg *Registry) Peer(roomID, peerID string) (Target, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	room, ok := reg.rooms[roomID]
	if !ok {
		return Target{}, false
	}
	p, ok := room.peers[peerID]
	if !ok {
		return Target{}, false
	}
	return Target{View: p.view(), Out: p.out}, true
}

// OtherPeer returns any peer other than peerID (two-party fallback routing).
func (reg *Registry) OtherPeer(roomID, peerID string) (Target, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	room, ok := reg.rooms[roomID]
	if !ok {
		return Target{}, false
	}
	p := room.otherPeer(peerID)
	if p == nil {
		return Target{}, false
	}
	return Target{View: p.view(), Out: p.out}, true
}

// PeersExcept returns every peer in the room except peerID.
func (reg *Registry) PeersExcept(roomID, peerID string) []Target {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	room, ok := reg.rooms[roomID]
	if !ok {
		return nil
	}
	return targetsOf(room.listPeersExcept(peerID))
}

// FindByUID returns the live peer holding uid.
func (reg *Registry) FindByUID(roomID, uid string) (Target, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	room, ok := reg.rooms[roomID]
	if !ok {
		return Target{}, false
	}
	p := room.findByUID(uid)
	if p == nil {
		return Target{}, false
	}
	return Target{View: p.view(), Out: p.out}, true
}

// OwnerControl checks that peerID is the room owner and returns the other peers.
func (reg *Registry) OwnerControl(roomID, peerID string) (owner string, callID int64, others []Target, ok bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	room, exists := reg.rooms[roomID]
	if !exists {
		return "", 0, nil, false
	}
	p, exists := room.peers[peerID]
	if !exists || p.uid == "" || room.OwnerUID == "" || p.uid != room.OwnerUID {
		return room.OwnerUID, room.CallID, nil, false
	}
	return room.OwnerUID, room.CallID, targetsOf(room.listPeersExcept(peerID)), true
}

// SetCallID stores the call-log correlation id if the room is still alive and has none.
func (reg *Registry) SetCallID(roomID string, callID int64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if room, ok := reg.rooms[roomID]; ok && room.CallID == 0 {
		room.CallID = callID
	}
}

// Get returns a snapshot of the room, if it exists.
func (reg *Registry) Get(roomID string) (RoomSnapshot, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	room, ok := reg.rooms[roomID]
	if !ok {
		return RoomSnapshot{}, false
	}
	return RoomSnapshot{
		ID:       room.ID,
		OwnerUID: room.OwnerUID,
		CallID:   room.CallID,
		Peers:    viewsOf(targetsOf(room.listPeersExcept(""))),
	}, true
}

// RoomCount returns the number of live rooms.
func (reg *Registry) RoomCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}
