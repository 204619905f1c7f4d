package realtime

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/tgringer/callserver/internal/metrics"
)

// LeaveEvent describes a peer that left a room.
type LeaveEvent struct {
	RoomID             string
	PeerID             string
	UID                string
	OwnerUID           string
	CallID             int64
	WasOwner           bool
	RemainingNonOwners int
}

// Lifecycle receives call-level events derived from signaling. Implementations must not block.
// bind stores the call-log correlation id on the room once it is known.
type Lifecycle interface {
	OwnerClaimed(roomID, ownerUID string, bind func(callID int64))
	ParticipantJoined(roomID, ownerUID string, callID int64, p PeerView, bind func(callID int64))
	RecordControl(roomID, ownerUID string, callID int64, kind, ts string)
	PeerLeft(ev LeaveEvent)
}

// NopLifecycle ignores every event.
type NopLifecycle struct{}

func (NopLifecycle) OwnerClaimed(string, string, func(int64))                       {}
func (NopLifecycle) ParticipantJoined(string, string, int64, PeerView, func(int64)) {}
func (NopLifecycle) RecordControl(string, string, int64, string, string)            {}
func (NopLifecycle) PeerLeft(LeaveEvent)                                             {}

// ICEServers builds the STUN/TURN list handed to browsers in the ready message.
func ICEServers(urls []string, username, credential string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return []webrtc.ICEServer{}
	}
	s := webrtc.ICEServer{URLs: urls}
	if username != "" {
		s.Username = username
		s.Credential = credential
		s.CredentialType = webrtc.ICECredentialTypePassword
	}
	return []webrtc.ICEServer{s}
}

// Router applies inbound signaling messages to the registry and fans out the results.
// Calls for one peer must be made sequentially; different peers may call concurrently.
type Router struct {
	reg       *Registry
	lifecycle Lifecycle
	ice       []webrtc.ICEServer
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewRouter creates a router over reg.
func NewRouter(reg *Registry, lifecycle Lifecycle, ice []webrtc.ICEServer, logger *zap.Logger, m *metrics.Metrics) *Router {
	if lifecycle == nil {
		lifecycle = NopLifecycle{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	if ice == nil {
		ice = []webrtc.ICEServer{}
	}
	return &Router{reg: reg, lifecycle: lifecycle, ice: ice, logger: logger, metrics: m}
}

// Registry returns the room registry the router mutates.
func (r *Router) Registry() *Registry { return r.reg }

// Connect registers a new connection in roomID and announces it.
func (r *Router) Connect(roomID string, out Sender) *Peer {
	res := r.reg.Join(roomID, out)
	p := res.Peer
	log := r.logger.With(zap.String("room_id", roomID), zap.String("peer_id", p.id))
	log.Info("peer connected", zap.Int("others", len(res.Others)))

	r.send(log, out, peersMsg{Type: TypePeers, OwnerUID: res.OwnerUID, Peers: viewsOf(res.Others)})
	r.send(log, out, readyMsg{Type: TypeReady, ID: p.id, ICEServers: r.ice})
	joined := peerJoinedMsg{Type: TypePeerJoined, PeerView: PeerView{ID: p.id}, OwnerUID: res.OwnerUID}
	r.broadcast(log, res.Others, joined)
	return p
}

// Handle processes one inbound frame from p.
func (r *Router) Handle(p *Peer, raw []byte) {
	log := r.logger.With(zap.String("room_id", p.roomID), zap.String("peer_id", p.id))
	msg, err := Decode(raw)
	if err != nil {
		log.Debug("malformed signaling message", zap.Error(err))
		r.metrics.SignalsDropped.WithLabelValues("malformed").Inc()
		return
	}
	switch m := msg.(type) {
	case Hello:
		r.handleHello(log, p, m)
	case Relay:
		r.handleRelay(log, p, m)
	case Bye:
		r.broadcast(log, r.reg.PeersExcept(p.roomID, p.id), peerIDMsg{Type: TypeBye, ID: p.id})
	case RecordControl:
		r.handleRecordControl(log, p, m)
	case Unknown:
		log.Debug("ignoring unknown message type", zap.String("type", m.Type))
		r.metrics.SignalsDropped.WithLabelValues("unknown_type").Inc()
	default:
		log.Debug("ignoring unhandled message", zap.Any("message", m))
	}
}

// Disconnect removes p from its room and notifies the remaining peers.
func (r *Router) Disconnect(p *Peer) {
	res, ok := r.reg.Leave(p.roomID, p.id)
	if !ok {
		return
	}
	log := r.logger.With(zap.String("room_id", p.roomID), zap.String("peer_id", p.id))
	log.Info("peer disconnected", zap.Bool("room_destroyed", res.RoomDestroyed), zap.Bool("owner", res.WasOwner))

	r.broadcast(log, res.Remaining, peerIDMsg{Type: TypePeerLeft, ID: p.id})
	r.lifecycle.PeerLeft(LeaveEvent{
		RoomID:             p.roomID,
		PeerID:             p.id,
		UID:                res.Peer.UID,
		OwnerUID:           res.OwnerUID,
		CallID:             res.CallID,
		WasOwner:           res.WasOwner,
		RemainingNonOwners: res.RemainingNonOwners,
	})
}

func (r *Router) handleHello(log *zap.Logger, p *Peer, h Hello) {
	res, err := r.reg.Identify(p.roomID, p.id, h)
	if errors.Is(err, ErrDuplicateUID) {
		log.Warn("duplicate uid rejected", zap.String("uid", h.UID))
		r.metrics.SignalsDropped.WithLabelValues("duplicate_uid").Inc()
		self, ok := r.reg.Peer(p.roomID, p.id)
		if !ok {
			return
		}
		r.send(log, self.Out, errorMsg{Type: TypeError, Code: ErrorCodeDuplicate, Message: "uid already connected in this room"})
		// Leave the room before the transport closes so nothing routes to it meanwhile.
		r.Disconnect(p)
		self.Out.Close()
		return
	}
	if err != nil {
		log.Debug("hello from departed peer", zap.Error(err))
		return
	}

	bind := func(callID int64) { r.reg.SetCallID(p.roomID, callID) }
	if res.OwnerSet {
		log.Info("room owner set", zap.String("owner_uid", res.OwnerUID))
		r.broadcast(log, res.Everyone, ownerSetMsg{Type: TypeOwnerSet, OwnerUID: res.OwnerUID})
		r.lifecycle.OwnerClaimed(p.roomID, res.OwnerUID, bind)
	}
	r.broadcast(log, res.Others, peerInfoMsg{Type: TypePeerInfo, PeerView: res.Self})

	if res.OwnerUID != "" && res.Self.UID != "" && res.Self.UID != res.OwnerUID {
		r.lifecycle.ParticipantJoined(p.roomID, res.OwnerUID, res.CallID, res.Self, bind)
	}
}

func (r *Router) handleRelay(log *zap.Logger, p *Peer, m Relay) {
	if _, ok := r.reg.Peer(p.roomID, p.id); !ok {
		log.Debug("relay from departed peer dropped", zap.String("type", m.Kind))
		r.metrics.SignalsDropped.WithLabelValues("departed").Inc()
		return
	}
	var (
		target Target
		ok     bool
	)
	if m.To != "" {
		target, ok = r.reg.Peer(p.roomID, m.To)
	} else {
		target, ok = r.reg.OtherPeer(p.roomID, p.id)
	}
	if !ok {
		log.Debug("relay target not found", zap.String("type", m.Kind), zap.String("to", m.To))
		r.metrics.SignalsDropped.WithLabelValues("unknown_target").Inc()
		return
	}
	if r.send(log, target.Out, relayMsg{Type: m.Kind, From: p.id, Data: dataOrNull(m.Data)}) {
		r.metrics.SignalsRelayed.WithLabelValues(m.Kind).Inc()
	}
}

func (r *Router) handleRecordControl(log *zap.Logger, p *Peer, m RecordControl) {
	owner, callID, others, ok := r.reg.OwnerControl(p.roomID, p.id)
	if !ok {
		log.Info("record control from non-owner dropped", zap.String("type", m.Kind), zap.String("owner_uid", owner))
		r.metrics.SignalsDropped.WithLabelValues("not_owner").Inc()
		return
	}
	r.broadcast(log, others, recordMsg{Type: m.Kind, OwnerUID: owner, Timestamp: timestampOrEmpty(m.Timestamp)})
	r.lifecycle.RecordControl(p.roomID, owner, callID, m.Kind, timestampText(m.Timestamp))
}

func (r *Router) broadcast(log *zap.Logger, targets []Target, msg interface{}) {
	for _, t := range targets {
		r.send(log, t.Out, msg)
	}
}

func (r *Router) send(log *zap.Logger, out Sender, msg interface{}) bool {
	if err := out.Send(msg); err != nil {
		log.Debug("send failed", zap.Error(err))
		return false
	}
	return true
}

// timestampText renders a client timestamp for the call log: strings unquoted, numbers verbatim.
func timestampText(ts json.RawMessage) string {
	ts = bytes.TrimSpace(ts)
	if len(ts) == 0 || bytes.Equal(ts, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(ts, &s); err == nil {
		return s
	}
	return string(ts)
}
