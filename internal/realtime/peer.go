package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/looplab/fsm"
)

// Peer lifecycle states.
const (
	StateConnected  = "connected"
	StateIdentified = "identified"
	StateLeft       = "left"
)

const (
	eventHello = "hello"
	eventClose = "close"
)

// Peer is one websocket connection in a room. Identity fields are guarded by the Registry mutex.
type Peer struct {
	id       string
	roomID   string
	name     string
	uid      string
	avatar   string
	joinedAt time.Time
	out      Sender
	state    *fsm.FSM
}

func newPeer(id, roomID string, out Sender, now time.Time) *Peer {
	return &Peer{
		id:       id,
		roomID:   roomID,
		joinedAt: now,
		out:      out,
		state: fsm.NewFSM(
			StateConnected,
			fsm.Events{
				{Name: eventHello, Src: []string{StateConnected, StateIdentified}, Dst: StateIdentified},
				{Name: eventClose, Src: []string{StateConnected, StateIdentified}, Dst: StateLeft},
			},
			fsm.Callbacks{},
		),
	}
}

// ID returns the server-assigned peer id.
func (p *Peer) ID() string { return p.id }

// RoomID returns the room the peer joined.
func (p *Peer) RoomID() string { return p.roomID }

// JoinedAt returns the connect time.
func (p *Peer) JoinedAt() time.Time { return p.joinedAt }

// State returns the current lifecycle state.
func (p *Peer) State() string { return p.state.Current() }

func (p *Peer) view() PeerView {
	return PeerView{ID: p.id, Name: p.name, Avatar: p.avatar, UID: p.uid}
}

// transition fires ev, treating a repeated hello as a no-op.
func (p *Peer) transition(ev string) error {
	err := p.state.Event(context.Background(), ev)
	var noTransition fsm.NoTransitionError
	if err == nil || errors.As(err, &noTransition) {
		return nil
	}
	return err
}
