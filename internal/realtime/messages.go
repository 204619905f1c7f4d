package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v3"
)

// Client -> server message types.
const (
	TypeHello        = "hello"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICE          = "ice"
	TypeBye          = "bye"
	TypeRecordStart  = "record-start"
	TypeRecordPause  = "record-pause"
	TypeRecordResume = "record-resume"
	TypeRecordStop   = "record-stop"
)

// Server -> client message types.
const (
	TypePeers      = "peers"
	TypePeerJoined = "peer-joined"
	TypePeerInfo   = "peer-info"
	TypePeerLeft   = "peer-left"
	TypeOwnerSet   = "owner-set"
	TypeError      = "error"
	TypeReady      = "ready"
)

// ErrorCodeDuplicate is sent when a uid is already held by another live peer.
const ErrorCodeDuplicate = "duplicate"

// looseString accepts a JSON string or number; clients send uids either way.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = looseString(strings.TrimSpace(v))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("uid must be string or number: %w", err)
	}
	*s = looseString(n.String())
	return nil
}

// envelope is the wire shape of every inbound message.
type envelope struct {
	Type      string          `json:"type"`
	Name      string          `json:"name"`
	UID       looseString     `json:"uid"`
	Avatar    string          `json:"avatar"`
	IsOwner   bool            `json:"is_owner"`
	To        string          `json:"to"`
	Data      json.RawMessage `json:"data"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// Inbound is the closed set of messages a peer can send.
type Inbound interface {
	inbound()
}

// Hello identifies the peer and optionally claims room ownership.
type Hello struct {
	Name    string
	UID     string
	Avatar  string
	IsOwner bool
}

// Relay carries an opaque offer, answer or ICE payload.
type Relay struct {
	Kind string
	To   string
	Data json.RawMessage
}

// Bye announces that the sender is hanging up.
type Bye struct{}

// RecordControl is an owner-only recording notification.
type RecordControl struct {
	Kind      string
	Timestamp json.RawMessage
}

// Unknown is any message whose type is not recognized.
type Unknown struct {
	Type string
}

func (Hello) inbound()         {}
func (Relay) inbound()         {}
func (Bye) inbound()           {}
func (RecordControl) inbound() {}
func (Unknown) inbound()       {}

// Decode parses one inbound frame.
func Decode(raw []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	switch env.Type {
	case TypeHello:
		return Hello{
			Name:    strings.TrimSpace(env.Name),
			UID:     string(env.UID),
			Avatar:  strings.TrimSpace(env.Avatar),
			IsOwner: env.IsOwner,
		}, nil
	case TypeOffer, TypeAnswer, TypeICE:
		return Relay{Kind: env.Type, To: env.To, Data: env.Data}, nil
	case TypeBye:
		return Bye{}, nil
	case TypeRecordStart, TypeRecordPause, TypeRecordResume, TypeRecordStop:
		return RecordControl{Kind: env.Type, Timestamp: env.Timestamp}, nil
	default:
		return Unknown{Type: env.Type}, nil
	}
}

// PeerView is what other peers learn about a participant.
type PeerView struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	UID    string `json:"uid"`
}

type peersMsg struct {
	Type     string     `json:"type"`
	OwnerUID string     `json:"owner_uid"`
	Peers    []PeerView `json:"peers"`
}

type readyMsg struct {
	Type       string             `json:"type"`
	ID         string             `json:"id"`
	ICEServers []webrtc.ICEServer `json:"ice_servers"`
}

type peerJoinedMsg struct {
	Type string `json:"type"`
	PeerView
	OwnerUID string `json:"owner_uid"`
}

type peerInfoMsg struct {
	Type string `json:"type"`
	PeerView
}

type peerIDMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type ownerSetMsg struct {
	Type     string `json:"type"`
	OwnerUID string `json:"owner_uid"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type relayMsg struct {
	Type string          `json:"type"`
	From string          `json:"from"`
	Data json.RawMessage `json:"data"`
}

type recordMsg struct {
	Type      string          `json:"type"`
	OwnerUID  string          `json:"owner_uid"`
	Timestamp json.RawMessage `json:"timestamp"`
}

var emptyString = json.RawMessage(`""`)

func timestampOrEmpty(ts json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(ts)) == 0 || bytes.Equal(bytes.TrimSpace(ts), []byte("null")) {
		return emptyString
	}
	return ts
}

func dataOrNull(d json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(d)) == 0 {
		return json.RawMessage("null")
	}
	return d
}
