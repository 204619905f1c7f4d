package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// Session states.
const (
	StateStarted  = "started"
	StateFinished = "finished"
	StateAborted  = "aborted"
)

// Session is one chunked capture between start and finish.
type Session struct {
	ID        string
	RoomID    string
	OwnerUID  string
	ChatID    string
	StartedAt time.Time
	base      string

	mu       sync.Mutex
	strategy strategy
	maxSeq   int64
	chunks   int64
	bytes    int64
	state    *fsm.FSM
}

func newSession(id, roomID, ownerUID, chatID, base string, startedAt time.Time, st strategy) *Session {
	return &Session{
		ID:        id,
		RoomID:    roomID,
		OwnerUID:  ownerUID,
		ChatID:    chatID,
		StartedAt: startedAt,
		base:      base,
		strategy:  st,
		maxSeq:    -1,
		state: fsm.NewFSM(
			StateStarted,
			fsm.Events{
				{Name: "finish", Src: []string{StateStarted}, Dst: StateFinished},
				{Name: "abort", Src: []string{StateStarted}, Dst: StateAborted},
			},
			fsm.Callbacks{},
		),
	}
}

// Mode returns the capture mode actually in use.
func (s *Session) Mode() Mode {
	return s.strategy.Mode()
}

// State returns the lifecycle state.
func (s *Session) State() string {
	return s.state.Current()
}

// MaxSeq returns the highest sequence number appended, or -1.
func (s *Session) MaxSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSeq
}

// append writes one chunk. Sequence numbers are advisory: gaps, duplicates and reordering are accepted.
func (s *Session) append(seq int64, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Is(StateStarted) {
		return ErrNotFound
	}
	if _, err := s.strategy.Write(b); err != nil {
		return err
	}
	if seq > s.maxSeq {
		s.maxSeq = seq
	}
	s.chunks++
	s.bytes += int64(len(b))
	return nil
}

// finish finalizes the strategy under the session lock so no append interleaves.
// A failed finalize aborts the strategy, releasing its file or encoder process.
func (s *Session) finish(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.strategy.Finish(ctx)
	if err != nil {
		s.strategy.Abort()
		_ = s.state.Event(ctx, "abort")
		return "", err
	}
	_ = s.state.Event(ctx, "finish")
	return path, nil
}
