package chunkuploader

import "fmt"

// State is the lifecycle state of an upload session.
type State int

const (
	StateNotStarted State = iota
	StateSessionOpen
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateSessionOpen:
		return "session-open"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// session is the local view of a remote upload session.
type session struct {
	state  State
	id     string
	offset int64
}

func (s *session) open(id string, acknowledged int64) error {
	if s.state != StateNotStarted {
		return fmt.Errorf("%w: open session in state %s", ErrProtocol, s.state)
	}
	s.state = StateSessionOpen
	s.id = id
	s.offset = acknowledged
	return nil
}

func (s *session) advance(n int64) error {
	if s.state != StateSessionOpen {
		return fmt.Errorf("%w: append in state %s", ErrProtocol, s.state)
	}
	s.offset += n
	return nil
}

func (s *session) finish() error {
	if s.state != StateSessionOpen {
		return fmt.Errorf("%w: finish in state %s", ErrProtocol, s.state)
	}
	s.state = StateFinished
	return nil
}

func (s *session) fail() {
	s.state = StateFailed
}

func (s *session) cursor() Cursor {
	return Cursor{SessionID: s.id, Offset: s.offset}
}
