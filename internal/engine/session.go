package engine

import (
	"fmt"
	"time"

	"github.com/quantarax/cft/internal/message"
	"github.com/quantarax/cft/internal/persist"
)

// State is one state of either the Sender or Receiver state machine.
type State int

const (
	StateAwaitingMetadata State = iota
	StateReceiving
	StateVerifying
	StateStaging
	StatePushing
	StateAwaitingAck
	StateComplete
	StateFailed
	StateTimeout
)

func (s State) String() string {
	switch s {
	case StateAwaitingMetadata:
		return "awaiting_metadata"
	case StateReceiving:
		return "receiving"
	case StateVerifying:
		return "verifying"
	case StateStaging:
		return "staging"
	case StatePushing:
		return "pushing"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	case StateTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateTimeout
}

// Role distinguishes which of the two symmetric state machines a session is
// running.
type Role int

const (
	RoleReceiver Role = iota
	RoleSender
)

func (r Role) String() string {
	if r == RoleSender {
		return "sender"
	}
	return "receiver"
}

// validTransitions enumerates every state change either state machine may
// legally make. A transition not present here is rejected.
var validTransitions = map[State][]State{
	StateAwaitingMetadata: {StateReceiving, StateFailed, StateTimeout},
	StateReceiving:        {StateVerifying, StateReceiving, StateFailed, StateTimeout},
	StateVerifying:        {StateComplete, StateFailed},
	StateStaging:          {StatePushing, StateFailed},
	StatePushing:          {StateAwaitingAck, StatePushing, StateComplete, StateFailed},
	StateAwaitingAck:      {StateComplete, StatePushing, StateFailed, StateTimeout},
}

func canTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session is the per-channel, per-side state held by the engine: role, hash
// (once known), chunk accounting, current state, retry counters, and
// timestamps.
type Session struct {
	Channel uint64
	Role    Role

	Hash      string
	NumChunks uint64
	Mode      uint32
	HasMode   bool

	SourcePath string // ReqTransmit's path, for a Sender staging on request
	TargetPath string // ReqReceive's path, for a Receiver assembling on completion

	// LocalInitiated is true when this host started the transfer (StartExport
	// or StartImport), false when it was opened by an inbound ReqReceive or
	// ReqTransmit. For a Receiver session it picks which completion message
	// to emit: SuccessReceive for an export accepted from a peer, or
	// SuccessTransmit for an import this host requested.
	LocalInitiated bool

	State State

	Bitmap *persist.Bitmap // nil until NumChunks is known

	NakRounds        int // receiver: NAKs emitted without full completion
	RetryRounds      int // sender: AwaitingAck rounds without ACK/NAK
	RetransmitRounds int // sender: NAK-driven retransmission passes applied
	PushStarted      bool
	PushRanges       []rangeCursor
	PendingNak       []message.Range // NAK buffered mid-push, applied once the current pass drains
	SuccessSent      bool            // SuccessReceive/SuccessTransmit emitted-once guard
	CreatedAt        time.Time
	LastActivity     time.Time
}

// rangeCursor tracks progress pushing one inclusive chunk range during a
// retransmission pass.
type rangeCursor struct {
	next uint64
	last uint64
}

func newSession(channel uint64, role Role, now time.Time) *Session {
	return &Session{
		Channel:      channel,
		Role:         role,
		State:        initialState(role),
		CreatedAt:    now,
		LastActivity: now,
	}
}

func initialState(role Role) State {
	if role == RoleSender {
		return StateStaging
	}
	return StateAwaitingMetadata
}

// transitionTo moves the session to state, rejecting illegal transitions.
func (s *Session) transitionTo(state State) error {
	if !canTransition(s.State, state) {
		return fmt.Errorf("engine: channel %d: %w: %s -> %s", s.Channel, ErrProtocolViolation, s.State, state)
	}
	s.State = state
	return nil
}

// setNumChunks records the chunk count once known and allocates the
// session's receive bitmap. Calling it again with a different value after
// any chunk has been stored is a protocol violation (spec.md §3's
// "Metadata overrides ... only before any chunk has been stored").
func (s *Session) setNumChunks(n uint64) error {
	if s.Bitmap == nil {
		s.NumChunks = n
		s.Bitmap = persist.NewBitmap(n)
		return nil
	}
	if s.NumChunks == n {
		return nil
	}
	if s.Bitmap.Count() > 0 {
		return fmt.Errorf("engine: channel %d: %w: num_chunks changed from %d to %d after chunks stored", s.Channel, ErrProtocolViolation, s.NumChunks, n)
	}
	s.NumChunks = n
	s.Bitmap = persist.NewBitmap(n)
	return nil
}
