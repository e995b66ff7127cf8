package engine

import "errors"

// Error kinds from the protocol's error taxonomy. Session-aborting kinds
// cause the engine to emit exactly one Failure message on the owning
// channel before the session transitions to Failed.
var (
	// ErrMalformed: decode or recognizer failure.
	ErrMalformed = errors.New("engine: malformed message")
	// ErrUnknownShape: valid decode, no recognizer matched.
	ErrUnknownShape = errors.New("engine: unknown message shape")
	// ErrProtocolViolation: e.g. chunk index out of range, duplicate
	// channel id, num_chunks mutated mid-transfer.
	ErrProtocolViolation = errors.New("engine: protocol violation")
	// ErrHashMismatch: assemble verification failed.
	ErrHashMismatch = errors.New("engine: hash mismatch")
	// ErrHashCollision: two different byte sequences staged under the
	// same hash index.
	ErrHashCollision = errors.New("engine: hash collision")
	// ErrIoFault: content-store read/write failure.
	ErrIoFault = errors.New("engine: io fault")
	// ErrTimeout: no progress within T_idle after MAX_NAKS/MAX_ROUNDS.
	ErrTimeout = errors.New("engine: timeout")
	// ErrPeerFailure: received Failure from peer.
	ErrPeerFailure = errors.New("engine: peer reported failure")

	// ErrUnknownChannel: Cancel named a channel with no live session.
	// Inbound messages for unknown channels are ignored, not reported.
	ErrUnknownChannel = errors.New("engine: unknown channel")
	// ErrZeroChannel: channel_id == 0, which is reserved.
	ErrZeroChannel = errors.New("engine: channel id 0 is reserved")
)
