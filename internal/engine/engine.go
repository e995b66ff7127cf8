// Package engine implements the Sender and Receiver protocol state machines
// that drive a CFT transfer: accepting inbound messages and timer ticks,
// staging and writing chunks through a content store, and emitting outbound
// messages through a caller-supplied Sender capability.
package engine

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/quantarax/cft/internal/codec"
	"github.com/quantarax/cft/internal/message"
	"github.com/quantarax/cft/internal/observability"
	"github.com/quantarax/cft/internal/persist"
	"github.com/quantarax/cft/internal/store"
)

// Sender is the narrow capability the engine needs from a transport: turn
// one outbound Message into bytes and hand it off. Concrete transports
// implement this by wrapping internal/transport.Transport with a fixed peer
// and the codec/message encoding pipeline.
type Sender interface {
	SendMessage(m message.Message) error
}

// Options configures engine timers and limits. Every field corresponds
// directly to a constant named in spec.md.
type Options struct {
	ChunkSize    uint64
	TIdle        time.Duration
	MaxNaks      int
	MaxRounds    int
	MaxIoRetries int
	PaceRate     rate.Limit // chunks per second emitted while Pushing
	PaceBurst    int
}

// DefaultOptions returns the engine's default timers and limits.
func DefaultOptions() Options {
	return Options{
		ChunkSize:    store.DefaultChunkSize,
		TIdle:        30 * time.Second,
		MaxNaks:      8,
		MaxRounds:    8,
		MaxIoRetries: 3,
		PaceRate:     200,
		PaceBurst:    32,
	}
}

// Engine drives every channel's session to completion. One Engine
// corresponds to one transport connection to one peer; it is not safe for
// concurrent calls to Inbound/Tick/StartExport/StartImport from multiple
// goroutines, matching the single-threaded cooperative loop in spec.md §5.
type Engine struct {
	store   *store.Store
	sender  Sender
	opts    Options
	limiter *rate.Limiter

	persist *persist.Store
	log     *observability.Logger
	metrics *observability.Metrics

	sessions    map[uint64]*Session
	hashChannel map[string]uint64
}

// New constructs an Engine backed by st for chunk storage and sender for
// outbound messages.
func New(st *store.Store, sender Sender, opts Options) *Engine {
	return &Engine{
		store:       st,
		sender:      sender,
		opts:        opts,
		limiter:     rate.NewLimiter(opts.PaceRate, opts.PaceBurst),
		sessions:    make(map[uint64]*Session),
		hashChannel: make(map[string]uint64),
	}
}

// WithPersistence attaches a SQLite-backed session/bitmap store so sessions
// survive process restart.
func (e *Engine) WithPersistence(p *persist.Store) *Engine {
	e.persist = p
	return e
}

// WithObservability attaches structured logging and metrics.
func (e *Engine) WithObservability(log *observability.Logger, m *observability.Metrics) *Engine {
	e.log = log
	e.metrics = m
	return e
}

func (e *Engine) logf(session *Session, format string, args ...interface{}) {
	if e.log == nil {
		return
	}
	l := e.log.WithChannel(session.Channel)
	l.Debugf(format, args...)
}

// Session returns the live session for channel, if any.
func (e *Engine) Session(channel uint64) (*Session, bool) {
	s, ok := e.sessions[channel]
	return s, ok
}

// StartExport begins the Sender state machine locally: stage sourcePath,
// then push it to the peer under the given channel, asking the peer to
// save it at targetPath.
func (e *Engine) StartExport(channel uint64, sourcePath, targetPath string, mode uint64, hasMode bool) error {
	if channel == 0 {
		return ErrZeroChannel
	}
	if _, exists := e.sessions[channel]; exists {
		return fmt.Errorf("engine: start export on channel %d: %w", channel, ErrProtocolViolation)
	}
	now := time.Now()
	s := newSession(channel, RoleSender, now)
	s.SourcePath, s.TargetPath = sourcePath, targetPath
	s.LocalInitiated = true
	e.sessions[channel] = s
	e.transferStarted()

	hash, numChunks, fileMode, fileHasMode, err := e.store.StageFile(sourcePath, e.opts.ChunkSize)
	e.recordStoreOp("stage_file", err)
	if err != nil {
		return e.abort(s, fmt.Errorf("%w: %v", ErrIoFault, err))
	}
	s.Hash = hash
	if err := s.setNumChunks(numChunks); err != nil {
		return e.abort(s, err)
	}
	if hasMode {
		s.Mode, s.HasMode = mode32(mode), true
	} else {
		s.Mode, s.HasMode = fileMode, fileHasMode
	}
	e.hashChannel[hash] = channel
	e.persistSession(s, now)

	if err := s.transitionTo(StatePushing); err != nil {
		return e.abort(s, err)
	}
	if err := e.send(message.ReqReceive(channel, hash, targetPath, uint64(s.Mode), s.HasMode)); err != nil {
		return e.abort(s, fmt.Errorf("%w: %v", ErrIoFault, err))
	}
	if err := e.send(message.Metadata(hash, numChunks)); err != nil {
		return e.abort(s, fmt.Errorf("%w: %v", ErrIoFault, err))
	}
	return e.pump(now, s)
}

// StartImport begins the Receiver state machine locally: ask the peer for
// remoteSourcePath over channel, and once the transfer completes, assemble
// the result at localTargetPath.
func (e *Engine) StartImport(channel uint64, remoteSourcePath, localTargetPath string) error {
	if channel == 0 {
		return ErrZeroChannel
	}
	if _, exists := e.sessions[channel]; exists {
		return fmt.Errorf("engine: start import on channel %d: %w", channel, ErrProtocolViolation)
	}
	now := time.Now()
	s := newSession(channel, RoleReceiver, now)
	s.SourcePath = remoteSourcePath
	s.TargetPath = localTargetPath
	s.LocalInitiated = true
	e.sessions[channel] = s
	e.transferStarted()
	e.persistSession(s, now)

	return e.send(message.ReqTransmit(channel, remoteSourcePath))
}

// Cancel locally cancels channel: transitions it to Failed and emits
// Failure(channel, "canceled").
func (e *Engine) Cancel(channel uint64) error {
	s, ok := e.sessions[channel]
	if !ok {
		return fmt.Errorf("engine: cancel channel %d: %w", channel, ErrUnknownChannel)
	}
	return e.abort(s, errors.New("canceled"))
}

// Inbound decodes one wire message and dispatches it to the appropriate
// session.
func (e *Engine) Inbound(data []byte) error {
	v, err := codec.Decode(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	m, err := message.Decode(v)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrMalformed, err)
		if !errors.Is(err, message.ErrMalformed) && !errors.Is(err, message.ErrNakOddArity) {
			return err
		}
		// Best-effort: if the array's leading element names a hash with a
		// live channel, abort that channel instead of failing silently.
		if hash, ok := leadingHash(v); ok {
			if channel, ok := e.hashChannel[hash]; ok {
				if s, ok := e.sessions[channel]; ok {
					return e.abort(s, wrapped)
				}
			}
		}
		return wrapped
	}
	now := time.Now()
	switch m.Kind {
	case message.KindReqReceive:
		return e.onReqReceive(now, m)
	case message.KindReqTransmit:
		return e.onReqTransmit(now, m)
	case message.KindSuccessReceive:
		return e.onSuccessReceive(now, m)
	case message.KindSuccessTransmit:
		return e.onSuccessTransmit(now, m)
	case message.KindFailure:
		return e.onFailure(now, m)
	case message.KindSync:
		return e.onSync(now, m)
	case message.KindMetadata:
		return e.onMetadata(now, m)
	case message.KindReceiveChunk:
		return e.onReceiveChunk(now, m)
	case message.KindACK:
		return e.onACK(now, m)
	case message.KindNAK:
		return e.onNAK(now, m)
	default:
		return ErrUnknownShape
	}
}

func (e *Engine) onReqReceive(now time.Time, m message.Message) error {
	if m.Channel == 0 {
		return ErrZeroChannel
	}
	if _, exists := e.sessions[m.Channel]; exists {
		return fmt.Errorf("engine: channel %d: %w: ReqReceive on live channel", m.Channel, ErrProtocolViolation)
	}
	s := newSession(m.Channel, RoleReceiver, now)
	s.Hash = m.Hash
	s.TargetPath = m.Path
	s.Mode, s.HasMode = mode32(m.Mode), m.HasMode
	e.sessions[m.Channel] = s
	e.hashChannel[m.Hash] = m.Channel
	e.transferStarted()
	e.persistSession(s, now)
	return nil
}

func (e *Engine) onReqTransmit(now time.Time, m message.Message) error {
	if m.Channel == 0 {
		return ErrZeroChannel
	}
	if _, exists := e.sessions[m.Channel]; exists {
		return fmt.Errorf("engine: channel %d: %w: ReqTransmit on live channel", m.Channel, ErrProtocolViolation)
	}
	s := newSession(m.Channel, RoleSender, now)
	s.SourcePath = m.Path
	e.sessions[m.Channel] = s
	e.transferStarted()

	hash, numChunks, fileMode, hasMode, err := e.store.StageFile(m.Path, e.opts.ChunkSize)
	e.recordStoreOp("stage_file", err)
	if err != nil {
		return e.abort(s, fmt.Errorf("%w: %v", ErrIoFault, err))
	}
	s.Hash = hash
	if err := s.setNumChunks(numChunks); err != nil {
		return e.abort(s, err)
	}
	s.Mode, s.HasMode = fileMode, hasMode
	e.hashChannel[hash] = m.Channel
	e.persistSession(s, now)

	if err := s.transitionTo(StatePushing); err != nil {
		return e.abort(s, err)
	}
	if err := e.send(message.SuccessTransmit(m.Channel, hash, numChunks, uint64(fileMode), hasMode)); err != nil {
		return e.abort(s, fmt.Errorf("%w: %v", ErrIoFault, err))
	}
	return e.pump(now, s)
}

func (e *Engine) onSuccessReceive(now time.Time, m message.Message) error {
	s, ok := e.sessions[m.Channel]
	if !ok {
		return nil
	}
	e.logf(s, "peer reports receive complete on channel %d", m.Channel)
	return nil
}

func (e *Engine) onSuccessTransmit(now time.Time, m message.Message) error {
	s, ok := e.sessions[m.Channel]
	if !ok || s.Role != RoleReceiver {
		return nil
	}
	s.Hash = m.Hash
	s.Mode, s.HasMode = mode32(m.Mode), m.HasMode
	if err := s.setNumChunks(m.NumChunks); err != nil {
		return e.abort(s, err)
	}
	e.hashChannel[m.Hash] = m.Channel
	if err := e.store.Stage(s.Hash, s.NumChunks, s.Mode, s.HasMode); err != nil {
		return e.abort(s, fmt.Errorf("%w: %v", ErrIoFault, err))
	}
	if s.State == StateAwaitingMetadata {
		if err := s.transitionTo(StateReceiving); err != nil {
			return e.abort(s, err)
		}
	}
	s.LastActivity = now
	e.persistSession(s, now)
	return e.maybeComplete(now, s)
}

func (e *Engine) onFailure(now time.Time, m message.Message) error {
	s, ok := e.sessions[m.Channel]
	if !ok || s.State.terminal() {
		return nil
	}
	_ = s.transitionTo(StateFailed)
	e.logf(s, "peer failure on channel %d: %s", m.Channel, m.ErrText)
	e.finalize(s, StateFailed, ErrPeerFailure)
	return nil
}

func (e *Engine) onSync(now time.Time, m message.Message) error {
	n, err := e.store.NumChunks(m.Hash)
	if err != nil {
		return nil
	}
	return e.send(message.Metadata(m.Hash, n))
}

func (e *Engine) onMetadata(now time.Time, m message.Message) error {
	channel, ok := e.hashChannel[m.Hash]
	if !ok {
		return nil
	}
	s, ok := e.sessions[channel]
	if !ok || s.Role != RoleReceiver || (s.State != StateAwaitingMetadata && s.State != StateReceiving) {
		return nil
	}
	if err := s.setNumChunks(m.NumChunks); err != nil {
		return e.abort(s, err)
	}
	if err := e.store.Stage(s.Hash, s.NumChunks, s.Mode, s.HasMode); err != nil {
		return e.abort(s, fmt.Errorf("%w: %v", ErrIoFault, err))
	}
	if s.State == StateAwaitingMetadata {
		if err := s.transitionTo(StateReceiving); err != nil {
			return e.abort(s, err)
		}
	}
	s.LastActivity = now
	e.persistSession(s, now)
	return e.maybeComplete(now, s)
}

func (e *Engine) onReceiveChunk(now time.Time, m message.Message) error {
	channel, ok := e.hashChannel[m.Hash]
	if !ok {
		return nil
	}
	s, ok := e.sessions[channel]
	if !ok || s.Role != RoleReceiver {
		return nil
	}
	if s.Bitmap == nil {
		// NumChunks not yet known; tolerate and let the NAK loop recover
		// this chunk once Metadata/SuccessTransmit establishes the count.
		return nil
	}
	if m.Index >= s.NumChunks {
		return nil // invalid, dropped per spec.md §3
	}
	err := e.store.PutChunk(s.Hash, m.Index, m.Data)
	e.recordStoreOp("put_chunk", err)
	if err != nil {
		if errors.Is(err, store.ErrHashCollision) {
			return e.abort(s, fmt.Errorf("%w: %v", ErrHashCollision, err))
		}
		return e.abort(s, fmt.Errorf("%w: %v", ErrIoFault, err))
	}
	if e.metrics != nil {
		e.metrics.RecordChunkReceived(len(m.Data))
	}
	s.Bitmap.Set(m.Index)
	s.LastActivity = now
	s.NakRounds = 0
	if s.State == StateAwaitingMetadata {
		if err := s.transitionTo(StateReceiving); err != nil {
			return e.abort(s, err)
		}
	}
	e.persistBitmap(s)
	return e.maybeComplete(now, s)
}

// maybeComplete moves a Receiver session from Receiving to Verifying and
// assembles the file once every chunk is present.
func (e *Engine) maybeComplete(now time.Time, s *Session) error {
	if s.Role != RoleReceiver || s.State != StateReceiving || s.Bitmap == nil || !s.Bitmap.IsComplete() {
		return nil
	}
	if err := s.transitionTo(StateVerifying); err != nil {
		return e.abort(s, err)
	}
	err := e.store.Assemble(s.Hash, s.TargetPath)
	e.recordStoreOp("assemble", err)
	if err != nil {
		if errors.Is(err, store.ErrHashMismatch) {
			return e.abort(s, fmt.Errorf("%w: %v", ErrHashMismatch, err))
		}
		return e.abort(s, fmt.Errorf("%w: %v", ErrIoFault, err))
	}
	if !s.SuccessSent {
		s.SuccessSent = true
		if s.LocalInitiated {
			// We asked for this file via StartImport; confirm what we assembled.
			if err := e.send(message.SuccessTransmit(s.Channel, s.Hash, s.NumChunks, uint64(s.Mode), s.HasMode)); err != nil {
				return e.abort(s, fmt.Errorf("%w: %v", ErrIoFault, err))
			}
		} else {
			// A peer's ReqReceive pushed this file to us; confirm receipt.
			if err := e.send(message.SuccessReceive(s.Channel)); err != nil {
				return e.abort(s, fmt.Errorf("%w: %v", ErrIoFault, err))
			}
		}
	}
	if err := e.send(message.ACK(s.Hash)); err != nil {
		return e.abort(s, fmt.Errorf("%w: %v", ErrIoFault, err))
	}
	if err := s.transitionTo(StateComplete); err != nil {
		return e.abort(s, err)
	}
	e.finalize(s, StateComplete, nil)
	return nil
}

func (e *Engine) onACK(now time.Time, m message.Message) error {
	channel, ok := e.hashChannel[m.Hash]
	if !ok {
		return nil
	}
	s, ok := e.sessions[channel]
	if !ok || s.Role != RoleSender {
		return nil
	}
	if s.State.terminal() {
		return nil // duplicate ACK after Complete, ignored
	}
	if err := s.transitionTo(StateComplete); err != nil {
		return e.abort(s, err)
	}
	e.finalize(s, StateComplete, nil)
	return nil
}

func (e *Engine) onNAK(now time.Time, m message.Message) error {
	channel, ok := e.hashChannel[m.Hash]
	if !ok {
		return nil
	}
	s, ok := e.sessions[channel]
	if !ok || s.Role != RoleSender || s.State.terminal() {
		return nil
	}
	if len(m.Ranges) == 0 {
		return nil // empty NAK: redundant no-op
	}
	if s.State == StatePushing {
		// Mid-push NAK: buffer it, current pass finishes first.
		s.PendingNak = m.Ranges
		return nil
	}
	s.RetryRounds = 0
	s.RetransmitRounds++
	e.applyRetransmitRanges(s, m.Ranges)
	if e.metrics != nil {
		e.metrics.RecordRetransmit(s.RetransmitRounds, rangeChunkCount(m.Ranges))
	}
	if err := s.transitionTo(StatePushing); err != nil {
		return e.abort(s, err)
	}
	return e.pump(now, s)
}

// rangeChunkCount sums the inclusive chunk count across ranges.
func rangeChunkCount(ranges []message.Range) int {
	n := 0
	for _, r := range ranges {
		n += int(r.Last-r.First) + 1
	}
	return n
}

func (e *Engine) applyRetransmitRanges(s *Session, ranges []message.Range) {
	s.PushRanges = make([]rangeCursor, len(ranges))
	for i, r := range ranges {
		s.PushRanges[i] = rangeCursor{next: r.First, last: r.Last}
	}
}

// pump advances a Pushing session as far as the rate limiter currently
// allows, then leaves it queued for the next Tick.
func (e *Engine) pump(now time.Time, s *Session) error {
	if s.Role != RoleSender || s.State != StatePushing {
		return nil
	}
	if !s.PushStarted {
		s.PushStarted = true
		if s.NumChunks == 0 {
			return e.finishPush(now, s)
		}
		s.PushRanges = []rangeCursor{{next: 0, last: s.NumChunks - 1}}
	}
	for len(s.PushRanges) > 0 {
		if !e.limiter.Allow() {
			return nil
		}
		idx := s.PushRanges[0].next
		data, err := e.store.ReadChunk(s.Hash, idx)
		e.recordStoreOp("read_chunk", err)
		if err != nil {
			return e.abort(s, fmt.Errorf("%w: %v", ErrIoFault, err))
		}
		if err := e.send(message.ReceiveChunk(s.Hash, idx, data)); err != nil {
			return e.abort(s, fmt.Errorf("%w: %v", ErrIoFault, err))
		}
		if e.metrics != nil {
			e.metrics.RecordChunkSent(len(data))
		}
		if s.State.terminal() {
			// The peer's ACK or Failure arrived while this chunk was being
			// sent and has already finalized the session.
			return nil
		}
		if idx == s.PushRanges[0].last {
			s.PushRanges = s.PushRanges[1:]
		} else {
			s.PushRanges[0].next++
		}
		s.LastActivity = now
	}
	return e.finishPush(now, s)
}

func (e *Engine) finishPush(now time.Time, s *Session) error {
	if s.PendingNak != nil {
		ranges := s.PendingNak
		s.PendingNak = nil
		e.applyRetransmitRanges(s, ranges)
		return e.pump(now, s)
	}
	if err := s.transitionTo(StateAwaitingAck); err != nil {
		return e.abort(s, err)
	}
	s.LastActivity = now
	return nil
}

// Tick advances timers: idle NAK emission on the Receiver side, idle
// keepalive/retry on the Sender side, and further pacing of any
// in-progress push.
func (e *Engine) Tick(now time.Time) error {
	for _, s := range e.sessions {
		if s.State.terminal() {
			continue
		}
		switch {
		case s.Role == RoleSender && s.State == StatePushing:
			if err := e.pump(now, s); err != nil {
				return err
			}
		case s.Role == RoleReceiver && s.State == StateReceiving:
			if err := e.tickReceiving(now, s); err != nil {
				return err
			}
		case s.Role == RoleSender && s.State == StateAwaitingAck:
			if err := e.tickAwaitingAck(now, s); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) tickReceiving(now time.Time, s *Session) error {
	if now.Sub(s.LastActivity) < e.opts.TIdle {
		return nil
	}
	if s.NakRounds >= e.opts.MaxNaks {
		return e.timeout(s)
	}
	s.NakRounds++
	s.LastActivity = now
	missing, err := e.store.MissingRanges(s.Hash)
	if err != nil {
		return e.abort(s, fmt.Errorf("%w: %v", ErrIoFault, err))
	}
	ranges := make([]message.Range, len(missing))
	copy(ranges, missing)
	if e.metrics != nil {
		e.metrics.RecordNakRound()
	}
	return e.send(message.NAK(s.Hash, ranges))
}

func (e *Engine) tickAwaitingAck(now time.Time, s *Session) error {
	if now.Sub(s.LastActivity) < e.opts.TIdle {
		return nil
	}
	if s.RetryRounds >= e.opts.MaxRounds {
		return e.timeout(s)
	}
	s.RetryRounds++
	s.LastActivity = now
	return e.send(message.Metadata(s.Hash, s.NumChunks))
}

func (e *Engine) timeout(s *Session) error {
	_ = s.transitionTo(StateTimeout)
	e.finalize(s, StateTimeout, ErrTimeout)
	return ErrTimeout
}

// abort transitions s to Failed, emits exactly one Failure message, and
// returns the originating error for the caller.
func (e *Engine) abort(s *Session, cause error) error {
	if s.State.terminal() {
		return cause
	}
	_ = s.transitionTo(StateFailed)
	_ = e.send(message.Failure(s.Channel, cause.Error()))
	e.finalize(s, StateFailed, cause)
	return cause
}

func (e *Engine) finalize(s *Session, final State, cause error) {
	if e.metrics != nil {
		e.metrics.ObserveTransferFinal(s.Role.String(), final.String(), time.Since(s.CreatedAt))
		e.metrics.TransferEnded()
	}
	if e.persist != nil {
		_ = e.persist.UpdateState(s.Channel, final.String(), time.Now())
	}
	delete(e.hashChannel, s.Hash)
	delete(e.sessions, s.Channel)
}

// transferStarted records a newly opened channel session against the active
// transfers gauge.
func (e *Engine) transferStarted() {
	if e.metrics != nil {
		e.metrics.TransferStarted()
	}
}

// recordStoreOp reports one content store operation's result, when metrics
// are attached.
func (e *Engine) recordStoreOp(op string, err error) {
	if e.metrics != nil {
		e.metrics.RecordStoreOp(op, err)
	}
}

func (e *Engine) persistSession(s *Session, now time.Time) {
	if e.persist == nil {
		return
	}
	_ = e.persist.SaveSession(persist.SessionRecord{
		Channel:   s.Channel,
		Hash:      s.Hash,
		Direction: s.Role.String(),
		State:     s.State.String(),
		NumChunks: s.NumChunks,
		ChunkSize: e.opts.ChunkSize,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (e *Engine) persistBitmap(s *Session) {
	if e.persist == nil || s.Bitmap == nil {
		return
	}
	start := time.Now()
	_ = e.persist.SaveBitmap(s.Channel, s.Bitmap.Bytes(), s.Bitmap.Count())
	if e.metrics != nil {
		e.metrics.ObserveBitmapPersist(time.Since(start))
	}
}

func (e *Engine) send(m message.Message) error {
	return e.sender.SendMessage(m)
}

func mode32(m uint64) uint32 { return uint32(m) }

// leadingHash extracts the first array element of v as text, the position
// every hash-keyed message shape (Sync, Metadata, ReceiveChunk, ACK, NAK)
// shares even when the rest of the shape fails recognition.
func leadingHash(v codec.Value) (string, bool) {
	arr, ok := v.AsArray()
	if !ok || len(arr) == 0 {
		return "", false
	}
	return arr[0].AsText()
}
