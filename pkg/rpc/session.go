package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ZentaChain/zentalk-rpc/pkg/crypto"
	"github.com/ZentaChain/zentalk-rpc/pkg/logging"
	"github.com/ZentaChain/zentalk-rpc/pkg/wtlp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Framer is the framing layer under a Session. *wtlp.Client implements it.
type Framer interface {
	Peer() string
	Send(ctx context.Context, payload []byte) error
	OnDelivery(fn func(wtlp.Delivery))
	OnAcknowledged(fn func(messageID int, result wtlp.Result))
	InstallKey(key *crypto.SessionKey, encryptOutgoing bool)
	EnableEncryption() bool
	DisableEncryption()
	EncryptionState() (hasKey, outgoing bool)
	Key() *crypto.SessionKey
	SetCompression(enabled bool)
	Pending() int
	Close()
}

// State is the liveness state of a connection
type State int

const (
	StateIdle State = iota
	StateAwaitingResponses
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingResponses:
		return "awaiting_responses"
	case StateTimedOut:
		return "timed_out"
	}
	return "unknown"
}

type outstandingCall struct {
	id     string
	done   chan struct{}
	result json.RawMessage
	err    error
}

// Session runs RPC with one peer
type Session struct {
	peer     string
	framer   Framer
	registry *Registry
	config   Config
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	trustLevel     TrustLevel
	myTrustLevel   TrustLevel
	acceptIncoming bool
	calls          map[string]*outstandingCall
	idle           *time.Timer
	lastActivity   time.Time
	state          State
	levelChanged   chan struct{}
	closed         bool

	resetOnce sync.Once
	done      chan struct{}

	subMu      sync.Mutex
	onReset    []func(*Session)
	onTimedOut []func(*Session)
}

// NewSession attaches a session to framer and starts serving inbound calls from registry
func NewSession(framer Framer, registry *Registry, config Config) *Session {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		peer:           framer.Peer(),
		framer:         framer,
		registry:       registry,
		config:         config,
		log:            logging.Component("rpc").With().Str("peer", framer.Peer()).Logger(),
		ctx:            ctx,
		cancel:         cancel,
		acceptIncoming: config.AcceptIncoming,
		calls:          make(map[string]*outstandingCall),
		levelChanged:   make(chan struct{}),
		done:           make(chan struct{}),
	}

	framer.SetCompression(config.Compression)
	framer.OnDelivery(s.handleDelivery)
	framer.OnAcknowledged(func(int, wtlp.Result) { s.touch() })
	return s
}

// Peer returns the remote address
func (s *Session) Peer() string {
	return s.peer
}

// Done is closed once the connection has been reset
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// IsReset reports whether ResetConnection has completed
func (s *Session) IsReset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// TrustLevel is what the peer is authorized to do to us
func (s *Session) TrustLevel() TrustLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trustLevel
}

// MyTrustLevel is the level the peer has awarded us
func (s *Session) MyTrustLevel() TrustLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.myTrustLevel
}

// RaiseTrustLevel increases the peer's trust level.
// It never lowers it; only ResetConnection does.
func (s *Session) RaiseTrustLevel(level TrustLevel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || level <= s.trustLevel || !level.Valid() {
		return false
	}
	s.log.Info().Stringer("from", s.trustLevel).Stringer("to", level).Msg("peer trust level raised")
	s.trustLevel = level
	s.broadcastLocked()
	return true
}

// RaiseMyTrustLevel records a level awarded to us by the peer
func (s *Session) RaiseMyTrustLevel(level TrustLevel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || level <= s.myTrustLevel || !level.Valid() {
		return false
	}
	s.log.Info().Stringer("from", s.myTrustLevel).Stringer("to", level).Msg("awarded trust level")
	s.myTrustLevel = level
	s.broadcastLocked()
	return true
}

func (s *Session) broadcastLocked() {
	close(s.levelChanged)
	s.levelChanged = make(chan struct{})
}

// WaitMyTrustLevel blocks until the peer has awarded us at least level
func (s *Session) WaitMyTrustLevel(ctx context.Context, level TrustLevel) error {
	for {
		s.mu.Lock()
		current, changed, closed := s.myTrustLevel, s.levelChanged, s.closed
		s.mu.Unlock()

		if closed {
			return ErrConnectionReset
		}
		if current >= level {
			return nil
		}

		select {
		case <-changed:
		case <-s.done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for trust level %d (have %d): %w", level, current, ctx.Err())
		}
	}
}

// AcceptIncoming reports the connection-level accept flag
func (s *Session) AcceptIncoming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acceptIncoming
}

// SetAcceptIncoming sets the connection-level accept flag
func (s *Session) SetAcceptIncoming(accept bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acceptIncoming = accept
}

// InstallKey hands a session key to the framing layer
func (s *Session) InstallKey(key *crypto.SessionKey, encryptOutgoing bool) {
	s.framer.InstallKey(key, encryptOutgoing)
}

// EnableEncryption turns outgoing encryption on; it takes effect once a key is installed
func (s *Session) EnableEncryption() bool {
	return s.framer.EnableEncryption()
}

// EncryptionState reports whether a key is installed and outgoing frames are encrypted
func (s *Session) EncryptionState() (hasKey, outgoing bool) {
	return s.framer.EncryptionState()
}

// SessionKey returns the installed key, or nil
func (s *Session) SessionKey() *crypto.SessionKey {
	return s.framer.Key()
}

// State returns the liveness state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnConnectionReset subscribes to the reset notification
func (s *Session) OnConnectionReset(fn func(*Session)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.onReset = append(s.onReset, fn)
}

// OnConnectionTimedOut subscribes to idle timeouts
func (s *Session) OnConnectionTimedOut(fn func(*Session)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.onTimedOut = append(s.onTimedOut, fn)
}

func (s *Session) emit(subs *[]func(*Session)) {
	s.subMu.Lock()
	fns := append(([]func(*Session))(nil), (*subs)...)
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// CallRemoteAction sends a call that expects no response.
// It returns once the framing layer has the message acknowledged.
func (s *Session) CallRemoteAction(ctx context.Context, component, method string, args ...any) error {
	if s.IsReset() {
		return ErrConnectionReset
	}
	env, err := newCall(component, method, false, args)
	if err != nil {
		return err
	}
	s.log.Debug().Str("call_id", env.ID).Str("component", component).Str("method", method).Msg("calling remote action")
	return s.send(ctx, env)
}

// CallRemoteFunction sends a call and waits for its response.
// The call times out once nothing has been heard from the peer for
// CallTimeout, so heartbeats from a long running handler keep it alive.
// Errors are a *RemoteError when the peer rejected the call,
// ErrCallTimeout when no answer arrived in time, or ErrConnectionReset.
func (s *Session) CallRemoteFunction(ctx context.Context, component, method string, args ...any) (json.RawMessage, error) {
	env, err := newCall(component, method, true, args)
	if err != nil {
		return nil, err
	}

	call := &outstandingCall{id: env.ID, done: make(chan struct{})}
	if err := s.register(call); err != nil {
		return nil, err
	}
	started := time.Now()

	s.log.Debug().Str("call_id", env.ID).Str("component", component).Str("method", method).Msg("calling remote function")

	go func() {
		if err := s.send(ctx, env); err != nil {
			s.resolveCall(env.ID, nil, s.callFailure(ctx, err))
		}
	}()

	deadline := time.NewTimer(s.config.CallTimeout)
	defer deadline.Stop()

wait:
	for {
		select {
		case <-call.done:
			break wait
		case <-ctx.Done():
			s.resolveCall(env.ID, nil, ctx.Err())
			<-call.done
			break wait
		case <-deadline.C:
			if remaining := s.callTimeRemaining(started); remaining > 0 {
				deadline.Reset(remaining)
				continue
			}
			s.resolveCall(env.ID, nil, fmt.Errorf("%w: nothing heard from peer for %s", ErrCallTimeout, s.config.CallTimeout))
			<-call.done
			break wait
		}
	}

	if call.err != nil {
		return nil, call.err
	}
	return call.result, nil
}

// callTimeRemaining measures CallTimeout from the later of the call start
// and the last traffic from the peer
func (s *Session) callTimeRemaining(started time.Time) time.Duration {
	s.mu.Lock()
	last := s.lastActivity
	s.mu.Unlock()
	if last.Before(started) {
		last = started
	}
	return s.config.CallTimeout - time.Since(last)
}

// Call invokes a remote function and decodes its result into T
func Call[T any](ctx context.Context, s *Session, component, method string, args ...any) (T, error) {
	var out T
	raw, err := s.CallRemoteFunction(ctx, component, method, args...)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("rpc: decode %s.%s result: %w", component, method, err)
	}
	return out, nil
}

func (s *Session) callFailure(parent context.Context, err error) error {
	switch {
	case parent.Err() != nil:
		return parent.Err()
	case s.IsReset():
		return ErrConnectionReset
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, wtlp.ErrTimeout):
		return fmt.Errorf("%w: %v", ErrCallTimeout, err)
	}
	return err
}

func (s *Session) send(ctx context.Context, env *Envelope) error {
	payload, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("rpc: marshal %s: %w", env.Type, err)
	}
	if err := s.framer.Send(ctx, payload); err != nil {
		return fmt.Errorf("rpc: send %s %s: %w", env.Type, env.ID, err)
	}
	return nil
}

func (s *Session) register(call *outstandingCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrConnectionReset
	}

	s.calls[call.id] = call
	if s.idle == nil {
		s.lastActivity = time.Now()
		s.idle = time.AfterFunc(s.config.IdleTimeout, s.idleExpired)
		s.state = StateAwaitingResponses
	}
	return nil
}

// resolveCall completes an outstanding call exactly once
func (s *Session) resolveCall(id string, result json.RawMessage, err error) bool {
	s.mu.Lock()
	call, ok := s.calls[id]
	if ok {
		delete(s.calls, id)
		if len(s.calls) == 0 {
			s.stopIdleLocked()
		}
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	call.result = result
	call.err = err
	close(call.done)
	return true
}

func (s *Session) stopIdleLocked() {
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	s.state = StateIdle
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

func (s *Session) idleExpired() {
	s.mu.Lock()
	if s.closed || s.idle == nil {
		s.mu.Unlock()
		return
	}
	if remaining := s.config.IdleTimeout - time.Since(s.lastActivity); remaining > 0 {
		s.idle.Reset(remaining)
		s.mu.Unlock()
		return
	}

	calls := s.calls
	s.calls = make(map[string]*outstandingCall)
	s.idle = nil
	s.state = StateTimedOut
	s.mu.Unlock()

	for _, call := range calls {
		call.err = ErrCallTimeout
		close(call.done)
	}
	s.log.Warn().Int("calls", len(calls)).Dur("idle", s.config.IdleTimeout).Msg("connection timed out")
	s.emit(&s.onTimedOut)

	s.mu.Lock()
	if s.state == StateTimedOut {
		s.state = StateIdle
	}
	s.mu.Unlock()
}

func (s *Session) handleDelivery(d wtlp.Delivery) {
	s.touch()

	env, err := DecodeEnvelope(d.Payload)
	if err != nil {
		s.log.Warn().Err(err).Int("message_id", d.MessageID).Msg("dropping undecodable payload")
		return
	}

	if d.Encrypted {
		if hasKey, outgoing := s.framer.EncryptionState(); hasKey && !outgoing {
			s.framer.EnableEncryption()
			s.log.Debug().Msg("peer is encrypting, enabling outgoing encryption")
		}
	}

	if !d.Encrypted && s.TrustLevel() >= TrustEncrypted && !isResetNotice(env) {
		go s.rejectUnencrypted(env)
		return
	}

	switch env.Type {
	case TypeCall:
		go s.dispatch(env, d.Encrypted)
	case TypeResponse:
		if !s.resolveCall(env.ID, env.Result, nil) {
			s.log.Debug().Str("call_id", env.ID).Msg("response for unknown call")
		}
	case TypeError:
		if !s.resolveCall(env.ID, nil, env.Error) {
			s.log.Warn().Str("call_id", env.ID).Str("code", string(env.Error.Code)).Msg("error for unknown call")
		}
	}
}

func isResetNotice(env *Envelope) bool {
	return env.Type == TypeCall && env.Component == ConnectionComponent && env.Method == MethodResetNotice
}

func (s *Session) rejectUnencrypted(env *Envelope) {
	level := s.TrustLevel()
	s.log.Warn().Str("type", string(env.Type)).Str("call_id", env.ID).Stringer("trust", level).
		Msg("unencrypted traffic at encrypted trust level, resetting")

	ctx, cancel := context.WithTimeout(s.ctx, s.config.ResetNoticeTimeout)
	rerr := remoteErrorf(CodeEncryptionError, "unencrypted %s at trust level %d", env.Type, level)
	if err := s.send(ctx, newError(env, rerr)); err != nil {
		s.log.Debug().Err(err).Msg("encryption error not delivered")
	}
	cancel()

	s.ResetConnection(false)
}

func (s *Session) authorize(env *Envelope) (*Method, *RemoteError) {
	if !IsVersionSupported(env.Version) {
		return nil, remoteErrorf(CodeUnsupportedVersion, "envelope version %q not supported", env.Version)
	}
	m, rerr := s.registry.Lookup(env.Component, env.Method)
	if rerr != nil {
		return nil, rerr
	}
	if level := s.TrustLevel(); level < m.TrustLevel {
		return nil, remoteErrorf(CodeNotAuthorized, "%s.%s requires trust level %d, caller has %d",
			env.Component, env.Method, m.TrustLevel, level)
	}
	return m, nil
}

func (s *Session) dispatch(env *Envelope, encrypted bool) {
	log := s.log.With().Str("call_id", env.ID).Str("component", env.Component).Str("method", env.Method).Logger()

	m, rerr := s.authorize(env)
	if rerr != nil {
		log.Warn().Str("code", string(rerr.Code)).Msg("rejecting call")
		s.answer(env, Reply{err: rerr}, log)
		return
	}

	req := &Request{
		Session:          s,
		ID:               env.ID,
		Component:        env.Component,
		Method:           env.Method,
		Params:           env.Params,
		ResponseExpected: env.ResponseExpected,
		Encrypted:        encrypted,
	}
	s.answer(env, s.run(m, req), log)
}

// run executes a handler with a sibling heartbeat task that stops when the handler returns
func (s *Session) run(m *Method, req *Request) Reply {
	ctx, stop := context.WithCancel(s.ctx)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	var reply Reply
	g.Go(func() error {
		defer stop()
		reply = s.invoke(ctx, m, req)
		return nil
	})
	g.Go(func() error {
		s.heartbeat(ctx)
		return nil
	})
	_ = g.Wait()
	return reply
}

func (s *Session) invoke(ctx context.Context, m *Method, req *Request) (reply Reply) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("component", m.Component).Str("method", m.Name).Msg("handler panicked")
			reply = Fail(CodeInternal, "%s.%s failed", m.Component, m.Name)
		}
	}()
	return m.Handler(ctx, req)
}

func (s *Session) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hctx, cancel := context.WithTimeout(ctx, s.config.HeartbeatInterval)
			err := s.CallRemoteAction(hctx, ConnectionComponent, MethodHeartbeat)
			cancel()
			if err != nil && ctx.Err() == nil {
				s.log.Debug().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

// answer sends the handler outcome and then runs its follow-up
func (s *Session) answer(env *Envelope, reply Reply, log zerolog.Logger) {
	switch {
	case env.ResponseExpected:
		out := s.replyEnvelope(env, reply)
		if err := s.send(s.ctx, out); err != nil {
			log.Warn().Err(err).Msg("failed to send reply")
		}
	case reply.err != nil:
		log.Warn().Str("code", string(reply.err.Code)).Str("error", reply.err.Message).
			Msg("action failed, caller expects no reply")
	}

	if reply.then != nil {
		reply.then()
	}
}

func (s *Session) replyEnvelope(env *Envelope, reply Reply) *Envelope {
	if reply.err != nil {
		return newError(env, reply.err)
	}
	raw, err := json.Marshal(reply.value)
	if err != nil {
		return newError(env, remoteErrorf(CodeInternal, "marshal result: %v", err))
	}
	return newResponse(env, raw)
}

// ResetConnection drops all trust, discards the session key and detaches
// from the framing layer. With notifyPeer set, a bounded best-effort
// notice is sent first. Calling it again has no effect.
func (s *Session) ResetConnection(notifyPeer bool) {
	first := false
	s.resetOnce.Do(func() {
		first = true
		s.reset(notifyPeer)
	})
	if first {
		s.emit(&s.onReset)
	}
}

func (s *Session) reset(notifyPeer bool) {
	if notifyPeer {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ResetNoticeTimeout)
		if err := s.CallRemoteAction(ctx, ConnectionComponent, MethodResetNotice); err != nil {
			s.log.Debug().Err(err).Msg("reset notice not delivered")
		}
		cancel()
	}

	s.mu.Lock()
	s.closed = true
	s.trustLevel = TrustNone
	s.myTrustLevel = TrustNone
	calls := s.calls
	s.calls = make(map[string]*outstandingCall)
	s.stopIdleLocked()
	close(s.levelChanged)
	s.mu.Unlock()

	s.cancel()
	s.framer.OnDelivery(nil)
	s.framer.OnAcknowledged(nil)
	s.framer.DisableEncryption()
	s.framer.Close()

	for _, call := range calls {
		call.err = ErrConnectionReset
		close(call.done)
	}
	close(s.done)
	s.log.Info().Bool("notified", notifyPeer).Int("released_calls", len(calls)).Msg("connection reset")
}

// Status is a point in time view of a session
type Status struct {
	Peer             string     `json:"peer"`
	TrustLevel       TrustLevel `json:"trust_level"`
	MyTrustLevel     TrustLevel `json:"my_trust_level"`
	State            string     `json:"state"`
	HasKey           bool       `json:"has_key"`
	Encrypted        bool       `json:"encrypted"`
	KeyFingerprint   string     `json:"key_fingerprint,omitempty"`
	OutstandingCalls int        `json:"outstanding_calls"`
	PendingFrames    int        `json:"pending_frames"`
	AcceptIncoming   bool       `json:"accept_incoming"`
	Reset            bool       `json:"reset"`
}

// Status returns a snapshot of the session
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		Peer:             s.peer,
		TrustLevel:       s.trustLevel,
		MyTrustLevel:     s.myTrustLevel,
		State:            s.state.String(),
		OutstandingCalls: len(s.calls),
		AcceptIncoming:   s.acceptIncoming,
		Reset:            s.closed,
	}
	s.mu.Unlock()

	st.HasKey, st.Encrypted = s.framer.EncryptionState()
	if key := s.framer.Key(); key != nil {
		st.KeyFingerprint = key.Fingerprint()
	}
	st.PendingFrames = s.framer.Pending()
	return st
}
