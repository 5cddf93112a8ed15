package wtlp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ZentaChain/zentalk-rpc/pkg/crypto"
	"github.com/ZentaChain/zentalk-rpc/pkg/logging"
	"github.com/rs/zerolog"
)

// Sender is the part of the message transport the framing layer needs
type Sender interface {
	SendMessage(to, text string) error
}

// Delivery is a fully decoded inbound payload
type Delivery struct {
	MessageID int
	Payload   []byte
	Encrypted bool
}

type pendingSend struct {
	id     int
	done   chan struct{}
	timer  *time.Timer
	result Result
	err    error
}

type fragmentBuffer struct {
	parts    []string
	filled   []bool
	received int
	timer    *time.Timer
}

// Client owns the wire protocol towards one peer
type Client struct {
	peer   string
	sender Sender
	config Config
	log    zerolog.Logger

	mu              sync.Mutex
	nextID          int
	pending         map[int]*pendingSend
	fragments       map[int]*fragmentBuffer
	key             *crypto.SessionKey
	encryptOutgoing bool
	compression     bool
	closed          bool

	onDelivery func(Delivery)
	onAck      func(messageID int, result Result)
}

// NewClient creates a framing client sending to peer through sender
func NewClient(peer string, sender Sender, config Config) (*Client, error) {
	if peer == "" {
		return nil, ErrEmptyPeer
	}
	config = config.withDefaults()

	return &Client{
		peer:        peer,
		sender:      sender,
		config:      config,
		log:         logging.Component("wtlp").With().Str("peer", peer).Logger(),
		pending:     make(map[int]*pendingSend),
		fragments:   make(map[int]*fragmentBuffer),
		compression: config.Compression,
	}, nil
}

// Peer returns the remote address
func (c *Client) Peer() string {
	return c.peer
}

// OnDelivery registers the receiver of decoded payloads
func (c *Client) OnDelivery(fn func(Delivery)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDelivery = fn
}

// OnAcknowledged registers a callback fired once per resolved outgoing message
func (c *Client) OnAcknowledged(fn func(messageID int, result Result)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAck = fn
}

// InstallKey sets the session key used to decrypt inbound frames and,
// when encryptOutgoing is set, to encrypt outbound ones.
func (c *Client) InstallKey(key *crypto.SessionKey, encryptOutgoing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
	c.encryptOutgoing = encryptOutgoing
	c.log.Debug().Str("key", key.Fingerprint()).Bool("outgoing", encryptOutgoing).Msg("session key installed")
}

// EnableEncryption turns outgoing encryption on.
// It reports whether frames will actually be encrypted, which needs an installed key.
func (c *Client) EnableEncryption() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encryptOutgoing = true
	return c.key != nil
}

// DisableEncryption discards the key and turns encryption off
func (c *Client) DisableEncryption() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = nil
	c.encryptOutgoing = false
}

// EncryptionState reports whether a key is installed and whether outgoing frames use it
func (c *Client) EncryptionState() (hasKey, outgoing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key != nil, c.encryptOutgoing && c.key != nil
}

// Key returns the installed session key, if any
func (c *Client) Key() *crypto.SessionKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// SetCompression toggles gzip for outgoing frames
func (c *Client) SetCompression(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compression = enabled
}

// Pending returns the number of sends waiting for acknowledgment
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Send transmits payload and blocks until the peer acknowledges it.
// A missing acknowledgment yields an error matching ErrTimeout; a peer
// reported failure yields a *ResultError with the peer's result.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	id := c.nextID
	var key *crypto.SessionKey
	if c.encryptOutgoing {
		key = c.key
	}
	compress := c.compression
	c.mu.Unlock()

	fields, text, err := encodePayload(payload, compress, key)
	if err != nil {
		return err
	}
	parts := splitText(text, c.config.FragmentThreshold)
	if len(parts) > c.config.MaxFragments {
		return fmt.Errorf("%w: %d fragments, limit %d", ErrTooLarge, len(parts), c.config.MaxFragments)
	}
	frames := buildFrames(id, fields, parts)

	p := &pendingSend{id: id, done: make(chan struct{})}
	timeout := c.config.AckTimeout * time.Duration(len(frames))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		if c.resolve(id, ResultTimeout, nil) {
			c.log.Warn().Int("message_id", id).Dur("timeout", timeout).Msg("acknowledgment timed out")
		}
	})
	c.mu.Unlock()

	c.log.Debug().
		Int("message_id", id).
		Int("bytes", len(payload)).
		Int("fragments", len(frames)).
		Bool("encrypted", key != nil).
		Msg("sending message")

	for _, f := range frames {
		if err := c.sender.SendMessage(c.peer, f.String()); err != nil {
			c.resolve(id, ResultUnknownError, fmt.Errorf("%w: %v", ErrTransmitFailed, err))
			break
		}
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		c.resolve(id, ResultUnknownError, ctx.Err())
		<-p.done
	}

	if p.err != nil {
		return p.err
	}
	if p.result == ResultSuccess {
		return nil
	}
	return &ResultError{MessageID: id, Result: p.result}
}

// resolve completes a pending send exactly once.
// Only the caller that removes the entry from the map gets to resolve it.
func (c *Client) resolve(id int, result Result, err error) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	p.result = result
	p.err = err
	close(p.done)
	return true
}

func buildFrames(id int, fields []Field, parts []string) []*Frame {
	frames := make([]*Frame, 0, len(parts))
	for i, part := range parts {
		f := &Frame{Payload: part}
		f.SetInt(KeyMessageID, id)
		if len(parts) > 1 {
			f.SetInt(KeyFragmentIndex, i)
			f.SetInt(KeyFragmentCount, len(parts))
		}
		f.Fields = append(f.Fields, fields...)
		frames = append(frames, f)
	}
	return frames
}

// HandleMessage processes one inbound transport message from the peer.
// Protocol violations are answered with an error frame and never returned.
func (c *Client) HandleMessage(text string) {
	f, err := ParseFrame(text)
	if err != nil {
		c.reject(err)
		return
	}

	if f.Has(KeyResult) {
		c.handleResult(f)
		return
	}

	id, ok := f.MessageID()
	if !ok {
		c.reject(&FrameError{Result: ResultInvalidFormat, Reason: "missing message_id"})
		return
	}

	if f.IsFragment() {
		complete, err := c.addFragment(id, f)
		if err != nil {
			c.reject(err)
			return
		}
		if complete == nil {
			return
		}
		f = complete
	}

	c.mu.Lock()
	key := c.key
	onDelivery := c.onDelivery
	c.mu.Unlock()

	payload, encrypted, err := decodePayload(f, key, c.config.MaxPayloadSize)
	if err != nil {
		c.reject(err)
		return
	}

	if onDelivery != nil {
		onDelivery(Delivery{MessageID: id, Payload: payload, Encrypted: encrypted})
	} else {
		c.log.Warn().Int("message_id", id).Msg("no delivery handler, payload dropped")
	}

	c.transmit(NewAck(id, ResultSuccess))
}

func (c *Client) handleResult(f *Frame) {
	result, _ := f.Result()
	if !f.IsAck() {
		// status frames are never answered, so a bad one is just dropped
		c.log.Warn().Str("result", string(result)).Msg("dropping malformed status frame")
		return
	}

	id, _ := f.MessageID()
	if !c.resolve(id, result, nil) {
		c.log.Debug().Int("message_id", id).Str("result", string(result)).Msg("acknowledgment without waiter")
		return
	}
	if result != ResultSuccess {
		c.log.Warn().Int("message_id", id).Str("result", string(result)).Msg("peer rejected message")
	}

	c.mu.Lock()
	onAck := c.onAck
	c.mu.Unlock()
	if onAck != nil {
		onAck(id, result)
	}
}

// addFragment stores one fragment and returns the reassembled frame once complete
func (c *Client) addFragment(id int, f *Frame) (*Frame, error) {
	index, okIndex := f.Int(KeyFragmentIndex)
	count, okCount := f.Int(KeyFragmentCount)
	splitErr := func(format string, args ...any) error {
		return &FrameError{Result: ResultSplittingError, MessageID: id, HasID: true, Reason: fmt.Sprintf(format, args...)}
	}
	if !okIndex || !okCount {
		return nil, splitErr("fragment_index and fragment_count must appear together")
	}
	if count < 1 || index < 0 || index >= count {
		return nil, splitErr("fragment %d out of range for count %d", index, count)
	}
	if count > c.config.MaxFragments {
		return nil, splitErr("fragment_count %d exceeds limit %d", count, c.config.MaxFragments)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.fragments[id]
	if !ok {
		buf = &fragmentBuffer{
			parts:  make([]string, count),
			filled: make([]bool, count),
		}
		ttl := c.config.AckTimeout * time.Duration(count)
		buf.timer = time.AfterFunc(ttl, func() { c.abandonFragments(id, buf) })
		c.fragments[id] = buf
	}
	if len(buf.parts) != count {
		return nil, splitErr("fragment_count %d does not match %d", count, len(buf.parts))
	}

	buf.parts[index] = f.Payload
	if !buf.filled[index] {
		buf.filled[index] = true
		buf.received++
	}
	if buf.received < count {
		return nil, nil
	}

	delete(c.fragments, id)
	buf.timer.Stop()

	complete := &Frame{}
	for _, field := range f.Fields {
		if field.Key == KeyFragmentIndex || field.Key == KeyFragmentCount {
			continue
		}
		complete.Fields = append(complete.Fields, field)
	}
	total := 0
	for _, part := range buf.parts {
		total += len(part)
	}
	payload := make([]byte, 0, total)
	for _, part := range buf.parts {
		payload = append(payload, part...)
	}
	complete.Payload = string(payload)
	return complete, nil
}

func (c *Client) abandonFragments(id int, buf *fragmentBuffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fragments[id] != buf {
		return
	}
	delete(c.fragments, id)
	c.log.Warn().Int("message_id", id).Int("received", buf.received).Int("expected", len(buf.parts)).
		Msg("abandoning incomplete message")
}

func (c *Client) reject(err error) {
	var fe *FrameError
	if !errors.As(err, &fe) {
		fe = &FrameError{Result: ResultUnknownError, Reason: err.Error()}
	}
	c.log.Warn().Err(fe).Msg("rejecting frame")

	if fe.HasID {
		c.transmit(NewAck(fe.MessageID, fe.Result))
		return
	}
	f := &Frame{}
	f.Set(KeyResult, string(fe.Result))
	c.transmit(f)
}

func (c *Client) transmit(f *Frame) {
	if err := c.sender.SendMessage(c.peer, f.String()); err != nil {
		c.log.Warn().Err(err).Msg("failed to transmit status frame")
	}
}

// Close releases every blocked sender with ErrClosed and drops partial messages
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ids := make([]int, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	for id, buf := range c.fragments {
		buf.timer.Stop()
		delete(c.fragments, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.resolve(id, ResultUnknownError, ErrClosed)
	}
}
