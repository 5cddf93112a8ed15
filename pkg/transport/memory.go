package transport

import (
	"context"
	"fmt"
	"sync"
)

// Hub is an in-process transport network. Each endpoint has an unbounded
// inbox drained in order by one goroutine, so handlers may send without
// deadlocking.
type Hub struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*Endpoint)}
}

// Endpoint returns the endpoint for address, creating it on first use
func (h *Hub) Endpoint(address string) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	if e, ok := h.endpoints[address]; ok {
		return e
	}
	e := &Endpoint{hub: h, address: address}
	h.endpoints[address] = e
	return e
}

func (h *Hub) lookup(address string) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.endpoints[address]
}

type envelope struct {
	from string
	text string
}

// Endpoint is one address on a Hub
type Endpoint struct {
	hub     *Hub
	address string

	mu        sync.Mutex
	handler   Handler
	inbox     []envelope
	wake      chan struct{}
	stop      chan struct{}
	drained   chan struct{}
	connected bool
}

// Address returns the endpoint address
func (e *Endpoint) Address() string {
	return e.address
}

// OnMessage sets the receive handler
func (e *Endpoint) OnMessage(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// Connect starts delivering messages
func (e *Endpoint) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connected {
		return nil
	}
	e.connected = true
	e.wake = make(chan struct{}, 1)
	e.stop = make(chan struct{})
	e.drained = make(chan struct{})
	go e.drain(e.wake, e.stop, e.drained)
	return nil
}

// Disconnect stops delivery and drops queued messages.
// It waits for the running handler, so it must not be called from one.
func (e *Endpoint) Disconnect() error {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return nil
	}
	e.connected = false
	e.inbox = nil
	close(e.stop)
	drained := e.drained
	e.mu.Unlock()

	<-drained
	return nil
}

// SendMessage queues text for the endpoint at to
func (e *Endpoint) SendMessage(to, text string) error {
	e.mu.Lock()
	connected := e.connected
	e.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	target := e.hub.lookup(to)
	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	return target.enqueue(envelope{from: e.address, text: text})
}

func (e *Endpoint) enqueue(msg envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, e.address)
	}
	e.inbox = append(e.inbox, msg)
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

func (e *Endpoint) drain(wake, stop, drained chan struct{}) {
	defer close(drained)
	for {
		select {
		case <-stop:
			return
		case <-wake:
		}

		for {
			e.mu.Lock()
			if len(e.inbox) == 0 || !e.connected {
				e.mu.Unlock()
				break
			}
			msg := e.inbox[0]
			e.inbox = e.inbox[1:]
			handler := e.handler
			e.mu.Unlock()

			if handler != nil {
				handler(msg.from, msg.text)
			}
		}
	}
}
