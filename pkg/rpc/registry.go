package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Built-in connection management component
const (
	ConnectionComponent = "Connection"
	MethodHeartbeat     = "Heartbeat"
	MethodResetNotice   = "ResetNotice"
)

// HandlerFunc serves one inbound call
type HandlerFunc func(ctx context.Context, req *Request) Reply

// Method is one registered, trust-gated remote method
type Method struct {
	Component  string
	Name       string
	TrustLevel TrustLevel
	Handler    HandlerFunc
}

// MethodOption customizes a registration
type MethodOption func(*Method)

// WithTrustLevel sets the minimum caller trust level.
// Methods registered without it require MaxTrustLevel.
func WithTrustLevel(level TrustLevel) MethodOption {
	return func(m *Method) {
		m.TrustLevel = level
	}
}

// Registry maps component and method names to handlers.
// One registry is built at startup and shared by every session.
type Registry struct {
	mu         sync.RWMutex
	components map[string]map[string]*Method
}

// NewRegistry creates a registry holding the built-in Connection component
func NewRegistry() *Registry {
	r := &Registry{components: make(map[string]map[string]*Method)}

	r.MustRegister(ConnectionComponent, MethodHeartbeat, func(ctx context.Context, req *Request) Reply {
		return Void()
	}, WithTrustLevel(TrustNone))

	r.MustRegister(ConnectionComponent, MethodResetNotice, func(ctx context.Context, req *Request) Reply {
		session := req.Session
		return Void().Then(func() { session.ResetConnection(false) })
	}, WithTrustLevel(TrustNone))

	return r
}

// Register adds a method
func (r *Registry) Register(component, method string, fn HandlerFunc, opts ...MethodOption) error {
	if component == "" || method == "" || fn == nil {
		return fmt.Errorf("rpc: invalid registration %q.%q", component, method)
	}

	m := &Method{Component: component, Name: method, TrustLevel: MaxTrustLevel, Handler: fn}
	for _, opt := range opts {
		opt(m)
	}
	if !m.TrustLevel.Valid() {
		return fmt.Errorf("rpc: %s.%s: invalid trust level %d", component, method, m.TrustLevel)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	methods, ok := r.components[component]
	if !ok {
		methods = make(map[string]*Method)
		r.components[component] = methods
	}
	if _, exists := methods[method]; exists {
		return fmt.Errorf("%w: %s.%s", ErrDuplicateMethod, component, method)
	}
	methods[method] = m
	return nil
}

// MustRegister is Register for startup code, panicking on error
func (r *Registry) MustRegister(component, method string, fn HandlerFunc, opts ...MethodOption) {
	if err := r.Register(component, method, fn, opts...); err != nil {
		panic(err)
	}
}

// Lookup resolves a method, returning a RemoteError fit to send back
func (r *Registry) Lookup(component, method string) (*Method, *RemoteError) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods, ok := r.components[component]
	if !ok {
		return nil, remoteErrorf(CodeComponentNotFound, "component %q not found", component)
	}
	m, ok := methods[method]
	if !ok {
		return nil, remoteErrorf(CodeMethodNotFound, "method %q not found in %q", method, component)
	}
	return m, nil
}

// Components lists registered component names
func (r *Registry) Components() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.components))
	for name := range r.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Request is one inbound call being served
type Request struct {
	Session          *Session
	ID               string
	Component        string
	Method           string
	Params           []json.RawMessage
	ResponseExpected bool
	Encrypted        bool
}

// Args decodes the call parameters into dst, in order.
// A count or type mismatch is an InvalidParametersError.
func (r *Request) Args(dst ...any) error {
	if len(r.Params) != len(dst) {
		return remoteErrorf(CodeInvalidParameters, "%s.%s takes %d parameters, got %d",
			r.Component, r.Method, len(dst), len(r.Params))
	}
	for i, raw := range r.Params {
		if err := json.Unmarshal(raw, dst[i]); err != nil {
			return remoteErrorf(CodeInvalidParameters, "%s.%s parameter %d: %v", r.Component, r.Method, i, err)
		}
	}
	return nil
}

// Reply is the outcome of a handler
type Reply struct {
	value any
	err   *RemoteError
	then  func()
}

// Value replies with a result
func Value(v any) Reply {
	return Reply{value: v}
}

// Void completes without a result
func Void() Reply {
	return Reply{}
}

// Fail replies with a declared error
func Fail(code ErrorCode, format string, args ...any) Reply {
	return Reply{err: remoteErrorf(code, format, args...)}
}

// FailWith replies with err, keeping its code when it is a RemoteError
func FailWith(err error) Reply {
	var re *RemoteError
	if errors.As(err, &re) {
		return Reply{err: re}
	}
	return Reply{err: &RemoteError{Code: CodeInternal, Message: err.Error()}}
}

// Then schedules fn to run once the reply has been sent
func (r Reply) Then(fn func()) Reply {
	prev := r.then
	r.then = func() {
		if prev != nil {
			prev()
		}
		fn()
	}
	return r
}

// Err returns the declared error, if any
func (r Reply) Err() *RemoteError {
	return r.err
}
