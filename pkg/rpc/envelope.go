package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MessageType distinguishes the three envelope kinds
type MessageType string

const (
	TypeCall     MessageType = "call"
	TypeResponse MessageType = "response"
	TypeError    MessageType = "error"
)

// Envelope is the RPC message carried inside one wtlp payload
type Envelope struct {
	Version          string            `json:"version,omitempty"`
	Type             MessageType       `json:"type"`
	ID               string            `json:"id"`
	Component        string            `json:"component,omitempty"`
	Method           string            `json:"method,omitempty"`
	Params           []json.RawMessage `json:"params,omitempty"`
	ResponseExpected bool              `json:"response_expected,omitempty"`
	Result           json.RawMessage   `json:"result,omitempty"`
	Error            *RemoteError      `json:"error,omitempty"`
}

func newCall(component, method string, responseExpected bool, args []any) (*Envelope, error) {
	params := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("rpc: marshal %s.%s argument %d: %w", component, method, i, err)
		}
		params = append(params, raw)
	}

	return &Envelope{
		Version:          ProtocolVersion,
		Type:             TypeCall,
		ID:               uuid.NewString(),
		Component:        component,
		Method:           method,
		Params:           params,
		ResponseExpected: responseExpected,
	}, nil
}

func newResponse(call *Envelope, result json.RawMessage) *Envelope {
	return &Envelope{
		Version:   ProtocolVersion,
		Type:      TypeResponse,
		ID:        call.ID,
		Component: call.Component,
		Result:    result,
	}
}

func newError(call *Envelope, rerr *RemoteError) *Envelope {
	return &Envelope{
		Version:   ProtocolVersion,
		Type:      TypeError,
		ID:        call.ID,
		Component: call.Component,
		Error:     rerr,
	}
}

// DecodeEnvelope parses and checks one envelope
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("rpc: decode envelope: %w", err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("rpc: envelope without id")
	}

	switch env.Type {
	case TypeCall:
		if env.Component == "" || env.Method == "" {
			return nil, fmt.Errorf("rpc: call %s without component or method", env.ID)
		}
	case TypeResponse:
	case TypeError:
		if env.Error == nil {
			env.Error = &RemoteError{Code: CodeInternal, Message: "error envelope without details"}
		}
	default:
		return nil, fmt.Errorf("rpc: unknown envelope type %q", env.Type)
	}
	return &env, nil
}

// Marshal encodes the envelope for the framing layer
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
