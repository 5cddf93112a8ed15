package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(ctx context.Context, req *Request) Reply {
	return Void()
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("Files", "List", noop, WithTrustLevel(TrustCluster)))
	require.NoError(t, r.Register("Files", "Delete", noop))

	err := r.Register("Files", "List", noop)
	assert.True(t, errors.Is(err, ErrDuplicateMethod))

	assert.Error(t, r.Register("", "List", noop))
	assert.Error(t, r.Register("Files", "", noop))
	assert.Error(t, r.Register("Files", "Nil", nil))
	assert.Error(t, r.Register("Files", "TooHigh", noop, WithTrustLevel(TrustLevel(5))))

	m, rerr := r.Lookup("Files", "List")
	require.Nil(t, rerr)
	assert.Equal(t, TrustCluster, m.TrustLevel)

	m, rerr = r.Lookup("Files", "Delete")
	require.Nil(t, rerr)
	assert.Equal(t, MaxTrustLevel, m.TrustLevel)

	assert.Equal(t, []string{ConnectionComponent, "Files"}, r.Components())
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name      string
		component string
		method    string
		code      ErrorCode
	}{
		{"heartbeat", ConnectionComponent, MethodHeartbeat, ""},
		{"reset notice", ConnectionComponent, MethodResetNotice, ""},
		{"missing component", "Nope", MethodHeartbeat, CodeComponentNotFound},
		{"missing method", ConnectionComponent, "Nope", CodeMethodNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, rerr := r.Lookup(tt.component, tt.method)
			if tt.code == "" {
				require.Nil(t, rerr)
				assert.Equal(t, TrustNone, m.TrustLevel)
				return
			}
			require.NotNil(t, rerr)
			assert.Equal(t, tt.code, rerr.Code)
		})
	}
}

func TestRequestArgs(t *testing.T) {
	req := &Request{
		Component: "Files",
		Method:    "Rename",
		Params:    []json.RawMessage{json.RawMessage(`"a.txt"`), json.RawMessage(`"b.txt"`)},
	}

	var from, to string
	require.NoError(t, req.Args(&from, &to))
	assert.Equal(t, "a.txt", from)
	assert.Equal(t, "b.txt", to)

	err := req.Args(&from)
	assert.True(t, IsRemoteCode(err, CodeInvalidParameters))

	var n, m int
	err = req.Args(&n, &m)
	assert.True(t, IsRemoteCode(err, CodeInvalidParameters))
}

func TestReplyThenChains(t *testing.T) {
	var order []int
	reply := Value(1).Then(func() { order = append(order, 1) }).Then(func() { order = append(order, 2) })
	reply.then()
	assert.Equal(t, []int{1, 2}, order)
	assert.Nil(t, reply.Err())
}

func TestFailWith(t *testing.T) {
	reply := FailWith(&RemoteError{Code: CodeNotAuthorized, Message: "no"})
	require.NotNil(t, reply.Err())
	assert.Equal(t, CodeNotAuthorized, reply.Err().Code)

	reply = FailWith(errors.New("disk on fire"))
	require.NotNil(t, reply.Err())
	assert.Equal(t, CodeInternal, reply.Err().Code)
	assert.Equal(t, "disk on fire", reply.Err().Message)
}

func TestTrustLevelString(t *testing.T) {
	assert.Equal(t, "none", TrustNone.String())
	assert.Equal(t, "admin", TrustAdmin.String())
	assert.Equal(t, "level(7)", TrustLevel(7).String())
	assert.False(t, TrustLevel(-1).Valid())
}
