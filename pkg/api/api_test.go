package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ZentaChain/zentalk-rpc/pkg/auth"
	"github.com/ZentaChain/zentalk-rpc/pkg/logging"
	"github.com/ZentaChain/zentalk-rpc/pkg/network"
	"github.com/ZentaChain/zentalk-rpc/pkg/rpc"
	"github.com/ZentaChain/zentalk-rpc/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testNode struct {
	manager *network.Manager
	proto   *auth.Protocol
	server  *Server
}

func startNode(t *testing.T, hub *transport.Hub, address string, creds auth.Credentials, config *Config) *testNode {
	t.Helper()
	logging.ConfigureTests()

	cfg := network.DefaultConfig()
	cfg.Framing.AckTimeout = 2 * time.Second
	cfg.Session.CallTimeout = 5 * time.Second
	cfg.Session.ResetNoticeTimeout = time.Second

	registry := rpc.NewRegistry()
	n := &testNode{}
	n.manager = network.NewManager(hub.Endpoint(address), registry, cfg)
	n.proto = auth.New(creds, auth.Options{AcceptIncoming: n.manager.AcceptIncoming})
	require.NoError(t, n.proto.Register(registry))
	require.NoError(t, n.manager.Start(context.Background()))
	t.Cleanup(func() { n.manager.Close() })

	if config == nil {
		config = DefaultConfig()
		config.AuthTimeout = 10 * time.Second
	}
	n.server = NewServer(n.manager, n.proto, config)
	return n
}

func credentials() auth.StaticCredentials {
	return auth.StaticCredentials{Secret: bytes.Repeat([]byte{7}, 32), Username: "admin", Password: "pw"}
}

func do(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	hub := transport.NewHub()
	alice := startNode(t, hub, "alice", credentials(), nil)

	for _, path := range []string{"/health", "/api/v1/health"} {
		w := do(t, alice.server, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, w.Code)

		resp := decode[HealthResponse](t, w)
		assert.True(t, resp.Success)
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "alice", resp.Address)
		assert.Equal(t, 0, resp.Sessions)
		assert.Equal(t, rpc.ProtocolVersion, resp.Version)
	}
}

func TestSessionLifecycle(t *testing.T) {
	hub := transport.NewHub()
	alice := startNode(t, hub, "alice", credentials(), nil)
	startNode(t, hub, "bob", credentials(), nil)

	t.Run("Authenticate", func(t *testing.T) {
		w := do(t, alice.server, http.MethodPost, "/api/v1/sessions/bob/authenticate", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		resp := decode[SessionResponse](t, w)
		assert.True(t, resp.Success)
		assert.Equal(t, "bob", resp.Session.Peer)
		assert.Equal(t, rpc.TrustAdmin, resp.Session.MyTrustLevel)
		assert.True(t, resp.Session.Encrypted)
		assert.NotEmpty(t, resp.Session.KeyFingerprint)
	})

	t.Run("List", func(t *testing.T) {
		w := do(t, alice.server, http.MethodGet, "/api/v1/sessions", nil)
		require.Equal(t, http.StatusOK, w.Code)

		resp := decode[SessionsResponse](t, w)
		assert.Equal(t, 1, resp.Count)
		require.Len(t, resp.Sessions, 1)
		assert.Equal(t, "bob", resp.Sessions[0].Peer)
	})

	t.Run("Get", func(t *testing.T) {
		w := do(t, alice.server, http.MethodGet, "/api/v1/sessions/bob", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "bob", decode[SessionResponse](t, w).Session.Peer)
	})

	t.Run("Reset", func(t *testing.T) {
		w := do(t, alice.server, http.MethodPost, "/api/v1/sessions/bob/reset", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, decode[SuccessResponse](t, w).Success)

		w = do(t, alice.server, http.MethodGet, "/api/v1/sessions/bob", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestSessionErrors(t *testing.T) {
	hub := transport.NewHub()
	alice := startNode(t, hub, "alice", credentials(), nil)

	wrong := credentials()
	wrong.Password = "other"
	startNode(t, hub, "bob", wrong, nil)

	shy := startNode(t, hub, "carol", credentials(), nil)
	shy.manager.SetAcceptIncoming(false)

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"unknown session", http.MethodGet, "/api/v1/sessions/nobody", http.StatusNotFound},
		{"reset unknown session", http.MethodPost, "/api/v1/sessions/nobody/reset", http.StatusNotFound},
		{"authenticate self", http.MethodPost, "/api/v1/sessions/alice/authenticate", http.StatusBadRequest},
		{"wrong password", http.MethodPost, "/api/v1/sessions/bob/authenticate", http.StatusForbidden},
		{"peer rejects", http.MethodPost, "/api/v1/sessions/carol/authenticate", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, alice.server, tt.method, tt.path, nil)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, w).Error)
		})
	}
}

func TestAcceptIncomingToggle(t *testing.T) {
	hub := transport.NewHub()
	alice := startNode(t, hub, "alice", credentials(), nil)

	w := do(t, alice.server, http.MethodPut, "/api/v1/node/accept-incoming", []byte(`{"accept": false}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, alice.manager.AcceptIncoming())

	w = do(t, alice.server, http.MethodGet, "/api/v1/node", nil)
	require.Equal(t, http.StatusOK, w.Code)
	info := decode[NodeInfoResponse](t, w)
	assert.Equal(t, "alice", info.Address)
	assert.False(t, info.AcceptIncoming)

	w = do(t, alice.server, http.MethodPut, "/api/v1/node/accept-incoming", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIKeyRequired(t *testing.T) {
	config := DefaultConfig()
	config.APIKeys = map[string]bool{"secret-key": true}

	hub := transport.NewHub()
	alice := startNode(t, hub, "alice", credentials(), config)

	// health stays public
	assert.Equal(t, http.StatusOK, do(t, alice.server, http.MethodGet, "/api/v1/health", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, alice.server, http.MethodGet, "/api/v1/sessions", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("X-API-Key", "wrong")
	w := httptest.NewRecorder()
	alice.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("X-API-Key", "secret-key")
	w = httptest.NewRecorder()
	alice.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit(t *testing.T) {
	config := DefaultConfig()
	config.RateLimit = 2

	hub := transport.NewHub()
	alice := startNode(t, hub, "alice", credentials(), config)

	assert.Equal(t, http.StatusOK, do(t, alice.server, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, alice.server, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, alice.server, http.MethodGet, "/health", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	hub := transport.NewHub()
	alice := startNode(t, hub, "alice", credentials(), nil)

	w := do(t, alice.server, http.MethodOptions, "/api/v1/sessions", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
