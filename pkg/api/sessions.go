package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/ZentaChain/zentalk-rpc/pkg/auth"
	"github.com/ZentaChain/zentalk-rpc/pkg/network"
	"github.com/ZentaChain/zentalk-rpc/pkg/rpc"
	"github.com/gin-gonic/gin"
)

// SessionsResponse lists live sessions
type SessionsResponse struct {
	Success  bool         `json:"success"`
	Count    int          `json:"count"`
	Sessions []rpc.Status `json:"sessions"`
}

// SessionResponse describes one session
type SessionResponse struct {
	Success bool       `json:"success"`
	Session rpc.Status `json:"session"`
}

func (s *Server) handleSessions(c *gin.Context) {
	sessions := s.network.Sessions()
	statuses := make([]rpc.Status, 0, len(sessions))
	for _, session := range sessions {
		statuses = append(statuses, session.Status())
	}

	c.JSON(http.StatusOK, SessionsResponse{
		Success:  true,
		Count:    len(statuses),
		Sessions: statuses,
	})
}

func (s *Server) handleSession(c *gin.Context) {
	session, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, SessionResponse{Success: true, Session: session.Status()})
}

// handleAuthenticate connects to the peer if needed and runs the handshake
func (s *Server) handleAuthenticate(c *gin.Context) {
	peer := c.Param("peer")

	session, err := s.network.Connect(peer)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, network.ErrSelfPeer):
			status = http.StatusBadRequest
		case errors.Is(err, network.ErrClosed):
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, ErrorResponse{Error: "Cannot connect", Message: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.AuthTimeout)
	defer cancel()

	if err := s.auth.Authenticate(ctx, session); err != nil {
		s.log.Warn().Err(err).Str("peer", peer).Msg("handshake through API failed")
		c.JSON(authStatus(err), ErrorResponse{
			Error:   "Authentication failed",
			Message: err.Error(),
			Code:    authCode(err),
		})
		return
	}

	c.JSON(http.StatusOK, SessionResponse{Success: true, Session: session.Status()})
}

func (s *Server) handleReset(c *gin.Context) {
	session, ok := s.lookup(c)
	if !ok {
		return
	}
	session.ResetConnection(true)

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Message: "session reset",
		Data:    session.Status(),
	})
}

func (s *Server) lookup(c *gin.Context) (*rpc.Session, bool) {
	peer := c.Param("peer")
	session, ok := s.network.Session(peer)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Session not found",
			Message: "no live session with " + peer,
		})
		return nil, false
	}
	return session, true
}

func authStatus(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, rpc.ErrCallTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, auth.ErrRejected),
		errors.Is(err, auth.ErrClusterAuthFailed),
		errors.Is(err, auth.ErrUserAuthFailed):
		return http.StatusForbidden
	default:
		return http.StatusBadGateway
	}
}

func authCode(err error) string {
	var remote *rpc.RemoteError
	if errors.As(err, &remote) {
		return string(remote.Code)
	}
	return ""
}
