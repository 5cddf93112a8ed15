package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/ZentaChain/zentalk-rpc/pkg/rpc"
	"github.com/gin-gonic/gin"
)

// HealthResponse contains node health information
type HealthResponse struct {
	Success       bool   `json:"success"`
	Status        string `json:"status"`
	Address       string `json:"address"`
	Sessions      int    `json:"sessions"`
	Authenticated int    `json:"authenticated"`
	Uptime        string `json:"uptime"`
	Version       string `json:"version"`
}

// NodeInfoResponse describes the local node
type NodeInfoResponse struct {
	Success        bool      `json:"success"`
	Address        string    `json:"address"`
	AcceptIncoming bool      `json:"acceptIncoming"`
	UpSince        time.Time `json:"upSince"`
	Version        string    `json:"version"`
	Goroutines     int       `json:"goroutines"`
	MemoryAllocMB  uint64    `json:"memoryAllocMb"`
}

// AcceptIncomingRequest toggles inbound handshakes
type AcceptIncomingRequest struct {
	Accept *bool `json:"accept" binding:"required"`
}

func (s *Server) handleHealth(c *gin.Context) {
	sessions := s.network.Sessions()
	authenticated := 0
	for _, session := range sessions {
		if session.TrustLevel() == rpc.TrustAdmin {
			authenticated++
		}
	}

	c.JSON(http.StatusOK, HealthResponse{
		Success:       true,
		Status:        "healthy",
		Address:       s.network.Address(),
		Sessions:      len(sessions),
		Authenticated: authenticated,
		Uptime:        time.Since(s.startTime).Round(time.Second).String(),
		Version:       rpc.ProtocolVersion,
	})
}

func (s *Server) handleNodeInfo(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	c.JSON(http.StatusOK, NodeInfoResponse{
		Success:        true,
		Address:        s.network.Address(),
		AcceptIncoming: s.network.AcceptIncoming(),
		UpSince:        s.startTime,
		Version:        rpc.ProtocolVersion,
		Goroutines:     runtime.NumGoroutine(),
		MemoryAllocMB:  mem.Alloc / 1024 / 1024,
	})
}

func (s *Server) handleSetAcceptIncoming(c *gin.Context) {
	var req AcceptIncomingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	s.network.SetAcceptIncoming(*req.Accept)
	s.log.Info().Bool("accept", *req.Accept).Msg("accept-incoming changed")

	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: gin.H{"acceptIncoming": *req.Accept}})
}
