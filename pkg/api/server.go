// Package api provides the HTTP status and control API for a node
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ZentaChain/zentalk-rpc/pkg/logging"
	"github.com/ZentaChain/zentalk-rpc/pkg/network"
	"github.com/ZentaChain/zentalk-rpc/pkg/rpc"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Network is the view of the session manager the API needs
type Network interface {
	Address() string
	Sessions() []*rpc.Session
	Session(peer string) (*rpc.Session, bool)
	Connect(peer string) (*rpc.Session, error)
	AcceptIncoming() bool
	SetAcceptIncoming(accept bool)
}

// Server represents the HTTP API server
type Server struct {
	network    Network
	auth       network.Authenticator
	router     *gin.Engine
	config     *Config
	httpServer *http.Server
	startTime  time.Time
	log        zerolog.Logger
}

// Config holds server configuration
type Config struct {
	Port         int
	EnableCORS   bool
	RateLimit    int // Requests per minute
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// AuthTimeout bounds a handshake started through the API
	AuthTimeout time.Duration

	// APIKeys enables X-API-Key checks when non-empty
	APIKeys map[string]bool
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		EnableCORS:   true,
		RateLimit:    100,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		AuthTimeout:  90 * time.Second,
	}
}

// NewServer creates a new HTTP API server
func NewServer(n Network, auth network.Authenticator, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.AuthTimeout <= 0 {
		config.AuthTimeout = DefaultConfig().AuthTimeout
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		network:   n,
		auth:      auth,
		router:    gin.New(),
		config:    config,
		startTime: time.Now(),
		log:       logging.Component("api"),
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggingMiddleware(s.log))

	if s.config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}
	if s.config.RateLimit > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.config.RateLimit)))
	}
}

func (s *Server) setupRoutes() {
	// Health check endpoint (outside versioning)
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	v1.GET("/health", s.handleHealth)

	protected := v1.Group("")
	if len(s.config.APIKeys) > 0 {
		protected.Use(AuthMiddleware(s.config.APIKeys))
	}
	{
		protected.GET("/node", s.handleNodeInfo)
		protected.PUT("/node/accept-incoming", s.handleSetAcceptIncoming)

		sessions := protected.Group("/sessions")
		sessions.GET("", s.handleSessions)
		sessions.GET("/:peer", s.handleSession)
		sessions.POST("/:peer/authenticate", s.handleAuthenticate)
		sessions.POST("/:peer/reset", s.handleReset)
	}
}

// Start serves until ctx ends, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Int("port", s.config.Port).Msg("HTTP API server starting")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down HTTP API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
