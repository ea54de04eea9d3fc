// Package mcp serves the bridge's tools to agent sessions over the
// streamable HTTP transport of the Model Context Protocol.
package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/acpbridge/internal/agent"
	"github.com/HyphaGroup/acpbridge/internal/audit"
	"github.com/HyphaGroup/acpbridge/internal/auth"
	"github.com/HyphaGroup/acpbridge/internal/logger"
	"github.com/HyphaGroup/acpbridge/internal/metrics"
	"github.com/HyphaGroup/acpbridge/internal/schedule"
)

const (
	shutdownTimeout     = 5 * time.Second
	limiterSweepEvery   = time.Minute
	limiterIdleLifetime = 10 * time.Minute
)

// ScheduleStore is the persistence the schedule tools operate on
type ScheduleStore interface {
	Create(s *schedule.Schedule) error
	Get(id string) (*schedule.Schedule, error)
	List(filter *schedule.ListFilter) ([]*schedule.Schedule, error)
	Update(id string, update *schedule.ScheduleUpdate) (*schedule.Schedule, error)
	Delete(id string) error
	ListExecutions(scheduleID string, limit int) ([]*schedule.Execution, error)
}

// ScheduleRunner runs schedules on demand
type ScheduleRunner interface {
	TriggerNow(ctx context.Context, id string) (string, error)
	Wake()
}

// MessageSender posts text into a chat and reports where it went
type MessageSender interface {
	PushText(ctx context.Context, chatID, text string) (string, error)
}

// ServerConfig wires the tool server to the rest of the bridge
type ServerConfig struct {
	Name      string
	Version   string
	URL       string // endpoint handed to agent sessions
	Platform  string // recorded on schedules created through the tools
	Schedules ScheduleStore
	Runner    ScheduleRunner
	Messages  MessageSender

	// Tokens authenticates callers; an empty set admits loopback only.
	// AgentToken is the token agent sessions present.
	Tokens     *auth.TokenSet
	AgentToken string
	RateLimit  *auth.RateLimiter

	Audit       *audit.Logger
	DefaultChat func() string
	Clock       clockwork.Clock
}

// Server wraps the MCP server with the bridge's stores
type Server struct {
	cfg       ServerConfig
	registry  *Registry
	mcpServer *mcp.Server
	audit     *audit.Logger
	clock     clockwork.Clock
	wg        sync.WaitGroup // background schedule triggers
}

// NewServer creates a tool server and registers every tool
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Schedules == nil {
		return nil, errors.New("tool server requires a schedule store")
	}
	if cfg.Name == "" {
		cfg.Name = "acpbridge"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Tokens == nil {
		cfg.Tokens = auth.NewTokenSet()
	}
	if cfg.RateLimit == nil {
		cfg.RateLimit = auth.DefaultRateLimiter()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	s := &Server{
		cfg:      cfg,
		registry: NewRegistry(),
		audit:    cfg.Audit,
		clock:    cfg.Clock,
	}
	if s.audit == nil {
		s.audit = audit.Default()
	}
	s.registerAllTools(s.registry)

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    cfg.Name,
		Version: cfg.Version,
	}, nil)
	s.registry.RegisterWithMCPServer(s.mcpServer)
	return s, nil
}

// Registry returns the tool registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// Descriptor is the tool server entry injected into every agent session
func (s *Server) Descriptor() *agent.RemoteServer {
	d := &agent.RemoteServer{
		Name: s.cfg.Name,
		Type: agent.TransportHTTP,
		URL:  s.cfg.URL,
	}
	if s.cfg.AgentToken != "" {
		d.Headers = []agent.Header{{Name: "Authorization", Value: "Bearer " + s.cfg.AgentToken}}
	}
	return d
}

// Handler builds the HTTP mux: unauthenticated health and metrics
// endpoints plus the authenticated, rate limited MCP endpoint
func (s *Server) Handler() http.Handler {
	mcpHandler := mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return s.mcpServer
	}, &mcp.StreamableHTTPOptions{
		EventStore: mcp.NewMemoryEventStore(nil),
	})

	loggingHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), logger.ContextKeyRequestID, requestID)
		r = r.WithContext(ctx)

		logger.WithContext(ctx).Debug("tool server request",
			"method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr,
			"client_id", auth.FromContext(ctx).ClientID())
		mcpHandler.ServeHTTP(w, r)
	})

	authed := auth.Middleware(s.cfg.Tokens)(loggingHandler)
	limited := auth.RateLimitMiddleware(s.cfg.RateLimit)(authed)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealthCheck)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/mcp", metrics.Middleware(limited))
	mux.Handle("/mcp/", metrics.Middleware(limited))
	return mux
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tool server listen on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on an existing listener until ctx is cancelled
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.sweepLimiter(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("🔌 Tool server listening on %s", ln.Addr())
		logger.Info("💚 Health check: http://%s/health", ln.Addr())
		logger.Info("📊 Metrics: http://%s/metrics", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Tool server shutdown: %v", err)
		_ = srv.Close()
	}
	<-errCh
	return nil
}

// Close waits for schedule runs started by schedule_trigger to return
func (s *Server) Close() {
	s.wg.Wait()
}

func (s *Server) sweepLimiter(ctx context.Context) {
	ticker := s.clock.NewTicker(limiterSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := s.cfg.RateLimit.Cleanup(limiterIdleLifetime); n > 0 {
				logger.Slog().Debug("dropped idle rate limiters", "count", n)
			}
		}
	}
}

// handleHealthCheck is a basic liveness check
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) now() time.Time {
	return s.clock.Now()
}

// generateRequestID creates a unique request identifier
func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
