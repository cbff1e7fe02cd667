// Package webserver hosts the hook callback endpoint, the REST API over
// agents/pipelines/alerts, and the WebSocket event/terminal bridges.
package webserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/warden-ai/warden/internal/agent"
	"github.com/warden-ai/warden/internal/debug"
	"github.com/warden-ai/warden/internal/events"
	"github.com/warden-ai/warden/internal/pipeline"
	"github.com/warden-ai/warden/internal/security"
	"github.com/warden-ai/warden/internal/store"
)

// Options configures web server behavior.
type Options struct {
	Host      string
	Port      int
	TLSMode   string // "", "self-signed", or "custom"
	CertFile  string
	KeyFile   string
	AuthToken string
	RateLimit float64 // requests per second per client IP; 0 disables
}

// Deps are the subsystems the server exposes.
type Deps struct {
	Manager   *agent.Manager
	Monitor   *security.Monitor
	Pipelines *pipeline.Manager
	Store     *store.Store
	Bus       *events.Bus
}

// Server hosts the HTTP API and WebSocket bridges.
type Server struct {
	deps       Deps
	httpServer *http.Server
	host       string
	port       int
	tlsMode    string
	certFile   string
	keyFile    string
	authToken  string
	rateLimit  float64

	// baseCtx scopes work that must outlive individual requests (spawned
	// subprocesses, pipeline drivers). Cancelled on Shutdown.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New constructs a server.
func New(deps Deps, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	// Zero picks the default port; negative asks the OS for an ephemeral
	// one at Start.
	port := opts.Port
	if port == 0 {
		port = 7433
	} else if port < 0 {
		port = 0
	}

	srv := &Server{
		deps:      deps,
		host:      host,
		port:      port,
		tlsMode:   strings.TrimSpace(opts.TLSMode),
		certFile:  strings.TrimSpace(opts.CertFile),
		keyFile:   strings.TrimSpace(opts.KeyFile),
		authToken: strings.TrimSpace(opts.AuthToken),
		rateLimit: opts.RateLimit,
	}
	srv.baseCtx, srv.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	srv.setupRoutes(mux)

	handler := corsMiddleware(logMiddleware(rateLimitMiddleware(srv.rateLimit, authMiddleware(srv.authToken, mux))))
	srv.httpServer = &http.Server{
		Addr:              srv.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

func (srv *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /hook", srv.handleHook)
	mux.HandleFunc("GET /healthz", srv.handleHealth)

	mux.HandleFunc("GET /api/agents", srv.handleListAgents)
	mux.HandleFunc("POST /api/agents", srv.handleSpawnAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", srv.handleStopAgent)
	mux.HandleFunc("POST /api/agents/{id}/prompt", srv.handlePromptAgent)
	mux.HandleFunc("POST /api/agents/{id}/suspend", srv.handleSuspendAgent)
	mux.HandleFunc("POST /api/agents/{id}/resume", srv.handleResumeAgent)
	mux.HandleFunc("GET /api/agents/{id}/outputs", srv.handleAgentOutputs)
	mux.HandleFunc("GET /api/agents/{id}/stats", srv.handleAgentStats)

	mux.HandleFunc("GET /api/pipelines", srv.handleListPipelines)
	mux.HandleFunc("POST /api/pipelines", srv.handleCreatePipeline)
	mux.HandleFunc("GET /api/pipelines/{id}", srv.handleGetPipeline)
	mux.HandleFunc("POST /api/pipelines/{id}/approve", srv.handleApproveCheckpoint)

	mux.HandleFunc("GET /api/security/alerts", srv.handleListAlerts)
	mux.HandleFunc("GET /api/security/reviews", srv.handleListReviews)

	mux.HandleFunc("GET /ws/events", srv.handleEventsWebSocket)
	mux.HandleFunc("GET /ws/terminal", srv.handleTerminalWebSocket)
}

// Start begins serving in a background goroutine and returns immediately.
func (srv *Server) Start() error {
	if srv.tlsMode != "" {
		var cert tls.Certificate
		var err error
		switch srv.tlsMode {
		case "self-signed":
			cert, err = generateSelfSignedCert(srv.host)
			if err != nil {
				return fmt.Errorf("generating self-signed certificate: %w", err)
			}
		case "custom":
			cert, err = tls.LoadX509KeyPair(srv.certFile, srv.keyFile)
			if err != nil {
				return fmt.Errorf("loading TLS certificate: %w", err)
			}
		default:
			return fmt.Errorf("unsupported TLS mode: %q", srv.tlsMode)
		}
		srv.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	ln, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		return err
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		srv.port = tcpAddr.Port
		srv.httpServer.Addr = srv.Addr()
	}

	go func() {
		var serveErr error
		if srv.tlsMode != "" {
			serveErr = srv.httpServer.ServeTLS(ln, "", "")
		} else {
			serveErr = srv.httpServer.Serve(ln)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			debug.LogKV("webserver", "server stopped with error", "error", serveErr)
		}
	}()
	return nil
}

// Shutdown gracefully stops the HTTP server and cancels request-independent
// work started on its behalf.
func (srv *Server) Shutdown(ctx context.Context) error {
	if srv.httpServer == nil {
		return nil
	}
	err := srv.httpServer.Shutdown(ctx)
	srv.cancelBase()
	return err
}

// Addr returns the bound host:port address.
func (srv *Server) Addr() string {
	return net.JoinHostPort(srv.host, strconv.Itoa(srv.port))
}

// Port returns the bound port. Valid after Start when an ephemeral port was
// requested.
func (srv *Server) Port() int {
	return srv.port
}

// Scheme returns the URL scheme for the running server.
func (srv *Server) Scheme() string {
	if srv.tlsMode != "" {
		return "https"
	}
	return "http"
}

// HookURL is the base URL agents post their tool-use hooks to.
func (srv *Server) HookURL() string {
	return fmt.Sprintf("%s://%s", srv.Scheme(), srv.Addr())
}
