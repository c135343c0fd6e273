package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatbox-tcp/chatbox/pkg/database"
	"github.com/chatbox-tcp/chatbox/pkg/protocol"
)

var (
	errorLog *log.Logger
	debugLog *log.Logger
)

func init() {
	// Callers that never go through NewServer (tests mostly) still get
	// working loggers.
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
}

// Server owns the listeners, the registry and the broadcast engine for
// one chat session.
type Server struct {
	db          *database.DB
	session     *database.ServerSession
	registry    *Registry
	auth        *Authenticator
	broadcaster *Broadcaster
	handlers    *Handlers
	router      *Router
	metrics     *Metrics
	promReg     *prometheus.Registry
	config      ServerConfig
	listener    net.Listener
	shutdown    chan struct{}
	wg          sync.WaitGroup
	startTime   time.Time

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// NewServer creates a server instance, opens the database and starts a
// fresh server session.
func NewServer(dbPath string, config ServerConfig) (*Server, error) {
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	session, err := db.OpenSession()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open server session: %w", err)
	}

	if err := db.SeedDefaultChannels(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed default channels: %w", err)
	}

	if err := initLoggers(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize loggers: %w", err)
	}

	// A per-instance registry keeps collectors from colliding when more
	// than one server runs in a process.
	promReg := prometheus.NewRegistry()
	metrics := NewMetrics(promReg)
	registry := NewRegistry()
	broadcaster := NewBroadcaster(registry, config.BroadcastQueueSize, metrics)
	auth := NewAuthenticator(registry, db, session, metrics)
	handlers := NewHandlers(registry, db, session, broadcaster)
	router := NewRouter(auth, handlers, metrics)

	server := &Server{
		db:          db,
		session:     session,
		registry:    registry,
		auth:        auth,
		broadcaster: broadcaster,
		handlers:    handlers,
		router:      router,
		metrics:     metrics,
		promReg:     promReg,
		config:      config,
		shutdown:    make(chan struct{}),
		startTime:   time.Now(),
	}
	broadcaster.SetHistory(server)

	return server, nil
}

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "chatbox")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "chatbox")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dataDir, nil
}

// initLoggers sets up error and debug loggers
func initLoggers() error {
	dataDir, err := getServerDataDir()
	if err != nil {
		return err
	}

	// Error log goes to stderr and errors.log
	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker distinguishes runs in the appended log
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Debug log is discarded unless EnableDebugLogging is called
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	// Standard log goes to stdout and server.log, truncated on startup
	serverLogPath := filepath.Join(dataDir, "server.log")
	serverLogFile, err := os.OpenFile(serverLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func (s *Server) EnableDebugLogging() {
	dataDir, err := getServerDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	debugLogPath := filepath.Join(dataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start starts the TCP listener, the broadcast dispatcher and the HTTP
// side servers, then returns. Stop undoes all of it.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("Chat server listening on %s (session %s)", addr, s.session.SessionID)

	// Single dispatcher; all deliveries flow through it
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.broadcaster.Run()
	}()

	// Metrics HTTP server (internal only - never expose publicly!)
	if s.config.MetricsPort > 0 {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
			metricsMux.HandleFunc("/health", s.HealthHandler)
			metricsAddr := fmt.Sprintf(":%d", s.config.MetricsPort)
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsMux); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	// Public HTTP server for the WebSocket transport
	if s.config.HTTPPort > 0 {
		go func() {
			publicMux := http.NewServeMux()
			publicMux.HandleFunc("/ws", s.HandleWebSocket)
			httpAddr := fmt.Sprintf(":%d", s.config.HTTPPort)
			log.Printf("Public HTTP server listening on %s (/ws)", httpAddr)
			if err := http.ListenAndServe(httpAddr, publicMux); err != nil {
				log.Printf("Public HTTP server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the listener address, useful when TCPPort was 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// StopAccepting closes the TCP listener without touching live
// connections. New dials fail; established sessions keep running.
func (s *Server) StopAccepting() {
	if s.listener != nil {
		s.listener.Close()
	}
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")

	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
		log.Println("TCP listener closed")
	}

	log.Println("Stopping broadcast dispatcher...")
	s.broadcaster.Stop()

	log.Println("Closing all client connections...")
	s.registry.CloseAll()

	log.Println("Waiting for background goroutines to finish...")
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		log.Printf("Error during database close: %v", err)
		return err
	}

	log.Println("Graceful shutdown complete")
	return nil
}

// HealthHandler reports liveness and basic counts.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	unauth, auth := s.registry.Counts()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime_seconds":%d,"unauthenticated":%d,"authenticated":%d}`,
		int(time.Since(s.startTime).Seconds()), unauth, auth)
}

// acceptLoop accepts incoming connections. The listener is captured
// once so a concurrent Stop cannot change it under the loop.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	listener := s.listener
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}

		// Added here, not inside the spawned goroutine, so Stop's Wait
		// cannot start while the counter misses a live connection.
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection registers the socket, issues its login token and
// runs the receive loop until the peer goes away. The caller must have
// added it to the WaitGroup.
func (s *Server) handleConnection(netConn net.Conn) {
	defer s.wg.Done()

	if tcpConn, ok := netConn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	conn := s.registry.Accept(netConn)
	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New connection from %s (%s)", conn.RemoteAddr, conn.Identifier)

	// The token travels to the client immediately; the client echoes it
	// back inside its LOGIN payload.
	if err := conn.WriteText(protocol.MakeMessage(protocol.CodeIdentificationRequired, conn.Token)); err != nil {
		debugLog.Printf("Failed to greet %s: %v", conn.Identifier, err)
		s.registry.Remove(conn.Identifier)
		conn.Close()
		return
	}

	s.receiveLoop(conn)
}

// receiveLoop reads framed messages off one socket and routes them.
// Stop joins these loops before releasing the database, so a routed
// command never runs against closed repositories. CloseAll unblocks
// the pending read.
func (s *Server) receiveLoop(conn *Connection) {
	defer func() {
		s.registry.Remove(conn.Identifier)
		conn.Close()
		s.disconnectionsSinceReport.Add(1)
	}()

	for {
		text, err := conn.ReadText()
		if err != nil {
			if errors.Is(err, io.EOF) {
				debugLog.Printf("Connection %s disconnected", conn.Identifier)
			} else {
				debugLog.Printf("Connection %s read error: %v", conn.Identifier, err)
			}
			return
		}

		msg := s.parseInbound(conn, text)
		if err := s.router.Route(conn, msg); err != nil {
			if errors.Is(err, ErrStopRoute) {
				debugLog.Printf("Connection %s stopped routing", conn.Identifier)
				return
			}
			debugLog.Printf("Connection %s route error: %v", conn.Identifier, err)
			return
		}
	}
}

// parseInbound decodes one wire message. Pre-login traffic and anything
// that is not valid JSON is wrapped as-is; the router's fallback rules
// decide what happens to it.
func (s *Server) parseInbound(conn *Connection, text string) *protocol.ServerMessage {
	if conn.IsLogged() {
		if msg, err := protocol.ParseMessage(text); err == nil {
			return &protocol.ServerMessage{
				Owner:  conn.OwnerDestination(),
				Sender: msg.Sender,
				To:     msg.To,
				Body:   msg.Body,
			}
		}
	}
	return &protocol.ServerMessage{
		Owner:  conn.OwnerDestination(),
		Sender: conn.OwnerDestination(),
		To:     protocol.Destination{Role: protocol.RoleAll},
		Body:   text,
	}
}

// RecordItem persists a dispatched broadcast item as message history.
// Server-originated replies are transient and skipped.
func (s *Server) RecordItem(item Item) {
	if item.Sender.Role == protocol.RoleServer {
		return
	}
	err := s.db.RecordMessage(
		s.session.ID,
		item.Owner.Name,
		item.Sender.Name,
		string(item.Sender.Role),
		item.To.Name,
		string(item.To.Role),
		item.Body,
	)
	if err != nil {
		errorLog.Printf("Failed to record message history: %v", err)
	}
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			unauth, auth := s.registry.Counts()
			s.metrics.RecordConnections(unauth, auth)

			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)
			log.Printf("[METRICS] Connections: %d unauthenticated, %d authenticated, connected since last: %d, disconnected since last: %d, goroutines: %d",
				unauth, auth, connected, disconnected, runtime.NumGoroutine())
		}
	}
}

// DumpState renders the registry as JSON for diagnostics.
func (s *Server) DumpState() string {
	unauth, auth := s.registry.Counts()
	state := map[string]any{
		"session_id":      s.session.SessionID,
		"unauthenticated": unauth,
		"authenticated":   auth,
		"uptime":          time.Since(s.startTime).String(),
	}
	out, err := json.Marshal(state)
	if err != nil {
		return "{}"
	}
	return string(out)
}
