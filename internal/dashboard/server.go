// Package dashboard serves sync telemetry over HTTP and WebSocket.
//
// A Server is a telemetry.Sink: register it on the Telemetry hub and every
// sync result, batch result and log entry is broadcast to connected
// WebSocket clients as it happens. The HTTP API answers point-in-time
// queries against the same hub (recent logs, performance summary, log
// export, sync type status).
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/steveyegge/fieldsync/internal/orchestrator"
	"github.com/steveyegge/fieldsync/internal/telemetry"
	"github.com/steveyegge/fieldsync/internal/types"
)

// MessageType tags each frame sent to clients.
type MessageType string

const (
	// MessageTypeSummary carries a PerformanceSummary; sent on connect
	MessageTypeSummary MessageType = "summary"

	// MessageTypeSyncResult indicates a sync pass finished
	MessageTypeSyncResult MessageType = "sync_result"

	// MessageTypeBatchResult indicates a batch was committed
	MessageTypeBatchResult MessageType = "batch_result"

	// MessageTypeLog carries a structured log entry
	MessageTypeLog MessageType = "log"
)

// Message is one WebSocket frame.
type Message struct {
	Type MessageType     `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StatusFunc reports the state of each sync type.
type StatusFunc func() []orchestrator.Status

// Config configures a Server.
type Config struct {
	// Port to listen on (default: 8080; 0 picks a free port)
	Port int

	// Telemetry answers the HTTP queries (required)
	Telemetry *telemetry.Telemetry

	// Status reports sync type states for /status (optional)
	Status StatusFunc

	// MinLevel filters log entries broadcast to clients (default: info)
	MinLevel telemetry.Level

	// Logger (default: stderr with a [dashboard] prefix)
	Logger *log.Logger
}

// DefaultConfig returns the defaults NewServer applies to a nil config.
func DefaultConfig() *Config {
	return &Config{
		Port:     8080,
		MinLevel: telemetry.LevelInfo,
		Logger:   log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// Server publishes telemetry to WebSocket clients and serves the query API.
type Server struct {
	addr      string
	telemetry *telemetry.Telemetry
	status    StatusFunc
	minLevel  telemetry.Level
	logger    *log.Logger

	hub *hub

	listener net.Listener
	http     *http.Server
	done     chan struct{}
	stopOnce sync.Once
	served   sync.WaitGroup
}

// NewServer validates config and builds a Server. Nothing listens until
// Start.
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Telemetry == nil {
		return nil, fmt.Errorf("telemetry cannot be nil")
	}
	logger := config.Logger
	if logger == nil {
		logger = DefaultConfig().Logger
	}
	minLevel := config.MinLevel
	if minLevel == "" {
		minLevel = telemetry.LevelInfo
	}

	return &Server{
		addr:      net.JoinHostPort("", strconv.Itoa(config.Port)),
		telemetry: config.Telemetry,
		status:    config.Status,
		minLevel:  minLevel,
		logger:    logger,
		hub:       newHub(logger),
		done:      make(chan struct{}),
	}, nil
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.served.Add(1)
	go func() {
		defer s.served.Done()
		s.logger.Printf("Serving on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Serve failed: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the HTTP server down. It is safe
// to call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		s.hub.closeAll(websocket.StatusGoingAway, "dashboard stopping")

		if s.http != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if serr := s.http.Shutdown(ctx); serr != nil {
				err = fmt.Errorf("failed to shut down dashboard: %w", serr)
			}
		}
		s.served.Wait()
		s.logger.Println("Stopped")
	})
	return err
}

// Broadcast queues msg for every connected client without blocking. A
// client whose queue is full is disconnected.
func (s *Server) Broadcast(msg Message) {
	select {
	case <-s.done:
		return
	default:
	}
	if msg.At.IsZero() {
		msg.At = time.Now()
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to encode %s frame: %v", msg.Type, err)
		return
	}
	s.hub.publish(frame)
}

func (s *Server) publish(typ MessageType, at time.Time, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Printf("Failed to encode %s: %v", typ, err)
		return
	}
	s.Broadcast(Message{Type: typ, At: at, Data: data})
}

// SyncResult implements telemetry.Sink.
func (s *Server) SyncResult(r types.SyncResult) {
	s.publish(MessageTypeSyncResult, r.EndTime, r)
}

// BatchResult implements telemetry.Sink.
func (s *Server) BatchResult(b types.BatchSyncResult) {
	s.publish(MessageTypeBatchResult, b.EndTime, b)
}

// LogEntry implements telemetry.Sink. Entries below MinLevel are not sent.
func (s *Server) LogEntry(e telemetry.Entry) {
	if e.Level.AtLeast(s.minLevel) {
		s.publish(MessageTypeLog, e.Timestamp, e)
	}
}

// handleWebSocket greets the client with the current summary, then streams
// frames until either side goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.logger.Printf("Rejected WebSocket from %s: %v", r.RemoteAddr, err)
		return
	}

	summary, err := json.Marshal(s.telemetry.PerformanceSummary())
	if err == nil {
		var greeting []byte
		greeting, err = json.Marshal(Message{Type: MessageTypeSummary, At: time.Now(), Data: summary})
		if err == nil {
			wctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
			err = conn.Write(wctx, websocket.MessageText, greeting)
			cancel()
		}
	}
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "greeting failed")
		return
	}

	c := s.hub.add(conn)
	s.logger.Printf("%s connected (%d watching)", r.RemoteAddr, s.hub.count())

	// The connection outlives the request; tie it to the server instead.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-s.done:
		case <-c.gone:
		}
		cancel()
	}()
	go c.writeLoop(ctx, s.hub)

	// Clients only send close frames; reading processes them.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}
	if s.hub.remove(c, websocket.StatusNormalClosure, "") {
		s.logger.Printf("%s disconnected (%d watching)", r.RemoteAddr, s.hub.count())
	}
}

// Addr is the listening address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount is the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	return s.hub.count()
}

var _ telemetry.Sink = (*Server)(nil)
