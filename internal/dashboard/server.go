// Package dashboard serves a live view of the sync state over WebSocket.
//
// Every connected browser receives task changes, refresh and flush results,
// connectivity changes and queue counts as JSON messages, so the state of a
// device can be watched while it is in the field.
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
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType tags a Message.
type MessageType string

const (
	MessageTypeTaskUpdate      MessageType = "task_update"
	MessageTypeRefreshComplete MessageType = "refresh_complete"
	MessageTypeFlushComplete   MessageType = "flush_complete"
	MessageTypeConnectivity    MessageType = "connectivity"
	MessageTypeSessionExpired  MessageType = "session_expired"
	// MessageTypeStats carries engine.Stats. The newest one greets each new
	// client.
	MessageTypeStats MessageType = "stats"
)

// Message is one frame sent to clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Config configures a Server. Port 0 picks a free port.
type Config struct {
	Host   string
	Port   int
	Logger *log.Logger
}

const (
	defaultPort = 8080
	// clientBacklog is how many frames a client may fall behind before it
	// is dropped.
	clientBacklog = 32
	writeTimeout  = 5 * time.Second
)

// DefaultConfig binds to loopback on port 8080.
func DefaultConfig() *Config {
	return &Config{
		Host:   "127.0.0.1",
		Port:   defaultPort,
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// client is one WebSocket peer with its own outgoing queue.
type client struct {
	conn *websocket.Conn
	out  chan []byte
}

// Server fans dashboard messages out to WebSocket clients.
type Server struct {
	addr   string
	logger *log.Logger

	ln   net.Listener
	http *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
	stats   []byte

	ctx    context.Context
	stop   context.CancelFunc
	closed sync.Once
	wg     sync.WaitGroup
}

// NewServer returns a stopped server; nil cfg means DefaultConfig.
func NewServer(cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Server{
		addr:    net.JoinHostPort(host, fmt.Sprint(cfg.Port)),
		logger:  logger,
		clients: make(map[*client]struct{}),
		ctx:     ctx,
		stop:    stop,
	}
}

// Start binds the address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveSocket)
	mux.HandleFunc("GET /health", s.serveHealth)
	mux.HandleFunc("GET /{$}", s.serveIndex)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Dashboard stopped serving: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the listener down. It is safe to
// call more than once and before Start.
func (s *Server) Stop() error {
	var err error
	s.closed.Do(func() {
		s.stop()

		s.mu.Lock()
		open := make([]*client, 0, len(s.clients))
		for c := range s.clients {
			open = append(open, c)
			delete(s.clients, c)
		}
		s.mu.Unlock()

		// Close waits for each peer's reply; do them together.
		var closing sync.WaitGroup
		for _, c := range open {
			closing.Add(1)
			go func() {
				defer closing.Done()
				_ = c.conn.Close(websocket.StatusGoingAway, "dashboard stopping")
			}()
		}
		closing.Wait()

		if s.http != nil {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			defer cancel()
			if shutdownErr := s.http.Shutdown(ctx); shutdownErr != nil {
				err = fmt.Errorf("failed to shut down dashboard: %w", shutdownErr)
			}
		}
		s.wg.Wait()
	})
	return err
}

// Broadcast encodes msg once and queues it for every client without
// blocking. A client whose queue is full is disconnected; the view it shows
// would be stale anyway.
func (s *Server) Broadcast(msg Message) {
	if s.ctx.Err() != nil {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Dropping %s message: %v", msg.Type, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Type == MessageTypeStats {
		s.stats = frame
	}
	for c := range s.clients {
		select {
		case c.out <- frame:
		default:
			s.logger.Printf("Client too slow, disconnecting")
			delete(s.clients, c)
			_ = c.conn.CloseNow()
		}
	}
}

// serveSocket holds one client until it or the server goes away. Frames
// from the browser are discarded.
func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, out: make(chan []byte, clientBacklog)}
	n := s.register(c)
	s.logger.Printf("Client connected (%d open)", n)
	defer func() {
		s.logger.Printf("Client disconnected (%d open)", s.unregister(c))
	}()

	ctx := conn.CloseRead(s.ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// register adds c and queues its greeting under the same lock Broadcast
// takes, so the greeting precedes every later message.
func (s *Server) register(c *client) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	greeting := s.stats
	if greeting == nil {
		greeting, _ = json.Marshal(Message{Type: MessageTypeStats, Timestamp: time.Now()})
	}
	c.out <- greeting
	s.clients[c] = struct{}{}
	return len(s.clients)
}

func (s *Server) unregister(c *client) int {
	s.mu.Lock()
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()

	_ = c.conn.CloseNow()
	return n
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}{"ok", s.ClientCount()})
}

const indexPage = `<!DOCTYPE html>
<html>
<head><title>fieldsync</title></head>
<body>
<h1>fieldsync</h1>
<p>Live feed from <code>ws://%[1]s/ws</code>, status at <a href="/health">/health</a>.</p>
<pre id="feed"></pre>
<script>
  const feed = document.getElementById("feed");
  const ws = new WebSocket("ws://" + location.host + "/ws");
  ws.onmessage = (e) => { feed.textContent = e.data + "\n" + feed.textContent; };
</script>
</body>
</html>`

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, indexPage, r.Host)
}

// Addr is the bound address once started, the configured one before.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// ClientCount reports how many clients are connected.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
