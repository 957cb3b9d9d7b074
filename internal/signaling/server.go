// Package signaling exposes the relay's WebSocket endpoint. It owns the
// per-connection read/write pumps, the register-first handshake, and the
// transport-level limits (origin allowlist, message size, message rate,
// keepalive); all call semantics live in the router.
package signaling

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vitacall/call-relay/internal/metrics"
	"github.com/vitacall/call-relay/internal/origin"
	"github.com/vitacall/call-relay/internal/protocol"
	"github.com/vitacall/call-relay/internal/ratelimit"
)

const (
	wsWriteWait = 5 * time.Second

	// sendQueueLen bounds the per-connection outbound queue. A peer that
	// stops reading loses messages instead of stalling the router.
	sendQueueLen = 64
)

// ErrUnknownConnection is returned by Send for connections that have already
// been removed.
var ErrUnknownConnection = errors.New("signaling: unknown connection")

// ErrSendQueueFull is returned by Send when the connection's outbound queue
// is saturated.
var ErrSendQueueFull = errors.New("signaling: send queue full")

// Handler consumes inbound signaling traffic. Implemented by router.Router.
type Handler interface {
	HandleMessage(connID string, msg protocol.Message)
	HandleDisconnect(connID string)
}

type Config struct {
	AllowedOrigins []string

	// RegisterTimeout bounds how long a fresh connection may stay silent
	// before its first register message.
	RegisterTimeout time.Duration

	// IdleTimeout closes registered connections with no traffic (reads or
	// pongs) for this long. Must exceed PingInterval.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

// Server upgrades HTTP requests to signaling WebSocket connections and
// delivers router output back to them. It is the router's Sender.
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader
	clock    ratelimit.Clock

	mu      sync.Mutex
	handler Handler
	conns   map[string]*clientConn
}

func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:   cfg,
		log:   logger,
		clock: ratelimit.RealClock{},
		conns: make(map[string]*clientConn),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return origin.Allowed(r.Header.Get("Origin"), cfg.AllowedOrigins)
		},
	}
	return s
}

// SetHandler wires the router in. Must be called before serving; the server
// and the router reference each other, so one side attaches late.
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Send queues one message for connID's write pump. Messages to saturated or
// vanished connections are dropped with an error; the router treats both as
// non-fatal.
func (s *Server) Send(connID string, msg protocol.Message) error {
	s.mu.Lock()
	c, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownConnection
	}

	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrUnknownConnection
	default:
		metrics.MessagesDroppedTotal.WithLabelValues(metrics.DropReasonSendBufferFull).Inc()
		return ErrSendQueueFull
	}
}

// ConnectionCount reports the number of live signaling connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		http.Error(w, "signaling unavailable", http.StatusServiceUnavailable)
		return
	}

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error (including origin rejections).
		s.log.Debug("websocket upgrade rejected", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	c := &clientConn{
		id:   uuid.NewString(),
		sock: sock,
		send: make(chan []byte, sendQueueLen),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	metrics.ActiveConnections.Inc()
	s.log.Info("signaling connection opened", "conn_id", c.id, "remote_addr", r.RemoteAddr)

	go s.writePump(c)
	s.readPump(c, handler)

	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	c.close()
	metrics.ActiveConnections.Dec()

	handler.HandleDisconnect(c.id)
	s.log.Info("signaling connection closed", "conn_id", c.id)
}

type clientConn struct {
	id   string
	sock *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.sock.Close()
	})
}

// readPump owns all reads on the socket. It returns when the connection is
// dead; the caller runs the disconnect cascade.
func (s *Server) readPump(c *clientConn, handler Handler) {
	sock := c.sock
	sock.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = sock.SetReadDeadline(time.Now().Add(s.cfg.RegisterTimeout))

	registered := false
	sock.SetPongHandler(func(string) error {
		if registered {
			return sock.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		return nil
	})

	limiter := ratelimit.NewMessageLimiter(s.clock, s.cfg.MaxMessagesPerSecond)

	for {
		msgType, data, err := sock.ReadMessage()
		if err != nil {
			if !registered && isTimeout(err) {
				s.closeWith(c, websocket.ClosePolicyViolation, "registration timeout")
			}
			return
		}
		if msgType != websocket.TextMessage {
			s.closeWith(c, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		if !limiter.Allow() {
			metrics.MessagesDroppedTotal.WithLabelValues(metrics.DropReasonRateLimited).Inc()
			s.closeWith(c, websocket.ClosePolicyViolation, "message rate limit exceeded")
			return
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			s.sendError(c, protocol.ErrCodeBadMessage, err.Error())
			continue
		}

		if !registered {
			if msg.Kind != protocol.KindRegister {
				s.closeWith(c, websocket.ClosePolicyViolation, "first message must be register")
				return
			}
			registered = true
		}
		_ = sock.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		handler.HandleMessage(c.id, msg)
	}
}

// writePump owns all writes on the socket: queued messages, keepalive pings
// and the final close frame.
func (s *Server) writePump(c *clientConn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *Server) sendError(c *clientConn, code, detail string) {
	payload, err := protocol.Encode(protocol.Message{
		Kind:    protocol.KindError,
		Code:    code,
		Message: detail,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	case <-c.done:
	default:
		metrics.MessagesDroppedTotal.WithLabelValues(metrics.DropReasonSendBufferFull).Inc()
	}
}

func (s *Server) closeWith(c *clientConn, code int, reason string) {
	_ = c.sock.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	c.close()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
