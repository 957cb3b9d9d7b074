package callclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/vitacall/call-relay/internal/protocol"
)

var errNotConnected = errors.New("callclient: signaling not connected")

// WSSignaler speaks the relay's WebSocket protocol over gorilla/websocket.
// Connect is lazy and idempotent while the connection is up; inbound messages
// come out of Messages in wire order until the connection dies, at which point
// the channel closes. The next Connect dials again and Messages hands out a
// fresh channel, so a dropped transport is recovered on the next call attempt.
type WSSignaler struct {
	url string
	log *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	msgs chan protocol.Message

	writeMu sync.Mutex
}

func NewWSSignaler(url string, logger *slog.Logger) *WSSignaler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSSignaler{
		url:  url,
		log:  logger,
		msgs: make(chan protocol.Message, 16),
	}
}

func (s *WSSignaler) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	s.conn = conn
	// Each connection gets its own channel; the old one is already closed by
	// the previous read loop.
	msgs := make(chan protocol.Message, 16)
	s.msgs = msgs
	go s.readLoop(conn, msgs)
	return nil
}

func (s *WSSignaler) readLoop(conn *websocket.Conn, msgs chan protocol.Message) {
	defer func() {
		close(msgs)
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.log.Debug("signaling read closed", "err", err)
			return
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			s.log.Warn("dropping malformed relay message", "err", err)
			continue
		}
		msgs <- msg
	}
}

func (s *WSSignaler) Send(msg protocol.Message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	// gorilla permits one concurrent writer only.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *WSSignaler) Messages() <-chan protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs
}

func (s *WSSignaler) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
