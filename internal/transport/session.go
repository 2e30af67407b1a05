package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shaiso/xdispatch/internal/registry"
)

// ErrClosed — сессия уже закрыта.
var ErrClosed = errors.New("session closed")

// Session — одно WebSocket-соединение.
//
// gorilla/websocket допускает одного писателя: Send сериализует запись
// мьютексом. Ping идёт через WriteControl, который безопасен конкурентно.
type Session struct {
	id   string
	conn *websocket.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration

	mu       sync.RWMutex
	identity registry.Identity

	alive  atomic.Bool
	closed atomic.Bool
}

func newSession(conn *websocket.Conn, writeTimeout time.Duration) *Session {
	s := &Session{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
	}
	s.alive.Store(true)
	conn.SetPongHandler(func(string) error {
		s.alive.Store(true)
		return nil
	})
	return s
}

// ID возвращает идентификатор соединения.
func (s *Session) ID() string { return s.id }

// Identity возвращает, кем сессия представилась при auth.
func (s *Session) Identity() registry.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// SetIdentity запоминает результат auth.
func (s *Session) SetIdentity(id registry.Identity) {
	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()
}

// Send пишет msg как JSON-сообщение.
func (s *Session) Send(msg any) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Ping отправляет ping. Ответный pong отмечает сессию живой.
func (s *Session) Ping() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

// TakeAlive возвращает флаг "ответил на прошлый ping" и сбрасывает его.
func (s *Session) TakeAlive() bool {
	return s.alive.Swap(false)
}

// Terminate закрывает соединение без close handshake. Повторный вызов — no-op.
func (s *Session) Terminate() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

var _ registry.Session = (*Session)(nil)
