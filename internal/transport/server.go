// Package transport принимает WebSocket-соединения воркеров и панелей.
//
// Каждое соединение обслуживает одна горутина чтения: сообщения
// передаются Dispatcher последовательно, в порядке получения. После
// закрытия соединения вызывается Dispatcher.Disconnect.
package transport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaiso/xdispatch/internal/registry"
)

// Default configuration values.
const (
	defaultReadLimit    = 1 << 20
	defaultWriteTimeout = 10 * time.Second
)

// Dispatcher обрабатывает сообщения и закрытие сессий.
type Dispatcher interface {
	Dispatch(ctx context.Context, s registry.Session, data []byte)
	Disconnect(ctx context.Context, s registry.Session)
}

// Config — конфигурация Server.
type Config struct {
	Dispatcher Dispatcher
	Registry   *registry.Registry

	// ReadLimit — максимальный размер входящего сообщения (default: 1 MiB).
	ReadLimit int64

	// WriteTimeout — таймаут записи одного сообщения (default: 10s).
	WriteTimeout time.Duration

	// BaseContext — контекст обработки сообщений (default: Background).
	BaseContext context.Context

	Logger *slog.Logger
}

// Server — http.Handler, который поднимает WebSocket-сессии.
type Server struct {
	upgrader     websocket.Upgrader
	dispatcher   Dispatcher
	registry     *registry.Registry
	readLimit    int64
	writeTimeout time.Duration
	baseCtx      context.Context
	logger       *slog.Logger
}

// NewServer создаёт Server.
func NewServer(cfg Config) *Server {
	readLimit := cfg.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	baseCtx := cfg.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Клиенты — воркеры и панели, не браузерные страницы.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dispatcher:   cfg.Dispatcher,
		registry:     cfg.Registry,
		readLimit:    readLimit,
		writeTimeout: writeTimeout,
		baseCtx:      baseCtx,
		logger:       logger,
	}
}

// ServeHTTP поднимает соединение и обслуживает его до закрытия.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже ответил клиенту ошибкой.
		s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	sess := newSession(conn, s.writeTimeout)
	s.registry.Track(sess)
	s.logger.Debug("session opened", "session_id", sess.ID(), "remote_addr", r.RemoteAddr)

	s.readLoop(sess)
}

// readLoop читает сообщения до ошибки чтения или Terminate.
func (s *Server) readLoop(sess *Session) {
	defer func() {
		_ = sess.Terminate()
		s.dispatcher.Disconnect(s.baseCtx, sess)
		s.logger.Debug("session closed", "session_id", sess.ID())
	}()

	sess.conn.SetReadLimit(s.readLimit)
	for {
		typ, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !sess.closed.Load() {
				s.logger.Info("session read failed", "session_id", sess.ID(), "error", err)
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		s.dispatcher.Dispatch(s.baseCtx, sess, data)
	}
}
