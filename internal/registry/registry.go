// Package registry хранит живые сессии по акторам и ролям и рассылает
// им сообщения.
//
// Registry — чисто in-memory структура, создаётся в main и передаётся
// в router и heartbeat явно. Все методы безопасны для конкурентного
// вызова, рассылка идёт по снимку набора сессий.
package registry

import (
	"log/slog"
	"sync"

	"github.com/shaiso/xdispatch/internal/domain"
	"github.com/shaiso/xdispatch/internal/telemetry"
)

// Identity — кем сессия представилась при auth.
type Identity struct {
	ActorID  int64
	Role     domain.Role
	WorkerID string
}

// Authenticated возвращает true, если auth прошёл.
func (id Identity) Authenticated() bool {
	return id.ActorID != 0
}

// Session — одно дуплексное соединение.
//
// Send и Ping безопасны для вызова из любой горутины.
type Session interface {
	ID() string
	Identity() Identity
	SetIdentity(Identity)
	Send(msg any) error
	Ping() error

	// TakeAlive возвращает флаг "ответил на прошлый ping" и сбрасывает его.
	TakeAlive() bool

	// Terminate закрывает соединение без handshake.
	Terminate() error
}

// Stats — снимок количества сессий.
type Stats struct {
	Tracked   int `json:"tracked"`
	Workers   int `json:"workers"`
	Observers int `json:"observers"`
	Actors    int `json:"actors"`
}

type sessionSet map[Session]struct{}

// Registry — actor → роль → набор сессий.
type Registry struct {
	mu        sync.RWMutex
	workers   map[int64]sessionSet
	observers map[int64]sessionSet
	tracked   sessionSet
	logger    *slog.Logger
}

// New создаёт пустой Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		workers:   make(map[int64]sessionSet),
		observers: make(map[int64]sessionSet),
		tracked:   make(sessionSet),
		logger:    logger,
	}
}

func (r *Registry) byRole(role domain.Role) map[int64]sessionSet {
	if role == domain.RoleObserver {
		return r.observers
	}
	return r.workers
}

// Track добавляет сессию под наблюдение heartbeat (ещё до auth).
func (r *Registry) Track(s Session) {
	r.mu.Lock()
	r.tracked[s] = struct{}{}
	r.mu.Unlock()
}

// Untrack убирает сессию из-под наблюдения heartbeat.
func (r *Registry) Untrack(s Session) {
	r.mu.Lock()
	delete(r.tracked, s)
	r.mu.Unlock()
}

// Tracked возвращает снимок всех наблюдаемых сессий.
func (r *Registry) Tracked() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0, len(r.tracked))
	for s := range r.tracked {
		out = append(out, s)
	}
	return out
}

// Register добавляет сессию к актору в указанной роли.
func (r *Registry) Register(actorID int64, role domain.Role, s Session) {
	r.mu.Lock()
	m := r.byRole(role)
	set, ok := m[actorID]
	if !ok {
		set = make(sessionSet)
		m[actorID] = set
	}
	set[s] = struct{}{}
	r.mu.Unlock()

	telemetry.SessionsGauge.WithLabelValues(string(role)).Inc()
}

// Unregister удаляет сессию. Возвращает true, если это была последняя
// сессия актора в этой роли. Повторный вызов возвращает false.
func (r *Registry) Unregister(actorID int64, role domain.Role, s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.byRole(role)
	set, ok := m[actorID]
	if !ok {
		return false
	}
	if _, ok := set[s]; !ok {
		return false
	}
	delete(set, s)
	telemetry.SessionsGauge.WithLabelValues(string(role)).Dec()

	if len(set) == 0 {
		delete(m, actorID)
		return true
	}
	return false
}

// SessionsFor возвращает снимок сессий актора в роли.
func (r *Registry) SessionsFor(actorID int64, role domain.Role) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byRole(role)[actorID]
	out := make([]Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// WorkerIDs возвращает worker-instance ids всех воркеров, подключённых
// к этому процессу.
func (r *Registry) WorkerIDs() []string {
	r.mu.RLock()
	sessions := make([]Session, 0, len(r.workers))
	for _, set := range r.workers {
		for s := range set {
			sessions = append(sessions, s)
		}
	}
	r.mu.RUnlock()

	out := make([]string, 0, len(sessions))
	for _, s := range sessions {
		if id := s.Identity().WorkerID; id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Broadcast отправляет msg всем сессиям актора в роли. Ошибки отправки
// логируются и не прерывают рассылку. Возвращает число доставленных.
func (r *Registry) Broadcast(actorID int64, role domain.Role, msg any) int {
	delivered := 0
	for _, s := range r.SessionsFor(actorID, role) {
		if err := s.Send(msg); err != nil {
			r.logger.Warn("broadcast send failed",
				"actor_id", actorID,
				"role", role,
				"session_id", s.ID(),
				"error", err,
			)
			continue
		}
		delivered++
	}
	return delivered
}

// Stats возвращает снимок счётчиков.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{Tracked: len(r.tracked)}
	actors := make(map[int64]struct{})
	for id, set := range r.workers {
		st.Workers += len(set)
		actors[id] = struct{}{}
	}
	for id, set := range r.observers {
		st.Observers += len(set)
		actors[id] = struct{}{}
	}
	st.Actors = len(actors)
	return st
}
