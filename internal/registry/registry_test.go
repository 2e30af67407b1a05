package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shaiso/xdispatch/internal/domain"
)

type fakeSession struct {
	id string

	mu       sync.Mutex
	identity Identity
	sent     []any
	sendErr  error

	alive      atomic.Bool
	pings      atomic.Int32
	terminated atomic.Bool
}

func newFakeSession(id string) *fakeSession {
	s := &fakeSession{id: id}
	s.alive.Store(true)
	return s
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *fakeSession) SetIdentity(id Identity) {
	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()
}

func (s *fakeSession) Send(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSession) Ping() error {
	s.pings.Add(1)
	return nil
}

func (s *fakeSession) TakeAlive() bool { return s.alive.Swap(false) }

func (s *fakeSession) Terminate() error {
	s.terminated.Store(true)
	return nil
}

func (s *fakeSession) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// --- Registry Tests ---

func TestRegistry_RegisterAndUnregister(t *testing.T) {
	r := New(nil)
	a := newFakeSession("a")
	b := newFakeSession("b")

	r.Register(1, domain.RoleWorker, a)
	r.Register(1, domain.RoleWorker, b)

	if got := len(r.SessionsFor(1, domain.RoleWorker)); got != 2 {
		t.Fatalf("expected 2 sessions, got %d", got)
	}
	if r.Unregister(1, domain.RoleWorker, a) {
		t.Error("first unregister should not report last session")
	}
	if !r.Unregister(1, domain.RoleWorker, b) {
		t.Error("second unregister should report last session")
	}
	if r.Unregister(1, domain.RoleWorker, b) {
		t.Error("repeated unregister should be a no-op")
	}
	if got := len(r.SessionsFor(1, domain.RoleWorker)); got != 0 {
		t.Errorf("expected no sessions, got %d", got)
	}
}

func TestRegistry_RolesAreSeparate(t *testing.T) {
	r := New(nil)
	w := newFakeSession("w")
	o := newFakeSession("o")

	r.Register(7, domain.RoleWorker, w)
	r.Register(7, domain.RoleObserver, o)

	if n := r.Broadcast(7, domain.RoleObserver, "hello"); n != 1 {
		t.Errorf("expected 1 delivery, got %d", n)
	}
	if w.sentCount() != 0 {
		t.Error("worker must not receive observer broadcast")
	}
	if o.sentCount() != 1 {
		t.Error("observer should receive broadcast")
	}

	// Последний observer уходит, а worker остаётся.
	if !r.Unregister(7, domain.RoleObserver, o) {
		t.Error("observer was the last one in its role")
	}
	if len(r.SessionsFor(7, domain.RoleWorker)) != 1 {
		t.Error("worker session should survive")
	}
}

func TestRegistry_BroadcastSkipsFailedSends(t *testing.T) {
	r := New(nil)
	ok := newFakeSession("ok")
	bad := newFakeSession("bad")
	bad.sendErr = errors.New("closed")

	r.Register(3, domain.RoleWorker, ok)
	r.Register(3, domain.RoleWorker, bad)

	if n := r.Broadcast(3, domain.RoleWorker, "msg"); n != 1 {
		t.Errorf("expected 1 delivery, got %d", n)
	}
	if ok.sentCount() != 1 {
		t.Error("healthy session should receive message")
	}
}

func TestRegistry_BroadcastUnknownActor(t *testing.T) {
	r := New(nil)
	if n := r.Broadcast(42, domain.RoleWorker, "msg"); n != 0 {
		t.Errorf("expected 0 deliveries, got %d", n)
	}
}

func TestRegistry_WorkerIDs(t *testing.T) {
	r := New(nil)
	a := newFakeSession("a")
	a.SetIdentity(Identity{ActorID: 1, Role: domain.RoleWorker, WorkerID: "w-1"})
	b := newFakeSession("b")
	b.SetIdentity(Identity{ActorID: 2, Role: domain.RoleWorker, WorkerID: "w-2"})
	anon := newFakeSession("c")
	panel := newFakeSession("d")
	panel.SetIdentity(Identity{ActorID: 1, Role: domain.RoleObserver})

	r.Register(1, domain.RoleWorker, a)
	r.Register(2, domain.RoleWorker, b)
	r.Register(1, domain.RoleWorker, anon)
	r.Register(1, domain.RoleObserver, panel)

	ids := r.WorkerIDs()
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "w-1" || ids[1] != "w-2" {
		t.Errorf("unexpected worker ids: %v", ids)
	}
}

func TestRegistry_Stats(t *testing.T) {
	r := New(nil)
	s1 := newFakeSession("1")
	s2 := newFakeSession("2")
	s3 := newFakeSession("3")

	r.Track(s1)
	r.Track(s2)
	r.Track(s3)
	r.Register(1, domain.RoleWorker, s1)
	r.Register(1, domain.RoleObserver, s2)
	r.Register(2, domain.RoleWorker, s3)

	st := r.Stats()
	if st.Tracked != 3 || st.Workers != 2 || st.Observers != 1 || st.Actors != 2 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New(nil)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := newFakeSession(string(rune('a' + i%26)))
			actor := int64(i % 5)
			r.Track(s)
			r.Register(actor, domain.RoleWorker, s)
			r.Broadcast(actor, domain.RoleWorker, i)
			r.Unregister(actor, domain.RoleWorker, s)
			r.Untrack(s)
		}(i)
	}
	wg.Wait()

	st := r.Stats()
	if st.Tracked != 0 || st.Workers != 0 || st.Actors != 0 {
		t.Errorf("registry should be empty, got %+v", st)
	}
}

// --- Heartbeat Tests ---

func TestHeartbeat_SweepPingsAliveSessions(t *testing.T) {
	r := New(nil)
	s := newFakeSession("s")
	r.Track(s)

	h := NewHeartbeat(r, 0, nil)
	pinged, evicted := h.Sweep()

	if pinged != 1 || evicted != 0 {
		t.Errorf("expected 1 ping and 0 evictions, got %d/%d", pinged, evicted)
	}
	if s.pings.Load() != 1 {
		t.Error("session should be pinged")
	}
	if s.terminated.Load() {
		t.Error("alive session must not be terminated")
	}
}

func TestHeartbeat_SweepEvictsSilentSessions(t *testing.T) {
	r := New(nil)
	s := newFakeSession("s")
	r.Track(s)
	h := NewHeartbeat(r, 0, nil)

	// Первый цикл сбрасывает флаг и отправляет ping.
	h.Sweep()
	// Ответа не было: второй цикл закрывает сессию.
	pinged, evicted := h.Sweep()

	if pinged != 0 || evicted != 1 {
		t.Errorf("expected eviction, got pinged=%d evicted=%d", pinged, evicted)
	}
	if !s.terminated.Load() {
		t.Error("silent session should be terminated")
	}
	if r.Stats().Tracked != 0 {
		t.Error("evicted session should be untracked")
	}
}

func TestHeartbeat_PongKeepsSessionAlive(t *testing.T) {
	r := New(nil)
	s := newFakeSession("s")
	r.Track(s)
	h := NewHeartbeat(r, 0, nil)

	for i := 0; i < 3; i++ {
		h.Sweep()
		s.alive.Store(true) // pong
	}
	if s.terminated.Load() {
		t.Error("session answering pings must stay open")
	}
}

type fakeLiveness struct {
	mu      sync.Mutex
	touched [][]string
	err     error
}

func (l *fakeLiveness) TouchWorkers(_ context.Context, ids []string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.touched = append(l.touched, ids)
	return int64(len(ids)), l.err
}

func TestHeartbeat_TouchMarksConnectedWorkers(t *testing.T) {
	r := New(nil)
	w := newFakeSession("w")
	w.SetIdentity(Identity{ActorID: 1, Role: domain.RoleWorker, WorkerID: "w-1"})
	r.Track(w)
	r.Register(1, domain.RoleWorker, w)

	live := &fakeLiveness{}
	h := NewHeartbeat(r, 0, nil).WithLiveness(live)
	h.Touch(context.Background())

	if len(live.touched) != 1 || len(live.touched[0]) != 1 || live.touched[0][0] != "w-1" {
		t.Errorf("expected w-1 to be touched, got %v", live.touched)
	}
}

func TestHeartbeat_TouchSkipsWithoutWorkers(t *testing.T) {
	live := &fakeLiveness{err: errors.New("db down")}
	h := NewHeartbeat(New(nil), 0, nil).WithLiveness(live)
	h.Touch(context.Background())

	if len(live.touched) != 0 {
		t.Errorf("no workers connected, expected no touch, got %v", live.touched)
	}
}
