package bot

import (
	"context"
	"sync"

	"github.com/alvarorichard/animeworld/internal/util"
)

// lane orders one user's actions. Each action takes a number on arrival
// and runs once every earlier number has left.
type lane struct {
	mu      sync.Mutex
	cond    *sync.Cond
	issued  uint64
	serving uint64

	taskMu sync.Mutex
	task   *util.Task
}

func newLane() *lane {
	l := &lane{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *lane) take() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.issued
	l.issued++
	return n
}

func (l *lane) wait(n uint64) {
	l.mu.Lock()
	for l.serving != n {
		l.cond.Wait()
	}
	l.mu.Unlock()
}

func (l *lane) advance() {
	l.mu.Lock()
	l.serving++
	l.cond.Broadcast()
	l.mu.Unlock()
}

func (l *lane) current() *util.Task {
	l.taskMu.Lock()
	defer l.taskMu.Unlock()
	return l.task
}

func (l *lane) setTask(t *util.Task) {
	l.taskMu.Lock()
	l.task = t
	l.taskMu.Unlock()
}

type turnState int

const (
	turnWaiting turnState = iota
	turnInside
	turnDone
)

// Turn is an action's place in its user's lane. A Turn belongs to the
// goroutine handling one update and must be left exactly once, even when
// the update never reaches the Machine.
type Turn struct {
	lane  *lane
	n     uint64
	state turnState
}

func (l *lane) arrive() *Turn {
	return &Turn{lane: l, n: l.take()}
}

func (t *Turn) enter() {
	if t.state != turnWaiting {
		return
	}
	t.lane.wait(t.n)
	t.state = turnInside
}

// Leave gives the lane to the next action. It waits for the turn first
// when the action never ran.
func (t *Turn) Leave() {
	if t == nil {
		return
	}
	switch t.state {
	case turnWaiting:
		t.lane.wait(t.n)
		fallthrough
	case turnInside:
		t.lane.advance()
		t.state = turnDone
	}
}

// rejoin queues the action again behind everything that arrived meanwhile
func (t *Turn) rejoin() {
	t.n = t.lane.take()
	t.state = turnWaiting
	t.enter()
}

type turnKey struct{}

// WithTurn attaches a Turn from Arrive to ctx
func WithTurn(ctx context.Context, t *Turn) context.Context {
	return context.WithValue(ctx, turnKey{}, t)
}

// Arrive takes userID's next place in line. The transport calls it in
// delivery order and hands the Turn to the Machine through WithTurn.
func (m *Machine) Arrive(userID int64) *Turn {
	return m.lane(userID).arrive()
}

// turnFor returns the caller's place in l, taking a fresh one when ctx does
// not carry an unused Turn for this lane.
func turnFor(ctx context.Context, l *lane) *Turn {
	if t, ok := ctx.Value(turnKey{}).(*Turn); ok && t != nil && t.lane == l && t.state == turnWaiting {
		return t
	}
	return l.arrive()
}
