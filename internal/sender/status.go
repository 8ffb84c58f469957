package sender

import (
	"sync"
	"time"
)

type State string

const (
	StateChecking State = "checking"
	StateSending  State = "sending"
	StateSleeping State = "sleeping"
	StateStopped  State = "stopped"
)

// Stop reasons carried by eventbus.SenderStopped.
const (
	ReasonStopped          = "stopped"
	ReasonShutdown         = "shutdown"
	ReasonCancelled        = "cancelled"
	ReasonUnknownUser      = "unknown_user"
	ReasonBanned           = "banned"
	ReasonInactive         = "inactive"
	ReasonExpired          = "expired"
	ReasonNotReady         = "not_ready"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonFault            = "fault"
)

// Status is a point-in-time view of one user's loop.
type Status struct {
	UserID    int64
	State     State
	StartedAt time.Time
	Cycles    int
	Delivered int
	Failed    int
	Failures  int // consecutive cycle-level faults
	LastCycle time.Time
	LastError string
	// Until is when the current wait ends, zero when not waiting.
	Until time.Time
}

type task struct {
	userID int64
	cancel func()
	done   chan struct{}

	mu     sync.Mutex
	st     Status
	reason string // set by halt before cancel
}

func newTask(userID int64, cancel func(), now time.Time) *task {
	return &task{
		userID: userID,
		cancel: cancel,
		done:   make(chan struct{}),
		st:     Status{UserID: userID, State: StateChecking, StartedAt: now},
	}
}

func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *task) snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st
}

func (t *task) update(fn func(st *Status)) {
	t.mu.Lock()
	fn(&t.st)
	t.mu.Unlock()
}

func (t *task) setState(s State) {
	t.update(func(st *Status) { st.State = s; st.Until = time.Time{} })
}

func (t *task) setHaltReason(r string) {
	t.mu.Lock()
	if t.reason == "" {
		t.reason = r
	}
	t.mu.Unlock()
}

func (t *task) haltReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}
