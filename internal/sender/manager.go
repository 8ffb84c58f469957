package sender

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"groupcast/internal/eventbus"
	"groupcast/internal/session"
	"groupcast/internal/storage"
	logx "groupcast/pkg/logx"
)

// ErrNotRunning is returned by Start before Boot or after Shutdown.
var (
	ErrNotRunning = errors.New("sender: manager not running")
	// ErrStopTimeout means a halted loop did not finish within StopTimeout.
	// It is still winding down and holds the user's registry entry.
	ErrStopTimeout = errors.New("sender: loop did not stop in time")
)

// Store is the slice of storage.Store the sender needs.
type Store interface {
	GetUser(ctx context.Context, id int64) (storage.User, error)
	SetActive(ctx context.Context, id int64, active bool) error
	SetLoggedIn(ctx context.Context, id int64, loggedIn bool) error
	SubscriptionValid(ctx context.Context, id int64) (bool, error)
	ExpiredActiveUserIDs(ctx context.Context) ([]int64, error)
	ActiveUserIDs(ctx context.Context) ([]int64, error)
	Profile(ctx context.Context, userID int64) (storage.Profile, error)
	Message(ctx context.Context, userID int64) (storage.Message, error)
	Destinations(ctx context.Context, userID int64) ([]storage.Destination, error)
	DeleteProfile(ctx context.Context, userID int64) error
	DeleteMessage(ctx context.Context, userID int64) error
}

// Clients is the per-user connection cache (session.Pool).
type Clients interface {
	Acquire(ctx context.Context, userID int64, credential string) (session.Client, error)
	Release(userID int64)
	Close()
}

// Manager is the task registry. It owns at most one loop per user.
type Manager struct {
	store   Store
	clients Clients
	log     logx.Logger
	bus     eventbus.Bus

	cfg atomic.Pointer[Config]

	runMu     sync.Mutex
	runCtx    context.Context
	runCancel context.CancelFunc

	locks keyedMutex

	mu    sync.Mutex
	tasks map[int64]*task
	wg    sync.WaitGroup

	reaperMu      sync.Mutex
	reaper        *cron.Cron
	reaperStarted bool

	// Replaced in tests.
	sleepFn func(ctx context.Context, reason waitReason, d time.Duration) error
	randFn  func(n int64) int64
	now     func() time.Time
}

func New(cfg Config, store Store, clients Clients, log logx.Logger, bus eventbus.Bus) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	m := &Manager{
		store:   store,
		clients: clients,
		log:     log,
		bus:     bus,
		tasks:   map[int64]*task{},
		randFn:  rand.Int64N,
		now:     time.Now,
	}
	m.sleepFn = sleepCtx
	m.Apply(cfg)
	return m
}

// Apply swaps the timing config. Running loops pick it up on their next cycle.
func (m *Manager) Apply(cfg Config) {
	c := cfg.withDefaults()
	m.cfg.Store(&c)
}

func (m *Manager) config() Config { return *m.cfg.Load() }

// Boot binds loops to ctx and restores every user persisted as active. The
// reaper is started once restore has gone through all users.
func (m *Manager) Boot(ctx context.Context) error {
	m.runMu.Lock()
	if m.runCtx == nil || m.runCtx.Err() != nil {
		m.runCtx, m.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	m.runMu.Unlock()
	return m.Restore(ctx)
}

func (m *Manager) runContext() context.Context {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.runCtx
}

// Start launches the user's loop. It is a no-op when one is already running.
// Readiness is not checked here; the loop's first cycle does that.
func (m *Manager) Start(ctx context.Context, userID int64) error {
	runCtx := m.runContext()
	if runCtx == nil || runCtx.Err() != nil {
		return ErrNotRunning
	}

	unlock := m.locks.Lock(userID)
	defer unlock()

	if t := m.task(userID); t != nil && !t.finished() {
		if t.haltReason() == "" {
			return nil
		}
		// A halted loop still winding down would swallow this start.
		if err := m.awaitDone(ctx, t); err != nil {
			return err
		}
	}
	if err := m.store.SetActive(ctx, userID, true); err != nil {
		return fmt.Errorf("sender: mark active: %w", err)
	}

	tctx, cancel := context.WithCancel(runCtx)
	t := newTask(userID, cancel, m.now())
	m.mu.Lock()
	m.tasks[userID] = t
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(tctx, t)

	m.log.Info("sender started", logx.User(userID))
	m.bus.Publish(eventbus.Event{Type: eventbus.SenderStarted, UserID: userID})
	return nil
}

// Stop clears the persisted active flag, cancels the loop and waits for its
// cleanup, then drops the user's client. Calling it with nothing running only
// clears the flag.
func (m *Manager) Stop(ctx context.Context, userID int64) error {
	unlock := m.locks.Lock(userID)
	defer unlock()

	err := m.store.SetActive(ctx, userID, false)
	if err != nil {
		err = fmt.Errorf("sender: mark inactive: %w", err)
	}
	return errors.Join(err, m.halt(ctx, userID, ReasonStopped))
}

// halt cancels the user's task and waits up to StopTimeout. Caller holds the
// user's lock.
func (m *Manager) halt(ctx context.Context, userID int64, reason string) error {
	var err error
	if t := m.task(userID); t != nil {
		t.setHaltReason(reason)
		t.cancel()
		if err = m.awaitDone(ctx, t); errors.Is(err, ErrStopTimeout) {
			m.log.Warn("sender did not stop in time", logx.User(userID))
		}
	}
	m.clients.Release(userID)
	return err
}

// awaitDone waits for t's loop to exit, bounded by StopTimeout and ctx.
func (m *Manager) awaitDone(ctx context.Context, t *task) error {
	wait := time.NewTimer(m.config().StopTimeout)
	defer wait.Stop()
	select {
	case <-t.done:
		return nil
	case <-wait.C:
		return ErrStopTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CleanupProfile stops the user and forgets their identity and message.
func (m *Manager) CleanupProfile(ctx context.Context, userID int64) error {
	err := m.Stop(ctx, userID)
	if e := m.store.DeleteProfile(ctx, userID); e != nil && !errors.Is(e, storage.ErrNotFound) {
		err = errors.Join(err, e)
	}
	if e := m.store.DeleteMessage(ctx, userID); e != nil && !errors.Is(e, storage.ErrNotFound) {
		err = errors.Join(err, e)
	}
	if e := m.store.SetLoggedIn(ctx, userID, false); e != nil && !errors.Is(e, storage.ErrNotFound) {
		err = errors.Join(err, e)
	}
	return err
}

// Shutdown stops the reaper and every loop. The persisted active flags are
// left alone so the next Boot restores the same users.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.StopReaper(ctx)

	m.runMu.Lock()
	cancel := m.runCancel
	m.runMu.Unlock()

	var wg sync.WaitGroup
	for _, id := range m.Running() {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			unlock := m.locks.Lock(id)
			defer unlock()
			_ = m.halt(ctx, id, ReasonShutdown)
		}(id)
	}
	wg.Wait()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() { m.wg.Wait(); close(done) }()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	m.clients.Close()
	m.log.Info("sender manager stopped")
	return err
}

func (m *Manager) task(userID int64) *task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[userID]
}

// IsRunning reports whether the user has a live loop.
func (m *Manager) IsRunning(userID int64) bool {
	t := m.task(userID)
	return t != nil && !t.finished()
}

// Running lists users with a live loop, sorted.
func (m *Manager) Running() []int64 {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.tasks))
	for id, t := range m.tasks {
		if !t.finished() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Status returns the user's loop snapshot, or false when none is running.
func (m *Manager) Status(userID int64) (Status, bool) {
	t := m.task(userID)
	if t == nil {
		return Status{}, false
	}
	return t.snapshot(), true
}

// Dialogs lists the groups the user's identity can post to. The client is
// dropped afterwards unless a loop is using it.
func (m *Manager) Dialogs(ctx context.Context, userID int64) ([]session.Dialog, error) {
	c, release, err := m.borrow(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer release()
	return c.ListGroupDialogs(ctx)
}

// ResolveChat looks up one destination through the user's identity.
func (m *Manager) ResolveChat(ctx context.Context, userID, chatID int64) (session.Dialog, error) {
	c, release, err := m.borrow(ctx, userID)
	if err != nil {
		return session.Dialog{}, err
	}
	defer release()
	r, ok := c.(session.ChatResolver)
	if !ok {
		return session.Dialog{ID: chatID, Title: session.DialogTitle(chatID, "")}, nil
	}
	return r.ResolveChat(ctx, chatID)
}

func (m *Manager) borrow(ctx context.Context, userID int64) (session.Client, func(), error) {
	p, err := m.store.Profile(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	c, err := m.clients.Acquire(ctx, userID, p.Credential)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		unlock := m.locks.Lock(userID)
		defer unlock()
		if !m.IsRunning(userID) {
			m.clients.Release(userID)
		}
	}
	return c, release, nil
}
