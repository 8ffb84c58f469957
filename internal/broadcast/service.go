package broadcast

import (
	"context"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	logx "groupcast/pkg/logx"
)

type Service struct {
	mu      sync.Mutex
	cfg     Config
	sender  Sender
	log     logx.Logger
	limiter *rate.Limiter

	queue     chan job
	runCancel context.CancelFunc
	done      chan struct{}

	statusMu sync.RWMutex
	status   map[string]*JobStatus

	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log,
		status: map[string]*JobStatus{},
		sleep:  sleepCtx,
	}
	s.Apply(cfg)
	return s
}

// Apply updates pacing; the next recipient uses it.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.queue = make(chan job, queueSize)
	s.runCancel = cancel
	s.done = make(chan struct{})

	queue, done := s.queue, s.done
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in broadcast worker", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		s.worker(runCtx, queue)
	}()
	s.log.Info("broadcast started")
}

// Stop cancels the running job and waits for the worker or ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel, done := s.runCancel, s.done
	s.queue, s.runCancel, s.done = nil, nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
		s.log.Info("broadcast stopped")
	case <-ctx.Done():
	}
}

// Submit queues text for every recipient and returns the job id. onDone, if
// set, is called from the worker with the final status.
func (s *Service) Submit(recipients []int64, text string, onDone func(JobStatus)) (string, error) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return "", ErrNotRunning
	}

	now := time.Now()
	id := uuid.NewString()
	s.statusMu.Lock()
	s.status[id] = &JobStatus{ID: id, Total: len(recipients), CreatedAt: now}
	s.statusMu.Unlock()
	s.prune()

	select {
	case q <- job{id: id, recipients: append([]int64(nil), recipients...), text: text, onDone: onDone}:
		s.log.Debug("broadcast job queued", logx.String("job", id), logx.Int("total", len(recipients)))
		return id, nil
	default:
		s.statusMu.Lock()
		delete(s.status, id)
		s.statusMu.Unlock()
		s.log.Warn("broadcast queue full; dropping job", logx.String("job", id))
		return "", ErrQueueFull
	}
}

func (s *Service) Status(id string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[id]
	if !ok {
		return JobStatus{}, false
	}
	return copyStatus(st), true
}

// Jobs lists known jobs, newest first.
func (s *Service) Jobs() []JobStatus {
	s.statusMu.RLock()
	out := make([]JobStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, copyStatus(st))
	}
	s.statusMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// prune keeps the newest HistorySize jobs. Running jobs are never dropped.
func (s *Service) prune() {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if len(s.status) <= limit {
		return
	}
	type entry struct {
		id string
		at time.Time
	}
	old := make([]entry, 0, len(s.status))
	for id, st := range s.status {
		if st.Finished() {
			old = append(old, entry{id, st.CreatedAt})
		}
	}
	sort.Slice(old, func(i, j int) bool { return old[i].at.Before(old[j].at) })
	for i := 0; i < len(old) && len(s.status) > limit; i++ {
		delete(s.status, old[i].id)
	}
}

func copyStatus(st *JobStatus) JobStatus {
	cp := *st
	cp.Failures = append([]int64(nil), st.Failures...)
	return cp
}

func (s *Service) delay() time.Duration {
	s.mu.Lock()
	lo, hi := s.cfg.DelayMin, s.cfg.DelayMax
	s.mu.Unlock()
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
