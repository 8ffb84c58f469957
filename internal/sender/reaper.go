package sender

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"groupcast/internal/eventbus"
	"groupcast/internal/schedule"
	logx "groupcast/pkg/logx"
)

// StartReaper schedules ReapOnce. Only the first call starts anything; later
// calls return nil.
func (m *Manager) StartReaper() error {
	m.reaperMu.Lock()
	defer m.reaperMu.Unlock()
	if m.reaperStarted {
		return nil
	}

	cfg := m.config()
	spec, err := schedule.Parse(cfg.ReaperSchedule)
	if err != nil {
		return fmt.Errorf("sender: reaper schedule: %w", err)
	}

	cl := cronLogger{log: m.log.Component("reaper")}
	c := cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(spec.Schedule(), cron.FuncJob(func() {
		ctx := m.runContext()
		if ctx == nil {
			ctx = context.Background()
		}
		m.ReapOnce(ctx)
	}))
	c.Start()

	m.reaper = c
	m.reaperStarted = true
	m.log.Info("reaper started", logx.String("schedule", spec.String()))
	return nil
}

// StopReaper stops the schedule and waits for a running sweep or ctx.
func (m *Manager) StopReaper(ctx context.Context) {
	m.reaperMu.Lock()
	c := m.reaper
	m.reaper = nil
	m.reaperStarted = false
	m.reaperMu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// ReapOnce stops every active user whose subscription has lapsed. Errors are
// logged and the sweep moves on; it returns how many users were stopped.
func (m *Manager) ReapOnce(ctx context.Context) int {
	ids, err := m.store.ExpiredActiveUserIDs(ctx)
	if err != nil {
		m.log.Warn("reaper scan failed", logx.Err(err))
		return 0
	}
	n := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if err := m.Stop(ctx, id); err != nil {
			m.log.Warn("reaper stop failed", logx.User(id), logx.Err(err))
			continue
		}
		n++
		m.bus.Publish(eventbus.Event{Type: eventbus.SenderReaped, UserID: id, Reason: ReasonExpired})
	}
	if n > 0 {
		m.log.Info("reaper stopped expired senders", logx.Int("count", n))
	}
	return n
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
