package sender

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"groupcast/internal/eventbus"
	"groupcast/internal/session"
	"groupcast/internal/storage"
	logx "groupcast/pkg/logx"
)

const persistTimeout = 5 * time.Second

// job is what one cycle sends, read fresh from the store.
type job struct {
	credential string
	text       string
	dests      []storage.Destination
}

// run owns the task for its whole life. The deferred block is the only place
// a registry entry is removed.
func (m *Manager) run(ctx context.Context, t *task) {
	defer m.wg.Done()

	reason := ReasonFault
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("sender panicked",
				logx.User(t.userID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			m.deactivate(ctx, t.userID)
			reason = ReasonFault
		}
		if reason == ReasonCancelled {
			if hr := t.haltReason(); hr != "" {
				reason = hr
			}
		}

		m.clients.Release(t.userID)
		m.mu.Lock()
		if m.tasks[t.userID] == t {
			delete(m.tasks, t.userID)
		}
		m.mu.Unlock()

		t.setState(StateStopped)
		close(t.done)

		m.log.Info("sender stopped", logx.User(t.userID), logx.String("reason", reason))
		m.bus.Publish(eventbus.Event{
			Type:   eventbus.SenderStopped,
			UserID: t.userID,
			Reason: reason,
			Data:   t.snapshot(),
		})
	}()

	reason = m.loop(ctx, t)
}

func (m *Manager) loop(ctx context.Context, t *task) string {
	failures := 0
	for {
		if ctx.Err() != nil {
			return ReasonCancelled
		}
		cfg := m.config()

		t.setState(StateChecking)
		j, reason, err := m.check(ctx, t.userID)
		if err == nil && reason != "" {
			return reason
		}
		if err == nil {
			t.setState(StateSending)
			err = m.sendAll(ctx, cfg, t, j)
		}
		if ctx.Err() != nil {
			return ReasonCancelled
		}

		if err == nil {
			failures = 0
			now := m.now()
			t.update(func(st *Status) {
				st.Cycles++
				st.Failures = 0
				st.LastCycle = now
			})
			m.bus.Publish(eventbus.Event{Type: eventbus.SenderCycle, UserID: t.userID, Data: t.snapshot()})

			t.setState(StateSleeping)
			if m.wait(ctx, t, waitInterval, m.uniform(cfg.IntervalMin, cfg.IntervalMax)) != nil {
				return ReasonCancelled
			}
			continue
		}

		t.update(func(st *Status) { st.LastError = err.Error() })

		var rl *session.RateLimitedError
		if errors.As(err, &rl) {
			m.log.Warn("sender rate limited", logx.User(t.userID), logx.Duration("retry_after", rl.RetryAfter))
			if m.wait(ctx, t, waitFlood, rl.RetryAfter+m.jitter(cfg.FloodJitterMin, cfg.FloodJitterMax)) != nil {
				return ReasonCancelled
			}
			continue
		}

		failures++
		t.update(func(st *Status) { st.Failures = failures })
		if failures >= cfg.MaxRetries {
			m.log.Warn("sender giving up", logx.User(t.userID), logx.Int("failures", failures), logx.Err(err))
			m.deactivate(ctx, t.userID)
			return ReasonRetriesExhausted
		}
		d := m.backoffDelay(cfg, failures)
		m.log.Warn("sender cycle failed", logx.User(t.userID), logx.Int("failures", failures),
			logx.Duration("retry_in", d), logx.Err(err))
		if m.wait(ctx, t, waitBackoff, d) != nil {
			return ReasonCancelled
		}
	}
}

// check validates the user before a cycle. A non-empty reason ends the loop;
// an error is a cycle-level fault.
func (m *Manager) check(ctx context.Context, userID int64) (job, string, error) {
	u, err := m.store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return job{}, ReasonUnknownUser, nil
	}
	if err != nil {
		return job{}, "", fmt.Errorf("load user: %w", err)
	}
	if u.Banned {
		return job{}, ReasonBanned, nil
	}
	if !u.Active {
		return job{}, ReasonInactive, nil
	}

	ok, err := m.store.SubscriptionValid(ctx, userID)
	if err != nil {
		return job{}, "", fmt.Errorf("check subscription: %w", err)
	}
	if !ok {
		m.deactivate(ctx, userID)
		return job{}, ReasonExpired, nil
	}

	var j job
	p, err := m.store.Profile(ctx, userID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return job{}, "", fmt.Errorf("load profile: %w", err)
	default:
		j.credential = p.Credential
	}
	msg, err := m.store.Message(ctx, userID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return job{}, "", fmt.Errorf("load message: %w", err)
	default:
		j.text = msg.Text
	}
	j.dests, err = m.store.Destinations(ctx, userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return job{}, "", fmt.Errorf("load destinations: %w", err)
	}

	if j.credential == "" || j.text == "" || len(j.dests) == 0 {
		m.deactivate(ctx, userID)
		return job{}, ReasonNotReady, nil
	}
	return j, "", nil
}

// sendAll delivers j to every destination. Per-destination faults are counted
// and swallowed; only acquiring the client can fail the cycle.
func (m *Manager) sendAll(ctx context.Context, cfg Config, t *task, j job) error {
	actx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	c, err := m.clients.Acquire(actx, t.userID, j.credential)
	cancel()
	if err != nil {
		return fmt.Errorf("acquire client: %w", err)
	}

	skipPause := true
	for _, d := range j.dests {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !skipPause {
			if err := m.wait(ctx, t, waitPause, m.uniform(cfg.PauseMin, cfg.PauseMax)); err != nil {
				return err
			}
		}
		skipPause = false

		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := c.SendMessage(sctx, d.ID, j.text)
		cancel()

		if err == nil {
			t.update(func(st *Status) { st.Delivered++ })
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.update(func(st *Status) { st.Failed++ })

		var rl *session.RateLimitedError
		if errors.As(err, &rl) {
			m.log.Debug("destination rate limited", logx.User(t.userID), logx.Int64("dest", d.ID),
				logx.Duration("retry_after", rl.RetryAfter))
			if err := m.wait(ctx, t, waitFlood, rl.RetryAfter+m.jitter(cfg.FloodJitterMin, cfg.FloodJitterMax)); err != nil {
				return err
			}
			skipPause = true
			continue
		}
		m.log.Debug("destination send failed", logx.User(t.userID), logx.Int64("dest", d.ID), logx.Err(err))
	}
	return nil
}

// deactivate persists is_active=0. It must land even when ctx is already
// cancelled, so it runs on a detached context.
func (m *Manager) deactivate(ctx context.Context, userID int64) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := m.store.SetActive(pctx, userID, false); err != nil {
		m.log.Warn("mark inactive failed", logx.User(userID), logx.Err(err))
	}
}

func (m *Manager) wait(ctx context.Context, t *task, reason waitReason, d time.Duration) error {
	until := m.now().Add(d)
	t.update(func(st *Status) { st.Until = until })
	return m.sleepFn(ctx, reason, d)
}
