package sender

import (
	"context"
	"errors"
	"fmt"

	"groupcast/internal/storage"
	logx "groupcast/pkg/logx"
)

// Restore relaunches users persisted as active and clears the flag for those
// that are expired or not ready. The reaper is started afterwards.
func (m *Manager) Restore(ctx context.Context) error {
	ids, err := m.store.ActiveUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("sender: list active users: %w", err)
	}

	started, cleared := 0, 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		ready, err := m.restorable(ctx, id)
		if err != nil {
			m.log.Warn("restore check failed", logx.User(id), logx.Err(err))
			continue
		}
		if !ready {
			if err := m.store.SetActive(ctx, id, false); err != nil {
				m.log.Warn("restore deactivate failed", logx.User(id), logx.Err(err))
			}
			cleared++
			continue
		}
		if err := m.Start(ctx, id); err != nil {
			m.log.Warn("restore start failed", logx.User(id), logx.Err(err))
			continue
		}
		started++
	}
	m.log.Info("senders restored", logx.Int("started", started), logx.Int("cleared", cleared))

	return m.StartReaper()
}

func (m *Manager) restorable(ctx context.Context, id int64) (bool, error) {
	ok, err := m.store.SubscriptionValid(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	if _, err := m.store.Profile(ctx, id); err != nil {
		return false, notFoundIsFalse(err)
	}
	if _, err := m.store.Message(ctx, id); err != nil {
		return false, notFoundIsFalse(err)
	}
	dests, err := m.store.Destinations(ctx, id)
	if err != nil {
		return false, notFoundIsFalse(err)
	}
	return len(dests) > 0, nil
}

func notFoundIsFalse(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}
