package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// storeContract exercises the behavior every driver must share.
func storeContract(t *testing.T, st Store, clock *testClock) {
	ctx := context.Background()

	t.Run("users", func(t *testing.T) {
		require.NoError(t, st.UpsertUser(ctx, 1, "Ada"))
		require.NoError(t, st.UpsertUser(ctx, 1, "Ada L."))

		u, err := st.GetUser(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "Ada L.", u.FullName)
		assert.False(t, u.Active)
		assert.True(t, u.SubscriptionUntil.IsZero())

		_, err = st.GetUser(ctx, 404)
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, st.SetActive(ctx, 1, true))
		require.NoError(t, st.Ban(ctx, 1))
		u, err = st.GetUser(ctx, 1)
		require.NoError(t, err)
		assert.True(t, u.Banned)
		assert.False(t, u.Active, "ban clears the active flag")

		require.NoError(t, st.Unban(ctx, 1))
		require.ErrorIs(t, st.Ban(ctx, 404), ErrNotFound)
	})

	t.Run("subscription", func(t *testing.T) {
		require.NoError(t, st.UpsertUser(ctx, 2, "Bob"))
		ok, err := st.SubscriptionValid(ctx, 2)
		require.NoError(t, err)
		assert.False(t, ok)

		first, err := st.AddSubscription(ctx, 2, 7)
		require.NoError(t, err)
		assert.Equal(t, clock.Now().Add(7*24*time.Hour).Unix(), first.Unix())

		extended, err := st.AddSubscription(ctx, 2, 1)
		require.NoError(t, err)
		assert.Equal(t, first.Add(24*time.Hour).Unix(), extended.Unix(), "open window is extended")

		ok, err = st.SubscriptionValid(ctx, 2)
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, st.SetActive(ctx, 2, true))
		require.NoError(t, st.RemoveSubscription(ctx, 2))
		u, err := st.GetUser(ctx, 2)
		require.NoError(t, err)
		assert.True(t, u.SubscriptionUntil.IsZero())
		assert.False(t, u.Active)

		_, err = st.AddSubscription(ctx, 404, 1)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("expired and active", func(t *testing.T) {
		require.NoError(t, st.UpsertUser(ctx, 3, "Cy"))
		_, err := st.AddSubscription(ctx, 3, 1)
		require.NoError(t, err)
		require.NoError(t, st.SetActive(ctx, 3, true))

		active, err := st.ActiveUserIDs(ctx)
		require.NoError(t, err)
		assert.Contains(t, active, int64(3))

		expired, err := st.ExpiredActiveUserIDs(ctx)
		require.NoError(t, err)
		assert.NotContains(t, expired, int64(3))

		clock.Advance(24*time.Hour + time.Second)
		expired, err = st.ExpiredActiveUserIDs(ctx)
		require.NoError(t, err)
		assert.Contains(t, expired, int64(3))

		ok, err := st.SubscriptionValid(ctx, 3)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("profile and message", func(t *testing.T) {
		require.NoError(t, st.UpsertProfile(ctx, Profile{UserID: 4, Account: "+100", Credential: "cred-a"}))
		require.NoError(t, st.UpsertProfile(ctx, Profile{UserID: 4, Account: "+100", Credential: "cred-b"}))
		p, err := st.Profile(ctx, 4)
		require.NoError(t, err)
		assert.Equal(t, "cred-b", p.Credential)

		require.NoError(t, st.UpsertMessage(ctx, 4, "hello"))
		m, err := st.Message(ctx, 4)
		require.NoError(t, err)
		assert.Equal(t, "hello", m.Text)

		require.NoError(t, st.DeleteProfile(ctx, 4))
		require.NoError(t, st.DeleteMessage(ctx, 4))
		_, err = st.Profile(ctx, 4)
		require.ErrorIs(t, err, ErrNotFound)
		_, err = st.Message(ctx, 4)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("destinations", func(t *testing.T) {
		for i := int64(1); i <= MaxDestinations; i++ {
			require.NoError(t, st.AddDestination(ctx, 5, Destination{ID: -100 - i, Title: "g"}))
		}
		require.ErrorIs(t, st.AddDestination(ctx, 5, Destination{ID: -101}), ErrDuplicate)
		require.ErrorIs(t, st.AddDestination(ctx, 5, Destination{ID: -200}), ErrDestinationLimit)

		ds, err := st.Destinations(ctx, 5)
		require.NoError(t, err)
		require.Len(t, ds, MaxDestinations)
		assert.Equal(t, int64(-101), ds[0].ID)

		require.NoError(t, st.RemoveDestination(ctx, 5, -101))
		require.ErrorIs(t, st.RemoveDestination(ctx, 5, -101), ErrNotFound)
		require.NoError(t, st.AddDestination(ctx, 5, Destination{ID: -200}))

		require.NoError(t, st.ClearDestinations(ctx, 5))
		ds, err = st.Destinations(ctx, 5)
		require.NoError(t, err)
		assert.Empty(t, ds)
	})

	t.Run("audit", func(t *testing.T) {
		require.NoError(t, st.AppendAudit(ctx, AuditEntry{ActorID: 9, Action: "addsub", Target: 2, Detail: "7d"}))
		require.NoError(t, st.AppendAudit(ctx, AuditEntry{ActorID: 9, Action: "ban", Target: 3}))
		es, err := st.ListAudit(ctx, 10)
		require.NoError(t, err)
		require.Len(t, es, 2)
		assert.Equal(t, "ban", es[0].Action)
		assert.Equal(t, "7d", es[1].Detail)
	})
}
