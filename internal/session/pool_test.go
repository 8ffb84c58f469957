package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupcast/internal/session"
	"groupcast/internal/session/sessiontest"
	logx "groupcast/pkg/logx"
)

func TestAcquireReusesConnectedClient(t *testing.T) {
	t.Parallel()
	tr := &sessiontest.Transport{}
	p := session.NewPool(tr, logx.Nop())
	ctx := context.Background()

	a, err := p.Acquire(ctx, 1, "cred")
	require.NoError(t, err)
	b, err := p.Acquire(ctx, 1, "cred")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, tr.Connects())
}

func TestAcquireReplacesDroppedClient(t *testing.T) {
	t.Parallel()
	tr := &sessiontest.Transport{}
	p := session.NewPool(tr, logx.Nop())
	ctx := context.Background()

	a, err := p.Acquire(ctx, 1, "cred")
	require.NoError(t, err)
	a.(*sessiontest.Client).Drop()

	b, err := p.Acquire(ctx, 1, "cred")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, 2, tr.Connects())
	assert.Equal(t, 1, p.Len())
}

func TestAcquireConcurrentSharesOneConnect(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	tr := &sessiontest.Transport{ConnectGate: gate}
	p := session.NewPool(tr, logx.Nop())

	const n = 8
	var wg sync.WaitGroup
	got := make([]session.Client, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Acquire(context.Background(), 1, "cred")
			assert.NoError(t, err)
			got[i] = c
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, tr.Live())
	for _, c := range got {
		assert.Same(t, got[0], c)
	}
}

func TestReleaseIsIdempotentAndSilent(t *testing.T) {
	t.Parallel()
	tr := &sessiontest.Transport{DisconnectErr: errors.New("socket closed")}
	p := session.NewPool(tr, logx.Nop())

	c, err := p.Acquire(context.Background(), 1, "cred")
	require.NoError(t, err)

	p.Release(1)
	p.Release(1)
	p.Release(99)

	assert.False(t, p.Has(1))
	assert.Equal(t, 1, c.(*sessiontest.Client).Disconnects())
}

func TestReleaseDuringConnectDiscardsClient(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	tr := &sessiontest.Transport{ConnectGate: gate}
	p := session.NewPool(tr, logx.Nop())

	errc := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), 1, "cred")
		errc <- err
	}()
	require.Eventually(t, func() bool { return tr.Connects() == 1 }, time.Second, time.Millisecond)

	p.Release(1)
	close(gate)

	require.ErrorIs(t, <-errc, session.ErrReleased)
	assert.False(t, p.Has(1))
	assert.Zero(t, tr.Live())
}

func TestAcquireAfterReleaseStartsFreshConnect(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	tr := &sessiontest.Transport{ConnectGate: gate}
	p := session.NewPool(tr, logx.Nop())

	stale := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), 1, "old")
		stale <- err
	}()
	require.Eventually(t, func() bool { return tr.Connects() == 1 }, time.Second, time.Millisecond)
	p.Release(1)

	type result struct {
		c   session.Client
		err error
	}
	fresh := make(chan result, 1)
	go func() {
		c, err := p.Acquire(context.Background(), 1, "new")
		fresh <- result{c, err}
	}()
	require.Eventually(t, func() bool { return tr.Connects() == 2 }, time.Second, time.Millisecond)
	close(gate)

	require.ErrorIs(t, <-stale, session.ErrReleased)
	r := <-fresh
	require.NoError(t, r.err)
	assert.Equal(t, "new", r.c.(*sessiontest.Client).Credential)
	assert.True(t, p.Has(1))
	assert.Equal(t, 1, tr.Live())
}

func TestAcquireConnectError(t *testing.T) {
	t.Parallel()
	tr := &sessiontest.Transport{ConnectErr: session.ErrAuth}
	p := session.NewPool(tr, logx.Nop())

	_, err := p.Acquire(context.Background(), 1, "bad")
	require.ErrorIs(t, err, session.ErrAuth)
	assert.Zero(t, p.Len())
}

func TestAcquireHonorsCallerCancel(t *testing.T) {
	t.Parallel()
	tr := &sessiontest.Transport{ConnectGate: make(chan struct{})}
	p := session.NewPool(tr, logx.Nop(), session.WithConnectTimeout(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Acquire(ctx, 1, "cred")
	require.ErrorIs(t, err, context.Canceled)
}

func TestErrorTypes(t *testing.T) {
	t.Parallel()
	var rl *session.RateLimitedError
	err := error(&session.RateLimitedError{RetryAfter: 3 * time.Second})
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 3*time.Second, rl.RetryAfter)

	base := errors.New("chat not found")
	de := &session.DeliveryError{Dest: -100, Err: base}
	assert.ErrorIs(t, de, base)
	assert.Equal(t, "Chat 5", session.DialogTitle(5, ""))
}
