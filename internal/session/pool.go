package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	logx "groupcast/pkg/logx"
)

// ErrReleased is returned by Acquire when the user's client was released
// while the connection was being established.
var ErrReleased = errors.New("session: released during connect")

const (
	defaultConnectTimeout    = 30 * time.Second
	defaultDisconnectTimeout = 5 * time.Second
)

// Pool caches one connected Client per user.
//
// Concurrent Acquire calls for the same user share a single Connect. Release
// bumps the user's generation, so a Connect that finishes after a Release is
// torn down instead of cached.
type Pool struct {
	transport Transport
	log       logx.Logger

	connectTimeout    time.Duration
	disconnectTimeout time.Duration

	mu      sync.Mutex
	clients map[int64]Client
	gen     map[int64]uint64

	group singleflight.Group
}

type PoolOption func(*Pool)

func WithConnectTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.connectTimeout = d
		}
	}
}

func NewPool(t Transport, log logx.Logger, opts ...PoolOption) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pool{
		transport:         t,
		log:               log,
		connectTimeout:    defaultConnectTimeout,
		disconnectTimeout: defaultDisconnectTimeout,
		clients:           map[int64]Client{},
		gen:               map[int64]uint64{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Acquire returns the user's connected client, connecting with credential
// when there is none or the cached one has dropped.
func (p *Pool) Acquire(ctx context.Context, userID int64, credential string) (Client, error) {
	if c := p.live(userID); c != nil {
		return c, nil
	}

	p.mu.Lock()
	gen := p.gen[userID]
	p.mu.Unlock()

	// The shared connect outlives a single caller's cancellation; it is
	// bounded by connectTimeout and discarded if the user is released.
	base := context.WithoutCancel(ctx)
	// Keyed by generation too: after a Release, callers must not join a
	// connect that is going to be discarded.
	key := strconv.FormatInt(userID, 10) + ":" + strconv.FormatUint(gen, 10)
	ch := p.group.DoChan(key, func() (any, error) {
		return p.connect(base, userID, credential, gen)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(Client), nil
	}
}

func (p *Pool) connect(ctx context.Context, userID int64, credential string, gen uint64) (Client, error) {
	cctx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()

	c, err := p.transport.Connect(cctx, credential)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.gen[userID] != gen {
		p.mu.Unlock()
		p.disconnect(userID, c)
		return nil, ErrReleased
	}
	if cur, ok := p.clients[userID]; ok && cur.Connected() {
		p.mu.Unlock()
		p.disconnect(userID, c)
		return cur, nil
	}
	p.clients[userID] = c
	p.mu.Unlock()

	p.log.Debug("client connected", logx.User(userID))
	return c, nil
}

// live returns the cached client if it is still connected. A dropped client
// is evicted.
func (p *Pool) live(userID int64) Client {
	p.mu.Lock()
	c, ok := p.clients[userID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	if c.Connected() {
		p.mu.Unlock()
		return c
	}
	delete(p.clients, userID)
	p.mu.Unlock()

	p.disconnect(userID, c)
	return nil
}

// Release disconnects and forgets the user's client. Safe to call when none
// exists; disconnect failures are logged and swallowed.
func (p *Pool) Release(userID int64) {
	p.mu.Lock()
	c, ok := p.clients[userID]
	delete(p.clients, userID)
	p.gen[userID]++
	p.mu.Unlock()

	if ok {
		p.disconnect(userID, c)
	}
}

// Has reports whether a client is cached for the user.
func (p *Pool) Has(userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.clients[userID]
	return ok
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close releases every cached client.
func (p *Pool) Close() {
	p.mu.Lock()
	ids := make([]int64, 0, len(p.clients))
	for id := range p.clients {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.Release(id)
	}
}

func (p *Pool) disconnect(userID int64, c Client) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Warn("client disconnect panicked", logx.User(userID), logx.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), p.disconnectTimeout)
	defer cancel()
	if err := c.Disconnect(ctx); err != nil {
		p.log.Debug("client disconnect failed", logx.User(userID), logx.Err(err))
	}
}
