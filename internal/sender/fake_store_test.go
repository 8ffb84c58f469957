package sender

import (
	"context"
	"sort"
	"sync"
	"time"

	"groupcast/internal/storage"
)

type memStore struct {
	mu    sync.Mutex
	users map[int64]*storage.User
	profs map[int64]storage.Profile
	msgs  map[int64]storage.Message
	dests map[int64][]storage.Destination

	getUserErr  error
	expiredErr  error
	setActiveFn func(id int64, active bool)
	setActives  []bool
}

func newMemStore() *memStore {
	return &memStore{
		users: map[int64]*storage.User{},
		profs: map[int64]storage.Profile{},
		msgs:  map[int64]storage.Message{},
		dests: map[int64][]storage.Destination{},
	}
}

// ready seeds a user that passes every check.
func (s *memStore) ready(id int64, dests ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = &storage.User{ID: id, SubscriptionUntil: time.Now().Add(24 * time.Hour)}
	s.profs[id] = storage.Profile{UserID: id, Credential: "cred"}
	s.msgs[id] = storage.Message{UserID: id, Text: "hello groups"}
	for _, d := range dests {
		s.dests[id] = append(s.dests[id], storage.Destination{ID: d})
	}
}

func (s *memStore) mutate(id int64, fn func(u *storage.User)) {
	s.mu.Lock()
	fn(s.users[id])
	s.mu.Unlock()
}

func (s *memStore) failExpiredScan(err error) {
	s.mu.Lock()
	s.expiredErr = err
	s.mu.Unlock()
}

func (s *memStore) active(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return ok && u.Active
}

func (s *memStore) GetUser(ctx context.Context, id int64) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getUserErr != nil {
		return storage.User{}, s.getUserErr
	}
	u, ok := s.users[id]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return *u, nil
}

func (s *memStore) SetActive(ctx context.Context, id int64, active bool) error {
	s.mu.Lock()
	if u, ok := s.users[id]; ok {
		u.Active = active
	}
	s.setActives = append(s.setActives, active)
	fn := s.setActiveFn
	s.mu.Unlock()
	if fn != nil {
		fn(id, active)
	}
	return nil
}

func (s *memStore) SetLoggedIn(ctx context.Context, id int64, loggedIn bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		u.LoggedIn = loggedIn
	}
	return nil
}

func (s *memStore) SubscriptionValid(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return ok && u.Subscribed(time.Now()), nil
}

func (s *memStore) ExpiredActiveUserIDs(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredErr != nil {
		return nil, s.expiredErr
	}
	now := time.Now()
	var out []int64
	for id, u := range s.users {
		if u.Active && !u.SubscriptionUntil.IsZero() && u.SubscriptionUntil.Before(now) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *memStore) ActiveUserIDs(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for id, u := range s.users {
		if u.Active && !u.Banned {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *memStore) Profile(ctx context.Context, id int64) (storage.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profs[id]
	if !ok {
		return storage.Profile{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *memStore) Message(ctx context.Context, id int64) (storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return storage.Message{}, storage.ErrNotFound
	}
	return m, nil
}

func (s *memStore) Destinations(ctx context.Context, id int64) ([]storage.Destination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.Destination(nil), s.dests[id]...), nil
}

func (s *memStore) DeleteProfile(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profs, id)
	return nil
}

func (s *memStore) DeleteMessage(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.msgs, id)
	return nil
}
