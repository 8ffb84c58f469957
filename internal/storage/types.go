package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("storage: not found")
	ErrDestinationLimit = errors.New("storage: destination limit reached")
	ErrDuplicate        = errors.New("storage: destination already selected")
)

// MaxDestinations caps how many destinations one user may select.
const MaxDestinations = 3

// Config configures storage.
//
// Driver values:
//   - "sqlite": Path is the database file
//   - "postgres": DSN is a libpq/pgx connection string
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only
	MaxConns    int32         // postgres only

	// Now overrides the clock used for timestamps and subscription checks.
	Now func() time.Time
}

type User struct {
	ID       int64
	FullName string
	LoggedIn bool
	Active   bool
	Banned   bool
	// SubscriptionUntil is the zero time when the user never had a subscription.
	SubscriptionUntil time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Subscribed reports whether the entitlement window is open at now.
func (u User) Subscribed(now time.Time) bool {
	return !u.SubscriptionUntil.IsZero() && now.Before(u.SubscriptionUntil)
}

// Profile holds the delegated identity used by the user's sender.
type Profile struct {
	UserID int64
	// Account is the phone number or handle shown to the user.
	Account string
	// Credential is the opaque serialized transport session.
	Credential string
	UpdatedAt  time.Time
}

type Message struct {
	UserID    int64
	Text      string
	UpdatedAt time.Time
}

type Destination struct {
	ID      int64
	Title   string
	AddedAt time.Time
}

// AuditEntry records an admin action.
type AuditEntry struct {
	At      time.Time
	ActorID int64
	Action  string
	Target  int64
	Detail  string
}

// Store is the persistence API used by the sender and the control bot.
// Lookups of absent rows return ErrNotFound.
type Store interface {
	UpsertUser(ctx context.Context, id int64, fullName string) error
	GetUser(ctx context.Context, id int64) (User, error)
	ListUsers(ctx context.Context, limit int) ([]User, error)
	UserIDs(ctx context.Context) ([]int64, error)
	SetActive(ctx context.Context, id int64, active bool) error
	SetLoggedIn(ctx context.Context, id int64, loggedIn bool) error
	Ban(ctx context.Context, id int64) error
	Unban(ctx context.Context, id int64) error

	AddSubscription(ctx context.Context, id int64, days int) (time.Time, error)
	RemoveSubscription(ctx context.Context, id int64) error
	SubscriptionValid(ctx context.Context, id int64) (bool, error)
	ExpiredActiveUserIDs(ctx context.Context) ([]int64, error)
	ActiveUserIDs(ctx context.Context) ([]int64, error)

	UpsertProfile(ctx context.Context, p Profile) error
	Profile(ctx context.Context, userID int64) (Profile, error)
	DeleteProfile(ctx context.Context, userID int64) error

	UpsertMessage(ctx context.Context, userID int64, text string) error
	Message(ctx context.Context, userID int64) (Message, error)
	DeleteMessage(ctx context.Context, userID int64) error

	AddDestination(ctx context.Context, userID int64, d Destination) error
	RemoveDestination(ctx context.Context, userID, destID int64) error
	Destinations(ctx context.Context, userID int64) ([]Destination, error)
	ClearDestinations(ctx context.Context, userID int64) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)

	Close() error
}

func unixOrZero(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func unixOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// extendSubscription computes the new expiry: an open window is extended,
// a lapsed or missing one restarts from now.
func extendSubscription(current, now time.Time, days int) time.Time {
	from := now
	if current.After(now) {
		from = current
	}
	return from.Add(time.Duration(days) * 24 * time.Hour)
}
