// Package session defines the delegated-identity transport used by senders
// and keeps at most one live client per user.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuth means the credential was rejected (invalid, revoked or expired).
	ErrAuth = errors.New("session: credential rejected")
	// ErrDialogsUnsupported is returned by transports that cannot enumerate
	// the groups an identity belongs to.
	ErrDialogsUnsupported = errors.New("session: dialog listing not supported")
)

// RateLimitedError is the "too many requests, retry after N" signal.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("session: rate limited, retry after %s", e.RetryAfter)
}

// DeliveryError is a send failure scoped to one destination.
type DeliveryError struct {
	Dest int64
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("session: deliver to %d: %v", e.Dest, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Dialog is a group the identity can post to.
type Dialog struct {
	ID    int64
	Title string
}

// Client is a connected delegated identity.
type Client interface {
	SendMessage(ctx context.Context, dest int64, text string) error
	ListGroupDialogs(ctx context.Context) ([]Dialog, error)
	Connected() bool
	Disconnect(ctx context.Context) error
}

// ChatResolver is implemented by clients that can look up one chat by id.
type ChatResolver interface {
	ResolveChat(ctx context.Context, id int64) (Dialog, error)
}

// Transport opens clients from stored credentials.
type Transport interface {
	Connect(ctx context.Context, credential string) (Client, error)
}

// DialogTitle returns title, or "Chat <id>" when the platform gave none.
func DialogTitle(id int64, title string) string {
	if title == "" {
		return fmt.Sprintf("Chat %d", id)
	}
	return title
}
