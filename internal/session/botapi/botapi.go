// Package botapi implements session.Transport on the Telegram Bot API.
//
// The delegated identity is a bot token: the user adds their bot to the
// destination groups and hands the token over as the credential.
package botapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"groupcast/internal/session"
)

const defaultHTTPTimeout = 30 * time.Second

// Transport connects bot identities through api.telegram.org (or URL).
type Transport struct {
	URL         string
	HTTPTimeout time.Duration
}

func New() *Transport { return &Transport{} }

// Connect validates the token with getMe. A 401 maps to session.ErrAuth.
func (t *Transport) Connect(ctx context.Context, credential string) (session.Client, error) {
	if credential == "" {
		return nil, session.ErrAuth
	}
	timeout := t.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	hc := &http.Client{Timeout: timeout}

	type result struct {
		bot *tele.Bot
		err error
	}
	done := make(chan result, 1)
	go func() {
		b, err := tele.NewBot(tele.Settings{URL: t.URL, Token: credential, Client: hc})
		done <- result{b, err}
	}()

	select {
	case <-ctx.Done():
		hc.CloseIdleConnections()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, mapError(0, r.err)
		}
		return &Client{bot: r.bot, http: hc, connected: true}, nil
	}
}

// Client is one connected bot identity.
type Client struct {
	bot  *tele.Bot
	http *http.Client

	mu        sync.Mutex
	connected bool
}

// Username returns the bot's @handle.
func (c *Client) Username() string {
	if c.bot.Me == nil {
		return ""
	}
	return c.bot.Me.Username
}

func (c *Client) SendMessage(ctx context.Context, dest int64, text string) error {
	if !c.Connected() {
		return &session.DeliveryError{Dest: dest, Err: errors.New("client disconnected")}
	}
	err := call(ctx, func() error {
		_, err := c.bot.Send(&tele.Chat{ID: dest}, text, &tele.SendOptions{DisableWebPagePreview: true})
		return err
	})
	if err != nil {
		return mapError(dest, err)
	}
	return nil
}

// ListGroupDialogs is not available on the Bot API.
func (c *Client) ListGroupDialogs(ctx context.Context) ([]session.Dialog, error) {
	return nil, session.ErrDialogsUnsupported
}

// ResolveChat looks a chat up with getChat. Channels and private chats are
// rejected because only groups are valid destinations.
func (c *Client) ResolveChat(ctx context.Context, id int64) (session.Dialog, error) {
	var chat *tele.Chat
	err := call(ctx, func() error {
		var err error
		chat, err = c.bot.ChatByID(id)
		return err
	})
	if err != nil {
		return session.Dialog{}, mapError(id, err)
	}
	switch chat.Type {
	case tele.ChatGroup, tele.ChatSuperGroup:
		return session.Dialog{ID: chat.ID, Title: session.DialogTitle(chat.ID, chat.Title)}, nil
	default:
		return session.Dialog{}, fmt.Errorf("chat %d is a %s, not a group", id, chat.Type)
	}
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect drops pooled HTTP connections. The Bot API is stateless, so
// there is nothing to log out of.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.http.CloseIdleConnections()
	return nil
}

// call runs fn and returns early if ctx ends first. telebot has no context
// support, so fn keeps running until its HTTP timeout.
func call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// mapError translates telebot errors into session errors.
func mapError(dest int64, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &session.RateLimitedError{RetryAfter: time.Duration(flood.RetryAfter) * time.Second}
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return &session.RateLimitedError{RetryAfter: time.Duration(floodPtr.RetryAfter) * time.Second}
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", session.ErrAuth, apiErr.Description)
	}
	if dest != 0 {
		return &session.DeliveryError{Dest: dest, Err: err}
	}
	return err
}
