package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"groupcast/internal/sender"
	"groupcast/internal/session"
	"groupcast/internal/storage"
	kit "groupcast/internal/transport"
	logx "groupcast/pkg/logx"
	"groupcast/pkg/tgui"
)

const (
	scopeSender    = "sender"
	maxMessageLen  = 4096
	dateTimeLayout = "2006-01-02 15:04"
)

func senderKeyboard() *tgui.Inline {
	return tgui.NewInline().Row(
		tgui.Btn("▶️ Run", tgui.Data(scopeSender, "run", "")),
		tgui.Btn("⏹ Stop", tgui.Data(scopeSender, "stop", "")),
		tgui.Btn("🔄 Status", tgui.Data(scopeSender, "status", "")),
	)
}

func (b *Bot) reply(ctx context.Context, req *Request, text string) error {
	_, err := b.d.Adapter.SendText(ctx, req.Chat, text, nil)
	return err
}

// member loads the caller's row. ok is false when a reply was already sent.
func (b *Bot) member(ctx context.Context, req *Request) (storage.User, bool, error) {
	u, err := b.d.Store.GetUser(ctx, req.FromID)
	if errors.Is(err, storage.ErrNotFound) {
		return u, false, b.reply(ctx, req, "Send /start first.")
	}
	if err != nil {
		return u, false, err
	}
	if u.Banned {
		return u, false, b.reply(ctx, req, "Your account is banned.")
	}
	return u, true, nil
}

func (b *Bot) cmdStart(ctx context.Context, req *Request) error {
	name := req.FromName
	if name == "" {
		name = fmt.Sprint(req.FromID)
	}
	if err := b.d.Store.UpsertUser(ctx, req.FromID, name); err != nil {
		return err
	}
	m := tgui.New().
		Title("👋", "Welcome, "+name).
		Line("This bot posts your message to up to three groups on a schedule.").
		Blank().
		Bullets(
			"/session <token> sets the account that sends",
			"/message <text> sets what is sent",
			"/groups and /addgroup pick where it goes",
			"/run starts sending, /stop ends it",
		).
		Inline(senderKeyboard()).
		Build()
	_, err := m.Send(ctx, b.d.Adapter, req.Chat)
	return err
}

func (b *Bot) statusMessage(ctx context.Context, userID int64) (tgui.Message, error) {
	u, err := b.d.Store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return tgui.New().Line("Send /start first.").Build(), nil
	}
	if err != nil {
		return tgui.Message{}, err
	}
	now := b.now()
	bl := tgui.New().Title("📊", "Status")

	sub := "none"
	switch {
	case u.Subscribed(now):
		sub = "until " + u.SubscriptionUntil.Format(dateTimeLayout)
	case !u.SubscriptionUntil.IsZero():
		sub = "expired " + u.SubscriptionUntil.Format(dateTimeLayout)
	}
	bl.KV("Subscription", sub)

	account := "not set"
	if p, err := b.d.Store.Profile(ctx, userID); err == nil {
		account = p.Account
	} else if !errors.Is(err, storage.ErrNotFound) {
		return tgui.Message{}, err
	}
	bl.KV("Account", account)

	msg := "not set"
	if m, err := b.d.Store.Message(ctx, userID); err == nil {
		msg = tgui.TruncRunes(strings.ReplaceAll(m.Text, "\n", " "), 40)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return tgui.Message{}, err
	}
	bl.KV("Message", msg)

	dests, err := b.d.Store.Destinations(ctx, userID)
	if err != nil {
		return tgui.Message{}, err
	}
	bl.KV("Groups", fmt.Sprintf("%d/%d", len(dests), storage.MaxDestinations))

	if st, ok := b.d.Senders.Status(userID); ok {
		bl.KV("Sender", string(st.State))
		bl.KV("Cycles", fmt.Sprint(st.Cycles))
		bl.KV("Delivered / failed", fmt.Sprintf("%d / %d", st.Delivered, st.Failed))
		if !st.Until.IsZero() {
			bl.KV("Next step", st.Until.Format("15:04:05"))
		}
		if st.LastError != "" {
			bl.KV("Last error", tgui.TruncRunes(st.LastError, 120))
		}
	} else {
		bl.KV("Sender", "stopped")
	}
	if u.Banned {
		bl.KV("Banned", "yes")
	}
	return bl.Inline(senderKeyboard()).Build(), nil
}

func (b *Bot) cmdStatus(ctx context.Context, req *Request) error {
	m, err := b.statusMessage(ctx, req.FromID)
	if err != nil {
		return err
	}
	_, err = m.Send(ctx, b.d.Adapter, req.Chat)
	return err
}

// usernamer is implemented by clients that know their own handle.
type usernamer interface{ Username() string }

func (b *Bot) cmdSession(ctx context.Context, req *Request) error {
	if _, ok, err := b.member(ctx, req); !ok {
		return err
	}
	if msg := req.Update.Message; msg != nil && !msg.Private {
		return b.reply(ctx, req, "Send your credential in a private chat with the bot.")
	}
	cred := strings.TrimSpace(req.Raw)
	if cred == "" {
		return b.reply(ctx, req, "Usage: /session <token>")
	}

	c, err := b.d.Sessions.Connect(ctx, cred)
	if errors.Is(err, session.ErrAuth) {
		return b.reply(ctx, req, "That credential was rejected.")
	}
	if err != nil {
		return err
	}
	account := ""
	if un, ok := c.(usernamer); ok && un.Username() != "" {
		account = "@" + un.Username()
	}
	if err := c.Disconnect(ctx); err != nil {
		req.Logger.Debug("credential check disconnect failed", logx.Err(err))
	}

	// A running loop holds a client for the old credential.
	wasRunning := b.d.Senders.IsRunning(req.FromID)
	if wasRunning {
		if err := b.d.Senders.Stop(ctx, req.FromID); err != nil {
			return err
		}
	}
	if err := b.d.Store.UpsertProfile(ctx, storage.Profile{UserID: req.FromID, Account: account, Credential: cred}); err != nil {
		return err
	}
	if err := b.d.Store.SetLoggedIn(ctx, req.FromID, true); err != nil {
		return err
	}
	if wasRunning {
		if err := b.d.Senders.Start(ctx, req.FromID); err != nil {
			return err
		}
	}
	if account == "" {
		account = "the new account"
	}
	return b.reply(ctx, req, "Credential saved. Messages will be sent as "+account+".")
}

func (b *Bot) cmdLogout(ctx context.Context, req *Request) error {
	if err := b.d.Senders.CleanupProfile(ctx, req.FromID); err != nil {
		return err
	}
	return b.reply(ctx, req, "Logged out. Sending stopped and your credential and message were removed.")
}

func (b *Bot) cmdMessage(ctx context.Context, req *Request) error {
	if _, ok, err := b.member(ctx, req); !ok {
		return err
	}
	text := strings.TrimSpace(req.Raw)
	if text == "" {
		return b.reply(ctx, req, "Usage: /message <text>")
	}
	if utf8.RuneCountInString(text) > maxMessageLen {
		return b.reply(ctx, req, fmt.Sprintf("The message is longer than %d characters.", maxMessageLen))
	}
	if err := b.d.Store.UpsertMessage(ctx, req.FromID, text); err != nil {
		return err
	}
	return b.reply(ctx, req, "Message saved.")
}

func (b *Bot) cmdGroups(ctx context.Context, req *Request) error {
	if _, ok, err := b.member(ctx, req); !ok {
		return err
	}
	dests, err := b.d.Store.Destinations(ctx, req.FromID)
	if err != nil {
		return err
	}
	bl := tgui.New().Title("👥", fmt.Sprintf("Selected groups (%d/%d)", len(dests), storage.MaxDestinations))
	selected := make(map[int64]bool, len(dests))
	for _, d := range dests {
		selected[d.ID] = true
		bl.HTML(tgui.JoinH(" ", tgui.Esc("•"), tgui.Code(fmt.Sprint(d.ID)), tgui.Esc(session.DialogTitle(d.ID, d.Title))))
	}
	if len(dests) == 0 {
		bl.Line("None yet. Use /addgroup <chat id>.")
	}

	dialogs, err := b.d.Senders.Dialogs(ctx, req.FromID)
	switch {
	case err == nil:
		bl.Blank().HTML(tgui.B("Available"))
		n := 0
		for _, d := range dialogs {
			if selected[d.ID] {
				continue
			}
			n++
			bl.HTML(tgui.JoinH(" ", tgui.Esc("•"), tgui.Code(fmt.Sprint(d.ID)), tgui.Esc(session.DialogTitle(d.ID, d.Title))))
		}
		if n == 0 {
			bl.Line("No other groups found.")
		}
	case errors.Is(err, session.ErrDialogsUnsupported):
		bl.Blank().Line("Add the sending account to a group, then /addgroup <chat id>.")
	case errors.Is(err, storage.ErrNotFound):
		bl.Blank().Line("Set a credential with /session to see available groups.")
	default:
		req.Logger.Warn("list dialogs failed", logx.Err(err))
		bl.Blank().Line("Available groups could not be listed right now.")
	}
	_, err = bl.Build().Send(ctx, b.d.Adapter, req.Chat)
	return err
}

func (b *Bot) cmdAddGroup(ctx context.Context, req *Request) error {
	if _, ok, err := b.member(ctx, req); !ok {
		return err
	}
	id, err := argID(req.Args, 0)
	if err != nil {
		return b.reply(ctx, req, "Usage: /addgroup <chat id>")
	}
	d, err := b.d.Senders.ResolveChat(ctx, req.FromID, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return b.reply(ctx, req, "Set a credential with /session first.")
	case errors.Is(err, session.ErrAuth):
		return b.reply(ctx, req, "Your credential was rejected. Set a new one with /session.")
	case err != nil:
		req.Logger.Info("resolve chat failed", logx.Int64("chat_id", id), logx.Err(err))
		return b.reply(ctx, req, "That chat is not a group the account can post to.")
	}

	err = b.d.Store.AddDestination(ctx, req.FromID, storage.Destination{ID: d.ID, Title: d.Title})
	switch {
	case errors.Is(err, storage.ErrDuplicate):
		return b.reply(ctx, req, "That group is already selected.")
	case errors.Is(err, storage.ErrDestinationLimit):
		return b.reply(ctx, req, fmt.Sprintf("You can select at most %d groups. Remove one with /delgroup.", storage.MaxDestinations))
	case err != nil:
		return err
	}
	return b.reply(ctx, req, "Added "+session.DialogTitle(d.ID, d.Title)+".")
}

func (b *Bot) cmdDelGroup(ctx context.Context, req *Request) error {
	id, err := argID(req.Args, 0)
	if err != nil {
		return b.reply(ctx, req, "Usage: /delgroup <chat id>")
	}
	err = b.d.Store.RemoveDestination(ctx, req.FromID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return b.reply(ctx, req, "That group is not selected.")
	}
	if err != nil {
		return err
	}
	return b.reply(ctx, req, "Group removed.")
}

// missing lists what keeps the user from sending.
func (b *Bot) missing(ctx context.Context, userID int64) ([]string, error) {
	var out []string
	if _, err := b.d.Store.Profile(ctx, userID); errors.Is(err, storage.ErrNotFound) {
		out = append(out, "a credential (/session)")
	} else if err != nil {
		return nil, err
	}
	if _, err := b.d.Store.Message(ctx, userID); errors.Is(err, storage.ErrNotFound) {
		out = append(out, "a message (/message)")
	} else if err != nil {
		return nil, err
	}
	dests, err := b.d.Store.Destinations(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(dests) == 0 {
		out = append(out, "at least one group (/addgroup)")
	}
	return out, nil
}

func (b *Bot) run(ctx context.Context, userID int64) (string, error) {
	u, err := b.d.Store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return "Send /start first.", nil
	}
	if err != nil {
		return "", err
	}
	if u.Banned {
		return "Your account is banned.", nil
	}
	if !u.Subscribed(b.now()) {
		text := "You need an active subscription to start sending."
		if c := b.supportContact(); c != "" {
			text += " Contact " + c + "."
		}
		return text, nil
	}
	miss, err := b.missing(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(miss) > 0 {
		return "Still missing: " + strings.Join(miss, ", ") + ".", nil
	}
	if b.d.Senders.IsRunning(userID) {
		return "Sending is already running.", nil
	}
	err = b.d.Senders.Start(ctx, userID)
	if errors.Is(err, sender.ErrStopTimeout) {
		return "Your previous run is still stopping. Try /run again in a moment.", nil
	}
	if err != nil {
		return "", err
	}
	return "Sending started.", nil
}

func (b *Bot) cmdRun(ctx context.Context, req *Request) error {
	text, err := b.run(ctx, req.FromID)
	if err != nil {
		return err
	}
	return b.reply(ctx, req, text)
}

func (b *Bot) stop(ctx context.Context, userID int64) (string, error) {
	running := b.d.Senders.IsRunning(userID)
	err := b.d.Senders.Stop(ctx, userID)
	if errors.Is(err, sender.ErrStopTimeout) {
		return "Sending is stopping. The current send may take a moment to finish.", nil
	}
	if err != nil {
		return "", err
	}
	if !running {
		return "Sending was not running.", nil
	}
	return "Sending stopped.", nil
}

func (b *Bot) cmdStop(ctx context.Context, req *Request) error {
	text, err := b.stop(ctx, req.FromID)
	if err != nil {
		return err
	}
	return b.reply(ctx, req, text)
}

func (b *Bot) cbRun(ctx context.Context, req *Request, _ string) error {
	text, err := b.run(ctx, req.FromID)
	if err != nil {
		return err
	}
	return b.reply(ctx, req, text)
}

func (b *Bot) cbStop(ctx context.Context, req *Request, _ string) error {
	text, err := b.stop(ctx, req.FromID)
	if err != nil {
		return err
	}
	return b.reply(ctx, req, text)
}

// cbStatus refreshes the status message in place.
func (b *Bot) cbStatus(ctx context.Context, req *Request, _ string) error {
	m, err := b.statusMessage(ctx, req.FromID)
	if err != nil {
		return err
	}
	cb := req.Update.Callback
	return m.Edit(ctx, b.d.Adapter, kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID})
}
