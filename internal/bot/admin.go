package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"groupcast/internal/broadcast"
	"groupcast/internal/storage"
	kit "groupcast/internal/transport"
	logx "groupcast/pkg/logx"
	"groupcast/pkg/tgui"
)

const (
	usersPageSize = 50
	auditPageSize = 20
	maxSubDays    = 3650
)

// audit records an admin action. Failures are logged, not returned.
func (b *Bot) audit(ctx context.Context, req *Request, action string, target int64, detail string) {
	err := b.d.Store.AppendAudit(ctx, storage.AuditEntry{
		At:      b.now(),
		ActorID: req.FromID,
		Action:  action,
		Target:  target,
		Detail:  detail,
	})
	if err != nil {
		req.Logger.Warn("audit write failed", logx.String("action", action), logx.Err(err))
	}
}

func (b *Bot) cmdUsers(ctx context.Context, req *Request) error {
	users, err := b.d.Store.ListUsers(ctx, usersPageSize)
	if err != nil {
		return err
	}
	now := b.now()
	bl := tgui.New().Title("👤", fmt.Sprintf("Users (latest %d)", len(users)))
	for _, u := range users {
		var flags []string
		if u.Subscribed(now) {
			flags = append(flags, "sub "+u.SubscriptionUntil.Format("2006-01-02"))
		}
		if b.d.Senders.IsRunning(u.ID) {
			flags = append(flags, "running")
		} else if u.Active {
			flags = append(flags, "active")
		}
		if u.Banned {
			flags = append(flags, "banned")
		}
		line := tgui.JoinH(" ", tgui.Code(strconv.FormatInt(u.ID, 10)), tgui.Esc(tgui.TruncRunes(u.FullName, 32)))
		if len(flags) > 0 {
			line = tgui.JoinH(" ", line, tgui.I(strings.Join(flags, ", ")))
		}
		bl.HTML(line)
	}
	if len(users) == 0 {
		bl.Line("No users yet.")
	}
	_, err = bl.Build().Send(ctx, b.d.Adapter, req.Chat)
	return err
}

func (b *Bot) cmdAddSub(ctx context.Context, req *Request) error {
	id, err := argID(req.Args, 0)
	if err != nil {
		return b.reply(ctx, req, "Usage: /addsub <user id> <days>")
	}
	days := 0
	if len(req.Args) > 1 {
		days, _ = strconv.Atoi(req.Args[1])
	}
	if days <= 0 || days > maxSubDays {
		return b.reply(ctx, req, fmt.Sprintf("Days must be between 1 and %d.", maxSubDays))
	}
	until, err := b.d.Store.AddSubscription(ctx, id, days)
	if errors.Is(err, storage.ErrNotFound) {
		return b.reply(ctx, req, "Unknown user. They must send /start first.")
	}
	if err != nil {
		return err
	}
	b.audit(ctx, req, "addsub", id, strconv.Itoa(days)+"d")
	b.notify(ctx, id, "Your subscription is active until "+until.Format(dateTimeLayout)+".")
	return b.reply(ctx, req, fmt.Sprintf("User %d subscribed until %s.", id, until.Format(dateTimeLayout)))
}

func (b *Bot) cmdRemoveSub(ctx context.Context, req *Request) error {
	id, err := argID(req.Args, 0)
	if err != nil {
		return b.reply(ctx, req, "Usage: /removesub <user id>")
	}
	if err := b.d.Senders.Stop(ctx, id); err != nil {
		return err
	}
	err = b.d.Store.RemoveSubscription(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return b.reply(ctx, req, "Unknown user.")
	}
	if err != nil {
		return err
	}
	b.audit(ctx, req, "removesub", id, "")
	b.notify(ctx, id, "Your subscription was removed. Sending has stopped.")
	return b.reply(ctx, req, fmt.Sprintf("Subscription of user %d removed.", id))
}

func (b *Bot) cmdBan(ctx context.Context, req *Request) error {
	id, err := argID(req.Args, 0)
	if err != nil {
		return b.reply(ctx, req, "Usage: /ban <user id>")
	}
	if b.router.IsOwner(id) {
		return b.reply(ctx, req, "Admins cannot be banned.")
	}
	if err := b.d.Senders.Stop(ctx, id); err != nil {
		return err
	}
	err = b.d.Store.Ban(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return b.reply(ctx, req, "Unknown user.")
	}
	if err != nil {
		return err
	}
	b.audit(ctx, req, "ban", id, "")
	return b.reply(ctx, req, fmt.Sprintf("User %d banned.", id))
}

func (b *Bot) cmdUnban(ctx context.Context, req *Request) error {
	id, err := argID(req.Args, 0)
	if err != nil {
		return b.reply(ctx, req, "Usage: /unban <user id>")
	}
	err = b.d.Store.Unban(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return b.reply(ctx, req, "Unknown user.")
	}
	if err != nil {
		return err
	}
	b.audit(ctx, req, "unban", id, "")
	return b.reply(ctx, req, fmt.Sprintf("User %d unbanned.", id))
}

func (b *Bot) cmdBroadcast(ctx context.Context, req *Request) error {
	text := strings.TrimSpace(req.Raw)
	if text == "" {
		return b.reply(ctx, req, "Usage: /broadcast <text>")
	}
	ids, err := b.d.Store.UserIDs(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return b.reply(ctx, req, "There are no users to reach.")
	}
	admin := req.Chat
	// ctx ends with this request; the summary arrives much later.
	detached := context.WithoutCancel(ctx)
	id, err := b.d.Broadcast.Submit(ids, text, func(st broadcast.JobStatus) {
		_, err := jobMessage(st).Send(detached, b.d.Adapter, admin)
		if err != nil {
			b.log.Warn("broadcast summary failed", logx.String("job", st.ID), logx.Err(err))
		}
	})
	switch {
	case errors.Is(err, broadcast.ErrQueueFull):
		return b.reply(ctx, req, "Too many broadcasts queued. Try again later.")
	case err != nil:
		return err
	}
	b.audit(ctx, req, "broadcast", 0, id)
	return b.reply(ctx, req, fmt.Sprintf("Broadcast %s queued for %d users. Track it with /job %s", id, len(ids), id))
}

func jobMessage(st broadcast.JobStatus) tgui.Message {
	state := "queued"
	switch {
	case st.Finished():
		state = "finished"
	case st.Running:
		state = "running"
	}
	bl := tgui.New().Title("📣", "Broadcast "+st.ID).
		KV("State", state).
		KV("Delivered", fmt.Sprintf("%d/%d", st.Done, st.Total)).
		KV("Failed", strconv.Itoa(st.Failed))
	if st.Finished() && !st.StartedAt.IsZero() {
		bl.KV("Took", st.DoneAt.Sub(st.StartedAt).Round(time.Second).String())
	}
	return bl.Build()
}

func (b *Bot) cmdJob(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return b.reply(ctx, req, "Usage: /job <id>")
	}
	st, ok := b.d.Broadcast.Status(req.Args[0])
	if !ok {
		return b.reply(ctx, req, "No such job (only recent jobs are kept).")
	}
	_, err := jobMessage(st).Send(ctx, b.d.Adapter, req.Chat)
	return err
}

func (b *Bot) cmdAudit(ctx context.Context, req *Request) error {
	entries, err := b.d.Store.ListAudit(ctx, auditPageSize)
	if err != nil {
		return err
	}
	bl := tgui.New().Title("🧾", "Recent admin actions")
	for _, e := range entries {
		parts := []string{e.At.Format(dateTimeLayout), strconv.FormatInt(e.ActorID, 10), e.Action}
		if e.Target != 0 {
			parts = append(parts, strconv.FormatInt(e.Target, 10))
		}
		if e.Detail != "" {
			parts = append(parts, e.Detail)
		}
		bl.Line(strings.Join(parts, " "))
	}
	if len(entries) == 0 {
		bl.Line("Nothing recorded.")
	}
	_, err = bl.Build().Send(ctx, b.d.Adapter, req.Chat)
	return err
}

// adapterSender delivers broadcast texts through the control bot.
type adapterSender struct{ ad kit.Adapter }

// BroadcastSender returns a broadcast.Sender that sends through ad.
func BroadcastSender(ad kit.Adapter) broadcast.Sender { return adapterSender{ad: ad} }

func (s adapterSender) SendText(ctx context.Context, chatID int64, text string) error {
	_, err := s.ad.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil)
	return err
}
