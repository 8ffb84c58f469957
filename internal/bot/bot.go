// Package bot is the control bot: the commands users and admins send to
// configure and drive their senders.
package bot

import (
	"context"
	"sync/atomic"
	"time"

	"groupcast/internal/broadcast"
	"groupcast/internal/eventbus"
	"groupcast/internal/sender"
	"groupcast/internal/session"
	"groupcast/internal/storage"
	kit "groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

// Senders is the part of sender.Manager the bot drives.
type Senders interface {
	Start(ctx context.Context, userID int64) error
	Stop(ctx context.Context, userID int64) error
	IsRunning(userID int64) bool
	Status(userID int64) (sender.Status, bool)
	CleanupProfile(ctx context.Context, userID int64) error
	Dialogs(ctx context.Context, userID int64) ([]session.Dialog, error)
	ResolveChat(ctx context.Context, userID, chatID int64) (session.Dialog, error)
}

type Broadcaster interface {
	Submit(recipients []int64, text string, onDone func(broadcast.JobStatus)) (string, error)
	Status(id string) (broadcast.JobStatus, bool)
}

type Deps struct {
	Store     storage.Store
	Senders   Senders
	Broadcast Broadcaster
	// Sessions validates credentials sent with /session.
	Sessions session.Transport
	Bus      eventbus.Bus
	Adapter  kit.Adapter
	Log      logx.Logger
}

type Options struct {
	Owners         []int64
	Workers        int
	CommandTimeout time.Duration
	SupportContact string
}

type Bot struct {
	d       Deps
	log     logx.Logger
	router  *Router
	support atomic.Value // string
	now     func() time.Time
}

func New(d Deps, opt Options) *Bot {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.New()
	}
	b := &Bot{
		d:      d,
		log:    d.Log.Component("bot"),
		router: NewRouter(d.Log.Component("bot.router"), d.Adapter, opt.Owners, opt.Workers, opt.CommandTimeout),
		now:    time.Now,
	}
	b.support.Store(opt.SupportContact)
	b.router.SetRegistry(b.commands(), b.callbacks())
	return b
}

// Apply updates the reloadable options. Workers is fixed at start.
func (b *Bot) Apply(opt Options) {
	b.router.SetOwners(opt.Owners)
	b.router.SetTimeout(opt.CommandTimeout)
	b.support.Store(opt.SupportContact)
}

func (b *Bot) Router() *Router { return b.router }

func (b *Bot) supportContact() string {
	s, _ := b.support.Load().(string)
	return s
}

// Run dispatches updates until ctx ends.
func (b *Bot) Run(ctx context.Context, updates <-chan kit.Update) error {
	return b.router.DispatchLoop(ctx, updates)
}

func (b *Bot) commands() []Command {
	return []Command{
		{Name: "start", Description: "register and show the menu", Handle: b.cmdStart},
		{Name: "status", Description: "subscription, setup and sender state", Handle: b.cmdStatus},
		{Name: "session", Description: "set the sending credential", Usage: "/session <token>", Handle: b.cmdSession},
		{Name: "logout", Description: "stop sending and forget the credential and message", Handle: b.cmdLogout},
		{Name: "message", Description: "set the message to send", Usage: "/message <text>", Handle: b.cmdMessage},
		{Name: "groups", Description: "selected and available groups", Handle: b.cmdGroups},
		{Name: "addgroup", Description: "select a destination group", Usage: "/addgroup <chat id>", Handle: b.cmdAddGroup},
		{Name: "delgroup", Description: "remove a destination group", Usage: "/delgroup <chat id>", Handle: b.cmdDelGroup},
		{Name: "run", Description: "start sending", Handle: b.cmdRun},
		{Name: "stop", Description: "stop sending", Handle: b.cmdStop},

		{Name: "users", Description: "list users", Usage: "/users", Access: AccessOwnerOnly, Handle: b.cmdUsers},
		{Name: "addsub", Description: "extend a subscription", Usage: "/addsub <user id> <days>", Access: AccessOwnerOnly, Handle: b.cmdAddSub},
		{Name: "removesub", Description: "end a subscription", Usage: "/removesub <user id>", Access: AccessOwnerOnly, Handle: b.cmdRemoveSub},
		{Name: "ban", Description: "ban a user", Usage: "/ban <user id>", Access: AccessOwnerOnly, Handle: b.cmdBan},
		{Name: "unban", Description: "lift a ban", Usage: "/unban <user id>", Access: AccessOwnerOnly, Handle: b.cmdUnban},
		{Name: "broadcast", Description: "announce to every user", Usage: "/broadcast <text>", Access: AccessOwnerOnly, Handle: b.cmdBroadcast},
		{Name: "job", Description: "broadcast job progress", Usage: "/job <id>", Access: AccessOwnerOnly, Handle: b.cmdJob},
		{Name: "audit", Description: "recent admin actions", Usage: "/audit", Access: AccessOwnerOnly, Handle: b.cmdAudit},
	}
}

func (b *Bot) callbacks() []CallbackRoute {
	return []CallbackRoute{
		{Scope: scopeSender, Action: "run", Handle: b.cbRun},
		{Scope: scopeSender, Action: "stop", Handle: b.cbStop},
		{Scope: scopeSender, Action: "status", Handle: b.cbStatus},
	}
}

func (b *Bot) send(ctx context.Context, chatID int64, text string) {
	if _, err := b.d.Adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		b.log.Warn("send failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

// notify is a best-effort direct message to a user.
func (b *Bot) notify(ctx context.Context, userID int64, text string) {
	b.send(ctx, userID, text)
}
