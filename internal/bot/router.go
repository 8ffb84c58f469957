package bot

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"groupcast/internal/runtime/supervisor"
	kit "groupcast/internal/transport"
	logx "groupcast/pkg/logx"
	"groupcast/pkg/tgui"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // overrides the router default
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

type CallbackRoute struct {
	Scope   string
	Action  string
	Access  Access
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

type Request struct {
	Update   kit.Update
	Chat     kit.ChatTarget
	FromID   int64
	FromName string
	Command  string
	Args     []string
	// Raw is the text after the command word with line breaks kept.
	Raw     string
	Payload string
	ReqID   string
	Logger  logx.Logger
}

// Router turns updates into handler calls on a bounded worker pool.
type Router struct {
	mu        sync.RWMutex
	cmds      map[string]Command
	callbacks map[string]map[string]CallbackRoute
	owners    []int64
	timeout   time.Duration

	log     logx.Logger
	adapter kit.Adapter
	workers int

	runMu   sync.Mutex
	running bool

	jobs chan func()
}

func NewRouter(log logx.Logger, adapter kit.Adapter, owners []int64, workers int, timeout time.Duration) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if workers <= 0 {
		workers = max(runtime.NumCPU(), 2)
	}
	return &Router{
		cmds:      map[string]Command{},
		callbacks: map[string]map[string]CallbackRoute{},
		owners:    append([]int64(nil), owners...),
		timeout:   timeout,
		log:       log,
		adapter:   adapter,
		workers:   workers,
		jobs:      make(chan func(), 256),
	}
}

// SetOwners replaces the admin list. Safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) IsOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

func (r *Router) SetTimeout(d time.Duration) {
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

// SetRegistry replaces the command and callback tables. /help is added.
func (r *Router) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	table := map[string]Command{}
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		table[name] = c
	}
	table["help"] = Command{
		Name:        "help",
		Description: "list commands",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			m := r.helpText(r.IsOwner(req.FromID))
			_, err := m.Send(ctx, r.adapter, req.Chat)
			return err
		},
	}

	cb := map[string]map[string]CallbackRoute{}
	for _, rt := range cbs {
		scope, action := strings.TrimSpace(rt.Scope), strings.TrimSpace(rt.Action)
		if scope == "" || action == "" || rt.Handle == nil {
			continue
		}
		if cb[scope] == nil {
			cb[scope] = map[string]CallbackRoute{}
		}
		cb[scope][action] = rt
	}

	r.mu.Lock()
	r.cmds = table
	r.callbacks = cb
	r.mu.Unlock()
}

func (r *Router) commands() []Command {
	r.mu.RLock()
	out := make([]Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Access != out[j].Access {
			return out[i].Access < out[j].Access
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// PublishMenu pushes the public commands to the platform menu when the
// adapter supports it. Admin commands stay out of the menu.
func (r *Router) PublishMenu(ctx context.Context) error {
	up, ok := r.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	var menu []kit.BotCommand
	for _, c := range r.commands() {
		if c.Access == AccessEveryone {
			menu = append(menu, kit.BotCommand{Command: c.Name, Description: c.Description})
		}
	}
	return up.UpdateMenuCommands(ctx, menu)
}

func (r *Router) helpText(owner bool) tgui.Message {
	b := tgui.New().Title("📚", "Commands")
	admin := false
	for _, c := range r.commands() {
		if c.Access == AccessOwnerOnly {
			if !owner {
				continue
			}
			if !admin {
				b.Blank().HTML(tgui.B("Admin"))
				admin = true
			}
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.HTML(tgui.JoinH(" ", tgui.Code(usage), tgui.Esc(c.Description)))
	}
	return b.Build()
}

func (r *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop reads updates until ctx ends or updates is closed.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		return errors.New("bot: dispatcher already running")
	}
	r.running = true
	r.runMu.Unlock()

	sup := supervisor.New(ctx,
		supervisor.WithLogger(r.log.Component("bot.router")),
		supervisor.WithCancelOnError(false),
	)
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers), logx.Int("job_queue_cap", cap(r.jobs)))

	jobs := r.jobs
	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					r.runJob(idx, job)
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithPublishFirstError(true),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		r.runMu.Lock()
		r.running = false
		close(r.jobs)
		r.jobs = make(chan func(), cap(jobs))
		r.runMu.Unlock()

		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

func (r *Router) runJob(worker int, job func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

// Route dispatches one update. Handlers run on the worker pool.
func (r *Router) Route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		r.routeMessage(ctx, up)
	case kit.UpdateCallback:
		r.routeCallback(ctx, up)
	}
}

func (r *Router) reply(ctx context.Context, chat kit.ChatTarget, text string) {
	if _, err := r.adapter.SendText(ctx, chat, text, nil); err != nil {
		r.log.Debug("reply failed", logx.Int64("chat_id", chat.ChatID), logx.Err(err))
	}
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	word, rest := splitCommand(msg.Text)
	if word == "" {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID}

	r.mu.RLock()
	cmd, ok := r.cmds[word]
	r.mu.RUnlock()
	if !ok {
		r.reply(ctx, chat, "Unknown command. Try /help")
		return
	}
	if cmd.Access == AccessOwnerOnly && !r.IsOwner(msg.FromID) {
		r.reply(ctx, chat, "This command is for admins only.")
		return
	}

	rid := newReqID()
	req := &Request{
		Update:   up,
		Chat:     chat,
		FromID:   msg.FromID,
		FromName: msg.FromName,
		Command:  cmd.Name,
		Args:     tokenizeCommandLine(rest),
		Raw:      rest,
		ReqID:    rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	r.enqueue(ctx, req, cmd.Handle, cmd.Timeout, func() {
		r.reply(ctx, chat, "Busy, try again in a moment.")
	})
}

func (r *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	scope, action, payload, ok := tgui.ParseData(cb.Data)
	if !ok {
		return
	}
	r.mu.RLock()
	route, ok := r.callbacks[scope][action]
	r.mu.RUnlock()
	if !ok {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	if route.Access == AccessOwnerOnly && !r.IsOwner(cb.FromID) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}

	rid := newReqID()
	name := "cb:" + scope + ":" + action
	req := &Request{
		Update:   up,
		Chat:     kit.ChatTarget{ChatID: cb.ChatID},
		FromID:   cb.FromID,
		FromName: cb.FromName,
		Command:  name,
		Payload:  payload,
		ReqID:    rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("from_id", cb.FromID),
			logx.String("cmd", name),
		),
	}
	h := func(c context.Context, rq *Request) error {
		err := route.Handle(c, rq, payload)
		// clears the client's loading state
		_ = r.adapter.AnswerCallback(c, cb.ID, "")
		return err
	}
	r.enqueue(ctx, req, h, route.Timeout, func() {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "busy")
	})
}

func (r *Router) enqueue(ctx context.Context, req *Request, h HandlerFunc, timeout time.Duration, busy func()) {
	if timeout <= 0 {
		r.mu.RLock()
		timeout = r.timeout
		r.mu.RUnlock()
	}
	final := Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
	job := func() {
		if err := final(ctx, req); err != nil && ctx.Err() == nil {
			r.reply(ctx, req.Chat, "Something went wrong (ref "+req.ReqID+").")
		}
	}
	r.runMu.Lock()
	ok := r.running && r.tryEnqueue(job)
	r.runMu.Unlock()
	if !ok {
		busy()
	}
}
