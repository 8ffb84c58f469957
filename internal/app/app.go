package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"groupcast/internal/bot"
	"groupcast/internal/broadcast"
	"groupcast/internal/config"
	"groupcast/internal/eventbus"
	"groupcast/internal/runtime/supervisor"
	"groupcast/internal/sender"
	"groupcast/internal/session"
	"groupcast/internal/session/botapi"
	"groupcast/internal/storage"
	kit "groupcast/internal/transport"
	"groupcast/internal/transport/telegram"
	logx "groupcast/pkg/logx"
	"groupcast/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	pool    *session.Pool
	senders *sender.Manager
	bcast   *broadcast.Service
	bot     *bot.Bot

	updates chan kit.Update
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The adapter is the Telegram log sink, so it exists before logx.Service.
	bootLog := logx.NewConsole("info").Component("telegram")
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), logx.SinkFunc(func(ctx context.Context, chatID int64, text string) error {
		_, err := ad.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil)
		return err
	}))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, log.Component("storage"))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	// From here on the store must be closed on error.
	fail := func(err error) (*App, error) {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}

	senderCfg, err := mapSenderConfig(cfg)
	if err != nil {
		return fail(err)
	}
	bcCfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return fail(err)
	}
	botOpts, err := mapBotOptions(cfg)
	if err != nil {
		return fail(err)
	}

	bus := eventbus.New()
	transport := botapi.New()
	pool := session.NewPool(transport, log.Component("session.pool"), session.WithConnectTimeout(senderCfg.SendTimeout))
	mgr := sender.New(senderCfg, store, pool, log.Component("sender"), bus)
	bc := broadcast.New(bcCfg, bot.BroadcastSender(ad), log.Component("broadcast"))
	b := bot.New(bot.Deps{
		Store:     store,
		Senders:   mgr,
		Broadcast: bc,
		Sessions:  transport,
		Bus:       bus,
		Adapter:   ad,
		Log:       log,
	}, botOpts)

	return &App{
		cfgm:    cfgm,
		log:     log.Component("app"),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		pool:    pool,
		senders: mgr,
		bcast:   bc,
		bot:     b,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.Component("config"))
	a.cfgm.SetValidator(validateReload)

	a.bcast.Start(a.sup.Context())
	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.log.Info("control bot connected", logx.String("username", a.adapter.Username()))

	a.sup.Go("bot.dispatch", func(c context.Context) error {
		return a.bot.Run(c, a.updates)
	})
	notices, unsubNotices := a.bot.SubscribeEvents()
	a.sup.Go0("bot.events", func(c context.Context) {
		defer unsubNotices()
		a.bot.WatchEvents(c, notices)
	})
	a.sup.Go0("bot.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 10*time.Second)
		defer cancel()
		if err := a.bot.Router().PublishMenu(mctx); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
	})

	if err := a.senders.Boot(a.sup.Context()); err != nil {
		return fmt.Errorf("restore senders: %w", err)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.User(e.UserID), logx.String("reason", e.Reason))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Only the newest of a burst matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) { systemd.Watchdog(c, a.log) })

	systemd.Ready(a.log)
	a.log.Info("app started", logx.Int("senders", len(a.senders.Running())))
	return nil
}

// applyConfig pushes the reloadable sections to the running components.
func (a *App) applyConfig(prev, next *config.Config) {
	ch := config.Diff(prev, next)
	if len(ch.Sections) == 0 && len(ch.Restart) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("settings", strings.Join(ch.Restart, ",")))
	}
	if ch.Has("logging") {
		a.logs.Apply(mapLogConfig(next))
	}
	if ch.Has("telegram") {
		if opts, err := mapBotOptions(next); err != nil {
			a.log.Warn("invalid telegram config; keeping previous", logx.Err(err))
		} else {
			a.bot.Apply(opts)
		}
	}
	if ch.Has("sender") {
		if sc, err := mapSenderConfig(next); err != nil {
			a.log.Warn("invalid sender config; keeping previous", logx.Err(err))
		} else {
			a.senders.Apply(sc)
		}
	}
	if ch.Has("broadcast") {
		if bc, err := mapBroadcastConfig(next); err != nil {
			a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
		} else {
			a.bcast.Apply(bc)
		}
	}
	a.log.Info("config reloaded", ch.Fields()...)
}

// Stop shuts components down in order, each step bounded so one stuck
// component cannot hold up the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	systemd.Stopping(a.log)

	// Intake first: no new commands while senders wind down.
	a.step(ctx, "adapter", 3*time.Second, a.adapter.Stop)
	a.step(ctx, "senders", 20*time.Second, a.senders.Shutdown)
	a.sup.Cancel()
	a.step(ctx, "broadcast", 2*time.Second, func(c context.Context) error { a.bcast.Stop(c); return nil })
	a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		// never extend the caller's deadline
		limit = min(limit, max(time.Until(dl), 0))
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
