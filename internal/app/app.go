package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"greetbot/internal/bot"
	"greetbot/internal/config"
	"greetbot/internal/conversation"
	"greetbot/internal/countdown"
	"greetbot/internal/eventbus"
	"greetbot/internal/greeting"
	"greetbot/internal/quote"
	"greetbot/internal/render"
	"greetbot/internal/runtime/supervisor"
	"greetbot/internal/storage"
	"greetbot/internal/task/engine"
	"greetbot/internal/task/scheduler"
	kit "greetbot/internal/transport"
	telegram "greetbot/internal/transport/telegram/adapter"
	"greetbot/internal/transport/telegram/router"
	logx "greetbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	adapter  *telegram.Adapter
	engine   *engine.Service
	registry *scheduler.Registry
	greeter  *greeting.Service
	sessions *conversation.Store
	sched    scheduleSettings
	router   router.Config

	cmdm *router.CommandManager

	updates chan kit.Update
}

// NewApp loads the config and builds every component that does not need
// the run context.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	adCfg, err := mapAdapterConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(adCfg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("audit storage enabled", logx.String("driver", sc.Driver))
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)

	sched, err := mapScheduleConfig(cfg)
	if err != nil {
		return nil, err
	}
	registry := scheduler.NewRegistry(engineSvc,
		scheduler.WithLogger(log.With(logx.String("comp", "scheduler"))),
		scheduler.WithBus(bus),
		scheduler.WithLocation(sched.loc),
		scheduler.WithTaskTimeout(sched.taskTimeout),
	)

	qCfg, filterAttempts, err := mapQuoteConfig(cfg)
	if err != nil {
		return nil, err
	}
	quotes := quote.NewFiltered(quote.NewClient(qCfg), filterAttempts)

	rOpts, err := mapRenderOptions(cfg)
	if err != nil {
		return nil, err
	}
	renderer, err := render.New(rOpts)
	if err != nil {
		return nil, err
	}

	gCfg, err := mapGreetingConfig(cfg)
	if err != nil {
		return nil, err
	}
	greeter := greeting.New(gCfg, quotes, renderer, ad, log.With(logx.String("comp", "greeting")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		engine:   engineSvc,
		registry: registry,
		greeter:  greeter,
		sessions: conversation.NewStore(sched.sessionTimeout, log.With(logx.String("comp", "conversation"))),
		sched:    sched,
		router:   mapRouterConfig(cfg),
		updates:  make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	// Countdowns run under the app supervisor so Stop ends them.
	cd := countdown.New(a.sched.countdown, a.adapter, a.registry, a.sup, a.log.With(logx.String("comp", "countdown")))
	handlers := bot.New(a.greeter, a.registry, cd, a.sessions, a.sched.loc, a.log.With(logx.String("comp", "bot")))

	a.cmdm = router.NewCommandManager(a.router, a.log.With(logx.String("comp", "commands")), a.adapter, a.sup)
	a.cmdm.SetFallback(handlers.Text)
	a.cmdm.SetRegistry(handlers.Commands())

	a.reportUnrestored(a.sup.Context())
	a.engine.Start(a.sup.Context())
	a.registry.Start(a.sup.Context())

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})
	a.sup.Go("conversation.sweep", func(c context.Context) error {
		return a.sessions.Run(c, time.Minute)
	})
	a.sup.Go0("eventbus.audit", a.runEvents)
	a.sup.Go0("config.reload", a.runReload)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.String("tz", a.sched.loc.String()))
	return nil
}

// runReload applies hot-reloadable sections (logging, task engine) and
// warns about sections that need a restart.
func (a *App) runReload(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
		// Coalesce bursts: keep only the latest config in the channel.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}

		sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
		lastApplied = newCfg
		if len(sections) == 0 {
			a.log.Info("config reloaded (no changes)")
			continue
		}

		a.logs.Apply(mapLogConfig(newCfg))
		if engCfg, err := mapEngineConfig(newCfg); err != nil {
			a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		} else {
			a.engine.Apply(ctx, engCfg)
		}
		if restart := config.RestartRequired(sections); len(restart) > 0 {
			a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
		}

		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.registry.Stop(c); return nil })
	a.step(ctx, "taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	// The audit subscriber is gone once the supervisor has drained.
	a.step(ctx, "storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	snap := a.engine.Snapshot()
	failed := 0
	for _, h := range snap.History {
		if h.Error != "" {
			failed++
		}
	}
	a.log.Info("stopped",
		logx.Int("jobs_dropped", a.registry.Len()),
		logx.Int("recent_tasks", len(snap.History)),
		logx.Int("recent_failed", failed),
		logx.Uint64("tasks_dropped", snap.Dropped),
		logx.Uint64("tasks_dropped_stopped", snap.DroppedStopped),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so a stuck component
// cannot stall the whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
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
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
