// Package app wires the chargewatch components together and owns their
// lifecycle and config hot reload.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"chargewatch/internal/config"
	"chargewatch/internal/eventbus"
	"chargewatch/internal/metrics"
	"chargewatch/internal/notifier"
	"chargewatch/internal/notifier/broadcast"
	"chargewatch/internal/ops"
	"chargewatch/internal/poller"
	"chargewatch/internal/router"
	rtsup "chargewatch/internal/runtime/supervisor"
	"chargewatch/internal/station"
	"chargewatch/internal/storage"
	"chargewatch/internal/subscription"
	"chargewatch/internal/transport"
	"chargewatch/internal/transport/telegram"
	logx "chargewatch/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics
	audit   storage.Store
	started time.Time

	adapter transport.Adapter
	vendor  *station.Client
	catalog *station.Catalog
	subs    *subscription.Store

	notif  *notifier.Service
	bcast  *broadcast.Service
	poll   *poller.Loop
	router *router.Router
	ops    *ops.Server

	updates chan transport.Update
}

// New loads the config (file plus environment) and builds every component.
// Nothing runs until Start.
func New(cfgPath string, lookup config.LookupFunc) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath, lookup)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateRuntime(cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "gateway"))
	ad, err := newGateway(cfg, bootLog)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	// Targets first so Apply does not start the operator sink with nobody to tell.
	logCfg := mapLoggingConfig(cfg)
	enableOperator := logCfg.Operator.Enabled
	logCfg.Operator.Enabled = false
	logSvc, log := logx.New(logCfg, ad)
	logSvc.SetOperatorTargets(operatorTargets(cfg))
	logCfg.Operator.Enabled = enableOperator
	logSvc.Apply(logCfg)
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	m := metrics.New()

	audit := storage.Nop()
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		audit = st
		appLog.Info("audit storage enabled", logx.String("driver", sc.Driver))
	}

	scfg, ttl, err := mapStationConfig(cfg)
	if err != nil {
		return nil, err
	}
	vendor, err := station.New(scfg, log.With(logx.String("comp", "vendor")))
	if err != nil {
		return nil, fmt.Errorf("vendor: %w", err)
	}
	catalog := station.NewCatalog(vendor, ttl)
	subs := subscription.NewStore()

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus)
	bcast := broadcast.New(mapBroadcastConfig(cfg), ad, log.With(logx.String("comp", "broadcast")))

	pcfg, err := mapPollerConfig(cfg)
	if err != nil {
		return nil, err
	}
	poll := poller.New(pcfg, subs, vendor, notif,
		poller.WithLogger(log.With(logx.String("comp", "poller"))),
		poller.WithBus(bus),
		poller.WithMetrics(m),
		poller.WithAudit(audit),
		poller.WithNotices(notif),
		poller.WithStationNames(catalog.Name),
	)

	rcfg, err := mapRouterConfig(cfg)
	if err != nil {
		return nil, err
	}
	rt := router.New(rcfg, router.Deps{
		Store:       subs,
		Catalog:     catalog,
		Replier:     notif,
		Broadcaster: bcast,
		Bus:         bus,
		Metrics:     m,
		Audit:       audit,
		Log:         log.With(logx.String("comp", "commands")),
	})

	a := &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		metrics: m,
		audit:   audit,
		adapter: ad,
		vendor:  vendor,
		catalog: catalog,
		subs:    subs,
		notif:   notif,
		bcast:   bcast,
		poll:    poll,
		router:  rt,
		updates: make(chan transport.Update, 256),
	}

	ocfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.ops = ops.New(ocfg, m.Registry, a.status, log.With(logx.String("comp", "ops")))
	return a, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.started = time.Now()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateRuntime(cfg)
	})

	runCtx := a.sup.Context()
	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return fmt.Errorf("gateway start: %w", err)
	}
	a.notif.Start(runCtx)
	a.bcast.Start(runCtx)
	a.ops.Start(runCtx)

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	if tg, ok := a.adapter.(*telegram.Adapter); ok {
		a.sup.Go0("telegram.menu", func(c context.Context) {
			entries := a.router.Menu()
			menu := make([]telegram.MenuCommand, 0, len(entries))
			for _, e := range entries {
				menu = append(menu, telegram.MenuCommand{Command: e.Command, Description: e.Description})
			}
			if err := tg.SetMenu(c, menu); err != nil {
				a.log.Warn("telegram menu update failed", logx.Err(err))
			}
		})
	}

	a.poll.Start(runCtx)

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	reloads := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(reloads)
		applied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-reloads:
				if !ok {
					return
				}
				next = latest(reloads, next)
				a.applyConfig(c, applied, next)
				applied = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("systemd.watchdog", func(c context.Context) { watchdogLoop(c, a.log) })
	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("gateway", a.adapter.Name()))
	for _, n := range startupNotices(a.cfgm.Get(), a.adapter.Name()) {
		if err := a.notif.Notify(ctx, n); err != nil {
			a.log.Debug("startup notice not queued", logx.String("target", n.Target.String()), logx.Err(err))
		}
	}
	return nil
}

// startupNotices tells each operator the bot is up.
func startupNotices(cfg *config.Config, gateway string) []transport.Notification {
	targets := operatorTargets(cfg)
	out := make([]transport.Notification, 0, len(targets))
	for _, t := range targets {
		out = append(out, transport.Notification{
			Channel: "startup",
			Target:  t,
			Text:    fmt.Sprintf("chargewatch started (gateway %s).", gateway),
		})
	}
	return out
}

// latest drains queued configs and returns the newest.
func latest(ch <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-ch:
			if !ok {
				return cur
			}
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// applyConfig hot-applies the reloadable sections.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	sdNotify(a.log, daemon.SdNotifyReloading)
	defer sdNotify(a.log, daemon.SdNotifyReady)

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for these sections", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.SetOperatorTargets(operatorTargets(next))
	a.logs.Apply(mapLoggingConfig(next))

	if rc, err := mapRouterConfig(next); err != nil {
		a.log.Warn("invalid bot config; keeping previous", logx.Err(err))
	} else {
		a.router.Apply(rc)
	}
	if pc, err := mapPollerConfig(next); err != nil {
		a.log.Warn("invalid poller config; keeping previous", logx.Err(err))
	} else {
		a.poll.Apply(pc)
	}
	if nc, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(nc)
		if nc.Enabled {
			a.notif.Start(ctx)
		} else {
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		}
	}
	bc := mapBroadcastConfig(next)
	a.bcast.Apply(bc)
	if bc.Enabled {
		a.bcast.Start(ctx)
	}
	if oc, err := mapOpsConfig(next); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)
	a.sup.Cancel()

	a.step(ctx, "poller", 3*time.Second, func(c context.Context) error { a.poll.Stop(c); return nil })
	a.step(ctx, "broadcast", 2*time.Second, func(c context.Context) error { a.bcast.Stop(c); return nil })
	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "gateway", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.step(ctx, "storage", time.Second, func(c context.Context) error { return a.audit.Close() })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max and by the caller's deadline,
// so one stuck component cannot stall the rest.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
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
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
