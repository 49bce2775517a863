// Package poller runs the poll-evaluate-notify cycle: every interval it
// queries each station that has an active subscription, fires the
// subscriptions whose threshold is met and delivers one notification each.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"chargewatch/internal/eventbus"
	"chargewatch/internal/metrics"
	"chargewatch/internal/station"
	"chargewatch/internal/storage"
	"chargewatch/internal/subscription"
	"chargewatch/internal/transport"
	logx "chargewatch/pkg/logx"
)

type Loop struct {
	store   *subscription.Store
	slots   SlotSource
	sender  Sender
	notices NoticeSender
	names   func(id string) string

	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	audit   storage.Store
	now     func() time.Time

	mu        sync.Mutex
	cfg       Config
	c         *cron.Cron
	entry     cron.EntryID
	runCtx    context.Context
	runCancel context.CancelFunc

	// cycleMu serializes RunCycle between the cron trigger and direct callers.
	cycleMu sync.Mutex

	lastMu sync.Mutex
	last   CycleResult
}

type Option func(*Loop)

func WithLogger(l logx.Logger) Option { return func(p *Loop) { p.log = l } }

func WithBus(b eventbus.Bus) Option { return func(p *Loop) { p.bus = b } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Loop) { p.metrics = m } }

func WithAudit(s storage.Store) Option { return func(p *Loop) { p.audit = s } }

// WithNotices enables expiry notices to subscription owners.
func WithNotices(n NoticeSender) Option { return func(p *Loop) { p.notices = n } }

// WithStationNames resolves display names for notification texts.
func WithStationNames(fn func(id string) string) Option { return func(p *Loop) { p.names = fn } }

func WithClock(now func() time.Time) Option { return func(p *Loop) { p.now = now } }

func New(cfg Config, store *subscription.Store, slots SlotSource, sender Sender, opts ...Option) *Loop {
	p := &Loop{
		cfg:    cfg.withDefaults(),
		store:  store,
		slots:  slots,
		sender: sender,
		log:    logx.Nop(),
		bus:    eventbus.Nop(),
		audit:  storage.Nop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	return p
}

// Start runs one cycle immediately and then schedules the rest. It is idempotent.
func (p *Loop) Start(ctx context.Context) {
	p.mu.Lock()
	if p.c != nil {
		p.mu.Unlock()
		return
	}
	p.runCtx, p.runCancel = context.WithCancel(ctx)
	runCtx := p.runCtx
	cl := cronLogger{log: p.log}
	p.c = cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	p.scheduleLocked()
	p.c.Start()
	interval := p.cfg.Interval
	p.mu.Unlock()

	p.log.Info("poll loop started", logx.Duration("interval", interval))
	go p.RunCycle(runCtx)
}

func (p *Loop) scheduleLocked() {
	runCtx := p.runCtx
	p.entry = p.c.Schedule(cron.Every(p.cfg.Interval), cron.FuncJob(func() {
		p.RunCycle(runCtx)
	}))
}

// Stop cancels any in-flight cycle and waits for the trigger to wind down.
func (p *Loop) Stop(ctx context.Context) {
	p.mu.Lock()
	c := p.c
	cancel := p.runCancel
	p.c = nil
	p.runCancel = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	p.log.Info("poll loop stopped")
}

// Apply swaps the config. A changed interval reschedules the trigger.
func (p *Loop) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.cfg
	p.cfg = cfg
	if p.c != nil && prev.Interval != cfg.Interval {
		p.c.Remove(p.entry)
		p.scheduleLocked()
		p.log.Info("poll interval changed", logx.Duration("from", prev.Interval), logx.Duration("to", cfg.Interval))
	}
}

// Last returns the result of the most recent completed cycle.
// It does not wait for a cycle in flight.
func (p *Loop) Last() CycleResult {
	p.lastMu.Lock()
	defer p.lastMu.Unlock()
	return p.last
}

// RunCycle performs one full sweep-query-evaluate-notify pass. Errors are
// handled per station and per subscription; nothing here is fatal.
func (p *Loop) RunCycle(ctx context.Context) CycleResult {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()

	start := p.now()
	res := CycleResult{At: start}
	res.Expired, res.Rearmed = p.sweep(ctx, cfg, start)

	stations := p.store.DistinctActiveStations()
	res.Stations = len(stations)
	if len(stations) > 0 {
		p.pollStations(ctx, cfg, stations, &res)
	}

	res.Took = p.now().Sub(start)
	st := p.store.Stats()
	p.metrics.SetSubscriptions(st.Active, st.Fired, st.Stations)
	p.metrics.ObservePollCycle(res.Took)
	p.bus.Publish(eventbus.Event{Type: eventbus.TypePollCycle, Time: start, Data: res})
	if res.Fired > 0 || res.Failed > 0 || res.Expired > 0 {
		p.log.Info("poll cycle",
			logx.Int("stations", res.Stations),
			logx.Int("failed", res.Failed),
			logx.Int("fired", res.Fired),
			logx.Int("delivered", res.Delivered),
			logx.Int("expired", res.Expired),
			logx.Duration("took", res.Took),
		)
	} else {
		p.log.Debug("poll cycle", logx.Int("stations", res.Stations), logx.Duration("took", res.Took))
	}
	p.lastMu.Lock()
	p.last = res
	p.lastMu.Unlock()
	return res
}

func (p *Loop) sweep(ctx context.Context, cfg Config, now time.Time) (expired, rearmed int) {
	for _, sub := range p.store.Expire(now) {
		expired++
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeSubscriptionExpired, Time: now, Data: sub})
		p.appendAudit(ctx, storage.Entry{At: now, Kind: storage.KindExpire, SubscriptionID: sub.ID, StationID: sub.StationID, Target: sub.Target.String()})
		if p.notices != nil {
			err := p.notices.Notify(ctx, transport.Notification{
				Channel: "expiry",
				Target:  sub.Target,
				Text:    fmt.Sprintf("Your subscription to station '%s' has expired.\nSend '%s sub %s' to watch it again.", p.displayName(sub), cfg.Prefix, p.displayName(sub)),
			})
			if err != nil {
				p.log.Debug("expiry notice not queued", logx.String("subscription", sub.ID), logx.Err(err))
			}
		}
	}
	if cfg.RearmAfter > 0 {
		for _, sub := range p.store.Rearm(cfg.RearmAfter, now) {
			rearmed++
			p.appendAudit(ctx, storage.Entry{At: now, Kind: storage.KindRearm, SubscriptionID: sub.ID, StationID: sub.StationID, Target: sub.Target.String(), Threshold: sub.Threshold})
		}
	}
	return expired, rearmed
}

func (p *Loop) pollStations(ctx context.Context, cfg Config, stations []string, res *CycleResult) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for _, id := range stations {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			snap, err := p.query(gctx, cfg, id)
			if err != nil {
				mu.Lock()
				res.Failed++
				mu.Unlock()
				return nil
			}
			fired, delivered := p.evaluate(gctx, cfg, snap)
			mu.Lock()
			res.Fired += fired
			res.Delivered += delivered
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Loop) query(ctx context.Context, cfg Config, id string) (station.Snapshot, error) {
	began := time.Now()
	var (
		snap station.Snapshot
		err  error
	)
	if ts, ok := p.slots.(TimedSlotSource); ok {
		snap, err = ts.FreeSlotsWithin(ctx, id, cfg.QueryTimeout)
	} else {
		qctx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
		snap, err = p.slots.FreeSlots(qctx, id)
		cancel()
	}
	p.metrics.ObserveStationQuery(time.Since(began), err)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("station query failed", logx.String("station", id), logx.Err(err))
		}
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeStationQueryFailed, Time: p.now(), Data: QueryFailedEvent{StationID: id, Error: err.Error()}})
		return station.Snapshot{}, err
	}
	if snap.StationID == "" {
		snap.StationID = id
	}
	return snap, nil
}

// evaluate fires every active subscription of the station whose threshold is
// met. MarkFired is the only gate, so a subscription removed or superseded
// after ListByStation is skipped.
func (p *Loop) evaluate(ctx context.Context, cfg Config, snap station.Snapshot) (fired, delivered int) {
	for _, sub := range p.store.ListByStation(snap.StationID) {
		if snap.FreeSlots < sub.Threshold {
			continue
		}
		if ctx.Err() != nil {
			return fired, delivered
		}
		if !p.store.MarkFired(sub.ID) {
			continue
		}
		fired++

		sctx, cancel := context.WithTimeout(ctx, cfg.NotifyTimeout)
		err := p.sender.Send(sctx, sub.Target, p.fireText(cfg, sub, snap))
		cancel()
		p.metrics.IncNotification(err)

		entry := storage.Entry{
			At:             p.now(),
			Kind:           storage.KindFire,
			SubscriptionID: sub.ID,
			StationID:      sub.StationID,
			Target:         sub.Target.String(),
			Threshold:      sub.Threshold,
			FreeSlots:      snap.FreeSlots,
		}
		if err != nil {
			// The subscription stays Fired; a retry could double-notify.
			p.log.Warn("notification delivery failed",
				logx.String("subscription", sub.ID),
				logx.String("station", sub.StationID),
				logx.String("target", sub.Target.String()),
				logx.Err(err),
			)
			entry.Kind = storage.KindDeliveryError
			entry.Error = err.Error()
		} else {
			delivered++
		}
		p.appendAudit(ctx, entry)
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeSubscriptionFired, Time: entry.At, Data: FiredEvent{
			SubscriptionID: sub.ID,
			StationID:      sub.StationID,
			Target:         sub.Target.String(),
			FreeSlots:      snap.FreeSlots,
			Delivered:      err == nil,
		}})
	}
	return fired, delivered
}

func (p *Loop) fireText(cfg Config, sub subscription.Subscription, snap station.Snapshot) string {
	name := p.displayName(sub)
	return fmt.Sprintf("Station '%s' has enough free charging slots!\nFree now: %d (you asked for %d)\nSend '%s sub %s' to be notified again.",
		name, snap.FreeSlots, sub.Threshold, cfg.Prefix, name)
}

func (p *Loop) displayName(sub subscription.Subscription) string {
	if p.names != nil {
		if n := p.names(sub.StationID); n != "" && n != sub.StationID {
			return n
		}
	}
	return sub.DisplayName()
}

func (p *Loop) appendAudit(ctx context.Context, e storage.Entry) {
	if err := p.audit.Append(ctx, e); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Debug("audit append failed", logx.String("kind", e.Kind), logx.Err(err))
	}
}
