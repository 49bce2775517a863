// Package router turns inbound chat messages into subscription commands and
// replies through the notifier.
package router

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"chargewatch/internal/eventbus"
	"chargewatch/internal/metrics"
	"chargewatch/internal/notifier/broadcast"
	rtsup "chargewatch/internal/runtime/supervisor"
	"chargewatch/internal/station"
	"chargewatch/internal/storage"
	"chargewatch/internal/subscription"
	"chargewatch/internal/transport"
	logx "chargewatch/pkg/logx"
)

type Config struct {
	Prefix        string
	Operators     []int64
	AllowedGroups []int64
	// DefaultGroup always receives admin broadcasts (0 = none).
	DefaultGroup   int64
	MaxThreshold   int
	DefaultTTL     time.Duration
	MaxTTL         time.Duration
	Workers        int
	CommandTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "charge"
	}
	if c.MaxThreshold <= 0 {
		c.MaxThreshold = 5
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = 24 * time.Hour
	}
	if c.DefaultTTL <= 0 || c.DefaultTTL > c.MaxTTL {
		c.DefaultTTL = c.MaxTTL
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 20 * time.Second
	}
	c.Operators = slices.Clone(c.Operators)
	c.AllowedGroups = slices.Clone(c.AllowedGroups)
	return c
}

// Catalog resolves user-supplied station names, usually *station.Catalog.
type Catalog interface {
	List(ctx context.Context) ([]station.Station, error)
	Resolve(ctx context.Context, arg string) (station.Station, error)
}

// Replier queues reply messages, usually *notifier.Service.
type Replier interface {
	Notify(ctx context.Context, n transport.Notification) error
}

// Broadcaster fans a message out to many chats, usually *broadcast.Service.
type Broadcaster interface {
	NewJob(name string, targets []transport.ChatTarget, text string, opt *transport.SendOptions) (string, error)
}

var _ Broadcaster = (*broadcast.Service)(nil)

type Request struct {
	Msg    *transport.Message
	Origin transport.ChatTarget
	Verb   string
	Args   []string
	ReqID  string
	Logger logx.Logger
}

type Deps struct {
	Store       *subscription.Store
	Catalog     Catalog
	Replier     Replier
	Broadcaster Broadcaster
	Bus         eventbus.Bus
	Metrics     *metrics.Metrics
	Audit       storage.Store
	Log         logx.Logger
	Now         func() time.Time
}

type Router struct {
	store   *subscription.Store
	catalog Catalog
	replier Replier
	bcast   Broadcaster
	bus     eventbus.Bus
	metrics *metrics.Metrics
	audit   storage.Store
	log     logx.Logger
	now     func() time.Time

	cmu sync.RWMutex
	cfg Config

	commands map[string]*command
	order    []*command

	jobs chan func()
}

func New(cfg Config, d Deps) *Router {
	r := &Router{
		cfg:     cfg.withDefaults(),
		store:   d.Store,
		catalog: d.Catalog,
		replier: d.Replier,
		bcast:   d.Broadcaster,
		bus:     d.Bus,
		metrics: d.Metrics,
		audit:   d.Audit,
		log:     d.Log,
		now:     d.Now,
		jobs:    make(chan func(), 256),
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	if r.bus == nil {
		r.bus = eventbus.Nop()
	}
	if r.audit == nil {
		r.audit = storage.Nop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.register()
	return r
}

// Apply swaps the config; safe during hot reload.
func (r *Router) Apply(cfg Config) {
	r.cmu.Lock()
	r.cfg = cfg.withDefaults()
	r.cmu.Unlock()
}

func (r *Router) config() Config {
	r.cmu.RLock()
	defer r.cmu.RUnlock()
	return r.cfg
}

func (r *Router) isOperator(id int64) bool {
	return slices.Contains(r.config().Operators, id)
}

// accepts filters messages by origin before parsing.
func (r *Router) accepts(cfg Config, msg *transport.Message) bool {
	if msg == nil || msg.UserID == 0 {
		return false
	}
	if msg.SelfID != 0 && msg.UserID == msg.SelfID {
		return false
	}
	if msg.GroupID != 0 && len(cfg.AllowedGroups) > 0 && !slices.Contains(cfg.AllowedGroups, msg.GroupID) {
		return false
	}
	return true
}

// DispatchLoop consumes updates until ctx is done or updates is closed,
// running commands on a bounded worker pool.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	workers := r.config().Workers
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "router"))),
		rtsup.WithCancelOnError(false),
	)
	jobs := r.jobs

	for i := 0; i < workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-jobs:
					job()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command dispatcher started", logx.Int("workers", workers))

	defer func() {
		sup.Cancel()
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
			if up.Kind != transport.UpdateMessage || up.Message == nil {
				continue
			}
			msg := up.Message
			select {
			case jobs <- func() { _, _ = r.Handle(ctx, msg) }:
			default:
				r.log.Warn("command queue full; dropping message", logx.Int64("user_id", msg.UserID))
				r.reply(ctx, msg.Origin(), "The bot is busy, please try again in a moment.")
			}
		}
	}
}

// Handle processes one inbound message synchronously and sends the reply.
// handled is false when the message is not a command for this bot.
func (r *Router) Handle(ctx context.Context, msg *transport.Message) (handled bool, err error) {
	cfg := r.config()
	if !r.accepts(cfg, msg) {
		return false, nil
	}
	verb, args, ok := parseCommand(msg.Text, cfg.Prefix)
	if !ok {
		return false, nil
	}
	cmd := r.lookup(verb)
	if cmd == nil {
		// Slash text that is not ours belongs to other bots in the group.
		if len(msg.Text) > 0 && msg.Text[0] == '/' && !isPrefixed(msg.Text, cfg.Prefix) {
			return false, nil
		}
		err := malformed("unknown command %q", verb)
		r.metrics.IncCommand("unknown", err)
		r.reply(ctx, msg.Origin(), r.replyForError(err, cfg.Prefix))
		return true, err
	}

	rid := newReqID()
	req := &Request{
		Msg:    msg,
		Origin: msg.Origin(),
		Verb:   cmd.name,
		Args:   args,
		ReqID:  rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("user_id", msg.UserID),
			logx.Int64("group_id", msg.GroupID),
		),
	}

	h := cmd.handle
	if cmd.operatorOnly {
		h = r.requireOperator(h)
	}
	final := Chain(h,
		MWPanicRecover(),
		MWRequestLog(r.metrics),
		MWTimeout(cfg.CommandTimeout),
	)
	reply, err := final(ctx, req)
	if err != nil {
		reply = r.replyForError(err, cfg.Prefix)
	}
	if reply != "" {
		r.reply(ctx, req.Origin, reply)
	}
	return true, err
}

func (r *Router) requireOperator(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) (string, error) {
		if !r.isOperator(req.Msg.UserID) {
			return "", ErrUnauthorized
		}
		return next(ctx, req)
	}
}

func (r *Router) reply(ctx context.Context, to transport.ChatTarget, text string) {
	if r.replier == nil {
		return
	}
	if err := r.replier.Notify(ctx, transport.Notification{Channel: "reply", Target: to, Text: text}); err != nil {
		r.log.Debug("reply not queued", logx.String("target", to.String()), logx.Err(err))
	}
}

func isPrefixed(text, prefix string) bool {
	parts := tokenizeCommandLine(text)
	return len(parts) > 0 && (equalFoldTrim(parts[0], prefix) || equalFoldTrim(parts[0], "/"+prefix))
}
