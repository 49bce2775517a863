package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chargewatch/internal/eventbus"
	"chargewatch/internal/station"
	"chargewatch/internal/storage"
	"chargewatch/internal/subscription"
	"chargewatch/internal/transport"
	logx "chargewatch/pkg/logx"
)

type command struct {
	name         string
	aliases      []string
	usage        string
	description  string
	operatorOnly bool
	handle       HandlerFunc
}

// MenuEntry is a command as shown in gateway command menus.
type MenuEntry struct {
	Command     string
	Description string
}

func (r *Router) register() {
	r.commands = map[string]*command{}
	r.order = nil
	add := func(c *command) {
		r.order = append(r.order, c)
		r.commands[c.name] = c
		for _, a := range c.aliases {
			r.commands[a] = c
		}
	}
	add(&command{
		name:        "sub",
		aliases:     []string{"subscribe"},
		usage:       "sub <station> [minutes] [threshold]",
		description: "notify me when the station has at least <threshold> free slots",
		handle:      r.cmdSubscribe,
	})
	add(&command{
		name:        "stop",
		aliases:     []string{"unsub"},
		usage:       "stop <station>",
		description: "cancel my subscription to a station",
		handle:      r.cmdUnsubscribe,
	})
	add(&command{
		name:        "ps",
		aliases:     []string{"mine"},
		usage:       "ps",
		description: "list my subscriptions",
		handle:      r.cmdListMine,
	})
	add(&command{
		name:        "list",
		aliases:     []string{"stations"},
		usage:       "list",
		description: "list known stations",
		handle:      r.cmdStations,
	})
	add(&command{
		name:         "broadcast",
		usage:        "broadcast <message>",
		description:  "send a message to every subscriber (operators only)",
		operatorOnly: true,
		handle:       r.cmdBroadcast,
	})
	add(&command{
		name:        "help",
		aliases:     []string{"h"},
		usage:       "help",
		description: "show this help",
		handle: func(ctx context.Context, req *Request) (string, error) {
			return r.helpText(r.isOperator(req.Msg.UserID)), nil
		},
	})
}

func (r *Router) lookup(verb string) *command { return r.commands[verb] }

// Menu lists public commands for gateway command menus.
func (r *Router) Menu() []MenuEntry {
	out := make([]MenuEntry, 0, len(r.order))
	for _, c := range r.order {
		if c.operatorOnly {
			continue
		}
		out = append(out, MenuEntry{Command: c.name, Description: c.description})
	}
	return out
}

func (r *Router) helpText(operator bool) string {
	prefix := r.config().Prefix
	var b strings.Builder
	b.WriteString("Charging station watcher. Commands:\n")
	for _, c := range r.order {
		if c.operatorOnly && !operator {
			continue
		}
		fmt.Fprintf(&b, "- '%s %s': %s\n", prefix, c.usage, c.description)
	}
	fmt.Fprintf(&b, "Example: '%s sub StationA 60 2' watches StationA for 60 minutes and notifies you once 2 slots are free.", prefix)
	return b.String()
}

// cmdSubscribe: sub <station> [minutes] [threshold]
func (r *Router) cmdSubscribe(ctx context.Context, req *Request) (string, error) {
	cfg := r.config()
	if len(req.Args) == 0 {
		return "", malformed("please name a station")
	}
	maxMinutes := int(cfg.MaxTTL / time.Minute)
	minutes := int(cfg.DefaultTTL / time.Minute)
	if len(req.Args) > 1 {
		n, err := strconv.Atoi(req.Args[1])
		if err != nil {
			return "", malformed("duration must be a whole number of minutes, got %q", req.Args[1])
		}
		if n < 1 || n > maxMinutes {
			return "", malformed("duration must be between 1 and %d minutes", maxMinutes)
		}
		minutes = n
	}
	threshold := 1
	if len(req.Args) > 2 {
		n, err := strconv.Atoi(req.Args[2])
		if err != nil {
			return "", malformed("threshold must be a whole number, got %q", req.Args[2])
		}
		threshold = n
	}
	if len(req.Args) > 3 {
		return "", malformed("too many arguments")
	}
	if threshold < 1 || threshold > cfg.MaxThreshold {
		return "", fmt.Errorf("%w: %d", subscription.ErrInvalidThreshold, threshold)
	}

	st, err := r.resolve(ctx, req.Args[0])
	if err != nil {
		return "", err
	}

	now := r.now()
	sub, replaced, err := r.store.Add(subscription.Subscription{
		StationID:   st.ID,
		StationName: st.Name,
		Target:      req.Origin,
		Threshold:   threshold,
		ExpiresAt:   now.Add(time.Duration(minutes) * time.Minute),
	})
	if err != nil {
		return "", err
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeSubscriptionAdded, Time: now, Data: sub})
	r.appendAudit(ctx, storage.Entry{At: now, Kind: storage.KindSubscribe, SubscriptionID: sub.ID, StationID: sub.StationID, Target: sub.Target.String(), Threshold: threshold})
	req.Logger.Info("subscribed", logx.String("station", sub.StationID), logx.Int("threshold", threshold), logx.Bool("replaced", replaced))

	var b strings.Builder
	if replaced {
		fmt.Fprintf(&b, "Updated your subscription to '%s'.\n", sub.DisplayName())
	} else {
		fmt.Fprintf(&b, "Subscribed to '%s'.\n", sub.DisplayName())
	}
	fmt.Fprintf(&b, "You will be notified once when %d or more slots are free.\n", threshold)
	fmt.Fprintf(&b, "The subscription ends automatically in %d minutes. Send '%s stop %s' to cancel it now.", minutes, cfg.Prefix, sub.DisplayName())
	return b.String(), nil
}

// cmdUnsubscribe: stop <station>
func (r *Router) cmdUnsubscribe(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) == 0 {
		return "", malformed("please name a station")
	}
	arg := strings.Join(req.Args, " ")
	stationID := r.ownedStation(req.Origin, arg)
	if stationID == "" {
		st, err := r.resolve(ctx, arg)
		if err != nil {
			return "", fmt.Errorf("%w: you have no subscription to '%s'", subscription.ErrNotFound, arg)
		}
		stationID = st.ID
	}
	sub, err := r.store.RemoveByPair(req.Origin, stationID)
	if err != nil {
		return "", fmt.Errorf("%w: you have no subscription to '%s'", subscription.ErrNotFound, arg)
	}
	now := r.now()
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeSubscriptionCancelled, Time: now, Data: sub})
	r.appendAudit(ctx, storage.Entry{At: now, Kind: storage.KindCancel, SubscriptionID: sub.ID, StationID: sub.StationID, Target: sub.Target.String()})
	return fmt.Sprintf("Cancelled your subscription to '%s'.", sub.DisplayName()), nil
}

// ownedStation matches arg against the caller's own subscriptions so users
// can cancel by the name they subscribed with even if the catalog changed.
func (r *Router) ownedStation(target transport.ChatTarget, arg string) string {
	for _, s := range r.store.ListByTarget(target) {
		if s.StationID == arg || equalFoldTrim(s.StationName, arg) {
			return s.StationID
		}
	}
	return ""
}

func (r *Router) cmdListMine(ctx context.Context, req *Request) (string, error) {
	subs := r.store.ListByTarget(req.Origin)
	if len(subs) == 0 {
		return "You have no subscriptions.", nil
	}
	now := r.now()
	var b strings.Builder
	b.WriteString("Your subscriptions:")
	for _, s := range subs {
		fmt.Fprintf(&b, "\n- %s (threshold %d", s.DisplayName(), s.Threshold)
		if s.State == subscription.StateFired {
			b.WriteString(", notified")
		}
		if !s.ExpiresAt.IsZero() {
			left := max(0, int(s.ExpiresAt.Sub(now)/time.Minute))
			fmt.Fprintf(&b, ", %d min left", left)
		}
		b.WriteString(")")
	}
	return b.String(), nil
}

func (r *Router) cmdStations(ctx context.Context, req *Request) (string, error) {
	if r.catalog == nil {
		return "The station list is not available.", nil
	}
	items, err := r.catalog.List(ctx)
	if len(items) == 0 {
		if err != nil {
			req.Logger.Warn("station catalog unavailable", logx.Err(err))
		}
		return "No stations are available right now. The vendor may be unreachable; please try again later.", nil
	}
	var b strings.Builder
	b.WriteString("Stations:")
	for _, s := range items {
		fmt.Fprintf(&b, "\n- %s", s.Name)
	}
	return b.String(), nil
}

func (r *Router) cmdBroadcast(ctx context.Context, req *Request) (string, error) {
	text := strings.TrimSpace(strings.Join(req.Args, " "))
	if text == "" {
		return "", malformed("broadcast needs a message")
	}
	if r.bcast == nil {
		return "Broadcast is disabled.", nil
	}
	targets := broadcastTargets(r.store.Targets(), r.config().DefaultGroup)
	if len(targets) == 0 {
		return "There is nobody to broadcast to.", nil
	}
	id, err := r.bcast.NewJob("admin", targets, text, &transport.SendOptions{NoMention: true})
	if err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}
	r.appendAudit(ctx, storage.Entry{Kind: storage.KindBroadcast, JobID: id, Target: req.Origin.String()})
	return fmt.Sprintf("Broadcast %s queued for %d chats.", id, len(targets)), nil
}

// broadcastTargets collapses group subscribers into one message per group
// and adds the default group.
func broadcastTargets(subs []transport.ChatTarget, defaultGroup int64) []transport.ChatTarget {
	seen := map[transport.ChatTarget]bool{}
	var out []transport.ChatTarget
	add := func(t transport.ChatTarget) {
		if t.IsZero() || seen[t] {
			return
		}
		seen[t] = true
		out = append(out, t)
	}
	if defaultGroup != 0 {
		add(transport.ChatTarget{GroupID: defaultGroup})
	}
	for _, t := range subs {
		if t.IsGroup() {
			t = transport.ChatTarget{GroupID: t.GroupID, ThreadID: t.ThreadID}
		}
		add(t)
	}
	return out
}

// resolve maps a station argument through the catalog. When the catalog
// cannot be reached the raw argument is used as the station id.
func (r *Router) resolve(ctx context.Context, arg string) (station.Station, error) {
	arg = strings.TrimSpace(arg)
	if r.catalog == nil {
		return station.Station{ID: arg, Name: arg}, nil
	}
	st, err := r.catalog.Resolve(ctx, arg)
	switch {
	case err == nil:
		return st, nil
	case errors.Is(err, station.ErrUnknownStation):
		return station.Station{}, fmt.Errorf("%w: no station named '%s'; send '%s list' to see them", subscription.ErrNotFound, arg, r.config().Prefix)
	default:
		r.log.Warn("station catalog unavailable; using raw station id", logx.String("station", arg), logx.Err(err))
		return station.Station{ID: arg, Name: arg}, nil
	}
}

func (r *Router) appendAudit(ctx context.Context, e storage.Entry) {
	if e.At.IsZero() {
		e.At = r.now()
	}
	if err := r.audit.Append(ctx, e); err != nil {
		r.log.Debug("audit append failed", logx.String("kind", e.Kind), logx.Err(err))
	}
}

func equalFoldTrim(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
