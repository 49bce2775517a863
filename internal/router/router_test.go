package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chargewatch/internal/station"
	"chargewatch/internal/storage"
	"chargewatch/internal/subscription"
	"chargewatch/internal/transport"
)

var testNow = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeCatalog struct {
	items []station.Station
	err   error
}

func (c *fakeCatalog) List(ctx context.Context) ([]station.Station, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.items, nil
}

func (c *fakeCatalog) Resolve(ctx context.Context, arg string) (station.Station, error) {
	if c.err != nil {
		return station.Station{}, c.err
	}
	for _, s := range c.items {
		if s.ID == arg || strings.EqualFold(s.Name, arg) {
			return s, nil
		}
	}
	return station.Station{}, station.ErrUnknownStation
}

type fakeReplier struct {
	mu   sync.Mutex
	sent []transport.Notification
}

func (f *fakeReplier) Notify(ctx context.Context, n transport.Notification) error {
	f.mu.Lock()
	f.sent = append(f.sent, n)
	f.mu.Unlock()
	return nil
}

func (f *fakeReplier) last(t *testing.T) transport.Notification {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent, "no reply sent")
	return f.sent[len(f.sent)-1]
}

func (f *fakeReplier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeBroadcaster struct {
	targets []transport.ChatTarget
	text    string
}

func (b *fakeBroadcaster) NewJob(name string, targets []transport.ChatTarget, text string, opt *transport.SendOptions) (string, error) {
	b.targets = targets
	b.text = text
	return "bc:test", nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []storage.Entry
}

func (m *memAudit) Append(ctx context.Context, e storage.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAudit) Recent(ctx context.Context, limit int) ([]storage.Entry, error) { return nil, nil }
func (m *memAudit) Close() error { return nil }

func (m *memAudit) byKind(kind string) []storage.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Entry
	for _, e := range m.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	r       *Router
	store   *subscription.Store
	replies *fakeReplier
	bc      *fakeBroadcaster
	catalog *fakeCatalog
	audit   *memAudit
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clock := func() time.Time { return testNow }
	h := &harness{
		store:   subscription.NewStore(subscription.WithClock(clock)),
		replies: &fakeReplier{},
		bc:      &fakeBroadcaster{},
		audit:   &memAudit{},
		catalog: &fakeCatalog{items: []station.Station{
			{ID: "17", Name: "North Gate"},
			{ID: "9", Name: "East Lot"},
		}},
	}
	h.r = New(cfg, Deps{
		Store:       h.store,
		Catalog:     h.catalog,
		Replier:     h.replies,
		Broadcaster: h.bc,
		Audit:       h.audit,
		Now:         clock,
	})
	return h
}

func privateMsg(user int64, text string) *transport.Message {
	return &transport.Message{UserID: user, Text: text}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		text     string
		wantVerb string
		wantArgs []string
		wantOK   bool
	}{
		{"charge sub P1 60 2", "sub", []string{"P1", "60", "2"}, true},
		{"Charge SUB \"North Gate\"", "sub", []string{"North Gate"}, true},
		{"charge", "help", nil, true},
		{"/charge stop P1", "stop", []string{"P1"}, true},
		{"/ps@chargebot", "ps", []string{}, true},
		{"hello there", "", nil, false},
		{"chargeX sub P1", "", nil, false},
		{"", "", nil, false},
	}
	for _, tc := range cases {
		verb, args, ok := parseCommand(tc.text, "charge")
		require.Equal(t, tc.wantOK, ok, tc.text)
		require.Equal(t, tc.wantVerb, verb, tc.text)
		if tc.wantOK && len(tc.wantArgs) > 0 {
			require.Equal(t, tc.wantArgs, args, tc.text)
		} else {
			require.Empty(t, args, tc.text)
		}
	}
}

func TestSubscribeDefaults(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	handled, err := h.r.Handle(context.Background(), privateMsg(42, "charge sub north gate"))
	require.True(t, handled)
	require.NoError(t, err)

	subs := h.store.ListByTarget(transport.ChatTarget{UserID: 42})
	require.Len(t, subs, 1)
	require.Equal(t, "17", subs[0].StationID)
	require.Equal(t, "North Gate", subs[0].StationName)
	require.Equal(t, 1, subs[0].Threshold)
	require.Equal(t, testNow.Add(24*time.Hour), subs[0].ExpiresAt)

	reply := h.replies.last(t)
	require.Equal(t, "reply", reply.Channel)
	require.Equal(t, transport.ChatTarget{UserID: 42}, reply.Target)
	require.Contains(t, reply.Text, "Subscribed to 'North Gate'")
	require.Contains(t, reply.Text, "1440 minutes")
}

func TestSubscribeReplacesExisting(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.r.Handle(ctx, privateMsg(42, "charge sub 17 30 1"))
	require.NoError(t, err)
	_, err = h.r.Handle(ctx, privateMsg(42, "charge sub 17 60 3"))
	require.NoError(t, err)

	subs := h.store.ListByTarget(transport.ChatTarget{UserID: 42})
	require.Len(t, subs, 1)
	require.Equal(t, 3, subs[0].Threshold)
	require.Equal(t, testNow.Add(time.Hour), subs[0].ExpiresAt)
	require.Contains(t, h.replies.last(t).Text, "Updated your subscription")
}

func TestSubscribeRejectsBadArguments(t *testing.T) {
	t.Parallel()
	cases := []struct {
		text    string
		wantErr error
		reply   string
	}{
		{"charge sub", ErrMalformedCommand, "name a station"},
		{"charge sub 17 abc", ErrMalformedCommand, "whole number of minutes"},
		{"charge sub 17 0", ErrMalformedCommand, "between 1 and 1440"},
		{"charge sub 17 1441", ErrMalformedCommand, "between 1 and 1440"},
		{"charge sub 17 60 x", ErrMalformedCommand, "threshold must be a whole number"},
		{"charge sub 17 60 6", subscription.ErrInvalidThreshold, "between 1 and 5"},
		{"charge sub 17 60 0", subscription.ErrInvalidThreshold, "between 1 and 5"},
		{"charge sub Nowhere", subscription.ErrNotFound, "Not found"},
	}
	for _, tc := range cases {
		h := newHarness(t, Config{})
		handled, err := h.r.Handle(context.Background(), privateMsg(1, tc.text))
		require.True(t, handled, tc.text)
		require.ErrorIs(t, err, tc.wantErr, tc.text)
		require.Contains(t, h.replies.last(t).Text, tc.reply, tc.text)
		require.Empty(t, h.store.ListByTarget(transport.ChatTarget{UserID: 1}), tc.text)
	}
}

func TestSubscribeCatalogDownUsesRawID(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.catalog.err = errors.New("vendor unreachable")

	_, err := h.r.Handle(context.Background(), privateMsg(5, "charge sub P1"))
	require.NoError(t, err)
	subs := h.store.ListByTarget(transport.ChatTarget{UserID: 5})
	require.Len(t, subs, 1)
	require.Equal(t, "P1", subs[0].StationID)
}

func TestStopSubscription(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.r.Handle(ctx, privateMsg(7, "charge sub \"East Lot\""))
	require.NoError(t, err)

	_, err = h.r.Handle(ctx, privateMsg(7, "charge stop north gate"))
	require.ErrorIs(t, err, subscription.ErrNotFound)
	require.Contains(t, h.replies.last(t).Text, "Not found")

	_, err = h.r.Handle(ctx, privateMsg(7, "charge stop east lot"))
	require.NoError(t, err)
	require.Contains(t, h.replies.last(t).Text, "Cancelled your subscription to 'East Lot'")
	require.Empty(t, h.store.ListByTarget(transport.ChatTarget{UserID: 7}))

	_, err = h.r.Handle(ctx, privateMsg(7, "charge stop east lot"))
	require.ErrorIs(t, err, subscription.ErrNotFound)
}

func TestStopIsScopedToCaller(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.r.Handle(ctx, privateMsg(1, "charge sub 17"))
	require.NoError(t, err)
	_, err = h.r.Handle(ctx, privateMsg(2, "charge stop 17"))
	require.ErrorIs(t, err, subscription.ErrNotFound)
	require.Len(t, h.store.ListByTarget(transport.ChatTarget{UserID: 1}), 1)
}

func TestListMine(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.r.Handle(ctx, privateMsg(3, "charge ps"))
	require.NoError(t, err)
	require.Equal(t, "You have no subscriptions.", h.replies.last(t).Text)

	_, err = h.r.Handle(ctx, privateMsg(3, "charge sub 17 90 2"))
	require.NoError(t, err)
	_, err = h.r.Handle(ctx, privateMsg(3, "charge ps"))
	require.NoError(t, err)
	text := h.replies.last(t).Text
	require.Contains(t, text, "North Gate (threshold 2, 90 min left)")
}

func TestStationsList(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	_, err := h.r.Handle(context.Background(), privateMsg(3, "/list"))
	require.NoError(t, err)
	text := h.replies.last(t).Text
	require.Contains(t, text, "- North Gate")
	require.Contains(t, text, "- East Lot")

	h.catalog.err = errors.New("down")
	_, err = h.r.Handle(context.Background(), privateMsg(3, "charge list"))
	require.NoError(t, err)
	require.Contains(t, h.replies.last(t).Text, "No stations are available")
}

func TestHelpAndUnknownVerb(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.r.Handle(ctx, privateMsg(3, "charge"))
	require.NoError(t, err)
	help := h.replies.last(t).Text
	require.Contains(t, help, "'charge sub <station> [minutes] [threshold]'")
	require.NotContains(t, help, "broadcast")

	_, err = h.r.Handle(ctx, privateMsg(3, "charge frobnicate"))
	require.ErrorIs(t, err, ErrMalformedCommand)
	require.Contains(t, h.replies.last(t).Text, "unknown command")
}

func TestIgnoredMessages(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{AllowedGroups: []int64{100}})
	ctx := context.Background()

	cases := []*transport.Message{
		{UserID: 9, SelfID: 9, GroupID: 100, Text: "charge sub 17"},
		{UserID: 1, GroupID: 200, Text: "charge sub 17"},
		{UserID: 1, Text: "good morning"},
		{UserID: 1, Text: "/weather Paris"},
		nil,
	}
	for _, m := range cases {
		handled, err := h.r.Handle(ctx, m)
		require.False(t, handled)
		require.NoError(t, err)
	}
	require.Zero(t, h.replies.count())
}

func TestGroupSubscriptionRepliesInGroup(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{AllowedGroups: []int64{100}})

	msg := &transport.Message{UserID: 1, GroupID: 100, Text: "charge sub 17"}
	_, err := h.r.Handle(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, msg.Origin(), h.replies.last(t).Target)
	require.Len(t, h.store.ListByTarget(msg.Origin()), 1)
}

func TestBroadcastRequiresOperator(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Operators: []int64{99}, DefaultGroup: 500})
	ctx := context.Background()

	_, err := h.r.Handle(ctx, &transport.Message{UserID: 1, GroupID: 100, Text: "charge sub 17"})
	require.NoError(t, err)
	_, err = h.r.Handle(ctx, privateMsg(2, "charge sub 9"))
	require.NoError(t, err)

	_, err = h.r.Handle(ctx, privateMsg(1, "charge broadcast maintenance tonight"))
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Nil(t, h.bc.targets)

	_, err = h.r.Handle(ctx, privateMsg(99, "charge broadcast maintenance tonight"))
	require.NoError(t, err)
	require.Equal(t, "maintenance tonight", h.bc.text)
	require.ElementsMatch(t, []transport.ChatTarget{
		{GroupID: 500},
		{GroupID: 100},
		{UserID: 2},
	}, h.bc.targets)
	require.Contains(t, h.replies.last(t).Text, "queued for 3 chats")

	entries := h.audit.byKind(storage.KindBroadcast)
	require.Len(t, entries, 1)
	require.Equal(t, "bc:test", entries[0].JobID)
	require.Empty(t, entries[0].SubscriptionID)
}

func TestApplyUpdatesOperators(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	require.False(t, h.r.isOperator(5))
	h.r.Apply(Config{Operators: []int64{5}})
	require.True(t, h.r.isOperator(5))
}

func TestMenuHidesOperatorCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	for _, e := range h.r.Menu() {
		require.NotEqual(t, "broadcast", e.Command)
	}
	require.Equal(t, "sub", h.r.Menu()[0].Command)
}

func TestDispatchLoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan transport.Update, 4)
	done := make(chan error, 1)
	go func() { done <- h.r.DispatchLoop(ctx, updates) }()

	updates <- transport.Update{Kind: transport.UpdateMessage, Message: privateMsg(11, "charge sub 17")}
	require.Eventually(t, func() bool { return h.replies.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Len(t, h.store.ListByTarget(transport.ChatTarget{UserID: 11}), 1)

	close(updates)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch loop did not return")
	}
}
