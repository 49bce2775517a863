package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chargewatch/internal/eventbus"
	"chargewatch/internal/transport"
	logx "chargewatch/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fail  int // fail the first N sends
	sent  []string
	calls int
}

func (f *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail > 0 {
		f.fail--
		return transport.MessageRef{}, errors.New("gateway down")
	}
	f.sent = append(f.sent, text)
	return transport.MessageRef{Target: to, MessageID: int64(len(f.sent))}, nil
}

func (f *fakeSender) snapshot() ([]string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...), f.calls
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

var target = transport.ChatTarget{GroupID: 100, UserID: 7}

func TestSendIsSingleShot(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{fail: 1}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()
	s := New(Config{RatePerSec: 100}, fs, logx.Nop(), bus)

	err := s.Send(context.Background(), target, "slots free")
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("err = %v, want ErrDelivery", err)
	}
	if _, calls := fs.snapshot(); calls != 1 {
		t.Fatalf("calls = %d, want exactly 1", calls)
	}
	select {
	case ev := <-ch:
		if ev.Type != eventbus.TypeNotifyFailed {
			t.Fatalf("event type = %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no failure event")
	}

	if err := s.Send(context.Background(), target, "slots free"); err != nil {
		t.Fatalf("second Send: %v", err)
	}
	hist := s.Snapshot()
	if len(hist) != 2 || hist[0].Err == "" || hist[1].Err != "" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestSendWithoutSender(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop(), nil)
	if err := s.Send(context.Background(), target, "x"); !errors.Is(err, ErrDelivery) {
		t.Fatalf("err = %v, want ErrDelivery", err)
	}
}

func TestNotifyRetriesThenDelivers(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{fail: 2}
	s := New(Config{
		Enabled:       true,
		Workers:       1,
		RatePerSec:    100,
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}, fs, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), transport.Notification{Channel: "reply", Target: target, Text: "ok"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool {
		sent, _ := fs.snapshot()
		return len(sent) == 1
	})
	if _, calls := fs.snapshot(); calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestNotifyDedupAndPriorityPrefix(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	s := New(Config{Enabled: true, RatePerSec: 100, DedupWindow: time.Minute}, fs, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	n := transport.Notification{Channel: "ops", Priority: 9, Target: target, Text: "vendor down"}
	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), n); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	waitFor(t, func() bool {
		sent, _ := fs.snapshot()
		return len(sent) == 1
	})
	time.Sleep(20 * time.Millisecond)
	sent, _ := fs.snapshot()
	if len(sent) != 1 || sent[0] != "🚨 vendor down" {
		t.Fatalf("sent = %q", sent)
	}
}

func TestNotifyLifecycleErrors(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, &fakeSender{}, logx.Nop(), nil)
	if err := s.Notify(context.Background(), transport.Notification{Target: target, Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}

	s = New(Config{Enabled: true}, &fakeSender{}, logx.Nop(), nil)
	if err := s.Notify(context.Background(), transport.Notification{Target: target, Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped before Start", err)
	}
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.Notify(context.Background(), transport.Notification{Target: target, Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped after Stop", err)
	}
}

func TestRetryDelayBounded(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt < 10; attempt++ {
		if d := retryDelay(cfg, attempt); d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v out of range", attempt, d)
		}
	}
}
