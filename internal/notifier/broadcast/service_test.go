package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chargewatch/internal/transport"
	logx "chargewatch/pkg/logx"
)

type flakySender struct {
	mu   sync.Mutex
	bad  map[int64]bool
	sent map[int64]int
}

func (f *flakySender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bad[to.GroupID] {
		return transport.MessageRef{}, errors.New("kicked from group")
	}
	f.sent[to.GroupID]++
	return transport.MessageRef{Target: to}, nil
}

func TestBroadcastJobCompletes(t *testing.T) {
	t.Parallel()
	fs := &flakySender{bad: map[int64]bool{2: true}, sent: map[int64]int{}}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 100, RetryMax: 1}, fs, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	targets := []transport.ChatTarget{{GroupID: 1}, {GroupID: 2}, {GroupID: 3}}
	id, err := s.NewJob("maintenance", targets, "station offline tonight", nil)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	var st JobStatus
	for time.Now().Before(deadline) {
		st, _ = s.Status(id)
		if st.Finished() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !st.Finished() {
		t.Fatalf("job not finished: %+v", st)
	}
	if st.Total != 3 || st.Done != 3 || st.Failed != 1 {
		t.Fatalf("status = %+v", st)
	}
	if len(st.Failures) != 1 || st.Failures[0].GroupID != 2 {
		t.Fatalf("failures = %+v", st.Failures)
	}
}

func TestNewJobWhenStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, &flakySender{sent: map[int64]int{}}, logx.Nop())
	id, err := s.NewJob("x", []transport.ChatTarget{{GroupID: 1}}, "hi", nil)
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
	st, ok := s.Status(id)
	if !ok || !st.Finished() || st.Failed != 1 {
		t.Fatalf("status = %+v ok=%v", st, ok)
	}
}
