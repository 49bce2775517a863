package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"chargewatch/internal/transport"
	logx "chargewatch/pkg/logx"
)

// fakeGateway accepts one client at a time, pushes queued events and answers
// every action with retcode, echoing the action back on the actions channel.
type fakeGateway struct {
	t       *testing.T
	retcode int
	events  chan any
	actions chan map[string]any

	mu    sync.Mutex
	auths []string
}

func newFakeGateway(t *testing.T, retcode int) (*fakeGateway, string) {
	g := &fakeGateway{t: t, retcode: retcode, events: make(chan any, 4), actions: make(chan map[string]any, 4)}
	srv := httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(srv.Close)
	return g, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (g *fakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	g.auths = append(g.auths, r.Header.Get("Authorization"))
	g.mu.Unlock()

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.t.Errorf("accept: %v", err)
		return
	}
	defer c.Close(websocket.StatusNormalClosure, "")
	ctx := r.Context()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-g.events:
				_ = wsjson.Write(ctx, c, ev)
			}
		}
	}()

	for {
		var act map[string]any
		if err := wsjson.Read(ctx, c, &act); err != nil {
			return
		}
		g.actions <- act
		resp := map[string]any{"status": "ok", "retcode": g.retcode, "echo": act["echo"], "data": map[string]any{"message_id": 555}}
		if g.retcode != 0 {
			resp["status"] = "failed"
			resp["wording"] = "bot muted"
		}
		_ = wsjson.Write(ctx, c, resp)
	}
}

func startAdapter(t *testing.T, url string) (*Adapter, chan transport.Update) {
	t.Helper()
	a, err := New(Config{URL: url, AccessToken: "secret", ReconnectMin: 10 * time.Millisecond}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out := make(chan transport.Update, 8)
	if err := a.Start(context.Background(), out); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return a, out
}

// sendEventually retries until the connection is established.
func sendEventually(t *testing.T, a *Adapter, to transport.ChatTarget, text string) (transport.MessageRef, error) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		ref, err := a.SendText(ctx, to, text, nil)
		cancel()
		if !errors.Is(err, ErrNotConnected) || time.Now().After(deadline) {
			return ref, err
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSendGroupMessageWithMention(t *testing.T) {
	t.Parallel()
	g, url := newFakeGateway(t, 0)
	a, _ := startAdapter(t, url)

	ref, err := sendEventually(t, a, transport.ChatTarget{GroupID: 900, UserID: 42}, "3 slots free")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if ref.MessageID != 555 {
		t.Fatalf("MessageID = %d", ref.MessageID)
	}

	act := <-g.actions
	if act["action"] != "send_group_msg" {
		t.Fatalf("action = %v", act["action"])
	}
	raw, _ := json.Marshal(act["params"])
	var p struct {
		GroupID int64 `json:"group_id"`
		Message []struct {
			Type string            `json:"type"`
			Data map[string]string `json:"data"`
		} `json:"message"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("params: %v", err)
	}
	if p.GroupID != 900 || len(p.Message) != 2 || p.Message[0].Data["qq"] != "42" || p.Message[1].Data["text"] != "\n3 slots free" {
		t.Fatalf("params = %+v", p)
	}

	g.mu.Lock()
	auth := g.auths[0]
	g.mu.Unlock()
	if auth != "Bearer secret" {
		t.Fatalf("Authorization = %q", auth)
	}
}

func TestActionRetcodeIsError(t *testing.T) {
	t.Parallel()
	_, url := newFakeGateway(t, 100)
	a, _ := startAdapter(t, url)

	_, err := sendEventually(t, a, transport.ChatTarget{UserID: 42}, "hi")
	var ae *ActionError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *ActionError", err)
	}
	if ae.RetCode != 100 || ae.Action != "send_private_msg" || ae.Message != "bot muted" {
		t.Fatalf("ActionError = %+v", ae)
	}
}

func TestInboundGroupMessage(t *testing.T) {
	t.Parallel()
	g, url := newFakeGateway(t, 0)
	a, out := startAdapter(t, url)

	g.events <- map[string]any{
		"post_type":    "message",
		"message_type": "group",
		"message_id":   77,
		"group_id":     900,
		"user_id":      42,
		"self_id":      10001,
		"raw_message":  "charge ps",
		"sender":       map[string]any{"nickname": "ann", "card": "Ann (B2)"},
	}
	g.events <- map[string]any{"post_type": "meta_event", "meta_event_type": "heartbeat", "self_id": 10001}

	select {
	case up := <-out:
		m := up.Message
		if up.Kind != transport.UpdateMessage || m.GroupID != 900 || m.UserID != 42 || m.Text != "charge ps" || m.Username != "Ann (B2)" {
			t.Fatalf("update = %+v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no update received")
	}
	if a.SelfID() != 10001 {
		t.Fatalf("SelfID = %d", a.SelfID())
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	t.Parallel()
	a, err := New(Config{URL: "ws://127.0.0.1:1"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.SendText(context.Background(), transport.ChatTarget{UserID: 1}, "x", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestBuildSendPrivateAndNoMention(t *testing.T) {
	t.Parallel()
	name, params := buildSend(transport.ChatTarget{UserID: 5}, "x", nil)
	if name != "send_private_msg" || params.(privateMsgParams).UserID != 5 {
		t.Fatalf("private = %s %+v", name, params)
	}
	name, params = buildSend(transport.ChatTarget{GroupID: 9, UserID: 5}, "x", &transport.SendOptions{NoMention: true})
	gp := params.(groupMsgParams)
	if name != "send_group_msg" || len(gp.Message) != 1 || gp.Message[0].Data["text"] != "x" {
		t.Fatalf("no mention = %s %+v", name, gp)
	}
}
