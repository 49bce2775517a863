package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tele "gopkg.in/telebot.v4"

	"chargewatch/internal/transport"
	logx "chargewatch/pkg/logx"
)

type botAPI struct {
	mu    sync.Mutex
	calls map[string][]map[string]any
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	var params map[string]any
	_ = json.NewDecoder(r.Body).Decode(&params)
	b.mu.Lock()
	b.calls[method] = append(b.calls[method], params)
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "sendMessage":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":42,"chat":{"id":1,"type":"group"}}}`))
	default:
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	}
}

func (b *botAPI) count(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls[method])
}

func (b *botAPI) last(method string) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.calls[method]
	return c[len(c)-1]
}

func newTestAdapter(t *testing.T) (*Adapter, *botAPI) {
	t.Helper()
	api := &botAPI{calls: map[string][]map[string]any{}}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	a, err := New(Config{Token: "123:abc", APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, api
}

func TestSendTextGroupMention(t *testing.T) {
	t.Parallel()
	a, api := newTestAdapter(t)

	ref, err := a.SendText(context.Background(), transport.ChatTarget{GroupID: -100, UserID: 7}, "2 slots <free>", nil)
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if ref.MessageID != 42 {
		t.Fatalf("MessageID = %d", ref.MessageID)
	}
	got := api.last("sendMessage")
	if got["parse_mode"] != "HTML" {
		t.Fatalf("parse_mode = %v", got["parse_mode"])
	}
	text, _ := got["text"].(string)
	if !strings.Contains(text, "tg://user?id=7") || !strings.Contains(text, "2 slots &lt;free&gt;") {
		t.Fatalf("text = %q", text)
	}
}

func TestSendTextPrivateAndNoMention(t *testing.T) {
	t.Parallel()
	a, api := newTestAdapter(t)

	if _, err := a.SendText(context.Background(), transport.ChatTarget{UserID: 7}, "hi", nil); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if got := api.last("sendMessage"); got["text"] != "hi" {
		t.Fatalf("private text = %v", got["text"])
	}
	if _, err := a.SendText(context.Background(), transport.ChatTarget{GroupID: -100, UserID: 7}, "all", &transport.SendOptions{NoMention: true}); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if got := api.last("sendMessage"); got["text"] != "all" {
		t.Fatalf("no-mention text = %v", got["text"])
	}
	if _, err := a.SendText(context.Background(), transport.ChatTarget{}, "x", nil); err == nil {
		t.Fatal("expected error for empty target")
	}
}

func TestSendTextSplitsLongMessages(t *testing.T) {
	t.Parallel()
	a, api := newTestAdapter(t)

	line := strings.Repeat("x", 99) + "\n"
	long := strings.Repeat(line, 60)
	if _, err := a.SendText(context.Background(), transport.ChatTarget{GroupID: -100, UserID: 7}, long, nil); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if n := api.count("sendMessage"); n != 2 {
		t.Fatalf("sendMessage calls = %d, want 2", n)
	}
	text, _ := api.last("sendMessage")["text"].(string)
	if strings.Contains(text, "tg://user") {
		t.Fatal("mention repeated on follow-up chunk")
	}
}

func TestSetMenuSkipsUnchanged(t *testing.T) {
	t.Parallel()
	a, api := newTestAdapter(t)
	cmds := []MenuCommand{{Command: "sub", Description: "subscribe"}, {Command: "ps"}}
	for i := 0; i < 3; i++ {
		if err := a.SetMenu(context.Background(), cmds); err != nil {
			t.Fatalf("SetMenu: %v", err)
		}
	}
	if n := api.count("setMyCommands"); n != 1 {
		t.Fatalf("setMyCommands calls = %d, want 1", n)
	}
}

func TestFromTele(t *testing.T) {
	t.Parallel()
	group := fromTele(&tele.Message{ID: 3, Sender: &tele.User{ID: 7, Username: "ann"}, Chat: &tele.Chat{ID: -100, Type: tele.ChatSuperGroup}, Text: "/ps"})
	if group.GroupID != -100 || group.UserID != 7 || group.Text != "/ps" {
		t.Fatalf("group = %+v", group)
	}
	private := fromTele(&tele.Message{Sender: &tele.User{ID: 7}, Chat: &tele.Chat{ID: 7, Type: tele.ChatPrivate}})
	if private.GroupID != 0 {
		t.Fatalf("private GroupID = %d", private.GroupID)
	}
	if fromTele(&tele.Message{}) != nil {
		t.Fatal("message without sender should be ignored")
	}
}
