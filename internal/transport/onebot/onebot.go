// Package onebot is a OneBot v11 gateway over a forward websocket
// connection. Actions are correlated with their responses by echo id; the
// connection is redialed with backoff when it drops.
package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	rtsup "chargewatch/internal/runtime/supervisor"
	"chargewatch/internal/transport"
	logx "chargewatch/pkg/logx"
)

var ErrNotConnected = errors.New("onebot: not connected")

// ActionError is a non-zero retcode returned by the gateway.
type ActionError struct {
	Action  string
	RetCode int
	Message string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("onebot %s failed: retcode=%d %s", e.Action, e.RetCode, e.Message)
}

type Adapter struct {
	cfg Config
	log logx.Logger

	runMu sync.Mutex
	sup   *rtsup.Supervisor

	connMu sync.RWMutex
	conn   *websocket.Conn

	pendMu  sync.Mutex
	pending map[string]chan frame

	selfID         atomic.Int64
	droppedUpdates atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("onebot url is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 10 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = time.Minute
	}
	return &Adapter{cfg: cfg, log: log, pending: map[string]chan frame{}}, nil
}

func (a *Adapter) Name() string { return "onebot" }

// SelfID is the bot account id reported by the gateway (0 until the first event).
func (a *Adapter) SelfID() int64 { return a.selfID.Load() }

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	a.sup.GoRestart("onebot.conn", func(c context.Context) error {
		return a.session(c, out)
	}, rtsup.WithRestartBackoff(a.cfg.ReconnectMin, a.cfg.ReconnectMax), rtsup.WithStopOnCleanExit(false))
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	a.runMu.Unlock()
	if sup == nil {
		return nil
	}
	if n := a.droppedUpdates.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n))
	}
	return sup.Stop(ctx)
}

// session owns one websocket connection until it fails or ctx ends.
func (a *Adapter) session(ctx context.Context, out chan<- transport.Update) error {
	hdr := http.Header{}
	if a.cfg.AccessToken != "" {
		hdr.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	}
	dctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	c, _, err := websocket.Dial(dctx, a.cfg.URL, &websocket.DialOptions{HTTPHeader: hdr})
	cancel()
	if err != nil {
		return err
	}
	c.SetReadLimit(4 << 20)
	a.setConn(c)
	a.log.Info("onebot connected", logx.String("url", a.cfg.URL))
	defer func() {
		a.setConn(nil)
		a.failPending()
		_ = c.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return fmt.Errorf("onebot read: %w", err)
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			a.log.Debug("onebot: undecodable frame", logx.Err(err))
			continue
		}
		a.dispatch(f, out)
	}
}

func (a *Adapter) dispatch(f frame, out chan<- transport.Update) {
	if f.Echo != "" {
		a.pendMu.Lock()
		ch := a.pending[f.Echo]
		delete(a.pending, f.Echo)
		a.pendMu.Unlock()
		if ch != nil {
			ch <- f
		}
		return
	}
	if f.SelfID != 0 {
		a.selfID.Store(f.SelfID)
	}
	if f.PostType != "message" {
		return
	}
	msg := &transport.Message{
		ID:       f.MessageID,
		UserID:   f.UserID,
		Username: f.Sender.Nickname,
		Text:     f.RawMessage,
		SelfID:   f.SelfID,
	}
	if f.MessageType == "group" {
		msg.GroupID = f.GroupID
		if f.Sender.Card != "" {
			msg.Username = f.Sender.Card
		}
	}
	select {
	case out <- transport.Update{Kind: transport.UpdateMessage, Message: msg}:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) setConn(c *websocket.Conn) {
	a.connMu.Lock()
	a.conn = c
	a.connMu.Unlock()
}

func (a *Adapter) failPending() {
	a.pendMu.Lock()
	defer a.pendMu.Unlock()
	for echo, ch := range a.pending {
		close(ch)
		delete(a.pending, echo)
	}
}

// SendText sends a group message mentioning the user when the target has a
// group, otherwise a private message.
func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if to.IsZero() {
		return transport.MessageRef{}, errors.New("onebot: empty target")
	}
	name, params := buildSend(to, text, opt)
	raw, err := a.call(ctx, name, params)
	if err != nil {
		return transport.MessageRef{}, err
	}
	var res sendResult
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &res)
	}
	return transport.MessageRef{Target: to, MessageID: res.MessageID}, nil
}

func buildSend(to transport.ChatTarget, text string, opt *transport.SendOptions) (string, any) {
	noMention := opt != nil && opt.NoMention
	if !to.IsGroup() {
		return "send_private_msg", privateMsgParams{
			UserID:  to.UserID,
			Message: []segment{textSegment(text)},
		}
	}
	if noMention || to.UserID == 0 {
		return "send_group_msg", groupMsgParams{GroupID: to.GroupID, Message: []segment{textSegment(text)}}
	}
	return "send_group_msg", groupMsgParams{
		GroupID: to.GroupID,
		Message: []segment{
			{Type: "at", Data: map[string]string{"qq": strconv.FormatInt(to.UserID, 10)}},
			textSegment("\n" + text),
		},
	}
}

func textSegment(s string) segment {
	return segment{Type: "text", Data: map[string]string{"text": s}}
}

func (a *Adapter) call(ctx context.Context, name string, params any) (json.RawMessage, error) {
	a.connMu.RLock()
	c := a.conn
	a.connMu.RUnlock()
	if c == nil {
		return nil, ErrNotConnected
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.ActionTimeout)
		defer cancel()
	}

	echo := uuid.NewString()
	ch := make(chan frame, 1)
	a.pendMu.Lock()
	a.pending[echo] = ch
	a.pendMu.Unlock()
	defer func() {
		a.pendMu.Lock()
		delete(a.pending, echo)
		a.pendMu.Unlock()
	}()

	if err := wsjson.Write(ctx, c, action{Action: name, Params: params, Echo: echo}); err != nil {
		return nil, fmt.Errorf("onebot %s: %w", name, err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("onebot %s: %w", name, ctx.Err())
	case f, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("onebot %s: %w", name, ErrNotConnected)
		}
		if f.RetCode != 0 || (f.Status != "" && f.Status != "ok" && f.Status != "async") {
			msg := f.Wording
			if msg == "" {
				msg = f.Message
			}
			return nil, &ActionError{Action: name, RetCode: f.RetCode, Message: msg}
		}
		return f.Data, nil
	}
}
