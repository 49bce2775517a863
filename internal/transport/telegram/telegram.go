// Package telegram is the Telegram Bot API gateway, built on telebot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"chargewatch/internal/transport"
	"chargewatch/pkg/chattext"
	logx "chargewatch/pkg/logx"
)

// maxMessageRunes stays under the Bot API's 4096 character limit, leaving
// room for the mention prefix.
const maxMessageRunes = 4000

type Config struct {
	Token       string
	PollTimeout time.Duration
	// APIURL overrides the Bot API endpoint (tests, local bot API servers).
	APIURL string
}

// MenuCommand is an entry of the Telegram command menu.
type MenuCommand struct {
	Command     string
	Description string
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	running   bool

	droppedUpdates atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.APIURL != "",
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) Name() string { return "telegram" }

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(2)
	a.runMu.Unlock()

	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				a.flushDropped(cap(out))
				return
			case <-ticker.C:
				a.flushDropped(cap(out))
			}
		}
	}()

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		msg := fromTele(c.Message())
		if msg == nil {
			return nil
		}
		select {
		case out <- transport.Update{Kind: transport.UpdateMessage, Message: msg}:
		default:
			a.droppedUpdates.Add(1)
		}
		return nil
	})

	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("telegram polling started")
		a.bot.Start()
	}()
	return nil
}

func (a *Adapter) flushDropped(capacity int) {
	if n := a.droppedUpdates.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop never blocks shutdown longer than a short grace window; the long poll
// may still be waiting on Telegram.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()
	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		a.log.Info("telegram polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

// SendText delivers to the group when set, otherwise to the user's private
// chat. Group messages mention the user unless opt.NoMention is set.
func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if to.IsZero() {
		return transport.MessageRef{}, errors.New("telegram: empty target")
	}
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chatID := to.UserID
	if to.IsGroup() {
		chatID = to.GroupID
	}
	var ref transport.MessageRef
	for i, chunk := range chattext.Split(text, maxMessageRunes) {
		body, parseMode := renderText(to, chunk, opt, i == 0)
		msg, err := a.bot.Send(&tele.Chat{ID: chatID}, body, &tele.SendOptions{
			ParseMode:             parseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return ref, fmt.Errorf("telegram send to %s: %w", to, err)
		}
		ref = transport.MessageRef{Target: to, MessageID: int64(msg.ID)}
	}
	return ref, nil
}

// renderText prefixes the first chunk of a group message with a mention.
// Later chunks keep the HTML mode so escaping stays consistent.
func renderText(to transport.ChatTarget, text string, opt *transport.SendOptions, first bool) (string, tele.ParseMode) {
	if !to.IsGroup() || to.UserID == 0 || opt.NoMention || opt.ParseMode != "" {
		return text, tele.ParseMode(opt.ParseMode)
	}
	if !first {
		return chattext.Esc(text).String(), tele.ModeHTML
	}
	return chattext.Mention("", to.UserID).String() + "\n" + chattext.Esc(text).String(), tele.ModeHTML
}

func fromTele(m *tele.Message) *transport.Message {
	if m == nil || m.Sender == nil {
		return nil
	}
	msg := &transport.Message{
		ID:       int64(m.ID),
		UserID:   m.Sender.ID,
		ThreadID: m.ThreadID,
		Username: m.Sender.Username,
		Text:     m.Text,
	}
	if m.Chat != nil && m.Chat.Type != tele.ChatPrivate {
		msg.GroupID = m.Chat.ID
	}
	return msg
}

// SetMenu publishes the command menu. It only calls the API when the list
// changed since the last successful call.
func (a *Adapter) SetMenu(ctx context.Context, cmds []MenuCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		d = chattext.TruncRunes(d, 256)
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(d))
		h.Write([]byte{0})
		list = append(list, tele.Command{Text: c.Command, Description: d})
		if len(list) >= 100 {
			break
		}
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(list); err != nil {
		return fmt.Errorf("telegram setMyCommands: %w", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}
