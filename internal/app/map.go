package app

import (
	"strings"
	"time"

	"chargewatch/internal/config"
	"chargewatch/internal/notifier"
	"chargewatch/internal/notifier/broadcast"
	"chargewatch/internal/ops"
	"chargewatch/internal/poller"
	"chargewatch/internal/router"
	"chargewatch/internal/station"
	"chargewatch/internal/storage"
	"chargewatch/internal/transport"
	"chargewatch/internal/transport/onebot"
	"chargewatch/internal/transport/telegram"
	logx "chargewatch/pkg/logx"
)

func durationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := config.Duration(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Operator: logx.OperatorConfig{
			Enabled:    cfg.Logging.Operator.Enabled,
			MinLevel:   cfg.Logging.Operator.MinLevel,
			RatePerMin: cfg.Logging.Operator.RatePerMin,
		},
	}
}

// operatorTargets are the private chats that receive operator log lines.
func operatorTargets(cfg *config.Config) []transport.ChatTarget {
	out := make([]transport.ChatTarget, 0, len(cfg.Bot.Operators))
	for _, id := range cfg.Bot.Operators {
		out = append(out, transport.ChatTarget{UserID: id})
	}
	return out
}

func mapStationConfig(cfg *config.Config) (station.Config, time.Duration, error) {
	v := cfg.Vendor
	timeout, err := durationOr("vendor.timeout", v.Timeout, 10*time.Second)
	if err != nil {
		return station.Config{}, 0, err
	}
	relogin, err := config.Duration("vendor.relogin_every", v.ReloginEvery)
	if err != nil {
		return station.Config{}, 0, err
	}
	ttl, err := durationOr("vendor.catalog_ttl", v.CatalogTTL, 10*time.Minute)
	if err != nil {
		return station.Config{}, 0, err
	}
	return station.Config{
		BaseURL:              v.BaseURL,
		OpenID:               v.OpenID,
		Phone:                v.Phone,
		AccessToken:          v.AccessToken,
		Longitude:            v.Longitude,
		Latitude:             v.Latitude,
		FreeLabel:            v.FreeLabel,
		Timeout:              timeout,
		RatePerMin:           v.RatePerMin,
		Burst:                v.Burst,
		MaxConsecutiveErrors: v.MaxConsecutiveErrors,
		ReloginEvery:         relogin,
	}, ttl, nil
}

func newGateway(cfg *config.Config, log logx.Logger) (transport.Adapter, error) {
	switch cfg.Gateway.Kind {
	case config.GatewayTelegram:
		pt, err := durationOr("gateway.telegram.poll_timeout", cfg.Gateway.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(telegram.Config{
			Token:       cfg.Gateway.Telegram.Token,
			PollTimeout: pt,
			APIURL:      cfg.Gateway.Telegram.APIURL,
		}, log)
		if err != nil {
			return nil, err
		}
		return ad, nil
	default:
		ob := cfg.Gateway.OneBot
		at, err := config.Duration("gateway.onebot.action_timeout", ob.ActionTimeout)
		if err != nil {
			return nil, err
		}
		rmin, err := config.Duration("gateway.onebot.reconnect_min", ob.ReconnectMin)
		if err != nil {
			return nil, err
		}
		rmax, err := config.Duration("gateway.onebot.reconnect_max", ob.ReconnectMax)
		if err != nil {
			return nil, err
		}
		ad, err := onebot.New(onebot.Config{
			URL:           ob.URL,
			AccessToken:   ob.AccessToken,
			ActionTimeout: at,
			ReconnectMin:  rmin,
			ReconnectMax:  rmax,
		}, log)
		if err != nil {
			return nil, err
		}
		return ad, nil
	}
}

// mapNotifierConfig treats an omitted section as enabled with defaults.
// Dedup stays off unless configured so repeated command replies are not dropped.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		n = &config.NotifierConfig{Enabled: true, RetryMax: 3}
	}
	base, err := config.Duration("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.Duration("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.Duration("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.Duration("notifier.send_timeout", n.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     dedup,
		DedupMaxEntries: n.DedupMaxEntries,
		SendTimeout:     sendTimeout,
	}, nil
}

func mapBroadcastConfig(cfg *config.Config) broadcast.Config {
	b := cfg.Broadcast
	if b == nil {
		return broadcast.Config{Enabled: true, Workers: 1, RatePerSec: 1, RetryMax: 2}
	}
	return broadcast.Config{Enabled: b.Enabled, Workers: b.Workers, RatePerSec: b.RatePerSec, RetryMax: b.RetryMax}
}

// mapStorageConfig returns enabled=false when the section is omitted or the
// driver is "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	s := cfg.Storage
	if s == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.Duration("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(s.Path), BusyTimeout: busy}, true, nil
}

func mapPollerConfig(cfg *config.Config) (poller.Config, error) {
	p := cfg.Poller
	interval, err := config.Duration("poller.interval", p.Interval)
	if err != nil {
		return poller.Config{}, err
	}
	qt, err := config.Duration("poller.query_timeout", p.QueryTimeout)
	if err != nil {
		return poller.Config{}, err
	}
	nt, err := config.Duration("poller.notify_timeout", p.NotifyTimeout)
	if err != nil {
		return poller.Config{}, err
	}
	rearm, err := config.Duration("poller.rearm_after", p.RearmAfter)
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{
		Interval:      interval,
		Concurrency:   p.Concurrency,
		QueryTimeout:  qt,
		NotifyTimeout: nt,
		RearmAfter:    rearm,
		Prefix:        cfg.Bot.Prefix,
	}, nil
}

// mapRouterConfig limits group traffic to the work group when no explicit
// allow list is configured.
func mapRouterConfig(cfg *config.Config) (router.Config, error) {
	b := cfg.Bot
	timeout, err := config.Duration("bot.command_timeout", b.CommandTimeout)
	if err != nil {
		return router.Config{}, err
	}
	allowed := b.AllowedGroups
	if len(allowed) == 0 && b.WorkGroup != 0 {
		allowed = []int64{b.WorkGroup}
	}
	return router.Config{
		Prefix:         b.Prefix,
		Operators:      b.Operators,
		AllowedGroups:  allowed,
		DefaultGroup:   b.WorkGroup,
		MaxThreshold:   b.MaxThreshold,
		DefaultTTL:     time.Duration(b.DefaultMinutes) * time.Minute,
		MaxTTL:         time.Duration(b.MaxMinutes) * time.Minute,
		Workers:        b.Workers,
		CommandTimeout: timeout,
	}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	rt, err := durationOr("ops.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	wt, err := config.Duration("ops.write_timeout", o.WriteTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	it, err := durationOr("ops.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		addr = "127.0.0.1:9464"
	}
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          addr,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

// validateRuntime checks that every hot-reloadable section maps cleanly.
func validateRuntime(cfg *config.Config) error {
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPollerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRouterConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	_, _, err := mapStorageConfig(cfg)
	return err
}
