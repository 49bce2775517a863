package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "chargewatch/pkg/logx"
)

const (
	GatewayOneBot   = "onebot"
	GatewayTelegram = "telegram"

	minPollInterval = time.Second
)

// Validate reports every problem found in cfg, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(cfg.Vendor.BaseURL) == "" {
		add("vendor.base_url is required (or CQT_HOST)")
	}
	if cfg.Vendor.AccessToken == "" && (cfg.Vendor.OpenID == "" || cfg.Vendor.Phone == "") {
		add("vendor.open_id and vendor.phone are required unless vendor.access_token is set")
	}

	switch cfg.Gateway.Kind {
	case GatewayOneBot:
		if cfg.Gateway.OneBot.URL == "" {
			add("gateway.onebot.url is required (or ROBOT_WS_URL)")
		}
	case GatewayTelegram:
		if cfg.Gateway.Telegram.Token == "" {
			add("gateway.telegram.token is required (or TELEGRAM_TOKEN)")
		}
	case "":
		add("gateway.kind is required: %q or %q", GatewayOneBot, GatewayTelegram)
	default:
		add("gateway.kind: unknown gateway %q", cfg.Gateway.Kind)
	}

	if cfg.Bot.MaxThreshold < 0 {
		add("bot.max_threshold must be >= 0")
	}
	if cfg.Bot.MaxMinutes < 0 || cfg.Bot.DefaultMinutes < 0 {
		add("bot.max_minutes and bot.default_minutes must be >= 0")
	}
	if cfg.Bot.MaxMinutes > 0 && cfg.Bot.DefaultMinutes > cfg.Bot.MaxMinutes {
		add("bot.default_minutes (%d) exceeds bot.max_minutes (%d)", cfg.Bot.DefaultMinutes, cfg.Bot.MaxMinutes)
	}
	if strings.ContainsAny(cfg.Bot.Prefix, " \t\n") {
		add("bot.prefix must be a single word")
	}

	for path, raw := range durationFields(cfg) {
		if _, err := Duration(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if d, err := Duration("poller.interval", cfg.Poller.Interval); err == nil && cfg.Poller.Interval != "" && d < minPollInterval {
		add("poller.interval must be at least %s", minPollInterval)
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Logging.Operator.Enabled && len(cfg.Bot.Operators) == 0 {
		add("logging.operator.enabled needs bot.operators (or MASTER_QQ)")
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			add("storage.driver: unknown driver %q", s.Driver)
		}
	}
	return errors.Join(errs...)
}

func durationFields(cfg *Config) map[string]string {
	m := map[string]string{
		"vendor.timeout":                cfg.Vendor.Timeout,
		"vendor.relogin_every":          cfg.Vendor.ReloginEvery,
		"vendor.catalog_ttl":            cfg.Vendor.CatalogTTL,
		"gateway.onebot.action_timeout": cfg.Gateway.OneBot.ActionTimeout,
		"gateway.onebot.reconnect_min":  cfg.Gateway.OneBot.ReconnectMin,
		"gateway.onebot.reconnect_max":  cfg.Gateway.OneBot.ReconnectMax,
		"gateway.telegram.poll_timeout": cfg.Gateway.Telegram.PollTimeout,
		"bot.command_timeout":           cfg.Bot.CommandTimeout,
		"poller.interval":               cfg.Poller.Interval,
		"poller.query_timeout":          cfg.Poller.QueryTimeout,
		"poller.notify_timeout":         cfg.Poller.NotifyTimeout,
		"poller.rearm_after":            cfg.Poller.RearmAfter,
		"ops.read_timeout":              cfg.Ops.ReadTimeout,
		"ops.write_timeout":             cfg.Ops.WriteTimeout,
		"ops.idle_timeout":              cfg.Ops.IdleTimeout,
	}
	if n := cfg.Notifier; n != nil {
		m["notifier.retry_base"] = n.RetryBase
		m["notifier.retry_max_delay"] = n.RetryMaxDelay
		m["notifier.dedup_window"] = n.DedupWindow
		m["notifier.send_timeout"] = n.SendTimeout
	}
	if s := cfg.Storage; s != nil {
		m["storage.busy_timeout"] = s.BusyTimeout
	}
	return m
}
