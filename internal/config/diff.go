package config

import (
	"reflect"
	"slices"
	"sort"

	logx "chargewatch/pkg/logx"
)

// Sections that take effect only after a restart.
var restartSections = []string{"gateway", "storage", "vendor"}

// SummarizeConfigChange returns the changed sections and safe log attrs
// (never tokens or phone numbers).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Vendor, newCfg.Vendor) {
		changed = append(changed, "vendor")
		attrs = append(attrs,
			logx.String("vendor.base_url", newCfg.Vendor.BaseURL),
			logx.Bool("vendor.token_set", newCfg.Vendor.AccessToken != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Gateway, newCfg.Gateway) {
		changed = append(changed, "gateway")
		attrs = append(attrs, logx.String("gateway.kind", newCfg.Gateway.Kind))
	}
	if !reflect.DeepEqual(oldCfg.Bot, newCfg.Bot) {
		changed = append(changed, "bot")
		attrs = append(attrs,
			logx.Int("bot.operator_count", len(newCfg.Bot.Operators)),
			logx.Int("bot.allowed_group_count", len(newCfg.Bot.AllowedGroups)),
			logx.Int("bot.max_threshold", newCfg.Bot.MaxThreshold),
			logx.Int("bot.max_minutes", newCfg.Bot.MaxMinutes),
		)
	}
	if oldCfg.Poller != newCfg.Poller {
		changed = append(changed, "poller")
		attrs = append(attrs,
			logx.String("poller.interval", newCfg.Poller.Interval),
			logx.Int("poller.concurrency", newCfg.Poller.Concurrency),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.operator_enabled", newCfg.Logging.Operator.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
	}
	if !reflect.DeepEqual(oldCfg.Broadcast, newCfg.Broadcast) {
		changed = append(changed, "broadcast")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters changed down to sections that cannot be hot-applied.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if slices.Contains(restartSections, s) {
			out = append(out, s)
		}
	}
	return out
}
