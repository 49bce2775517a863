package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables on cfg. Names follow the
// deployment's historical variables (CQT_HOST, QQ_TOKEN, ...) plus
// CHARGEWATCH_* for the rest.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	id := func(key string) (int64, bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return 0, false
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid id %q", key, v))
			return 0, false
		}
		return n, true
	}

	str("CQT_HOST", &cfg.Vendor.BaseURL)
	str("OPEN_ID", &cfg.Vendor.OpenID)
	str("PHONENUMBER", &cfg.Vendor.Phone)
	str("LONGITUDE", &cfg.Vendor.Longitude)
	str("LATITUDE", &cfg.Vendor.Latitude)
	str("CHARGEWATCH_VENDOR_TOKEN", &cfg.Vendor.AccessToken)

	str("ROBOT_WS_URL", &cfg.Gateway.OneBot.URL)
	str("QQ_TOKEN", &cfg.Gateway.OneBot.AccessToken)
	str("TELEGRAM_TOKEN", &cfg.Gateway.Telegram.Token)
	str("CHARGEWATCH_GATEWAY", &cfg.Gateway.Kind)

	if g, ok := id("WORK_GROUP"); ok {
		cfg.Bot.WorkGroup = g
	}
	if u, ok := id("MASTER_QQ"); ok && !slices.Contains(cfg.Bot.Operators, u) {
		cfg.Bot.Operators = append(cfg.Bot.Operators, u)
	}
	str("CHARGEWATCH_PREFIX", &cfg.Bot.Prefix)
	str("CHARGEWATCH_POLL_INTERVAL", &cfg.Poller.Interval)

	str("CHARGEWATCH_LOG_LEVEL", &cfg.Logging.Level)
	str("CHARGEWATCH_OPS_ADDR", &cfg.Ops.Addr)
	str("CHARGEWATCH_OPS_TOKEN", &cfg.Ops.Token)

	return errors.Join(errs...)
}

// normalize fills values derived from other fields.
func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.Gateway.Kind) == "" {
		switch {
		case cfg.Gateway.OneBot.URL != "":
			cfg.Gateway.Kind = GatewayOneBot
		case cfg.Gateway.Telegram.Token != "":
			cfg.Gateway.Kind = GatewayTelegram
		}
	}
	cfg.Gateway.Kind = strings.ToLower(strings.TrimSpace(cfg.Gateway.Kind))
	if g := cfg.Bot.WorkGroup; g != 0 && len(cfg.Bot.AllowedGroups) > 0 && !slices.Contains(cfg.Bot.AllowedGroups, g) {
		cfg.Bot.AllowedGroups = append(cfg.Bot.AllowedGroups, g)
	}
}
