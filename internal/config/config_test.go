package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

const baseYAML = `
vendor:
  base_url: https://vendor.example
  open_id: oid
  phone: "13800000000"
  longitude: "120.1"
  latitude: "30.2"
gateway:
  kind: onebot
  onebot:
    url: ws://127.0.0.1:3001
bot:
  operators: [1]
poller:
  interval: 20s
logging:
  level: info
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestParseYAMLWithEnvOverlay(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "chargewatch.yaml", baseYAML)
	m := NewConfigManager(p, envMap(map[string]string{
		"CQT_HOST":              "https://other.example",
		"QQ_TOKEN":              "secret",
		"WORK_GROUP":            "555",
		"MASTER_QQ":             "2",
		"CHARGEWATCH_LOG_LEVEL": "debug",
	}))

	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, "https://other.example", cfg.Vendor.BaseURL)
	require.Equal(t, "oid", cfg.Vendor.OpenID)
	require.Equal(t, "secret", cfg.Gateway.OneBot.AccessToken)
	require.Equal(t, int64(555), cfg.Bot.WorkGroup)
	require.Equal(t, []int64{1, 2}, cfg.Bot.Operators)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "20s", cfg.Poller.Interval)
	require.Same(t, cfg, m.Get())
}

func TestParseEnvironmentOnly(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(filepath.Join(t.TempDir(), "missing.json"), envMap(map[string]string{
		"CQT_HOST":     "https://vendor.example",
		"OPEN_ID":      "oid",
		"PHONENUMBER":  "13800000000",
		"ROBOT_WS_URL": "ws://gw:3001",
	}))
	cfg, err := m.Parse()
	require.NoError(t, err)
	require.Equal(t, GatewayOneBot, cfg.Gateway.Kind)
	require.Equal(t, "ws://gw:3001", cfg.Gateway.OneBot.URL)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	for name, body := range map[string]string{
		"bad.yaml": baseYAML + "surprise: true\n",
		"bad.json": `{"vendor": {"base_url": "x", "nope": 1}}`,
		"two.json": `{} {}`,
	} {
		_, err := NewConfigManager(writeFile(t, name, body), envMap(nil)).Parse()
		require.Error(t, err, name)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := func() *Config {
		return &Config{
			Vendor:  VendorConfig{BaseURL: "https://v", OpenID: "o", Phone: "p"},
			Gateway: GatewayConfig{Kind: GatewayTelegram, Telegram: TelegramConfig{Token: "t"}},
		}
	}
	require.NoError(t, Validate(valid()))

	cases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"no vendor", func(c *Config) { c.Vendor.BaseURL = "" }, "vendor.base_url"},
		{"no credentials", func(c *Config) { c.Vendor.Phone = "" }, "vendor.open_id"},
		{"token instead of login", func(c *Config) { c.Vendor.Phone = ""; c.Vendor.AccessToken = "x" }, ""},
		{"unknown gateway", func(c *Config) { c.Gateway.Kind = "irc" }, "unknown gateway"},
		{"onebot without url", func(c *Config) { c.Gateway.Kind = GatewayOneBot }, "gateway.onebot.url"},
		{"bad duration", func(c *Config) { c.Poller.QueryTimeout = "soon" }, "poller.query_timeout"},
		{"interval too short", func(c *Config) { c.Poller.Interval = "10ms" }, "poller.interval"},
		{"default over max", func(c *Config) { c.Bot.MaxMinutes = 60; c.Bot.DefaultMinutes = 90 }, "bot.default_minutes"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"operator sink without operators", func(c *Config) { c.Logging.Operator.Enabled = true }, "bot.operators"},
		{"bad storage", func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }, "storage.driver"},
	}
	for _, tc := range cases {
		c := valid()
		tc.mutate(c)
		err := Validate(c)
		if tc.want == "" {
			require.NoError(t, err, tc.name)
			continue
		}
		require.Error(t, err, tc.name)
		require.Contains(t, err.Error(), tc.want, tc.name)
	}
}

func TestApplyEnvInvalidID(t *testing.T) {
	t.Parallel()
	var cfg Config
	err := ApplyEnv(&cfg, envMap(map[string]string{"WORK_GROUP": "abc"}))
	require.Error(t, err)
	require.Contains(t, err.Error(), "WORK_GROUP")
}

func TestNormalizeAddsWorkGroupToAllowList(t *testing.T) {
	t.Parallel()
	cfg := Config{Bot: BotConfig{WorkGroup: 9, AllowedGroups: []int64{1}}}
	normalize(&cfg)
	require.Equal(t, []int64{1, 9}, cfg.Bot.AllowedGroups)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Poller: PollerConfig{Interval: "15s"}, Gateway: GatewayConfig{Kind: GatewayOneBot}}
	b := &Config{Poller: PollerConfig{Interval: "30s"}, Gateway: GatewayConfig{Kind: GatewayTelegram}, Bot: BotConfig{Operators: []int64{1}}}

	changed, attrs := SummarizeConfigChange(a, b)
	require.Equal(t, []string{"bot", "gateway", "poller"}, changed)
	require.NotEmpty(t, attrs)
	require.Equal(t, []string{"gateway"}, RestartRequired(changed))

	changed, _ = SummarizeConfigChange(a, a)
	require.Empty(t, changed)
}

func TestWatchPublishesValidReloads(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "chargewatch.yaml", baseYAML)
	m := NewConfigManager(p, envMap(nil))
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	// let the watcher register before writing
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, os.WriteFile(p, []byte(baseYAML+"surprise: 1\n"), 0o644))
	require.NoError(t, os.WriteFile(p, []byte(strings.Replace(baseYAML, "20s", "45s", 1)), 0o644))

	select {
	case cfg := <-ch:
		require.Equal(t, "45s", cfg.Poller.Interval)
	case <-time.After(5 * time.Second):
		t.Fatal("reload not published")
	}
	require.Equal(t, "45s", m.Get().Poller.Interval)

	cancel()
	<-done
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	t.Parallel()
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), ".env")))
	require.NoError(t, LoadDotEnv(""))
}
