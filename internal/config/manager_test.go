package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestParseYAMLKeepsDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
telegram:
  token: "123:abc"
  default_chat_ids: ["-100200", "@ops"]
relay:
  parse_mode: HTML
  broadcast: true
`)
	m := NewConfigManager(path)
	m.SetLookup(noEnv)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if got := cfg.Telegram.DefaultChatRef(); got != "-100200" {
		t.Fatalf("default ref = %q", got)
	}
	if cfg.Relay.ParseMode != "HTML" || !cfg.Relay.Broadcast {
		t.Fatalf("relay = %+v", cfg.Relay)
	}
	// omitted sections keep defaults
	if cfg.HTTP.Addr != ":8080" || cfg.Telegram.Timeout != "15s" {
		t.Fatalf("defaults lost: addr=%q timeout=%q", cfg.HTTP.Addr, cfg.Telegram.Timeout)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage default lost: %+v", cfg.Storage)
	}
	if m.FileMissing() {
		t.Fatal("FileMissing should be false")
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "relay:\n  parse_mod: HTML\n")
	m := NewConfigManager(path)
	m.SetLookup(noEnv)
	if _, err := m.Parse(); err == nil || !strings.Contains(err.Error(), "parse_mod") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestParseRejectsTrailingJSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.json", `{"relay":{}} {"relay":{}}`)
	m := NewConfigManager(path)
	m.SetLookup(noEnv)
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestLoadMissingFileUsesDefaultsAndEnv(t *testing.T) {
	m := NewConfigManager(filepath.Join(t.TempDir(), "nope.yaml"))
	m.SetLookup(envMap(map[string]string{
		"BOT_TOKEN":      "t0k",
		"CHAT_ID":        "@alerts",
		"CHAT_ID_2":      "-42",
		"STRICT_CHAT_ID": "1",
		"PARSE_MODE":     "MarkdownV2",
		"REGISTRY_PATH":  "/tmp/reg.json",
		"WEBHOOK_SECRET": "s3",
		"BROADCAST":      "true",
		"AUTO_FORMAT":    "yes",
		"LISTEN_ADDR":    "127.0.0.1:9000",
	}))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !m.FileMissing() {
		t.Fatal("expected FileMissing")
	}
	if cfg.Telegram.Token != "t0k" || !cfg.Telegram.StrictChatID {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if got := strings.Join(cfg.Telegram.BroadcastDefaults(), ","); got != "@alerts,-42" {
		t.Fatalf("broadcast defaults = %q", got)
	}
	if cfg.Relay.ParseMode != "MarkdownV2" || !cfg.Relay.Broadcast || !cfg.Relay.AutoFormat {
		t.Fatalf("relay = %+v", cfg.Relay)
	}
	if cfg.Storage.Path != "/tmp/reg.json" {
		t.Fatalf("storage path = %q", cfg.Storage.Path)
	}
	if cfg.HTTP.WebhookSecret != "s3" || cfg.HTTP.Addr != "127.0.0.1:9000" {
		t.Fatalf("http = %+v", cfg.HTTP)
	}
}

func TestEnvSecondChatOnly(t *testing.T) {
	cfg := Default()
	cfg.Telegram.DefaultChatIDs = []string{"111"}
	ApplyEnv(cfg, envMap(map[string]string{"CHAT_ID_2": "222"}))
	if got := strings.Join(cfg.Telegram.DefaultChatIDs, ","); got != "111,222" {
		t.Fatalf("ids = %q", got)
	}
}

func TestCacheTTL(t *testing.T) {
	var r RelayConfig
	if d, _ := r.CacheTTL(); d != 10*time.Minute {
		t.Fatalf("default ttl = %v", d)
	}
	r.ResolveCacheTTL = "0s"
	if d, _ := r.CacheTTL(); d != 0 {
		t.Fatalf("disabled ttl = %v", d)
	}
	r.ResolveCacheTTL = "soon"
	if _, err := r.CacheTTL(); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidateRejectsBadDriver(t *testing.T) {
	cfg := Default()
	cfg.Storage.Driver = "postgres"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected driver error")
	}
}

func TestSummarizeNeverLogsSecrets(t *testing.T) {
	a := Default()
	b := Default()
	b.Telegram.Token = "secret-token"
	b.HTTP.WebhookSecret = "hook-secret"
	b.Relay.Broadcast = true

	changed, attrs := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "http,relay,telegram" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if got := RestartRequired([]string{"relay", "storage"}); len(got) != 1 || got[0] != "storage" {
		t.Fatalf("restart required = %v", got)
	}
}
