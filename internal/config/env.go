package config

import (
	"os"
	"strconv"
	"strings"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays environment overrides on cfg. It runs after every parse so a
// hot reload never drops a value that came from the environment.
//
// Recognized variables:
//
//	BOT_TOKEN, CHAT_ID, CHAT_ID_2, STRICT_CHAT_ID, PARSE_MODE, REGISTRY_PATH,
//	WEBHOOK_SECRET, BROADCAST, AUTO_FORMAT, LISTEN_ADDR
func ApplyEnv(cfg *Config, lookup LookupFunc) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		if !ok {
			return "", false
		}
		return strings.TrimSpace(v), true
	}

	if v, ok := get("BOT_TOKEN"); ok && v != "" {
		cfg.Telegram.Token = v
	}

	c1, ok1 := get("CHAT_ID")
	c2, ok2 := get("CHAT_ID_2")
	if ok1 || ok2 {
		ids := make([]string, 2)
		copy(ids, cfg.Telegram.DefaultChatIDs)
		if ok1 {
			ids[0] = c1
		}
		if ok2 {
			ids[1] = c2
		}
		if len(cfg.Telegram.DefaultChatIDs) > 2 {
			ids = append(ids, cfg.Telegram.DefaultChatIDs[2:]...)
		}
		out := ids[:0]
		for _, id := range ids {
			if strings.TrimSpace(id) != "" {
				out = append(out, id)
			}
		}
		cfg.Telegram.DefaultChatIDs = out
	}

	if v, ok := get("STRICT_CHAT_ID"); ok {
		cfg.Telegram.StrictChatID = truthy(v)
	}
	if v, ok := get("PARSE_MODE"); ok {
		cfg.Relay.ParseMode = v
	}
	if v, ok := get("BROADCAST"); ok {
		cfg.Relay.Broadcast = truthy(v)
	}
	if v, ok := get("AUTO_FORMAT"); ok {
		cfg.Relay.AutoFormat = truthy(v)
	}
	if v, ok := get("REGISTRY_PATH"); ok && v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "file"}
		}
		cfg.Storage.Path = v
	}
	if v, ok := get("WEBHOOK_SECRET"); ok {
		cfg.HTTP.WebhookSecret = v
	}
	if v, ok := get("LISTEN_ADDR"); ok && v != "" {
		cfg.HTTP.Addr = v
	}
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "on", "y":
		return true
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}
