package config

import (
	"reflect"
	"sort"
	"strings"

	logx "hookrelay/pkg/logx"
)

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured attrs for logging. Secrets (bot token, webhook secret, broker URL,
// pprof token) are only ever reported as "<name>_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token ||
		!reflect.DeepEqual(ot.DefaultChatIDs, nt.DefaultChatIDs) ||
		ot.StrictChatID != nt.StrictChatID ||
		strings.TrimSpace(ot.APIURL) != strings.TrimSpace(nt.APIURL) ||
		strings.TrimSpace(ot.Timeout) != strings.TrimSpace(nt.Timeout) ||
		strings.TrimSpace(ot.OpsChatID) != strings.TrimSpace(nt.OpsChatID) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Int("telegram.default_chat_count", len(nt.DefaultChatIDs)),
			logx.Bool("telegram.strict_chat_id", nt.StrictChatID),
			logx.String("telegram.timeout", strings.TrimSpace(nt.Timeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Relay, newCfg.Relay) {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.String("relay.parse_mode", newCfg.Relay.ParseMode),
			logx.Bool("relay.broadcast", newCfg.Relay.Broadcast),
			logx.Bool("relay.auto_format", newCfg.Relay.AutoFormat),
			logx.Int("relay.extract_keys", len(newCfg.Relay.ExtractKeys)),
			logx.String("relay.resolve_cache_ttl", strings.TrimSpace(newCfg.Relay.ResolveCacheTTL)),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if strings.TrimSpace(oh.Addr) != strings.TrimSpace(nh.Addr) ||
		oh.WebhookSecret != nh.WebhookSecret ||
		strings.TrimSpace(oh.ReadTimeout) != strings.TrimSpace(nh.ReadTimeout) ||
		strings.TrimSpace(oh.WriteTimeout) != strings.TrimSpace(nh.WriteTimeout) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.webhook_secret_set", nh.WebhookSecret != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Nil means disabled.
	var oDriver, nDriver, oPath, nPath string
	if s := oldCfg.Storage; s != nil {
		oDriver, oPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path)
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path)
	}
	if oDriver != nDriver || oPath != nPath {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPath != ""),
		)
	}

	oe, ne := oldCfg.Events, newCfg.Events
	if oe.Enabled != ne.Enabled || oe.URL != ne.URL || oe.Exchange != ne.Exchange || oe.Producer != ne.Producer {
		changed = append(changed, "events")
		attrs = append(attrs,
			logx.Bool("events.enabled", ne.Enabled),
			logx.Bool("events.url_set", ne.URL != ""),
			logx.String("events.exchange", ne.Exchange),
		)
	}

	if oldCfg.Probe != newCfg.Probe {
		changed = append(changed, "probe")
		attrs = append(attrs,
			logx.Bool("probe.enabled", newCfg.Probe.Enabled),
			logx.String("probe.schedule", newCfg.Probe.Schedule),
			logx.String("probe.timezone", newCfg.Probe.Timezone),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.pprof_enabled", newCfg.Debug.PprofEnabled),
			logx.String("debug.pprof_addr", newCfg.Debug.PprofAddr),
			logx.Bool("debug.pprof_token_set", newCfg.Debug.PprofToken != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "events", "debug":
			out = append(out, s)
		}
	}
	return out
}
