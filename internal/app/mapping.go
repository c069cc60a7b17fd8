package app

import (
	"fmt"
	"strings"
	"time"

	"hookrelay/internal/config"
	"hookrelay/internal/events"
	"hookrelay/internal/httpapi"
	"hookrelay/internal/observability/pprof"
	"hookrelay/internal/relay"
	"hookrelay/internal/scheduler"
	"hookrelay/internal/storage"
	"hookrelay/internal/telegram"
	logx "hookrelay/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "none"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none":
		return storage.Config{Driver: "none"}, nil
	case "file":
		return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path)}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLogging(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			ChatID:     cfg.Telegram.OpsChatID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 15*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, APIURL: cfg.Telegram.APIURL, Timeout: timeout}, nil
}

func mapRelayOptions(cfg *config.Config) (relay.Options, error) {
	ttl, err := cfg.Relay.CacheTTL()
	if err != nil {
		return relay.Options{}, err
	}
	return relay.Options{
		DefaultChatIDs: append([]string(nil), cfg.Telegram.DefaultChatIDs...),
		Strict:         cfg.Telegram.StrictChatID,
		ParseMode:      cfg.Relay.ParseMode,
		Broadcast:      cfg.Relay.Broadcast,
		AutoFormat:     cfg.Relay.AutoFormat,
		ExtractKeys:    append([]string(nil), cfg.Relay.ExtractKeys...),
		CacheTTL:       ttl,
		ReportKeywords: append([]string(nil), cfg.Relay.ReportKeywords...),
	}, nil
}

func mapHTTP(cfg *config.Config) (httpapi.Config, error) {
	rt, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:          cfg.HTTP.Addr,
		WebhookSecret: cfg.HTTP.WebhookSecret,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
	}, nil
}

func mapProbe(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Probe.Enabled, Schedule: cfg.Probe.Schedule, Timezone: cfg.Probe.Timezone}
}

func mapEvents(cfg *config.Config) events.Config {
	return events.Config{
		Enabled:  cfg.Events.Enabled,
		URL:      cfg.Events.URL,
		Exchange: cfg.Events.Exchange,
		Producer: cfg.Events.Producer,
	}
}

func mapPprof(cfg *config.Config) pprof.Config {
	d := cfg.Debug
	return pprof.Config{Enabled: d.PprofEnabled, Addr: d.PprofAddr, Token: d.PprofToken, AllowInsecure: d.AllowInsecure}
}

// validate runs every mapper so a hot reload is rejected before anything is applied.
func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTelegram(cfg); err != nil {
		return err
	}
	if _, err := mapRelayOptions(cfg); err != nil {
		return err
	}
	if _, err := mapHTTP(cfg); err != nil {
		return err
	}
	if err := pprof.Validate(mapPprof(cfg)); err != nil {
		return err
	}
	return scheduler.Validate(mapProbe(cfg))
}
