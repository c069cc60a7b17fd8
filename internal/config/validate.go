package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the fields that can be checked without touching the network.
// Unknown parse modes are not errors: they mean "no formatting".
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if _, err := ParseDurationField("telegram.timeout", cfg.Telegram.Timeout); err != nil {
		errs = append(errs, err)
	}
	if u := strings.TrimSpace(cfg.Telegram.APIURL); u != "" {
		if p, err := url.Parse(u); err != nil || p.Scheme == "" || p.Host == "" {
			errs = append(errs, fmt.Errorf("telegram.api_url: invalid url %q", u))
		}
	}
	if _, err := cfg.Relay.CacheTTL(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout); err != nil {
		errs = append(errs, err)
	}
	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Events.Enabled && strings.TrimSpace(cfg.Events.URL) == "" {
		errs = append(errs, errors.New("events.url: required when events.enabled"))
	}
	return errors.Join(errs...)
}
