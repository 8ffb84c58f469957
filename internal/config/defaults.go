package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "groupcast/pkg/logx"
)

// Normalize fills zero values with defaults. It never overrides explicit values.
func (c *Config) Normalize() {
	t := &c.Telegram
	t.PollTimeout = orDefault(t.PollTimeout, "10s")
	if t.Workers <= 0 {
		t.Workers = 4
	}
	t.CommandTimeout = orDefault(t.CommandTimeout, "30s")

	l := &c.Logging
	l.Level = orDefault(l.Level, "info")
	if l.Telegram.RatePerSec <= 0 {
		l.Telegram.RatePerSec = 1
	}

	st := &c.Storage
	st.Driver = strings.ToLower(orDefault(st.Driver, "sqlite"))
	if st.Driver == "sqlite3" {
		st.Driver = "sqlite"
	}
	if st.Driver == "sqlite" {
		st.Path = orDefault(st.Path, "./groupcast.db")
		st.BusyTimeout = orDefault(st.BusyTimeout, "5s")
	}
	if st.MaxConns <= 0 {
		st.MaxConns = 8
	}

	s := &c.Sender
	s.IntervalMin = orDefault(s.IntervalMin, "5m")
	s.IntervalMax = orDefault(s.IntervalMax, "6m")
	s.PauseMin = orDefault(s.PauseMin, "2s")
	s.PauseMax = orDefault(s.PauseMax, "5s")
	s.FloodJitterMin = orDefault(s.FloodJitterMin, "5s")
	s.FloodJitterMax = orDefault(s.FloodJitterMax, "15s")
	if s.RetryMax <= 0 {
		s.RetryMax = 5
	}
	s.RetryBase = orDefault(s.RetryBase, "10s")
	s.RetryMaxDelay = orDefault(s.RetryMaxDelay, "5m")
	s.RetryJitter = orDefault(s.RetryJitter, "5s")
	s.StopTimeout = orDefault(s.StopTimeout, "15s")
	s.SendTimeout = orDefault(s.SendTimeout, "30s")
	s.ReaperSchedule = orDefault(s.ReaperSchedule, "@every 5m")

	b := &c.Broadcast
	if b.RatePerSec <= 0 {
		b.RatePerSec = 20
	}
	b.DelayMin = orDefault(b.DelayMin, "50ms")
	b.DelayMax = orDefault(b.DelayMax, "150ms")
	if b.HistorySize <= 0 {
		b.HistorySize = 50
	}
}

// Validate checks a normalized config.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if !logx.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"telegram.command_timeout", c.Telegram.CommandTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"sender.retry_base", c.Sender.RetryBase},
		{"sender.retry_max_delay", c.Sender.RetryMaxDelay},
		{"sender.retry_jitter", c.Sender.RetryJitter},
		{"sender.stop_timeout", c.Sender.StopTimeout},
		{"sender.send_timeout", c.Sender.SendTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}
	windows := []struct{ name, lo, hi string }{
		{"sender.interval", c.Sender.IntervalMin, c.Sender.IntervalMax},
		{"sender.pause", c.Sender.PauseMin, c.Sender.PauseMax},
		{"sender.flood_jitter", c.Sender.FloodJitterMin, c.Sender.FloodJitterMax},
		{"broadcast.delay", c.Broadcast.DelayMin, c.Broadcast.DelayMax},
	}
	for _, w := range windows {
		if _, _, err := ParseWindow(w.name, w.lo, w.hi); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Sender.Timezone != "" {
		if _, err := time.LoadLocation(c.Sender.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("sender.timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}
