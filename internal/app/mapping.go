package app

import (
	"context"
	"fmt"
	"time"

	"groupcast/internal/bot"
	"groupcast/internal/broadcast"
	"groupcast/internal/config"
	"groupcast/internal/schedule"
	"groupcast/internal/sender"
	"groupcast/internal/storage"
	logx "groupcast/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		JSON:    l.JSON,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     l.Telegram.ChatID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		DSN:         sc.DSN,
		BusyTimeout: busy,
		MaxConns:    int32(sc.MaxConns),
	}, nil
}

func mapSenderConfig(cfg *config.Config) (sender.Config, error) {
	s := cfg.Sender
	var (
		out sender.Config
		err error
	)
	if out.IntervalMin, out.IntervalMax, err = config.ParseWindow("sender.interval", s.IntervalMin, s.IntervalMax); err != nil {
		return out, err
	}
	if out.PauseMin, out.PauseMax, err = config.ParseWindow("sender.pause", s.PauseMin, s.PauseMax); err != nil {
		return out, err
	}
	if out.FloodJitterMin, out.FloodJitterMax, err = config.ParseWindow("sender.flood_jitter", s.FloodJitterMin, s.FloodJitterMax); err != nil {
		return out, err
	}
	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"sender.retry_base", s.RetryBase, &out.RetryBase},
		{"sender.retry_max_delay", s.RetryMaxDelay, &out.RetryMaxDelay},
		{"sender.retry_jitter", s.RetryJitter, &out.RetryJitter},
		{"sender.stop_timeout", s.StopTimeout, &out.StopTimeout},
		{"sender.send_timeout", s.SendTimeout, &out.SendTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = config.ParseDurationField(d.path, d.raw); err != nil {
			return out, err
		}
	}
	if _, err := schedule.Parse(s.ReaperSchedule); err != nil {
		return out, fmt.Errorf("sender.reaper_schedule: %w", err)
	}
	out.MaxRetries = s.RetryMax
	out.ReaperSchedule = s.ReaperSchedule
	out.Location = time.Local
	if s.Timezone != "" {
		loc, err := time.LoadLocation(s.Timezone)
		if err != nil {
			return out, fmt.Errorf("sender.timezone: %w", err)
		}
		out.Location = loc
	}
	return out, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	b := cfg.Broadcast
	lo, hi, err := config.ParseWindow("broadcast.delay", b.DelayMin, b.DelayMax)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{RatePerSec: b.RatePerSec, DelayMin: lo, DelayMax: hi, HistorySize: b.HistorySize}, nil
}

func mapBotOptions(cfg *config.Config) (bot.Options, error) {
	t := cfg.Telegram
	timeout, err := config.ParseDurationOrDefault("telegram.command_timeout", t.CommandTimeout, 30*time.Second)
	if err != nil {
		return bot.Options{}, err
	}
	return bot.Options{
		Owners:         t.OwnerUserIDs,
		Workers:        t.Workers,
		CommandTimeout: timeout,
		SupportContact: t.SupportContact,
	}, nil
}

// validateReload rejects a reloaded file that the live components could not
// apply.
func validateReload(_ context.Context, cfg *config.Config) error {
	if _, err := mapSenderConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	_, err := mapBotOptions(cfg)
	return err
}
