package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "5m").
// Zero values are filled by Normalize.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Sender    SenderConfig    `json:"sender"`
	Broadcast BroadcastConfig `json:"broadcast"`
}

type TelegramConfig struct {
	// Token may be left empty in the file and supplied via GROUPCAST_TELEGRAM_TOKEN.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout"`

	// Workers is the number of concurrent update handlers.
	Workers        int    `json:"workers,omitempty"`
	CommandTimeout string `json:"command_timeout,omitempty"`

	// SupportContact is shown to users without a subscription.
	SupportContact string `json:"support_contact,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	JSON     bool            `json:"json,omitempty"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./groupcast.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int    `json:"max_conns,omitempty"`    // postgres
}

// SenderConfig controls the per-user send loops and the subscription reaper.
//
// Defaults:
//   - interval_min/max: "5m" / "6m"
//   - pause_min/max: "2s" / "5s" (between destinations)
//   - flood_jitter_min/max: "5s" / "15s" (added to server-declared waits)
//   - retry_max: 5, retry_base: "10s", retry_max_delay: "5m", retry_jitter: "5s"
//   - stop_timeout: "15s", send_timeout: "30s"
//   - reaper_schedule: "@every 5m"
type SenderConfig struct {
	IntervalMin    string `json:"interval_min"`
	IntervalMax    string `json:"interval_max"`
	PauseMin       string `json:"pause_min,omitempty"`
	PauseMax       string `json:"pause_max,omitempty"`
	FloodJitterMin string `json:"flood_jitter_min,omitempty"`
	FloodJitterMax string `json:"flood_jitter_max,omitempty"`

	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	RetryJitter   string `json:"retry_jitter,omitempty"`

	StopTimeout string `json:"stop_timeout,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`

	ReaperSchedule string `json:"reaper_schedule,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
}

// BroadcastConfig paces admin announcements.
type BroadcastConfig struct {
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	DelayMin    string `json:"delay_min,omitempty"`
	DelayMax    string `json:"delay_max,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}
