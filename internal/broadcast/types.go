package broadcast

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotRunning = errors.New("broadcast: service not running")
	ErrQueueFull  = errors.New("broadcast: queue full")
)

type Config struct {
	RatePerSec  int
	DelayMin    time.Duration
	DelayMax    time.Duration
	HistorySize int
}

// Sender delivers one text to one chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// JobStatus is a snapshot of one job.
type JobStatus struct {
	ID        string
	Total     int
	Done      int
	Failed    int
	Failures  []int64
	CreatedAt time.Time
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
}

// Finished reports whether the job has completed (or was dropped).
func (s JobStatus) Finished() bool { return !s.DoneAt.IsZero() }

type job struct {
	id         string
	recipients []int64
	text       string
	onDone     func(JobStatus)
}

const (
	defaultRatePerSec  = 20
	defaultHistorySize = 50
	queueSize          = 16
	maxFailures        = 200
)

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = defaultRatePerSec
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	if c.DelayMin < 0 {
		c.DelayMin = 0
	}
	if c.DelayMax < c.DelayMin {
		c.DelayMax = c.DelayMin
	}
	return c
}
