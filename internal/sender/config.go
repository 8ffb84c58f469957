package sender

import "time"

// Config holds send-loop timing. Zero fields take the defaults below.
type Config struct {
	IntervalMin time.Duration
	IntervalMax time.Duration

	// PauseMin..PauseMax is the gap between two destinations.
	PauseMin time.Duration
	PauseMax time.Duration

	// FloodJitterMin..FloodJitterMax is added to a server-declared retry
	// delay. The upper bound is exclusive.
	FloodJitterMin time.Duration
	FloodJitterMax time.Duration

	MaxRetries    int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   time.Duration

	StopTimeout time.Duration
	SendTimeout time.Duration

	// ReaperSchedule is parsed by internal/schedule ("@every 5m", "*/5 * * * *", "5m").
	ReaperSchedule string
	Location       *time.Location
}

func (c Config) withDefaults() Config {
	def := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&c.IntervalMin, 5*time.Minute)
	def(&c.IntervalMax, 6*time.Minute)
	def(&c.PauseMin, 2*time.Second)
	def(&c.PauseMax, 5*time.Second)
	def(&c.FloodJitterMin, 5*time.Second)
	def(&c.FloodJitterMax, 15*time.Second)
	def(&c.RetryBase, 10*time.Second)
	def(&c.RetryMaxDelay, 5*time.Minute)
	def(&c.StopTimeout, 15*time.Second)
	def(&c.SendTimeout, 30*time.Second)
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.IntervalMax < c.IntervalMin {
		c.IntervalMax = c.IntervalMin
	}
	if c.PauseMax < c.PauseMin {
		c.PauseMax = c.PauseMin
	}
	if c.FloodJitterMax < c.FloodJitterMin {
		c.FloodJitterMax = c.FloodJitterMin
	}
	if c.ReaperSchedule == "" {
		c.ReaperSchedule = "@every 5m"
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}
