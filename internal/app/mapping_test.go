package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupcast/internal/config"
)

func normalized(t *testing.T, mutate func(c *config.Config)) *config.Config {
	t.Helper()
	c := &config.Config{}
	c.Telegram.Token = "123:abc"
	if mutate != nil {
		mutate(c)
	}
	c.Normalize()
	return c
}

func TestMapSenderConfigDefaults(t *testing.T) {
	t.Parallel()
	sc, err := mapSenderConfig(normalized(t, nil))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, sc.IntervalMin)
	assert.Equal(t, 6*time.Minute, sc.IntervalMax)
	assert.Equal(t, 2*time.Second, sc.PauseMin)
	assert.Equal(t, 15*time.Second, sc.FloodJitterMax)
	assert.Equal(t, 5, sc.MaxRetries)
	assert.Equal(t, 5*time.Minute, sc.RetryMaxDelay)
	assert.Equal(t, "@every 5m", sc.ReaperSchedule)
	assert.Equal(t, time.Local, sc.Location)
}

func TestMapSenderConfigRejectsBadValues(t *testing.T) {
	t.Parallel()
	_, err := mapSenderConfig(normalized(t, func(c *config.Config) {
		c.Sender.IntervalMin, c.Sender.IntervalMax = "10m", "1m"
	}))
	assert.Error(t, err)

	_, err = mapSenderConfig(normalized(t, func(c *config.Config) {
		c.Sender.ReaperSchedule = "every now and then"
	}))
	assert.Error(t, err)

	sc, err := mapSenderConfig(normalized(t, func(c *config.Config) { c.Sender.Timezone = "UTC" }))
	require.NoError(t, err)
	assert.Equal(t, "UTC", sc.Location.String())
}

func TestValidateReload(t *testing.T) {
	t.Parallel()
	require.NoError(t, validateReload(context.Background(), normalized(t, nil)))
	assert.Error(t, validateReload(context.Background(), normalized(t, func(c *config.Config) {
		c.Broadcast.DelayMin, c.Broadcast.DelayMax = "2s", "1s"
	})))
}

func TestMapBotOptions(t *testing.T) {
	t.Parallel()
	opts, err := mapBotOptions(normalized(t, func(c *config.Config) {
		c.Telegram.OwnerUserIDs = []int64{7}
		c.Telegram.SupportContact = "@ops"
	}))
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, opts.Owners)
	assert.Equal(t, 30*time.Second, opts.CommandTimeout)
	assert.Equal(t, 4, opts.Workers)
	assert.Equal(t, "@ops", opts.SupportContact)
}
