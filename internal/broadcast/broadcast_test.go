package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "groupcast/pkg/logx"
)

type recordSender struct {
	mu   sync.Mutex
	sent []int64
	fail map[int64]bool
}

func (r *recordSender) SendText(ctx context.Context, chatID int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[chatID] {
		return errors.New("bot was blocked by the user")
	}
	r.sent = append(r.sent, chatID)
	return nil
}

func newService(t *testing.T, cfg Config, snd Sender) *Service {
	t.Helper()
	s := New(cfg, snd, logx.Nop())
	s.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestSubmitCountsDeliveries(t *testing.T) {
	t.Parallel()
	snd := &recordSender{fail: map[int64]bool{2: true}}
	s := newService(t, Config{RatePerSec: 1000}, snd)

	done := make(chan JobStatus, 1)
	id, err := s.Submit([]int64{1, 2, 3}, "maintenance at 22:00", func(st JobStatus) { done <- st })
	require.NoError(t, err)

	select {
	case st := <-done:
		assert.Equal(t, id, st.ID)
		assert.Equal(t, 3, st.Total)
		assert.Equal(t, 3, st.Done)
		assert.Equal(t, 1, st.Failed)
		assert.Equal(t, []int64{2}, st.Failures)
		assert.True(t, st.Finished())
		assert.False(t, st.Running)
	case <-time.After(3 * time.Second):
		t.Fatal("job did not finish")
	}
	assert.Equal(t, []int64{1, 3}, snd.sent)

	st, ok := s.Status(id)
	require.True(t, ok)
	assert.Equal(t, 1, st.Failed)
}

func TestSubmitWhenStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &recordSender{}, logx.Nop())
	_, err := s.Submit([]int64{1}, "hi", nil)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()
	s := newService(t, Config{RatePerSec: 1000, HistorySize: 2}, &recordSender{})

	for i := range 4 {
		done := make(chan struct{})
		_, err := s.Submit([]int64{int64(i)}, "x", func(JobStatus) { close(done) })
		require.NoError(t, err)
		<-done
	}
	// The newest job is counted before pruning, so at most HistorySize+1 remain.
	assert.LessOrEqual(t, len(s.Jobs()), 3)
}

func TestDelayWithinWindow(t *testing.T) {
	t.Parallel()
	s := New(Config{DelayMin: 50 * time.Millisecond, DelayMax: 150 * time.Millisecond}, &recordSender{}, logx.Nop())
	for range 100 {
		d := s.delay()
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}
