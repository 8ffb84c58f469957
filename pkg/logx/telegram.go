package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sink delivers a formatted log record to a chat.
type Sink interface {
	SendLog(ctx context.Context, chatID int64, text string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, chatID int64, text string) error

func (f SinkFunc) SendLog(ctx context.Context, chatID int64, text string) error {
	return f(ctx, chatID, text)
}

const (
	telegramQueueSize = 256
	telegramMaxLen    = 3500
	telegramSendLimit = 10 * time.Second
)

// telegramSink is a zerolog.LevelWriter that forwards records at or above
// minLevel to a chat. Writes never block logging: records are dropped when
// the limiter denies them or the queue is full.
type telegramSink struct {
	sink Sink

	mu       sync.Mutex
	chatID   int64
	minLevel zerolog.Level
	limiter  *rate.Limiter

	once   sync.Once
	queue  chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newTelegramSink(sink Sink) *telegramSink {
	return &telegramSink{sink: sink, queue: make(chan string, telegramQueueSize)}
}

// configure applies cfg and starts the worker on first use. It reports
// whether the sink can deliver anything.
func (t *telegramSink) configure(cfg TelegramConfig) bool {
	if t.sink == nil {
		return false
	}
	if cfg.ChatID == 0 {
		fmt.Fprintln(Stderr(), "logx: telegram logging enabled but chat_id is not set")
		return false
	}
	rps := max(1, cfg.RatePerSec)

	t.mu.Lock()
	t.chatID = cfg.ChatID
	t.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	t.mu.Unlock()

	t.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.run(ctx)
		}()
	})
	return true
}

func (t *telegramSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-t.queue:
			t.mu.Lock()
			chatID := t.chatID
			t.mu.Unlock()

			sctx, cancel := context.WithTimeout(ctx, telegramSendLimit)
			_ = t.sink.SendLog(sctx, chatID, msg)
			cancel()
		}
	}
}

func (t *telegramSink) close() {
	if t.cancel != nil {
		t.cancel()
		t.wg.Wait()
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.InfoLevel, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	minLevel, lim := t.minLevel, t.limiter
	t.mu.Unlock()

	if lim == nil || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	msg := formatRecord(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case t.queue <- msg:
	default:
	}
	return len(p), nil
}

// formatRecord renders a zerolog JSON line as "[LEVEL] message" followed by
// one "- key=value" line per field, sorted by key.
func formatRecord(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), telegramMaxLen)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- " + k + "=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 600))
	}
	return truncate(b.String(), telegramMaxLen)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
