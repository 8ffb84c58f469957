package bot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupcast/internal/broadcast"
	"groupcast/internal/eventbus"
	"groupcast/internal/sender"
	"groupcast/internal/session"
	"groupcast/internal/session/sessiontest"
	"groupcast/internal/storage"
	kit "groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

const (
	adminID int64 = 1
	userID  int64 = 100
)

type sentText struct {
	ChatID int64
	Text   string
	Edit   bool
}

type fakeAdapter struct {
	mu       sync.Mutex
	sent     []sentText
	answered []string
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{} }

func (a *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (a *fakeAdapter) record(s sentText) {
	a.mu.Lock()
	a.sent = append(a.sent, s)
	a.mu.Unlock()
}

func (a *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.record(sentText{ChatID: to.ChatID, Text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (a *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	a.record(sentText{ChatID: ref.ChatID, Text: text, Edit: true})
	return nil
}

func (a *fakeAdapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	a.mu.Lock()
	a.answered = append(a.answered, callbackID)
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

func (a *fakeAdapter) to(chatID int64) []sentText {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []sentText
	for _, s := range a.sent {
		if s.ChatID == chatID {
			out = append(out, s)
		}
	}
	return out
}

type fakeSenders struct {
	mu      sync.Mutex
	running map[int64]bool
	calls   []string
	// err is returned by Start and Stop when set.
	err error
}

func newFakeSenders() *fakeSenders { return &fakeSenders{running: map[int64]bool{}} }

func (f *fakeSenders) log(s string) {
	f.calls = append(f.calls, s)
}

func (f *fakeSenders) Start(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("start")
	if f.err != nil {
		return f.err
	}
	f.running[id] = true
	return nil
}

func (f *fakeSenders) Stop(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("stop")
	if f.err != nil {
		return f.err
	}
	delete(f.running, id)
	return nil
}

func (f *fakeSenders) IsRunning(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[id]
}

func (f *fakeSenders) Status(id int64) (sender.Status, bool) {
	if !f.IsRunning(id) {
		return sender.Status{}, false
	}
	return sender.Status{UserID: id, State: sender.StateSleeping, Cycles: 2, Delivered: 4}, true
}

func (f *fakeSenders) CleanupProfile(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("cleanup")
	delete(f.running, id)
	return nil
}

func (f *fakeSenders) Dialogs(ctx context.Context, id int64) ([]session.Dialog, error) {
	return nil, session.ErrDialogsUnsupported
}

func (f *fakeSenders) ResolveChat(ctx context.Context, id, chatID int64) (session.Dialog, error) {
	if chatID == -404 {
		return session.Dialog{}, errors.New("chat not found")
	}
	return session.Dialog{ID: chatID, Title: "Group"}, nil
}

func (f *fakeSenders) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeBroadcast struct {
	mu         sync.Mutex
	recipients []int64
	onDone     func(broadcast.JobStatus)
}

func (f *fakeBroadcast) Submit(recipients []int64, text string, onDone func(broadcast.JobStatus)) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recipients = recipients
	f.onDone = onDone
	return "job1", nil
}

func (f *fakeBroadcast) Status(id string) (broadcast.JobStatus, bool) {
	if id != "job1" {
		return broadcast.JobStatus{}, false
	}
	return broadcast.JobStatus{ID: id, Total: 2, Done: 1, Running: true}, true
}

type harness struct {
	bot     *Bot
	ad      *fakeAdapter
	senders *fakeSenders
	bc      *fakeBroadcast
	store   storage.Store
	bus     eventbus.Bus
	trans   *sessiontest.Transport
	updates chan kit.Update
	msgID   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	st, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	require.NoError(t, err)

	h := &harness{
		ad:      newFakeAdapter(),
		senders: newFakeSenders(),
		bc:      &fakeBroadcast{},
		store:   st,
		bus:     eventbus.New(),
		trans:   &sessiontest.Transport{},
		updates: make(chan kit.Update, 8),
	}
	h.bot = New(Deps{
		Store:     st,
		Senders:   h.senders,
		Broadcast: h.bc,
		Sessions:  h.trans,
		Bus:       h.bus,
		Adapter:   h.ad,
	}, Options{Owners: []int64{adminID}, Workers: 1, CommandTimeout: 5 * time.Second, SupportContact: "@owner"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.bot.Run(ctx, h.updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = st.Close()
	})
	return h
}

// say sends text as from in a private chat and returns the replies addressed
// to from. Every handler answers the caller last.
func (h *harness) say(t *testing.T, from int64, text string) []sentText {
	t.Helper()
	before := h.ad.count()
	h.msgID++
	h.updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: h.msgID, ChatID: from, FromID: from, FromName: "Tester", Text: text, Private: true,
	}}
	var out []sentText
	require.Eventually(t, func() bool {
		h.ad.mu.Lock()
		defer h.ad.mu.Unlock()
		out = out[:0]
		for _, s := range h.ad.sent[before:] {
			if s.ChatID == from {
				out = append(out, s)
			}
		}
		return len(out) > 0
	}, 2*time.Second, 5*time.Millisecond, "no reply to %q", text)
	return out
}

func (h *harness) last(t *testing.T, from int64, text string) string {
	t.Helper()
	out := h.say(t, from, text)
	return out[len(out)-1].Text
}

func TestStartRegistersUser(t *testing.T) {
	h := newHarness(t)
	assert.Contains(t, h.last(t, userID, "/start"), "Welcome, Tester")

	u, err := h.store.GetUser(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, "Tester", u.FullName)
}

func TestUnknownAndAdminOnly(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "Unknown command. Try /help", h.last(t, userID, "/nope"))
	assert.Equal(t, "This command is for admins only.", h.last(t, userID, "/users"))
	assert.Contains(t, h.last(t, adminID, "/users@groupcast_bot"), "Users")
}

func TestHelpHidesAdminCommands(t *testing.T) {
	h := newHarness(t)
	assert.NotContains(t, h.last(t, userID, "/help"), "/broadcast")
	assert.Contains(t, h.last(t, adminID, "/help"), "/broadcast")
}

func TestRunReportsMissingSetup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.say(t, userID, "/start")

	assert.Contains(t, h.last(t, userID, "/run"), "active subscription")
	assert.Contains(t, h.last(t, userID, "/run"), "@owner")

	h.say(t, adminID, "/addsub 100 30")
	got := h.last(t, userID, "/run")
	assert.Contains(t, got, "a credential (/session)")
	assert.Contains(t, got, "a message (/message)")
	assert.Contains(t, got, "at least one group (/addgroup)")

	assert.Equal(t, "Credential saved. Messages will be sent as the new account.", h.last(t, userID, "/session 123:abc"))
	assert.Equal(t, "Message saved.", h.last(t, userID, "/message hello\nworld"))
	assert.Equal(t, "Added Group.", h.last(t, userID, "/addgroup -1001"))

	m, err := h.store.Message(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld", m.Text)

	assert.Equal(t, "Sending started.", h.last(t, userID, "/run"))
	assert.True(t, h.senders.IsRunning(userID))
	assert.Equal(t, "Sending is already running.", h.last(t, userID, "/run"))
	assert.Equal(t, "Sending stopped.", h.last(t, userID, "/stop"))
	assert.Equal(t, "Sending was not running.", h.last(t, userID, "/stop"))
}

func TestRunWhileStillStopping(t *testing.T) {
	h := newHarness(t)
	h.say(t, userID, "/start")
	h.say(t, adminID, "/addsub 100 30")
	h.last(t, userID, "/session 123:abc")
	h.last(t, userID, "/message hello")
	h.last(t, userID, "/addgroup -1001")

	h.senders.mu.Lock()
	h.senders.err = fmt.Errorf("stop user 100: %w", sender.ErrStopTimeout)
	h.senders.mu.Unlock()

	assert.Contains(t, h.last(t, userID, "/stop"), "Sending is stopping")
	assert.Contains(t, h.last(t, userID, "/run"), "still stopping")
	assert.False(t, h.senders.IsRunning(userID))
}

func TestSessionRejectedCredential(t *testing.T) {
	h := newHarness(t)
	h.say(t, userID, "/start")
	h.trans.SetConnectErr(session.ErrAuth)

	assert.Equal(t, "That credential was rejected.", h.last(t, userID, "/session bad"))
	_, err := h.store.Profile(context.Background(), userID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAddGroupLimits(t *testing.T) {
	h := newHarness(t)
	h.say(t, userID, "/start")

	assert.Equal(t, "Usage: /addgroup <chat id>", h.last(t, userID, "/addgroup abc"))
	assert.Equal(t, "That chat is not a group the account can post to.", h.last(t, userID, "/addgroup -404"))
	for _, id := range []string{"-1", "-2", "-3"} {
		assert.Equal(t, "Added Group.", h.last(t, userID, "/addgroup "+id))
	}
	assert.Equal(t, "That group is already selected.", h.last(t, userID, "/addgroup -1"))
	assert.Contains(t, h.last(t, userID, "/addgroup -4"), "at most 3 groups")
	assert.Equal(t, "Group removed.", h.last(t, userID, "/delgroup -2"))
	assert.Equal(t, "That group is not selected.", h.last(t, userID, "/delgroup -2"))
	assert.Contains(t, h.last(t, userID, "/groups"), "Selected groups (2/3)")
}

func TestRemoveSubStopsThenNotifies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.say(t, userID, "/start")
	h.say(t, adminID, "/addsub 100 10")
	require.NoError(t, h.senders.Start(ctx, userID))

	h.say(t, adminID, "/removesub 100")
	require.Eventually(t, func() bool {
		for _, s := range h.ad.to(userID) {
			if s.Text == "Your subscription was removed. Sending has stopped." {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, h.senders.IsRunning(userID))
	assert.Equal(t, []string{"start", "stop"}, h.senders.callLog())

	ok, err := h.store.SubscriptionValid(ctx, userID)
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := h.store.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "removesub", entries[0].Action)
	assert.Equal(t, userID, entries[0].Target)
	assert.Equal(t, adminID, entries[0].ActorID)
}

func TestBanBlocksCommands(t *testing.T) {
	h := newHarness(t)
	h.say(t, userID, "/start")
	assert.Equal(t, "Admins cannot be banned.", h.last(t, adminID, "/ban 1"))
	assert.Equal(t, "User 100 banned.", h.last(t, adminID, "/ban 100"))
	assert.Equal(t, "Your account is banned.", h.last(t, userID, "/message hi"))
	assert.Equal(t, "Your account is banned.", h.last(t, userID, "/run"))
	assert.Equal(t, "User 100 unbanned.", h.last(t, adminID, "/unban 100"))
	assert.Equal(t, "Message saved.", h.last(t, userID, "/message hi"))
}

func TestBroadcastSubmitsAndSummarizes(t *testing.T) {
	h := newHarness(t)
	h.say(t, userID, "/start")
	h.say(t, adminID, "/start")

	assert.Contains(t, h.last(t, adminID, "/broadcast hello everyone"), "Broadcast job1 queued for 2 users")
	h.bc.mu.Lock()
	assert.ElementsMatch(t, []int64{adminID, userID}, h.bc.recipients)
	onDone := h.bc.onDone
	h.bc.mu.Unlock()

	before := len(h.ad.to(adminID))
	onDone(broadcast.JobStatus{ID: "job1", Total: 2, Done: 2, DoneAt: time.Now()})
	got := h.ad.to(adminID)
	require.Len(t, got, before+1)
	assert.Contains(t, got[len(got)-1].Text, "finished")

	assert.Contains(t, h.last(t, adminID, "/job job1"), "running")
	assert.Contains(t, h.last(t, adminID, "/job other"), "No such job")
}

func TestStatusCallbackEditsMessage(t *testing.T) {
	h := newHarness(t)
	h.say(t, userID, "/start")
	before := h.ad.count()

	h.updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID: "cb1", FromID: userID, ChatID: userID, MessageID: 7, Data: "sender:status",
	}}
	require.Eventually(t, func() bool { return h.ad.count() > before }, 2*time.Second, 5*time.Millisecond)

	got := h.ad.to(userID)
	last := got[len(got)-1]
	assert.True(t, last.Edit)
	assert.Contains(t, last.Text, "Status")
	require.Eventually(t, func() bool {
		h.ad.mu.Lock()
		defer h.ad.mu.Unlock()
		return len(h.ad.answered) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStopEventsNotifyUser(t *testing.T) {
	h := newHarness(t)
	events, unsub := h.bot.SubscribeEvents()
	defer unsub()

	// Published before the watcher runs, as a restore at boot would.
	h.bus.Publish(eventbus.Event{Type: eventbus.SenderStopped, UserID: userID, Reason: sender.ReasonStopped})
	h.bus.Publish(eventbus.Event{Type: eventbus.SenderStopped, UserID: userID, Reason: sender.ReasonRetriesExhausted,
		Data: sender.Status{LastError: "boom"}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.bot.WatchEvents(ctx, events)
	}()
	t.Cleanup(func() { cancel(); <-done })

	require.Eventually(t, func() bool { return len(h.ad.to(userID)) > 0 }, 2*time.Second, 10*time.Millisecond)
	got := h.ad.to(userID)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Text, "Last error: boom")
}

func TestStopNotice(t *testing.T) {
	t.Parallel()
	assert.Empty(t, stopNotice(eventbus.Event{Type: eventbus.SenderStopped, Reason: sender.ReasonStopped}))
	assert.Empty(t, stopNotice(eventbus.Event{Type: eventbus.SenderStopped, Reason: sender.ReasonShutdown}))
	assert.Contains(t, stopNotice(eventbus.Event{Type: eventbus.SenderReaped, Reason: sender.ReasonExpired}), "expired")
	assert.Contains(t, stopNotice(eventbus.Event{Type: eventbus.SenderStopped, Reason: sender.ReasonExpired}), "expired")
	assert.Contains(t, stopNotice(eventbus.Event{Type: eventbus.SenderStopped, Reason: sender.ReasonNotReady}), "incomplete")
}

func TestTokenizeAndSplit(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"42", "a b", "c"}, tokenizeCommandLine(`42 "a b" c`))
	word, rest := splitCommand("/Message@bot  line one\nline two")
	assert.Equal(t, "message", word)
	assert.Equal(t, "line one\nline two", rest)
	word, _ = splitCommand("plain text")
	assert.Empty(t, word)
}
