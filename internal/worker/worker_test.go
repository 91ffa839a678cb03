package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkrelay/internal/capture"
	messengermem "github.com/JakeFAU/linkrelay/internal/messenger/memory"
	"github.com/JakeFAU/linkrelay/internal/policy/ratelimit"
	queuemem "github.com/JakeFAU/linkrelay/internal/queue/memory"
	"github.com/JakeFAU/linkrelay/internal/quota"
	"github.com/JakeFAU/linkrelay/internal/relay"
	"github.com/JakeFAU/linkrelay/internal/storage/memory"
	"github.com/JakeFAU/linkrelay/internal/storage/storetest"
)

const (
	botID  = "84868620914800"
	sender = "923001234567@c.us"
	group  = "120363000000@g.us"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeCapturer struct {
	mu      sync.Mutex
	targets []string
	result  capture.Result
	panics  bool
}

func (f *fakeCapturer) Capture(_ context.Context, target string) capture.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("renderer exploded")
	}
	f.targets = append(f.targets, target)
	return f.result
}

// gatedCapturer blocks its first capture until proceed is closed.
type gatedCapturer struct {
	fakeCapturer
	entered chan struct{}
	proceed chan struct{}
	once    sync.Once
}

func (g *gatedCapturer) Capture(ctx context.Context, target string) capture.Result {
	g.once.Do(func() {
		close(g.entered)
		<-g.proceed
	})
	return g.fakeCapturer.Capture(ctx, target)
}

type failingRecorder struct {
	*quota.Ledger
}

func (failingRecorder) Record(context.Context, quota.Decision, time.Time) (relay.UsageRecord, error) {
	return relay.UsageRecord{}, errors.New("insert failed")
}

type fixture struct {
	store     *memory.Store
	ledger    *quota.Ledger
	capturer  *fakeCapturer
	messenger *messengermem.Messenger
	worker    *Worker
}

func newFixture(t *testing.T, policy relay.Policy) *fixture {
	t.Helper()
	f := &fixture{
		store:     memory.NewStore(&storetest.SequentialIDs{}, storetest.FixedClock{T: now}),
		capturer:  &fakeCapturer{result: capture.Result{Outcome: capture.Found, URL: "https://downloadscdn5.freepik.com/d/1/file.zip"}},
		messenger: messengermem.New(nil),
	}
	f.ledger = quota.New(f.store, time.UTC, zap.NewNop())
	f.worker = New(nil, f.ledger, f.capturer, f.messenger, policy, storetest.FixedClock{T: now},
		Config{BotID: botID}, zap.NewNop())
	return f
}

func (f *fixture) register(t *testing.T, plan relay.Plan, expires time.Time, used int) relay.IdentityDetail {
	t.Helper()
	d, err := f.store.CreateIdentity(context.Background(), "923001234567", "Ali", plan, expires)
	require.NoError(t, err)
	for i := 0; i < used; i++ {
		_, err := f.store.InsertUsageRecord(context.Background(), d.ID, now.Add(-time.Minute))
		require.NoError(t, err)
	}
	return d
}

func mention(text string) relay.InboundMessage {
	return relay.InboundMessage{
		ID:           "msg-1",
		ChatID:       group,
		SenderID:     sender,
		Text:         text,
		IsGroup:      true,
		MentionedIDs: []string{botID + "@c.us"},
	}
}

func (f *fixture) onlyReply(t *testing.T) messengermem.Message {
	t.Helper()
	msgs := f.messenger.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, group, msgs[0].Recipient)
	assert.Equal(t, []string{sender}, msgs[0].Opts.Mentions)
	return msgs[0]
}

func TestHandleCapturesAndRecordsUsage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	d := f.register(t, relay.PlanBasic, now.Add(48*time.Hour), 3)

	f.worker.Handle(context.Background(), mention("@bot grab https://www.freepik.com/free-photo/item_1.htm please"))

	assert.Equal(t, []string{"https://www.freepik.com/free-photo/item_1.htm"}, f.capturer.targets)
	reply := f.onlyReply(t)
	assert.Equal(t, "✅ Hey @923001234567, I got your download link:\n"+
		"https://downloadscdn5.freepik.com/d/1/file.zip\n\n📊 Usage: 4/10 requests today", reply.Text)
	assert.Equal(t, []messengermem.Reaction{{ChatID: group, MessageID: "msg-1", Emoji: "👍"}}, f.messenger.Reactions())

	n, err := f.store.CountUsageInRange(context.Background(), d.ID, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestHandleIgnoresDirectAndUnmentioned(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	direct := mention("https://www.freepik.com/x")
	direct.IsGroup = false
	f.worker.Handle(context.Background(), direct)

	other := mention("https://www.freepik.com/x")
	other.MentionedIDs = []string{"923009999999@c.us"}
	f.worker.Handle(context.Background(), other)

	assert.Empty(t, f.messenger.Messages())
	assert.Empty(t, f.messenger.Reactions())
	assert.Empty(t, f.capturer.targets)
}

func TestHandleWithoutLinkSendsHelp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.worker.Handle(context.Background(), mention("hello bot, ftp://nope and https:// too"))

	reply := f.onlyReply(t)
	assert.Equal(t, "@923001234567! Please mention me with a valid link.", reply.Text)
	assert.Equal(t, "msg-1", reply.Opts.QuotedMessageID)
}

func TestHandleDenialReplies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
		want  string
	}{
		{
			name:  "unknown",
			setup: func(*testing.T, *fixture) {},
			want:  "@923001234567! " + DefaultNotRegisteredMessage,
		},
		{
			name: "expired",
			setup: func(t *testing.T, f *fixture) {
				f.register(t, relay.PlanPremium, now.Add(-time.Hour), 0)
			},
			want: "@923001234567! Your subscription expired. Please contact the admin.",
		},
		{
			name: "limit",
			setup: func(t *testing.T, f *fixture) {
				f.register(t, relay.PlanBasic, now.Add(time.Hour), 10)
			},
			want: "@923001234567! You have exceeded your daily limit of 10 requests. You've used 10 requests today.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, nil)
			tt.setup(t, f)
			f.worker.Handle(context.Background(), mention("https://www.freepik.com/x"))
			assert.Equal(t, tt.want, f.onlyReply(t).Text)
			assert.Empty(t, f.capturer.targets)
		})
	}
}

func TestDenialTextCoversEveryReason(t *testing.T) {
	t.Parallel()

	w := New(nil, nil, nil, nil, nil, nil, Config{NotRegisteredMessage: "join us"}, nil)
	assert.Equal(t, "@1! join us", w.denialText("1", quota.Decision{Reason: quota.UnknownIdentity}))
	assert.Equal(t, "@1! You don't have an active subscription. Please contact the admin.",
		w.denialText("1", quota.Decision{Reason: quota.NoSubscription}))
	assert.Equal(t, "@1! Subscription validation failed. Please contact the admin.",
		w.denialText("1", quota.Decision{Reason: quota.DatabaseError}))
}

func TestHandleCaptureFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	d := f.register(t, relay.PlanBasic, now.Add(time.Hour), 0)
	f.capturer.result = capture.Result{Outcome: capture.TimedOut}

	f.worker.Handle(context.Background(), mention("https://www.freepik.com/x"))

	assert.Equal(t, "Hey @923001234567, something went wrong. Please inform the admin.", f.onlyReply(t).Text)
	n, err := f.store.CountUsageInRange(context.Background(), d.ID, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "failed captures are not charged")
}

func TestHandleChargesConcurrentRequestsFromOneSenderInTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	d := f.register(t, relay.PlanStandard, now.Add(time.Hour), 19)
	gated := &gatedCapturer{
		fakeCapturer: fakeCapturer{result: f.capturer.result},
		entered:      make(chan struct{}),
		proceed:      make(chan struct{}),
	}
	w := New(nil, f.ledger, gated, f.messenger, nil, storetest.FixedClock{T: now},
		Config{BotID: botID}, zap.NewNop())

	var wg sync.WaitGroup
	first := mention("https://www.freepik.com/a")
	second := mention("https://www.freepik.com/b")
	second.ID = "msg-2"
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Handle(context.Background(), first)
	}()
	<-gated.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Handle(context.Background(), second)
	}()
	time.Sleep(30 * time.Millisecond)
	close(gated.proceed)
	wg.Wait()

	n, err := f.store.CountUsageInRange(context.Background(), d.ID, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	assert.Equal(t, []string{"https://www.freepik.com/a"}, gated.targets)

	var texts []string
	for _, m := range f.messenger.Messages() {
		texts = append(texts, m.Text)
	}
	require.Len(t, texts, 2)
	assert.Contains(t, texts, "✅ Hey @923001234567, I got your download link:\n"+
		"https://downloadscdn5.freepik.com/d/1/file.zip\n\n📊 Usage: 20/20 requests today")
	assert.Contains(t, texts,
		"@923001234567! You have exceeded your daily limit of 20 requests. You've used 20 requests today.")
	assert.Zero(t, w.identities.size())
}

func TestIdentityLockWaitHonorsContext(t *testing.T) {
	t.Parallel()

	locks := newIdentityLocks()
	unlock, err := locks.lock(context.Background(), "923001234567")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.lock(ctx, "923001234567")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := locks.lock(context.Background(), "923009999999")
	require.NoError(t, err, "other identities are not blocked")
	other()

	unlock()
	assert.Zero(t, locks.size())
}

func TestHandleRecordFailureStillDeliversLink(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.register(t, relay.PlanStandard, now.Add(time.Hour), 0)
	w := New(nil, failingRecorder{f.ledger}, f.capturer, f.messenger, nil, storetest.FixedClock{T: now},
		Config{BotID: botID}, zap.NewNop())

	w.Handle(context.Background(), mention("https://www.freepik.com/x"))
	assert.Contains(t, f.onlyReply(t).Text, "📊 Usage: 1/20 requests today")
}

func TestHandleFallsBackWhenContactLookupFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.messenger.FailContacts(errors.New("gateway timeout"))
	f.messenger.FailReactions(errors.New("gateway timeout"))
	f.register(t, relay.PlanBasic, now.Add(time.Hour), 0)

	f.worker.Handle(context.Background(), mention("https://www.freepik.com/x"))
	assert.Contains(t, f.onlyReply(t).Text, "@923001234567, I got your download link")
}

func TestHandleRateLimitsSender(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ratelimit.New(ratelimit.Config{PerSenderRPS: 0.001, Burst: 1}))
	f.register(t, relay.PlanPremium, now.Add(time.Hour), 0)

	f.worker.Handle(context.Background(), mention("https://www.freepik.com/a"))
	f.worker.Handle(context.Background(), mention("https://www.freepik.com/b"))

	assert.Equal(t, []string{"https://www.freepik.com/a"}, f.capturer.targets)
	assert.Len(t, f.messenger.Messages(), 1)
}

func TestHandleRecoversFromPanics(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.register(t, relay.PlanBasic, now.Add(time.Hour), 0)
	f.capturer.panics = true

	require.NotPanics(t, func() {
		f.worker.Handle(context.Background(), mention("https://www.freepik.com/x"))
	})
}

func TestRunConsumesQueueUntilCanceled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.register(t, relay.PlanBasic, now.Add(time.Hour), 0)
	q := queuemem.NewQueue(4)
	w := New(q, f.ledger, f.capturer, f.messenger, nil, storetest.FixedClock{T: now}, Config{BotID: botID}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	require.NoError(t, q.Enqueue(ctx, mention("https://www.freepik.com/x")))
	require.Eventually(t, func() bool { return len(f.messenger.Messages()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestReplyDelayIsHonored(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	w := New(nil, f.ledger, f.capturer, f.messenger, nil, storetest.FixedClock{T: now}, Config{
		BotID:         botID,
		ReplyDelayMin: 20 * time.Millisecond,
		ReplyDelayMax: 30 * time.Millisecond,
	}, zap.NewNop())

	start := time.Now()
	w.Handle(context.Background(), mention("no link here"))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, w.pause(ctx))
}

func TestExtractLink(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want string
		ok   bool
	}{
		{"get https://www.freepik.com/a_1.htm now", "https://www.freepik.com/a_1.htm", true},
		{"http://x.example/p?q=1", "http://x.example/p?q=1", true},
		{"https:// https://ok.example/", "https://ok.example/", true},
		{"no links", "", false},
		{"ftp://files.example/x", "", false},
	}
	for _, tt := range tests {
		got, ok := ExtractLink(tt.text)
		assert.Equal(t, tt.ok, ok, tt.text)
		assert.Equal(t, tt.want, got, tt.text)
	}
}
