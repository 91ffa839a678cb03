package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiterAllowPerSender(t *testing.T) {
	t.Parallel()

	l := New(Config{PerSenderRPS: 0.01, Burst: 2})

	if !l.Allow("923001234567") || !l.Allow("923001234567") {
		t.Fatal("expected burst of two to be allowed")
	}
	if l.Allow("923001234567") {
		t.Fatal("expected third message to be throttled")
	}
	// Other senders keep their own bucket.
	if !l.Allow("923009999999") {
		t.Fatal("expected a different sender to be allowed")
	}
}

func TestLimiterDisabledAllowsEverything(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 100; i++ {
		if !l.Allow("sender") {
			t.Fatalf("call %d throttled with limiting disabled", i)
		}
	}
}

func TestLimiterWait(t *testing.T) {
	t.Parallel()

	l := New(Config{PerSenderRPS: 10, Burst: 1}) // one token every 100ms
	ctx := context.Background()
	if err := l.Wait(ctx, "sender"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := l.Wait(ctx, "sender"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiterWaitCanceled(t *testing.T) {
	t.Parallel()

	l := New(Config{PerSenderRPS: 0.01, Burst: 1})
	_ = l.Allow("sender")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "sender"); err == nil {
		t.Fatal("expected wait to fail once the context expires")
	}
}
