// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package eventsource

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseScheduleExpression(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	rate, err := ParseScheduleExpression("rate(5 minutes)")
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if got := rate.Next(now); !got.Equal(now.Add(5 * time.Minute)) {
		t.Errorf("rate next = %s", got)
	}

	one, err := ParseScheduleExpression("rate(1 hour)")
	if err != nil {
		t.Fatalf("singular unit: %v", err)
	}
	if got := one.Next(now); !got.Equal(now.Add(time.Hour)) {
		t.Errorf("hourly next = %s", got)
	}

	cron, err := ParseScheduleExpression("cron(0 12 * * ? *)")
	if err != nil {
		t.Fatalf("cron: %v", err)
	}
	next := cron.Next(now)
	if next.Hour() != 12 || next.Minute() != 0 {
		t.Errorf("cron next = %s, want a 12:00 alignment", next)
	}
	if !next.After(now) {
		t.Errorf("cron next %s not after now", next)
	}

	for _, bad := range []string{"rate(x minutes)", "rate(5 lightyears)", "sometimes", "cron(banana)"} {
		if _, err := ParseScheduleExpression(bad); err == nil {
			t.Errorf("accepted %q", bad)
		}
	}
}

func TestScheduleRunnerFiresAndStops(t *testing.T) {
	r := NewScheduleRunner()
	var fires atomic.Int32
	err := r.Add(ScheduleRule{
		Name:       "tick",
		Expression: "rate(1 seconds)",
		Enabled:    true,
		Callback:   func(context.Context, time.Time) { fires.Add(1) },
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = r.Serve(ctx); close(done) }()

	time.Sleep(1200 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop on cancel")
	}

	if fires.Load() < 1 {
		t.Errorf("rule fired %d times, want >= 1", fires.Load())
	}
}

func TestScheduleRunnerMinimumDelay(t *testing.T) {
	// A rate far below the floor must not busy-loop.
	r := NewScheduleRunner()
	var fires atomic.Int32
	if err := r.Add(ScheduleRule{
		Name:       "fast",
		Expression: "rate(1 seconds)",
		Enabled:    true,
		Callback:   func(context.Context, time.Time) { fires.Add(1) },
	}); err != nil {
		t.Fatal(err)
	}

	sched := rateSchedule{interval: time.Nanosecond}
	ctx, cancel := context.WithTimeout(context.Background(), 350*time.Millisecond)
	defer cancel()
	var n atomic.Int32
	r.tick(ctx, ScheduleRule{Name: "n", Callback: func(context.Context, time.Time) { n.Add(1) }}, sched)
	if n.Load() > 5 {
		t.Errorf("fired %d times in 350ms with 100ms floor", n.Load())
	}
}

func TestDisabledRuleNeverFires(t *testing.T) {
	r := NewScheduleRunner()
	var fires atomic.Int32
	if err := r.Add(ScheduleRule{
		Name:       "off",
		Expression: "rate(1 seconds)",
		Enabled:    false,
		Callback:   func(context.Context, time.Time) { fires.Add(1) },
	}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = r.Serve(ctx)
	if fires.Load() != 0 {
		t.Errorf("disabled rule fired %d times", fires.Load())
	}
}
