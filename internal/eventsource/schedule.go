// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package eventsource

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/harborstackd/harborstackd/internal/logging"
)

// minScheduleDelay floors every computed sleep so a misdeclared rule
// can't busy-loop the runner.
const minScheduleDelay = 100 * time.Millisecond

// Schedule yields successive fire times.
type Schedule interface {
	Next(after time.Time) time.Time
}

type rateSchedule struct {
	interval time.Duration
}

func (s rateSchedule) Next(after time.Time) time.Time { return after.Add(s.interval) }

type cronSchedule struct {
	inner cron.Schedule
}

func (s cronSchedule) Next(after time.Time) time.Time { return s.inner.Next(after) }

// cronParser accepts the five-field minute-resolution cron dialect.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseScheduleExpression understands "rate(N unit)" and
// "cron(fields...)" expressions. Six-field cron (with a year column)
// drops the year and maps "?" to "*".
func ParseScheduleExpression(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case strings.HasPrefix(expr, "rate(") && strings.HasSuffix(expr, ")"):
		body := strings.TrimSuffix(strings.TrimPrefix(expr, "rate("), ")")
		parts := strings.Fields(body)
		if len(parts) != 2 {
			return nil, fmt.Errorf("eventsource: malformed rate expression %q", expr)
		}
		n, err := strconv.Atoi(parts[0])
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("eventsource: malformed rate value in %q", expr)
		}
		var unit time.Duration
		switch strings.TrimSuffix(parts[1], "s") {
		case "second":
			unit = time.Second
		case "minute":
			unit = time.Minute
		case "hour":
			unit = time.Hour
		case "day":
			unit = 24 * time.Hour
		default:
			return nil, fmt.Errorf("eventsource: unknown rate unit in %q", expr)
		}
		return rateSchedule{interval: time.Duration(n) * unit}, nil

	case strings.HasPrefix(expr, "cron(") && strings.HasSuffix(expr, ")"):
		body := strings.TrimSuffix(strings.TrimPrefix(expr, "cron("), ")")
		fields := strings.Fields(body)
		if len(fields) == 6 {
			fields = fields[:5] // drop the year column
		}
		for i, f := range fields {
			if f == "?" {
				fields[i] = "*"
			}
		}
		sched, err := cronParser.Parse(strings.Join(fields, " "))
		if err != nil {
			return nil, fmt.Errorf("eventsource: parse cron %q: %w", expr, err)
		}
		return cronSchedule{inner: sched}, nil
	}
	return nil, fmt.Errorf("eventsource: unrecognized schedule expression %q", expr)
}

// ScheduleRule is one enabled rule: an expression and the callback fired
// on each tick.
type ScheduleRule struct {
	Name       string
	Expression string
	Enabled    bool
	Callback   func(ctx context.Context, firedAt time.Time)
}

// ScheduleRunner owns one task per enabled rule. It is a suture service.
type ScheduleRunner struct {
	mu    sync.Mutex
	rules []ScheduleRule
}

// NewScheduleRunner builds an empty runner; rules are registered with
// Add, which validates their expressions, not at tick time.
func NewScheduleRunner() *ScheduleRunner {
	return &ScheduleRunner{}
}

// Add registers a rule. Disabled rules are kept but never fire.
func (r *ScheduleRunner) Add(rule ScheduleRule) error {
	if _, err := ParseScheduleExpression(rule.Expression); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
	return nil
}

// Serve runs one ticking task per enabled rule until ctx is canceled.
func (r *ScheduleRunner) Serve(ctx context.Context) error {
	r.mu.Lock()
	rules := append([]ScheduleRule(nil), r.rules...)
	r.mu.Unlock()

	var wg sync.WaitGroup
	started := 0
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		sched, err := ParseScheduleExpression(rule.Expression)
		if err != nil {
			// Validated at Add; re-validated here for rules constructed
			// directly.
			logging.Error().Str("rule", rule.Name).Err(err).Msg("eventsource: bad schedule expression")
			continue
		}
		started++
		wg.Add(1)
		go func(rule ScheduleRule, sched Schedule) {
			defer wg.Done()
			r.tick(ctx, rule, sched)
		}(rule, sched)
	}
	if started == 0 {
		<-ctx.Done()
	}
	wg.Wait()
	return ctx.Err()
}

func (r *ScheduleRunner) tick(ctx context.Context, rule ScheduleRule, sched Schedule) {
	for {
		now := time.Now()
		delay := time.Until(sched.Next(now))
		if delay < minScheduleDelay {
			delay = minScheduleDelay
		}
		timer := time.NewTimer(delay)
		select {
		case firedAt := <-timer.C:
			rule.Callback(ctx, firedAt)
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// String names the service in supervisor logs.
func (r *ScheduleRunner) String() string { return "schedule-runner" }
