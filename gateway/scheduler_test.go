package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
)

// ─── parseTimerSpec ─────────────────────────────────────────────────────────────

func TestParseTimerSpec(t *testing.T) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	t.Run("valid clock with no days fires every day", func(t *testing.T) {
		sched, err := parseTimerSpec(parser, "09:30", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC) // a Friday
		next := sched.Next(base)
		if next.Hour() != 9 || next.Minute() != 30 {
			t.Errorf("next = %v, want 09:30", next)
		}
	})

	t.Run("restricted to specific weekdays", func(t *testing.T) {
		// 2026-07-31 is a Friday (day 5); restrict to Monday (1) only.
		sched, err := parseTimerSpec(parser, "08:00", []int{1})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
		next := sched.Next(base)
		if next.Weekday() != time.Monday {
			t.Errorf("next weekday = %v, want Monday", next.Weekday())
		}
	})

	t.Run("invalid clock string errors", func(t *testing.T) {
		if _, err := parseTimerSpec(parser, "25:99", nil); err == nil {
			t.Error("expected error for invalid clock string")
		}
	})
}

// ─── compileRules ───────────────────────────────────────────────────────────────

func TestCompileRules(t *testing.T) {
	schedules := []ScheduleConfig{
		{
			Target:     "app",
			TargetType: "container",
			Timers: []Timer{
				{StartTime: "08:00", StopTime: "20:00", Active: true},
				{StartTime: "09:00", StopTime: "18:00", Active: false}, // inactive, skipped
			},
		},
	}

	rules := compileRules(schedules)
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules (1 start + 1 stop from the active timer), got %d", len(rules))
	}

	var sawStart, sawStop bool
	for _, r := range rules {
		if r.target != "app" || r.targetType != "container" {
			t.Errorf("rule target = (%q, %q), want (app, container)", r.target, r.targetType)
		}
		switch r.action {
		case actionStart:
			sawStart = true
		case actionStop:
			sawStop = true
		}
	}
	if !sawStart || !sawStop {
		t.Errorf("expected both a start and a stop rule, sawStart=%v sawStop=%v", sawStart, sawStop)
	}
}

func TestCompileRules_MalformedTimerSkipped(t *testing.T) {
	schedules := []ScheduleConfig{
		{
			Target:     "app",
			TargetType: "container",
			Timers: []Timer{
				{StartTime: "not-a-time", StopTime: "20:00", Active: true},
			},
		},
	}

	rules := compileRules(schedules)
	if len(rules) != 1 {
		t.Fatalf("expected only the valid stop rule to compile, got %d rules", len(rules))
	}
	if rules[0].action != actionStop {
		t.Errorf("expected the surviving rule to be the stop rule, got %v", rules[0].action)
	}
}

// ─── fireBackend / fireGroup: inactive targets are never driven ────────────────

func newTestScheduler(drivers *DriverRegistry, activity *ActivityTracker) *Scheduler {
	backends := NewBackendManager(drivers, activity)
	groups := NewGroupManager(backends, activity)
	return NewScheduler(backends, groups, drivers, activity, func() *GatewayConfig { return nil })
}

func TestScheduler_FireBackend_SkipsInactiveTarget(t *testing.T) {
	driver := newFakeDriver()
	drivers := NewDriverRegistry(driver, nil)
	activity := NewActivityTracker()
	s := newTestScheduler(drivers, activity)

	cfg := &GatewayConfig{Containers: []ContainerConfig{{Name: "app", Active: false}}}
	rule := compiledRule{target: "app", targetType: "container", action: actionStart}

	s.fireBackend(context.Background(), cfg, rule)

	if driver.running["app"] {
		t.Error("expected an inactive backend target to never be started by a schedule rule")
	}
}

func TestScheduler_FireGroup_SkipsInactiveTarget(t *testing.T) {
	driver := newFakeDriver()
	drivers := NewDriverRegistry(driver, nil)
	activity := NewActivityTracker()
	s := newTestScheduler(drivers, activity)

	cfg := &GatewayConfig{
		Containers: []ContainerConfig{{Name: "a", Active: true}},
		Groups:     []GroupConfig{{Name: "cluster", Active: false, Containers: []string{"a"}}},
	}
	rule := compiledRule{target: "cluster", targetType: "group", action: actionStart}

	s.fireGroup(context.Background(), cfg, rule)

	if driver.running["a"] {
		t.Error("expected a schedule rule targeting an inactive group to never start its members")
	}
}
