package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// schedulerTick is the dispatch loop's default cadence, used when
// Gateway.SchedulerInterval is unset. Kept under a minute so a
// rule firing "at HH:MM" is never skipped by a tick landing just past the
// minute boundary (§4.6).
const schedulerTick = 59 * time.Second

// scheduleAction distinguishes a timer's two edges.
type scheduleAction string

const (
	actionStart scheduleAction = "start"
	actionStop  scheduleAction = "stop"
)

// compiledRule pairs a cron.Schedule — used purely as a day/time matcher,
// never as cron's own dispatch loop — with the target it applies to.
// Wiring robfig/cron/v3 here (previously unused by the teacher) into a
// matching role keeps the gateway's own wall-clock ticker as the actual
// driver of the spec's "59s tick" cadence.
type compiledRule struct {
	schedule   cron.Schedule
	target     string
	targetType string
	action     scheduleAction
}

// Scheduler evaluates wall-clock day/time rules against backends and
// groups, starting or stopping them unconditionally on a match (§4.6).
// A scheduled start goes through EnsureRunning, which does not consult the
// start-debounce window, so it always drives the transition it names.
type Scheduler struct {
	backends *BackendManager
	groups   *GroupManager
	drivers  *DriverRegistry
	activity *ActivityTracker

	getConfig func() *GatewayConfig
	lastTick  time.Time
}

// NewScheduler creates a Scheduler reading the live config snapshot
// through getConfig on every tick.
func NewScheduler(backends *BackendManager, groups *GroupManager, drivers *DriverRegistry, activity *ActivityTracker, getConfig func() *GatewayConfig) *Scheduler {
	return &Scheduler{
		backends:  backends,
		groups:    groups,
		drivers:   drivers,
		activity:  activity,
		getConfig: getConfig,
		lastTick:  time.Now(),
	}
}

// Run blocks, evaluating rules on every Gateway.SchedulerInterval (read once
// at start; schedulerTick when unset) until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	tick := schedulerTick
	if cfg := s.getConfig(); cfg != nil && cfg.Gateway.SchedulerInterval > 0 {
		tick = cfg.Gateway.SchedulerInterval
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.evaluate(ctx, now)
		}
	}
}

func (s *Scheduler) evaluate(ctx context.Context, now time.Time) {
	cfg := s.getConfig()
	if cfg == nil {
		return
	}
	since := s.lastTick
	s.lastTick = now

	for _, rule := range compileRules(cfg.Schedules) {
		next := rule.schedule.Next(since)
		if next.IsZero() || next.After(now) {
			continue
		}
		s.fire(ctx, cfg, rule)
	}
}

// compileRules builds a cron.Schedule matcher for every active timer edge.
// Parse errors are logged and the offending timer is skipped — Validate
// should have caught malformed timers already, but the scheduler stays
// defensive since config can be hot-reloaded.
func compileRules(schedules []ScheduleConfig) []compiledRule {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	var rules []compiledRule
	for _, sc := range schedules {
		for _, timer := range sc.Timers {
			if !timer.Active {
				continue
			}
			if sched, err := parseTimerSpec(parser, timer.StartTime, timer.Days); err == nil {
				rules = append(rules, compiledRule{schedule: sched, target: sc.Target, targetType: sc.TargetType, action: actionStart})
			} else {
				slog.Warn("scheduler: skipping malformed start rule", "target", sc.Target, "error", err)
			}
			if sched, err := parseTimerSpec(parser, timer.StopTime, timer.Days); err == nil {
				rules = append(rules, compiledRule{schedule: sched, target: sc.Target, targetType: sc.TargetType, action: actionStop})
			} else {
				slog.Warn("scheduler: skipping malformed stop rule", "target", sc.Target, "error", err)
			}
		}
	}
	return rules
}

// parseTimerSpec builds a 5-field cron spec ("min hour * * dow-list") from
// an "HH:MM" clock string and a set of weekdays, and compiles it.
func parseTimerSpec(parser cron.Parser, clock string, days []int) (cron.Schedule, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q: %w", clock, err)
	}
	dow := "*"
	if len(days) > 0 {
		dow = joinInts(days)
	}
	spec := fmt.Sprintf("%d %d * * %s", t.Minute(), t.Hour(), dow)
	return parser.Parse(spec)
}

func joinInts(vals []int) string {
	out := ""
	for i, v := range vals {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%d", v)
	}
	return out
}

// fire applies a matched rule's action to its target.
func (s *Scheduler) fire(ctx context.Context, cfg *GatewayConfig, rule compiledRule) {
	switch rule.targetType {
	case "group":
		s.fireGroup(ctx, cfg, rule)
	default:
		s.fireBackend(ctx, cfg, rule)
	}
}

func (s *Scheduler) fireBackend(ctx context.Context, cfg *GatewayConfig, rule compiledRule) {
	members := BuildContainerMap(cfg)
	target, ok := members[rule.target]
	if !ok {
		slog.Warn("scheduler: target backend not configured", "target", rule.target)
		return
	}
	if !target.Active {
		// §4.6 "for each schedule rule s whose target is active" — an
		// inactive backend is never auto-started or auto-stopped.
		slog.Info("scheduler: skipping inactive backend", "target", target.Name, "action", rule.action)
		return
	}
	var err error
	switch rule.action {
	case actionStart:
		err = s.backends.EnsureRunning(ctx, target)
	case actionStop:
		if s.activity.TryBeginStop(target.Name) {
			defer s.activity.EndStop(target.Name)
			if driver, ok := s.drivers.Resolve(target.Name); ok {
				err = driver.Stop(ctx, target.Name)
			}
		} else {
			slog.Info("scheduler: skipping stop, backend already stopping", "target", target.Name)
			return
		}
	}
	RecordScheduleAction(rule.target, string(rule.action), err == nil)
	if err != nil {
		slog.Warn("scheduler: action failed", "target", rule.target, "action", rule.action, "error", err)
	}
}

func (s *Scheduler) fireGroup(ctx context.Context, cfg *GatewayConfig, rule compiledRule) {
	groupMap := BuildGroupMap(cfg)
	group, ok := groupMap[rule.target]
	if !ok {
		slog.Warn("scheduler: target group not configured", "target", rule.target)
		return
	}
	if !group.Active {
		slog.Info("scheduler: skipping inactive group", "target", group.Name, "action", rule.action)
		return
	}
	members := BuildContainerMap(cfg)
	var err error
	switch rule.action {
	case actionStart:
		err = s.groups.Start(ctx, group, members)
	case actionStop:
		s.groups.Stop(ctx, group, members, s.drivers)
		RecordGroupStop(group.Name, "schedule")
	}
	RecordScheduleAction(rule.target, string(rule.action), err == nil)
	if err != nil {
		slog.Warn("scheduler: group action failed", "target", rule.target, "action", rule.action, "error", err)
	}
}
