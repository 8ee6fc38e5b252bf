package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// reaperConcurrency bounds how many IsRunning/Stop driver calls the reaper
// issues at once, so a large fleet doesn't open hundreds of simultaneous
// connections to the Docker daemon or Proxmox API every sweep
// (§4.5 "bounded-concurrency sweep" — an explicit departure from the
// teacher's sequential per-minute checkIdle).
const reaperConcurrency = 10

// Reaper periodically stops backends (and groups) that have been idle
// past their configured timeout. It supersedes the teacher's
// ContainerManager.StartIdleWatcher/checkIdle with a bounded-concurrency
// sweep and group-aware skip rules.
type Reaper struct {
	backends *BackendManager
	groups   *GroupManager
	drivers  *DriverRegistry
	activity *ActivityTracker
	interval time.Duration

	getConfig func() *GatewayConfig
}

// NewReaper creates a Reaper that sweeps every interval (default 10s per
// SPEC_FULL.md §4.5), reading the live config snapshot through getConfig
// on every tick so config reloads take effect without a restart.
func NewReaper(backends *BackendManager, groups *GroupManager, drivers *DriverRegistry, activity *ActivityTracker, interval time.Duration, getConfig func() *GatewayConfig) *Reaper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reaper{
		backends:  backends,
		groups:    groups,
		drivers:   drivers,
		activity:  activity,
		interval:  interval,
		getConfig: getConfig,
	}
}

// Run blocks, sweeping on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep evaluates every backend and group against the idle-stop invariant
// and stops the ones that qualify, bounding concurrent driver calls to
// reaperConcurrency.
func (r *Reaper) sweep(ctx context.Context) {
	start := time.Now()
	defer func() { ReaperTickDuration.Observe(time.Since(start).Seconds()) }()

	cfg := r.getConfig()
	if cfg == nil {
		return
	}
	members := BuildContainerMap(cfg)
	groupOf := GroupMembership(cfg)

	sem := make(chan struct{}, reaperConcurrency)
	var wg sync.WaitGroup

	for i := range cfg.Containers {
		c := &cfg.Containers[i]
		if groupOf[c.Name] {
			// Individually-grouped backends idle out with their group,
			// not on their own timeout (§4.5 invariant).
			continue
		}
		if c.IdleTimeout <= 0 || !c.Active {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(c *ContainerConfig) {
			defer wg.Done()
			defer func() { <-sem }()
			r.evaluateBackend(ctx, c)
		}(c)
	}
	wg.Wait()

	for i := range cfg.Groups {
		g := &cfg.Groups[i]
		if !g.Active || g.IdleTimeout <= 0 {
			continue
		}
		r.evaluateGroup(ctx, g, members)
	}
}

// evaluateBackend applies the idle-stop sequence for a single backend
// (§4.5): not already stopping and past its start-debounce window,
// activated longer ago than its idle timeout, idle long enough (a backend
// with no recorded activity gets "now" and is skipped), actually running,
// started longer ago than its idle timeout, then stop.
func (r *Reaper) evaluateBackend(ctx context.Context, c *ContainerConfig) {
	if r.activity.IsStopping(c.Name) || r.activity.IsDebounced(c.Name) {
		return
	}
	if c.ActivatedAt == nil {
		// Never observed active by the config watcher — nothing to idle out.
		return
	}
	if time.Since(*c.ActivatedAt) < c.IdleTimeout {
		// Reactivated too recently, even if lastActivity looks stale
		// (§4.5 step 4 "now - activatedAt > idleTimeout").
		return
	}
	last, seen := r.activity.LastSeen(c.Name)
	if !seen {
		// First observation: start the idle clock now rather than stopping.
		r.activity.Touch(c.Name)
		return
	}
	idleFor := time.Since(last)
	if idleFor < c.IdleTimeout {
		return
	}

	driver, ok := r.drivers.Resolve(c.Name)
	if !ok || !driver.IsRunning(ctx, c.Name) {
		return
	}
	if startedAt, ok := driver.StartedAt(ctx, c.Name); ok && time.Since(startedAt) < c.IdleTimeout {
		// Started too recently (e.g. a manual start just before this sweep)
		// to have idled out yet (§4.5 step 4 "startedAt older than idleTimeout").
		return
	}

	if !r.activity.TryBeginStop(c.Name) {
		return
	}
	defer r.activity.EndStop(c.Name)

	r.activity.LogIdleStop(c.Name, idleFor)
	if err := driver.Stop(ctx, c.Name); err != nil {
		slog.Warn("reaper: failed to stop idle backend", "backend", c.Name, "error", err)
		return
	}
	RecordIdleStop(c.Name)
}

// evaluateGroup stops every member of a group once the conjunctive
// group-idle predicate holds (§4.4/§4.5): all members idle. Members already
// mid-stop are skipped by GroupManager.Stop.
func (r *Reaper) evaluateGroup(ctx context.Context, g *GroupConfig, members map[string]*ContainerConfig) {
	if !r.groups.GroupIdle(ctx, g, members, r.drivers) {
		return
	}
	slog.Info("reaper: stopping idle group", "group", g.Name)
	r.groups.Stop(ctx, g, members, r.drivers)
	RecordGroupStop(g.Name, "idle")
}
