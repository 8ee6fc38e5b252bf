package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// PickGroupMember selects which group member a group-routed request is
// dispatched to: the first active member with both Host and Path set
// (§4.2 case (c) — "the first active group member with host and path
// defined is selected"). This is a deterministic choice, not load-balanced
// rotation across the membership.
func PickGroupMember(group *GroupConfig, members map[string]*ContainerConfig) (*ContainerConfig, bool) {
	for _, name := range group.Containers {
		cfg, ok := members[name]
		if !ok || !cfg.Active {
			continue
		}
		if cfg.Host == "" || cfg.Path == "" {
			continue
		}
		return cfg, true
	}
	return nil, false
}

// TopologicalSort returns backend names in dependency-first order for
// target, as resolved against all. The target itself is included as the
// last element. Returns an error if cycles are detected or a dependency
// is missing from the map.
func TopologicalSort(target string, all map[string]*ContainerConfig) ([]string, error) {
	if _, ok := all[target]; !ok {
		return nil, fmt.Errorf("target backend %q not found", target)
	}

	visited := make(map[string]bool)
	visiting := make(map[string]bool)
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		if visited[name] {
			return nil
		}
		if visiting[name] {
			return fmt.Errorf("dependency cycle detected involving %q", name)
		}
		visiting[name] = true

		cfg, ok := all[name]
		if !ok {
			return fmt.Errorf("dependency %q not found in backend list", name)
		}

		for _, dep := range cfg.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}

		visiting[name] = false
		visited[name] = true
		order = append(order, name)
		return nil
	}

	if err := visit(target); err != nil {
		return nil, err
	}

	return order, nil
}

// GroupManager coordinates atomic lifecycle operations across a group's
// members (§4.4). Unlike a single backend, a group has no start-lock of
// its own: member starts are serialised through BackendManager's
// per-member locks, and GroupManager only sequences the calls and applies
// group-level skip rules.
type GroupManager struct {
	backends *BackendManager
	activity *ActivityTracker
}

// NewGroupManager creates a GroupManager driving backend lifecycle through
// backends and consulting activity for stop/debounce guards.
func NewGroupManager(backends *BackendManager, activity *ActivityTracker) *GroupManager {
	return &GroupManager{backends: backends, activity: activity}
}

// Start brings every active, non-running member of group up, in declared
// order. A member already running, inactive, or mid-stop is skipped
// rather than retried.
func (g *GroupManager) Start(ctx context.Context, group *GroupConfig, members map[string]*ContainerConfig) error {
	return g.backends.EnsureGroupRunning(ctx, group, members)
}

// Stop stops every running member of group sequentially, skipping members
// that are already mid-stop elsewhere (so a scheduler-driven group stop
// never collides with an idle-reaper-driven member stop). A failure to
// stop one member does not abort the rest — the group is best-effort.
func (g *GroupManager) Stop(ctx context.Context, group *GroupConfig, members map[string]*ContainerConfig, drivers *DriverRegistry) {
	for _, name := range group.Containers {
		cfg, ok := members[name]
		if !ok {
			continue
		}
		if !g.activity.TryBeginStop(name) {
			slog.Info("group stop: skipping member already stopping", "group", group.Name, "member", name)
			continue
		}
		func() {
			defer g.activity.EndStop(name)
			driver, ok := drivers.Resolve(name)
			if !ok {
				slog.Warn("group stop: no driver for member", "group", group.Name, "member", name)
				return
			}
			if !driver.IsRunning(ctx, name) {
				return
			}
			if err := driver.Stop(ctx, name); err != nil {
				slog.Warn("group stop: failed to stop member", "group", group.Name, "member", name, "error", err)
				return
			}
			RecordIdleStop(cfg.Name)
		}()
	}
}

// GroupIdle reports whether every member of group satisfies all four
// clauses of the conjunctive group-idle predicate (§4.4): running,
// backend-active, idle past group.IdleTimeout, and started long enough ago
// to rule out a just-started member. If any member fails any clause, the
// whole group is not idle.
func (g *GroupManager) GroupIdle(ctx context.Context, group *GroupConfig, members map[string]*ContainerConfig, drivers *DriverRegistry) bool {
	if group.IdleTimeout <= 0 || len(group.Containers) == 0 {
		return false
	}
	now := time.Now()
	anySeen := false
	for _, name := range group.Containers {
		cfg, ok := members[name]
		if !ok || !cfg.Active {
			return false
		}
		driver, ok := drivers.Resolve(name)
		if !ok || !driver.IsRunning(ctx, name) {
			return false
		}
		last, seen := g.activity.LastSeen(name)
		if !seen || now.Sub(last) < group.IdleTimeout {
			return false
		}
		anySeen = true
		if startedAt, ok := driver.StartedAt(ctx, name); ok && now.Sub(startedAt) < group.IdleTimeout {
			return false
		}
	}
	return anySeen
}
