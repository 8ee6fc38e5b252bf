package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// startStatus represents the lifecycle state of a backend start attempt.
type startStatus string

const (
	statusStarting startStatus = "starting"
	statusRunning  startStatus = "running"
	statusFailed   startStatus = "failed"
)

// startState holds the current state of a backend start attempt.
type startState struct {
	Status startStatus
	Err    string
}

// startDebounce is the width of the post-start window during which the
// reaper leaves a backend alone even if it looks idle (§4.7 "start
// debounce").
const startDebounce = 30 * time.Second

// BackendManager orchestrates backend lifecycle across both driver kinds:
// starting on demand, preventing concurrent starts, resolving dependency
// and group readiness, and reporting start state to the dispatcher and
// admin surface. It is the generalised, driver-agnostic successor to the
// teacher's ContainerManager.
type BackendManager struct {
	drivers  *DriverRegistry
	activity *ActivityTracker

	mu          sync.Mutex
	locks       map[string]*sync.Mutex
	startStates map[string]*startState
}

// NewBackendManager creates a manager that dispatches to drivers by
// backend name shape and records activity/debounce/stop state in activity.
func NewBackendManager(drivers *DriverRegistry, activity *ActivityTracker) *BackendManager {
	return &BackendManager{
		drivers:     drivers,
		activity:    activity,
		locks:       make(map[string]*sync.Mutex),
		startStates: make(map[string]*startState),
	}
}

// getLock returns (or creates) a per-backend mutex used to serialise starts.
func (m *BackendManager) getLock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locks[name]; !ok {
		m.locks[name] = &sync.Mutex{}
	}
	return m.locks[name]
}

func (m *BackendManager) setStartState(name string, status startStatus, errMsg string) {
	m.mu.Lock()
	m.startStates[name] = &startState{Status: status, Err: errMsg}
	m.mu.Unlock()
}

// GetStartState returns the current start state for a backend, used by the
// dispatcher's /_health endpoint and the loading page poll.
func (m *BackendManager) GetStartState(name string) (status string, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.startStates[name]
	if !ok {
		return "unknown", ""
	}
	return string(s.Status), s.Err
}

// InitStartState marks a backend as "starting" before the async goroutine
// fires, so the first /_health poll doesn't race and see "unknown".
func (m *BackendManager) InitStartState(name string) {
	m.setStartState(name, statusStarting, "")
}

// RecordActivity records the current time as the last activity for name.
// Call this on every successfully proxied request.
func (m *BackendManager) RecordActivity(name string) {
	m.activity.Touch(name)
}

// GetLastSeen exposes last-activity bookkeeping to the dispatcher's status
// dashboard.
func (m *BackendManager) GetLastSeen(name string) (time.Time, bool) {
	return m.activity.LastSeen(name)
}

// EnsureRunning checks whether a backend is running and, if not, starts
// it. Flow: driver status check → lock → double-check → Start → poll
// until running or StartTimeout elapses → readiness probe (TCP or HTTP
// health path). cfg.StartTimeout bounds the poll and the readiness probe
// that follow Start; the status checks and Start itself run under ctx
// (§4.1, §4.3 "readiness").
func (m *BackendManager) EnsureRunning(ctx context.Context, cfg *ContainerConfig) error {
	driver, ok := m.drivers.Resolve(cfg.Name)
	if !ok {
		msg := fmt.Sprintf("no driver available for backend %q", cfg.Name)
		m.setStartState(cfg.Name, statusFailed, msg)
		return fmt.Errorf("%s", msg)
	}

	if driver.IsRunning(ctx, cfg.Name) {
		return m.probeReady(ctx, driver, cfg)
	}

	lock := m.getLock(cfg.Name)
	lock.Lock()
	defer lock.Unlock()

	// Double-check after acquiring the lock — another goroutine may have
	// already completed the start while we were waiting.
	if driver.IsRunning(ctx, cfg.Name) {
		return m.probeReady(ctx, driver, cfg)
	}

	m.setStartState(cfg.Name, statusStarting, "")
	if err := driver.Start(ctx, cfg.Name); err != nil {
		msg := fmt.Sprintf("start failed: %v", err)
		m.setStartState(cfg.Name, statusFailed, msg)
		return fmt.Errorf("%s", msg)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, cfg.StartTimeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeoutCtx.Done():
			msg := fmt.Sprintf("start timeout after %s", cfg.StartTimeout)
			m.setStartState(cfg.Name, statusFailed, msg)
			return fmt.Errorf("%s", msg)
		case <-ticker.C:
			if driver.IsRunning(timeoutCtx, cfg.Name) {
				m.activity.MarkStarted(cfg.Name, startDebounce)
				return m.probeReady(timeoutCtx, driver, cfg)
			}
		}
	}
}

// probeReady confirms the application inside the backend is actually
// accepting traffic, not just that the driver reports "running". Runtime
// backends without a URL are probed by container-network address; backends
// with an explicit URL, and all virtualization backends, are marked running
// without a probe.
func (m *BackendManager) probeReady(ctx context.Context, driver Driver, cfg *ContainerConfig) error {
	docker, isDocker := driver.(*DockerClient)
	if isDocker && cfg.URL == "" {
		ip, err := docker.GetContainerAddress(ctx, cfg.Name, cfg.Network)
		if err != nil {
			msg := fmt.Sprintf("cannot resolve backend address: %v", err)
			m.setStartState(cfg.Name, statusFailed, msg)
			return fmt.Errorf("%s", msg)
		}
		if cfg.HealthPath != "" {
			if err := docker.ProbeHTTP(ctx, ip, cfg.TargetPort, cfg.HealthPath); err != nil {
				msg := fmt.Sprintf("health check failed: %v", err)
				m.setStartState(cfg.Name, statusFailed, msg)
				return fmt.Errorf("%s", msg)
			}
		} else if err := docker.ProbeTCP(ctx, ip, cfg.TargetPort); err != nil {
			msg := fmt.Sprintf("app not responding on port %s: %v", cfg.TargetPort, err)
			m.setStartState(cfg.Name, statusFailed, msg)
			return fmt.Errorf("%s", msg)
		}
	}
	m.setStartState(cfg.Name, statusRunning, "")
	return nil
}

// EnsureDepsRunning starts cfg's declared dependencies, in topological
// order, before cfg itself is started. Dependencies are started
// concurrently within each topological tier is unnecessary here — the
// teacher's server.go fires this as a single background goroutine per
// request, so a simple sequential walk keeps behavior predictable and
// avoids stampeding a shared dependency from many simultaneous requests.
func (m *BackendManager) EnsureDepsRunning(ctx context.Context, cfg *ContainerConfig, all map[string]*ContainerConfig) error {
	order, err := TopologicalSort(cfg.Name, all)
	if err != nil {
		return fmt.Errorf("dependency ordering for %q: %w", cfg.Name, err)
	}
	for _, depName := range order {
		if depName == cfg.Name {
			continue
		}
		dep, ok := all[depName]
		if !ok {
			return fmt.Errorf("dependency %q of %q is not configured", depName, cfg.Name)
		}
		if !dep.Active {
			return fmt.Errorf("dependency %q of %q is inactive", depName, cfg.Name)
		}
		if err := m.EnsureRunning(ctx, dep); err != nil {
			return fmt.Errorf("dependency %q of %q failed to start: %w", depName, cfg.Name, err)
		}
	}
	return nil
}

// EnsureGroupRunning fires every active, non-running member of group's
// start in declared order without waiting for a predecessor's full
// start-and-poll cycle to finish before advancing to the next member
// (§5 "Ordering": group start does not require predecessor completion
// before advancing). Members currently mid-stop are skipped
// (§4.4 "starting a group never races its own stop"). Returns once every
// fired member's start has completed, joining any per-member errors.
func (m *BackendManager) EnsureGroupRunning(ctx context.Context, group *GroupConfig, members map[string]*ContainerConfig) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for _, name := range group.Containers {
		cfg, ok := members[name]
		if !ok {
			slog.Warn("group start: member not configured", "group", group.Name, "member", name)
			continue
		}
		if !cfg.Active {
			continue
		}
		if m.activity.IsStopping(name) {
			slog.Info("group start: skipping member currently stopping", "group", group.Name, "member", name)
			continue
		}

		wg.Add(1)
		go func(cfg *ContainerConfig) {
			defer wg.Done()
			if err := m.EnsureRunning(ctx, cfg); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("group %q member %q failed to start: %w", group.Name, cfg.Name, err))
				mu.Unlock()
			}
		}(cfg)
	}

	wg.Wait()
	return errors.Join(errs...)
}
