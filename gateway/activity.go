package gateway

import (
	"log/slog"
	"sync"
	"time"
)

// logSuppressWindow bounds how often the activity tracker logs about the
// same backend, so a hot backend being hammered with requests doesn't
// flood the log (§4.3 "activity logging is rate-limited per backend").
const logSuppressWindow = 5 * time.Second

// ActivityTracker records per-backend last-seen times and the transient
// guards the reaper and dispatcher coordinate through: recentlyStarted
// (the start-debounce window, §4.7) and stopping (the stop-in-flight
// mutual-exclusion guard, §4.5/§4.4). It is the generalised, group-aware
// successor to the teacher's ContainerManager.lastSeen bookkeeping.
type ActivityTracker struct {
	mu              sync.RWMutex
	lastActivity    map[string]time.Time
	recentlyStarted map[string]*time.Timer
	stopping        map[string]bool
	lastLogged      map[string]time.Time
}

// NewActivityTracker creates an empty tracker.
func NewActivityTracker() *ActivityTracker {
	return &ActivityTracker{
		lastActivity:    make(map[string]time.Time),
		recentlyStarted: make(map[string]*time.Timer),
		stopping:        make(map[string]bool),
		lastLogged:      make(map[string]time.Time),
	}
}

// Touch records now as the last-activity time for name. Called for every
// request the dispatcher proxies, and by the reaper the first time it
// sees a backend with no recorded activity.
func (t *ActivityTracker) Touch(name string) {
	t.mu.Lock()
	t.lastActivity[name] = time.Now()
	t.mu.Unlock()
}

// LastSeen returns the last recorded activity time for name, and whether
// any activity has been recorded at all.
func (t *ActivityTracker) LastSeen(name string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.lastActivity[name]
	return ts, ok
}

// Forget drops all bookkeeping for name. Called by the config watcher
// when a backend is removed from configuration (§4.8).
func (t *ActivityTracker) Forget(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastActivity, name)
	if timer, ok := t.recentlyStarted[name]; ok {
		timer.Stop()
		delete(t.recentlyStarted, name)
	}
	delete(t.stopping, name)
	delete(t.lastLogged, name)
}

// MarkStarted opens a start-debounce window for name: for the following
// debounceWindow, IsDebounced reports true, so the reaper skips a backend
// that just transitioned to running (§4.7). The window
// self-expires; no explicit close call is needed.
func (t *ActivityTracker) MarkStarted(name string, debounceWindow time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.recentlyStarted[name]; ok {
		existing.Stop()
	}
	t.recentlyStarted[name] = time.AfterFunc(debounceWindow, func() {
		t.mu.Lock()
		delete(t.recentlyStarted, name)
		t.mu.Unlock()
	})
}

// IsDebounced reports whether name is within its post-start debounce
// window.
func (t *ActivityTracker) IsDebounced(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.recentlyStarted[name]
	return ok
}

// TryBeginStop attempts to claim the stop-in-flight guard for name.
// It returns false if another goroutine already holds it — the caller
// must treat that as "skip, someone else is handling it" rather than an
// error (§4.4 "group members already stopping are skipped, not retried").
func (t *ActivityTracker) TryBeginStop(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopping[name] {
		return false
	}
	t.stopping[name] = true
	return true
}

// EndStop releases the stop-in-flight guard for name.
func (t *ActivityTracker) EndStop(name string) {
	t.mu.Lock()
	delete(t.stopping, name)
	t.mu.Unlock()
}

// IsStopping reports whether a stop is currently in flight for name.
func (t *ActivityTracker) IsStopping(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stopping[name]
}

// LogIdleStop logs an idle-stop decision, suppressing repeats for the
// same backend within logSuppressWindow.
func (t *ActivityTracker) LogIdleStop(name string, idleFor time.Duration) {
	if !t.shouldLog(name) {
		return
	}
	slog.Info("reaper: stopping idle backend", "backend", name, "idle_for", idleFor.Round(time.Second))
}

func (t *ActivityTracker) shouldLog(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastLogged[name]
	if ok && time.Since(last) < logSuppressWindow {
		return false
	}
	t.lastLogged[name] = time.Now()
	return true
}
