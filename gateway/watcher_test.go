package gateway

import (
	"sync/atomic"
	"testing"
	"time"
)

const watcherTestYAML = `
gateway:
  port: "8080"
containers:
  - name: "app"
    host: "app.local"
    target_port: "8080"
    active: true
`

// ─── ConfigWatcher.reload ────────────────────────────────────────────────────────

func TestConfigWatcher_Reload_SetsActivatedAtOnce(t *testing.T) {
	tmp := t.TempDir()
	path := tmp + "/config.yaml"
	if err := writeFile(path, watcherTestYAML); err != nil {
		t.Fatal(err)
	}

	var current atomic.Pointer[GatewayConfig]
	activity := NewActivityTracker()
	reloadCount := 0
	w, err := NewConfigWatcher(path, &current, activity, func(*GatewayConfig) { reloadCount++ })
	if err != nil {
		t.Fatalf("NewConfigWatcher() error: %v", err)
	}
	defer w.fsw.Close()

	w.reload()
	first := current.Load()
	if first == nil {
		t.Fatal("expected a config to be loaded")
	}
	if first.Containers[0].ActivatedAt == nil {
		t.Fatal("expected ActivatedAt to be set on first observation")
	}
	firstActivatedAt := *first.Containers[0].ActivatedAt

	time.Sleep(5 * time.Millisecond)
	w.reload() // same file contents, but Equal() should short-circuit on the *previous* snapshot...

	// reload() carries ActivatedAt over from the previous snapshot before
	// calling Equal(), so a reload with literally unchanged file contents is
	// a no-op: the in-memory snapshot (with ActivatedAt already set) never
	// gets replaced.
	if reloadCount != 1 {
		t.Errorf("reloadCount = %d, want 1 (no-op reload should not invoke onReload)", reloadCount)
	}
	second := current.Load()
	if !second.Containers[0].ActivatedAt.Equal(firstActivatedAt) {
		t.Error("expected ActivatedAt to be preserved, not reset, across reloads")
	}
}

func TestConfigWatcher_Reload_ForgetsRemovedBackends(t *testing.T) {
	tmp := t.TempDir()
	path := tmp + "/config.yaml"
	if err := writeFile(path, watcherTestYAML); err != nil {
		t.Fatal(err)
	}

	var current atomic.Pointer[GatewayConfig]
	activity := NewActivityTracker()
	w, err := NewConfigWatcher(path, &current, activity, nil)
	if err != nil {
		t.Fatalf("NewConfigWatcher() error: %v", err)
	}
	defer w.fsw.Close()

	w.reload()
	activity.Touch("app")

	// Rewrite the config without "app".
	if err := writeFile(path, `
gateway:
  port: "8080"
`); err != nil {
		t.Fatal(err)
	}
	w.reload()

	if _, ok := activity.LastSeen("app"); ok {
		t.Error("expected activity bookkeeping for a removed backend to be forgotten")
	}
}
