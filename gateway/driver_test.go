package gateway

import "testing"

// ─── ParseBackendName ──────────────────────────────────────────────────────────

func TestParseBackendName(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantKind  BackendKind
		wantLabel string
		wantVMID  string
		wantNode  string
	}{
		{
			name:      "plain docker name",
			input:     "my-app",
			wantKind:  KindRuntime,
			wantLabel: "my-app",
		},
		{
			name:      "virtualization shape",
			input:     "lxc:101@pve1",
			wantKind:  KindVirtualization,
			wantLabel: "lxc",
			wantVMID:  "101",
			wantNode:  "pve1",
		},
		{
			name:      "colon with no at-sign is still runtime",
			input:     "registry:5000",
			wantKind:  KindRuntime,
			wantLabel: "registry:5000",
		},
		{
			name:      "at-sign with no colon is still runtime",
			input:     "user@host",
			wantKind:  KindRuntime,
			wantLabel: "user@host",
		},
		{
			name:      "at before colon is still runtime",
			input:     "a@b:c",
			wantKind:  KindRuntime,
			wantLabel: "a@b:c",
		},
		{
			name:      "empty vmid falls back to runtime",
			input:     "lxc:@pve1",
			wantKind:  KindRuntime,
			wantLabel: "lxc:@pve1",
		},
		{
			name:      "empty node falls back to runtime",
			input:     "lxc:101@",
			wantKind:  KindRuntime,
			wantLabel: "lxc:101@",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseBackendName(tt.input)
			if got.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", got.Kind, tt.wantKind)
			}
			if got.Label != tt.wantLabel {
				t.Errorf("Label = %q, want %q", got.Label, tt.wantLabel)
			}
			if got.Kind == KindVirtualization {
				if got.VMID != tt.wantVMID {
					t.Errorf("VMID = %q, want %q", got.VMID, tt.wantVMID)
				}
				if got.Node != tt.wantNode {
					t.Errorf("Node = %q, want %q", got.Node, tt.wantNode)
				}
			}
		})
	}
}

// ─── DriverRegistry.Resolve ─────────────────────────────────────────────────────

func TestDriverRegistry_Resolve(t *testing.T) {
	runtime := &DockerClient{}
	reg := NewDriverRegistry(runtime, nil)

	t.Run("runtime name resolves to runtime driver", func(t *testing.T) {
		d, ok := reg.Resolve("my-app")
		if !ok || d != runtime {
			t.Errorf("Resolve() = (%v, %v), want (runtime driver, true)", d, ok)
		}
	})

	t.Run("virtualization name with nil virtualization driver fails", func(t *testing.T) {
		_, ok := reg.Resolve("lxc:101@pve1")
		if ok {
			t.Error("expected Resolve() to fail when no virtualization driver is configured")
		}
	})
}
