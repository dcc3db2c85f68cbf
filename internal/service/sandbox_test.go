package service

import (
	"encoding/json"
	"testing"

	"github.com/xctf-platform/sandboxd/internal/model"
)

func TestChallengePorts(t *testing.T) {
	ports, err := challengePorts(&model.Challenge{Ports: `[8000,9001,9002]`})
	if err != nil {
		t.Fatalf("challengePorts failed: %v", err)
	}
	want := []int{primaryPort, 9001, 9002}
	if len(ports) != len(want) {
		t.Fatalf("got %v, want %v", ports, want)
	}
	for i, p := range want {
		if ports[i] != p {
			t.Errorf("ports[%d] = %d, want %d", i, ports[i], p)
		}
	}
}

func TestChallengePorts_EmptyAlwaysHasPrimary(t *testing.T) {
	ports, err := challengePorts(&model.Challenge{})
	if err != nil {
		t.Fatalf("challengePorts failed: %v", err)
	}
	if len(ports) != 1 || ports[0] != primaryPort {
		t.Errorf("got %v, want [%d]", ports, primaryPort)
	}
}

func TestChallengePorts_DedupesPrimary(t *testing.T) {
	ports, err := challengePorts(&model.Challenge{Ports: `[8000]`})
	if err != nil {
		t.Fatalf("challengePorts failed: %v", err)
	}
	if len(ports) != 1 {
		t.Errorf("expected primary port not duplicated, got %v", ports)
	}
}

func TestSandboxPorts_PrimaryFirst(t *testing.T) {
	mapping := map[string]int{"8000": 31000, "9001": 31001}
	data, _ := json.Marshal(mapping)
	sb := &model.Sandbox{ID: "sb-1", HostPorts: string(data)}

	ports := sandboxPorts(sb)
	if len(ports) != 2 || ports[0] != 31000 {
		t.Errorf("expected primary port first, got %v", ports)
	}
}

func TestSandboxPorts_EmptyHostPorts(t *testing.T) {
	sb := &model.Sandbox{ID: "sb-1"}
	if ports := sandboxPorts(sb); ports != nil {
		t.Errorf("expected nil for empty host_ports, got %v", ports)
	}
}

func TestSandboxPorts_MalformedJSON(t *testing.T) {
	sb := &model.Sandbox{ID: "sb-1", HostPorts: "not json"}
	if ports := sandboxPorts(sb); ports != nil {
		t.Errorf("expected nil for malformed host_ports, got %v", ports)
	}
}

func TestSandboxKey(t *testing.T) {
	if got := sandboxKey("chal-1", ""); got != "chal-1" {
		t.Errorf("static key = %q, want %q", got, "chal-1")
	}
	if got := sandboxKey("chal-1", "user-1"); got != "chal-1:user-1" {
		t.Errorf("per-user key = %q, want %q", got, "chal-1:user-1")
	}
}

func TestSandboxKeyFromSandbox(t *testing.T) {
	userID := "user-1"
	sb := &model.Sandbox{ChallengeID: "chal-1", UserID: &userID}
	if got := sandboxKeyFromSandbox(sb); got != "chal-1:user-1" {
		t.Errorf("got %q, want %q", got, "chal-1:user-1")
	}

	static := &model.Sandbox{ChallengeID: "chal-1"}
	if got := sandboxKeyFromSandbox(static); got != "chal-1" {
		t.Errorf("got %q, want %q", got, "chal-1")
	}
}

func TestSanitizeName(t *testing.T) {
	if got := sanitizeName("chal-1:user-1"); got != "chal-1-user-1" {
		t.Errorf("got %q, want %q", got, "chal-1-user-1")
	}
}

func TestOrDefault(t *testing.T) {
	if got := orDefault(0, 512); got != 512 {
		t.Errorf("orDefault(0, 512) = %d, want 512", got)
	}
	if got := orDefault(256, 512); got != 256 {
		t.Errorf("orDefault(256, 512) = %d, want 256", got)
	}
}

func TestOrDefaultInt64(t *testing.T) {
	if got := orDefaultInt64(0, 50000); got != 50000 {
		t.Errorf("orDefaultInt64(0, 50000) = %d, want 50000", got)
	}
	if got := orDefaultInt64(25000, 50000); got != 25000 {
		t.Errorf("orDefaultInt64(25000, 50000) = %d, want 25000", got)
	}
}

func TestGetOrCreate_RequiresUserIDIffNonStatic(t *testing.T) {
	svc := &SandboxService{}

	_, err := svc.GetOrCreate(nil, &model.Challenge{Static: true}, "user-1")
	if err == nil {
		t.Error("expected error when userID set for a static challenge")
	}

	_, err = svc.GetOrCreate(nil, &model.Challenge{Static: false}, "")
	if err == nil {
		t.Error("expected error when userID empty for a non-static challenge")
	}
}
