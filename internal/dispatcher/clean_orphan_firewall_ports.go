package dispatcher

import (
	"context"
	"encoding/json"
	"log"

	"github.com/xctf-platform/sandboxd/internal/model"
	"github.com/xctf-platform/sandboxd/internal/store"
)

// PortOrphanCleaner sweeps firewall port mappings with no corresponding
// active sandbox.
type PortOrphanCleaner interface {
	CleanOrphanPorts(ctx context.Context, activePorts map[int]bool)
}

// CleanOrphanFirewallPortsExecutor collects every host port referenced by
// an active Sandbox and hands the set to the firewall controller to sweep
// anything else it's holding open.
type CleanOrphanFirewallPortsExecutor struct {
	store    *store.Store
	firewall PortOrphanCleaner
}

// NewCleanOrphanFirewallPortsExecutor creates the periodic orphan sweep.
func NewCleanOrphanFirewallPortsExecutor(s *store.Store, fw PortOrphanCleaner) *CleanOrphanFirewallPortsExecutor {
	return &CleanOrphanFirewallPortsExecutor{store: s, firewall: fw}
}

func (e *CleanOrphanFirewallPortsExecutor) Type() model.JobType {
	return model.JobTypeCleanOrphanFirewallPorts
}

func (e *CleanOrphanFirewallPortsExecutor) Execute(ctx context.Context, job *model.Job) error {
	active, err := e.store.ListAllActiveSandboxes(ctx)
	if err != nil {
		return err
	}

	ports := activeHostPorts(active)
	e.firewall.CleanOrphanPorts(ctx, ports)
	return nil
}

// activeHostPorts collects every host port (primary and mapped) referenced
// by an active sandbox, tolerating malformed or empty host_ports JSON.
func activeHostPorts(sandboxes []model.Sandbox) map[int]bool {
	ports := make(map[int]bool)
	for _, sb := range sandboxes {
		if sb.HostPorts == "" {
			continue
		}
		var mapping map[string]int
		if err := json.Unmarshal([]byte(sb.HostPorts), &mapping); err != nil {
			log.Printf("dispatcher: clean_orphan_firewall_ports: parse host_ports for sandbox %s: %v", sb.ID, err)
			continue
		}
		for _, hostPort := range mapping {
			ports[hostPort] = true
		}
	}
	return ports
}
