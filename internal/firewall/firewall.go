// Package firewall controls a dedicated nftables table (C4) that gates
// inbound TCP access to challenge sandbox containers by source IP. Every
// mutation is a single invocation of the nft CLI; the table, sets, map and
// chains are created idempotently on first use.
package firewall

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/xctf-platform/sandboxd/internal/config"
)

const (
	setStaticPorts  = "static_ports"
	setSandboxPorts = "sandbox_ports"
	mapPortToIP     = "sandbox_port_to_ip"
)

// Firewall owns the xctf nftables table.
type Firewall struct {
	mu          sync.Mutex
	table       string
	family      string
	initialized bool
}

// New creates a Firewall controller for the table named in cfg.NFTTable.
func New(cfg *config.Config) *Firewall {
	return &Firewall{table: cfg.NFTTable, family: "inet"}
}

// Initialized reports whether Init has successfully run, for status reporting.
func (f *Firewall) Initialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

// Init probes for the table's presence and creates it, its sets, its map,
// and its prerouting/input chains if absent. Init is idempotent and cheap
// to call repeatedly: once a call succeeds, the controller marks itself
// initialized and skips the probe on subsequent calls.
func (f *Firewall) Init(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.initialized {
		return nil
	}

	if err := f.run(ctx, "list", "table", f.family, f.table); err == nil {
		f.initialized = true
		return nil
	}

	statements := []string{
		fmt.Sprintf("add table %s %s", f.family, f.table),
		fmt.Sprintf("add set %s %s %s { type inet_service; flags interval; }", f.family, f.table, setStaticPorts),
		fmt.Sprintf("add set %s %s %s { type inet_service; flags interval; }", f.family, f.table, setSandboxPorts),
		fmt.Sprintf("add map %s %s %s { type inet_service . ipv4_addr : verdict; }", f.family, f.table, mapPortToIP),
		fmt.Sprintf("add chain %s %s prerouting { type filter hook prerouting priority -300; policy accept; }", f.family, f.table),
		fmt.Sprintf("add chain %s %s input { type filter hook input priority -100; policy accept; }", f.family, f.table),
	}

	for _, chain := range []string{"prerouting", "input"} {
		statements = append(statements,
			fmt.Sprintf("add rule %s %s %s tcp dport != @%s accept", f.family, f.table, chain, setSandboxPorts),
			fmt.Sprintf("add rule %s %s %s tcp dport @%s log prefix \"xctf-static-accept\" accept", f.family, f.table, chain, setStaticPorts),
			fmt.Sprintf("add rule %s %s %s tcp dport @%s tcp dport . ip saddr @%s accept", f.family, f.table, chain, setSandboxPorts, mapPortToIP),
			fmt.Sprintf("add rule %s %s %s tcp dport @%s log prefix \"xctf-reject\" reject with tcp reset", f.family, f.table, chain, setSandboxPorts),
		)
	}

	for _, stmt := range statements {
		if err := f.run(ctx, tokenize(stmt)...); err != nil {
			return fmt.Errorf("init xctf table: %w", err)
		}
	}

	f.initialized = true
	return nil
}

// AddPortIPMapping accepts traffic to port from ip: inserts port into
// sandbox_ports and (port, ip) -> accept into the map. A duplicate insert
// into the set is tolerated.
func (f *Firewall) AddPortIPMapping(ctx context.Context, port int, ip string) error {
	if err := f.addSetElement(ctx, setSandboxPorts, fmt.Sprintf("%d", port)); err != nil {
		return fmt.Errorf("add sandbox port %d: %w", port, err)
	}
	stmt := fmt.Sprintf("add element %s %s %s { %d . %s : accept }", f.family, f.table, mapPortToIP, port, ip)
	if err := f.run(ctx, tokenize(stmt)...); err != nil {
		return fmt.Errorf("add port/ip mapping %d/%s: %w", port, ip, err)
	}
	return nil
}

// RemovePortIPMapping deletes the (port, ip) map entry, tolerating a miss.
func (f *Firewall) RemovePortIPMapping(ctx context.Context, port int, ip string) error {
	stmt := fmt.Sprintf("delete element %s %s %s { %d . %s }", f.family, f.table, mapPortToIP, port, ip)
	f.runTolerant(ctx, stmt)
	return nil
}

// AddStaticPort adds port to static_ports.
func (f *Firewall) AddStaticPort(ctx context.Context, port int) error {
	if err := f.addSetElement(ctx, setStaticPorts, fmt.Sprintf("%d", port)); err != nil {
		return fmt.Errorf("add static port %d: %w", port, err)
	}
	return nil
}

// RemoveStaticPort removes port from static_ports, tolerating a miss.
func (f *Firewall) RemoveStaticPort(ctx context.Context, port int) error {
	stmt := fmt.Sprintf("delete element %s %s %s { %d }", f.family, f.table, setStaticPorts, port)
	f.runTolerant(ctx, stmt)
	return nil
}

// RemoveSandboxPort removes port from sandbox_ports, tolerating a miss.
func (f *Firewall) RemoveSandboxPort(ctx context.Context, port int) error {
	stmt := fmt.Sprintf("delete element %s %s %s { %d }", f.family, f.table, setSandboxPorts, port)
	f.runTolerant(ctx, stmt)
	return nil
}

// RemoveAllPortMappingsForSandbox deletes primary and every mapping port
// from both sets and deletes every map entry keyed on any of those ports,
// discovered by listing the map once. Best-effort: individual failures are
// logged and do not abort the sweep.
func (f *Firewall) RemoveAllPortMappingsForSandbox(ctx context.Context, primary int, mappings []int) {
	ports := append([]int{primary}, mappings...)
	portSet := make(map[int]bool, len(ports))
	for _, p := range ports {
		portSet[p] = true
	}

	entries, err := f.listMapEntries(ctx)
	if err != nil {
		log.Printf("firewall: list %s failed during sandbox port cleanup: %v", mapPortToIP, err)
	} else {
		for _, e := range entries {
			if portSet[e.port] {
				f.RemovePortIPMapping(ctx, e.port, e.ip)
			}
		}
	}

	for _, p := range ports {
		if err := f.RemoveSandboxPort(ctx, p); err != nil {
			log.Printf("firewall: remove sandbox port %d: %v", p, err)
		}
		if err := f.RemoveStaticPort(ctx, p); err != nil {
			log.Printf("firewall: remove static port %d: %v", p, err)
		}
	}
}

// CleanOrphanPorts lists the current sandbox_ports membership, computes
// current - active, and removes each orphan from both sets and its map
// entries. Never returns an error; failures are logged.
func (f *Firewall) CleanOrphanPorts(ctx context.Context, activePorts map[int]bool) {
	current, err := f.listSetElements(ctx, setSandboxPorts)
	if err != nil {
		log.Printf("firewall: list %s for orphan sweep: %v", setSandboxPorts, err)
		return
	}

	orphans := 0
	for _, port := range current {
		if activePorts[port] {
			continue
		}
		orphans++
		f.RemoveAllPortMappingsForSandbox(ctx, port, nil)
	}
	log.Printf("firewall: orphan sweep removed %d of %d sandbox ports", orphans, len(current))
}

// Persist dumps the current ruleset (`nft list table`) to path, used for
// operator visibility and cold-start diagnostics.
func (f *Firewall) Persist(ctx context.Context, path string) error {
	cmd := exec.CommandContext(ctx, "nft", "list", "table", f.family, f.table)
	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("dump ruleset: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write ruleset dump to %s: %w", path, err)
	}
	return nil
}

func (f *Firewall) addSetElement(ctx context.Context, set, elem string) error {
	stmt := fmt.Sprintf("add element %s %s %s { %s }", f.family, f.table, set, elem)
	return f.run(ctx, tokenize(stmt)...)
}

// run executes a single nft invocation, treating a nonzero exit as an error.
func (f *Firewall) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "nft", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("nft %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// runTolerant runs stmt and logs, but does not return, a "no such element"
// style failure — used by every remove operation whose failure policy is
// tolerated-miss.
func (f *Firewall) runTolerant(ctx context.Context, stmt string) {
	if err := f.run(ctx, tokenize(stmt)...); err != nil {
		log.Printf("firewall: tolerated miss: %v", err)
	}
}

type mapEntry struct {
	port int
	ip   string
}

// listMapEntries lists sandbox_port_to_ip via `nft -j` and parses the
// (port, ip) keys of its accept entries.
func (f *Firewall) listMapEntries(ctx context.Context) ([]mapEntry, error) {
	cmd := exec.CommandContext(ctx, "nft", "-j", "list", "map", f.family, f.table, mapPortToIP)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("list map %s: %w", mapPortToIP, err)
	}

	var doc nftJSONDoc
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil, fmt.Errorf("parse map %s json: %w", mapPortToIP, err)
	}

	var entries []mapEntry
	for _, obj := range doc.Nftables {
		if obj.Map == nil {
			continue
		}
		for _, raw := range obj.Map.Elem {
			port, ip, ok := parseConcatKey(raw)
			if ok {
				entries = append(entries, mapEntry{port: port, ip: ip})
			}
		}
	}
	return entries, nil
}

// listSetElements lists a set's members via `nft -j` and returns the
// integer port values.
func (f *Firewall) listSetElements(ctx context.Context, set string) ([]int, error) {
	cmd := exec.CommandContext(ctx, "nft", "-j", "list", "set", f.family, f.table, set)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("list set %s: %w", set, err)
	}

	var doc nftJSONDoc
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil, fmt.Errorf("parse set %s json: %w", set, err)
	}

	var ports []int
	for _, obj := range doc.Nftables {
		if obj.Set == nil {
			continue
		}
		for _, raw := range obj.Set.Elem {
			if port, ok := parseIntElement(raw); ok {
				ports = append(ports, port)
			}
		}
	}
	return ports, nil
}

// nftJSONDoc is the subset of nft -j's output schema this package reads.
type nftJSONDoc struct {
	Nftables []struct {
		Set *struct {
			Name string            `json:"name"`
			Elem []json.RawMessage `json:"elem"`
		} `json:"set,omitempty"`
		Map *struct {
			Name string            `json:"name"`
			Elem []json.RawMessage `json:"elem"`
		} `json:"map,omitempty"`
	} `json:"nftables"`
}

// parseIntElement reads a set element, which nft renders either as a bare
// number or as {"elem": {"val": N}}.
func parseIntElement(raw json.RawMessage) (int, bool) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var wrapped struct {
		Elem struct {
			Val int `json:"val"`
		} `json:"elem"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		return wrapped.Elem.Val, true
	}
	return 0, false
}

// parseConcatKey reads a `port . ip : accept` map element, which nft
// renders as {"elem": {"key": [port, ip], "val": "accept"}}.
func parseConcatKey(raw json.RawMessage) (port int, ip string, ok bool) {
	var wrapped struct {
		Elem struct {
			Key []json.RawMessage `json:"key"`
			Val string            `json:"val"`
		} `json:"elem"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil || len(wrapped.Elem.Key) != 2 {
		return 0, "", false
	}
	if wrapped.Elem.Val != "accept" {
		return 0, "", false
	}
	if err := json.Unmarshal(wrapped.Elem.Key[0], &port); err != nil {
		return 0, "", false
	}
	if err := json.Unmarshal(wrapped.Elem.Key[1], &ip); err != nil {
		return 0, "", false
	}
	return port, ip, true
}
