// Package service implements the domain logic layered over the store: the
// sandbox lifecycle engine (C6) and authentication (see auth.go).
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xctf-platform/sandboxd/internal/config"
	"github.com/xctf-platform/sandboxd/internal/container"
	"github.com/xctf-platform/sandboxd/internal/firewall"
	"github.com/xctf-platform/sandboxd/internal/locks"
	"github.com/xctf-platform/sandboxd/internal/model"
	"github.com/xctf-platform/sandboxd/internal/store"
	"github.com/xctf-platform/sandboxd/internal/volume"
	"github.com/xctf-platform/sandboxd/internal/xctferr"
)

// primaryPort is the container port every challenge image is expected to
// publish; a sandbox without a mapping for it is not usable.
const primaryPort = 8000

// SandboxService provisions, tears down, and reconciles challenge sandboxes:
// one container plus one loopback volume per (challenge, user) pair, with
// firewall rules gating access to the owning player.
type SandboxService struct {
	store    *store.Store
	runtime  container.Runtime
	volumes  *volume.Manager
	firewall *firewall.Firewall
	locker   *locks.Locker
	cfg      *config.Config
}

// NewSandboxService wires the sandbox lifecycle engine from its dependencies.
func NewSandboxService(
	s *store.Store,
	runtime container.Runtime,
	volumes *volume.Manager,
	fw *firewall.Firewall,
	locker *locks.Locker,
	cfg *config.Config,
) *SandboxService {
	return &SandboxService{
		store:    s,
		runtime:  runtime,
		volumes:  volumes,
		firewall: fw,
		locker:   locker,
		cfg:      cfg,
	}
}

// GetOrCreate returns the active Sandbox for a (challenge, user) pair,
// provisioning one if none exists. userID must be empty iff the challenge
// is static. Returns nil with no error if the distributed lock could not be
// acquired before the lock TTL elapsed; callers should retry.
func (s *SandboxService) GetOrCreate(ctx context.Context, challenge *model.Challenge, userID string) (*model.Sandbox, error) {
	if challenge.Static != (userID == "") {
		return nil, fmt.Errorf("user_id must be set iff challenge is non-static")
	}

	if sb, err := s.lookupActive(ctx, challenge.ID, userID); err != nil {
		return nil, err
	} else if sb != nil {
		return sb, nil
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.SandboxLockTTL)
	defer cancel()
	lock, err := s.locker.Acquire(lockCtx, locks.Key(challenge.ID, userID), s.cfg.SandboxLockTTL)
	if err != nil {
		log.Printf("sandbox: lock acquire for %s/%s timed out: %v", challenge.ID, userID, err)
		return nil, nil
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, locks.ErrNotHeld) {
			log.Printf("sandbox: release lock for %s/%s: %v", challenge.ID, userID, err)
		}
	}()

	if sb, err := s.lookupActive(ctx, challenge.ID, userID); err != nil {
		return nil, err
	} else if sb != nil {
		return sb, nil
	}

	return s.provision(ctx, challenge, userID)
}

func (s *SandboxService) lookupActive(ctx context.Context, challengeID, userID string) (*model.Sandbox, error) {
	var sb *model.Sandbox
	var err error
	if userID == "" {
		sb, err = s.store.GetActiveStaticSandbox(ctx, challengeID)
	} else {
		sb, err = s.store.GetActiveSandboxForUser(ctx, challengeID, userID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return sb, err
}

// provision creates the volume, container, and firewall rules for a new
// sandbox, rolling back everything it created if any step after the volume
// allocation fails.
func (s *SandboxService) provision(ctx context.Context, challenge *model.Challenge, userID string) (sb *model.Sandbox, err error) {
	key := sandboxKey(challenge.ID, userID)

	vol, err := s.volumes.Provision(ctx, key)
	if err != nil {
		return nil, xctferr.Wrap(xctferr.KindVolumeProvisioning, "provision volume", err)
	}

	var created *container.Container
	defer func() {
		if err != nil {
			if created != nil {
				if stopErr := s.runtime.StopAndRemove(context.Background(), created.ID, 5*time.Second); stopErr != nil {
					log.Printf("sandbox: rollback stop+remove %s: %v", created.ID, stopErr)
				}
			}
			if tdErr := s.volumes.Teardown(context.Background(), key); tdErr != nil {
				log.Printf("sandbox: rollback volume teardown for %s: %v", key, tdErr)
			}
			if sb != nil {
				s.removeFirewallRules(context.Background(), sb)
				if mdErr := s.store.MarkSandboxDestroyed(context.Background(), sb.ID); mdErr != nil {
					log.Printf("sandbox: rollback mark destroyed for %s: %v", sb.ID, mdErr)
				}
			}
		}
	}()

	ports, perr := challengePorts(challenge)
	if perr != nil {
		err = fmt.Errorf("parse challenge ports: %w", perr)
		return nil, err
	}

	opts := container.CreateOptions{
		Image:  challenge.Image,
		Labels: map[string]string{"challenge_id": challenge.ID},
		Ports:  ports,
		Binds:  []container.Bind{{HostPath: vol.MountPath, ContainerPath: "/data", ReadOnly: false}},
		Resources: container.ResourceLimits{
			MemoryLimitMB: orDefault(challenge.MemoryLimitMB, s.cfg.DefaultMemoryLimitMB),
			CPUQuota:      orDefaultInt64(challenge.CPUQuota, s.cfg.DefaultCPUQuota),
			CPUPeriod:     s.cfg.DefaultCPUPeriod,
		},
	}
	if userID != "" {
		opts.Labels["user_id"] = userID
	}

	created, err = s.runtime.Create(ctx, "xctf-"+sanitizeName(key), opts)
	if err != nil {
		err = xctferr.Wrap(xctferr.KindContainerRuntime, "create container", err)
		return nil, err
	}

	if err = s.runtime.WaitForHealthy(ctx, created.ID, s.cfg.SandboxHealthTimeout); err != nil {
		err = xctferr.Wrap(xctferr.KindSandboxCreateTimeout, "container never reported healthy", err)
		return nil, err
	}

	inspected, gerr := s.runtime.Get(ctx, created.ID)
	if gerr != nil {
		err = xctferr.Wrap(xctferr.KindContainerRuntime, "inspect container", gerr)
		return nil, err
	}
	if _, ok := inspected.HostPorts[primaryPort]; !ok {
		err = fmt.Errorf("container did not publish port %d/tcp", primaryPort)
		return nil, err
	}

	persistPortMappings(vol.MountPath, inspected.HostPorts)

	hostPortsJSON, merr := json.Marshal(inspected.HostPorts)
	if merr != nil {
		err = fmt.Errorf("marshal host ports: %w", merr)
		return nil, err
	}

	sb = &model.Sandbox{
		ChallengeID: challenge.ID,
		ContainerID: created.ID,
		VolumePath:  vol.MountPath,
		Status:      model.SandboxStatusReady,
		Active:      true,
		HostPorts:   string(hostPortsJSON),
		LastSeenAt:  time.Now(),
	}
	if userID != "" {
		sb.UserID = &userID
	}

	if err = s.store.CreateSandbox(ctx, sb); err != nil {
		err = fmt.Errorf("create sandbox row: %w", err)
		return nil, err
	}

	if err = s.applyFirewall(ctx, challenge, sb); err != nil {
		err = fmt.Errorf("apply firewall rules: %w", err)
		return nil, err
	}

	return sb, nil
}

// applyFirewall installs the access rules for a newly-provisioned or
// refreshed sandbox. Static challenges get static accepts open to everyone;
// per-player sandboxes are scoped to the owning user's current session IP.
func (s *SandboxService) applyFirewall(ctx context.Context, challenge *model.Challenge, sb *model.Sandbox) error {
	ports := sandboxPorts(sb)

	if challenge.Static {
		for _, p := range ports {
			if err := s.firewall.AddStaticPort(ctx, p); err != nil {
				return err
			}
		}
		return nil
	}

	session, err := s.store.GetActiveSessionByUserID(ctx, *sb.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("sandbox: no active session for user %s, skipping firewall install for sandbox %s", *sb.UserID, sb.ID)
			return nil
		}
		return err
	}

	for _, p := range ports {
		if err := s.firewall.AddPortIPMapping(ctx, p, session.ClientIP); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup tears a sandbox down: firewall rules first (to stop new traffic),
// then the container, then the DB flag, then the volume. Every step but the
// DB flag is best-effort so a partially-broken sandbox can still be reaped.
func (s *SandboxService) Cleanup(ctx context.Context, sandboxID string) error {
	sb, err := s.store.GetSandboxByID(ctx, sandboxID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if !sb.Active {
		return nil
	}

	s.removeFirewallRules(ctx, sb)

	if sb.ContainerID != "" {
		if err := s.runtime.StopAndRemove(ctx, sb.ContainerID, 5*time.Second); err != nil {
			log.Printf("sandbox: cleanup stop+remove container %s: %v", sb.ContainerID, err)
		}
	}

	if err := s.store.MarkSandboxDestroyed(ctx, sb.ID); err != nil {
		return fmt.Errorf("mark sandbox destroyed: %w", err)
	}

	key := sandboxKeyFromSandbox(sb)
	if err := s.volumes.Destroy(ctx, key); err != nil {
		log.Printf("sandbox: cleanup destroy volume for %s: %v", key, err)
	}

	return nil
}

func (s *SandboxService) removeFirewallRules(ctx context.Context, sb *model.Sandbox) {
	ports := sandboxPorts(sb)
	if len(ports) == 0 {
		return
	}
	primary := ports[0]
	var rest []int
	if len(ports) > 1 {
		rest = ports[1:]
	}
	s.firewall.RemoveAllPortMappingsForSandbox(ctx, primary, rest)
}

// RevokeUserIP removes firewall access granted for a user's prior IP across
// every active non-static sandbox they own. Used by the IP-mismatch
// middleware handoff (C5) and the expired-session reaper (C7).
func (s *SandboxService) RevokeUserIP(ctx context.Context, userID, ip string) error {
	sandboxes, err := s.store.ListAllActiveSandboxes(ctx)
	if err != nil {
		return err
	}
	for i := range sandboxes {
		sb := &sandboxes[i]
		if sb.UserID == nil || *sb.UserID != userID {
			continue
		}
		for _, p := range sandboxPorts(sb) {
			if err := s.firewall.RemovePortIPMapping(ctx, p, ip); err != nil {
				log.Printf("sandbox: revoke port %d for %s/%s: %v", p, userID, ip, err)
			}
		}
	}
	return nil
}

// RefreshAll reconciles firewall state against the current set of active
// sandboxes and sessions. With coldStart set it first (re)initializes the
// nftables table, used once at process start to rebuild rules that don't
// survive a restart; on a timer it's a drift-correction safety net.
func (s *SandboxService) RefreshAll(ctx context.Context, coldStart bool) error {
	if coldStart {
		if err := s.firewall.Init(ctx); err != nil {
			return fmt.Errorf("init firewall: %w", err)
		}
	}

	sandboxes, err := s.store.ListAllActiveSandboxes(ctx)
	if err != nil {
		return err
	}

	activePorts := make(map[int]bool)
	for i := range sandboxes {
		sb := &sandboxes[i]
		for _, p := range sandboxPorts(sb) {
			activePorts[p] = true
		}

		challenge, cerr := s.store.GetChallengeByID(ctx, sb.ChallengeID)
		if cerr != nil {
			log.Printf("sandbox: refresh: load challenge for sandbox %s: %v", sb.ID, cerr)
			continue
		}
		if err := s.applyFirewall(ctx, challenge, sb); err != nil {
			log.Printf("sandbox: refresh: apply firewall for sandbox %s: %v", sb.ID, err)
		}
	}

	s.firewall.CleanOrphanPorts(ctx, activePorts)
	return nil
}

// RefreshChallenge tears down and recreates every active sandbox on a
// challenge, notifying affected players via notifyFn. One sandbox's failure
// is logged and does not stop the rest of the batch.
func (s *SandboxService) RefreshChallenge(ctx context.Context, challenge *model.Challenge, notifyFn func(ctx context.Context, userID *string, message string)) error {
	sandboxes, err := s.store.ListActiveSandboxesByChallenge(ctx, challenge.ID)
	if err != nil {
		return err
	}

	for i := range sandboxes {
		sb := &sandboxes[i]
		userID := ""
		if sb.UserID != nil {
			userID = *sb.UserID
		}

		if err := s.Cleanup(ctx, sb.ID); err != nil {
			log.Printf("sandbox: refresh challenge %s: cleanup sandbox %s: %v", challenge.ID, sb.ID, err)
			continue
		}

		if !challenge.Active {
			continue
		}

		if _, err := s.provision(ctx, challenge, userID); err != nil {
			log.Printf("sandbox: refresh challenge %s: recreate sandbox for %q: %v", challenge.ID, userID, err)
			continue
		}

		if notifyFn != nil {
			notifyFn(ctx, sb.UserID, fmt.Sprintf("%s has been refreshed", challenge.Name))
		}
	}

	return nil
}

func sandboxKey(challengeID, userID string) string {
	if userID == "" {
		return challengeID
	}
	return challengeID + ":" + userID
}

func sandboxKeyFromSandbox(sb *model.Sandbox) string {
	userID := ""
	if sb.UserID != nil {
		userID = *sb.UserID
	}
	return sandboxKey(sb.ChallengeID, userID)
}

func sanitizeName(key string) string {
	return strings.ReplaceAll(key, ":", "-")
}

// sandboxPorts returns the sandbox's published host ports, primary port
// first, parsed from its stored host_ports JSON.
func sandboxPorts(sb *model.Sandbox) []int {
	if sb.HostPorts == "" {
		return nil
	}
	var mapping map[string]int
	if err := json.Unmarshal([]byte(sb.HostPorts), &mapping); err != nil {
		log.Printf("sandbox: parse host_ports for sandbox %s: %v", sb.ID, err)
		return nil
	}

	var primary int
	var rest []int
	for containerPort, hostPort := range mapping {
		if containerPort == strconv.Itoa(primaryPort) {
			primary = hostPort
			continue
		}
		rest = append(rest, hostPort)
	}
	if primary == 0 {
		return rest
	}
	return append([]int{primary}, rest...)
}

// challengePorts returns the container ports to publish for a challenge:
// the mandatory primary port plus every TCP port the challenge declares.
func challengePorts(challenge *model.Challenge) ([]int, error) {
	ports := []int{primaryPort}
	if challenge.Ports == "" {
		return ports, nil
	}
	var extra []int
	if err := json.Unmarshal([]byte(challenge.Ports), &extra); err != nil {
		return nil, err
	}
	for _, p := range extra {
		if p != primaryPort {
			ports = append(ports, p)
		}
	}
	return ports, nil
}

// persistPortMappings writes the published port mappings inside the
// sandbox's volume so the container can self-introspect. Best-effort: a
// failure here is logged, not fatal to provisioning.
func persistPortMappings(mountPath string, hostPorts map[int]int) {
	data, err := json.Marshal(hostPorts)
	if err != nil {
		log.Printf("sandbox: marshal port mappings for %s: %v", mountPath, err)
		return
	}
	path := filepath.Join(mountPath, ".xctf_port_mappings.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Printf("sandbox: persist port mappings to %s: %v", path, err)
	}
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultInt64(v, def int64) int64 {
	if v == 0 {
		return def
	}
	return v
}
