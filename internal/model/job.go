package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// JobType represents the type of reconciliation or lifecycle job.
type JobType string

const (
	JobTypeDestroyNonStaticSandboxes JobType = "destroy_non_static_sandboxes"
	JobTypeCleanupExpiredSessions    JobType = "cleanup_expired_sessions"
	JobTypeCleanOrphanFirewallPorts  JobType = "clean_orphan_firewall_ports"
	JobTypeRefreshSandboxes          JobType = "refresh_sandboxes"
	JobTypeCleanupSandbox            JobType = "cleanup_sandbox"
	JobTypeSendNotification          JobType = "send_notification"
)

// Job represents a background job in the queue. ResourceType/ResourceID, when
// set, scope the job to a single entity (e.g. one sandbox) so that
// ClaimJobOfTypes can avoid running two conflicting jobs against it at once.
type Job struct {
	ID           string          `gorm:"primaryKey;type:text" json:"id"`
	Type         string          `gorm:"not null;type:text;index:idx_job_status_type" json:"type"`
	Payload      json.RawMessage `gorm:"type:text;not null" json:"payload"`
	Status       string          `gorm:"not null;type:text;default:pending;index:idx_job_status_type" json:"status"`
	Priority     int             `gorm:"not null;default:0;index" json:"priority"`
	Attempts     int             `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts  int             `gorm:"column:max_attempts;not null;default:3" json:"max_attempts"`
	Error        *string         `gorm:"type:text" json:"error,omitempty"`
	WorkerID     *string         `gorm:"column:worker_id;type:text" json:"worker_id,omitempty"`
	ResourceType *string         `gorm:"column:resource_type;type:text;index:idx_job_resource" json:"resource_type,omitempty"`
	ResourceID   *string         `gorm:"column:resource_id;type:text;index:idx_job_resource" json:"resource_id,omitempty"`
	ScheduledAt  time.Time       `gorm:"column:scheduled_at;not null;index" json:"scheduled_at"`
	StartedAt    *time.Time      `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time      `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Job.
func (Job) TableName() string { return "jobs" }

// BeforeCreate generates a UUID if not set.
func (j *Job) BeforeCreate(_ *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = time.Now()
	}
	if j.Status == "" {
		j.Status = string(JobStatusPending)
	}
	return nil
}

// ResourceTypeSandbox scopes a job to a single Sandbox row.
const ResourceTypeSandbox = "sandbox"

// CleanupSandboxPayload is the payload for cleanup_sandbox jobs: tear down
// one sandbox's container, volume, and firewall mapping.
type CleanupSandboxPayload struct {
	SandboxID string `json:"sandbox_id"`
}

// DestroyNonStaticSandboxesPayload is the payload for the periodic sweep
// that reaps idle per-player sandboxes; it scans the whole table.
// IdleAfterSeconds records the scheduler's configured idle cutoff; the
// executor applies the idle timeout it was constructed with and does not
// read this field.
type DestroyNonStaticSandboxesPayload struct {
	IdleAfterSeconds int64 `json:"idle_after_seconds"`
}

// CleanupExpiredSessionsPayload is the payload for the periodic session
// reaper.
type CleanupExpiredSessionsPayload struct{}

// CleanOrphanFirewallPortsPayload is the payload for the periodic sweep that
// removes firewall port mappings with no corresponding active sandbox.
type CleanOrphanFirewallPortsPayload struct{}

// RefreshSandboxesPayload is the payload for the periodic job that
// re-applies firewall state for every active sandbox on a normal schedule.
// ColdStart makes the run re-initialize the nftables table first; the
// scheduler enqueues it unset, and process start calls RefreshAll directly.
type RefreshSandboxesPayload struct {
	ColdStart bool `json:"cold_start"`
}

// SendNotificationPayload is the payload for fan-out notification delivery.
type SendNotificationPayload struct {
	NotificationID string `json:"notification_id"`
}

// JobPayload is implemented by every job payload. The payload struct itself
// is JSON-marshaled into Job.Payload.
type JobPayload interface {
	JobType() JobType
	ResourceKey() (resourceType string, resourceID string)
}

// Prioritized is implemented by payloads that want a non-default job
// priority (higher runs first).
type Prioritized interface {
	JobPriority() int
}

// MaxAttempter is implemented by payloads that want a non-default retry
// ceiling.
type MaxAttempter interface {
	JobMaxAttempts() int
}

// DuplicateAllower is implemented by payloads that may be enqueued more than
// once for the same resource concurrently (bypassing the dedup check).
type DuplicateAllower interface {
	AllowDuplicate() bool
}

func (CleanupSandboxPayload) JobPriority() int { return 20 }

// JobType/ResourceKey implementations. ResourceKey scopes a payload to a
// single entity so the store's resource-conflict check in ClaimJobOfTypes
// and the dedup check in Queue.Enqueue can serialize concurrent jobs
// against it. The periodic sweeps have no natural per-entity resource, so
// each uses a fixed singleton key derived from its own job type — this
// still lets Enqueue's dedup check prevent two instances of the same
// periodic job from stacking up if the scheduler fires before the
// previous run finished. refresh_sandboxes opts out of that dedup via
// AllowDuplicate.

func (p CleanupSandboxPayload) JobType() JobType { return JobTypeCleanupSandbox }
func (p CleanupSandboxPayload) ResourceKey() (string, string) {
	return ResourceTypeSandbox, p.SandboxID
}

func (p DestroyNonStaticSandboxesPayload) JobType() JobType { return JobTypeDestroyNonStaticSandboxes }
func (p DestroyNonStaticSandboxesPayload) ResourceKey() (string, string) {
	return JobTypeDestroyNonStaticSandboxes.resourceType(), ""
}
func (p DestroyNonStaticSandboxesPayload) AllowDuplicate() bool { return false }

func (p CleanupExpiredSessionsPayload) JobType() JobType { return JobTypeCleanupExpiredSessions }
func (p CleanupExpiredSessionsPayload) ResourceKey() (string, string) {
	return JobTypeCleanupExpiredSessions.resourceType(), ""
}
func (p CleanupExpiredSessionsPayload) AllowDuplicate() bool { return false }

func (p CleanOrphanFirewallPortsPayload) JobType() JobType { return JobTypeCleanOrphanFirewallPorts }
func (p CleanOrphanFirewallPortsPayload) ResourceKey() (string, string) {
	return JobTypeCleanOrphanFirewallPorts.resourceType(), ""
}
func (p CleanOrphanFirewallPortsPayload) AllowDuplicate() bool { return false }

func (p RefreshSandboxesPayload) JobType() JobType { return JobTypeRefreshSandboxes }
func (p RefreshSandboxesPayload) ResourceKey() (string, string) {
	return JobTypeRefreshSandboxes.resourceType(), ""
}
func (p RefreshSandboxesPayload) AllowDuplicate() bool { return true }

func (p SendNotificationPayload) JobType() JobType { return JobTypeSendNotification }
func (p SendNotificationPayload) ResourceKey() (string, string) {
	return "notification", p.NotificationID
}

// resourceType gives a periodic job's singleton resource type, paired with an
// empty resource ID. The queue stores that empty ID as a set value, so the
// store's conflict check keeps a second job of the same periodic type from
// being claimed while one is running.
func (t JobType) resourceType() string { return "periodic:" + string(t) }
