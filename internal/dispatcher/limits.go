package dispatcher

import "github.com/xctf-platform/sandboxd/internal/model"

// ConcurrencyLimits defines max concurrent jobs per type.
var ConcurrencyLimits = map[model.JobType]int{
	model.JobTypeCleanupSandbox:            4, // one per sandbox, several can tear down at once
	model.JobTypeDestroyNonStaticSandboxes: 1, // single sweep at a time
	model.JobTypeCleanupExpiredSessions:    1,
	model.JobTypeCleanOrphanFirewallPorts:  1,
	model.JobTypeRefreshSandboxes:          1,
	model.JobTypeSendNotification:          8, // fan-out delivery, cheap and independent
}

// DefaultConcurrencyLimit is used for job types not in ConcurrencyLimits.
const DefaultConcurrencyLimit = 1

// GetConcurrencyLimit returns the concurrency limit for a job type.
// Returns DefaultConcurrencyLimit if not explicitly configured.
func GetConcurrencyLimit(jobType model.JobType) int {
	if limit, ok := ConcurrencyLimits[jobType]; ok {
		return limit
	}
	return DefaultConcurrencyLimit
}
