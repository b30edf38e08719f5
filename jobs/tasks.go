package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuditRetentionSweep purges audit records past their retention window.
	TaskAuditRetentionSweep = "audit:retention_sweep"
	// TaskAuditIntegrityCheck scans the audit trail for anomalies.
	TaskAuditIntegrityCheck = "audit:integrity_check"
)

// RetentionSweepPayload tunes a retention sweep run.
type RetentionSweepPayload struct {
	// DryRun reports what would be purged without deleting anything.
	DryRun bool `json:"dry_run,omitempty"`
}

// IntegrityCheckPayload tunes an integrity check run.
type IntegrityCheckPayload struct {
	// WindowHours bounds how far back the check scans. Zero means 24 hours.
	WindowHours int `json:"window_hours,omitempty"`
}

// NewRetentionSweepTask constructs an Asynq task for the retention sweep.
func NewRetentionSweepTask(payload RetentionSweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditRetentionSweep, data), nil
}

// NewIntegrityCheckTask constructs an Asynq task for the integrity check.
func NewIntegrityCheckTask(payload IntegrityCheckPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditIntegrityCheck, data), nil
}
