package domain

import (
	"time"

	"github.com/google/uuid"
)

// Identity groups used for every email job and its trigger.
const (
	JobGroupEmail     = "email-jobs"
	TriggerGroupEmail = "email-triggers"

	JobDescriptionEmail     = "Send Email Job"
	TriggerDescriptionEmail = "Send Email Trigger"
)

type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// IsTerminal reports whether the status may no longer change.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusDelivered || s == DeliveryStatusFailed
}

// ScheduledJob is a unit of deferred work. Payload is opaque to the
// scheduler and handed to the executor unchanged.
type ScheduledJob struct {
	ID          uuid.UUID
	GroupKey    string
	Description string
	Payload     map[string]string

	DeliveryStatus DeliveryStatus

	CreatedAt time.Time
}

// Key returns the identifier pair callers use to reference the job.
func (j ScheduledJob) Key() JobKey {
	return JobKey{ID: j.ID, Group: j.GroupKey}
}

type JobKey struct {
	ID    uuid.UUID
	Group string
}

func (k JobKey) String() string {
	return k.Group + "." + k.ID.String()
}

// JobWithTrigger pairs a job with its single trigger.
type JobWithTrigger struct {
	Job     ScheduledJob
	Trigger Trigger
}

// ClonePayload returns a copy of p so the caller's map cannot alias job state.
func ClonePayload(p map[string]string) map[string]string {
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
