package domain

import (
	"time"

	"github.com/google/uuid"
)

type TriggerState string

const (
	TriggerStatePending TriggerState = "pending"
	TriggerStateFired   TriggerState = "fired"
)

// MisfirePolicy decides what happens when a trigger's instant passed
// without it being fired.
type MisfirePolicy string

// MisfirePolicyFireNow fires a missed trigger as soon as it is observed.
const MisfirePolicyFireNow MisfirePolicy = "fire_now"

// Trigger is the one-shot timing rule of a ScheduledJob.
type Trigger struct {
	JobID       uuid.UUID
	Key         string // equal to JobID within Group
	Group       string
	Description string

	FireAt        time.Time // UTC
	MisfirePolicy MisfirePolicy
	State         TriggerState
	FiredAt       *time.Time

	CreatedAt time.Time
}

// TriggerKeyFor derives the trigger key of a job.
func TriggerKeyFor(jobID uuid.UUID) string {
	return jobID.String()
}
