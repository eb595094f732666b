package domain

import (
	"time"

	"github.com/google/uuid"
)

// FireEvent is emitted by the registry when a trigger fires.
type FireEvent struct {
	JobID      uuid.UUID
	GroupKey   string
	TriggerKey string
	Payload    map[string]string

	ScheduledAt time.Time // trigger FireAt (UTC)
	FiredAt     time.Time // actual claim time
	Misfired    bool

	CreatedAt time.Time
}

// NewFireEvent builds the event for a claimed job.
func NewFireEvent(jt JobWithTrigger, firedAt time.Time, misfired bool) FireEvent {
	return FireEvent{
		JobID:       jt.Job.ID,
		GroupKey:    jt.Job.GroupKey,
		TriggerKey:  jt.Trigger.Key,
		Payload:     ClonePayload(jt.Job.Payload),
		ScheduledAt: jt.Trigger.FireAt,
		FiredAt:     firedAt,
		Misfired:    misfired,
		CreatedAt:   firedAt,
	}
}

// Lateness is how long after its scheduled instant the event fired.
func (e FireEvent) Lateness() time.Duration {
	d := e.FiredAt.Sub(e.ScheduledAt)
	if d < 0 {
		return 0
	}
	return d
}
