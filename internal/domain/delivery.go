package domain

import (
	"time"

	"github.com/google/uuid"
)

type DeliveryAttempt struct {
	ID      uuid.UUID
	JobID   uuid.UUID
	Attempt int

	StatusCode int
	Error      string

	StartedAt  time.Time
	FinishedAt time.Time
}
