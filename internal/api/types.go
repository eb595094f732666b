package api

import "time"

// ScheduleEmailRequest is the body of POST /email/send. LocalDateTime is
// interpreted in TimeZone.
type ScheduleEmailRequest struct {
	Recipient     string `json:"recipient"`
	Subject       string `json:"subject"`
	Body          string `json:"body"`
	LocalDateTime string `json:"localDateTime"`
	TimeZone      string `json:"timeZone"`
}

type ScheduleEmailResponse struct {
	Success  bool   `json:"success"`
	JobID    string `json:"jobId,omitempty"`
	GroupKey string `json:"groupKey,omitempty"`
	Message  string `json:"message"`
}

type JobResponse struct {
	ID             string `json:"id"`
	GroupKey       string `json:"group_key"`
	Recipient      string `json:"recipient"`
	Subject        string `json:"subject"`
	TriggerKey     string `json:"trigger_key"`
	TriggerGroup   string `json:"trigger_group"`
	TriggerState   string `json:"trigger_state"`
	DeliveryStatus string `json:"delivery_status"`
	FireAt         string `json:"fire_at"`
	FiredAt        string `json:"fired_at,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type AttemptResponse struct {
	ID         string `json:"id"`
	JobID      string `json:"job_id"`
	Attempt    int    `json:"attempt"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
}

type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type ListAttemptsResponse struct {
	Attempts []AttemptResponse `json:"attempts"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
