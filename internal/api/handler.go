package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/djlord-it/easy-mail/internal/domain"
	"github.com/djlord-it/easy-mail/internal/gateway"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Response messages of POST /email/send.
const (
	MessageScheduled   = "Email Scheduled Successfully!"
	MessageUnavailable = "Error scheduling email. Please try later!"
	MessagePastTime    = "localDateTime must be after current time"
	MessageRateLimited = "Too many requests. Please try later!"
)

// Scheduler is the scheduling gateway.
type Scheduler interface {
	ScheduleAt(ctx context.Context, payload map[string]string, fireAt time.Time) (domain.JobKey, error)
}

type Store interface {
	GetJob(ctx context.Context, jobID uuid.UUID) (domain.JobWithTrigger, error)
	ListJobs(ctx context.Context, limit, offset int) ([]domain.JobWithTrigger, error)
	ListDeliveryAttempts(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]domain.DeliveryAttempt, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	scheduler Scheduler
	store     Store
	db        HealthChecker
	limiter   *rate.Limiter // optional, nil = unlimited
}

func NewHandler(scheduler Scheduler, store Store) *Handler {
	return &Handler{scheduler: scheduler, store: store}
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

// WithRateLimit limits POST /email/send to rps requests per second with the
// given burst. rps <= 0 disables the limit.
func (h *Handler) WithRateLimit(rps float64, burst int) *Handler {
	if rps <= 0 {
		h.limiter = nil
		return h
	}
	if burst <= 0 {
		burst = 1
	}
	h.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/email/send" && r.Method == http.MethodPost:
		h.scheduleEmail(w, r)

	case path == "/email/jobs" && r.Method == http.MethodGet:
		h.listJobs(w, r)

	case strings.HasPrefix(path, "/email/jobs/") && strings.HasSuffix(path, "/attempts") && r.Method == http.MethodGet:
		h.listAttempts(w, r)

	case strings.HasPrefix(path, "/email/jobs/") && r.Method == http.MethodGet:
		h.getJob(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) scheduleEmail(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeSchedule(w, http.StatusTooManyRequests, ScheduleEmailResponse{Message: MessageRateLimited})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req ScheduleEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeSchedule(w, http.StatusRequestEntityTooLarge, ScheduleEmailResponse{Message: "request body too large"})
			return
		}
		writeSchedule(w, http.StatusBadRequest, ScheduleEmailResponse{Message: "invalid json"})
		return
	}

	if err := validateScheduleEmail(req); err != nil {
		writeSchedule(w, http.StatusBadRequest, ScheduleEmailResponse{Message: err.Error()})
		return
	}

	fireAt, err := gateway.ResolveFireAt(req.LocalDateTime, req.TimeZone)
	if err != nil {
		writeSchedule(w, http.StatusBadRequest, ScheduleEmailResponse{Message: err.Error()})
		return
	}

	payload := map[string]string{
		"recipient": req.Recipient,
		"subject":   req.Subject,
		"body":      req.Body,
	}

	key, err := h.scheduler.ScheduleAt(r.Context(), payload, fireAt)
	switch {
	case err == nil:
	case errors.Is(err, gateway.ErrInvalidScheduleTime):
		writeSchedule(w, http.StatusBadRequest, ScheduleEmailResponse{Message: MessagePastTime})
		return
	default:
		slog.Error("api: schedule email error", "err", err)
		writeSchedule(w, http.StatusInternalServerError, ScheduleEmailResponse{Message: MessageUnavailable})
		return
	}

	writeSchedule(w, http.StatusOK, ScheduleEmailResponse{
		Success:  true,
		JobID:    key.ID.String(),
		GroupKey: key.Group,
		Message:  MessageScheduled,
	})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	// Path: /email/jobs/{id}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	jobID, err := uuid.Parse(parts[2])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	jt, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		slog.Error("api: get job error", "job", jobID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	writeJSON(w, http.StatusOK, toJobResponse(jt))
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := h.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		slog.Error("api: list jobs error", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	resp := ListJobsResponse{Jobs: make([]JobResponse, len(jobs))}
	for i, jt := range jobs {
		resp.Jobs[i] = toJobResponse(jt)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listAttempts(w http.ResponseWriter, r *http.Request) {
	// Path: /email/jobs/{id}/attempts
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[0] != "email" || parts[1] != "jobs" || parts[3] != "attempts" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	jobID, err := uuid.Parse(parts[2])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	attempts, err := h.store.ListDeliveryAttempts(r.Context(), jobID, limit, offset)
	if err != nil {
		slog.Error("api: list attempts error", "job", jobID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}

	resp := ListAttemptsResponse{Attempts: make([]AttemptResponse, len(attempts))}
	for i, a := range attempts {
		resp.Attempts[i] = AttemptResponse{
			ID:         a.ID.String(),
			JobID:      a.JobID.String(),
			Attempt:    a.Attempt,
			StatusCode: a.StatusCode,
			Error:      a.Error,
			StartedAt:  formatTime(a.StartedAt),
			FinishedAt: formatTime(a.FinishedAt),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func toJobResponse(jt domain.JobWithTrigger) JobResponse {
	resp := JobResponse{
		ID:             jt.Job.ID.String(),
		GroupKey:       jt.Job.GroupKey,
		Recipient:      jt.Job.Payload["recipient"],
		Subject:        jt.Job.Payload["subject"],
		TriggerKey:     jt.Trigger.Key,
		TriggerGroup:   jt.Trigger.Group,
		TriggerState:   string(jt.Trigger.State),
		DeliveryStatus: string(jt.Job.DeliveryStatus),
		FireAt:         formatTime(jt.Trigger.FireAt),
		CreatedAt:      formatTime(jt.Job.CreatedAt),
	}
	if jt.Trigger.FiredAt != nil {
		resp.FiredAt = formatTime(*jt.Trigger.FiredAt)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("api: json encode error", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeSchedule(w http.ResponseWriter, status int, resp ScheduleEmailResponse) {
	writeJSON(w, status, resp)
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
