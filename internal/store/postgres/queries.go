package postgres

const jobColumns = `
    j.id, j.group_key, j.description, j.payload, j.delivery_status, j.created_at,
    t.trigger_key, t.trigger_group, t.description, t.fire_at, t.misfire_policy, t.state, t.fired_at, t.created_at`

const queryInsertJob = `
INSERT INTO jobs (id, group_key, description, payload, delivery_status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
`

const queryInsertTrigger = `
INSERT INTO triggers (trigger_key, trigger_group, job_id, description, fire_at, misfire_policy, state, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

// Rows locked by a concurrent claim are skipped, so each due trigger is
// returned by exactly one caller.
const queryClaimDueTriggers = `
WITH due AS (
    SELECT trigger_group, trigger_key
    FROM triggers
    WHERE state = 'pending'
      AND fire_at <= $1
    ORDER BY fire_at ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
UPDATE triggers t
SET state = 'fired', fired_at = $1
FROM due, jobs j
WHERE t.trigger_group = due.trigger_group
  AND t.trigger_key = due.trigger_key
  AND j.id = t.job_id
RETURNING` + jobColumns

const queryNextFireTime = `
SELECT MIN(fire_at) FROM triggers WHERE state = 'pending'
`

const queryGetJob = `
SELECT` + jobColumns + `
FROM jobs j
JOIN triggers t ON t.job_id = j.id
WHERE j.id = $1
`

const queryListJobs = `
SELECT` + jobColumns + `
FROM jobs j
JOIN triggers t ON t.job_id = j.id
ORDER BY j.created_at DESC
LIMIT $1 OFFSET $2
`

const queryGetUndeliveredJobs = `
SELECT` + jobColumns + `
FROM jobs j
JOIN triggers t ON t.job_id = j.id
WHERE t.state = 'fired'
  AND j.delivery_status = 'pending'
  AND t.fired_at < $1
ORDER BY t.fired_at ASC
LIMIT $2
`

const queryUpdateDeliveryStatus = `
UPDATE jobs
SET delivery_status = $1, updated_at = NOW()
WHERE id = $2
  AND delivery_status NOT IN ('delivered', 'failed')
`

const queryGetDeliveryStatus = `
SELECT delivery_status FROM jobs WHERE id = $1
`

const queryInsertDeliveryAttempt = `
INSERT INTO delivery_attempts (id, job_id, attempt, status_code, error, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

const queryListDeliveryAttempts = `
SELECT id, job_id, attempt, status_code, error, started_at, finished_at
FROM delivery_attempts
WHERE job_id = $1
ORDER BY attempt ASC
LIMIT $2 OFFSET $3
`
