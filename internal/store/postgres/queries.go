package postgres

const jobColumns = `
    tenant_id, name, id, implementation, description, parameters,
    trigger_kind, start_at, priority, cron_expression, timezone, end_at, misfire,
    state, next_fire_at, last_fired_at, created_at`

const queryInsertJob = `
INSERT INTO scheduled_jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
`

const queryDeleteJob = `
DELETE FROM scheduled_jobs WHERE tenant_id = $1 AND name = $2
`

const queryUpdateTrigger = `
UPDATE scheduled_jobs
SET state = $3,
    next_fire_at = $4,
    last_fired_at = COALESCE($5, last_fired_at)
WHERE tenant_id = $1 AND name = $2
`

const queryLoadJobs = `
SELECT` + jobColumns + `
FROM scheduled_jobs
ORDER BY created_at ASC
`

const queryPauseTenant = `
INSERT INTO paused_tenants (tenant_id) VALUES ($1)
ON CONFLICT (tenant_id) DO NOTHING
`

const queryResumeTenant = `
DELETE FROM paused_tenants WHERE tenant_id = $1
`

const queryPausedTenants = `
SELECT tenant_id FROM paused_tenants ORDER BY tenant_id
`

// A claim can be taken over only when it is no longer held.
const queryClaimWork = `
INSERT INTO work_claims (work_id, node, work, status, updated_at)
VALUES ($1, $2, $3, 'claimed', NOW())
ON CONFLICT (work_id) DO UPDATE
SET node = EXCLUDED.node, status = 'claimed', updated_at = NOW()
WHERE work_claims.status <> 'claimed'
`

const queryReleaseWork = `
DELETE FROM work_claims WHERE work_id = $1
`

const queryAbandonNode = `
UPDATE work_claims
SET status = 'abandoned', updated_at = NOW()
WHERE node = $1 AND status = 'claimed'
`

const queryReclaimAbandoned = `
WITH picked AS (
    SELECT work_id FROM work_claims
    WHERE status = 'abandoned'
       OR (status = 'requeued' AND updated_at < $1)
    ORDER BY updated_at ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
UPDATE work_claims
SET status = 'requeued', updated_at = NOW()
FROM picked
WHERE work_claims.work_id = picked.work_id
RETURNING work_claims.work
`

const queryInsertMessage = `
INSERT INTO message_instances (id, tenant_id, name, correlation_values, handled, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`

const queryGetMessageForUpdate = `
SELECT id, tenant_id, name, correlation_values, handled, created_at
FROM message_instances
WHERE id = $1
FOR UPDATE
`

const queryMarkMessageHandled = `
UPDATE message_instances SET handled = TRUE WHERE id = $1 AND NOT handled
`

const queryFindMessages = `
SELECT id, tenant_id, name, correlation_values, handled, created_at
FROM message_instances
WHERE tenant_id = $1 AND name = $2 AND correlation_values = $3 AND NOT handled
ORDER BY created_at ASC
LIMIT $4
`

const queryInsertWaitingEvent = `
INSERT INTO waiting_events (id, tenant_id, name, correlation_values, flow_node_instance_id, active, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

const queryDeleteWaitingEvent = `
DELETE FROM waiting_events WHERE id = $1
`

const queryGetWaitingEventForUpdate = `
SELECT id, tenant_id, name, correlation_values, flow_node_instance_id, active, created_at
FROM waiting_events
WHERE id = $1
FOR UPDATE
`

const queryDeactivateWaitingEvent = `
UPDATE waiting_events SET active = FALSE WHERE id = $1 AND active
`

const queryFindWaitingEvents = `
SELECT id, tenant_id, name, correlation_values, flow_node_instance_id, active, created_at
FROM waiting_events
WHERE tenant_id = $1 AND name = $2 AND correlation_values = $3 AND active
ORDER BY created_at ASC
LIMIT $4
`

// pg_notify inside a transaction is delivered when it commits.
const queryNotify = `SELECT pg_notify($1, $2)`
