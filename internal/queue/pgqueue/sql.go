package pgqueue

const jobColumns = `
	id::text,
	name,
	priority,
	data,
	state,
	retry_limit,
	retry_count,
	coalesce(singleton_key, ''),
	coalesce(run_id, ''),
	coalesce(parent_id, ''),
	start_after,
	lease_expires_at,
	created_on,
	started_on,
	completed_on,
	output,
	coalesce(last_error, '')`

const insertJobSQL = `
INSERT INTO pulse.jobs (id, name, priority, data, retry_limit, singleton_key, run_id, parent_id, start_after)
VALUES ($1::uuid, $2, $3, $4::jsonb, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)
ON CONFLICT (name, singleton_key)
	WHERE singleton_key IS NOT NULL AND state IN ('created', 'retry', 'active')
DO NOTHING
RETURNING id::text
`

const selectSingletonSQL = `
SELECT id::text
FROM pulse.jobs
WHERE name = $1
  AND singleton_key = $2
  AND state IN ('created', 'retry', 'active')
LIMIT 1
`

const notifySQL = `SELECT pg_notify($1, $2)`

const leaseJobSQL = `
UPDATE pulse.jobs j
SET state = 'active',
	started_on = now(),
	lease_expires_at = now() + make_interval(secs => $2::double precision)
WHERE j.id = (
	SELECT id
	FROM pulse.jobs
	WHERE name = $1
	  AND state IN ('created', 'retry')
	  AND start_after <= now()
	ORDER BY priority DESC, created_on, id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns

const completeJobSQL = `
UPDATE pulse.jobs
SET state = 'completed',
	completed_on = now(),
	lease_expires_at = NULL,
	output = $2::jsonb
WHERE id = $1::uuid
  AND state = 'active'
  AND retry_count = $3
`

const failJobSQL = `
UPDATE pulse.jobs
SET state = 'failed',
	completed_on = now(),
	lease_expires_at = NULL,
	last_error = $2
WHERE id = $1::uuid
  AND state = 'active'
  AND retry_count = $3
`

const retryJobSQL = `
UPDATE pulse.jobs
SET state = 'retry',
	retry_count = retry_count + 1,
	start_after = $4,
	lease_expires_at = NULL,
	last_error = $2
WHERE id = $1::uuid
  AND state = 'active'
  AND retry_count = $3
`

const heartbeatSQL = `
UPDATE pulse.jobs
SET lease_expires_at = now() + make_interval(secs => $2::double precision)
WHERE id = $1::uuid
  AND state = 'active'
  AND retry_count = $3
RETURNING state
`

const selectJobStateSQL = `SELECT state FROM pulse.jobs WHERE id = $1::uuid`

const selectJobSQL = `SELECT ` + jobColumns + ` FROM pulse.jobs WHERE id = $1::uuid`

const cancelJobSQL = `
UPDATE pulse.jobs
SET state = 'cancelled',
	completed_on = now(),
	lease_expires_at = NULL
WHERE id = $1::uuid
  AND state IN ('created', 'retry', 'active')
`

const expireLeasesSQL = `
UPDATE pulse.jobs
SET state = CASE WHEN retry_count >= retry_limit THEN 'failed' ELSE 'retry' END,
	retry_count = CASE WHEN retry_count >= retry_limit THEN retry_count ELSE retry_count + 1 END,
	completed_on = CASE WHEN retry_count >= retry_limit THEN now() ELSE NULL END,
	start_after = now(),
	lease_expires_at = NULL,
	last_error = 'lease expired'
WHERE state = 'active'
  AND lease_expires_at < now()
`

const upsertScheduleSQL = `
INSERT INTO pulse.schedules (task_name, cron_expression, timezone, data, retry_limit)
VALUES ($1, $2, $3, $4::jsonb, $5)
ON CONFLICT (task_name, cron_expression) DO UPDATE
SET timezone = EXCLUDED.timezone,
	data = EXCLUDED.data,
	retry_limit = EXCLUDED.retry_limit,
	updated_on = now()
RETURNING (xmax = 0) AS inserted
`

const selectSchedulesSQL = `
SELECT task_name, cron_expression, timezone, data, retry_limit, last_fired_at, created_on
FROM pulse.schedules
ORDER BY task_name, cron_expression
`

const lockSchedulesSQL = `
SELECT task_name, cron_expression, timezone, data, retry_limit, last_fired_at, created_on
FROM pulse.schedules
ORDER BY task_name, cron_expression
FOR UPDATE
`

const markScheduleFiredSQL = `
UPDATE pulse.schedules
SET last_fired_at = $3
WHERE task_name = $1
  AND cron_expression = $2
`

const tryAdvisoryLockSQL = `SELECT pg_try_advisory_xact_lock($1)`
