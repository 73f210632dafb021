package postgres

const recordColumns = `
    id, project_id, execution_type, scheduled_for, executed_at,
    amount, installment_number, total_installments, prompt,
    economic_effects, social_effects, status, error_message,
    claimed_by, claimed_at, created_at, updated_at`

const queryInsertRecord = `
INSERT INTO execution_records (
    id, project_id, execution_type, scheduled_for,
    amount, installment_number, total_installments, prompt,
    status, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO NOTHING
`

const queryLoadDueRecords = `
SELECT` + recordColumns + `
FROM execution_records
WHERE status = 'pending'
  AND claimed_by IS NULL
  AND scheduled_for <= $1
ORDER BY scheduled_for ASC, id ASC
LIMIT $2
`

// The IS NULL check makes the claim a check-and-set: of two concurrent
// claimers only one sees a row returned.
const queryClaimRecord = `
UPDATE execution_records
SET claimed_by = $2, claimed_at = $3, updated_at = $3
WHERE id = $1
  AND status = 'pending'
  AND claimed_by IS NULL
RETURNING` + recordColumns

const queryReleaseClaim = `
UPDATE execution_records
SET claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
WHERE id = $1
  AND status = 'pending'
  AND claimed_by = $2
`

const querySaveRecord = `
UPDATE execution_records
SET status = $2,
    executed_at = $3,
    economic_effects = $4,
    social_effects = $5,
    error_message = $6,
    claimed_by = NULL,
    claimed_at = NULL,
    updated_at = $7
WHERE id = $1
  AND status = 'pending'
  AND claimed_by IS NOT DISTINCT FROM $8
`

const queryGetRecordStatus = `
SELECT status FROM execution_records WHERE id = $1
`

const queryGetRecord = `
SELECT` + recordColumns + `
FROM execution_records
WHERE id = $1
`

const queryListProjectRecords = `
SELECT` + recordColumns + `
FROM execution_records
WHERE project_id = $1
ORDER BY scheduled_for ASC, id ASC
`

const queryRequeueStaleClaims = `
WITH stale AS (
    SELECT id FROM execution_records
    WHERE status = 'pending'
      AND claimed_by IS NOT NULL
      AND claimed_at < $1
    ORDER BY claimed_at ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
UPDATE execution_records
SET claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
FROM stale
WHERE execution_records.id = stale.id
`

const queryProbeClaimColumns = `
SELECT claimed_by, claimed_at FROM execution_records LIMIT 0
`
