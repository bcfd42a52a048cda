/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/retainly/retainly/internal/apierror"
	"github.com/retainly/retainly/model"
)

const commandColumns = `id, type, payload, status, attempt_count, max_attempts, COALESCE(dedupe_key, ''),
	COALESCE(claim_token, ''), COALESCE(last_error, ''), available_at, created_at, claimed_at, completed_at`

func scanCommand(row rowScanner) (*model.Command, error) {
	cmd := &model.Command{}
	var payload []byte
	var claimedAt, completedAt sql.NullTime
	err := row.Scan(&cmd.ID, &cmd.Type, &payload, &cmd.Status, &cmd.AttemptCount, &cmd.MaxAttempts, &cmd.DedupeKey,
		&cmd.ClaimToken, &cmd.LastError, &cmd.AvailableAt, &cmd.CreatedAt, &claimedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	cmd.Payload = payload
	cmd.ClaimedAt = timePtr(claimedAt)
	cmd.CompletedAt = timePtr(completedAt)
	return cmd, nil
}

func scanCommands(rows *sql.Rows) ([]*model.Command, error) {
	defer rows.Close()
	commands := []*model.Command{}
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan command", err)
		}
		commands = append(commands, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over commands", err)
	}
	return commands, nil
}

func prepareCommand(cmd *model.Command) {
	if cmd.ID == "" {
		cmd.ID = model.GenerateUUIDWithSuffix("cmd")
	}
	if cmd.MaxAttempts <= 0 {
		cmd.MaxAttempts = model.DefaultMaxAttempts
	}
	if len(cmd.Payload) == 0 {
		cmd.Payload = []byte("{}")
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}
	if cmd.AvailableAt.IsZero() {
		cmd.AvailableAt = cmd.CreatedAt
	}
	cmd.Status = model.CommandPending
	cmd.AttemptCount = 0
}

// insertCommand inserts a pending command. A repeated dedupe key leaves the
// original row untouched and returns it instead.
func insertCommand(ctx context.Context, q queryer, cmd *model.Command) (*model.Command, error) {
	prepareCommand(cmd)

	row := q.QueryRowContext(ctx, `
		INSERT INTO retainly.commands (id, type, payload, status, attempt_count, max_attempts, dedupe_key, available_at, created_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING `+commandColumns,
		cmd.ID, cmd.Type, []byte(cmd.Payload), cmd.Status, cmd.MaxAttempts, nullString(cmd.DedupeKey), cmd.AvailableAt, cmd.CreatedAt)

	created, err := scanCommand(row)
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create command", err)
	}

	existing, err := scanCommand(q.QueryRowContext(ctx, `
		SELECT `+commandColumns+`
		FROM retainly.commands
		WHERE dedupe_key = $1
	`, cmd.DedupeKey))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to load deduplicated command", err)
	}
	return existing, nil
}

func (d Datasource) CreateCommand(ctx context.Context, cmd *model.Command) (*model.Command, error) {
	return insertCommand(ctx, d.Conn, cmd)
}

// ClaimCommands flips up to limit claimable commands to claimed in one statement.
// Claimable means pending and available, or claimed before staleBefore with
// attempts left. SKIP LOCKED keeps concurrent claimers from overlapping.
func (d Datasource) ClaimCommands(ctx context.Context, limit int, now, staleBefore time.Time) ([]*model.Command, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		UPDATE retainly.commands
		SET status = 'claimed',
			claimed_at = $1,
			claim_token = $2,
			attempt_count = attempt_count + 1
		WHERE id IN (
			SELECT id FROM retainly.commands
			WHERE (status = 'pending' AND available_at <= $1)
			   OR (status = 'claimed' AND claimed_at < $3 AND attempt_count < max_attempts)
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+commandColumns,
		now, uuid.NewString(), staleBefore, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim commands", err)
	}
	return scanCommands(rows)
}

func (d Datasource) settleCommand(ctx context.Context, query string, args ...interface{}) error {
	res, err := d.Conn.ExecContext(ctx, query, args...)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update command", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update command", err)
	}
	if n == 0 {
		return apierror.NewAPIError(apierror.ErrStaleClaim, "Command is no longer claimed by this worker", nil)
	}
	return nil
}

func (d Datasource) CompleteCommand(ctx context.Context, id, claimToken string, at time.Time) error {
	return d.settleCommand(ctx, `
		UPDATE retainly.commands
		SET status = 'completed', completed_at = $3, last_error = NULL
		WHERE id = $1 AND claim_token = $2 AND status = 'claimed'
	`, id, claimToken, at)
}

func (d Datasource) RetryCommand(ctx context.Context, id, claimToken, lastError string, availableAt time.Time) error {
	return d.settleCommand(ctx, `
		UPDATE retainly.commands
		SET status = 'pending', last_error = $3, available_at = $4, claimed_at = NULL, claim_token = NULL
		WHERE id = $1 AND claim_token = $2 AND status = 'claimed'
	`, id, claimToken, lastError, availableAt)
}

// DeferCommand returns a claimed command to pending until availableAt and
// gives back the attempt the claim used.
func (d Datasource) DeferCommand(ctx context.Context, id, claimToken string, availableAt time.Time) error {
	return d.settleCommand(ctx, `
		UPDATE retainly.commands
		SET status = 'pending', attempt_count = GREATEST(attempt_count - 1, 0), available_at = $3, claimed_at = NULL, claim_token = NULL
		WHERE id = $1 AND claim_token = $2 AND status = 'claimed'
	`, id, claimToken, availableAt)
}

func (d Datasource) DeadLetterCommand(ctx context.Context, id, claimToken, reason string, at time.Time) error {
	return d.settleCommand(ctx, `
		UPDATE retainly.commands
		SET status = 'dead_letter', last_error = $3, completed_at = $4
		WHERE id = $1 AND claim_token = $2 AND status = 'claimed'
	`, id, claimToken, reason, at)
}

func (d Datasource) FailCommand(ctx context.Context, id, claimToken, reason string, at time.Time) error {
	return d.settleCommand(ctx, `
		UPDATE retainly.commands
		SET status = 'failed', last_error = $3, completed_at = $4
		WHERE id = $1 AND claim_token = $2 AND status = 'claimed'
	`, id, claimToken, reason, at)
}

// ExpireStaleCommands dead-letters commands whose final attempt never reported back.
func (d Datasource) ExpireStaleCommands(ctx context.Context, staleBefore, at time.Time) ([]*model.Command, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		UPDATE retainly.commands
		SET status = 'dead_letter',
			completed_at = $2,
			last_error = COALESCE(last_error || '; ', '') || 'claim expired on final attempt'
		WHERE status = 'claimed' AND claimed_at < $1 AND attempt_count >= max_attempts
		RETURNING `+commandColumns,
		staleBefore, at)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to expire stale commands", err)
	}
	return scanCommands(rows)
}

func (d Datasource) GetCommand(ctx context.Context, id string) (*model.Command, error) {
	cmd, err := scanCommand(d.Conn.QueryRowContext(ctx, `
		SELECT `+commandColumns+`
		FROM retainly.commands
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Command not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve command", err)
	}
	return cmd, nil
}

func (d Datasource) ListCommands(ctx context.Context, status model.CommandStatus, limit, offset int) ([]*model.Command, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+commandColumns+`
		FROM retainly.commands
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, string(status), limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve commands", err)
	}
	return scanCommands(rows)
}

// RequeueCommand gives a dead-lettered or failed command a fresh attempt budget.
func (d Datasource) RequeueCommand(ctx context.Context, id string, at time.Time) (*model.Command, error) {
	cmd, err := scanCommand(d.Conn.QueryRowContext(ctx, `
		UPDATE retainly.commands
		SET status = 'pending', attempt_count = 0, available_at = $2, claimed_at = NULL,
			claim_token = NULL, completed_at = NULL
		WHERE id = $1 AND status = ANY($3)
		RETURNING `+commandColumns,
		id, at, pq.Array([]string{string(model.CommandDeadLetter), string(model.CommandFailed)})))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "Only dead-lettered or failed commands can be requeued", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to requeue command", err)
	}
	return cmd, nil
}
