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
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/retainly/retainly/internal/apierror"
	"github.com/retainly/retainly/model"
)

var taskColumnNames = []string{
	"id", "account_id", "contact_id", "contact_email", "contact_name", "task_type", "status", "goal", "context",
	"requires_approval", "campaign_key", "next_action_at", "outcome", "outcome_reason", "touch_count",
	"created_at", "updated_at", "resolved_at",
}

func taskColumns(alias string) string {
	if alias == "" {
		return strings.Join(taskColumnNames, ", ")
	}
	cols := make([]string, len(taskColumnNames))
	for i, c := range taskColumnNames {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

func statusArray(statuses []model.TaskStatus) interface{} {
	s := make([]string, len(statuses))
	for i, st := range statuses {
		s[i] = string(st)
	}
	return pq.Array(s)
}

func scanTask(row rowScanner, extra ...interface{}) (*model.Task, error) {
	t := &model.Task{}
	var contextJSON []byte
	var nextActionAt, resolvedAt sql.NullTime
	var outcome sql.NullString
	dest := []interface{}{&t.ID, &t.AccountID, &t.ContactID, &t.ContactEmail, &t.ContactName, &t.TaskType, &t.Status,
		&t.Goal, &contextJSON, &t.RequiresApproval, &t.CampaignKey, &nextActionAt, &outcome, &t.OutcomeReason,
		&t.TouchCount, &t.CreatedAt, &t.UpdatedAt, &resolvedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	t.Context = model.DecodeTaskContext(t.TaskType, contextJSON)
	t.NextActionAt = timePtr(nextActionAt)
	t.ResolvedAt = timePtr(resolvedAt)
	if outcome.Valid {
		o := model.TaskOutcome(outcome.String)
		t.Outcome = &o
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]*model.Task, error) {
	defer rows.Close()
	tasks := []*model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan task", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over tasks", err)
	}
	return tasks, nil
}

func (d Datasource) CreateTask(ctx context.Context, task *model.Task) (*model.Task, error) {
	if task.ID == "" {
		task.ID = model.GenerateUUIDWithSuffix("task")
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt
	if task.Status == "" {
		task.Status = model.TaskOpen
	}
	task.ContactEmail = model.NormalizeContact(task.ContactEmail)

	contextJSON, err := json.Marshal(task.Context)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Failed to marshal task context", err)
	}

	created, err := scanTask(d.Conn.QueryRowContext(ctx, `
		INSERT INTO retainly.tasks (id, account_id, contact_id, contact_email, contact_name, task_type, status, goal,
			context, requires_approval, campaign_key, next_action_at, touch_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, $13, $13)
		RETURNING `+taskColumns(""),
		task.ID, task.AccountID, task.ContactID, task.ContactEmail, task.ContactName, task.TaskType, task.Status,
		task.Goal, contextJSON, task.RequiresApproval, task.CampaignKey, nullTime(task.NextActionAt), task.CreatedAt))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code.Name() {
			case "unique_violation":
				return nil, apierror.NewAPIError(apierror.ErrConflict, "An active task already exists for this contact and campaign", err)
			case "check_violation":
				return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Task violates a status constraint", err)
			}
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create task", err)
	}
	return created, nil
}

func (d Datasource) GetTask(ctx context.Context, id string) (*model.Task, error) {
	t, err := scanTask(d.Conn.QueryRowContext(ctx, `
		SELECT `+taskColumns("")+`
		FROM retainly.tasks
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Task not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve task", err)
	}
	return t, nil
}

func (d Datasource) ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+taskColumns("")+`
		FROM retainly.tasks
		WHERE ($1 = '' OR account_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, filter.AccountID, string(filter.Status), filter.Limit, filter.Offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve tasks", err)
	}
	return scanTasks(rows)
}

// TransitionTask applies tr only if the task still matches its guards, then
// writes the attached commands and conversation entries in the same transaction.
// A task that no longer matches yields a CONFLICT error and nothing is written.
func (d Datasource) TransitionTask(ctx context.Context, tr model.TaskTransition) (*model.Task, error) {
	if err := tr.Validate(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Invalid task transition", err)
	}
	if tr.At.IsZero() {
		tr.At = time.Now().UTC()
	}
	var outcome sql.NullString
	if tr.Outcome != nil {
		outcome = sql.NullString{String: string(*tr.Outcome), Valid: true}
	}
	touch := 0
	if tr.IncrementTouch {
		touch = 1
	}

	var updated *model.Task
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		t, err := scanTask(tx.QueryRowContext(ctx, `
			UPDATE retainly.tasks
			SET status = $2,
				next_action_at = $3,
				outcome = COALESCE($4, outcome),
				outcome_reason = CASE WHEN $5 = '' THEN outcome_reason ELSE $5 END,
				touch_count = touch_count + $6,
				updated_at = $7,
				resolved_at = CASE WHEN $2 IN ('resolved', 'cancelled') THEN $7 ELSE resolved_at END
			WHERE id = $1 AND status = ANY($8) AND ($9::timestamptz IS NULL OR next_action_at = $9)
			RETURNING `+taskColumns(""),
			tr.TaskID, tr.To, nullTime(tr.NextActionAt), outcome, tr.OutcomeReason, touch, tr.At,
			statusArray(tr.From), nullTime(tr.ExpectNextActionAt)))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apierror.NewAPIError(apierror.ErrConflict, "Task is no longer in the expected state", err)
			}
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to transition task", err)
		}

		for _, cmd := range tr.Commands {
			if _, err := insertCommand(ctx, tx, cmd); err != nil {
				return err
			}
		}
		for _, entry := range tr.Entries {
			entry.TaskID = tr.TaskID
			if entry.CreatedAt.IsZero() {
				entry.CreatedAt = tr.At
			}
			if err := insertConversation(ctx, tx, entry); err != nil {
				return err
			}
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListAutopilotCandidates returns open tasks that may be sent without approval
// for accounts that have autonomous sending enabled.
func (d Datasource) ListAutopilotCandidates(ctx context.Context, limit int) ([]*model.Task, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+taskColumns("t")+`
		FROM retainly.tasks t
		JOIN retainly.account_settings s ON s.account_id = t.account_id
		WHERE t.status = 'open'
		  AND t.requires_approval = FALSE
		  AND t.contact_email <> ''
		  AND s.autopilot_enabled = TRUE
		ORDER BY t.created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve autopilot candidates", err)
	}
	return scanTasks(rows)
}

// ClaimDueFollowUps pushes next_action_at of due tasks to leaseUntil so an
// overlapping tick cannot pick them up again, and returns the original due time.
func (d Datasource) ClaimDueFollowUps(ctx context.Context, now, leaseUntil time.Time, limit int) ([]model.DueTask, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		WITH due AS (
			SELECT id, next_action_at AS due_at
			FROM retainly.tasks
			WHERE status = 'awaiting_reply' AND next_action_at <= $1
			ORDER BY next_action_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE retainly.tasks t
		SET next_action_at = $2, updated_at = $1
		FROM due
		WHERE t.id = due.id
		RETURNING `+taskColumns("t")+`, due.due_at
	`, now, leaseUntil, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim due follow-ups", err)
	}
	defer rows.Close()

	due := []model.DueTask{}
	for rows.Next() {
		var dueAt time.Time
		t, err := scanTask(rows, &dueAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan due task", err)
		}
		due = append(due, model.DueTask{Task: t, DueAt: dueAt})
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over due tasks", err)
	}
	return due, nil
}

func (d Datasource) ListActiveTasksForContact(ctx context.Context, accountID, contact string) ([]*model.Task, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+taskColumns("")+`
		FROM retainly.tasks
		WHERE account_id = $1 AND lower(contact_email) = $2 AND status = ANY($3)
		ORDER BY created_at
	`, accountID, model.NormalizeContact(contact), statusArray(model.NonTerminalStatuses))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve contact tasks", err)
	}
	return scanTasks(rows)
}

func (d Datasource) UpdateTaskContext(ctx context.Context, id string, c model.TaskContext, at time.Time) error {
	contextJSON, err := json.Marshal(c)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Failed to marshal task context", err)
	}
	res, err := d.Conn.ExecContext(ctx, `
		UPDATE retainly.tasks SET context = $2, updated_at = $3 WHERE id = $1
	`, id, contextJSON, at)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update task context", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, "Task not found", nil)
	}
	return nil
}
