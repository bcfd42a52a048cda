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

	"github.com/lib/pq"
	"github.com/retainly/retainly/internal/apierror"
	"github.com/retainly/retainly/model"
)

func insertConversation(ctx context.Context, q queryer, entry *model.ConversationEntry) error {
	if entry.ID == "" {
		entry.ID = model.GenerateUUIDWithSuffix("conv")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var evaluation interface{}
	if len(entry.Evaluation) > 0 {
		evaluation = []byte(entry.Evaluation)
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO retainly.conversation_entries (id, task_id, role, content, agent_name, evaluation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.TaskID, entry.Role, entry.Content, nullString(entry.AgentName), evaluation, entry.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
			return apierror.NewAPIError(apierror.ErrNotFound, "Task not found", err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to append conversation entry", err)
	}
	return nil
}

func (d Datasource) AppendConversation(ctx context.Context, entry *model.ConversationEntry) (*model.ConversationEntry, error) {
	if !entry.Role.Valid() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Invalid conversation role", nil)
	}
	if err := insertConversation(ctx, d.Conn, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// GetConversationHistory returns the entries of a task oldest first. Ties on
// created_at fall back to id so the order is stable.
func (d Datasource) GetConversationHistory(ctx context.Context, taskID string) ([]model.ConversationEntry, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, task_id, role, content, COALESCE(agent_name, ''), evaluation, created_at
		FROM retainly.conversation_entries
		WHERE task_id = $1
		ORDER BY created_at, id
	`, taskID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve conversation history", err)
	}
	defer rows.Close()

	history := []model.ConversationEntry{}
	for rows.Next() {
		var e model.ConversationEntry
		var evaluation []byte
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Role, &e.Content, &e.AgentName, &evaluation, &e.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan conversation entry", err)
		}
		if len(evaluation) > 0 {
			e.Evaluation = evaluation
		}
		history = append(history, e)
	}
	if err := rows.Err(); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return history, nil
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over conversation", err)
	}
	return history, nil
}
