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

	"github.com/retainly/retainly/internal/apierror"
	"github.com/retainly/retainly/model"
)

// UpsertOutboundMessage writes the audit row of a send. The row is keyed on the
// command, so replaying a command never produces a second row; the returned
// bool is false when the row already existed.
func (d Datasource) UpsertOutboundMessage(ctx context.Context, msg *model.OutboundMessage) (bool, error) {
	if msg.ID == "" {
		msg.ID = model.GenerateUUIDWithSuffix("msg")
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	if msg.Channel == "" {
		msg.Channel = model.ChannelEmail
	}

	res, err := d.Conn.ExecContext(ctx, `
		INSERT INTO retainly.outbound_messages (id, command_id, task_id, account_id, channel, recipient, subject, body,
			reply_token, provider_id, status, autonomous, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (command_id) DO NOTHING
	`, msg.ID, msg.CommandID, msg.TaskID, msg.AccountID, msg.Channel, msg.Recipient, msg.Subject, msg.Body,
		msg.ReplyToken, msg.ProviderID, msg.Status, msg.Autonomous, msg.SentAt)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record outbound message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record outbound message", err)
	}
	return n == 1, nil
}

func (d Datasource) GetOutboundByCommand(ctx context.Context, commandID string) (*model.OutboundMessage, error) {
	msg := &model.OutboundMessage{}
	err := d.Conn.QueryRowContext(ctx, `
		SELECT id, command_id, task_id, account_id, channel, recipient, subject, body, reply_token, provider_id,
			status, autonomous, sent_at
		FROM retainly.outbound_messages
		WHERE command_id = $1
	`, commandID).Scan(&msg.ID, &msg.CommandID, &msg.TaskID, &msg.AccountID, &msg.Channel, &msg.Recipient,
		&msg.Subject, &msg.Body, &msg.ReplyToken, &msg.ProviderID, &msg.Status, &msg.Autonomous, &msg.SentAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Outbound message not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve outbound message", err)
	}
	return msg, nil
}

// CountAutonomousSendsSince counts delivered autopilot sends of an account.
func (d Datasource) CountAutonomousSendsSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	var count int
	err := d.Conn.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM retainly.outbound_messages
		WHERE account_id = $1 AND autonomous = TRUE AND status = 'sent' AND sent_at >= $2
	`, accountID, since).Scan(&count)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count autonomous sends", err)
	}
	return count, nil
}
