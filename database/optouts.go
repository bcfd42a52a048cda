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
	"time"

	"github.com/retainly/retainly/internal/apierror"
	"github.com/retainly/retainly/model"
)

func (d Datasource) CreateOptOut(ctx context.Context, o *model.OptOut) error {
	o.Contact = model.NormalizeContact(o.Contact)
	if o.Channel == "" {
		o.Channel = model.ChannelEmail
	}
	if o.AccountID == "" || o.Contact == "" {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Opt-out requires an account and a contact", nil)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO retainly.opt_outs (account_id, channel, contact, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id, channel, contact) DO NOTHING
	`, o.AccountID, o.Channel, o.Contact, o.Reason, o.CreatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record opt-out", err)
	}
	return nil
}

func (d Datasource) IsOptedOut(ctx context.Context, accountID, channel, contact string) (bool, error) {
	if channel == "" {
		channel = model.ChannelEmail
	}
	var exists bool
	err := d.Conn.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM retainly.opt_outs
			WHERE account_id = $1 AND channel = $2 AND contact = $3
		)
	`, accountID, channel, model.NormalizeContact(contact)).Scan(&exists)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check opt-out list", err)
	}
	return exists, nil
}
