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
	"fmt"
	"time"

	"github.com/retainly/retainly/internal/apierror"
	"github.com/retainly/retainly/model"
	"github.com/sirupsen/logrus"
)

const accountSettingsTTL = 5 * time.Minute

func accountSettingsKey(accountID string) string {
	return fmt.Sprintf("account_settings:%s", accountID)
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

// GetAccountSettings reads settings through the cache when one is configured.
// An account without a row gets a NOT_FOUND error.
func (d Datasource) GetAccountSettings(ctx context.Context, accountID string) (*model.AccountSettings, error) {
	key := accountSettingsKey(accountID)
	if d.Cache != nil {
		var cached model.AccountSettings
		if err := d.Cache.Get(ctx, key, &cached); err == nil && cached.AccountID != "" {
			return &cached, nil
		}
	}

	s := &model.AccountSettings{}
	var start, end, limit sql.NullInt64
	err := d.Conn.QueryRowContext(ctx, `
		SELECT account_id, timezone, autopilot_enabled, quiet_hours_start, quiet_hours_end, daily_limit, updated_at
		FROM retainly.account_settings
		WHERE account_id = $1
	`, accountID).Scan(&s.AccountID, &s.Timezone, &s.AutopilotEnabled, &start, &end, &limit, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Account settings not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve account settings", err)
	}
	s.QuietHoursStart = intPtr(start)
	s.QuietHoursEnd = intPtr(end)
	s.DailyLimit = intPtr(limit)

	if d.Cache != nil {
		if err := d.Cache.Set(ctx, key, s, accountSettingsTTL); err != nil {
			logrus.WithError(err).Warn("failed to cache account settings")
		}
	}
	return s, nil
}

func (d Datasource) UpsertAccountSettings(ctx context.Context, s *model.AccountSettings) (*model.AccountSettings, error) {
	if s.AccountID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Account ID is required", nil)
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO retainly.account_settings (account_id, timezone, autopilot_enabled, quiet_hours_start,
			quiet_hours_end, daily_limit, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id) DO UPDATE
		SET timezone = EXCLUDED.timezone,
			autopilot_enabled = EXCLUDED.autopilot_enabled,
			quiet_hours_start = EXCLUDED.quiet_hours_start,
			quiet_hours_end = EXCLUDED.quiet_hours_end,
			daily_limit = EXCLUDED.daily_limit,
			updated_at = EXCLUDED.updated_at
	`, s.AccountID, s.Timezone, s.AutopilotEnabled, nullInt(s.QuietHoursStart), nullInt(s.QuietHoursEnd),
		nullInt(s.DailyLimit), s.UpdatedAt)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save account settings", err)
	}

	if d.Cache != nil {
		if err := d.Cache.Delete(ctx, accountSettingsKey(s.AccountID)); err != nil {
			logrus.WithError(err).Warn("failed to invalidate account settings cache")
		}
	}
	return s, nil
}
