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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/retainly/retainly/internal/apierror"
	"github.com/retainly/retainly/internal/cache"
	"github.com/retainly/retainly/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var accountSettingsColumns = []string{"account_id", "timezone", "autopilot_enabled", "quiet_hours_start",
	"quiet_hours_end", "daily_limit", "updated_at"}

func TestGetAccountSettings_CachesRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ds := Datasource{Conn: db, Cache: cache.NewRedisCache(client, 0)}

	mock.ExpectQuery("SELECT (.+) FROM retainly.account_settings").
		WithArgs("acct_1").
		WillReturnRows(sqlmock.NewRows(accountSettingsColumns).
			AddRow("acct_1", "America/New_York", true, 22, 7, nil, time.Now()))

	first, err := ds.GetAccountSettings(context.Background(), "acct_1")
	require.NoError(t, err)
	require.NotNil(t, first.QuietHoursStart)
	assert.Equal(t, 22, *first.QuietHoursStart)
	assert.Nil(t, first.DailyLimit)

	second, err := ds.GetAccountSettings(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", second.Timezone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAccountSettings_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT (.+) FROM retainly.account_settings").
		WillReturnRows(sqlmock.NewRows(accountSettingsColumns))

	_, err = ds.GetAccountSettings(context.Background(), "acct_missing")
	assert.True(t, apierror.HasCode(err, apierror.ErrNotFound))
}

func TestUpsertAccountSettings_InvalidatesCache(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewRedisCache(client, 0)
	ds := Datasource{Conn: db, Cache: c}

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, accountSettingsKey("acct_1"), &model.AccountSettings{AccountID: "acct_1", Timezone: "UTC"}, time.Minute))

	limit := 5
	mock.ExpectExec("INSERT INTO retainly.account_settings").
		WithArgs("acct_1", "Europe/Berlin", true, nil, nil, 5, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	saved, err := ds.UpsertAccountSettings(ctx, &model.AccountSettings{AccountID: "acct_1", Timezone: "Europe/Berlin", AutopilotEnabled: true, DailyLimit: &limit})
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", saved.Timezone)

	var cached model.AccountSettings
	assert.ErrorIs(t, c.Get(ctx, accountSettingsKey("acct_1"), &cached), cache.ErrCacheMiss)
}
