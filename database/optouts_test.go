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

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/retainly/retainly/internal/apierror"
	"github.com/retainly/retainly/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOptOut_NormalizesContact(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("INSERT INTO retainly.opt_outs").
		WithArgs("acct_1", "email", "member@example.com", "unsubscribe", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = ds.CreateOptOut(context.Background(), &model.OptOut{AccountID: "acct_1", Contact: " Member@Example.COM", Reason: "unsubscribe"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOptOut_RequiresContact(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	err = ds.CreateOptOut(context.Background(), &model.OptOut{AccountID: "acct_1"})
	assert.True(t, apierror.HasCode(err, apierror.ErrInvalidInput))
}

func TestIsOptedOut(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("acct_1", "email", "member@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	opted, err := ds.IsOptedOut(context.Background(), "acct_1", "", "MEMBER@example.com")
	require.NoError(t, err)
	assert.True(t, opted)
}
