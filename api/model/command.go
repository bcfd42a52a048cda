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

package model

import (
	"encoding/json"

	"github.com/retainly/retainly/model"
)

// EnqueueCommand lets an integration queue a side effect with guaranteed delivery.
type EnqueueCommand struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts"`
	DedupeKey   string          `json:"dedupe_key"`
}

type CreateOptOut struct {
	AccountID string `json:"account_id"`
	Channel   string `json:"channel"`
	Contact   string `json:"contact"`
	Reason    string `json:"reason"`
}

type AccountSettings struct {
	Timezone         string `json:"timezone"`
	AutopilotEnabled bool   `json:"autopilot_enabled"`
	QuietHoursStart  *int   `json:"quiet_hours_start"`
	QuietHoursEnd    *int   `json:"quiet_hours_end"`
	DailyLimit       *int   `json:"daily_limit"`
}

func (s *AccountSettings) ToAccountSettings(accountID string) *model.AccountSettings {
	return &model.AccountSettings{
		AccountID:        accountID,
		Timezone:         s.Timezone,
		AutopilotEnabled: s.AutopilotEnabled,
		QuietHoursStart:  s.QuietHoursStart,
		QuietHoursEnd:    s.QuietHoursEnd,
		DailyLimit:       s.DailyLimit,
	}
}
