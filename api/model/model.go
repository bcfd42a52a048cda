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
	"errors"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/retainly/retainly/model"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

var taskTypes = []interface{}{
	string(model.TaskTypeChurnRisk),
	string(model.TaskTypeWinBack),
	string(model.TaskTypeOnboarding),
	string(model.TaskTypePaymentRecovery),
}

var taskStatuses = []interface{}{
	string(model.TaskOpen),
	string(model.TaskAwaitingApproval),
	string(model.TaskAwaitingReply),
	string(model.TaskEscalated),
	string(model.TaskResolved),
	string(model.TaskCancelled),
}

var taskOutcomes = []interface{}{
	string(model.OutcomeEngaged),
	string(model.OutcomeRecovered),
	string(model.OutcomeUnresponsive),
	string(model.OutcomeChurned),
	string(model.OutcomeNotApplicable),
}

var commandTypes = []interface{}{
	string(model.CommandSendEmail),
	string(model.CommandEvaluateFollowUp),
}

var hourRule = []validation.Rule{validation.Min(0), validation.Max(23)}

func (t *CreateTask) ValidateCreateTask() error {
	return validation.ValidateStruct(t,
		validation.Field(&t.AccountID, validation.Required),
		validation.Field(&t.TaskType, validation.Required, validation.In(taskTypes...)),
		validation.Field(&t.ContactEmail,
			validation.When(strings.TrimSpace(t.ContactID) == "", validation.Required.Error("contact_email or contact_id is required")),
			validation.Match(emailPattern).Error("must be a valid email address"),
		),
	)
}

func (u *UpdateTaskStatus) ValidateUpdateTaskStatus() error {
	return validation.ValidateStruct(u,
		validation.Field(&u.Status, validation.Required, validation.In(taskStatuses...)),
		validation.Field(&u.Outcome,
			validation.When(u.Status == string(model.TaskResolved), validation.Required),
			validation.In(taskOutcomes...),
		),
	)
}

func (a *ApproveTask) ValidateApproveTask() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.Body, validation.NilOrNotEmpty.Error("draft body cannot be blank")),
	)
}

func (a *AppendConversation) ValidateAppendConversation() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.Role, validation.Required, validation.In(
			string(model.RoleAgent), string(model.RoleMember), string(model.RoleSystem))),
		validation.Field(&a.Content, validation.Required),
	)
}

func (r *RecordReply) ValidateRecordReply() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Content, validation.Required),
	)
}

func (e *EnqueueCommand) ValidateEnqueueCommand() error {
	return validation.ValidateStruct(e,
		validation.Field(&e.Type, validation.Required, validation.In(commandTypes...)),
		validation.Field(&e.Payload, validation.Required, validation.By(func(value interface{}) error {
			raw, _ := value.(json.RawMessage)
			var fields map[string]interface{}
			if err := json.Unmarshal(raw, &fields); err != nil {
				return errors.New("payload must be a JSON object")
			}
			return nil
		})),
		validation.Field(&e.MaxAttempts, validation.Min(0), validation.Max(10)),
	)
}

func (o *CreateOptOut) ValidateCreateOptOut() error {
	return validation.ValidateStruct(o,
		validation.Field(&o.AccountID, validation.Required),
		validation.Field(&o.Contact, validation.Required),
		validation.Field(&o.Channel, validation.In(model.ChannelEmail)),
	)
}

func (s *AccountSettings) ValidateAccountSettings() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.QuietHoursStart, hourRule...),
		validation.Field(&s.QuietHoursEnd, hourRule...),
		validation.Field(&s.DailyLimit, validation.Min(0)),
	)
}
