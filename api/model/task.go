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
	"strings"

	"github.com/retainly/retainly/model"
)

type CreateTask struct {
	AccountID        string                 `json:"account_id"`
	ContactID        string                 `json:"contact_id"`
	ContactEmail     string                 `json:"contact_email"`
	ContactName      string                 `json:"contact_name"`
	TaskType         string                 `json:"task_type"`
	Goal             string                 `json:"goal"`
	CampaignKey      string                 `json:"campaign_key"`
	RequiresApproval bool                   `json:"requires_approval"`
	Context          map[string]interface{} `json:"context"`
}

type UpdateTaskStatus struct {
	Status  string `json:"status"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason"`
	Note    string `json:"note"`
}

// ApproveTask optionally edits the draft before it is sent.
type ApproveTask struct {
	Subject *string `json:"subject"`
	Body    *string `json:"body"`
}

type AppendConversation struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	AgentName string `json:"agent_name"`
}

type RecordReply struct {
	Content string `json:"content"`
}

func (t *CreateTask) ToTask() *model.Task {
	taskType := model.TaskType(strings.TrimSpace(t.TaskType))
	return &model.Task{
		AccountID:        strings.TrimSpace(t.AccountID),
		ContactID:        strings.TrimSpace(t.ContactID),
		ContactEmail:     model.NormalizeContact(t.ContactEmail),
		ContactName:      strings.TrimSpace(t.ContactName),
		TaskType:         taskType,
		Goal:             t.Goal,
		CampaignKey:      strings.TrimSpace(t.CampaignKey),
		RequiresApproval: t.RequiresApproval,
		Context:          model.TaskContextFromMap(taskType, t.Context),
	}
}

func (a *AppendConversation) ToEntry(taskID string) *model.ConversationEntry {
	return &model.ConversationEntry{
		TaskID:    taskID,
		Role:      model.ConversationRole(a.Role),
		Content:   strings.TrimSpace(a.Content),
		AgentName: a.AgentName,
	}
}
