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

package retainly

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/retainly/retainly/internal/apierror"
	"github.com/retainly/retainly/model"
	"github.com/sirupsen/logrus"
)

// TaskStatusUpdate carries the optional fields of an operator status change.
type TaskStatusUpdate struct {
	Outcome model.TaskOutcome
	Reason  string
	Note    string
}

// DraftEdit replaces parts of the draft before it is approved. Nil fields are kept.
type DraftEdit struct {
	Subject *string
	Body    *string
}

// CreateTask opens a new outreach thread. Tasks that need approval and already
// carry a draft start in awaiting_approval; everything else starts open.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - task *model.Task: The task to create.
//
// Returns:
// - *model.Task: The stored task.
// - error: CONFLICT when the contact already has an active thread for the same campaign.
func (r *Retainly) CreateTask(ctx context.Context, task *model.Task) (*model.Task, error) {
	ctx, span := tracer.Start(ctx, "CreateTask")
	defer span.End()

	if task.AccountID == "" || task.TaskType == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "account_id and task_type are required", nil)
	}
	if task.ContactEmail == "" && task.ContactID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "A contact email or contact id is required", nil)
	}

	task.Status = model.TaskOpen
	if task.RequiresApproval && strings.TrimSpace(task.Context.DraftBody) != "" {
		task.Status = model.TaskAwaitingApproval
	}
	task.NextActionAt = nil
	task.Outcome = nil
	task.TouchCount = 0
	if task.CreatedAt.IsZero() {
		task.CreatedAt = r.now()
	}

	created, err := r.datasource.CreateTask(ctx, task)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"task_id": created.ID, "account_id": created.AccountID, "status": created.Status}).Info("task created")
	return created, nil
}

func (r *Retainly) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return r.datasource.GetTask(ctx, id)
}

func (r *Retainly) ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	return r.datasource.ListTasks(ctx, filter)
}

// UpdateTaskStatus is the operator and integration entry point for status changes.
// Sending is not a status change: open and awaiting_approval tasks reach
// awaiting_reply through ApproveTask only.
func (r *Retainly) UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus, upd TaskStatusUpdate) (*model.Task, error) {
	ctx, span := tracer.Start(ctx, "UpdateTaskStatus")
	defer span.End()

	if !status.Valid() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Unknown task status %q", status), nil)
	}
	task, err := r.datasource.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !model.CanTransition(task.Status, status) {
		return nil, apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("Task cannot move from %s to %s", task.Status, status), model.ErrInvalidTransition)
	}

	now := r.now()
	tr := model.TaskTransition{
		TaskID:        id,
		From:          []model.TaskStatus{task.Status},
		To:            status,
		OutcomeReason: upd.Reason,
		At:            now,
	}
	switch status {
	case model.TaskAwaitingReply:
		if task.Status != model.TaskEscalated {
			return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Approve the task to send its draft", nil)
		}
		next := now.AddDate(0, 0, r.evaluator.Policy().DefaultOffset(task.TouchCount))
		tr.NextActionAt = &next
	case model.TaskResolved:
		if !upd.Outcome.Valid() {
			return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "A valid outcome is required to resolve a task", nil)
		}
		tr.Outcome = model.OutcomePtr(upd.Outcome)
	case model.TaskCancelled:
		outcome := upd.Outcome
		if outcome == "" {
			outcome = model.OutcomeNotApplicable
		}
		if !outcome.Valid() {
			return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Unknown outcome %q", outcome), nil)
		}
		tr.Outcome = model.OutcomePtr(outcome)
	}

	content := fmt.Sprintf("Status changed from %s to %s", task.Status, status)
	if upd.Reason != "" {
		content += ": " + upd.Reason
	}
	if upd.Note != "" {
		content += "\n" + upd.Note
	}
	tr.Entries = []*model.ConversationEntry{{Role: model.RoleSystem, Content: content}}

	updated, err := r.datasource.TransitionTask(ctx, tr)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	r.taskWebhook(ctx, updated)
	return updated, nil
}

// RequestApproval parks an open task until an operator approves its draft.
func (r *Retainly) RequestApproval(ctx context.Context, id, reason string) (*model.Task, error) {
	return r.UpdateTaskStatus(ctx, id, model.TaskAwaitingApproval, TaskStatusUpdate{Reason: reason})
}

// ResolveTask closes a thread from an external signal, e.g. the member came back.
func (r *Retainly) ResolveTask(ctx context.Context, id string, outcome model.TaskOutcome, reason string) (*model.Task, error) {
	return r.UpdateTaskStatus(ctx, id, model.TaskResolved, TaskStatusUpdate{Outcome: outcome, Reason: reason})
}

func (r *Retainly) CancelTask(ctx context.Context, id, reason string) (*model.Task, error) {
	return r.UpdateTaskStatus(ctx, id, model.TaskCancelled, TaskStatusUpdate{Reason: reason})
}

// ApproveTask sends the task's draft on behalf of an operator. Operator sends
// skip the daily cap but still respect opt-outs, and a send approved during
// quiet hours is held until the window ends.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - id string: The task to approve.
// - edit DraftEdit: Optional changes to the draft before it is sent.
//
// Returns:
// - *model.Task: The task, now awaiting_reply.
// - error: CONFLICT when the task is not waiting to be sent or the contact opted out.
func (r *Retainly) ApproveTask(ctx context.Context, id string, edit DraftEdit) (*model.Task, error) {
	ctx, span := tracer.Start(ctx, "ApproveTask")
	defer span.End()

	task, err := r.datasource.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != model.TaskOpen && task.Status != model.TaskAwaitingApproval {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Task in status %s cannot be approved", task.Status), nil)
	}

	now := r.now()
	if edit.Subject != nil || edit.Body != nil {
		if edit.Subject != nil {
			task.Context.DraftSubject = strings.TrimSpace(*edit.Subject)
		}
		if edit.Body != nil {
			task.Context.DraftBody = strings.TrimSpace(*edit.Body)
		}
		if err := r.datasource.UpdateTaskContext(ctx, task.ID, task.Context, now); err != nil {
			return nil, err
		}
	}

	opted, err := r.guardrails.OptedOut(ctx, task.AccountID, task.Context.Channel, task.ContactEmail)
	if err != nil {
		return nil, err
	}
	if opted {
		if _, err := r.cancelOptedOut(ctx, task.ID); err != nil {
			return nil, err
		}
		return nil, apierror.NewAPIError(apierror.ErrConflict, "Contact has opted out; the task was cancelled", nil)
	}

	sendAt, err := r.guardrails.NextSendTime(ctx, task.AccountID, now)
	if err != nil {
		return nil, err
	}
	updated, _, err := r.sendDraft(ctx, task, []model.TaskStatus{model.TaskOpen, model.TaskAwaitingApproval}, false, sendAt,
		&model.ConversationEntry{Role: model.RoleSystem, Content: "Draft approved for sending"})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return updated, nil
}

// sendDraft moves a task to awaiting_reply and queues its draft in the same
// transaction, so a task is never marked sent without a command to send it.
func (r *Retainly) sendDraft(ctx context.Context, task *model.Task, from []model.TaskStatus, autonomous bool, sendAt time.Time, entries ...*model.ConversationEntry) (*model.Task, *model.Command, error) {
	if strings.TrimSpace(task.Context.DraftBody) == "" {
		return nil, nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Task has no draft to send", nil)
	}
	if task.ContactEmail == "" {
		return nil, nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Task has no contact email", nil)
	}

	now := r.now()
	if sendAt.Before(now) {
		sendAt = now
	}
	touch := task.TouchCount + 1
	cmd, err := r.bus.NewCommand(model.CommandSendEmail, model.SendEmailPayload{
		To:         task.ContactEmail,
		Subject:    task.Context.DraftSubject,
		Body:       task.Context.DraftBody,
		ReplyToken: task.ID,
		AccountID:  task.AccountID,
		TaskID:     task.ID,
		Channel:    task.Context.Channel,
		AgentName:  task.Context.AgentName,
		Autonomous: autonomous,
	}, WithDedupeKey(sendDedupeKey(task.ID, touch)), WithAvailableAt(sendAt))
	if err != nil {
		return nil, nil, err
	}

	next := sendAt.AddDate(0, 0, r.evaluator.Policy().DefaultOffset(touch))
	updated, err := r.datasource.TransitionTask(ctx, model.TaskTransition{
		TaskID:         task.ID,
		From:           from,
		To:             model.TaskAwaitingReply,
		NextActionAt:   &next,
		IncrementTouch: true,
		At:             now,
		Commands:       []*model.Command{cmd},
		Entries:        entries,
	})
	if err != nil {
		return nil, nil, err
	}
	logrus.WithFields(logrus.Fields{"task_id": task.ID, "command_id": cmd.ID, "autonomous": autonomous}).Info("draft queued")
	return updated, cmd, nil
}

// cancelOptedOut cancels a thread whose contact is on the opt-out list. It
// returns nil without error when the task had already left automation.
func (r *Retainly) cancelOptedOut(ctx context.Context, taskID string) (*model.Task, error) {
	task, err := r.datasource.TransitionTask(ctx, model.TaskTransition{
		TaskID:        taskID,
		From:          model.SourcesFor(model.TaskCancelled),
		To:            model.TaskCancelled,
		Outcome:       model.OutcomePtr(model.OutcomeNotApplicable),
		OutcomeReason: model.ReasonOptedOut,
		At:            r.now(),
		Entries: []*model.ConversationEntry{{
			Role:    model.RoleSystem,
			Content: "Contact is on the opt-out list, thread cancelled",
		}},
	})
	if err != nil {
		if apierror.HasCode(err, apierror.ErrConflict) {
			return nil, nil
		}
		return nil, err
	}
	logrus.WithField("task_id", taskID).Info("task cancelled, contact opted out")
	r.taskWebhook(ctx, task)
	return task, nil
}

// AppendConversation adds an entry to a task's history.
func (r *Retainly) AppendConversation(ctx context.Context, entry *model.ConversationEntry) (*model.ConversationEntry, error) {
	if strings.TrimSpace(entry.Content) == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Conversation content is required", nil)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}
	return r.datasource.AppendConversation(ctx, entry)
}

// GetConversationHistory returns the entries of a task oldest first.
func (r *Retainly) GetConversationHistory(ctx context.Context, taskID string) ([]model.ConversationEntry, error) {
	if _, err := r.datasource.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return r.datasource.GetConversationHistory(ctx, taskID)
}

// OptOut records that a contact must not be contacted again on a channel and
// cancels every thread still active for it.
//
// Returns:
// - int: The number of tasks cancelled.
// - error: An error if the opt-out could not be recorded.
func (r *Retainly) OptOut(ctx context.Context, accountID, channel, contact, reason string) (int, error) {
	ctx, span := tracer.Start(ctx, "OptOut")
	defer span.End()

	if channel == "" {
		channel = model.ChannelEmail
	}
	err := r.datasource.CreateOptOut(ctx, &model.OptOut{
		AccountID: accountID,
		Channel:   channel,
		Contact:   contact,
		Reason:    reason,
		CreatedAt: r.now(),
	})
	if err != nil {
		return 0, err
	}

	tasks, err := r.datasource.ListActiveTasksForContact(ctx, accountID, contact)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, task := range tasks {
		t, err := r.cancelOptedOut(ctx, task.ID)
		if err != nil {
			logrus.WithError(err).WithField("task_id", task.ID).Error("failed to cancel task after opt-out")
			continue
		}
		if t != nil {
			cancelled++
		}
	}
	return cancelled, nil
}

func (r *Retainly) UpdateAccountSettings(ctx context.Context, s *model.AccountSettings) (*model.AccountSettings, error) {
	if s.AccountID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "account_id is required", nil)
	}
	if (s.QuietHoursStart == nil) != (s.QuietHoursEnd == nil) {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "quiet_hours_start and quiet_hours_end must be set together", nil)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Unknown timezone %q", s.Timezone), err)
		}
	}
	s.UpdatedAt = r.now()
	return r.datasource.UpsertAccountSettings(ctx, s)
}
