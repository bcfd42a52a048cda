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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/retainly/retainly/internal/apierror"
	"github.com/retainly/retainly/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// EvaluateFollowUpExecutor decides and applies the next step of a thread
// whose follow-up is due. Reasoner failures surface as command failures so
// they get the bus's retry and dead-letter handling.
type EvaluateFollowUpExecutor struct {
	retainly *Retainly
}

func (e *EvaluateFollowUpExecutor) Type() model.CommandType {
	return model.CommandEvaluateFollowUp
}

func (e *EvaluateFollowUpExecutor) Execute(ctx context.Context, cmd *model.Command) (Result, error) {
	r := e.retainly
	var p model.EvaluateFollowUpPayload
	if err := cmd.DecodePayload(&p); err != nil {
		return "", backoff.Permanent(fmt.Errorf("decode follow-up payload: %w", err))
	}
	ctx, span := tracer.Start(ctx, "EvaluateFollowUp", trace.WithAttributes(attribute.String("task.id", p.TaskID)))
	defer span.End()

	task, err := r.datasource.GetTask(ctx, p.TaskID)
	if err != nil {
		if apierror.HasCode(err, apierror.ErrNotFound) {
			return "", backoff.Permanent(err)
		}
		return "", err
	}
	if task.Status != model.TaskAwaitingReply || task.NextActionAt == nil || !task.NextActionAt.Equal(p.LeaseUntil) {
		return ResultStale, nil
	}

	history, err := r.datasource.GetConversationHistory(ctx, task.ID)
	if err != nil {
		return "", err
	}

	opted, err := r.guardrails.OptedOut(ctx, task.AccountID, task.Context.Channel, task.ContactEmail)
	if err != nil {
		return "", err
	}
	if opted {
		if _, err := r.cancelOptedOut(ctx, task.ID); err != nil {
			return "", err
		}
		return ResultCancelled, nil
	}

	now := r.now()
	in := r.evaluationInput(task, history, now)
	policy := r.evaluator.Policy()

	var decision Decision
	switch {
	case model.AwaitingAnswer(history):
		// A member reply always goes to the evaluator, whatever the cadence says.
		decision, err = r.evaluator.Evaluate(ctx, in)
	case in.MessagesSent >= policy.MaxTouches:
		decision = Decision{Action: ActionClose, Outcome: model.OutcomeUnresponsive, Reason: model.ReasonTouchCeiling, Overridden: true}
	case policy.MaxThreadAge > 0 && now.Sub(task.CreatedAt) >= policy.MaxThreadAge:
		decision = Decision{Action: ActionClose, Outcome: model.OutcomeUnresponsive, Reason: model.ReasonThreadExpired, Overridden: true}
	default:
		decision, err = r.evaluator.Evaluate(ctx, in)
	}
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.String("decision.action", string(decision.Action)))
	return r.applyDecision(ctx, task, p, decision, in)
}

func (r *Retainly) evaluationInput(task *model.Task, history []model.ConversationEntry, now time.Time) EvaluationInput {
	sent := model.CountAgentMessages(history)
	if task.TouchCount > sent {
		sent = task.TouchCount
	}
	last, ok := model.LastMessageAt(history)
	if !ok {
		last = task.CreatedAt
	}
	days := int(now.Sub(last).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return EvaluationInput{
		TaskType:             task.TaskType,
		AccountID:            task.AccountID,
		ContactName:          task.ContactName,
		ContactEmail:         task.ContactEmail,
		Goal:                 task.Goal,
		History:              history,
		MessagesSent:         sent,
		DaysSinceLastMessage: days,
		AccountContext:       task.Context.AccountContext,
		MemberContext:        task.Context.MemberContext,
		TaskSummary:          task.Context.Summary(),
	}
}

// applyDecision writes the decided transition. It only applies while the task
// still carries the lease it was evaluated under; otherwise a reply or an
// operator got there first and the decision is dropped.
func (r *Retainly) applyDecision(ctx context.Context, task *model.Task, p model.EvaluateFollowUpPayload, d Decision, in EvaluationInput) (Result, error) {
	now := r.now()
	evaluation, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	tr := model.TaskTransition{
		TaskID:             task.ID,
		From:               []model.TaskStatus{model.TaskAwaitingReply},
		ExpectNextActionAt: &p.LeaseUntil,
		At:                 now,
		Entries: []*model.ConversationEntry{{
			Role:       model.RoleSystem,
			Content:    fmt.Sprintf("Follow-up decision: %s. %s", d.Action, d.Reason),
			Evaluation: evaluation,
		}},
	}

	var result Result
	switch d.Action {
	case ActionClose:
		tr.To = model.TaskResolved
		tr.Outcome = model.OutcomePtr(d.Outcome)
		tr.OutcomeReason = d.Reason
		result = ResultClosed
	case ActionEscalate:
		tr.To = model.TaskEscalated
		tr.OutcomeReason = d.Reason
		result = ResultEscalated
	case ActionWait:
		next := now.AddDate(0, 0, d.NextCheckDays)
		tr.To = model.TaskAwaitingReply
		tr.NextActionAt = &next
		result = ResultWaiting
	case ActionFollowUp:
		verdict, err := r.guardrails.CheckSend(ctx, SendCheck{
			AccountID:  task.AccountID,
			Channel:    task.Context.Channel,
			Contact:    task.ContactEmail,
			Autonomous: true,
			At:         now,
		})
		if err != nil {
			return "", err
		}
		switch verdict {
		case VerdictOptedOut:
			if _, err := r.cancelOptedOut(ctx, task.ID); err != nil {
				return "", err
			}
			return ResultCancelled, nil
		case VerdictQuietHours, VerdictDailyCap:
			return r.deferFollowUp(ctx, task, p, verdict)
		}

		touch := in.MessagesSent + 1
		cmd, err := r.bus.NewCommand(model.CommandSendEmail, model.SendEmailPayload{
			To:         task.ContactEmail,
			Subject:    followUpSubject(d.Subject, task.Context.DraftSubject),
			Body:       d.Message,
			ReplyToken: task.ID,
			AccountID:  task.AccountID,
			TaskID:     task.ID,
			Channel:    task.Context.Channel,
			AgentName:  task.Context.AgentName,
			Autonomous: true,
		}, WithDedupeKey(sendDedupeKey(task.ID, touch)))
		if err != nil {
			return "", err
		}
		next := now.AddDate(0, 0, d.NextCheckDays)
		tr.To = model.TaskAwaitingReply
		tr.NextActionAt = &next
		tr.IncrementTouch = true
		tr.Commands = []*model.Command{cmd}
		result = ResultFollowUp
	default:
		return "", backoff.Permanent(fmt.Errorf("unsupported decision %q", d.Action))
	}

	updated, err := r.datasource.TransitionTask(ctx, tr)
	if err != nil {
		if apierror.HasCode(err, apierror.ErrConflict) {
			logrus.WithField("task_id", task.ID).Info("task moved while it was being evaluated, decision dropped")
			return ResultStale, nil
		}
		return "", err
	}
	r.taskWebhook(ctx, updated)
	logrus.WithFields(logrus.Fields{"task_id": task.ID, "action": d.Action, "fallback": d.Fallback, "overridden": d.Overridden}).Info("follow-up applied")
	return result, nil
}

// deferFollowUp gives the task back without sending. Quiet hours restore the
// original due time; a full daily cap waits for the cap to reset so the
// thread is not re-evaluated on every tick in between.
func (r *Retainly) deferFollowUp(ctx context.Context, task *model.Task, p model.EvaluateFollowUpPayload, verdict Verdict) (Result, error) {
	next := p.DueAt
	if verdict == VerdictDailyCap {
		reset, err := r.guardrails.NextCapReset(ctx, task.AccountID, r.now())
		if err != nil {
			return "", err
		}
		next = reset
	}
	_, err := r.datasource.TransitionTask(ctx, model.TaskTransition{
		TaskID:             task.ID,
		From:               []model.TaskStatus{model.TaskAwaitingReply},
		To:                 model.TaskAwaitingReply,
		NextActionAt:       &next,
		ExpectNextActionAt: &p.LeaseUntil,
		At:                 r.now(),
	})
	if err != nil && !apierror.HasCode(err, apierror.ErrConflict) {
		return "", err
	}
	logrus.WithFields(logrus.Fields{"task_id": task.ID, "verdict": verdict}).Info("follow-up deferred by guardrails")
	return ResultDeferred, nil
}

// OnDeadLetter pushes the thread out by the fallback wait so it is picked up again later.
func (e *EvaluateFollowUpExecutor) OnDeadLetter(ctx context.Context, cmd *model.Command, reason string) {
	r := e.retainly
	var p model.EvaluateFollowUpPayload
	if err := cmd.DecodePayload(&p); err != nil || p.TaskID == "" {
		return
	}
	next := r.now().AddDate(0, 0, r.evaluator.Policy().FallbackWaitDays)
	_, err := r.datasource.TransitionTask(ctx, model.TaskTransition{
		TaskID:             p.TaskID,
		From:               []model.TaskStatus{model.TaskAwaitingReply},
		To:                 model.TaskAwaitingReply,
		NextActionAt:       &next,
		ExpectNextActionAt: &p.LeaseUntil,
		At:                 r.now(),
		Entries: []*model.ConversationEntry{{
			Role:    model.RoleSystem,
			Content: "Follow-up evaluation failed: " + reason,
		}},
	})
	if err != nil && !apierror.HasCode(err, apierror.ErrConflict) {
		logrus.WithError(err).WithField("task_id", p.TaskID).Error("failed to reschedule task after evaluation dead letter")
	}
}

func followUpSubject(decided, draft string) string {
	if s := strings.TrimSpace(decided); s != "" {
		return s
	}
	draft = strings.TrimSpace(draft)
	if draft == "" {
		return "Following up"
	}
	if strings.HasPrefix(strings.ToLower(draft), "re:") {
		return draft
	}
	return "Re: " + draft
}

func sendDedupeKey(taskID string, touch int) string {
	return fmt.Sprintf("send_email:%s:%d", taskID, touch)
}
