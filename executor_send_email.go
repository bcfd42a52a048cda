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
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/retainly/retainly/internal/apierror"
	"github.com/retainly/retainly/internal/mailer"
	"github.com/retainly/retainly/model"
	"github.com/sirupsen/logrus"
)

// Mailer delivers one email and returns the provider's message id.
type Mailer interface {
	Send(ctx context.Context, msg mailer.Message) (mailer.SendResult, error)
}

// SendEmailExecutor delivers SendEmail commands and keeps one audit row per command.
type SendEmailExecutor struct {
	retainly *Retainly
}

func (e *SendEmailExecutor) Type() model.CommandType {
	return model.CommandSendEmail
}

// Execute sends the email unless this command already produced an audit row
// or the recipient has opted out. Inside quiet hours the command is deferred to
// the end of the window. Mailer failures are returned so the bus retries.
func (e *SendEmailExecutor) Execute(ctx context.Context, cmd *model.Command) (Result, error) {
	r := e.retainly
	var p model.SendEmailPayload
	if err := cmd.DecodePayload(&p); err != nil {
		return "", backoff.Permanent(fmt.Errorf("decode send email payload: %w", err))
	}
	if p.To == "" || p.AccountID == "" {
		return "", backoff.Permanent(errors.New("send email payload requires to and account_id"))
	}
	if p.Channel == "" {
		p.Channel = model.ChannelEmail
	}
	logger := logrus.WithFields(logrus.Fields{"command_id": cmd.ID, "task_id": p.TaskID, "account_id": p.AccountID})

	existing, err := r.datasource.GetOutboundByCommand(ctx, cmd.ID)
	if err == nil {
		logger.Info("send already recorded for command, skipping")
		if existing.Status == model.OutboundSent {
			return ResultDuplicate, nil
		}
		return ResultSuppressed, nil
	}
	if !apierror.HasCode(err, apierror.ErrNotFound) {
		return "", err
	}

	opted, err := r.guardrails.OptedOut(ctx, p.AccountID, p.Channel, p.To)
	if err != nil {
		return "", err
	}
	if opted {
		if _, err := r.datasource.UpsertOutboundMessage(ctx, e.audit(cmd, p, model.OutboundSuppressed, "")); err != nil {
			return "", err
		}
		if p.TaskID != "" {
			if _, err := r.cancelOptedOut(ctx, p.TaskID); err != nil {
				return "", err
			}
		}
		logger.Info("recipient opted out, send suppressed")
		return ResultSuppressed, nil
	}

	// A send queued before the window opened, or a retry that came due inside
	// it, waits for the window to close.
	now := r.now()
	sendAt, err := r.guardrails.NextSendTime(ctx, p.AccountID, now)
	if err != nil {
		return "", err
	}
	if sendAt.After(now) {
		logger.WithField("send_at", sendAt).Info("quiet hours, send held")
		return "", Defer(sendAt, "quiet hours")
	}

	sendCtx, cancel := context.WithTimeout(ctx, time.Duration(r.config.Outreach.MailTimeoutSeconds)*time.Second)
	defer cancel()
	sent, err := r.mailer.Send(sendCtx, mailer.Message{
		To:      p.To,
		Subject: p.Subject,
		HTML:    p.Body,
		ReplyTo: mailer.ReplyAddress(p.ReplyToken, r.config.Mailer.ReplyDomain),
	})
	if err != nil {
		return "", err
	}

	inserted, err := r.datasource.UpsertOutboundMessage(ctx, e.audit(cmd, p, model.OutboundSent, sent.ID))
	if err != nil {
		return "", err
	}
	if inserted && p.TaskID != "" {
		_, err := r.datasource.AppendConversation(ctx, &model.ConversationEntry{
			TaskID:    p.TaskID,
			Role:      model.RoleAgent,
			Content:   p.Body,
			AgentName: p.AgentName,
			CreatedAt: r.now(),
		})
		if err != nil {
			logger.WithError(err).Error("email sent but conversation entry was not recorded")
		}
	}
	logger.WithField("provider_id", sent.ID).Info("email sent")
	return ResultSent, nil
}

func (e *SendEmailExecutor) audit(cmd *model.Command, p model.SendEmailPayload, status model.OutboundStatus, providerID string) *model.OutboundMessage {
	return &model.OutboundMessage{
		CommandID:  cmd.ID,
		TaskID:     p.TaskID,
		AccountID:  p.AccountID,
		Channel:    p.Channel,
		Recipient:  p.To,
		Subject:    p.Subject,
		Body:       p.Body,
		ReplyToken: p.ReplyToken,
		ProviderID: providerID,
		Status:     status,
		Autonomous: p.Autonomous,
		SentAt:     e.retainly.now(),
	}
}

// OnDeadLetter hands the thread to a human once delivery keeps failing.
func (e *SendEmailExecutor) OnDeadLetter(ctx context.Context, cmd *model.Command, reason string) {
	r := e.retainly
	var p model.SendEmailPayload
	if err := cmd.DecodePayload(&p); err != nil || p.TaskID == "" {
		return
	}
	task, err := r.datasource.TransitionTask(ctx, model.TaskTransition{
		TaskID:        p.TaskID,
		From:          []model.TaskStatus{model.TaskAwaitingReply},
		To:            model.TaskEscalated,
		OutcomeReason: model.ReasonDeliveryFailed,
		At:            r.now(),
		Entries: []*model.ConversationEntry{{
			Role:    model.RoleSystem,
			Content: fmt.Sprintf("Email delivery failed after %d attempts: %s", cmd.AttemptCount, reason),
		}},
	})
	if err != nil {
		if !apierror.HasCode(err, apierror.ErrConflict) {
			logrus.WithError(err).WithField("task_id", p.TaskID).Error("failed to escalate task after delivery failure")
		}
		return
	}
	r.taskWebhook(ctx, task)
}
