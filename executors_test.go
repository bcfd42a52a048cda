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
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/retainly/retainly/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *testEngine) sendCommand(t *testing.T, task *model.Task) *model.Command {
	t.Helper()
	cmd, err := e.r.bus.Enqueue(context.Background(), model.CommandSendEmail, model.SendEmailPayload{
		To:         task.ContactEmail,
		Subject:    task.Context.DraftSubject,
		Body:       task.Context.DraftBody,
		ReplyToken: task.ID,
		AccountID:  task.AccountID,
		TaskID:     task.ID,
		Channel:    model.ChannelEmail,
		Autonomous: true,
	}, WithDedupeKey(sendDedupeKey(task.ID, task.TouchCount+1)))
	require.NoError(t, err)
	return cmd
}

func TestSendEmail_FailsTwiceThenSucceeds(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.mailer.failFirst = 2
	task := e.seedAwaitingReply(t, "acct_1", "member@example.com", 0)
	cmd := e.sendCommand(t, task)

	res, err := e.r.bus.ProcessNext(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	e.clock.Advance(30 * time.Second)
	res, err = e.r.bus.ProcessNext(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	e.clock.Advance(60 * time.Second)
	res, err = e.r.bus.ProcessNext(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Results[ResultSent])

	got, err := e.r.bus.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CommandCompleted, got.Status)
	assert.Equal(t, 3, got.AttemptCount)

	assert.Equal(t, 3, e.mailer.calls)
	assert.Equal(t, 1, e.mailer.sentCount())
	assert.Len(t, e.store.outboundFor(task.ID, model.OutboundSent), 1)
}

func TestSendEmail_RetryInsideQuietHoursIsHeld(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.mailer.failFirst = 1
	e.clock.Advance(8*time.Hour + 59*time.Minute + 50*time.Second) // 20:59:50 UTC
	task := e.seedAwaitingReply(t, "acct_1", "member@example.com", 0)
	cmd := e.sendCommand(t, task)

	res, err := e.r.bus.ProcessNext(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	e.clock.Advance(40 * time.Second) // 21:00:30 UTC, the retry is due inside the window
	res, err = e.r.bus.ProcessNext(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Deferred)
	assert.Equal(t, 0, res.Results[ResultSent])
	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, e.mailer.calls)
	assert.Equal(t, 0, e.mailer.sentCount())

	morning := time.Date(2025, 3, 11, 8, 0, 0, 0, time.UTC)
	held, err := e.r.bus.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CommandPending, held.Status)
	assert.Equal(t, 1, held.AttemptCount, "holding the send does not use up an attempt")
	assert.True(t, held.AvailableAt.Equal(morning), held.AvailableAt.String())

	e.clock.Advance(10*time.Hour + 59*time.Minute + 30*time.Second) // 08:00 UTC
	res, err = e.r.bus.ProcessNext(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Results[ResultSent])
	assert.Equal(t, 1, e.mailer.sentCount())

	sent, err := e.r.bus.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CommandCompleted, sent.Status)
	assert.Equal(t, 2, sent.AttemptCount)
}

func TestSendEmail_QueuedSendHeldByAccountQuietHours(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	_, err := e.store.UpsertAccountSettings(ctx, &model.AccountSettings{
		AccountID:       "acct_1",
		Timezone:        "UTC",
		QuietHoursStart: intPtr(11),
		QuietHoursEnd:   intPtr(13),
	})
	require.NoError(t, err)
	task := e.seedAwaitingReply(t, "acct_1", "member@example.com", 0)
	e.sendCommand(t, task)

	res, err := e.r.bus.ProcessNext(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)
	assert.Equal(t, 0, e.mailer.calls)
	assert.Empty(t, e.store.outboundFor(task.ID, model.OutboundSent))
}

func TestSendEmail_RepeatedExecutionSendsOnce(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	task := e.seedAwaitingReply(t, "acct_1", "member@example.com", 0)
	cmd := e.sendCommand(t, task)
	exec := &SendEmailExecutor{retainly: e.r}

	first, err := exec.Execute(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, ResultSent, first)

	second, err := exec.Execute(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, second)

	assert.Equal(t, 1, e.mailer.sentCount())
	history, err := e.store.GetConversationHistory(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, model.CountAgentMessages(history))
}

func TestSendEmail_OptedOutIsSuppressed(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	task := e.seedAwaitingReply(t, "acct_1", "member@example.com", 1)
	cmd := e.sendCommand(t, task)
	require.NoError(t, e.store.CreateOptOut(ctx, &model.OptOut{AccountID: "acct_1", Channel: model.ChannelEmail, Contact: "member@example.com"}))

	res, err := e.r.bus.ProcessNext(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Results[ResultSuppressed])
	assert.Equal(t, 0, e.mailer.calls)

	suppressed := e.store.outboundFor(task.ID, model.OutboundSuppressed)
	require.Len(t, suppressed, 1)
	assert.Equal(t, cmd.ID, suppressed[0].CommandID)

	got := e.store.task(t, task.ID)
	assert.Equal(t, model.TaskCancelled, got.Status)
	assert.Equal(t, model.ReasonOptedOut, got.OutcomeReason)
}

func TestSendEmail_InvalidPayloadFails(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	cmd, err := e.r.bus.Enqueue(ctx, model.CommandSendEmail, model.SendEmailPayload{Subject: "no recipient"})
	require.NoError(t, err)

	_, err = (&SendEmailExecutor{retainly: e.r}).Execute(ctx, cmd)
	var permanent *backoff.PermanentError
	assert.ErrorAs(t, err, &permanent)
}

func TestSendEmail_DeadLetterEscalatesThread(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	task := e.seedAwaitingReply(t, "acct_1", "member@example.com", 1)
	cmd := e.sendCommand(t, task)
	cmd.AttemptCount = 3

	(&SendEmailExecutor{retainly: e.r}).OnDeadLetter(ctx, cmd, "smtp 554")

	got := e.store.task(t, task.ID)
	assert.Equal(t, model.TaskEscalated, got.Status)
	assert.Equal(t, model.ReasonDeliveryFailed, got.OutcomeReason)
	history, err := e.store.GetConversationHistory(ctx, task.ID)
	require.NoError(t, err)
	assert.Contains(t, history[len(history)-1].Content, "smtp 554")
}

func (e *testEngine) evaluateCommand(t *testing.T, task *model.Task, lease time.Time) *model.Command {
	t.Helper()
	due := e.clock.Now().Add(-time.Second)
	cmd, err := e.r.bus.NewCommand(model.CommandEvaluateFollowUp, model.EvaluateFollowUpPayload{
		TaskID:     task.ID,
		DueAt:      due,
		LeaseUntil: lease,
	})
	require.NoError(t, err)
	return cmd
}

// leaseTask puts the scheduler's lease on a seeded task.
func (e *testEngine) leaseTask(t *testing.T, task *model.Task) time.Time {
	t.Helper()
	lease := e.clock.Now().Add(15 * time.Minute)
	due, err := e.store.ClaimDueFollowUps(context.Background(), e.clock.Now(), lease, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, task.ID, due[0].Task.ID)
	return lease
}

func TestEvaluateFollowUp_StaleLease(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.reasoner.responses = []string{waitThreeDays}
	task := e.seedAwaitingReply(t, "acct_1", "member@example.com", 1)
	lease := e.leaseTask(t, task)

	cmd := e.evaluateCommand(t, task, lease.Add(-time.Minute))
	res, err := (&EvaluateFollowUpExecutor{retainly: e.r}).Execute(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, ResultStale, res)
	assert.Equal(t, 0, e.reasoner.callCount())
}

func TestEvaluateFollowUp_MissingTaskIsPermanent(t *testing.T) {
	e := newTestEngine(t)
	cmd := e.evaluateCommand(t, &model.Task{ID: "task_missing"}, e.clock.Now())

	_, err := (&EvaluateFollowUpExecutor{retainly: e.r}).Execute(context.Background(), cmd)
	var permanent *backoff.PermanentError
	assert.ErrorAs(t, err, &permanent)
}

func TestEvaluateFollowUp_ExpiredThreadCloses(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.reasoner.responses = []string{followUpNudge}
	task := e.seedAwaitingReply(t, "acct_1", "member@example.com", 1)
	task.CreatedAt = e.clock.Now().AddDate(0, 0, -31)
	e.store.putTask(task)
	lease := e.leaseTask(t, task)

	res, err := (&EvaluateFollowUpExecutor{retainly: e.r}).Execute(ctx, e.evaluateCommand(t, task, lease))
	require.NoError(t, err)
	assert.Equal(t, ResultClosed, res)
	assert.Equal(t, 0, e.reasoner.callCount())

	got := e.store.task(t, task.ID)
	assert.Equal(t, model.TaskResolved, got.Status)
	assert.Equal(t, model.ReasonThreadExpired, got.OutcomeReason)
}

func TestEvaluateFollowUp_ReplyAfterCeilingEscalates(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.reasoner.responses = []string{followUpNudge}
	task := e.seedAwaitingReply(t, "acct_1", "member@example.com", 4)
	_, err := e.store.AppendConversation(ctx, &model.ConversationEntry{
		TaskID:    task.ID,
		Role:      model.RoleMember,
		Content:   "What time does the Saturday class start?",
		CreatedAt: e.clock.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	lease := e.leaseTask(t, task)

	res, err := (&EvaluateFollowUpExecutor{retainly: e.r}).Execute(ctx, e.evaluateCommand(t, task, lease))
	require.NoError(t, err)
	assert.Equal(t, ResultEscalated, res)
	assert.Equal(t, 1, e.reasoner.callCount(), "a member reply is always evaluated")
	assert.Equal(t, model.TaskEscalated, e.store.task(t, task.ID).Status)
	assert.Empty(t, e.store.commandsOfType(model.CommandSendEmail))
}

func TestEvaluateFollowUp_DeadLetterReschedules(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	task := e.seedAwaitingReply(t, "acct_1", "member@example.com", 1)
	lease := e.leaseTask(t, task)

	(&EvaluateFollowUpExecutor{retainly: e.r}).OnDeadLetter(ctx, e.evaluateCommand(t, task, lease), "reasoner: timeout")

	got := e.store.task(t, task.ID)
	assert.Equal(t, model.TaskAwaitingReply, got.Status)
	assert.True(t, got.NextActionAt.Equal(e.clock.Now().AddDate(0, 0, 1)))
}

func TestFollowUpSubject(t *testing.T) {
	assert.Equal(t, "Quick question", followUpSubject(" Quick question ", "Draft"))
	assert.Equal(t, "Re: Draft", followUpSubject("", "Draft"))
	assert.Equal(t, "RE: Draft", followUpSubject("", "RE: Draft"))
	assert.Equal(t, "Following up", followUpSubject("", ""))
}
