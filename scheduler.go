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
	"strings"
	"time"

	"github.com/retainly/retainly/internal/apierror"
	redlock "github.com/retainly/retainly/internal/lock"
	"github.com/retainly/retainly/internal/notification"
	"github.com/retainly/retainly/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tickLockKey = "retainly:tick"

type TickStatus string

const (
	TickOK              TickStatus = "ok"
	TickPartial         TickStatus = "partial"
	TickSkippedInFlight TickStatus = "skipped_in_flight"
)

// TickSummary reports what one tick did. Errors lists every per-item failure;
// a non-empty list makes the tick partial but never fails it.
type TickSummary struct {
	Status       TickStatus `json:"status"`
	Sent         int        `json:"sent"`
	Skipped      int        `json:"skipped"`
	Escalated    int        `json:"escalated"`
	Closed       int        `json:"closed"`
	Cancelled    int        `json:"cancelled"`
	Deferred     int        `json:"deferred"`
	DeadLettered int        `json:"dead_lettered"`
	Evaluated    int        `json:"evaluated"`
	Errors       []string   `json:"errors"`
	StartedAt    time.Time  `json:"started_at"`
	DurationMs   int64      `json:"duration_ms"`
}

func (s *TickSummary) fail(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	logrus.Error(msg)
	s.Errors = append(s.Errors, msg)
}

// absorb folds the outcome of a command batch into the summary.
func (s *TickSummary) absorb(b BatchResult) {
	s.Sent += b.Results[ResultSent]
	s.Skipped += b.Results[ResultDuplicate] + b.Results[ResultStale]
	s.Cancelled += b.Results[ResultSuppressed] + b.Results[ResultCancelled]
	s.Deferred += b.Results[ResultDeferred] + b.Deferred
	s.Escalated += b.Results[ResultEscalated]
	s.Closed += b.Results[ResultClosed]
	s.Evaluated += b.Results[ResultWaiting] + b.Results[ResultFollowUp] + b.Results[ResultClosed] +
		b.Results[ResultEscalated] + b.Results[ResultDeferred]
	s.DeadLettered += b.DeadLettered
	s.Errors = append(s.Errors, b.Errors...)
}

// Tick runs one bounded scheduler pass: recover stale commands, drain the
// command queue, start autonomous sends, hand due follow-ups to the evaluator
// and drain again so the work queued by this tick is attempted right away.
//
// Every step selects its work through a conditional update, so overlapping
// ticks never act on the same command or task twice. When Redis is available
// a tick that finds another one in flight returns immediately.
//
// Parameters:
// - ctx context.Context: The context for the operation.
//
// Returns:
// - TickSummary: The counts and per-item errors of the pass.
// - error: An error only when the pass could not run at all.
func (r *Retainly) Tick(ctx context.Context) (TickSummary, error) {
	ctx, span := tracer.Start(ctx, "Tick")
	defer span.End()

	cfg := r.config.Scheduler
	timeout := time.Duration(cfg.TickTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	summary := TickSummary{Status: TickOK, StartedAt: r.now(), Errors: []string{}}

	if err := r.datasource.Ping(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store unreachable")
		err = fmt.Errorf("tick aborted, store unreachable: %w", err)
		notification.NotifyError(err)
		return summary, err
	}

	if r.redis != nil {
		locker := redlock.NewLocker(r.redis, tickLockKey, "")
		err := locker.Lock(ctx, timeout)
		switch {
		case errors.Is(err, redlock.ErrLockHeld):
			logrus.Info("another tick is in flight, skipping")
			summary.Status = TickSkippedInFlight
			return summary, nil
		case err != nil:
			logrus.WithError(err).Warn("tick lock unavailable, running without it")
		default:
			defer func() {
				if err := locker.Unlock(context.Background()); err != nil {
					logrus.WithError(err).Debug("tick lock release failed")
				}
			}()
		}
	}

	if expired, err := r.bus.ExpireStale(ctx); err != nil {
		summary.fail("expire stale commands: %v", err)
	} else {
		summary.DeadLettered += expired
	}

	r.drain(ctx, &summary)
	r.runAutopilot(ctx, &summary)
	r.scheduleFollowUps(ctx, &summary)
	for i := 0; i < cfg.FlushRounds; i++ {
		if r.drain(ctx, &summary) == 0 {
			break
		}
	}

	if len(summary.Errors) > 0 {
		summary.Status = TickPartial
	}
	summary.DurationMs = time.Since(started).Milliseconds()
	span.SetAttributes(
		attribute.Int("tick.sent", summary.Sent),
		attribute.Int("tick.evaluated", summary.Evaluated),
		attribute.Int("tick.errors", len(summary.Errors)),
	)
	logrus.WithFields(logrus.Fields{
		"status":        summary.Status,
		"sent":          summary.Sent,
		"skipped":       summary.Skipped,
		"escalated":     summary.Escalated,
		"closed":        summary.Closed,
		"cancelled":     summary.Cancelled,
		"deferred":      summary.Deferred,
		"dead_lettered": summary.DeadLettered,
		"errors":        len(summary.Errors),
		"duration_ms":   summary.DurationMs,
	}).Info("tick finished")
	return summary, nil
}

// drain processes one batch of commands and returns how many were claimed.
func (r *Retainly) drain(ctx context.Context, s *TickSummary) int {
	if ctx.Err() != nil {
		return 0
	}
	batch, err := r.bus.ProcessNext(ctx, r.config.Scheduler.CommandBatchSize)
	if err != nil {
		s.fail("process commands: %v", err)
		return 0
	}
	s.absorb(batch)
	return batch.Claimed
}

// runAutopilot queues the draft of every open task that may be sent without
// approval and passes the guardrails.
func (r *Retainly) runAutopilot(ctx context.Context, s *TickSummary) {
	tasks, err := r.datasource.ListAutopilotCandidates(ctx, r.config.Scheduler.TaskBatchSize)
	if err != nil {
		s.fail("list autopilot candidates: %v", err)
		return
	}

	now := r.now()
	queued := map[string]int{}
	for _, task := range tasks {
		if ctx.Err() != nil {
			s.fail("tick deadline reached with autopilot tasks left")
			return
		}
		verdict, err := r.guardrails.CheckSend(ctx, SendCheck{
			AccountID:  task.AccountID,
			Channel:    task.Context.Channel,
			Contact:    task.ContactEmail,
			Autonomous: true,
			Pending:    queued[task.AccountID],
			At:         now,
		})
		if err != nil {
			s.fail("task %s: guardrails: %v", task.ID, err)
			continue
		}

		switch verdict {
		case VerdictOptedOut:
			cancelled, err := r.cancelOptedOut(ctx, task.ID)
			if err != nil {
				s.fail("task %s: cancel opted out: %v", task.ID, err)
			} else if cancelled != nil {
				s.Cancelled++
			}
			continue
		case VerdictQuietHours, VerdictDailyCap:
			s.Skipped++
			continue
		}

		if strings.TrimSpace(task.Context.DraftBody) == "" {
			r.parkWithoutDraft(ctx, task, s)
			continue
		}
		if _, _, err := r.sendDraft(ctx, task, []model.TaskStatus{model.TaskOpen}, true, now); err != nil {
			if apierror.HasCode(err, apierror.ErrConflict) {
				s.Skipped++
				continue
			}
			s.fail("task %s: queue draft: %v", task.ID, err)
			continue
		}
		queued[task.AccountID]++
	}
}

// parkWithoutDraft hands an autopilot task with nothing to send to an operator.
func (r *Retainly) parkWithoutDraft(ctx context.Context, task *model.Task, s *TickSummary) {
	_, err := r.datasource.TransitionTask(ctx, model.TaskTransition{
		TaskID: task.ID,
		From:   []model.TaskStatus{model.TaskOpen},
		To:     model.TaskAwaitingApproval,
		At:     r.now(),
		Entries: []*model.ConversationEntry{{
			Role:    model.RoleSystem,
			Content: "No draft to send, waiting for an operator",
		}},
	})
	if err != nil && !apierror.HasCode(err, apierror.ErrConflict) {
		s.fail("task %s: park without draft: %v", task.ID, err)
		return
	}
	s.Skipped++
}

// scheduleFollowUps leases every due awaiting_reply task and queues its
// evaluation. Opt-outs cancel the thread; quiet hours hand it back untouched.
// The daily cap is only checked once a follow-up is actually drafted, so a
// thread can still be closed or escalated on a capped day.
func (r *Retainly) scheduleFollowUps(ctx context.Context, s *TickSummary) {
	now := r.now()
	lease := now.Add(time.Duration(r.config.Scheduler.FollowUpLeaseSeconds) * time.Second).Truncate(time.Microsecond)
	due, err := r.datasource.ClaimDueFollowUps(ctx, now, lease, r.config.Scheduler.TaskBatchSize)
	if err != nil {
		s.fail("claim due follow-ups: %v", err)
		return
	}

	for _, d := range due {
		task := d.Task
		if ctx.Err() != nil {
			// The lease runs out on its own and the task is picked up by a later tick.
			s.fail("tick deadline reached with due follow-ups left")
			return
		}
		verdict, err := r.guardrails.CheckSend(ctx, SendCheck{
			AccountID: task.AccountID,
			Channel:   task.Context.Channel,
			Contact:   task.ContactEmail,
			At:        now,
		})
		if err != nil {
			s.fail("task %s: guardrails: %v", task.ID, err)
			r.releaseFollowUp(ctx, d, lease, s)
			continue
		}

		switch verdict {
		case VerdictOptedOut:
			cancelled, err := r.cancelOptedOut(ctx, task.ID)
			if err != nil {
				s.fail("task %s: cancel opted out: %v", task.ID, err)
			} else if cancelled != nil {
				s.Cancelled++
			}
			continue
		case VerdictQuietHours:
			if r.releaseFollowUp(ctx, d, lease, s) {
				s.Deferred++
			}
			continue
		}

		_, err = r.bus.Enqueue(ctx, model.CommandEvaluateFollowUp, model.EvaluateFollowUpPayload{
			TaskID:     task.ID,
			DueAt:      d.DueAt,
			LeaseUntil: lease,
		}, WithDedupeKey(fmt.Sprintf("evaluate_follow_up:%s:%d", task.ID, lease.UnixMicro())))
		if err != nil {
			s.fail("task %s: queue evaluation: %v", task.ID, err)
			r.releaseFollowUp(ctx, d, lease, s)
		}
	}
}

// releaseFollowUp gives a leased task its original due time back.
func (r *Retainly) releaseFollowUp(ctx context.Context, d model.DueTask, lease time.Time, s *TickSummary) bool {
	dueAt := d.DueAt
	_, err := r.datasource.TransitionTask(ctx, model.TaskTransition{
		TaskID:             d.Task.ID,
		From:               []model.TaskStatus{model.TaskAwaitingReply},
		To:                 model.TaskAwaitingReply,
		NextActionAt:       &dueAt,
		ExpectNextActionAt: &lease,
		At:                 r.now(),
	})
	if err != nil {
		if !apierror.HasCode(err, apierror.ErrConflict) {
			s.fail("task %s: release lease: %v", d.Task.ID, err)
		}
		return false
	}
	return true
}
