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
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/retainly/retainly/config"
	"github.com/retainly/retainly/internal/notification"
	"github.com/retainly/retainly/internal/request"
	"github.com/retainly/retainly/model"
	"github.com/sirupsen/logrus"
)

const (
	EventTaskEscalated       = "task.escalated"
	EventTaskResolved        = "task.resolved"
	EventTaskCancelled       = "task.cancelled"
	EventCommandDeadLettered = "command.dead_lettered"
)

// NewWebhook represents the structure of a webhook notification.
// It includes an event type and associated payload data.
type NewWebhook struct {
	Event   string      `json:"event"` // The event type that triggered the webhook.
	Payload interface{} `json:"data"`  // The data associated with the event.
}

// eventForStatus maps a task status to the webhook event announcing it.
// Statuses without an event return "".
func eventForStatus(status model.TaskStatus) string {
	switch status {
	case model.TaskEscalated:
		return EventTaskEscalated
	case model.TaskResolved:
		return EventTaskResolved
	case model.TaskCancelled:
		return EventTaskCancelled
	default:
		return ""
	}
}

// sendWebhook enqueues an event for delivery. Delivery problems are logged, never returned:
// a webhook must not change the outcome of the operation that produced it.
func (r *Retainly) sendWebhook(ctx context.Context, hook NewWebhook) {
	if r.config.Notification.Webhook.Url == "" || r.queue == nil {
		return
	}
	if err := r.queue.EnqueueWebhook(ctx, hook); err != nil {
		logrus.WithError(err).WithField("event", hook.Event).Warn("webhook not enqueued")
	}
}

func (r *Retainly) taskWebhook(ctx context.Context, task *model.Task) {
	if task == nil {
		return
	}
	if event := eventForStatus(task.Status); event != "" {
		r.sendWebhook(ctx, NewWebhook{Event: event, Payload: task})
	}
}

// commandDeadLettered announces a dead letter to operators through the
// webhook and the Slack error channel.
func (r *Retainly) commandDeadLettered(ctx context.Context, cmd *model.Command, reason string) {
	r.sendWebhook(ctx, NewWebhook{Event: EventCommandDeadLettered, Payload: cmd})
	notification.NotifyError(fmt.Errorf("command %s (%s) dead-lettered after %d attempts: %s",
		cmd.ID, cmd.Type, cmd.AttemptCount, reason))
}

// processHTTP sends a webhook notification via HTTP POST request.
//
// Parameters:
// - ctx context.Context: The context for the request.
// - conf *config.Configuration: The configuration holding the webhook URL and headers.
// - data NewWebhook: The webhook notification data to send.
//
// Returns:
// - error: An error if the request fails or the receiver answers with a non-2xx status.
func processHTTP(ctx context.Context, conf *config.Configuration, data NewWebhook) error {
	payload, err := request.ToJsonReq(data)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, conf.Notification.Webhook.Url, payload)
	if err != nil {
		return err
	}
	for key, value := range conf.Notification.Webhook.Headers {
		req.Header.Set(key, value)
	}
	if _, err := request.Send(req); err != nil {
		return fmt.Errorf("webhook %s: %w", data.Event, err)
	}
	return nil
}

// ProcessWebhook processes a webhook notification task from the queue.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - task *asynq.Task: The task containing the webhook notification data.
//
// Returns:
// - error: An error if the webhook processing fails, so asynq retries it.
func ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logrus.WithError(err).Error("undecodable webhook payload")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	logrus.WithField("event", payload.Event).Info("processing webhook")
	return processHTTP(ctx, conf, payload)
}
