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
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/jarcoal/httpmock"
	"github.com/retainly/retainly/config"
	"github.com/retainly/retainly/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebhookURL = "https://hooks.example.com/retainly"

func withWebhook(cfg *config.Configuration) {
	cfg.Notification.Webhook.Url = testWebhookURL
	cfg.Notification.Webhook.Headers = map[string]string{"X-Signature": "s3cr3t"}
}

func pendingWebhooks(t *testing.T, e *testEngine) []NewWebhook {
	t.Helper()
	tasks, err := e.r.queue.Inspector.ListPendingTasks(e.r.config.Queue.WebhookQueue)
	if err != nil {
		return nil
	}
	hooks := make([]NewWebhook, 0, len(tasks))
	for _, task := range tasks {
		var hook NewWebhook
		require.NoError(t, json.Unmarshal(task.Payload, &hook))
		hooks = append(hooks, hook)
	}
	return hooks
}

func TestTaskWebhookEnqueued(t *testing.T) {
	e := newTestEngine(t, withWebhook)
	task := newOpenTask("acct_1", "member@example.com")
	task.Status = model.TaskResolved

	e.r.taskWebhook(context.Background(), task)

	hooks := pendingWebhooks(t, e)
	require.Len(t, hooks, 1)
	assert.Equal(t, EventTaskResolved, hooks[0].Event)
}

func TestTaskWebhookSkipsUnannouncedStatus(t *testing.T) {
	e := newTestEngine(t, withWebhook)
	task := newOpenTask("acct_1", "member@example.com")
	task.Status = model.TaskAwaitingReply

	e.r.taskWebhook(context.Background(), task)
	e.r.taskWebhook(context.Background(), nil)

	assert.Empty(t, pendingWebhooks(t, e))
}

func TestSendWebhookWithoutURL(t *testing.T) {
	e := newTestEngine(t)
	e.r.sendWebhook(context.Background(), NewWebhook{Event: EventTaskEscalated, Payload: map[string]string{}})

	assert.Empty(t, pendingWebhooks(t, e))
}

func TestEventForStatus(t *testing.T) {
	assert.Equal(t, EventTaskEscalated, eventForStatus(model.TaskEscalated))
	assert.Equal(t, EventTaskResolved, eventForStatus(model.TaskResolved))
	assert.Equal(t, EventTaskCancelled, eventForStatus(model.TaskCancelled))
	assert.Equal(t, "", eventForStatus(model.TaskOpen))
}

func TestProcessWebhook(t *testing.T) {
	cfg := testConfiguration("localhost:6379")
	withWebhook(cfg)
	config.MockConfig(cfg)

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	var received NewWebhook
	httpmock.RegisterResponder(http.MethodPost, testWebhookURL, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "s3cr3t", req.Header.Get("X-Signature"))
		body, _ := io.ReadAll(req.Body)
		_ = json.Unmarshal(body, &received)
		return httpmock.NewStringResponse(http.StatusOK, "ok"), nil
	})

	payload, err := json.Marshal(NewWebhook{Event: EventTaskEscalated, Payload: map[string]string{"id": "task_1"}})
	require.NoError(t, err)

	err = ProcessWebhook(context.Background(), asynq.NewTask(cfg.Queue.WebhookQueue, payload))
	require.NoError(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
	assert.Equal(t, EventTaskEscalated, received.Event)
}

func TestProcessWebhookReceiverError(t *testing.T) {
	cfg := testConfiguration("localhost:6379")
	withWebhook(cfg)
	config.MockConfig(cfg)

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder(http.MethodPost, testWebhookURL, httpmock.NewStringResponder(http.StatusBadGateway, "upstream down"))

	payload, err := json.Marshal(NewWebhook{Event: EventTaskCancelled})
	require.NoError(t, err)

	err = ProcessWebhook(context.Background(), asynq.NewTask(cfg.Queue.WebhookQueue, payload))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task.cancelled")
}

func TestProcessWebhookBadPayload(t *testing.T) {
	cfg := testConfiguration("localhost:6379")
	withWebhook(cfg)
	config.MockConfig(cfg)

	err := ProcessWebhook(context.Background(), asynq.NewTask(cfg.Queue.WebhookQueue, []byte("{not json")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}
