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
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/retainly/retainly/config"
	redis_db "github.com/retainly/retainly/internal/redis-db"
	"github.com/sirupsen/logrus"
)

// TickTaskType is the asynq task type that triggers one scheduler tick.
const TickTaskType = "retainly:tick"

// Queue wraps the asynq client used for fire-and-forget background work:
// outbound webhook events and periodic tick triggers.
type Queue struct {
	Client       *asynq.Client
	Inspector    *asynq.Inspector
	webhookQueue string
	tickQueue    string
}

// NewQueue initializes a new Queue instance with the provided configuration.
//
// Parameters:
// - conf *config.Configuration: The configuration for the queue.
//
// Returns:
// - *Queue: A pointer to the newly created Queue instance.
func NewQueue(conf *config.Configuration) *Queue {
	opt, err := QueueRedisOpt(conf)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}
	return &Queue{
		Client:       asynq.NewClient(opt),
		Inspector:    asynq.NewInspector(opt),
		webhookQueue: conf.Queue.WebhookQueue,
		tickQueue:    conf.Queue.TickQueue,
	}
}

// QueueRedisOpt converts the configured Redis address into asynq connection options.
func QueueRedisOpt(conf *config.Configuration) (asynq.RedisClientOpt, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{
		Addr:      redisOption.Addr,
		Username:  redisOption.Username,
		Password:  redisOption.Password,
		DB:        redisOption.DB,
		TLSConfig: redisOption.TLSConfig,
	}, nil
}

// EnqueueWebhook schedules delivery of an event to the configured webhook URL.
func (q *Queue) EnqueueWebhook(ctx context.Context, hook NewWebhook) error {
	payload, err := json.Marshal(hook)
	if err != nil {
		return err
	}
	task := asynq.NewTask(q.webhookQueue, payload, asynq.Queue(q.webhookQueue), asynq.MaxRetry(5))
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		logrus.WithError(err).WithField("event", hook.Event).Error("failed to enqueue webhook")
		return err
	}
	logrus.WithFields(logrus.Fields{"event": hook.Event, "task_id": info.ID}).Debug("webhook enqueued")
	return nil
}

// NewTickTask builds the task registered with the asynq scheduler. A tick that
// is still queued when the next one fires is not duplicated.
func (q *Queue) NewTickTask(interval time.Duration) *asynq.Task {
	return asynq.NewTask(TickTaskType, nil, asynq.Queue(q.tickQueue), asynq.MaxRetry(0), asynq.Unique(interval))
}

// ProcessTickTask runs one tick for a task delivered by the asynq server.
func (r *Retainly) ProcessTickTask(ctx context.Context, _ *asynq.Task) error {
	summary, err := r.Tick(ctx)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"status":    summary.Status,
		"sent":      summary.Sent,
		"evaluated": summary.Evaluated,
		"errors":    len(summary.Errors),
	}).Info("scheduled tick finished")
	return nil
}

// Close releases the queue's Redis connections.
func (q *Queue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		return err
	}
	return q.Client.Close()
}
