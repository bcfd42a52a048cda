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
	"embed"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/retainly/retainly/config"
	"github.com/retainly/retainly/database"
	redis_db "github.com/retainly/retainly/internal/redis-db"
	"go.opentelemetry.io/otel"
)

// Retainly is the outreach engine: it owns the command bus, the task lifecycle
// and the scheduler tick, and talks to the outside world through a Mailer and a Reasoner.
type Retainly struct {
	datasource database.IDataSource
	redis      redis.UniversalClient
	queue      *Queue
	bus        *CommandBus
	guardrails *Guardrails
	evaluator  *Evaluator
	mailer     Mailer
	config     *config.Configuration
	now        func() time.Time
}

//go:embed sql/*.sql
var SQLFiles embed.FS

var tracer = otel.Tracer("retainly")

// NewRetainly wires the engine from the loaded configuration.
//
// Parameters:
// - db database.IDataSource: The datasource for all durable state.
// - mailer Mailer: The email transport used by the SendEmail executor.
// - reasoner Reasoner: The reasoning capability consulted by the follow-up evaluator.
//
// Returns:
// - *Retainly: The engine with its executors registered.
// - error: An error if the configuration is missing or Redis is unreachable.
func NewRetainly(db database.IDataSource, mailer Mailer, reasoner Reasoner) (*Retainly, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewFromDNS(cfg.Redis.Dns, cfg.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}

	r := &Retainly{
		datasource: db,
		redis:      redisClient.Client(),
		queue:      NewQueue(cfg),
		mailer:     mailer,
		config:     cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
	r.guardrails = NewGuardrails(db, db, db, cfg.Outreach)
	r.evaluator = NewEvaluator(reasoner, CadencePolicyFromConfig(cfg.Outreach),
		time.Duration(cfg.Outreach.ReasonerTimeoutSeconds)*time.Second)
	r.bus = NewCommandBus(db, BusOptions{
		MaxAttempts:    cfg.Outreach.MaxAttempts,
		CommandTimeout: time.Duration(cfg.Scheduler.CommandTimeoutSeconds) * time.Second,
		StaleAfter:     time.Duration(cfg.Scheduler.StaleClaimSeconds) * time.Second,
		RetryDelay:     time.Duration(cfg.Scheduler.RetryDelaySeconds) * time.Second,
		Workers:        cfg.Queue.Concurrency,
		Clock:          r.clock,
		OnDeadLetter:   r.commandDeadLettered,
	})
	r.bus.Register(&SendEmailExecutor{retainly: r})
	r.bus.Register(&EvaluateFollowUpExecutor{retainly: r})
	return r, nil
}

func (r *Retainly) clock() time.Time {
	return r.now()
}

// Bus exposes the command bus to collaborators that need guaranteed delivery.
func (r *Retainly) Bus() *CommandBus {
	return r.bus
}

// Queue exposes the asynq queue used for webhooks and the scheduled tick.
func (r *Retainly) Queue() *Queue {
	return r.queue
}

// Close releases the engine's Redis connections.
func (r *Retainly) Close() error {
	var errs []error
	if r.queue != nil {
		errs = append(errs, r.queue.Close())
	}
	if r.redis != nil {
		errs = append(errs, r.redis.Close())
	}
	return errors.Join(errs...)
}

// Ping reports whether the durable store is reachable.
func (r *Retainly) Ping(ctx context.Context) error {
	return r.datasource.Ping(ctx)
}
