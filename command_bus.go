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
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/retainly/retainly/database"
	"github.com/retainly/retainly/internal/apierror"
	"github.com/retainly/retainly/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Result names what an executor did with a command that completed.
type Result string

const (
	ResultSent       Result = "sent"
	ResultDuplicate  Result = "duplicate"
	ResultSuppressed Result = "suppressed"
	ResultStale      Result = "stale"
	ResultDeferred   Result = "deferred"
	ResultWaiting    Result = "waiting"
	ResultFollowUp   Result = "follow_up"
	ResultClosed     Result = "closed"
	ResultEscalated  Result = "escalated"
	ResultCancelled  Result = "cancelled"
)

// Executor performs the side effect of one command type. Execute may be called
// more than once for the same command and must be safe to repeat.
// Wrapping the error with backoff.Permanent marks the command failed without retries.
type Executor interface {
	Type() model.CommandType
	Execute(ctx context.Context, cmd *model.Command) (Result, error)
}

// DeferError hands a command back to the queue until Until. The attempt the
// claim used is given back, so a deferral never moves a command toward dead_letter.
type DeferError struct {
	Until  time.Time
	Reason string
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("deferred until %s: %s", e.Until.Format(time.RFC3339), e.Reason)
}

// Defer is returned by an executor that must not act before until.
func Defer(until time.Time, reason string) error {
	return &DeferError{Until: until, Reason: reason}
}

// DeadLetterHandler is implemented by executors that must react when their
// command exhausts its attempts.
type DeadLetterHandler interface {
	OnDeadLetter(ctx context.Context, cmd *model.Command, reason string)
}

// BusOptions configures a CommandBus. Zero values fall back to defaults.
type BusOptions struct {
	MaxAttempts    int
	CommandTimeout time.Duration
	StaleAfter     time.Duration
	RetryDelay     time.Duration
	Workers        int
	Clock          func() time.Time
	OnDeadLetter   func(ctx context.Context, cmd *model.Command, reason string)
}

// CommandBus claims pending commands and dispatches them to registered executors.
type CommandBus struct {
	store     database.IDataSource
	opts      BusOptions
	mu        sync.RWMutex
	executors map[model.CommandType]Executor
}

// BatchResult summarizes one ProcessNext pass.
type BatchResult struct {
	Claimed      int            `json:"claimed"`
	Completed    int            `json:"completed"`
	Retried      int            `json:"retried"`
	Deferred     int            `json:"deferred"`
	DeadLettered int            `json:"dead_lettered"`
	Failed       int            `json:"failed"`
	Results      map[Result]int `json:"results"`
	Errors       []string       `json:"errors"`
}

func (b *BatchResult) merge(o BatchResult) {
	b.Claimed += o.Claimed
	b.Completed += o.Completed
	b.Retried += o.Retried
	b.Deferred += o.Deferred
	b.DeadLettered += o.DeadLettered
	b.Failed += o.Failed
	if b.Results == nil {
		b.Results = map[Result]int{}
	}
	for k, v := range o.Results {
		b.Results[k] += v
	}
	b.Errors = append(b.Errors, o.Errors...)
}

// EnqueueOption customizes a command before it is stored.
type EnqueueOption func(*model.Command)

func WithMaxAttempts(n int) EnqueueOption {
	return func(c *model.Command) {
		if n > 0 {
			c.MaxAttempts = n
		}
	}
}

// WithDedupeKey makes the enqueue idempotent: a second command with the same
// key is not created and the first one is returned instead.
func WithDedupeKey(key string) EnqueueOption {
	return func(c *model.Command) {
		c.DedupeKey = key
	}
}

func WithAvailableAt(at time.Time) EnqueueOption {
	return func(c *model.Command) {
		c.AvailableAt = at
	}
}

func NewCommandBus(store database.IDataSource, opts BusOptions) *CommandBus {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = model.DefaultMaxAttempts
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 20 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 30 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &CommandBus{store: store, opts: opts, executors: map[model.CommandType]Executor{}}
}

// Register adds an executor, replacing any previous one for the same type.
func (b *CommandBus) Register(e Executor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.executors[e.Type()] = e
}

func (b *CommandBus) executor(t model.CommandType) (Executor, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.executors[t]
	return e, ok
}

// NewCommand builds a pending command without storing it, for callers that
// persist it together with other changes.
func (b *CommandBus) NewCommand(t model.CommandType, payload interface{}, opts ...EnqueueOption) (*model.Command, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Command payload is not serializable", err)
	}
	now := b.opts.Clock()
	cmd := &model.Command{
		ID:          model.GenerateUUIDWithSuffix("cmd"),
		Type:        t,
		Payload:     raw,
		Status:      model.CommandPending,
		MaxAttempts: b.opts.MaxAttempts,
		CreatedAt:   now,
		AvailableAt: now,
	}
	for _, opt := range opts {
		opt(cmd)
	}
	return cmd, nil
}

// Enqueue stores a pending command.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - t model.CommandType: The command type, used to pick the executor.
// - payload interface{}: The executor input, stored as JSON.
// - opts ...EnqueueOption: Optional max attempts, dedupe key or delayed availability.
//
// Returns:
// - *model.Command: The stored command, or the earlier one sharing its dedupe key.
// - error: An error if the command could not be stored.
func (b *CommandBus) Enqueue(ctx context.Context, t model.CommandType, payload interface{}, opts ...EnqueueOption) (*model.Command, error) {
	ctx, span := tracer.Start(ctx, "CommandBus.Enqueue", trace.WithAttributes(attribute.String("command.type", string(t))))
	defer span.End()

	cmd, err := b.NewCommand(t, payload, opts...)
	if err != nil {
		return nil, err
	}
	stored, err := b.store.CreateCommand(ctx, cmd)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"command_id": stored.ID, "type": t}).Debug("command enqueued")
	return stored, nil
}

// ProcessNext claims up to limit commands and runs each through its executor.
// A failing command never stops the rest of the batch; the returned error is
// only set when the claim itself failed.
func (b *CommandBus) ProcessNext(ctx context.Context, limit int) (BatchResult, error) {
	ctx, span := tracer.Start(ctx, "CommandBus.ProcessNext")
	defer span.End()

	result := BatchResult{Results: map[Result]int{}}
	now := b.opts.Clock()
	cmds, err := b.store.ClaimCommands(ctx, limit, now, now.Add(-b.opts.StaleAfter))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return result, err
	}
	result.Claimed = len(cmds)
	span.SetAttributes(attribute.Int("commands.claimed", len(cmds)))
	if len(cmds) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, b.opts.Workers)
	for _, cmd := range cmds {
		sem <- struct{}{}
		wg.Add(1)
		go func(cmd *model.Command) {
			defer wg.Done()
			defer func() { <-sem }()
			one := b.dispatch(ctx, cmd)
			mu.Lock()
			result.merge(one)
			mu.Unlock()
		}(cmd)
	}
	wg.Wait()
	result.Claimed = len(cmds)
	return result, nil
}

func (b *CommandBus) dispatch(ctx context.Context, cmd *model.Command) BatchResult {
	ctx, span := tracer.Start(ctx, "CommandBus.Dispatch", trace.WithAttributes(
		attribute.String("command.id", cmd.ID),
		attribute.String("command.type", string(cmd.Type)),
		attribute.Int("command.attempt", cmd.AttemptCount),
	))
	defer span.End()

	res := BatchResult{Results: map[Result]int{}}
	logger := logrus.WithFields(logrus.Fields{"command_id": cmd.ID, "type": cmd.Type, "attempt": cmd.AttemptCount})

	exec, ok := b.executor(cmd.Type)
	if !ok {
		reason := fmt.Sprintf("no executor registered for %s", cmd.Type)
		logger.Error(reason)
		b.settle(ctx, &res, cmd, b.store.FailCommand(ctx, cmd.ID, cmd.ClaimToken, reason, b.opts.Clock()))
		res.Failed++
		res.Errors = append(res.Errors, fmt.Sprintf("command %s: %s", cmd.ID, reason))
		return res
	}

	outcome, err := b.execute(ctx, exec, cmd)
	at := b.opts.Clock()
	if err == nil {
		if b.settle(ctx, &res, cmd, b.store.CompleteCommand(ctx, cmd.ID, cmd.ClaimToken, at)) {
			res.Completed++
			res.Results[outcome]++
		}
		return res
	}

	var deferred *DeferError
	if errors.As(err, &deferred) {
		logger.WithFields(logrus.Fields{"until": deferred.Until, "reason": deferred.Reason}).Info("command deferred")
		if b.settle(ctx, &res, cmd, b.store.DeferCommand(ctx, cmd.ID, cmd.ClaimToken, deferred.Until)) {
			res.Deferred++
		}
		return res
	}

	span.RecordError(err)
	res.Errors = append(res.Errors, fmt.Sprintf("command %s (%s): %v", cmd.ID, cmd.Type, err))

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		logger.WithError(err).Error("command failed permanently")
		if b.settle(ctx, &res, cmd, b.store.FailCommand(ctx, cmd.ID, cmd.ClaimToken, err.Error(), at)) {
			res.Failed++
		}
		return res
	}

	if cmd.AttemptsExhausted() {
		logger.WithError(err).Error("command exhausted its attempts")
		if b.settle(ctx, &res, cmd, b.store.DeadLetterCommand(ctx, cmd.ID, cmd.ClaimToken, err.Error(), at)) {
			res.DeadLettered++
			b.deadLettered(ctx, exec, cmd, err.Error())
		}
		return res
	}

	logger.WithError(err).Warn("command failed, scheduling retry")
	if b.settle(ctx, &res, cmd, b.store.RetryCommand(ctx, cmd.ID, cmd.ClaimToken, err.Error(), at.Add(b.retryDelay(cmd.AttemptCount)))) {
		res.Retried++
	}
	return res
}

// settle records a failed status write. A lost claim means another pass
// re-claimed the command and owns its outcome now.
func (b *CommandBus) settle(ctx context.Context, res *BatchResult, cmd *model.Command, err error) bool {
	if err == nil {
		return true
	}
	if apierror.HasCode(err, apierror.ErrStaleClaim) {
		logrus.WithField("command_id", cmd.ID).Warn("claim lost before the command was settled")
		return false
	}
	res.Errors = append(res.Errors, fmt.Sprintf("command %s: settle: %v", cmd.ID, err))
	return false
}

func (b *CommandBus) execute(ctx context.Context, exec Executor, cmd *model.Command) (outcome Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.CommandTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("executor panicked: %v", rec)
		}
	}()
	return exec.Execute(ctx, cmd)
}

// retryDelay grows exponentially with the attempt number.
func (b *CommandBus) retryDelay(attempt int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.opts.RetryDelay
	eb.RandomizationFactor = 0
	eb.Multiplier = 2
	eb.MaxInterval = time.Hour
	eb.MaxElapsedTime = 0
	eb.Reset()

	delay := eb.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = eb.NextBackOff()
	}
	return delay
}

func (b *CommandBus) deadLettered(ctx context.Context, exec Executor, cmd *model.Command, reason string) {
	if handler, ok := exec.(DeadLetterHandler); ok {
		handler.OnDeadLetter(ctx, cmd, reason)
	}
	if b.opts.OnDeadLetter != nil {
		b.opts.OnDeadLetter(ctx, cmd, reason)
	}
}

// ExpireStale dead-letters commands that were claimed on their final attempt
// and never reported back, and runs their dead-letter handlers.
func (b *CommandBus) ExpireStale(ctx context.Context) (int, error) {
	now := b.opts.Clock()
	expired, err := b.store.ExpireStaleCommands(ctx, now.Add(-b.opts.StaleAfter), now)
	if err != nil {
		return 0, err
	}
	for _, cmd := range expired {
		reason := "claim expired on final attempt"
		if exec, ok := b.executor(cmd.Type); ok {
			b.deadLettered(ctx, exec, cmd, reason)
		} else if b.opts.OnDeadLetter != nil {
			b.opts.OnDeadLetter(ctx, cmd, reason)
		}
	}
	return len(expired), nil
}

// Requeue gives a dead-lettered or failed command a fresh attempt budget.
func (b *CommandBus) Requeue(ctx context.Context, id string) (*model.Command, error) {
	return b.store.RequeueCommand(ctx, id, b.opts.Clock())
}

func (b *CommandBus) Get(ctx context.Context, id string) (*model.Command, error) {
	return b.store.GetCommand(ctx, id)
}

func (b *CommandBus) List(ctx context.Context, status model.CommandStatus, limit, offset int) ([]*model.Command, error) {
	return b.store.ListCommands(ctx, status, limit, offset)
}

func (b *CommandBus) ListDeadLetters(ctx context.Context, limit, offset int) ([]*model.Command, error) {
	return b.store.ListCommands(ctx, model.CommandDeadLetter, limit, offset)
}
