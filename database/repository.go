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

package database

import (
	"context"
	"time"

	"github.com/retainly/retainly/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	command         // Durable command queue
	task            // Outreach threads and their lifecycle
	conversation    // Append-only message history per task
	outbound        // Send audit rows
	optOut          // Opt-out list
	accountSettings // Per-account guardrail inputs
	Ping(ctx context.Context) error
}

// command defines methods for the durable command queue. Every state change after
// a claim is conditional on the claim token handed out by ClaimCommands.
type command interface {
	CreateCommand(ctx context.Context, cmd *model.Command) (*model.Command, error)                                  // Inserts a pending command, or returns the existing one for a repeated dedupe key
	ClaimCommands(ctx context.Context, limit int, now, staleBefore time.Time) ([]*model.Command, error)             // Atomically claims pending and stale claimed commands
	CompleteCommand(ctx context.Context, id, claimToken string, at time.Time) error                                // Marks a claimed command completed
	RetryCommand(ctx context.Context, id, claimToken, lastError string, availableAt time.Time) error                // Returns a claimed command to pending
	DeferCommand(ctx context.Context, id, claimToken string, availableAt time.Time) error                           // Returns a claimed command to pending without spending an attempt
	DeadLetterCommand(ctx context.Context, id, claimToken, reason string, at time.Time) error                       // Moves a claimed command to dead_letter
	FailCommand(ctx context.Context, id, claimToken, reason string, at time.Time) error                            // Moves a claimed command to failed
	ExpireStaleCommands(ctx context.Context, staleBefore, at time.Time) ([]*model.Command, error)                  // Dead-letters stale claims with no attempts left
	GetCommand(ctx context.Context, id string) (*model.Command, error)                                             // Retrieves a command by ID
	ListCommands(ctx context.Context, status model.CommandStatus, limit, offset int) ([]*model.Command, error)      // Lists commands, optionally by status
	RequeueCommand(ctx context.Context, id string, at time.Time) (*model.Command, error)                           // Operator action: dead_letter or failed back to pending
}

// task defines methods for outreach threads.
type task interface {
	CreateTask(ctx context.Context, task *model.Task) (*model.Task, error)                                          // Creates a task; conflicts if the thread is already active
	GetTask(ctx context.Context, id string) (*model.Task, error)                                                    // Retrieves a task by ID
	ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error)                                  // Lists tasks
	TransitionTask(ctx context.Context, tr model.TaskTransition) (*model.Task, error)                               // Conditionally moves a task and writes its side effects atomically
	ListAutopilotCandidates(ctx context.Context, limit int) ([]*model.Task, error)                                  // Open tasks eligible for autonomous sending
	ClaimDueFollowUps(ctx context.Context, now, leaseUntil time.Time, limit int) ([]model.DueTask, error)           // Leases awaiting_reply tasks whose next action is due
	ListActiveTasksForContact(ctx context.Context, accountID, contact string) ([]*model.Task, error)                // Non-terminal tasks of one contact
	UpdateTaskContext(ctx context.Context, id string, c model.TaskContext, at time.Time) error                      // Replaces the task context
}

// conversation defines methods for the per-task message log.
type conversation interface {
	AppendConversation(ctx context.Context, entry *model.ConversationEntry) (*model.ConversationEntry, error) // Appends an entry
	GetConversationHistory(ctx context.Context, taskID string) ([]model.ConversationEntry, error)              // Entries ordered by creation
}

// outbound defines methods for the send audit table.
type outbound interface {
	UpsertOutboundMessage(ctx context.Context, msg *model.OutboundMessage) (bool, error)     // Inserts the audit row for a command; false if it already existed
	GetOutboundByCommand(ctx context.Context, commandID string) (*model.OutboundMessage, error) // Retrieves the audit row of a command
	CountAutonomousSendsSince(ctx context.Context, accountID string, since time.Time) (int, error)
}

// optOut defines methods for the opt-out list.
type optOut interface {
	CreateOptOut(ctx context.Context, o *model.OptOut) error                              // Records an opt-out; repeating it is a no-op
	IsOptedOut(ctx context.Context, accountID, channel, contact string) (bool, error)    // Checks the opt-out list
}

// accountSettings defines methods for per-account guardrail settings.
type accountSettings interface {
	GetAccountSettings(ctx context.Context, accountID string) (*model.AccountSettings, error)
	UpsertAccountSettings(ctx context.Context, s *model.AccountSettings) (*model.AccountSettings, error)
}
