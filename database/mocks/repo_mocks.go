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

package mocks

import (
	"context"
	"time"

	"github.com/retainly/retainly/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

func (m *MockDataSource) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Command methods

func (m *MockDataSource) CreateCommand(ctx context.Context, cmd *model.Command) (*model.Command, error) {
	args := m.Called(ctx, cmd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Command), args.Error(1)
}

func (m *MockDataSource) ClaimCommands(ctx context.Context, limit int, now, staleBefore time.Time) ([]*model.Command, error) {
	args := m.Called(ctx, limit, now, staleBefore)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Command), args.Error(1)
}

func (m *MockDataSource) CompleteCommand(ctx context.Context, id, claimToken string, at time.Time) error {
	args := m.Called(ctx, id, claimToken, at)
	return args.Error(0)
}

func (m *MockDataSource) RetryCommand(ctx context.Context, id, claimToken, lastError string, availableAt time.Time) error {
	args := m.Called(ctx, id, claimToken, lastError, availableAt)
	return args.Error(0)
}

func (m *MockDataSource) DeferCommand(ctx context.Context, id, claimToken string, availableAt time.Time) error {
	args := m.Called(ctx, id, claimToken, availableAt)
	return args.Error(0)
}

func (m *MockDataSource) DeadLetterCommand(ctx context.Context, id, claimToken, reason string, at time.Time) error {
	args := m.Called(ctx, id, claimToken, reason, at)
	return args.Error(0)
}

func (m *MockDataSource) FailCommand(ctx context.Context, id, claimToken, reason string, at time.Time) error {
	args := m.Called(ctx, id, claimToken, reason, at)
	return args.Error(0)
}

func (m *MockDataSource) ExpireStaleCommands(ctx context.Context, staleBefore, at time.Time) ([]*model.Command, error) {
	args := m.Called(ctx, staleBefore, at)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Command), args.Error(1)
}

func (m *MockDataSource) GetCommand(ctx context.Context, id string) (*model.Command, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Command), args.Error(1)
}

func (m *MockDataSource) ListCommands(ctx context.Context, status model.CommandStatus, limit, offset int) ([]*model.Command, error) {
	args := m.Called(ctx, status, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Command), args.Error(1)
}

func (m *MockDataSource) RequeueCommand(ctx context.Context, id string, at time.Time) (*model.Command, error) {
	args := m.Called(ctx, id, at)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Command), args.Error(1)
}

// Task methods

func (m *MockDataSource) CreateTask(ctx context.Context, task *model.Task) (*model.Task, error) {
	args := m.Called(ctx, task)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Task), args.Error(1)
}

func (m *MockDataSource) GetTask(ctx context.Context, id string) (*model.Task, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Task), args.Error(1)
}

func (m *MockDataSource) ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Task), args.Error(1)
}

func (m *MockDataSource) TransitionTask(ctx context.Context, tr model.TaskTransition) (*model.Task, error) {
	args := m.Called(ctx, tr)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Task), args.Error(1)
}

func (m *MockDataSource) ListAutopilotCandidates(ctx context.Context, limit int) ([]*model.Task, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Task), args.Error(1)
}

func (m *MockDataSource) ClaimDueFollowUps(ctx context.Context, now, leaseUntil time.Time, limit int) ([]model.DueTask, error) {
	args := m.Called(ctx, now, leaseUntil, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.DueTask), args.Error(1)
}

func (m *MockDataSource) ListActiveTasksForContact(ctx context.Context, accountID, contact string) ([]*model.Task, error) {
	args := m.Called(ctx, accountID, contact)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Task), args.Error(1)
}

func (m *MockDataSource) UpdateTaskContext(ctx context.Context, id string, c model.TaskContext, at time.Time) error {
	args := m.Called(ctx, id, c, at)
	return args.Error(0)
}

// Conversation methods

func (m *MockDataSource) AppendConversation(ctx context.Context, entry *model.ConversationEntry) (*model.ConversationEntry, error) {
	args := m.Called(ctx, entry)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ConversationEntry), args.Error(1)
}

func (m *MockDataSource) GetConversationHistory(ctx context.Context, taskID string) ([]model.ConversationEntry, error) {
	args := m.Called(ctx, taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ConversationEntry), args.Error(1)
}

// Outbound methods

func (m *MockDataSource) UpsertOutboundMessage(ctx context.Context, msg *model.OutboundMessage) (bool, error) {
	args := m.Called(ctx, msg)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) GetOutboundByCommand(ctx context.Context, commandID string) (*model.OutboundMessage, error) {
	args := m.Called(ctx, commandID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.OutboundMessage), args.Error(1)
}

func (m *MockDataSource) CountAutonomousSendsSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	args := m.Called(ctx, accountID, since)
	return args.Int(0), args.Error(1)
}

// Opt-out methods

func (m *MockDataSource) CreateOptOut(ctx context.Context, o *model.OptOut) error {
	args := m.Called(ctx, o)
	return args.Error(0)
}

func (m *MockDataSource) IsOptedOut(ctx context.Context, accountID, channel, contact string) (bool, error) {
	args := m.Called(ctx, accountID, channel, contact)
	return args.Bool(0), args.Error(1)
}

// Account settings methods

func (m *MockDataSource) GetAccountSettings(ctx context.Context, accountID string) (*model.AccountSettings, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AccountSettings), args.Error(1)
}

func (m *MockDataSource) UpsertAccountSettings(ctx context.Context, s *model.AccountSettings) (*model.AccountSettings, error) {
	args := m.Called(ctx, s)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AccountSettings), args.Error(1)
}
