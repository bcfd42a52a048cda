package model

import (
	"encoding/json"
	"time"
)

type CommandStatus string

const (
	CommandPending    CommandStatus = "pending"
	CommandClaimed    CommandStatus = "claimed"
	CommandCompleted  CommandStatus = "completed"
	CommandFailed     CommandStatus = "failed"
	CommandDeadLetter CommandStatus = "dead_letter"
)

type CommandType string

const (
	CommandSendEmail        CommandType = "SendEmail"
	CommandEvaluateFollowUp CommandType = "EvaluateFollowUp"
)

const DefaultMaxAttempts = 3

// Command is a durable request to perform one side-effecting action.
// Status only moves forward: pending -> claimed -> completed | pending | dead_letter.
// failed is reserved for commands that can never succeed (no executor, undecodable payload).
type Command struct {
	ID           string          `json:"id"`
	Type         CommandType     `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Status       CommandStatus   `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	DedupeKey    string          `json:"dedupe_key,omitempty"`
	ClaimToken   string          `json:"-"`
	LastError    string          `json:"last_error,omitempty"`
	AvailableAt  time.Time       `json:"available_at"`
	CreatedAt    time.Time       `json:"created_at"`
	ClaimedAt    *time.Time      `json:"claimed_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// AttemptsExhausted reports whether a failure on the current attempt must dead-letter the command.
func (c *Command) AttemptsExhausted() bool {
	return c.AttemptCount >= c.MaxAttempts
}

func (c *Command) DecodePayload(v interface{}) error {
	return json.Unmarshal(c.Payload, v)
}

func (s CommandStatus) Terminal() bool {
	return s == CommandCompleted || s == CommandDeadLetter || s == CommandFailed
}

func (s CommandStatus) Valid() bool {
	switch s {
	case CommandPending, CommandClaimed, CommandCompleted, CommandFailed, CommandDeadLetter:
		return true
	}
	return false
}

// SendEmailPayload is the input of the SendEmail executor.
type SendEmailPayload struct {
	To         string `json:"to"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	ReplyToken string `json:"reply_token"`
	AccountID  string `json:"account_id"`
	TaskID     string `json:"task_id"`
	Channel    string `json:"channel,omitempty"`
	AgentName  string `json:"agent_name,omitempty"`
	// Autonomous marks sends initiated without an operator; they count against the daily cap.
	Autonomous bool `json:"autonomous,omitempty"`
}

// EvaluateFollowUpPayload asks the evaluator to decide the next step of a due task.
type EvaluateFollowUpPayload struct {
	TaskID string `json:"task_id"`
	// DueAt is the next_action_at the task had when it was picked up.
	DueAt time.Time `json:"due_at"`
	// LeaseUntil is the lease the scheduler put on the task. A task whose
	// next_action_at has moved past it was already advanced by someone else.
	LeaseUntil time.Time `json:"lease_until"`
}
