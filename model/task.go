package model

import (
	"errors"
	"time"
)

type TaskStatus string

const (
	TaskOpen             TaskStatus = "open"
	TaskAwaitingApproval TaskStatus = "awaiting_approval"
	TaskAwaitingReply    TaskStatus = "awaiting_reply"
	TaskEscalated        TaskStatus = "escalated"
	TaskResolved         TaskStatus = "resolved"
	TaskCancelled        TaskStatus = "cancelled"
)

type TaskOutcome string

const (
	OutcomeEngaged       TaskOutcome = "engaged"
	OutcomeRecovered     TaskOutcome = "recovered"
	OutcomeUnresponsive  TaskOutcome = "unresponsive"
	OutcomeChurned       TaskOutcome = "churned"
	OutcomeNotApplicable TaskOutcome = "not_applicable"
)

type TaskType string

const (
	TaskTypeChurnRisk       TaskType = "churn_risk"
	TaskTypeWinBack         TaskType = "win_back"
	TaskTypeOnboarding      TaskType = "onboarding"
	TaskTypePaymentRecovery TaskType = "payment_recovery"
)

const (
	ReasonOptedOut       = "opted_out"
	ReasonTouchCeiling   = "touch_ceiling_reached"
	ReasonThreadExpired  = "thread_expired"
	ReasonDeliveryFailed = "delivery_failed"
	ReasonRequestedStop  = "requested_stop"
)

// NonTerminalStatuses are the statuses counted by the one-active-thread rule.
var NonTerminalStatuses = []TaskStatus{TaskOpen, TaskAwaitingApproval, TaskAwaitingReply, TaskEscalated}

var ErrInvalidTransition = errors.New("invalid task status transition")

// Task is one outreach thread targeting one contact for one purpose.
type Task struct {
	ID               string       `json:"id"`
	AccountID        string       `json:"account_id"`
	ContactID        string       `json:"contact_id"`
	ContactEmail     string       `json:"contact_email"`
	ContactName      string       `json:"contact_name"`
	TaskType         TaskType     `json:"task_type"`
	Status           TaskStatus   `json:"status"`
	Goal             string       `json:"goal"`
	Context          TaskContext  `json:"context"`
	RequiresApproval bool         `json:"requires_approval"`
	CampaignKey      string       `json:"campaign_key"`
	NextActionAt     *time.Time   `json:"next_action_at,omitempty"`
	Outcome          *TaskOutcome `json:"outcome,omitempty"`
	OutcomeReason    string       `json:"outcome_reason,omitempty"`
	TouchCount       int          `json:"touch_count"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	ResolvedAt       *time.Time   `json:"resolved_at,omitempty"`
}

// TaskTransition is a conditional status change. It only applies while the task
// is in one of From and, when ExpectNextActionAt is set, while next_action_at still equals it.
// Commands and Entries are written in the same transaction as the status change.
type TaskTransition struct {
	TaskID             string
	From               []TaskStatus
	To                 TaskStatus
	NextActionAt       *time.Time
	ExpectNextActionAt *time.Time
	Outcome            *TaskOutcome
	OutcomeReason      string
	IncrementTouch     bool
	At                 time.Time
	Commands           []*Command
	Entries            []*ConversationEntry
}

// DueTask is an awaiting_reply task leased by the scheduler together with
// the next_action_at it had before the lease.
type DueTask struct {
	Task  *Task
	DueAt time.Time
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	AccountID string
	Status    TaskStatus
	Limit     int
	Offset    int
}

func (s TaskStatus) Terminal() bool {
	return s == TaskResolved || s == TaskCancelled
}

// Automated reports whether the scheduler may still act on a task in this status.
func (s TaskStatus) Automated() bool {
	return s == TaskOpen || s == TaskAwaitingApproval || s == TaskAwaitingReply
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskOpen, TaskAwaitingApproval, TaskAwaitingReply, TaskEscalated, TaskResolved, TaskCancelled:
		return true
	}
	return false
}

func (o TaskOutcome) Valid() bool {
	switch o {
	case OutcomeEngaged, OutcomeRecovered, OutcomeUnresponsive, OutcomeChurned, OutcomeNotApplicable:
		return true
	}
	return false
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskOpen:             {TaskAwaitingApproval, TaskAwaitingReply, TaskEscalated, TaskResolved, TaskCancelled},
	TaskAwaitingApproval: {TaskOpen, TaskAwaitingReply, TaskEscalated, TaskResolved, TaskCancelled},
	TaskAwaitingReply:    {TaskAwaitingReply, TaskEscalated, TaskResolved, TaskCancelled},
	TaskEscalated:        {TaskAwaitingReply, TaskResolved, TaskCancelled},
}

// CanTransition reports whether a task may move from one status to another.
// Terminal statuses have no outgoing edges.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SourcesFor lists every status that may transition into to.
func SourcesFor(to TaskStatus) []TaskStatus {
	var sources []TaskStatus
	for _, from := range []TaskStatus{TaskOpen, TaskAwaitingApproval, TaskAwaitingReply, TaskEscalated} {
		if CanTransition(from, to) {
			sources = append(sources, from)
		}
	}
	return sources
}

// Validate checks the transition is well formed and keeps next_action_at
// meaningful only for awaiting_reply.
func (t *TaskTransition) Validate() error {
	if t.TaskID == "" || len(t.From) == 0 || !t.To.Valid() {
		return ErrInvalidTransition
	}
	for _, from := range t.From {
		if !CanTransition(from, t.To) {
			return ErrInvalidTransition
		}
	}
	if t.To != TaskAwaitingReply {
		t.NextActionAt = nil
	}
	if t.Outcome != nil && !t.Outcome.Valid() {
		return ErrInvalidTransition
	}
	return nil
}

func (t *Task) ContactPresent() bool {
	return t.ContactEmail != ""
}

// ActiveKey identifies the thread guarded by the one-active-task rule.
func (t *Task) ActiveKey() string {
	return t.AccountID + "|" + normalizeContact(t.ContactEmail, t.ContactID) + "|" + string(t.TaskType) + "|" + t.CampaignKey
}

func OutcomePtr(o TaskOutcome) *TaskOutcome {
	return &o
}
