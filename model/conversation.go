package model

import (
	"encoding/json"
	"time"
)

type ConversationRole string

const (
	RoleAgent  ConversationRole = "agent"
	RoleMember ConversationRole = "member"
	RoleSystem ConversationRole = "system"
)

// ConversationEntry is one append-only row of a task's message history.
type ConversationEntry struct {
	ID         string           `json:"id"`
	TaskID     string           `json:"task_id"`
	Role       ConversationRole `json:"role"`
	Content    string           `json:"content"`
	AgentName  string           `json:"agent_name,omitempty"`
	Evaluation json.RawMessage  `json:"evaluation,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

func (r ConversationRole) Valid() bool {
	return r == RoleAgent || r == RoleMember || r == RoleSystem
}

// AwaitingAnswer reports whether the most recent agent or member entry came from the member.
func AwaitingAnswer(history []ConversationEntry) bool {
	for i := len(history) - 1; i >= 0; i-- {
		switch history[i].Role {
		case RoleMember:
			return true
		case RoleAgent:
			return false
		}
	}
	return false
}

// LastMessageAt returns the creation time of the most recent agent or member entry.
func LastMessageAt(history []ConversationEntry) (time.Time, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != RoleSystem {
			return history[i].CreatedAt, true
		}
	}
	return time.Time{}, false
}

// CountAgentMessages counts outbound messages already sent in the thread.
func CountAgentMessages(history []ConversationEntry) int {
	n := 0
	for _, e := range history {
		if e.Role == RoleAgent {
			n++
		}
	}
	return n
}
