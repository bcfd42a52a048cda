package model

import "time"

type OutboundStatus string

const (
	OutboundSent       OutboundStatus = "sent"
	OutboundSuppressed OutboundStatus = "suppressed"
)

const ChannelEmail = "email"

// OutboundMessage is the audit row of a send. There is at most one per command.
type OutboundMessage struct {
	ID         string         `json:"id"`
	CommandID  string         `json:"command_id"`
	TaskID     string         `json:"task_id"`
	AccountID  string         `json:"account_id"`
	Channel    string         `json:"channel"`
	Recipient  string         `json:"recipient"`
	Subject    string         `json:"subject"`
	Body       string         `json:"body"`
	ReplyToken string         `json:"reply_token"`
	ProviderID string         `json:"provider_id"`
	Status     OutboundStatus `json:"status"`
	Autonomous bool           `json:"autonomous"`
	SentAt     time.Time      `json:"sent_at"`
}
