package model

import (
	"strings"
	"time"
)

// OptOut blocks every future send to a contact on a channel.
type OptOut struct {
	AccountID string    `json:"account_id"`
	Channel   string    `json:"channel"`
	Contact   string    `json:"contact"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// AccountSettings are the per-account inputs of the send guardrails.
type AccountSettings struct {
	AccountID        string    `json:"account_id"`
	Timezone         string    `json:"timezone"`
	AutopilotEnabled bool      `json:"autopilot_enabled"`
	QuietHoursStart  *int      `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd    *int      `json:"quiet_hours_end,omitempty"`
	DailyLimit       *int      `json:"daily_limit,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NormalizeContact returns the canonical form of a contact address.
func NormalizeContact(contact string) string {
	return strings.ToLower(strings.TrimSpace(contact))
}

func normalizeContact(email, id string) string {
	if email != "" {
		return NormalizeContact(email)
	}
	return id
}
