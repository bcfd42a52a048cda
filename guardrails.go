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
	"time"
	_ "time/tzdata"

	"github.com/retainly/retainly/config"
	"github.com/retainly/retainly/internal/apierror"
	"github.com/retainly/retainly/model"
)

// Verdict is the answer of the send guardrails.
type Verdict string

const (
	VerdictAllow      Verdict = "allow"
	VerdictOptedOut   Verdict = "opted_out"
	VerdictQuietHours Verdict = "quiet_hours"
	VerdictDailyCap   Verdict = "daily_cap"
)

type OptOutLookup interface {
	IsOptedOut(ctx context.Context, accountID, channel, contact string) (bool, error)
}

type AccountSettingsSource interface {
	GetAccountSettings(ctx context.Context, accountID string) (*model.AccountSettings, error)
}

type DailySendCounter interface {
	CountAutonomousSendsSince(ctx context.Context, accountID string, since time.Time) (int, error)
}

// Guardrails are the policy checks consulted before any send. They are
// advisory: two concurrent sends may both pass the daily cap check.
type Guardrails struct {
	optOuts  OptOutLookup
	settings AccountSettingsSource
	counter  DailySendCounter
	policy   config.OutreachConfig
}

// accountPolicy is the effective guardrail configuration of one account.
type accountPolicy struct {
	location   *time.Location
	quietStart int
	quietEnd   int
	dailyLimit int
}

func NewGuardrails(optOuts OptOutLookup, settings AccountSettingsSource, counter DailySendCounter, policy config.OutreachConfig) *Guardrails {
	return &Guardrails{optOuts: optOuts, settings: settings, counter: counter, policy: policy}
}

// IsQuietHours reports whether now falls inside the [start, end) hour window in
// timezone. A window with start after end wraps midnight; start == end disables it.
// An unknown timezone is treated as UTC.
func IsQuietHours(timezone string, now time.Time, start, end int) bool {
	return inQuietWindow(loadLocation(timezone, "UTC"), now, start, end)
}

func inQuietWindow(loc *time.Location, now time.Time, start, end int) bool {
	if start == end {
		return false
	}
	hour := now.In(loc).Hour()
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func loadLocation(timezone, fallback string) *time.Location {
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err == nil {
			return loc
		}
	}
	if loc, err := time.LoadLocation(fallback); err == nil {
		return loc
	}
	return time.UTC
}

func (g *Guardrails) policyFor(ctx context.Context, accountID string) (accountPolicy, error) {
	p := accountPolicy{
		location:   loadLocation(g.policy.DefaultTimezone, "UTC"),
		quietStart: g.policy.QuietHoursStart,
		quietEnd:   g.policy.QuietHoursEnd,
		dailyLimit: g.policy.DailyAutopilotLimit,
	}
	settings, err := g.settings.GetAccountSettings(ctx, accountID)
	if err != nil {
		if apierror.HasCode(err, apierror.ErrNotFound) {
			return p, nil
		}
		return p, err
	}
	p.location = loadLocation(settings.Timezone, g.policy.DefaultTimezone)
	if settings.QuietHoursStart != nil && settings.QuietHoursEnd != nil {
		p.quietStart, p.quietEnd = *settings.QuietHoursStart, *settings.QuietHoursEnd
	}
	if settings.DailyLimit != nil && *settings.DailyLimit >= 0 {
		p.dailyLimit = *settings.DailyLimit
	}
	return p, nil
}

// SendCheck describes one prospective send.
type SendCheck struct {
	AccountID  string
	Channel    string
	Contact    string
	Autonomous bool
	// Pending counts autonomous sends already queued for the account but not yet delivered.
	Pending int
	At      time.Time
}

// CheckSend runs the guardrails for one send. Opt-out wins over quiet hours,
// which win over the daily cap. The cap only counts autonomous sends.
func (g *Guardrails) CheckSend(ctx context.Context, c SendCheck) (Verdict, error) {
	opted, err := g.optOuts.IsOptedOut(ctx, c.AccountID, c.Channel, c.Contact)
	if err != nil {
		return "", err
	}
	if opted {
		return VerdictOptedOut, nil
	}

	p, err := g.policyFor(ctx, c.AccountID)
	if err != nil {
		return "", err
	}
	if inQuietWindow(p.location, c.At, p.quietStart, p.quietEnd) {
		return VerdictQuietHours, nil
	}
	if !c.Autonomous {
		return VerdictAllow, nil
	}

	y, m, d := c.At.In(p.location).Date()
	sent, err := g.counter.CountAutonomousSendsSince(ctx, c.AccountID, time.Date(y, m, d, 0, 0, 0, 0, p.location))
	if err != nil {
		return "", err
	}
	if sent+c.Pending >= p.dailyLimit {
		return VerdictDailyCap, nil
	}
	return VerdictAllow, nil
}

// NextSendTime returns now, or the end of the account's quiet window when now falls inside it.
func (g *Guardrails) NextSendTime(ctx context.Context, accountID string, now time.Time) (time.Time, error) {
	p, err := g.policyFor(ctx, accountID)
	if err != nil {
		return now, err
	}
	if !inQuietWindow(p.location, now, p.quietStart, p.quietEnd) {
		return now, nil
	}
	local := now.In(p.location)
	next := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, p.location)
	for i := 0; i < 24 && inQuietWindow(p.location, next, p.quietStart, p.quietEnd); i++ {
		next = next.Add(time.Hour)
	}
	return next.UTC(), nil
}

// NextCapReset returns the next local midnight of the account, when its daily cap starts over.
func (g *Guardrails) NextCapReset(ctx context.Context, accountID string, now time.Time) (time.Time, error) {
	p, err := g.policyFor(ctx, accountID)
	if err != nil {
		return now, err
	}
	y, m, d := now.In(p.location).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, p.location).UTC(), nil
}

// QuietHours reports whether the account is currently inside its quiet window.
func (g *Guardrails) QuietHours(ctx context.Context, accountID string, now time.Time) (bool, error) {
	p, err := g.policyFor(ctx, accountID)
	if err != nil {
		return false, err
	}
	return inQuietWindow(p.location, now, p.quietStart, p.quietEnd), nil
}

func (g *Guardrails) OptedOut(ctx context.Context, accountID, channel, contact string) (bool, error) {
	return g.optOuts.IsOptedOut(ctx, accountID, channel, contact)
}
