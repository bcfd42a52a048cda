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
	"fmt"
	"strings"
	"time"

	"github.com/retainly/retainly/config"
	"github.com/retainly/retainly/model"
)

// Reasoner is a single-shot text completion. Its output is untrusted.
type Reasoner interface {
	Evaluate(ctx context.Context, system, prompt string) (string, error)
}

type Action string

const (
	ActionClose    Action = "close"
	ActionEscalate Action = "escalate"
	ActionWait     Action = "wait"
	ActionFollowUp Action = "follow_up"
)

// CadencePolicy bounds what the evaluator may decide.
type CadencePolicy struct {
	MaxTouches         int
	DefaultOffsetsDays []int
	MaxCheckDays       int
	FallbackWaitDays   int
	MaxThreadAge       time.Duration
}

func DefaultCadencePolicy() CadencePolicy {
	return CadencePolicy{
		MaxTouches:         4,
		DefaultOffsetsDays: []int{2, 4, 7},
		MaxCheckDays:       14,
		FallbackWaitDays:   1,
		MaxThreadAge:       30 * 24 * time.Hour,
	}
}

func CadencePolicyFromConfig(o config.OutreachConfig) CadencePolicy {
	p := DefaultCadencePolicy()
	if o.MaxTouches > 0 {
		p.MaxTouches = o.MaxTouches
	}
	if len(o.DefaultOffsetsDays) > 0 {
		p.DefaultOffsetsDays = o.DefaultOffsetsDays
	}
	if o.MaxCheckDays > 0 {
		p.MaxCheckDays = o.MaxCheckDays
	}
	if o.FallbackWaitDays > 0 {
		p.FallbackWaitDays = o.FallbackWaitDays
	}
	if o.MaxThreadAgeDays > 0 {
		p.MaxThreadAge = time.Duration(o.MaxThreadAgeDays) * 24 * time.Hour
	}
	return p
}

// DefaultOffset is the wait before checking again after the given touch.
func (p CadencePolicy) DefaultOffset(touch int) int {
	if len(p.DefaultOffsetsDays) == 0 {
		return p.FallbackWaitDays
	}
	i := touch - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.DefaultOffsetsDays) {
		i = len(p.DefaultOffsetsDays) - 1
	}
	return p.DefaultOffsetsDays[i]
}

func (p CadencePolicy) clampDays(days int) int {
	if days < 1 {
		return 1
	}
	if days > p.MaxCheckDays {
		return p.MaxCheckDays
	}
	return days
}

// EvaluationInput is everything the evaluator knows about a thread.
type EvaluationInput struct {
	TaskType             model.TaskType
	AccountID            string
	ContactName          string
	ContactEmail         string
	Goal                 string
	History              []model.ConversationEntry
	MessagesSent         int
	DaysSinceLastMessage int
	AccountContext       string
	MemberContext        string
	TaskSummary          string
}

// Decision is the validated next step for a thread.
type Decision struct {
	Action        Action            `json:"action"`
	Outcome       model.TaskOutcome `json:"outcome,omitempty"`
	Subject       string            `json:"subject,omitempty"`
	Message       string            `json:"message,omitempty"`
	NextCheckDays int               `json:"next_check_days,omitempty"`
	Reason        string            `json:"reason"`
	Fallback      bool              `json:"fallback,omitempty"`
	Overridden    bool              `json:"overridden,omitempty"`
}

// reasonerDecision is the shape requested from the reasoner.
type reasonerDecision struct {
	Action         string `json:"action"`
	Outcome        string `json:"outcome"`
	Subject        string `json:"subject"`
	Message        string `json:"message"`
	NextCheckDays  *int   `json:"nextCheckDays"`
	NextCheckDays2 *int   `json:"next_check_days"`
	Reason         string `json:"reason"`
}

// Evaluator wraps the reasoner with prompt assembly, output validation and
// the cadence policy.
type Evaluator struct {
	reasoner Reasoner
	policy   CadencePolicy
	timeout  time.Duration
}

func NewEvaluator(reasoner Reasoner, policy CadencePolicy, timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Evaluator{reasoner: reasoner, policy: policy, timeout: timeout}
}

func (e *Evaluator) Policy() CadencePolicy {
	return e.policy
}

// Evaluate asks the reasoner for the next step. A reasoner failure is returned
// as an error; an unusable answer is not, it becomes a short wait.
func (e *Evaluator) Evaluate(ctx context.Context, in EvaluationInput) (Decision, error) {
	ctx, span := tracer.Start(ctx, "Evaluator.Evaluate")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := e.reasoner.Evaluate(ctx, e.systemPrompt(), buildEvaluationPrompt(in))
	if err != nil {
		span.RecordError(err)
		return Decision{}, fmt.Errorf("reasoner: %w", err)
	}
	return e.Enforce(e.parse(raw, in), in), nil
}

func (e *Evaluator) fallback(reason string) Decision {
	return Decision{
		Action:        ActionWait,
		NextCheckDays: e.policy.FallbackWaitDays,
		Reason:        reason,
		Fallback:      true,
	}
}

func cleanJSONResponse(resp string) string {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	resp = strings.TrimSpace(resp)
	if start, end := strings.Index(resp, "{"), strings.LastIndex(resp, "}"); start >= 0 && end > start {
		resp = resp[start : end+1]
	}
	return resp
}

func (e *Evaluator) parse(raw string, in EvaluationInput) Decision {
	var rd reasonerDecision
	if err := json.Unmarshal([]byte(cleanJSONResponse(raw)), &rd); err != nil {
		return e.fallback("evaluator response was not valid JSON")
	}

	d := Decision{
		Action:  Action(strings.ToLower(strings.TrimSpace(rd.Action))),
		Outcome: model.TaskOutcome(strings.ToLower(strings.TrimSpace(rd.Outcome))),
		Subject: strings.TrimSpace(rd.Subject),
		Message: strings.TrimSpace(rd.Message),
		Reason:  strings.TrimSpace(rd.Reason),
	}
	days := rd.NextCheckDays
	if days == nil {
		days = rd.NextCheckDays2
	}

	switch d.Action {
	case ActionClose:
		if !d.Outcome.Valid() {
			return e.fallback(fmt.Sprintf("close decision with unknown outcome %q", rd.Outcome))
		}
	case ActionEscalate:
		d.Outcome = ""
	case ActionWait, ActionFollowUp:
		d.Outcome = ""
		if d.Action == ActionFollowUp && d.Message == "" {
			return e.fallback("follow_up decision without a message")
		}
		touch := in.MessagesSent
		if d.Action == ActionFollowUp {
			touch++
		}
		if days == nil || *days <= 0 {
			d.NextCheckDays = e.policy.DefaultOffset(touch)
		} else {
			d.NextCheckDays = *days
		}
		d.NextCheckDays = e.policy.clampDays(d.NextCheckDays)
	default:
		return e.fallback(fmt.Sprintf("unknown action %q", rd.Action))
	}
	return d
}

// Enforce applies the touch ceiling to a decision. A follow-up past the
// ceiling closes the thread as unresponsive, or escalates it when the member
// is waiting for an answer.
func (e *Evaluator) Enforce(d Decision, in EvaluationInput) Decision {
	if d.Action == ActionFollowUp && in.MessagesSent >= e.policy.MaxTouches {
		if model.AwaitingAnswer(in.History) {
			return Decision{
				Action:     ActionEscalate,
				Reason:     "member replied after the last allowed touch",
				Overridden: true,
			}
		}
		return Decision{
			Action:     ActionClose,
			Outcome:    model.OutcomeUnresponsive,
			Reason:     model.ReasonTouchCeiling,
			Overridden: true,
		}
	}
	if d.Action == ActionWait || d.Action == ActionFollowUp {
		d.NextCheckDays = e.policy.clampDays(d.NextCheckDays)
	}
	return d
}

func (e *Evaluator) systemPrompt() string {
	return fmt.Sprintf(`You manage follow-ups for member retention outreach.
Decide the next step for one outreach thread and answer with a single JSON object:
{"action": "close" | "escalate" | "wait" | "follow_up", "outcome": "engaged" | "recovered" | "unresponsive" | "churned" | "not_applicable", "subject": string, "message": string, "nextCheckDays": number, "reason": string}
Rules:
- "close" requires "outcome".
- "follow_up" requires "message", written as the next email to the member.
- "escalate" when the member raises billing disputes, injuries, legal matters or asks for a person.
- "nextCheckDays" is between 1 and %d.
- At most %d messages may be sent in a thread.
Answer with JSON only.`, e.policy.MaxCheckDays, e.policy.MaxTouches)
}

func buildEvaluationPrompt(in EvaluationInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task type: %s\n", in.TaskType)
	if in.Goal != "" {
		fmt.Fprintf(&b, "Goal: %s\n", in.Goal)
	}
	fmt.Fprintf(&b, "Member: %s <%s>\n", in.ContactName, in.ContactEmail)
	fmt.Fprintf(&b, "Messages sent so far: %d\n", in.MessagesSent)
	fmt.Fprintf(&b, "Days since last message: %d\n", in.DaysSinceLastMessage)
	if in.TaskSummary != "" {
		fmt.Fprintf(&b, "Context: %s\n", in.TaskSummary)
	}
	if in.AccountContext != "" {
		fmt.Fprintf(&b, "Business: %s\n", in.AccountContext)
	}
	if in.MemberContext != "" {
		fmt.Fprintf(&b, "Member details: %s\n", in.MemberContext)
	}
	b.WriteString("\nConversation:\n")
	for _, entry := range in.History {
		if entry.Role == model.RoleSystem {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", entry.CreatedAt.Format(time.RFC3339), entry.Role, entry.Content)
	}
	return b.String()
}
