package model

import (
	"encoding/json"
	"strconv"
	"strings"
)

// TaskDetails is the type-specific part of a TaskContext. The concrete type is
// chosen by the task's TaskType.
type TaskDetails interface {
	Kind() TaskType
	fields() map[string]interface{}
}

type ChurnRiskDetails struct {
	RiskReason   string  `json:"risk_reason"`
	RiskScore    float64 `json:"risk_score"`
	DaysInactive int     `json:"days_inactive"`
	LastVisitAt  string  `json:"last_visit_at"`
}

type WinBackDetails struct {
	CancelledAt  string `json:"cancelled_at"`
	CancelReason string `json:"cancel_reason"`
	Offer        string `json:"offer"`
}

type OnboardingDetails struct {
	Step       string `json:"step"`
	SignedUpAt string `json:"signed_up_at"`
}

type PaymentRecoveryDetails struct {
	InvoiceID     string  `json:"invoice_id"`
	AmountDue     float64 `json:"amount_due"`
	Currency      string  `json:"currency"`
	FailureReason string  `json:"failure_reason"`
}

// GenericDetails is used for task types this build does not know about.
type GenericDetails struct {
	Type TaskType `json:"-"`
}

func (ChurnRiskDetails) Kind() TaskType       { return TaskTypeChurnRisk }
func (WinBackDetails) Kind() TaskType         { return TaskTypeWinBack }
func (OnboardingDetails) Kind() TaskType      { return TaskTypeOnboarding }
func (PaymentRecoveryDetails) Kind() TaskType { return TaskTypePaymentRecovery }
func (g GenericDetails) Kind() TaskType       { return g.Type }

func (d ChurnRiskDetails) fields() map[string]interface{} {
	return map[string]interface{}{"risk_reason": d.RiskReason, "risk_score": d.RiskScore, "days_inactive": d.DaysInactive, "last_visit_at": d.LastVisitAt}
}

func (d WinBackDetails) fields() map[string]interface{} {
	return map[string]interface{}{"cancelled_at": d.CancelledAt, "cancel_reason": d.CancelReason, "offer": d.Offer}
}

func (d OnboardingDetails) fields() map[string]interface{} {
	return map[string]interface{}{"step": d.Step, "signed_up_at": d.SignedUpAt}
}

func (d PaymentRecoveryDetails) fields() map[string]interface{} {
	return map[string]interface{}{"invoice_id": d.InvoiceID, "amount_due": d.AmountDue, "currency": d.Currency, "failure_reason": d.FailureReason}
}

func (GenericDetails) fields() map[string]interface{} { return nil }

// TaskContext is the structured payload carried by a task: the draft to send,
// the playbook it came from and details specific to its task type.
type TaskContext struct {
	DraftSubject   string                 `json:"draft_subject"`
	DraftBody      string                 `json:"draft_body"`
	PlaybookID     string                 `json:"playbook_id"`
	Channel        string                 `json:"channel"`
	AgentName      string                 `json:"agent_name"`
	AccountContext string                 `json:"account_context"`
	MemberContext  string                 `json:"member_context"`
	Details        TaskDetails            `json:"-"`
	Extra          map[string]interface{} `json:"-"`
}

var commonContextKeys = map[string]bool{
	"draft_subject": true, "draft_body": true, "draft": true, "subject": true, "message": true, "body": true,
	"playbook_id": true, "channel": true, "agent_name": true, "account_context": true, "member_context": true,
}

var detailKeys = map[TaskType][]string{
	TaskTypeChurnRisk:       {"risk_reason", "risk_score", "days_inactive", "last_visit_at"},
	TaskTypeWinBack:         {"cancelled_at", "cancel_reason", "offer"},
	TaskTypeOnboarding:      {"step", "signed_up_at"},
	TaskTypePaymentRecovery: {"invoice_id", "amount_due", "currency", "failure_reason"},
}

// DecodeTaskContext reads a stored context for the given task type. It never
// fails: malformed JSON yields an empty context, mistyped fields fall back to
// their zero value and unrecognised keys are kept in Extra.
func DecodeTaskContext(taskType TaskType, raw []byte) TaskContext {
	fields := map[string]interface{}{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &fields)
	}
	return TaskContextFromMap(taskType, fields)
}

// TaskContextFromMap builds a context from loosely typed input such as an API body.
func TaskContextFromMap(taskType TaskType, fields map[string]interface{}) TaskContext {
	c := TaskContext{
		DraftSubject:   firstString(fields, "draft_subject", "subject"),
		DraftBody:      firstString(fields, "draft_body", "message", "body"),
		PlaybookID:     asString(fields["playbook_id"]),
		Channel:        asString(fields["channel"]),
		AgentName:      asString(fields["agent_name"]),
		AccountContext: asString(fields["account_context"]),
		MemberContext:  asString(fields["member_context"]),
	}
	if draft, ok := fields["draft"].(map[string]interface{}); ok {
		if c.DraftSubject == "" {
			c.DraftSubject = asString(draft["subject"])
		}
		if c.DraftBody == "" {
			c.DraftBody = firstString(draft, "body", "message")
		}
	}
	if c.Channel == "" {
		c.Channel = ChannelEmail
	}

	switch taskType {
	case TaskTypeChurnRisk:
		c.Details = ChurnRiskDetails{
			RiskReason:   asString(fields["risk_reason"]),
			RiskScore:    asFloat(fields["risk_score"]),
			DaysInactive: int(asFloat(fields["days_inactive"])),
			LastVisitAt:  asString(fields["last_visit_at"]),
		}
	case TaskTypeWinBack:
		c.Details = WinBackDetails{
			CancelledAt:  asString(fields["cancelled_at"]),
			CancelReason: asString(fields["cancel_reason"]),
			Offer:        asString(fields["offer"]),
		}
	case TaskTypeOnboarding:
		c.Details = OnboardingDetails{
			Step:       asString(fields["step"]),
			SignedUpAt: asString(fields["signed_up_at"]),
		}
	case TaskTypePaymentRecovery:
		c.Details = PaymentRecoveryDetails{
			InvoiceID:     asString(fields["invoice_id"]),
			AmountDue:     asFloat(fields["amount_due"]),
			Currency:      asString(fields["currency"]),
			FailureReason: asString(fields["failure_reason"]),
		}
	default:
		c.Details = GenericDetails{Type: taskType}
	}

	known := map[string]bool{}
	for _, k := range detailKeys[taskType] {
		known[k] = true
	}
	for k, v := range fields {
		if commonContextKeys[k] || known[k] {
			continue
		}
		if c.Extra == nil {
			c.Extra = map[string]interface{}{}
		}
		c.Extra[k] = v
	}
	return c
}

// Map flattens the context back into the stored key space.
func (c TaskContext) Map() map[string]interface{} {
	out := map[string]interface{}{}
	for k, v := range c.Extra {
		out[k] = v
	}
	if c.Details != nil {
		for k, v := range c.Details.fields() {
			out[k] = v
		}
	}
	out["draft_subject"] = c.DraftSubject
	out["draft_body"] = c.DraftBody
	out["playbook_id"] = c.PlaybookID
	out["channel"] = c.Channel
	out["agent_name"] = c.AgentName
	out["account_context"] = c.AccountContext
	out["member_context"] = c.MemberContext
	return out
}

func (c TaskContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Map())
}

// Summary renders the type-specific details as short "key: value" lines for prompts.
func (c TaskContext) Summary() string {
	if c.Details == nil {
		return ""
	}
	var lines []string
	for _, k := range detailKeys[c.Details.Kind()] {
		v := c.Details.fields()[k]
		s := asString(v)
		if s == "" || s == "0" {
			continue
		}
		lines = append(lines, k+": "+s)
	}
	return strings.Join(lines, "\n")
}

func firstString(fields map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s := asString(fields[k]); s != "" {
			return s
		}
	}
	return ""
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func asFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err == nil {
			return f
		}
	}
	return 0
}
