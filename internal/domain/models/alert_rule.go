package models

import "time"

// AlertRule filters anomalies into notifications. Empty allow-lists match everything.
type AlertRule struct {
	Name             string
	Description      string
	Symbols          []string
	Sources          []string
	AnomalyTypes     []AnomalyType
	MinSeverity      Severity
	Emails           []string
	SMS              []string
	Webhooks         []string
	ActiveStart      int // minutes after midnight
	ActiveEnd        int
	Location         *time.Location
	MaxAlertsPerHour int
	Cooldown         time.Duration
	Enabled          bool
}

// Targets is the union of the rule's notification lists.
type Targets struct {
	Emails   []string `json:"emails,omitempty"`
	SMS      []string `json:"sms,omitempty"`
	Webhooks []string `json:"webhooks,omitempty"`
}

func (r *AlertRule) Targets() Targets {
	return Targets{Emails: r.Emails, SMS: r.SMS, Webhooks: r.Webhooks}
}
