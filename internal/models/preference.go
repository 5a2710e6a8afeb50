package models

import "time"

// Preference is a recipient's opt-in state for a type code (or category) and/or
// channel. Empty TypeCode or Channel means "any".
type Preference struct {
	TenantID   string       `json:"tenantId" db:"tenant_id"`
	Recipient  RecipientRef `json:"recipient"`
	TypeCode   string       `json:"typeCode,omitempty" db:"type_code"`
	Channel    Channel      `json:"channel,omitempty" db:"channel"`
	OptedIn    bool         `json:"optedIn" db:"opted_in"`
	QuietHours *QuietHours  `json:"quietHours,omitempty" db:"quiet_hours"`
	UpdatedAt  time.Time    `json:"updatedAt" db:"updated_at"`
}

// Matches reports whether the preference applies to the given type, its
// category and channel.
func (p *Preference) Matches(typeCode, category string, channel Channel) bool {
	if p.TypeCode != "" && p.TypeCode != typeCode && p.TypeCode != category {
		return false
	}
	if p.Channel != "" && p.Channel != channel {
		return false
	}
	return true
}

// QuietHours is a daily local-time window, e.g. 22:00 to 07:00 Europe/Berlin.
type QuietHours struct {
	Start    string `json:"start" mapstructure:"start"`
	End      string `json:"end" mapstructure:"end"`
	Timezone string `json:"timezone" mapstructure:"timezone"`
}

// ComplianceHold blocks contact with a recipient, optionally on one channel.
type ComplianceHold struct {
	TenantID  string       `json:"tenantId" db:"tenant_id"`
	Recipient RecipientRef `json:"recipient"`
	Channel   Channel      `json:"channel,omitempty" db:"channel"`
	Flag      string       `json:"flag" db:"flag"`
	Active    bool         `json:"active" db:"active"`
	CreatedAt time.Time    `json:"createdAt" db:"created_at"`
}

// Eligibility is the verdict of the preference filter.
type Eligibility int

const (
	Eligible Eligibility = iota
	Suppressed
	Deferred
)

func (e Eligibility) String() string {
	switch e {
	case Eligible:
		return "eligible"
	case Suppressed:
		return "suppressed"
	case Deferred:
		return "deferred"
	}
	return "unknown"
}

// PreferenceDecision carries the verdict and, when deferred, the time the
// request becomes eligible again.
type PreferenceDecision struct {
	Outcome Eligibility
	Until   time.Time
	Reason  string
}
