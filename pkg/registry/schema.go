// pkg/registry/schema.go
package registry

// Categories a notification type can belong to. Preferences may target a
// category instead of a single type code.
const (
	CategorySecurity      = "security"
	CategoryTransactional = "transactional"
	CategoryMarketing     = "marketing"
	CategorySystem        = "system"
)

type TypeRegistry struct {
	Version     string             `json:"version"`
	LastUpdated string             `json:"lastUpdated,omitempty"`
	Types       []NotificationType `json:"types"`
}

// NotificationType describes the dispatch policy of one type code.
type NotificationType struct {
	Code               string   `json:"code"`
	DisplayName        string   `json:"displayName,omitempty"`
	Category           string   `json:"category"`
	OptOutable         bool     `json:"opt_outable"`
	RespectsQuietHours bool     `json:"respects_quiet_hours"`
	DefaultPriority    string   `json:"default_priority,omitempty"`
	Channels           []string `json:"channels,omitempty"`
}

// AllowsChannel reports whether ch is allowed. An empty list allows all.
func (t NotificationType) AllowsChannel(ch string) bool {
	if len(t.Channels) == 0 {
		return true
	}
	for _, c := range t.Channels {
		if c == ch {
			return true
		}
	}
	return false
}
