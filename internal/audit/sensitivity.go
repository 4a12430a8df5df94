package audit

import (
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// sensitiveKeywords mark an action as sensitive wherever they appear in it.
var sensitiveKeywords = []string{
	"delete", "remove", "export", "purge", "blacklist", "terminate", "suspend", "revoke",
}

// Sensitivity classifies actions whose audit entries need extra scrutiny.
type Sensitivity struct {
	actions mapset.Set[string]
}

// NewSensitivity builds a classifier from the configured action names.
func NewSensitivity(actions []string) *Sensitivity {
	set := mapset.NewThreadUnsafeSet[string]()
	for _, a := range actions {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			set.Add(a)
		}
	}
	return &Sensitivity{actions: set}
}

// IsSensitive reports whether action is configured as sensitive or contains
// a sensitive keyword.
func (s *Sensitivity) IsSensitive(action string) bool {
	action = strings.ToLower(strings.TrimSpace(action))
	if action == "" {
		return false
	}
	if s != nil && s.actions.Contains(action) {
		return true
	}
	for _, kw := range sensitiveKeywords {
		if strings.Contains(action, kw) {
			return true
		}
	}
	return false
}
