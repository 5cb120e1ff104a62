package entity

import (
	"strings"
	"time"
	"unicode"
)

// Presented on/off values
const (
	StateOn  = "on"
	StateOff = "off"
)

// State is the host-facing projection of one entity
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastUpdated time.Time              `json:"last_updated"`
}

// IsOn reports whether the presented state is "on"
func (s State) IsOn() bool {
	return s.State == StateOn
}

// OnOff converts a flag to its presented value
func OnOff(on bool) string {
	if on {
		return StateOn
	}
	return StateOff
}

// Publisher receives every state an entity publishes
type Publisher func(State)

// Slugify turns a display name into an entity id object part:
// "Living Room" becomes "living_room".
func Slugify(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
