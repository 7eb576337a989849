package domain

import "regexp"

// Event is an ephemeral product state change handed to the dispatcher.
// The payload schema is event-specific and opaque to the notifier; it
// only needs to serialize deterministically.
type Event struct {
	Name    string         `json:"event"`
	Payload map[string]any `json:"data"`
}

// EventTest is the synthetic event sent by the registry's test trigger.
const EventTest = "webhook.test"

// Event names are open-set but must look like dot-separated lowercase
// identifiers: domain.verb, e.g. "service.started", "user.created".
var eventNamePattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)+$`)

// ValidEventName reports whether name is a well-formed event name or
// the subscription wildcard.
func ValidEventName(name string) bool {
	if name == EventWildcard {
		return true
	}
	return eventNamePattern.MatchString(name)
}
