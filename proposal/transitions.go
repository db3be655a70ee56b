package proposal

import (
	"fmt"
	"strings"
)

// Status is a proposal lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusAccepted,
	StatusRejected,
	StatusCompleted,
	StatusExpired,
}

// validTransitions is the lifecycle graph. Statuses without an entry are terminal.
var validTransitions = map[Status][]Status{
	StatusPending:  {StatusAccepted, StatusRejected, StatusExpired},
	StatusAccepted: {StatusCompleted},
}

// ParseStatus converts a raw string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllStatuses {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("proposal: unknown status %q", s)
}

// IsTransitionAllowed reports whether from -> to is an edge of the lifecycle graph.
func IsTransitionAllowed(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s. Accepted is not terminal.
func IsTerminal(s Status) bool {
	_, ok := validTransitions[s]
	return !ok
}
