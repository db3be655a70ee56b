package notification

import "time"

// Type classifies a notification for the feed UI.
type Type string

const (
	TypeNewProposal           Type = "proposal"
	TypeProposalAccepted      Type = "proposal_accepted"
	TypeProposalRejected      Type = "proposal_rejected"
	TypeMissionCompleted      Type = "mission_completed"
	TypeProposalExpired       Type = "proposal_expired"
	TypeProposalExpiredStrike Type = "proposal_expired_strike"
	TypeProfileFrozen         Type = "profile_frozen"
	TypeNewMessage            Type = "message"
	TypeSystem                Type = "system"
)

// DefaultListLimit caps how many notifications a feed read returns.
const DefaultListLimit = 50

// Notification is a message addressed to one user. Link, RefID and FromName
// are empty when not applicable.
type Notification struct {
	ID        string    `json:"id,omitempty"`
	UserID    string    `json:"user_id"`
	Type      Type      `json:"type"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Link      string    `json:"link,omitempty"`
	RefID     string    `json:"ref_id,omitempty"`
	FromName  string    `json:"from_name,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}
