package proposal

import "time"

// ResponseWindow is how long a proposal stays answerable before it expires.
const ResponseWindow = time.Hour

// DefaultStartDate is stored when the recruiter leaves the start date blank.
const DefaultStartDate = "À définir"

// Proposal is an engagement offer from a recruiter to an expert.
type Proposal struct {
	ID          string
	ExpertID    string
	ClientID    *string
	ClientEmail string
	ClientName  *string
	Title       string
	Description string
	Budget      string
	StartDate   string
	Priority    *string
	Status      Status
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// Deadline returns the instant after which the proposal is overdue. Records
// written before expires_at existed derive it from CreatedAt.
func (p Proposal) Deadline() (time.Time, bool) {
	if p.ExpiresAt != nil {
		return *p.ExpiresAt, true
	}
	if p.CreatedAt.IsZero() {
		return time.Time{}, false
	}
	return p.CreatedAt.Add(ResponseWindow), true
}

// OriginatorName is the best display name we have for the recruiter.
func (p Proposal) OriginatorName() string {
	if p.ClientName != nil && *p.ClientName != "" {
		return *p.ClientName
	}
	return p.ClientEmail
}

// Originator identifies who sent a proposal.
type Originator struct {
	ClientID    string
	ClientEmail string
	ClientName  string
}

// Content is the recruiter-supplied body of a proposal.
type Content struct {
	Title       string
	Description string
	Budget      string
	StartDate   string
	Priority    string
}

// CreateParams bundles the inputs of Service.Create.
type CreateParams struct {
	ExpertID   string
	Originator Originator
	Content    Content
}

// Actor is the user performing a transition.
type Actor struct {
	ID   string
	Name string
}

// Decision is an expert's answer to a pending proposal.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// Event is one row of a proposal's status history.
type Event struct {
	ID         string
	ProposalID string
	FromStatus *Status
	ToStatus   Status
	ActorID    *string
	ActorName  string
	CreatedAt  time.Time
}

// ExpiryResult reports what ExpireIfDue did.
type ExpiryResult struct {
	Expired  bool
	Proposal Proposal
	Strikes  int
	Frozen   bool
}

// Stats counts proposals per status.
type Stats struct {
	Total    int
	ByStatus map[Status]int
}
