package reliability

import "time"

const (
	// MaxStrikes is the strike count that freezes a profile.
	MaxStrikes = 3
	// FreezeDuration is how long a frozen profile stays hidden.
	FreezeDuration = 24 * time.Hour
)

// State is the reliability subset of an expert profile.
type State struct {
	ExpertID      string
	DisplayName   string
	FreezeStrikes int
	FrozenUntil   *time.Time
	LastStrikeAt  *time.Time
	IsPublic      bool
	IsAvailable   bool
	UpdatedAt     time.Time
}

// IsFrozen reports whether the freeze window is still open at now.
func (s State) IsFrozen(now time.Time) bool {
	return s.FrozenUntil != nil && now.Before(*s.FrozenUntil)
}

// FreezeElapsed reports whether a freeze is recorded but already over.
func (s State) FreezeElapsed(now time.Time) bool {
	return s.FrozenUntil != nil && !now.Before(*s.FrozenUntil)
}

// FreezeRemaining is the time left in the freeze window, or zero.
func (s State) FreezeRemaining(now time.Time) time.Duration {
	if !s.IsFrozen(now) {
		return 0
	}
	return s.FrozenUntil.Sub(now)
}

// FreezeStatus is what the UI reads to show the freeze banner.
type FreezeStatus struct {
	IsFrozen    bool
	RemainingMs int64
	FrozenUntil *time.Time
	Strikes     int
	IsPublic    bool
	IsAvailable bool
}

func (s State) Status(now time.Time) FreezeStatus {
	return FreezeStatus{
		IsFrozen:    s.IsFrozen(now),
		RemainingMs: s.FreezeRemaining(now).Milliseconds(),
		FrozenUntil: s.FrozenUntil,
		Strikes:     s.FreezeStrikes,
		IsPublic:    s.IsPublic,
		IsAvailable: s.IsAvailable,
	}
}

// VisibilityUpdate names the flags an expert changes. A nil field keeps the
// stored value.
type VisibilityUpdate struct {
	IsPublic    *bool
	IsAvailable *bool
}

// Strike identifies the proposal an expert failed to answer.
type Strike struct {
	ExpertID      string
	ProposalID    string
	ProposalTitle string
}

// StrikeRecord is one row of the strike ledger.
type StrikeRecord struct {
	ExpertID      string
	ProposalID    string
	ProposalTitle string
	Count         int
	CreatedAt     time.Time
}

// StrikeResult reports the outcome of RegisterStrike. Count is the value the
// counter reached before any reset, so a freezing strike reports MaxStrikes.
type StrikeResult struct {
	State  State
	Count  int
	Frozen bool
}
