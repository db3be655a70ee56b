package proposal

import (
	"fmt"
	"time"
)

// ExpiredLabel is shown in place of a countdown once the deadline has passed.
const ExpiredLabel = "Expiré"

// CheckExpiry reports whether p is pending and its deadline is at or before now.
func CheckExpiry(p Proposal, now time.Time) bool {
	if p.Status != StatusPending {
		return false
	}
	deadline, ok := p.Deadline()
	if !ok {
		return false
	}
	return !now.Before(deadline)
}

// TimeRemaining is max(0, deadline - now). It is zero when no deadline can be derived.
func TimeRemaining(p Proposal, now time.Time) time.Duration {
	deadline, ok := p.Deadline()
	if !ok {
		return 0
	}
	if d := deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// FormatCountdown renders d as "Xh YYm" from one hour up, "Xm YYs" below
// that, and ExpiredLabel once nothing is left.
func FormatCountdown(d time.Duration) string {
	if d <= 0 {
		return ExpiredLabel
	}
	totalSec := int64(d / time.Second)
	hours := totalSec / 3600
	minutes := (totalSec % 3600) / 60
	seconds := totalSec % 60
	if totalSec >= 3600 {
		return fmt.Sprintf("%dh %02dm", hours, minutes)
	}
	return fmt.Sprintf("%dm %02ds", minutes, seconds)
}

// ProgressPercent is the share of the response window already used, clamped
// to [0, 100]. Records without a creation instant report 100.
func ProgressPercent(p Proposal, now time.Time) float64 {
	if p.CreatedAt.IsZero() {
		return 100
	}
	deadline, _ := p.Deadline()
	total := deadline.Sub(p.CreatedAt)
	if total <= 0 {
		return 100
	}
	pct := float64(now.Sub(p.CreatedAt)) / float64(total) * 100
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}

// Countdown is what the UI polls to draw the timer and progress bar.
type Countdown struct {
	Text        string
	Percent     float64
	RemainingMs int64
}

// CountdownDisplay bundles the countdown helpers for one proposal.
func CountdownDisplay(p Proposal, now time.Time) Countdown {
	remaining := TimeRemaining(p, now)
	return Countdown{
		Text:        FormatCountdown(remaining),
		Percent:     ProgressPercent(p, now),
		RemainingMs: remaining.Milliseconds(),
	}
}
