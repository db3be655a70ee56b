package proposal

import (
	"errors"
	"testing"
)

func TestIsTransitionAllowed(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusAccepted}:   true,
		{StatusPending, StatusRejected}:   true,
		{StatusPending, StatusExpired}:    true,
		{StatusAccepted, StatusCompleted}: true,
	}
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := allowed[[2]Status{from, to}]
			if got := IsTransitionAllowed(from, to); got != want {
				t.Errorf("%s -> %s: got %v want %v", from, to, got, want)
			}
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusRejected:  true,
		StatusExpired:   true,
		StatusCompleted: true,
	}
	for _, st := range AllStatuses {
		if got := IsTerminal(st); got != terminal[st] {
			t.Errorf("IsTerminal(%s) = %v", st, got)
		}
	}
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus(" Accepted ")
	if err != nil || st != StatusAccepted {
		t.Fatalf("expected accepted, got %q (%v)", st, err)
	}
	if _, err := ParseStatus("archived"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestTransitionErrorUnwraps(t *testing.T) {
	err := error(&TransitionError{ProposalID: "p1", From: StatusExpired, To: StatusAccepted})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	var te *TransitionError
	if !errors.As(err, &te) || te.From != StatusExpired {
		t.Fatalf("expected TransitionError from expired, got %v", err)
	}
}
