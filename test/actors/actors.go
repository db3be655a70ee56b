package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"expertflow/clock"
	"expertflow/outbox"
	"expertflow/proposal"
	"expertflow/reliability"
	"expertflow/scanner"
)

// Env is the shared wiring every actor runs against.
type Env struct {
	Proposals   *proposal.Service
	Reliability *reliability.Service
	Relay       *outbox.Relay
	Clock       *clock.Manual
	Experts     []string
	Recruiter   proposal.Originator
}

func (e *Env) randomExpert() string {
	return e.Experts[rand.Intn(len(e.Experts))]
}

// expected reports errors that concurrent actors and injected connection
// loss are allowed to produce.
func expected(err error) bool {
	return err == nil ||
		errors.Is(err, proposal.ErrInvalidTransition) ||
		errors.Is(err, proposal.ErrStoreUnavailable) ||
		errors.Is(err, reliability.ErrStoreUnavailable) ||
		errors.Is(err, reliability.ErrFrozen) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(minMs, spreadMs int) {
	time.Sleep(time.Duration(minMs+rand.Intn(spreadMs)) * time.Millisecond)
}

// Recruiter keeps sending proposals to random experts.
func Recruiter(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for n := 0; !stopped(ctx, stop); n++ {
		_, err := env.Proposals.Create(ctx, proposal.CreateParams{
			ExpertID:   env.randomExpert(),
			Originator: env.Recruiter,
			Content: proposal.Content{
				Title:       fmt.Sprintf("Mission %d", n),
				Description: "stress",
				Budget:      "500",
			},
		})
		if !expected(err) {
			return fmt.Errorf("recruiter create: %w", err)
		}
		pause(10, 20)
	}
	return nil
}

// Responder answers or completes proposals of one expert, racing the other
// responders and the expiry paths for the same rows.
func Responder(ctx context.Context, env *Env, expertID string, stop <-chan struct{}) error {
	actor := proposal.Actor{ID: expertID, Name: "stress expert"}
	for !stopped(ctx, stop) {
		list, err := env.Proposals.ListForExpert(ctx, expertID, "")
		if !expected(err) {
			return fmt.Errorf("responder list: %w", err)
		}
		if len(list) > 0 {
			p := list[rand.Intn(len(list))]
			switch p.Status {
			case proposal.StatusPending:
				decision := proposal.DecisionAccept
				if rand.Intn(2) == 0 {
					decision = proposal.DecisionReject
				}
				_, err = env.Proposals.Respond(ctx, p.ID, decision, actor)
			case proposal.StatusAccepted:
				_, err = env.Proposals.Complete(ctx, p.ID, actor)
			default:
				// Acting on a terminal proposal must be refused.
				_, err = env.Proposals.Accept(ctx, p.ID, actor)
				if err == nil {
					return fmt.Errorf("responder: accepted %s proposal %s", p.Status, p.ID)
				}
			}
			if !expected(err) {
				return fmt.Errorf("responder %s: %w", p.ID, err)
			}
		}
		pause(20, 60)
	}
	return nil
}

// Scanner ticks a session for one expert the way an open dashboard does.
// Several scanners per expert exercise concurrent expiry of the same rows.
func Scanner(ctx context.Context, env *Env, expertID string, stop <-chan struct{}) error {
	sess := scanner.NewSession(expertID, env.Proposals, env.Reliability)
	for !stopped(ctx, stop) {
		if _, err := sess.Tick(ctx); !expected(err) {
			return fmt.Errorf("scanner %s: %w", expertID, err)
		}
		pause(30, 50)
	}
	return nil
}

// Sweeper runs the server-side overdue sweep.
func Sweeper(ctx context.Context, env *Env, stop <-chan struct{}) error {
	sw := scanner.NewSweeper(env.Proposals, env.Reliability, scanner.WithBatchSize(25))
	for !stopped(ctx, stop) {
		if _, err := sw.RunOnce(ctx); !expected(err) {
			return fmt.Errorf("sweeper: %w", err)
		}
		pause(100, 200)
	}
	return nil
}

// Publisher flips visibility; while a freeze is open it must be refused.
func Publisher(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		expertID := env.randomExpert()
		public, available := rand.Intn(2) == 0, true
		st, err := env.Reliability.SetVisibility(ctx, expertID, reliability.VisibilityUpdate{
			IsPublic:    &public,
			IsAvailable: &available,
		})
		if err == nil && st.IsFrozen(env.Clock.Now()) {
			return fmt.Errorf("publisher: visibility changed on frozen expert %s", expertID)
		}
		if !expected(err) {
			return fmt.Errorf("publisher %s: %w", expertID, err)
		}
		pause(200, 300)
	}
	return nil
}

// OutboxWorker drives the relay the way the serve loop does.
func OutboxWorker(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if _, err := env.Relay.ProcessBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			// Lost connections roll the batch back; the next pass picks it up.
			pause(50, 50)
			continue
		}
		pause(20, 30)
	}
	return nil
}

// TimeWarp moves the shared clock forward so deadlines and freezes elapse
// within a short run.
func TimeWarp(ctx context.Context, env *Env, step time.Duration, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		env.Clock.Advance(time.Duration(rand.Int63n(int64(step))) + time.Second)
		pause(100, 100)
	}
	return nil
}
