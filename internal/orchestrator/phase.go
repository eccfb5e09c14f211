package orchestrator

import (
	"github.com/fyrsmithlabs/refinery/internal/capability"
	"github.com/fyrsmithlabs/refinery/internal/session"
)

// Phase is one stage of a session. The set is closed; decision points switch
// exhaustively over it.
type Phase string

const (
	PhasePlanning  Phase = "planning"
	PhaseImplement Phase = "implement"
	PhaseTesting   Phase = "testing"
	PhaseReview    Phase = "review"
)

// Capability maps the phase onto the capability resolver's phase space.
func (p Phase) Capability() capability.Phase {
	switch p {
	case PhasePlanning:
		return capability.PhasePlanning
	case PhaseImplement:
		return capability.PhaseImplement
	case PhaseTesting:
		return capability.PhaseTesting
	case PhaseReview:
		return capability.PhaseReview
	}
	return capability.PhaseImplement
}

// Status maps the phase onto the session lifecycle status.
func (p Phase) Status() session.Status {
	switch p {
	case PhasePlanning:
		return session.StatusPlanning
	case PhaseImplement:
		return session.StatusImplementing
	case PhaseTesting:
		return session.StatusTesting
	case PhaseReview:
		return session.StatusReviewing
	}
	return session.StatusPending
}

// StopReason explains why a session reached its terminal state. Exhaustion
// reasons (timeout, plateau, max iterations) are normal outcomes, not
// errors.
type StopReason string

const (
	StopMaxScore            StopReason = "max_score"
	StopTimeout             StopReason = "timeout"
	StopPlateau             StopReason = "plateau"
	StopMaxIterations       StopReason = "max_iterations"
	StopReviewApproved      StopReason = "review_approved"
	StopReviewRejected      StopReason = "review_rejected"
	StopMaxReviewIterations StopReason = "max_review_iterations"
	StopError               StopReason = "error"
	StopCancelled           StopReason = "cancelled"
)

// Fatal reports whether the reason rules out a successful outcome
// regardless of the score trajectory.
func (r StopReason) Fatal() bool {
	switch r {
	case StopError, StopReviewRejected, StopCancelled:
		return true
	}
	return false
}

// Status maps the reason onto the terminal session status.
func (r StopReason) Status() session.Status {
	switch r {
	case StopCancelled:
		return session.StatusCancelled
	case StopError, StopReviewRejected:
		return session.StatusFailed
	case StopMaxScore, StopTimeout, StopPlateau, StopMaxIterations,
		StopReviewApproved, StopMaxReviewIterations:
		return session.StatusCompleted
	}
	return session.StatusFailed
}
