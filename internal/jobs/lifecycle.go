package jobs

import (
	"fmt"
	"time"
)

// transitions lists the statuses reachable from each non-terminal status.
// A worker may finish a queued job in one update without passing through
// processing.
var transitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusCompleted, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// IsTerminal reports whether no further change is allowed
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Patch is a partial update applied by a worker. Nil fields are left untouched.
type Patch struct {
	Status   *Status
	Result   *Result
	Error    *JobError
	Attempts *int

	// ExpectStatus makes the update conditional on the stored status
	ExpectStatus *Status
}

// StatusPtr is a convenience for building patches
func StatusPtr(s Status) *Status { return &s }

// IntPtr is a convenience for building patches
func IntPtr(n int) *int { return &n }

// Apply merges p onto a copy of r and stamps UpdatedAt.
// Immutable fields are never touched. The receiver is left unchanged.
func (r *Record) Apply(p Patch, now time.Time) (*Record, error) {
	if p.ExpectStatus != nil && r.Status != *p.ExpectStatus {
		return nil, fmt.Errorf("%w: expected status %s, found %s", ErrConflict, *p.ExpectStatus, r.Status)
	}

	if r.Status.IsTerminal() {
		to := r.Status
		if p.Status != nil {
			to = *p.Status
		}
		return nil, &TransitionError{From: r.Status, To: to, Reason: "job is already terminal"}
	}

	next := r.Clone()

	if p.Status != nil && *p.Status != r.Status {
		if !p.Status.Valid() || !r.Status.CanTransitionTo(*p.Status) {
			return nil, &TransitionError{From: r.Status, To: *p.Status}
		}
		next.Status = *p.Status
	}

	if p.Attempts != nil {
		if *p.Attempts < r.Attempts {
			return nil, fmt.Errorf("%w: %d < %d", ErrAttemptsDecreased, *p.Attempts, r.Attempts)
		}
		next.Attempts = *p.Attempts
	}

	if p.Result != nil {
		res := *p.Result
		next.Result = &res
	}
	if p.Error != nil {
		e := *p.Error
		next.Error = &e
	}

	switch next.Status {
	case StatusCompleted:
		if next.Result == nil {
			return nil, &TransitionError{From: r.Status, To: next.Status, Reason: "result is required"}
		}
		next.Error = nil
	case StatusFailed:
		if next.Error == nil {
			return nil, &TransitionError{From: r.Status, To: next.Status, Reason: "error is required"}
		}
		next.Result = nil
	default:
		if p.Result != nil || p.Error != nil {
			return nil, &TransitionError{From: r.Status, To: next.Status, Reason: "result and error are only set on terminal statuses"}
		}
	}

	// updatedAt must move forward even when the clock does not
	now = now.UTC()
	if !now.After(r.UpdatedAt) {
		now = r.UpdatedAt.Add(time.Microsecond)
	}
	next.UpdatedAt = now

	return next, nil
}
