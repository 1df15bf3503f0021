package job

import (
	"errors"
	"fmt"
)

// Status is the delivery state of a SendJob.
//
// Legal transitions:
//
//	draft    -> sending
//	sending  -> sent | retrying | partially_failed
//	retrying -> sent | partially_failed
type Status string

const (
	StatusDraft           Status = "draft"
	StatusSending         Status = "sending"
	StatusRetrying        Status = "retrying"
	StatusSent            Status = "sent"
	StatusPartiallyFailed Status = "partially_failed"
)

// ErrIllegalTransition is returned when a status change is not on a legal path.
var ErrIllegalTransition = errors.New("illegal status transition")

var transitions = map[Status][]Status{
	StatusDraft:    {StatusSending},
	StatusSending:  {StatusSent, StatusRetrying, StatusPartiallyFailed},
	StatusRetrying: {StatusSent, StatusPartiallyFailed},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusSending, StatusRetrying, StatusSent, StatusPartiallyFailed:
		return true
	}
	return false
}

// Active reports whether work is still expected for a job in this state.
func (s Status) Active() bool {
	return s == StatusSending || s == StatusRetrying
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusPartiallyFailed
}

func (s Status) String() string { return string(s) }

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to. Self-transitions are rejected like any other
// path that is not listed above.
func Transition(from, to Status) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: unknown status %q -> %q", ErrIllegalTransition, from, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// MoveTo applies a validated transition to the job.
func (j *SendJob) MoveTo(to Status) error {
	if err := Transition(j.Status, to); err != nil {
		return err
	}
	j.Status = to
	return nil
}
