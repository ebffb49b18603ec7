package store

import "slices"

// Status is the delivery state of a message.
type Status string

const (
	Pending   Status = "pending"
	Delivered Status = "delivered"
	Read      Status = "read"
	Failed    Status = "failed"
)

// validTransitions defines allowed status transitions. Failed goes back to
// Pending only through an explicit retry.
var validTransitions = map[Status][]Status{
	Pending:   {Delivered, Failed},
	Failed:    {Pending},
	Delivered: {Read},
}

// CanTransition reports whether a message in status s may move to to.
func (s Status) CanTransition(to Status) bool {
	return slices.Contains(validTransitions[s], to)
}

// Settled reports whether the send pipeline is done with the message.
func (s Status) Settled() bool {
	return s != Pending
}
