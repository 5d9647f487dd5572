package delivery

import (
	"github.com/matheus3301/imcore/internal/errs"
	"github.com/matheus3301/imcore/internal/store"
)

// State is the lifecycle position of an outbound message.
type State string

const (
	Created   State = "created"
	Sending   State = "sending"
	Delivered State = "delivered"
	Failed    State = "failed"
)

var validTransitions = map[State][]State{
	Created: {Sending},
	Sending: {Delivered, Failed},
	Failed:  {Sending},
}

// Transition checks that a message may move from one state to another.
func Transition(from, to State) error {
	for _, s := range validTransitions[from] {
		if s == to {
			return nil
		}
	}
	return errs.Conflictf("delivery.Transition", "invalid transition %s -> %s", from, to)
}

// StateOf maps a stored status onto the delivery lifecycle.
func StateOf(s store.Status) State {
	switch s {
	case store.StatusSending:
		return Sending
	case store.StatusFailed:
		return Failed
	case store.StatusSent, store.StatusRead, store.StatusUnread:
		return Delivered
	default:
		return Created
	}
}
