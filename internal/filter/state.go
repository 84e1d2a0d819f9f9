package filter

import "fmt"

// CallState is the position of one request in the authorization flow.
type CallState int

const (
	// Init: headers seen, no backend work started.
	Init CallState = iota
	// Calling: waiting for a token or a Check decision. The request body is
	// held back from the next handler.
	Calling
	// Complete: the request was allowed and handed to the next handler.
	Complete
	// Responded: the filter answered the client itself.
	Responded
)

func (s CallState) String() string {
	switch s {
	case Init:
		return "init"
	case Calling:
		return "calling"
	case Complete:
		return "complete"
	case Responded:
		return "responded"
	default:
		return fmt.Sprintf("CallState(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s CallState) Terminal() bool {
	return s == Complete || s == Responded
}

// machine enforces monotonic transitions. It is owned by the request
// goroutine.
type machine struct {
	state CallState
}

// to moves forward to next. It returns false for backward moves and for
// moves out of a terminal state.
func (m *machine) to(next CallState) bool {
	if m.state.Terminal() || next <= m.state {
		return false
	}
	m.state = next
	return true
}
