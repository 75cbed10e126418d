package handshake

import "fmt"

// State is the progress of one client's handshake.
type State int

// States
const (
	Init State = iota
	Offered
	Bound
	Renewing
	Released
	Expired
	Declined
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Offered:
		return "offered"
	case Bound:
		return "bound"
	case Renewing:
		return "renewing"
	case Released:
		return "released"
	case Expired:
		return "expired"
	case Declined:
		return "declined"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
