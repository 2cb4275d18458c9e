package bus

import "fmt"

type State uint8

const (
	StateReset State = iota
	StateReady
	StateBusyTx
	StateBusyRx
	StateError
)

func (s State) String() string {
	switch s {
	case StateReset:
		return "RESET"
	case StateReady:
		return "READY"
	case StateBusyTx:
		return "BUSY_TX"
	case StateBusyRx:
		return "BUSY_RX"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

func (s State) Busy() bool {
	return s == StateBusyTx || s == StateBusyRx
}
