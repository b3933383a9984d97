package agent

// State is the page-load lifecycle of the agent.
type State int

const (
	StateUninitialized State = iota
	StateBotCheck
	StateSuppressed
	StateActive
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBotCheck:
		return "bot_check"
	case StateSuppressed:
		return "suppressed"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}
