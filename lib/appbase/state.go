package appbase

import "sync/atomic"

// State is the lifecycle state of an App. States only ever move forward.
type State int32

const (
	Unconfigured State = iota
	Configuring
	Constructing
	Starting
	Running
	GracefulStopping
	HardStopping
	Stopped
)

var stateNames = [...]string{
	Unconfigured:     "Unconfigured",
	Configuring:      "Configuring",
	Constructing:     "Constructing",
	Starting:         "Starting",
	Running:          "Running",
	GracefulStopping: "GracefulStopping",
	HardStopping:     "HardStopping",
	Stopped:          "Stopped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// stateMachine holds the current state and rejects backward transitions
type stateMachine struct {
	v atomic.Int32
}

func (m *stateMachine) load() State {
	return State(m.v.Load())
}

// advance moves to next if next lies ahead of the current state. It reports
// whether the transition happened.
func (m *stateMachine) advance(next State) bool {
	for {
		cur := m.v.Load()
		if int32(next) <= cur {
			return false
		}
		if m.v.CompareAndSwap(cur, int32(next)) {
			Logger.Debugf("state %s -> %s", State(cur), next)
			return true
		}
	}
}
