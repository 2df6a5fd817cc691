package connectivity

import "time"

// State is the reconciler's believed connectivity state.
type State int

const (
	StateOnline    State = iota // Probe or signal confirmed reachability
	StateOffline                // Lost signal or failed probe
	StateAmbiguous              // Probe result contradicted a signal received during its flight
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	case StateAmbiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// ConnectivityState is a point-in-time copy of the reconciler state.
// BelievedOnline is the last published value; while Ambiguous it keeps
// whatever it was before the contradiction.
type ConnectivityState struct {
	State                 State     `json:"-"`
	StateName             string    `json:"state"`
	BelievedOnline        bool      `json:"believed_online"`
	Ambiguous             bool      `json:"ambiguous"`
	ProbeInFlight         bool      `json:"probe_in_flight"`
	LastLostSignalAt      time.Time `json:"last_lost_signal_at,omitempty"`
	LastConfirmedSignalAt time.Time `json:"last_confirmed_signal_at,omitempty"`
	LastProbeAt           time.Time `json:"last_probe_at,omitempty"`
}
