package model

// ClaimState is the outcome of trying to take ownership of an event id.
type ClaimState int

const (
	ClaimAcquired ClaimState = iota
	ClaimAlreadyDone
	ClaimBusy
)

func (s ClaimState) String() string {
	switch s {
	case ClaimAcquired:
		return "acquired"
	case ClaimAlreadyDone:
		return "already_done"
	case ClaimBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Claim is a short-lived lock on one processor event id.
type Claim struct {
	EventID string
	Token   string
	State   ClaimState
}
