package models

import "strconv"

// ConnectionState is the lifecycle state of the push stream.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateGivenUp is terminal until an explicit connect.
	StateGivenUp
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateGivenUp:
		return "given_up"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Online reports whether messages can currently flow.
func (s ConnectionState) Online() bool {
	return s == StateConnected
}

// Identity is the authenticated local user.
type Identity struct {
	UserID    int64  `json:"userId"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Token     string `json:"-"`
}

// Validate checks the identity.
func (i Identity) Validate() error {
	validation := &ValidationErrors{}
	if i.UserID <= 0 {
		validation.Add("userId", ErrInvalidUserID)
	}
	return validation.Err()
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
