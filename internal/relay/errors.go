package relay

import "errors"

var (
	ErrSessionFull = errors.New("session full")
	// ErrDuplicateUserID is returned when a join names a userId already present
	// in the session roster. Admitting it would break echo discarding, which
	// keys on userId.
	ErrDuplicateUserID = errors.New("userId already in session")
	ErrTooManySessions = errors.New("too many sessions")
	// ErrNotMember is returned when a connection relays into, or leaves, a
	// session it never joined (or one that has since been destroyed).
	ErrNotMember = errors.New("not a session member")
)
