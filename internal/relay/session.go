package relay

import (
	"time"
)

// maxMembers is the roster capacity. Two is the product contract (one client,
// one therapist); the state machine below it assumes nothing beyond "more
// than one".
const maxMembers = 2

// SessionState is the externally observable lifecycle of a session. An empty
// session does not exist: the roster manager destroys it on last leave, so
// absence from the manager is the Empty state.
type SessionState string

const (
	SessionStateWaitingForPeer SessionState = "waiting-for-peer"
	SessionStateActive         SessionState = "active"
)

// Session is a roster. All mutation happens inside Manager under its lock;
// the struct itself carries no synchronization.
type Session struct {
	id        string
	createdAt time.Time

	// members is in arrival order and never exceeds maxMembers.
	members []Member
}

func (s *Session) state() SessionState {
	if len(s.members) >= maxMembers {
		return SessionStateActive
	}
	return SessionStateWaitingForPeer
}

func (s *Session) memberIndex(connID string) int {
	for i, m := range s.members {
		if m.ConnID == connID {
			return i
		}
	}
	return -1
}

func (s *Session) hasUserID(userID string) bool {
	for _, m := range s.members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// othersOf returns all members except the one with connID.
func (s *Session) othersOf(connID string) []Member {
	others := make([]Member, 0, len(s.members))
	for _, m := range s.members {
		if m.ConnID != connID {
			others = append(others, m)
		}
	}
	return others
}
