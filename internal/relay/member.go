package relay

import (
	"github.com/stillpoint/televisit/internal/protocol"
)

// Sender delivers one envelope to a member's transport. The signaling layer
// implements it on top of its per-connection write lock; the relay hands it
// back out so broadcasts reach members without a second connection registry.
//
// Implementations must be safe for concurrent use: a member's Sender is
// invoked from other members' handler goroutines.
type Sender interface {
	Send(msg protocol.Message) error
}

// Member is one roster entry. ConnID is the relay's transport-level handle
// for the participant (one WebSocket connection); it is never exposed to the
// other participant.
type Member struct {
	ConnID   string
	UserID   string
	UserRole protocol.Role
	UserName string
	Sender   Sender
}

// Participant returns the externally visible identity of the member.
func (m Member) Participant() protocol.Participant {
	return protocol.Participant{
		UserID:   m.UserID,
		UserRole: m.UserRole,
		UserName: m.UserName,
	}
}
