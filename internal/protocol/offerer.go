package protocol

type Role string

const (
	RoleClient    Role = "client"
	RoleTherapist Role = "therapist"
)

// IsOfferer reports whether self initiates the SDP offer toward peer.
//
// The rule is fixed so both sides compute the same answer from the same
// roster, with no timing involved: a therapist always offers, and between
// equal roles the lexicographically smaller userId offers. Ties on userId
// cannot occur because the relay never admits the same userId twice into
// one session.
func IsOfferer(self, peer Participant) bool {
	selfTherapist := self.UserRole == RoleTherapist
	peerTherapist := peer.UserRole == RoleTherapist
	if selfTherapist != peerTherapist {
		return selfTherapist
	}
	return self.UserID < peer.UserID
}
