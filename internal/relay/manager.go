package relay

import (
	"sync"
	"time"
)

// Manager owns every live session roster.
type Manager struct {
	// maxSessions caps concurrently live sessions; 0 means unlimited.
	maxSessions int
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(maxSessions int) *Manager {
	return &Manager{
		maxSessions: maxSessions,
		now:         time.Now,
		sessions:    make(map[string]*Session),
	}
}

// JoinResult reports the roster as it stood the instant the join committed.
type JoinResult struct {
	// ParticipantCount includes the joiner.
	ParticipantCount int
	// Peers are the members that were already present, in arrival order.
	// The joiner's participant-joined broadcast goes to exactly these.
	Peers []Member
	// SessionCreated is true when this join brought the session into being.
	SessionCreated bool
	// SessionAge is how long the session had existed before this join.
	SessionAge time.Duration
}

// Join registers member in the session named sessionID, creating the session
// if it does not exist. The capacity check and the insert are a single
// critical section, so two racing joins into a one-member session resolve to
// exactly one winner and one ErrSessionFull.
func (mgr *Manager) Join(sessionID string, member Member) (JoinResult, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	sess, ok := mgr.sessions[sessionID]
	if !ok {
		if mgr.maxSessions > 0 && len(mgr.sessions) >= mgr.maxSessions {
			return JoinResult{}, ErrTooManySessions
		}
		sess = &Session{id: sessionID, createdAt: mgr.now()}
		mgr.sessions[sessionID] = sess
		sess.members = append(sess.members, member)
		return JoinResult{ParticipantCount: 1, SessionCreated: true}, nil
	}

	if len(sess.members) >= maxMembers {
		return JoinResult{}, ErrSessionFull
	}
	if sess.hasUserID(member.UserID) {
		return JoinResult{}, ErrDuplicateUserID
	}

	peers := sess.othersOf(member.ConnID)
	sess.members = append(sess.members, member)
	return JoinResult{
		ParticipantCount: len(sess.members),
		Peers:            peers,
		SessionAge:       mgr.now().Sub(sess.createdAt),
	}, nil
}

// LeaveResult reports who left and who remains to be notified.
type LeaveResult struct {
	Departed Member
	// Remaining members, in arrival order. participant-left goes to these.
	Remaining []Member
	// SessionDestroyed is true when the roster emptied and the session was
	// removed; the identifier is then free for reuse as a new session.
	SessionDestroyed bool
	SessionAge       time.Duration
}

// Leave removes the member registered under connID. It is idempotent with
// respect to disconnect races: a second Leave for the same connection
// returns ErrNotMember and changes nothing.
func (mgr *Manager) Leave(sessionID, connID string) (LeaveResult, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	sess, ok := mgr.sessions[sessionID]
	if !ok {
		return LeaveResult{}, ErrNotMember
	}
	i := sess.memberIndex(connID)
	if i < 0 {
		return LeaveResult{}, ErrNotMember
	}

	departed := sess.members[i]
	sess.members = append(sess.members[:i], sess.members[i+1:]...)

	res := LeaveResult{
		Departed:   departed,
		Remaining:  append([]Member(nil), sess.members...),
		SessionAge: mgr.now().Sub(sess.createdAt),
	}
	if len(sess.members) == 0 {
		delete(mgr.sessions, sessionID)
		res.SessionDestroyed = true
	}
	return res, nil
}

// Peers returns the other members of the session that the connection
// identified by connID has joined. ErrNotMember means the caller is relaying
// into a session it never joined (or already left).
func (mgr *Manager) Peers(sessionID, connID string) ([]Member, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	sess, ok := mgr.sessions[sessionID]
	if !ok {
		return nil, ErrNotMember
	}
	if sess.memberIndex(connID) < 0 {
		return nil, ErrNotMember
	}
	return sess.othersOf(connID), nil
}

// State reports the lifecycle state of a session. ok is false for the Empty
// state, i.e. no such session exists right now.
func (mgr *Manager) State(sessionID string) (SessionState, bool) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	sess, ok := mgr.sessions[sessionID]
	if !ok {
		return "", false
	}
	return sess.state(), true
}

// SessionCount returns the number of live sessions.
func (mgr *Manager) SessionCount() int {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return len(mgr.sessions)
}
