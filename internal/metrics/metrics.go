package metrics

import "sync"

// Event counter names. One flat namespace keeps the registry dumb; the
// Prometheus handler exposes each name as an `event` label value.
const (
	ConnectionsOpened = "ws_connections_opened"
	ConnectionsClosed = "ws_connections_closed"

	SessionsCreated   = "sessions_created"
	SessionsDestroyed = "sessions_destroyed"

	JoinsAccepted            = "joins_accepted"
	JoinsRejectedFull        = "joins_rejected_session_full"
	JoinsRejectedDuplicate   = "joins_rejected_duplicate_user"
	JoinsRejectedMaxSessions = "joins_rejected_max_sessions"

	RelayedOffers     = "relayed_offers"
	RelayedAnswers    = "relayed_answers"
	RelayedCandidates = "relayed_ice_candidates"
	RelayDropsNoPeer  = "relay_drops_no_peer"

	LeavesExplicit   = "leaves_explicit"
	LeavesDisconnect = "leaves_disconnect"

	MalformedMessages = "malformed_messages"
	OversizedMessages = "oversized_messages"
	RateLimitedCloses = "rate_limited_closes"
	ErrorsSent        = "errors_sent"

	TURNCredentialsIssued = "turn_credentials_issued"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It deliberately stays a map of named counters: the relay's observable
// surface is small and a label-per-event Prometheus exposition covers it
// without pulling in a client library.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
