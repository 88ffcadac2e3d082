package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stillpoint/televisit/internal/metrics"
	"github.com/stillpoint/televisit/internal/origin"
	"github.com/stillpoint/televisit/internal/protocol"
	"github.com/stillpoint/televisit/internal/ratelimit"
	"github.com/stillpoint/televisit/internal/relay"
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	// Sessions holds every live roster. Required.
	Sessions *relay.Manager

	// Metrics counts signaling events. If nil, nothing is counted.
	Metrics *metrics.Metrics

	Logger *slog.Logger

	// AllowedOrigins restricts browser WebSocket upgrades. Empty means
	// same-host only; "*" allows any origin.
	AllowedOrigins []string

	// WSIdleTimeout closes a connection that has produced no reads (messages
	// or pongs) for this long. WSPingInterval is how often the relay pings to
	// give well-behaved clients something to pong.
	WSIdleTimeout  time.Duration
	WSPingInterval time.Duration

	// Inbound signaling hardening.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

// Server implements the relay's WebSocket signaling surface.
//
// Endpoints:
//   - GET /ws : session join/leave, roster notifications, and SDP/ICE
//     forwarding between the two participants of a session
type Server struct {
	// Sessions holds every live roster.
	//
	// This field is intentionally exported so tests can use a simple struct
	// literal (e.g. &Server{Sessions: relay.NewManager(0)}).
	Sessions *relay.Manager

	Metrics *metrics.Metrics

	AllowedOrigins []string

	WSIdleTimeout  time.Duration
	WSPingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	log *slog.Logger

	connMu sync.Mutex
	conns  map[*wsConn]struct{}
}

func NewServer(cfg Config) *Server {
	return &Server{
		Sessions: cfg.Sessions,
		Metrics:  cfg.Metrics,

		AllowedOrigins: cfg.AllowedOrigins,

		WSIdleTimeout:  cfg.WSIdleTimeout,
		WSPingInterval: cfg.WSPingInterval,

		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,

		log: cfg.Logger,
	}
}

// Close disconnects every active signaling connection. http.Server.Shutdown
// does not touch hijacked connections, so the relay calls this during
// shutdown; each connection's read loop then runs its usual leave backstop.
func (s *Server) Close() {
	s.connMu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "relay shutting down")
		c.Close()
	}
}

func (s *Server) trackConn(c *wsConn) {
	s.connMu.Lock()
	if s.conns == nil {
		s.conns = make(map[*wsConn]struct{})
	}
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrackConn(c *wsConn) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) logger() *slog.Logger {
	if s.log == nil {
		return slog.Default()
	}
	return s.log
}

func (s *Server) wsIdleTimeout() time.Duration {
	if s.WSIdleTimeout <= 0 {
		return 60 * time.Second
	}
	return s.WSIdleTimeout
}

func (s *Server) wsPingInterval() time.Duration {
	interval := s.WSPingInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	// A ping interval at or above the idle timeout would disconnect clients
	// that rely on pongs alone to stay live.
	if idle := s.wsIdleTimeout(); interval >= idle {
		interval = idle / 2
	}
	return interval
}

func (s *Server) maxMessageBytes() int64 {
	if s.MaxMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.MaxMessageBytes
}

func (s *Server) maxMessagesPerSecond() int {
	if s.MaxMessagesPerSecond <= 0 {
		return 50
	}
	return s.MaxMessagesPerSecond
}

func (s *Server) incMetric(name string) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.Inc(name)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	originHeader := strings.TrimSpace(r.Header.Get("Origin"))
	if originHeader == "" {
		return true
	}

	normalizedOrigin, originHost, ok := origin.NormalizeHeader(originHeader)
	if !ok {
		return false
	}
	return origin.IsAllowed(normalizedOrigin, originHost, r.Host, s.AllowedOrigins)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.Sessions == nil {
		http.Error(w, "session manager not configured", http.StatusInternalServerError)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	connID := uuid.NewString()
	s.incMetric(metrics.ConnectionsOpened)

	c := &wsConn{
		srv:    s,
		conn:   conn,
		connID: connID,
		log:    s.logger().With("conn_id", connID, "remote_addr", r.RemoteAddr),
		limiter: ratelimit.NewMessageLimiter(
			ratelimit.RealClock{},
			s.maxMessagesPerSecond(),
			s.maxMessagesPerSecond(),
		),
		done: make(chan struct{}),
	}

	s.trackConn(c)
	c.log.Info("ws_connected")
	c.run()
	c.log.Info("ws_disconnected")
	s.untrackConn(c)
	s.incMetric(metrics.ConnectionsClosed)
}

const wsWriteWait = 1 * time.Second

// wsConn is one participant connection. The read loop owns the join state;
// writeMu serializes writes, which arrive both from the read loop and from
// peers' read loops via the relay.Sender interface.
type wsConn struct {
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger

	connID  string
	limiter *ratelimit.MessageLimiter

	// Set once a join-session is accepted; empty before that and after an
	// explicit leave. Only the read loop touches these.
	sessionID string
	userID    string

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) run() {
	defer c.Close()
	defer c.leaveOnDisconnect()

	c.conn.SetReadLimit(c.srv.maxMessageBytes())

	idle := c.srv.wsIdleTimeout()
	_ = c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idle))
	})

	go c.pingLoop()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				c.srv.incMetric(metrics.OversizedMessages)
			}
			if isTimeout(err) {
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		// Reads also count as liveness, so a chatty client that never pongs is
		// not disconnected.
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))

		// Apply the per-connection message rate limit *after* reading the
		// message so we consume any bytes already in the TCP receive buffer.
		//
		// If we close before reading, the OS may send an abortive close (RST)
		// due to unread data, preventing clients from reliably observing the
		// WebSocket close code/reason.
		if !c.limiter.Allow() {
			c.srv.incMetric(metrics.RateLimitedCloses)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.fail(protocol.ReasonMalformedMessage, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			c.srv.incMetric(metrics.MalformedMessages)
			c.fail(protocol.ReasonMalformedMessage, websocket.CloseProtocolError, "malformed message")
			return
		}

		switch msg.Type {
		case protocol.MessageTypeJoinSession:
			if !c.handleJoin(msg) {
				return
			}
		case protocol.MessageTypeOffer, protocol.MessageTypeAnswer, protocol.MessageTypeICECandidate:
			if !c.handleRelay(msg) {
				return
			}
		case protocol.MessageTypeLeaveSession:
			c.handleLeave(msg)
			return
		default:
			// session-joined, participant-joined, participant-left and error
			// only ever travel relay-to-client.
			c.srv.incMetric(metrics.MalformedMessages)
			c.fail(protocol.ReasonMalformedMessage, websocket.CloseProtocolError, "unexpected message type")
			return
		}
	}
}

// handleJoin admits the connection into its session and notifies the roster.
// It returns false when the connection must be torn down.
//
// Delivery order matters here: the caller's ack and its copy of the existing
// roster are written before the existing members hear about the caller. An
// existing member can only start negotiating after that broadcast, so by the
// time any offer is relayed to the caller it has already been told who its
// peer is.
func (c *wsConn) handleJoin(msg protocol.Message) bool {
	if c.userID != "" {
		// One join per connection. A client that wants a different session
		// reconnects.
		c.fail(protocol.ReasonMalformedMessage, websocket.CloseProtocolError, "already joined")
		return false
	}

	member := relay.Member{
		ConnID:   c.connID,
		UserID:   msg.UserID,
		UserRole: msg.UserRole,
		UserName: msg.UserName,
		Sender:   c,
	}

	res, err := c.srv.Sessions.Join(msg.SessionID, member)
	switch {
	case errors.Is(err, relay.ErrSessionFull):
		c.srv.incMetric(metrics.JoinsRejectedFull)
		c.fail(protocol.ReasonSessionFull, websocket.ClosePolicyViolation, "session full")
		return false
	case errors.Is(err, relay.ErrTooManySessions):
		// The relay is at capacity for new sessions; to the caller that is
		// indistinguishable from the session being full.
		c.srv.incMetric(metrics.JoinsRejectedMaxSessions)
		c.fail(protocol.ReasonSessionFull, websocket.ClosePolicyViolation, "session full")
		return false
	case errors.Is(err, relay.ErrDuplicateUserID):
		c.srv.incMetric(metrics.JoinsRejectedDuplicate)
		c.fail(protocol.ReasonMalformedMessage, websocket.ClosePolicyViolation, "duplicate userId")
		return false
	case err != nil:
		c.fail(protocol.ReasonMalformedMessage, websocket.CloseInternalServerErr, "internal error")
		return false
	}

	c.sessionID = msg.SessionID
	c.userID = msg.UserID
	c.log = c.log.With("session_id", msg.SessionID, "user_id", msg.UserID)

	c.srv.incMetric(metrics.JoinsAccepted)
	if res.SessionCreated {
		c.srv.incMetric(metrics.SessionsCreated)
	}

	if err := c.Send(protocol.Message{
		Type:             protocol.MessageTypeSessionJoined,
		SessionID:        msg.SessionID,
		UserID:           msg.UserID,
		ParticipantCount: res.ParticipantCount,
	}); err != nil {
		return false
	}

	// Tell the caller about the members that were already in the session.
	// Both sides need the full roster to compute the offerer tie-break; the
	// joiner would otherwise only ever learn a participant count.
	for _, peer := range res.Peers {
		if err := c.Send(protocol.Message{
			Type:             protocol.MessageTypeParticipantJoined,
			SessionID:        msg.SessionID,
			UserID:           peer.UserID,
			Participant:      ptr(peer.Participant()),
			ParticipantCount: res.ParticipantCount,
		}); err != nil {
			return false
		}
	}

	c.broadcast(res.Peers, protocol.Message{
		Type:             protocol.MessageTypeParticipantJoined,
		SessionID:        msg.SessionID,
		UserID:           msg.UserID,
		Participant:      ptr(member.Participant()),
		ParticipantCount: res.ParticipantCount,
	})

	c.log.Info("session_joined", "user_role", string(msg.UserRole), "participant_count", res.ParticipantCount)
	return true
}

// handleRelay forwards an offer, answer or ice-candidate envelope to the
// other participant. It returns false when the connection must be torn down.
func (c *wsConn) handleRelay(msg protocol.Message) bool {
	if c.userID == "" {
		c.fail(protocol.ReasonSessionNotFound, websocket.CloseProtocolError, "not in a session")
		return false
	}
	if msg.SessionID != c.sessionID {
		c.fail(protocol.ReasonSessionNotFound, websocket.CloseProtocolError, "unknown session")
		return false
	}
	if msg.UserID != c.userID {
		// The sender identity on relayed envelopes is what lets receivers
		// discard echoes; a mismatch is either a bug or spoofing.
		c.srv.incMetric(metrics.MalformedMessages)
		c.fail(protocol.ReasonMalformedMessage, websocket.CloseProtocolError, "userId does not match join")
		return false
	}

	peers, err := c.srv.Sessions.Peers(c.sessionID, c.connID)
	if err != nil {
		c.fail(protocol.ReasonSessionNotFound, websocket.CloseProtocolError, "unknown session")
		return false
	}
	if len(peers) == 0 {
		// No peer yet. Dropping silently (rather than erroring) lets an eager
		// client start negotiating the instant the roster fills.
		c.srv.incMetric(metrics.RelayDropsNoPeer)
		return true
	}

	switch msg.Type {
	case protocol.MessageTypeOffer:
		c.srv.incMetric(metrics.RelayedOffers)
	case protocol.MessageTypeAnswer:
		c.srv.incMetric(metrics.RelayedAnswers)
	case protocol.MessageTypeICECandidate:
		c.srv.incMetric(metrics.RelayedCandidates)
	}

	c.broadcast(peers, msg)
	return true
}

// handleLeave processes an explicit leave-session and closes the connection.
func (c *wsConn) handleLeave(msg protocol.Message) {
	if c.userID == "" || msg.SessionID != c.sessionID || msg.UserID != c.userID {
		c.fail(protocol.ReasonSessionNotFound, websocket.CloseProtocolError, "not in a session")
		return
	}

	res, err := c.srv.Sessions.Leave(c.sessionID, c.connID)
	if err == nil {
		c.srv.incMetric(metrics.LeavesExplicit)
		if res.SessionDestroyed {
			c.srv.incMetric(metrics.SessionsDestroyed)
		}
		c.broadcast(res.Remaining, protocol.Message{
			Type:      protocol.MessageTypeParticipantLeft,
			SessionID: c.sessionID,
			UserID:    c.userID,
		})
		c.log.Info("session_left", "session_age", res.SessionAge, "session_destroyed", res.SessionDestroyed)
	}

	c.sessionID = ""
	c.userID = ""
	c.closeWith(websocket.CloseNormalClosure, "session left")
}

// leaveOnDisconnect is the backstop for connections that vanish without a
// leave-session: read failures, idle timeouts, protocol violations. Leave is
// idempotent, so racing an explicit leave is harmless.
func (c *wsConn) leaveOnDisconnect() {
	if c.userID == "" {
		return
	}

	res, err := c.srv.Sessions.Leave(c.sessionID, c.connID)
	if err != nil {
		return
	}

	c.srv.incMetric(metrics.LeavesDisconnect)
	if res.SessionDestroyed {
		c.srv.incMetric(metrics.SessionsDestroyed)
	}
	c.broadcast(res.Remaining, protocol.Message{
		Type:      protocol.MessageTypeParticipantLeft,
		SessionID: c.sessionID,
		UserID:    c.userID,
	})
	c.log.Info("session_left_on_disconnect", "session_age", res.SessionAge, "session_destroyed", res.SessionDestroyed)
}

func (c *wsConn) pingLoop() {
	t := time.NewTicker(c.srv.wsPingInterval())
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) broadcast(members []relay.Member, msg protocol.Message) {
	for _, m := range members {
		if err := m.Sender.Send(msg); err != nil {
			// The peer's own read loop notices the dead connection and runs
			// the leave backstop; nothing to do here beyond recording it.
			c.log.Warn("broadcast_failed", "peer_user_id", m.UserID, "type", string(msg.Type), "err", err)
		}
	}
}

// Send implements relay.Sender.
func (c *wsConn) Send(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// fail sends an error envelope to the offending connection and then a close
// frame. Errors are never broadcast.
func (c *wsConn) fail(reason string, closeCode int, closeReason string) {
	c.srv.incMetric(metrics.ErrorsSent)
	_ = c.Send(protocol.Message{
		Type:      protocol.MessageTypeError,
		SessionID: c.sessionID,
		Error:     reason,
	})
	c.closeWith(closeCode, closeReason)
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func ptr[T any](v T) *T { return &v }
