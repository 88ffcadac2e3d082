package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/stillpoint/televisit/internal/media"
	"github.com/stillpoint/televisit/internal/protocol"
	"github.com/stillpoint/televisit/internal/webrtcpeer"
)

// Options configure Join.
type Options struct {
	// RelayURL is the relay's websocket endpoint, ws[s]://host/ws.
	RelayURL string
	// Origin is sent as the websocket Origin header. Relays running an
	// origin allowlist reject connections without an allowed one.
	Origin string

	SessionID string
	UserID    string
	UserRole  protocol.Role
	UserName  string

	// Media is the acquired local capture stream. Join refuses to run
	// without it: local tracks must exist before negotiation starts so the
	// first offer already carries them.
	Media *media.Stream

	// API builds peer connections. Nil constructs a default one.
	API *webrtc.API
	// ICEServers configure every peer connection built for this session.
	ICEServers []webrtc.ICEServer

	// Logger is used for session and transport logging. Nil uses
	// slog.Default().
	Logger *slog.Logger

	// Callbacks fire on the session's event goroutine. They must return
	// promptly; they may call End but must not wait on Done.
	OnStateChange           func(State)
	OnConnectionStateChange func(webrtc.PeerConnectionState)
	OnRemoteTrack           func(*webrtc.TrackRemote)
	OnError                 func(error)
}

func (o Options) validate() error {
	if o.SessionID == "" || o.UserID == "" || o.UserName == "" {
		return fmt.Errorf("client: sessionId, userId and userName are required")
	}
	if o.UserRole != protocol.RoleClient && o.UserRole != protocol.RoleTherapist {
		return fmt.Errorf("client: unsupported role %q", o.UserRole)
	}
	if o.Media == nil {
		return ErrMediaRequired
	}
	return nil
}

// RemoteStream is the peer's media as received so far. ID is the peer's
// MediaStream id; Tracks appear in arrival order.
type RemoteStream struct {
	ID     string
	Tracks []*webrtc.TrackRemote
}

// Events crossing from pion callbacks into the event loop. Each carries the
// peer connection generation that produced it, so events from a torn-down
// connection are recognized and dropped.
type localCandidateEvent struct {
	gen       int
	candidate webrtc.ICECandidateInit
}

type remoteTrackEvent struct {
	gen   int
	track *webrtc.TrackRemote
}

type connStateEvent struct {
	gen   int
	state webrtc.PeerConnectionState
}

// Session is one participant's connection to a visit. Create it with Join;
// stop it with End.
type Session struct {
	log *slog.Logger

	sessionID string
	userID    string
	self      protocol.Participant

	media   *media.Stream
	tr      signalTransport
	newPeer peerFactory

	onStateChange           func(State)
	onConnectionStateChange func(webrtc.PeerConnectionState)
	onRemoteTrack           func(*webrtc.TrackRemote)
	onError                 func(error)

	events  chan any
	endCh   chan struct{}
	endOnce sync.Once
	done    chan struct{}

	// Event-goroutine state. Nothing below is touched off-loop.
	peer          *protocol.Participant
	pc            peerConnection
	gen           int
	role          negotiationRole
	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit

	// Published snapshots, readable from any goroutine.
	mu         sync.Mutex
	state      State
	remote     *RemoteStream
	runErr     error
	loopExited bool
	endPending bool
}

// Join connects to the relay, joins the session and starts the event loop.
// It returns once the relay acknowledged the join (state WaitingForPeer) or
// rejected it: ErrSessionFull when two participants are already present.
// ctx bounds only the dial and join handshake.
func Join(ctx context.Context, opts Options) (*Session, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.RelayURL == "" {
		return nil, fmt.Errorf("client: relay url required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	api := opts.API
	if api == nil {
		var err error
		api, err = webrtcpeer.NewAPI(webrtcpeer.Options{Logger: log})
		if err != nil {
			return nil, err
		}
	}

	tr, err := dialTransport(ctx, opts.RelayURL, opts.Origin, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	s := newSession(opts, log, tr, pionPeerFactory(api, opts.ICEServers))
	if err := s.join(ctx); err != nil {
		_ = tr.Close()
		return nil, err
	}
	go s.run()
	return s, nil
}

func newSession(opts Options, log *slog.Logger, tr signalTransport, newPeer peerFactory) *Session {
	return &Session{
		log:       log.With("session_id", opts.SessionID, "user_id", opts.UserID),
		sessionID: opts.SessionID,
		userID:    opts.UserID,
		self: protocol.Participant{
			UserID:   opts.UserID,
			UserRole: opts.UserRole,
			UserName: opts.UserName,
		},
		media:   opts.Media,
		tr:      tr,
		newPeer: newPeer,

		onStateChange:           opts.OnStateChange,
		onConnectionStateChange: opts.OnConnectionStateChange,
		onRemoteTrack:           opts.OnRemoteTrack,
		onError:                 opts.OnError,

		events: make(chan any, 64),
		endCh:  make(chan struct{}, 1),
		done:   make(chan struct{}),
		state:  StateIdle,
	}
}

// join sends join-session and waits for the relay's verdict. The roster
// echo announcing an already-present member arrives after the ack and is
// left for the event loop.
func (s *Session) join(ctx context.Context) error {
	s.setState(StateJoining)
	err := s.tr.Send(protocol.Message{
		Type:      protocol.MessageTypeJoinSession,
		SessionID: s.sessionID,
		UserID:    s.userID,
		UserRole:  s.self.UserRole,
		UserName:  s.self.UserName,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-s.tr.Incoming():
			if !ok {
				return s.transportErr()
			}
			switch msg.Type {
			case protocol.MessageTypeSessionJoined:
				s.log.Info("session_joined", "participant_count", msg.ParticipantCount)
				s.setState(StateWaitingForPeer)
				return nil
			case protocol.MessageTypeError:
				return relayError(msg.Error)
			default:
				// The relay writes the ack before anything else can reach
				// this connection.
				s.log.Warn("unexpected message before join ack", "type", string(msg.Type))
			}
		}
	}
}

func (s *Session) transportErr() error {
	if err := s.tr.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return ErrTransport
}

// relayError maps a relay error reason onto the client error taxonomy.
func relayError(reason string) error {
	switch reason {
	case protocol.ReasonSessionFull:
		return ErrSessionFull
	case protocol.ReasonMalformedMessage:
		return ErrMalformedMessage
	default:
		return fmt.Errorf("relay error: %s", reason)
	}
}

func (s *Session) run() {
	for {
		select {
		case msg, ok := <-s.tr.Incoming():
			if !ok {
				s.stopOnTransportLoss()
				return
			}
			s.handleSignal(msg)
		case e := <-s.events:
			s.handleEvent(e)
		case <-s.endCh:
			s.end()
			return
		}
	}
}

// End leaves the session: best-effort leave-session to the relay, peer
// connection closed, local media released. Idempotent and non-blocking;
// wait on Done for full teardown.
func (s *Session) End() {
	s.endOnce.Do(func() {
		s.mu.Lock()
		exited := s.loopExited
		if !exited {
			s.endPending = true
		}
		s.mu.Unlock()
		if exited {
			// The loop stopped on transport loss and left media acquired;
			// End is the one path that releases it.
			_ = s.media.Close()
			return
		}
		s.endCh <- struct{}{}
	})
}

// Done is closed once the session has fully stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session stopped: nil after a clean End, an
// ErrTransport-wrapped cause when signaling died. Meaningful once Done is
// closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RemoteStream returns the peer's stream, nil until a remote track has
// actually arrived. Connected state does not imply a visible stream.
func (s *Session) RemoteStream() *RemoteStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return nil
	}
	return &RemoteStream{
		ID:     s.remote.ID,
		Tracks: append([]*webrtc.TrackRemote(nil), s.remote.Tracks...),
	}
}

// Media returns the local capture stream.
func (s *Session) Media() *media.Stream { return s.media }

// SetAudioEnabled toggles the microphone without renegotiating; the track
// stays attached.
func (s *Session) SetAudioEnabled(enabled bool) { s.media.SetAudioEnabled(enabled) }

// SetVideoEnabled toggles the camera without renegotiating.
func (s *Session) SetVideoEnabled(enabled bool) { s.media.SetVideoEnabled(enabled) }

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = st
	s.mu.Unlock()
	s.log.Info("state_change", "from", string(from), "to", string(st))
	if s.onStateChange != nil {
		s.onStateChange(st)
	}
}

func (s *Session) reportError(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}

// end performs the explicit teardown. This is the only path that releases
// local media.
func (s *Session) end() {
	s.log.Info("session_end")
	if err := s.tr.Send(protocol.Message{
		Type:      protocol.MessageTypeLeaveSession,
		SessionID: s.sessionID,
		UserID:    s.userID,
	}); err != nil {
		// Best effort; the relay's disconnect backstop notifies the peer.
		s.log.Warn("leave send failed", "err", err)
	}
	s.teardownPeer()
	_ = s.media.Close()
	s.finish(nil)
}

// stopOnTransportLoss shuts the session down after the signaling stream
// died. Local media stays acquired: only End releases it, and the caller
// may want the tracks for a rejoin.
func (s *Session) stopOnTransportLoss() {
	err := s.transportErr()
	s.log.Error("signaling transport lost", "err", err)
	s.teardownPeer()
	s.reportError(err)
	s.finish(err)
}

// finish is the tail of every exit path: stop the transport, publish the
// terminal error, enter Closed, release the loop. An End that raced the
// exit still gets its media release.
func (s *Session) finish(err error) {
	_ = s.tr.Close()
	s.mu.Lock()
	s.runErr = err
	s.loopExited = true
	endPending := s.endPending
	s.mu.Unlock()
	s.setState(StateClosed)
	close(s.done)
	if endPending {
		_ = s.media.Close()
	}
}

func (s *Session) handleSignal(msg protocol.Message) {
	switch msg.Type {
	case protocol.MessageTypeParticipantJoined:
		s.handleParticipantJoined(msg)
	case protocol.MessageTypeOffer:
		s.handleOffer(msg)
	case protocol.MessageTypeAnswer:
		s.handleAnswer(msg)
	case protocol.MessageTypeICECandidate:
		s.handleRemoteCandidate(msg)
	case protocol.MessageTypeParticipantLeft:
		s.handleParticipantLeft(msg)
	case protocol.MessageTypeError:
		s.log.Error("relay reported error", "reason", msg.Error)
		s.reportError(relayError(msg.Error))
	case protocol.MessageTypeSessionJoined:
		s.log.Warn("duplicate session-joined ignored")
	default:
		s.log.Warn("ignoring unexpected message", "type", string(msg.Type))
	}
}

func (s *Session) handleParticipantJoined(msg protocol.Message) {
	p := *msg.Participant
	if p.UserID == s.userID {
		return
	}
	if s.peer != nil {
		if s.peer.UserID == p.UserID {
			// Duplicate roster event; the existing attempt stands.
			return
		}
		s.log.Warn("third participant announced in two-party session", "user_id", p.UserID)
		return
	}
	s.peer = &p
	s.log.Info("peer_joined", "peer_user_id", p.UserID, "peer_role", string(p.UserRole))
	s.startNegotiation()
}

// startNegotiation runs the deterministic tie-break and, on the offerer
// side, produces the first offer. An existing peer connection is reused so
// duplicate roster events never double-build.
func (s *Session) startNegotiation() {
	if s.pc != nil {
		return
	}
	s.role = roleAnswerer
	if protocol.IsOfferer(s.self, *s.peer) {
		s.role = roleOfferer
	}
	if err := s.buildPeer(); err != nil {
		s.negotiationFailure(fmt.Errorf("build peer connection: %w", err))
		return
	}
	s.setState(StateNegotiating)
	s.log.Info("negotiation_started", "negotiation_role", s.role.String())
	if s.role == roleOfferer {
		s.sendOffer()
	}
}

func (s *Session) buildPeer() error {
	pc, err := s.newPeer()
	if err != nil {
		return err
	}
	for _, track := range s.media.Tracks() {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return fmt.Errorf("attach %s track: %w", track.ID(), err)
		}
	}

	s.gen++
	gen := s.gen
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		s.dispatch(localCandidateEvent{gen: gen, candidate: c.ToJSON()})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.dispatch(remoteTrackEvent{gen: gen, track: track})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.dispatch(connStateEvent{gen: gen, state: state})
	})

	s.pc = pc
	s.remoteSet = false
	s.pendingRemote = nil
	return nil
}

// dispatch hands an event from a pion callback goroutine to the loop.
func (s *Session) dispatch(e any) {
	select {
	case s.events <- e:
	case <-s.done:
	}
}

// teardownPeer closes the current attempt and invalidates its callbacks.
// Local media is untouched and re-attaches on the next build.
func (s *Session) teardownPeer() {
	if s.pc == nil {
		return
	}
	s.gen++
	_ = s.pc.Close()
	s.pc = nil
	s.role = roleUndecided
	s.remoteSet = false
	s.pendingRemote = nil
	s.mu.Lock()
	s.remote = nil
	s.mu.Unlock()
}

// negotiationFailure reports a locally failed attempt. Unlike a failed
// connection state it does not rebuild: retrying an SDP error would just
// loop, so the session waits with the peer still on the roster.
func (s *Session) negotiationFailure(err error) {
	s.log.Error("negotiation failed", "err", err)
	s.teardownPeer()
	s.setState(StateWaitingForPeer)
	s.reportError(fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
}

func (s *Session) sendOffer() {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		s.negotiationFailure(fmt.Errorf("create offer: %w", err))
		return
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		s.negotiationFailure(fmt.Errorf("set local offer: %w", err))
		return
	}
	payload, err := protocol.MarshalPayload(protocol.SessionDescriptionFromPion(offer))
	if err != nil {
		s.negotiationFailure(fmt.Errorf("encode offer: %w", err))
		return
	}
	if err := s.tr.Send(protocol.Message{
		Type:      protocol.MessageTypeOffer,
		SessionID: s.sessionID,
		UserID:    s.userID,
		Offer:     payload,
	}); err != nil {
		// Transport death surfaces through the Incoming close.
		s.log.Warn("offer send failed", "err", err)
		return
	}
	s.log.Info("offer_sent")
}

func (s *Session) handleOffer(msg protocol.Message) {
	if msg.UserID == s.userID {
		return
	}
	if s.peer == nil {
		// The relay announces a peer before relaying anything from it.
		s.log.Warn("offer before roster entry, ignoring", "from_user_id", msg.UserID)
		return
	}
	if protocol.IsOfferer(s.self, *s.peer) {
		// Glare: the tie-break is authoritative. The lower-priority side's
		// offer is dropped, not renegotiated.
		s.log.Warn("ignoring offer from the answerer side", "from_user_id", msg.UserID)
		return
	}
	desc, err := protocol.ParseSessionDescription(msg.Offer)
	if err != nil {
		s.log.Warn("discarding malformed offer", "err", err)
		return
	}
	remote, err := desc.ToPion()
	if err != nil || remote.Type != webrtc.SDPTypeOffer {
		s.log.Warn("discarding offer with wrong sdp type", "sdp_type", desc.Type)
		return
	}

	if s.pc == nil {
		s.role = roleAnswerer
		if err := s.buildPeer(); err != nil {
			s.negotiationFailure(fmt.Errorf("build peer connection: %w", err))
			return
		}
		s.setState(StateNegotiating)
		s.log.Info("negotiation_started", "negotiation_role", s.role.String())
	}

	if err := s.pc.SetRemoteDescription(remote); err != nil {
		s.negotiationFailure(fmt.Errorf("set remote offer: %w", err))
		return
	}
	s.remoteSet = true
	s.flushPendingCandidates()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		s.negotiationFailure(fmt.Errorf("create answer: %w", err))
		return
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		s.negotiationFailure(fmt.Errorf("set local answer: %w", err))
		return
	}
	payload, err := protocol.MarshalPayload(protocol.SessionDescriptionFromPion(answer))
	if err != nil {
		s.negotiationFailure(fmt.Errorf("encode answer: %w", err))
		return
	}
	if err := s.tr.Send(protocol.Message{
		Type:      protocol.MessageTypeAnswer,
		SessionID: s.sessionID,
		UserID:    s.userID,
		Answer:    payload,
	}); err != nil {
		s.log.Warn("answer send failed", "err", err)
		return
	}
	s.log.Info("answer_sent")
}

func (s *Session) handleAnswer(msg protocol.Message) {
	if msg.UserID == s.userID {
		return
	}
	if s.pc == nil || s.role != roleOfferer {
		s.log.Warn("unexpected answer, ignoring", "from_user_id", msg.UserID)
		return
	}
	desc, err := protocol.ParseSessionDescription(msg.Answer)
	if err != nil {
		s.log.Warn("discarding malformed answer", "err", err)
		return
	}
	remote, err := desc.ToPion()
	if err != nil || remote.Type != webrtc.SDPTypeAnswer {
		s.log.Warn("discarding answer with wrong sdp type", "sdp_type", desc.Type)
		return
	}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		s.negotiationFailure(fmt.Errorf("set remote answer: %w", err))
		return
	}
	s.remoteSet = true
	s.flushPendingCandidates()
	s.log.Info("answer_applied")
}

func (s *Session) handleRemoteCandidate(msg protocol.Message) {
	if msg.UserID == s.userID {
		return
	}
	cand, err := protocol.ParseICECandidate(msg.Candidate)
	if err != nil {
		s.log.Warn("discarding malformed candidate", "err", err)
		return
	}
	init := cand.ToPion()
	if s.pc == nil || !s.remoteSet {
		// Candidates may outrun the SDP exchange. They queue rather than
		// drop and flush in arrival order once the remote description
		// lands.
		s.pendingRemote = append(s.pendingRemote, init)
		return
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		s.log.Warn("candidate rejected", "err", err)
	}
}

// flushPendingCandidates applies queued remote candidates in arrival order.
func (s *Session) flushPendingCandidates() {
	for _, cand := range s.pendingRemote {
		if err := s.pc.AddICECandidate(cand); err != nil {
			s.log.Warn("queued candidate rejected", "err", err)
		}
	}
	s.pendingRemote = nil
}

func (s *Session) handleParticipantLeft(msg protocol.Message) {
	if s.peer == nil || msg.UserID != s.peer.UserID {
		return
	}
	s.log.Info("peer_left", "peer_user_id", msg.UserID)
	s.peer = nil
	s.teardownPeer()
	s.setState(StateWaitingForPeer)
}

func (s *Session) handleEvent(e any) {
	switch ev := e.(type) {
	case localCandidateEvent:
		if ev.gen != s.gen {
			return
		}
		s.sendLocalCandidate(ev.candidate)
	case remoteTrackEvent:
		if ev.gen != s.gen {
			return
		}
		s.acceptRemoteTrack(ev.track)
	case connStateEvent:
		if ev.gen != s.gen {
			return
		}
		s.connectionStateChanged(ev.state)
	}
}

// sendLocalCandidate forwards a discovered candidate immediately, no
// batching or dedupe. Going through the loop keeps it ordered after the
// offer or answer that introduced the attempt.
func (s *Session) sendLocalCandidate(init webrtc.ICECandidateInit) {
	payload, err := protocol.MarshalPayload(protocol.ICECandidateFromPion(init))
	if err != nil {
		s.log.Warn("encode candidate failed", "err", err)
		return
	}
	if err := s.tr.Send(protocol.Message{
		Type:      protocol.MessageTypeICECandidate,
		SessionID: s.sessionID,
		UserID:    s.userID,
		Candidate: payload,
	}); err != nil {
		s.log.Warn("candidate send failed", "err", err)
	}
}

func (s *Session) acceptRemoteTrack(track *webrtc.TrackRemote) {
	s.log.Info("remote_track", "kind", track.Kind().String(), "stream_id", track.StreamID())
	s.mu.Lock()
	if s.remote == nil {
		s.remote = &RemoteStream{ID: track.StreamID()}
	}
	s.remote.Tracks = append(s.remote.Tracks, track)
	s.mu.Unlock()
	if s.onRemoteTrack != nil {
		s.onRemoteTrack(track)
	}
}

func (s *Session) connectionStateChanged(state webrtc.PeerConnectionState) {
	s.log.Info("connection_state", "state", state.String())
	if s.onConnectionStateChange != nil {
		s.onConnectionStateChange(state)
	}
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if s.State() == StateNegotiating {
			s.setState(StateConnected)
		}
	case webrtc.PeerConnectionStateFailed:
		// Transient ICE failures are common on flaky networks. Tear the
		// attempt down and, with the peer still present, start a fresh one
		// without waiting for user action.
		s.reportError(fmt.Errorf("%w: connection state failed", ErrNegotiationFailed))
		s.teardownPeer()
		s.setState(StateWaitingForPeer)
		if s.peer != nil {
			s.startNegotiation()
		}
	}
}
