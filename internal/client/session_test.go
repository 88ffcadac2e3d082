package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/stillpoint/televisit/internal/media"
	"github.com/stillpoint/televisit/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// fakeTransport scripts the relay side of the signaling stream.
type fakeTransport struct {
	incoming chan protocol.Message

	mu     sync.Mutex
	sent   []protocol.Message
	err    error
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{incoming: make(chan protocol.Message, 32)}
}

func (f *fakeTransport) Send(msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Incoming() <-chan protocol.Message { return f.incoming }

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// deliver queues a message as if the relay sent it.
func (f *fakeTransport) deliver(msg protocol.Message) { f.incoming <- msg }

// breakWith simulates the transport dying with err.
func (f *fakeTransport) breakWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	close(f.incoming)
}

func (f *fakeTransport) sentOfType(mt protocol.MessageType) []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Message
	for _, m := range f.sent {
		if m.Type == mt {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) allSent() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.sent...)
}

func waitSent(t *testing.T, tr *fakeTransport, mt protocol.MessageType, n int) []protocol.Message {
	t.Helper()

	waitFor(t, fmt.Sprintf("%d %s messages", n, mt), func() bool {
		return len(tr.sentOfType(mt)) >= n
	})
	return tr.sentOfType(mt)
}

// fakePC records the negotiation calls the session makes.
type fakePC struct {
	mu          sync.Mutex
	tracks      []webrtc.TrackLocal
	localDescs  []webrtc.SessionDescription
	remoteDescs []webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	closed      bool

	offerErr    error
	setLocalErr error

	onICECandidate func(*webrtc.ICECandidate)
	onTrack        func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onConnState    func(webrtc.PeerConnectionState)
}

func (f *fakePC) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, track)
	return nil, nil
}

func (f *fakePC) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offerErr != nil {
		return webrtc.SessionDescription{}, f.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake offer"}, nil
}

func (f *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake answer"}, nil
}

func (f *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setLocalErr != nil {
		return f.setLocalErr
	}
	f.localDescs = append(f.localDescs, desc)
	return nil
}

func (f *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteDescs = append(f.remoteDescs, desc)
	return nil
}

func (f *fakePC) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *fakePC) OnICECandidate(h func(*webrtc.ICECandidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onICECandidate = h
}

func (f *fakePC) OnTrack(h func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = h
}

func (f *fakePC) OnConnectionStateChange(h func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnState = h
}

func (f *fakePC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePC) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakePC) trackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tracks)
}

func (f *fakePC) remoteDescriptions() []webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), f.remoteDescs...)
}

func (f *fakePC) localDescriptions() []webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), f.localDescs...)
}

func (f *fakePC) appliedCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), f.candidates...)
}

func (f *fakePC) fireConnState(st webrtc.PeerConnectionState) {
	f.mu.Lock()
	h := f.onConnState
	f.mu.Unlock()
	if h != nil {
		h(st)
	}
}

func (f *fakePC) fireLocalCandidate(c *webrtc.ICECandidate) {
	f.mu.Lock()
	h := f.onICECandidate
	f.mu.Unlock()
	if h != nil {
		h(c)
	}
}

// countingSource counts Close calls so tests can tell whether local media
// was released.
type countingSource struct {
	media.Source

	mu     sync.Mutex
	closed int
}

func (c *countingSource) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *countingSource) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type harness struct {
	t  *testing.T
	tr *fakeTransport
	s  *Session

	audioSrc *countingSource

	mu         sync.Mutex
	pcs        []*fakePC
	nextPC     *fakePC // used for the next build when non-nil
	pcErr      error
	states     []State
	errs       []error
	connStates []webrtc.PeerConnectionState
}

func newHarness(t *testing.T, self protocol.Participant) *harness {
	t.Helper()

	h := &harness{t: t, tr: newFakeTransport()}
	h.audioSrc = &countingSource{Source: media.SyntheticAudio()}

	stream, err := media.Acquire(media.Config{
		AudioSource: h.audioSrc,
		VideoSource: media.SyntheticVideo(),
	}, discardLogger())
	if err != nil {
		t.Fatalf("acquire media: %v", err)
	}
	t.Cleanup(func() { _ = stream.Close() })

	opts := Options{
		SessionID: "s1",
		UserID:    self.UserID,
		UserRole:  self.UserRole,
		UserName:  self.UserName,
		Media:     stream,
		Logger:    discardLogger(),
		OnStateChange: func(st State) {
			h.mu.Lock()
			h.states = append(h.states, st)
			h.mu.Unlock()
		},
		OnError: func(err error) {
			h.mu.Lock()
			h.errs = append(h.errs, err)
			h.mu.Unlock()
		},
		OnConnectionStateChange: func(cs webrtc.PeerConnectionState) {
			h.mu.Lock()
			h.connStates = append(h.connStates, cs)
			h.mu.Unlock()
		},
	}

	factory := func() (peerConnection, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.pcErr != nil {
			return nil, h.pcErr
		}
		pc := h.nextPC
		h.nextPC = nil
		if pc == nil {
			pc = &fakePC{}
		}
		h.pcs = append(h.pcs, pc)
		return pc, nil
	}

	h.s = newSession(opts, discardLogger(), h.tr, factory)
	return h
}

// join delivers the relay ack, completes the handshake and starts the loop.
func (h *harness) join() {
	h.t.Helper()

	h.tr.deliver(protocol.Message{
		Type:             protocol.MessageTypeSessionJoined,
		SessionID:        "s1",
		UserID:           h.s.userID,
		ParticipantCount: 1,
	})
	if err := h.s.join(context.Background()); err != nil {
		h.t.Fatalf("join: %v", err)
	}
	go h.s.run()
	h.t.Cleanup(func() {
		h.s.End()
		<-h.s.Done()
	})
}

func (h *harness) waitPC(n int) *fakePC {
	h.t.Helper()

	waitFor(h.t, fmt.Sprintf("%d peer connections", n), func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.pcs) >= n
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pcs[n-1]
}

func (h *harness) pcCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pcs)
}

func (h *harness) recordedStates() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

func (h *harness) recordedErrors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

func participantJoined(p protocol.Participant, count int) protocol.Message {
	return protocol.Message{
		Type:             protocol.MessageTypeParticipantJoined,
		SessionID:        "s1",
		UserID:           p.UserID,
		Participant:      &p,
		ParticipantCount: count,
	}
}

func sdpPayload(t *testing.T, typ, sdp string) json.RawMessage {
	t.Helper()

	raw, err := protocol.MarshalPayload(protocol.SessionDescription{Type: typ, SDP: sdp})
	if err != nil {
		t.Fatalf("marshal sdp payload: %v", err)
	}
	return raw
}

func candidatePayload(t *testing.T, cand string) json.RawMessage {
	t.Helper()

	raw, err := protocol.MarshalPayload(protocol.ICECandidate{Candidate: cand})
	if err != nil {
		t.Fatalf("marshal candidate payload: %v", err)
	}
	return raw
}

var (
	alice = protocol.Participant{UserID: "alice", UserRole: protocol.RoleClient, UserName: "Alice"}
	bob   = protocol.Participant{UserID: "bob", UserRole: protocol.RoleTherapist, UserName: "Bob"}
	carol = protocol.Participant{UserID: "carol", UserRole: protocol.RoleClient, UserName: "Carol"}
)

func TestJoin_AckMovesToWaitingForPeer(t *testing.T) {
	h := newHarness(t, alice)
	h.join()

	if got := h.s.State(); got != StateWaitingForPeer {
		t.Fatalf("state = %s, want %s", got, StateWaitingForPeer)
	}

	joins := h.tr.sentOfType(protocol.MessageTypeJoinSession)
	if len(joins) != 1 {
		t.Fatalf("sent %d join messages, want 1", len(joins))
	}
	msg := joins[0]
	if msg.SessionID != "s1" || msg.UserID != "alice" || msg.UserRole != protocol.RoleClient || msg.UserName != "Alice" {
		t.Fatalf("join message = %+v", msg)
	}
	if h.pcCount() != 0 {
		t.Fatalf("built %d peer connections before any peer joined", h.pcCount())
	}
}

func TestJoin_SessionFullRejected(t *testing.T) {
	h := newHarness(t, carol)
	h.tr.deliver(protocol.Message{Type: protocol.MessageTypeError, Error: protocol.ReasonSessionFull})

	err := h.s.join(context.Background())
	if !errors.Is(err, ErrSessionFull) {
		t.Fatalf("join into full session = %v, want ErrSessionFull", err)
	}
}

func TestJoin_TransportLossDuringJoin(t *testing.T) {
	h := newHarness(t, alice)
	h.tr.breakWith(io.ErrUnexpectedEOF)

	err := h.s.join(context.Background())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("join over dead transport = %v, want ErrTransport", err)
	}
}

func TestJoin_RequiresLocalMedia(t *testing.T) {
	_, err := Join(context.Background(), Options{
		RelayURL:  "ws://127.0.0.1:1/ws",
		SessionID: "s1",
		UserID:    "alice",
		UserRole:  protocol.RoleClient,
		UserName:  "Alice",
	})
	if !errors.Is(err, ErrMediaRequired) {
		t.Fatalf("Join without media = %v, want ErrMediaRequired", err)
	}
}

func TestTieBreak_TherapistAlwaysOffers(t *testing.T) {
	// Therapist side: must offer.
	h := newHarness(t, bob)
	h.join()
	h.tr.deliver(participantJoined(alice, 2))

	pc := h.waitPC(1)
	offers := waitSent(t, h.tr, protocol.MessageTypeOffer, 1)

	if got := pc.trackCount(); got != 2 {
		t.Fatalf("attached %d tracks, want 2", got)
	}
	desc, err := protocol.ParseSessionDescription(offers[0].Offer)
	if err != nil || desc.Type != "offer" {
		t.Fatalf("offer payload = %+v, err %v", desc, err)
	}
	if offers[0].UserID != "bob" {
		t.Fatalf("offer tagged with %q, want bob", offers[0].UserID)
	}
	if got := h.s.State(); got != StateNegotiating {
		t.Fatalf("state = %s, want %s", got, StateNegotiating)
	}

	// Client side against a therapist: must hold and wait for the offer.
	h2 := newHarness(t, alice)
	h2.join()
	h2.tr.deliver(participantJoined(bob, 2))

	pc2 := h2.waitPC(1)
	if got := pc2.trackCount(); got != 2 {
		t.Fatalf("answerer attached %d tracks, want 2", got)
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(h2.tr.sentOfType(protocol.MessageTypeOffer)); got != 0 {
		t.Fatalf("answerer sent %d offers, want 0", got)
	}
	if got := h2.s.State(); got != StateNegotiating {
		t.Fatalf("answerer state = %s, want %s", got, StateNegotiating)
	}
}

func TestTieBreak_EqualRolesSmallerUserIDOffers(t *testing.T) {
	// alice < carol, so alice offers no matter who joined first.
	h := newHarness(t, alice)
	h.join()
	h.tr.deliver(participantJoined(carol, 2))
	h.waitPC(1)
	waitSent(t, h.tr, protocol.MessageTypeOffer, 1)

	h2 := newHarness(t, carol)
	h2.join()
	h2.tr.deliver(participantJoined(alice, 2))
	h2.waitPC(1)
	time.Sleep(50 * time.Millisecond)
	if got := len(h2.tr.sentOfType(protocol.MessageTypeOffer)); got != 0 {
		t.Fatalf("larger userId sent %d offers, want 0", got)
	}
}

func TestAnswerer_AppliesOfferAndAnswers(t *testing.T) {
	h := newHarness(t, alice)
	h.join()
	h.tr.deliver(participantJoined(bob, 2))
	pc := h.waitPC(1)

	h.tr.deliver(protocol.Message{
		Type:      protocol.MessageTypeOffer,
		SessionID: "s1",
		UserID:    "bob",
		Offer:     sdpPayload(t, "offer", "v=0 bob offer"),
	})

	answers := waitSent(t, h.tr, protocol.MessageTypeAnswer, 1)
	desc, err := protocol.ParseSessionDescription(answers[0].Answer)
	if err != nil || desc.Type != "answer" {
		t.Fatalf("answer payload = %+v, err %v", desc, err)
	}
	if answers[0].UserID != "alice" {
		t.Fatalf("answer tagged with %q, want alice", answers[0].UserID)
	}

	remotes := pc.remoteDescriptions()
	if len(remotes) != 1 || remotes[0].Type != webrtc.SDPTypeOffer || remotes[0].SDP != "v=0 bob offer" {
		t.Fatalf("remote descriptions = %+v", remotes)
	}
	locals := pc.localDescriptions()
	if len(locals) != 1 || locals[0].Type != webrtc.SDPTypeAnswer {
		t.Fatalf("local descriptions = %+v", locals)
	}
}

func TestCandidates_QueuedUntilRemoteDescriptionThenFlushedInOrder(t *testing.T) {
	h := newHarness(t, alice)
	h.join()
	h.tr.deliver(participantJoined(bob, 2))
	pc := h.waitPC(1)

	for i := 1; i <= 3; i++ {
		h.tr.deliver(protocol.Message{
			Type:      protocol.MessageTypeICECandidate,
			SessionID: "s1",
			UserID:    "bob",
			Candidate: candidatePayload(t, fmt.Sprintf("candidate:%d", i)),
		})
	}

	time.Sleep(50 * time.Millisecond)
	if got := len(pc.appliedCandidates()); got != 0 {
		t.Fatalf("%d candidates applied before remote description", got)
	}

	h.tr.deliver(protocol.Message{
		Type:      protocol.MessageTypeOffer,
		SessionID: "s1",
		UserID:    "bob",
		Offer:     sdpPayload(t, "offer", "v=0 bob offer"),
	})
	waitSent(t, h.tr, protocol.MessageTypeAnswer, 1)

	applied := pc.appliedCandidates()
	if len(applied) != 3 {
		t.Fatalf("applied %d candidates, want 3", len(applied))
	}
	for i, cand := range applied {
		if want := fmt.Sprintf("candidate:%d", i+1); cand.Candidate != want {
			t.Fatalf("candidate %d = %q, want %q (arrival order)", i, cand.Candidate, want)
		}
	}

	// Late candidates now apply immediately.
	h.tr.deliver(protocol.Message{
		Type:      protocol.MessageTypeICECandidate,
		SessionID: "s1",
		UserID:    "bob",
		Candidate: candidatePayload(t, "candidate:4"),
	})
	waitFor(t, "late candidate", func() bool { return len(pc.appliedCandidates()) == 4 })
}

func TestOfferer_QueuesCandidatesUntilAnswerApplied(t *testing.T) {
	h := newHarness(t, bob)
	h.join()
	h.tr.deliver(participantJoined(alice, 2))
	pc := h.waitPC(1)
	waitSent(t, h.tr, protocol.MessageTypeOffer, 1)

	h.tr.deliver(protocol.Message{
		Type:      protocol.MessageTypeICECandidate,
		SessionID: "s1",
		UserID:    "alice",
		Candidate: candidatePayload(t, "candidate:early"),
	})
	time.Sleep(50 * time.Millisecond)
	if got := len(pc.appliedCandidates()); got != 0 {
		t.Fatalf("%d candidates applied before answer", got)
	}

	h.tr.deliver(protocol.Message{
		Type:      protocol.MessageTypeAnswer,
		SessionID: "s1",
		UserID:    "alice",
		Answer:    sdpPayload(t, "answer", "v=0 alice answer"),
	})

	waitFor(t, "flushed candidate", func() bool { return len(pc.appliedCandidates()) == 1 })
	remotes := pc.remoteDescriptions()
	if len(remotes) != 1 || remotes[0].Type != webrtc.SDPTypeAnswer {
		t.Fatalf("remote descriptions = %+v", remotes)
	}
}

func TestGlare_RightfulOffererIgnoresCompetingOffer(t *testing.T) {
	h := newHarness(t, bob)
	h.join()
	h.tr.deliver(participantJoined(alice, 2))
	pc := h.waitPC(1)
	waitSent(t, h.tr, protocol.MessageTypeOffer, 1)

	h.tr.deliver(protocol.Message{
		Type:      protocol.MessageTypeOffer,
		SessionID: "s1",
		UserID:    "alice",
		Offer:     sdpPayload(t, "offer", "v=0 competing offer"),
	})

	time.Sleep(50 * time.Millisecond)
	if got := len(pc.remoteDescriptions()); got != 0 {
		t.Fatalf("competing offer applied as remote description (%d)", got)
	}
	if got := len(h.tr.sentOfType(protocol.MessageTypeAnswer)); got != 0 {
		t.Fatalf("offerer answered a competing offer (%d answers)", got)
	}
	if got := h.pcCount(); got != 1 {
		t.Fatalf("glare caused %d peer connections, want 1", got)
	}
}

func TestRosterEvents_DuplicatesAndEchoesAreIdempotent(t *testing.T) {
	h := newHarness(t, bob)
	h.join()

	// Own roster echo never creates a peer connection.
	h.tr.deliver(participantJoined(bob, 1))
	time.Sleep(20 * time.Millisecond)
	if got := h.pcCount(); got != 0 {
		t.Fatalf("self roster event built %d peer connections", got)
	}

	h.tr.deliver(participantJoined(alice, 2))
	h.waitPC(1)
	waitSent(t, h.tr, protocol.MessageTypeOffer, 1)

	// Duplicate announcement reuses the existing connection and does not
	// re-offer.
	h.tr.deliver(participantJoined(alice, 2))
	time.Sleep(50 * time.Millisecond)
	if got := h.pcCount(); got != 1 {
		t.Fatalf("duplicate roster event built %d peer connections, want 1", got)
	}
	if got := len(h.tr.sentOfType(protocol.MessageTypeOffer)); got != 1 {
		t.Fatalf("duplicate roster event caused %d offers, want 1", got)
	}

	// Our own relayed messages echoed back are dropped.
	pc := h.waitPC(1)
	h.tr.deliver(protocol.Message{
		Type:      protocol.MessageTypeAnswer,
		SessionID: "s1",
		UserID:    "bob",
		Answer:    sdpPayload(t, "answer", "v=0 echo"),
	})
	h.tr.deliver(protocol.Message{
		Type:      protocol.MessageTypeICECandidate,
		SessionID: "s1",
		UserID:    "bob",
		Candidate: candidatePayload(t, "candidate:echo"),
	})
	time.Sleep(50 * time.Millisecond)
	if got := len(pc.remoteDescriptions()); got != 0 {
		t.Fatalf("echoed answer applied (%d remote descriptions)", got)
	}
	if got := len(pc.appliedCandidates()); got != 0 {
		t.Fatalf("echoed candidate applied (%d)", got)
	}
}

func TestPeerLeft_ReturnsToWaitingForPeerAndKeepsLocalMedia(t *testing.T) {
	h := newHarness(t, bob)
	h.join()
	h.tr.deliver(participantJoined(alice, 2))
	pc := h.waitPC(1)
	waitSent(t, h.tr, protocol.MessageTypeOffer, 1)

	h.tr.deliver(protocol.Message{
		Type:      protocol.MessageTypeParticipantLeft,
		SessionID: "s1",
		UserID:    "alice",
	})

	waitFor(t, "waiting-for-peer", func() bool { return h.s.State() == StateWaitingForPeer })
	if !pc.isClosed() {
		t.Fatal("peer connection not closed after participant-left")
	}
	if h.s.RemoteStream() != nil {
		t.Fatal("remote stream survived participant-left")
	}
	if got := h.audioSrc.closeCount(); got != 0 {
		t.Fatalf("local media closed %d times by peer departure, want 0", got)
	}

	// A new peer can arrive into the same session and negotiation restarts.
	h.tr.deliver(participantJoined(carol, 2))
	h.waitPC(2)
	waitSent(t, h.tr, protocol.MessageTypeOffer, 2)
}

func TestConnectionState_ConnectedPromotesState(t *testing.T) {
	h := newHarness(t, bob)
	h.join()
	h.tr.deliver(participantJoined(alice, 2))
	pc := h.waitPC(1)
	waitSent(t, h.tr, protocol.MessageTypeOffer, 1)

	pc.fireConnState(webrtc.PeerConnectionStateConnected)
	waitFor(t, "connected state", func() bool { return h.s.State() == StateConnected })
}

func TestConnectionState_FailedRebuildsWhilePeerPresent(t *testing.T) {
	h := newHarness(t, bob)
	h.join()
	h.tr.deliver(participantJoined(alice, 2))
	pc1 := h.waitPC(1)
	waitSent(t, h.tr, protocol.MessageTypeOffer, 1)

	pc1.fireConnState(webrtc.PeerConnectionStateFailed)

	pc2 := h.waitPC(2)
	waitSent(t, h.tr, protocol.MessageTypeOffer, 2)
	if !pc1.isClosed() {
		t.Fatal("failed peer connection was not closed")
	}

	var sawFailure bool
	for _, err := range h.recordedErrors() {
		if errors.Is(err, ErrNegotiationFailed) {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Fatalf("no ErrNegotiationFailed reported, got %v", h.recordedErrors())
	}

	// Events from the torn-down connection are stale and ignored.
	pc1.fireConnState(webrtc.PeerConnectionStateConnected)
	time.Sleep(50 * time.Millisecond)
	if got := h.s.State(); got != StateNegotiating {
		t.Fatalf("stale event changed state to %s", got)
	}

	pc2.fireConnState(webrtc.PeerConnectionStateConnected)
	waitFor(t, "connected after rebuild", func() bool { return h.s.State() == StateConnected })
}

func TestLocalCandidates_ForwardedAfterOffer(t *testing.T) {
	h := newHarness(t, bob)
	h.join()
	h.tr.deliver(participantJoined(alice, 2))
	pc := h.waitPC(1)
	waitSent(t, h.tr, protocol.MessageTypeOffer, 1)

	// End-of-gathering marker is not a candidate.
	pc.fireLocalCandidate(nil)
	pc.fireLocalCandidate(&webrtc.ICECandidate{
		Foundation: "0",
		Typ:        webrtc.ICECandidateTypeHost,
		Protocol:   webrtc.ICEProtocolUDP,
		Address:    "192.0.2.10",
		Port:       3478,
		Component:  1,
	})

	candidates := waitSent(t, h.tr, protocol.MessageTypeICECandidate, 1)
	if len(candidates) != 1 {
		t.Fatalf("sent %d candidates, want 1", len(candidates))
	}
	if candidates[0].UserID != "bob" {
		t.Fatalf("candidate tagged with %q, want bob", candidates[0].UserID)
	}
	if _, err := protocol.ParseICECandidate(candidates[0].Candidate); err != nil {
		t.Fatalf("candidate payload invalid: %v", err)
	}

	// The candidate envelope trails the offer on the wire.
	var offerIdx, candIdx = -1, -1
	for i, msg := range h.tr.allSent() {
		switch msg.Type {
		case protocol.MessageTypeOffer:
			if offerIdx == -1 {
				offerIdx = i
			}
		case protocol.MessageTypeICECandidate:
			if candIdx == -1 {
				candIdx = i
			}
		}
	}
	if offerIdx == -1 || candIdx == -1 || candIdx < offerIdx {
		t.Fatalf("candidate sent before offer (offer %d, candidate %d)", offerIdx, candIdx)
	}
}

func TestEnd_LeavesAndReleasesEverything(t *testing.T) {
	h := newHarness(t, bob)
	h.join()
	h.tr.deliver(participantJoined(alice, 2))
	pc := h.waitPC(1)
	waitSent(t, h.tr, protocol.MessageTypeOffer, 1)

	h.s.End()
	<-h.s.Done()

	leaves := h.tr.sentOfType(protocol.MessageTypeLeaveSession)
	if len(leaves) != 1 || leaves[0].UserID != "bob" || leaves[0].SessionID != "s1" {
		t.Fatalf("leave messages = %+v", leaves)
	}
	if !pc.isClosed() {
		t.Fatal("peer connection not closed by End")
	}
	if got := h.audioSrc.closeCount(); got != 1 {
		t.Fatalf("local media closed %d times, want 1", got)
	}
	if got := h.s.State(); got != StateClosed {
		t.Fatalf("state = %s, want %s", got, StateClosed)
	}
	if err := h.s.Err(); err != nil {
		t.Fatalf("Err() after clean end = %v, want nil", err)
	}

	// Idempotent.
	h.s.End()
	if got := len(h.tr.sentOfType(protocol.MessageTypeLeaveSession)); got != 1 {
		t.Fatalf("second End sent another leave (%d total)", got)
	}
}

func TestTransportLoss_SurfacesErrorAndKeepsMediaUntilEnd(t *testing.T) {
	h := newHarness(t, bob)
	h.join()
	h.tr.deliver(participantJoined(alice, 2))
	pc := h.waitPC(1)
	waitSent(t, h.tr, protocol.MessageTypeOffer, 1)

	h.tr.breakWith(io.ErrUnexpectedEOF)
	<-h.s.Done()

	if !errors.Is(h.s.Err(), ErrTransport) {
		t.Fatalf("Err() = %v, want ErrTransport", h.s.Err())
	}
	var surfaced bool
	for _, err := range h.recordedErrors() {
		if errors.Is(err, ErrTransport) {
			surfaced = true
		}
	}
	if !surfaced {
		t.Fatalf("transport loss not surfaced via OnError: %v", h.recordedErrors())
	}
	if got := h.s.State(); got != StateClosed {
		t.Fatalf("state = %s, want %s", got, StateClosed)
	}
	if !pc.isClosed() {
		t.Fatal("peer connection not closed on transport loss")
	}
	if got := h.audioSrc.closeCount(); got != 0 {
		t.Fatalf("transport loss released media (%d closes), only End may", got)
	}

	h.s.End()
	if got := h.audioSrc.closeCount(); got != 1 {
		t.Fatalf("End after transport loss closed media %d times, want 1", got)
	}
}

func TestOffer_BeforeRosterIsIgnored(t *testing.T) {
	h := newHarness(t, alice)
	h.join()

	h.tr.deliver(protocol.Message{
		Type:      protocol.MessageTypeOffer,
		SessionID: "s1",
		UserID:    "bob",
		Offer:     sdpPayload(t, "offer", "v=0 premature"),
	})

	time.Sleep(50 * time.Millisecond)
	if got := h.pcCount(); got != 0 {
		t.Fatalf("offer without roster entry built %d peer connections", got)
	}
	if got := h.s.State(); got != StateWaitingForPeer {
		t.Fatalf("state = %s, want %s", got, StateWaitingForPeer)
	}
}

func TestLocalSDPError_ReportsWithoutAutoRetry(t *testing.T) {
	h := newHarness(t, bob)
	h.mu.Lock()
	h.nextPC = &fakePC{offerErr: errors.New("sdp generation broke")}
	h.mu.Unlock()
	h.join()

	h.tr.deliver(participantJoined(alice, 2))

	waitFor(t, "negotiation error", func() bool {
		for _, err := range h.recordedErrors() {
			if errors.Is(err, ErrNegotiationFailed) {
				return true
			}
		}
		return false
	})
	waitFor(t, "waiting-for-peer after failure", func() bool { return h.s.State() == StateWaitingForPeer })

	// No self-heal for local SDP errors: one build, no retry loop.
	time.Sleep(50 * time.Millisecond)
	if got := h.pcCount(); got != 1 {
		t.Fatalf("local SDP failure triggered %d builds, want 1", got)
	}
}
