// Loopback E2E: an in-process relay and two synthetic-media session clients
// negotiate a real SRTP call over host loopback, survive a peer swap, and a
// raw-socket probe checks the relay's malformed-message handling. Exits 0 on
// success, 1 on failure, so it can gate CI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/net/websocket"

	"github.com/stillpoint/televisit/internal/client"
	"github.com/stillpoint/televisit/internal/media"
	"github.com/stillpoint/televisit/internal/metrics"
	"github.com/stillpoint/televisit/internal/protocol"
	"github.com/stillpoint/televisit/internal/relay"
	"github.com/stillpoint/televisit/internal/signaling"
)

const sessionID = "loopback-visit"

func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	port := envIntOrDefault("PORT", 0)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	ln, err := net.Listen("tcp", net.JoinHostPort(bindHost, strconv.Itoa(port)))
	if err != nil {
		fail("listen: %v", err)
	}

	m := metrics.New()
	sig := signaling.NewServer(signaling.Config{
		Sessions: relay.NewManager(0),
		Metrics:  m,
		Logger:   logger,
	})

	srv := &http.Server{
		Handler:           sig.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			fail("http server error: %v", err)
		}
	}()
	defer func() {
		sig.Close()
		_ = srv.Close()
	}()

	hostPort := ln.Addr().String()
	wsURL := "ws://" + hostPort + "/ws"
	fmt.Printf("READY %s\n", hostPort)

	therapist, err := joinParticipant(logger, wsURL, "dr-lee", protocol.RoleTherapist)
	if err != nil {
		fail("therapist join: %v", err)
	}
	defer endSession(therapist)

	if got := therapist.State(); got != client.StateWaitingForPeer {
		fail("therapist state after solo join = %s", got)
	}

	patient, err := joinParticipant(logger, wsURL, "pat-7", protocol.RoleClient)
	if err != nil {
		fail("patient join: %v", err)
	}
	defer endSession(patient)

	if !waitFor(30*time.Second, func() bool {
		return therapist.State() == client.StateConnected && patient.State() == client.StateConnected
	}) {
		fail("sides never connected (therapist=%s patient=%s)", therapist.State(), patient.State())
	}
	fmt.Println("OK connected")

	if !waitFor(15*time.Second, func() bool {
		return remoteTrackCount(therapist) == 2 && remoteTrackCount(patient) == 2
	}) {
		fail("remote media incomplete (therapist=%d patient=%d tracks)",
			remoteTrackCount(therapist), remoteTrackCount(patient))
	}
	fmt.Println("OK remote-media")

	// One side hangs up; the other must come back ready for a new peer with
	// its capture still running.
	patient.End()
	<-patient.Done()
	if err := patient.Err(); err != nil {
		fail("patient ended with error: %v", err)
	}
	if !waitFor(10*time.Second, func() bool {
		return therapist.State() == client.StateWaitingForPeer
	}) {
		fail("therapist stuck in %s after peer left", therapist.State())
	}
	if therapist.RemoteStream() != nil {
		fail("therapist kept a remote stream after peer left")
	}
	fmt.Println("OK peer-left")

	patient2, err := joinParticipant(logger, wsURL, "pat-8", protocol.RoleClient)
	if err != nil {
		fail("replacement patient join: %v", err)
	}
	defer endSession(patient2)

	if !waitFor(30*time.Second, func() bool {
		return therapist.State() == client.StateConnected && patient2.State() == client.StateConnected
	}) {
		fail("reconnect never completed (therapist=%s patient2=%s)", therapist.State(), patient2.State())
	}
	fmt.Println("OK reconnected")

	if err := verifyMalformedRejected(wsURL, "http://"+hostPort); err != nil {
		fail("malformed probe: %v", err)
	}
	fmt.Println("OK malformed-rejected")

	if got := m.Get(metrics.SessionsCreated); got < 1 {
		fail("sessions_created = %d", got)
	}
	if got := m.Get(metrics.MalformedMessages); got < 1 {
		fail("malformed_messages = %d", got)
	}

	fmt.Println("PASS")
}

func joinParticipant(logger *slog.Logger, wsURL, userID string, role protocol.Role) (*client.Session, error) {
	stream, err := media.Acquire(media.Config{
		AudioSource: media.SyntheticAudio(),
		VideoSource: media.SyntheticVideo(),
		StreamID:    userID,
	}, logger)
	if err != nil {
		return nil, err
	}
	stream.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := client.Join(ctx, client.Options{
		RelayURL:  wsURL,
		SessionID: sessionID,
		UserID:    userID,
		UserRole:  role,
		UserName:  userID,
		Media:     stream,
		Logger:    logger,
	})
	if err != nil {
		_ = stream.Close()
		return nil, err
	}
	return s, nil
}

func endSession(s *client.Session) {
	s.End()
	<-s.Done()
}

func remoteTrackCount(s *client.Session) int {
	remote := s.RemoteStream()
	if remote == nil {
		return 0
	}
	return len(remote.Tracks)
}

// verifyMalformedRejected opens a raw signaling socket, sends garbage, and
// expects the relay's error envelope followed by a close.
func verifyMalformedRejected(wsURL, origin string) error {
	ws, err := websocket.Dial(wsURL, "", origin)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()

	if err := websocket.Message.Send(ws, "this is not an envelope"); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	if err := ws.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	var raw string
	if err := websocket.Message.Receive(ws, &raw); err != nil {
		return fmt.Errorf("expected an error envelope, read failed: %w", err)
	}
	msg, err := protocol.Parse([]byte(raw))
	if err != nil {
		return fmt.Errorf("relay sent unparseable frame %q: %w", raw, err)
	}
	if msg.Type != protocol.MessageTypeError || msg.Error != protocol.ReasonMalformedMessage {
		return fmt.Errorf("got %+v, want a %s error", msg, protocol.ReasonMalformedMessage)
	}

	// The relay hangs up after the error.
	var extra string
	if err := websocket.Message.Receive(ws, &extra); err == nil {
		return fmt.Errorf("connection still open after error, read %q", extra)
	}
	return nil
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL "+format+"\n", args...)
	os.Exit(1)
}

func waitFor(d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
	return true
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}
