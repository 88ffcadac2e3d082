package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"

	"github.com/stillpoint/televisit/internal/client"
	"github.com/stillpoint/televisit/internal/config"
	"github.com/stillpoint/televisit/internal/media"
)

func main() {
	cfg, err := config.LoadClient(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewClientLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting televisit-client",
		"relay_ws_url", cfg.RelayWSURL,
		"session_id", cfg.SessionID,
		"user_id", cfg.UserID,
		"user_role", cfg.UserRole,
		"audio_file", cfg.AudioFile,
		"video_file", cfg.VideoFile,
		"mode", cfg.Mode,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	iceServers := cfg.PeerConnectionICEServers()
	if cfg.ICEConfigURL != "" {
		fetched, err := fetchICEServers(ctx, cfg.ICEConfigURL)
		if err != nil {
			logger.Error("failed to fetch ice config", "url", cfg.ICEConfigURL, "err", err)
			os.Exit(1)
		}
		iceServers = fetched
		logger.Info("ice_config_fetched", "server_count", len(iceServers))
	} else if err := cfg.ICEConfigError(); err != nil {
		logger.Error("invalid ice configuration", "err", err)
		os.Exit(2)
	}

	// Local capture comes first: a session without a microphone never joins.
	stream, err := media.Acquire(media.Config{
		AudioPath: cfg.AudioFile,
		VideoPath: cfg.VideoFile,
	}, logger)
	if err != nil {
		logger.Error("local media unavailable", "err", err)
		os.Exit(1)
	}
	stream.Start()

	session, err := client.Join(ctx, client.Options{
		RelayURL:   cfg.RelayWSURL,
		Origin:     cfg.RelayOrigin,
		SessionID:  cfg.SessionID,
		UserID:     cfg.UserID,
		UserRole:   cfg.UserRole,
		UserName:   cfg.UserName,
		Media:      stream,
		ICEServers: iceServers,
		Logger:     logger,
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			go drainTrack(logger, track)
		},
		OnError: func(err error) {
			logger.Warn("session_error", "err", err)
		},
	})
	if err != nil {
		_ = stream.Close()
		logger.Error("failed to join session", "err", err)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		session.End()
		<-session.Done()
	case <-session.Done():
	}

	if err := session.Err(); err != nil {
		logger.Error("session ended with error", "err", err)
		session.End()
		os.Exit(1)
	}
	logger.Info("session ended")
}

// drainTrack keeps a remote track's RTP flowing. A headless client has no
// renderer; reading and discarding keeps pion's receive path (and RTCP
// feedback) alive until the peer connection closes.
func drainTrack(log *slog.Logger, track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			log.Debug("remote track drained", "kind", track.Kind().String(), "err", err)
			return
		}
	}
}
