// Package webrtcpeer constructs the pion API used by session clients.
package webrtcpeer

import (
	"log/slog"

	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

// Options configure NewAPI.
type Options struct {
	// Logger receives pion's internal logging at its native levels. Nil uses
	// slog.Default().
	Logger *slog.Logger

	// Net substitutes the network stack. Tests inject a vnet.Net so two
	// peers negotiate ICE across an in-memory router.
	Net transport.Net
}

// NewAPI returns a pion API with the default audio/video codecs registered.
// Every PeerConnection a session client creates comes from one of these.
func NewAPI(opts Options) (*webrtc.API, error) {
	se := webrtc.SettingEngine{
		LoggerFactory: NewLoggerFactory(opts.Logger),
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}
