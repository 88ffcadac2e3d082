package media

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// ErrAccessDenied reports that a configured capture source could not be
// acquired. Clients treat it as terminal: a telehealth session without
// audio has no point.
var ErrAccessDenied = errors.New("media: local capture unavailable")

// localTrack is the slice of TrackLocalStaticSample the pumps rely on.
// Tests substitute recording fakes.
type localTrack interface {
	webrtc.TrackLocal
	WriteSample(media.Sample) error
}

// Config selects one client's capture sources.
type Config struct {
	// AudioPath is an Ogg Opus file standing in for the microphone.
	// Required unless AudioSource is set.
	AudioPath string
	// VideoPath is an IVF file standing in for the camera. Empty means no
	// camera; the session runs audio-only.
	VideoPath string

	// AudioSource and VideoSource take precedence over the file paths.
	AudioSource Source
	VideoSource Source

	// StreamID groups both tracks into one remote MediaStream. Defaults to
	// "televisit".
	StreamID string
}

const (
	kindAudio = "audio"
	kindVideo = "video"

	// Pacing fallback for samples that carry no duration.
	defaultSampleInterval = 20 * time.Millisecond
)

type output struct {
	kind    string
	track   localTrack
	src     Source
	enabled atomic.Bool
}

// Stream is the local capture pipeline: an audio track, an optional video
// track, and one pacing pump per track.
type Stream struct {
	log     *slog.Logger
	outputs []*output

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Acquire opens the configured sources and wraps them in local tracks.
// Audio is mandatory; failures acquiring it, or a configured camera that
// cannot be opened, wrap ErrAccessDenied. Call Start to begin pumping and
// Close to release the sources.
func Acquire(cfg Config, log *slog.Logger) (*Stream, error) {
	if log == nil {
		log = slog.Default()
	}
	streamID := cfg.StreamID
	if streamID == "" {
		streamID = "televisit"
	}

	audioSrc := cfg.AudioSource
	if audioSrc == nil {
		if cfg.AudioPath == "" {
			return nil, fmt.Errorf("%w: no microphone source configured", ErrAccessDenied)
		}
		src, err := OpenOgg(cfg.AudioPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAccessDenied, err)
		}
		audioSrc = src
	}

	videoSrc := cfg.VideoSource
	if videoSrc == nil && cfg.VideoPath != "" {
		src, err := OpenIVF(cfg.VideoPath)
		if err != nil {
			audioSrc.Close()
			return nil, fmt.Errorf("%w: %v", ErrAccessDenied, err)
		}
		videoSrc = src
	}

	s := &Stream{log: log, done: make(chan struct{})}
	if err := s.addOutput(kindAudio, audioSrc, streamID); err != nil {
		closeSources(audioSrc, videoSrc)
		return nil, err
	}
	if videoSrc != nil {
		if err := s.addOutput(kindVideo, videoSrc, streamID); err != nil {
			closeSources(audioSrc, videoSrc)
			return nil, err
		}
	} else {
		log.Info("no camera source configured, session will be audio-only")
	}
	return s, nil
}

func (s *Stream) addOutput(kind string, src Source, streamID string) error {
	track, err := webrtc.NewTrackLocalStaticSample(src.Codec(), kind, streamID)
	if err != nil {
		return fmt.Errorf("%s track: %w", kind, err)
	}
	o := &output{kind: kind, track: track, src: src}
	o.enabled.Store(true)
	s.outputs = append(s.outputs, o)
	return nil
}

func closeSources(srcs ...Source) {
	for _, src := range srcs {
		if src != nil {
			src.Close()
		}
	}
}

// Start launches the pacing pumps. Pion drops samples written to a track
// that is not yet bound to a peer connection, so starting before the first
// negotiation is harmless.
func (s *Stream) Start() {
	s.startOnce.Do(func() {
		for _, o := range s.outputs {
			s.wg.Add(1)
			go s.pump(o)
		}
	})
}

// pump feeds one track at capture rate. Deadline-based pacing keeps the
// long-run rate exact even though each iteration does a little work.
func (s *Stream) pump(o *output) {
	defer s.wg.Done()
	timer := time.NewTimer(0)
	defer timer.Stop()
	next := time.Now()
	for {
		select {
		case <-s.done:
			return
		case <-timer.C:
		}
		sample, err := o.src.Next()
		if err != nil {
			s.log.Error("media source failed", "kind", o.kind, "err", err)
			return
		}
		if o.enabled.Load() {
			if err := o.track.WriteSample(sample); err != nil {
				s.log.Warn("media sample dropped", "kind", o.kind, "err", err)
			}
		}
		d := sample.Duration
		if d <= 0 {
			d = defaultSampleInterval
		}
		next = next.Add(d)
		timer.Reset(time.Until(next))
	}
}

// Tracks returns the local tracks to attach to a peer connection, audio
// first. The same tracks survive peer connection rebuilds; pion re-binds
// them on AddTrack.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	tracks := make([]webrtc.TrackLocal, 0, len(s.outputs))
	for _, o := range s.outputs {
		tracks = append(tracks, o.track)
	}
	return tracks
}

// HasVideo reports whether a camera source was configured.
func (s *Stream) HasVideo() bool {
	for _, o := range s.outputs {
		if o.kind == kindVideo {
			return true
		}
	}
	return false
}

// SetAudioEnabled gates the microphone pump. The track stays attached and
// pacing keeps advancing; the far side just stops receiving samples.
func (s *Stream) SetAudioEnabled(enabled bool) { s.setEnabled(kindAudio, enabled) }

// SetVideoEnabled gates the camera pump. No-op for audio-only streams.
func (s *Stream) SetVideoEnabled(enabled bool) { s.setEnabled(kindVideo, enabled) }

// AudioEnabled reports whether the microphone pump is writing samples.
func (s *Stream) AudioEnabled() bool { return s.enabledFor(kindAudio) }

// VideoEnabled reports whether the camera pump is writing samples. False
// when no camera is configured.
func (s *Stream) VideoEnabled() bool { return s.enabledFor(kindVideo) }

func (s *Stream) setEnabled(kind string, enabled bool) {
	for _, o := range s.outputs {
		if o.kind == kind {
			o.enabled.Store(enabled)
		}
	}
}

func (s *Stream) enabledFor(kind string) bool {
	for _, o := range s.outputs {
		if o.kind == kind {
			return o.enabled.Load()
		}
	}
	return false
}

// Close stops the pumps and releases the capture sources. Leaving a
// session does not close the stream; the client keeps its media for the
// next peer, and only an explicit Close lets go of it.
func (s *Stream) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		for _, o := range s.outputs {
			if err := o.src.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}
