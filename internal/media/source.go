package media

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Source yields encoded media samples for one track. Next never blocks for
// pacing; callers schedule delivery from Sample.Duration.
type Source interface {
	// Next returns the next sample. Looping sources never report EOF; any
	// error is treated as the end of the source.
	Next() (media.Sample, error)
	// Codec describes the payload carried by every sample.
	Codec() webrtc.RTPCodecCapability
	Close() error
}

var errNoSamples = errors.New("media: source has no samples")

// loopSource replays a preloaded sample slice forever. File-backed sources
// decode once at open time so the pump never touches the filesystem.
type loopSource struct {
	codec   webrtc.RTPCodecCapability
	samples []media.Sample
	next    int
}

// NewLoopingSource returns a Source that cycles through samples forever.
// Each sample's Duration drives pacing, so a slice of 20 ms frames plays
// back in real time regardless of how many samples it holds.
func NewLoopingSource(codec webrtc.RTPCodecCapability, samples []media.Sample) (Source, error) {
	if len(samples) == 0 {
		return nil, errNoSamples
	}
	return &loopSource{codec: codec, samples: samples}, nil
}

func (l *loopSource) Next() (media.Sample, error) {
	s := l.samples[l.next]
	l.next = (l.next + 1) % len(l.samples)
	return s, nil
}

func (l *loopSource) Codec() webrtc.RTPCodecCapability { return l.codec }

func (l *loopSource) Close() error { return nil }

// SyntheticAudio returns a source of generated Opus-cadence frames, one
// second of 20 ms samples looped forever. The loopback harness and tests
// use it where no capture file exists; the payloads are filler bytes, which
// the RTP packetizer forwards without decoding.
func SyntheticAudio() Source {
	return syntheticSource(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: opusGranuleRate,
		Channels:  2,
	}, 50, 8, 20*time.Millisecond)
}

// SyntheticVideo returns a source of generated 30 fps VP8-tagged frames,
// one second looped forever.
func SyntheticVideo() Source {
	return syntheticSource(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, 30, 64, 33*time.Millisecond)
}

func syntheticSource(codec webrtc.RTPCodecCapability, frames, frameLen int, interval time.Duration) Source {
	samples := make([]media.Sample, frames)
	for i := range samples {
		data := make([]byte, frameLen)
		data[0] = byte(i)
		samples[i] = media.Sample{Data: data, Duration: interval}
	}
	return &loopSource{codec: codec, samples: samples}
}
