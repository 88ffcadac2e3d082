package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
)

// OpenIVF loads an IVF file into a looping Source. Frame durations come
// from the timestamp delta to the following frame, scaled by the file's
// timebase; the final frame reuses the preceding delta so the loop seam
// keeps real-time pacing.
func OpenIVF(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ivf: %w", err)
	}
	defer f.Close()

	ivf, header, err := ivfreader.NewWith(f)
	if err != nil {
		return nil, fmt.Errorf("parse ivf %s: %w", path, err)
	}

	var mimeType string
	switch header.FourCC {
	case "VP80":
		mimeType = webrtc.MimeTypeVP8
	case "VP90":
		mimeType = webrtc.MimeTypeVP9
	case "AV01":
		mimeType = webrtc.MimeTypeAV1
	default:
		return nil, fmt.Errorf("ivf %s: unsupported FourCC %q", path, header.FourCC)
	}

	// One timestamp tick in wall time. A zeroed timebase would make every
	// frame instantaneous, so fall back to a nominal 30 fps.
	tick := 33 * time.Millisecond
	if header.TimebaseNumerator > 0 && header.TimebaseDenominator > 0 {
		tick = time.Duration(header.TimebaseNumerator) * time.Second / time.Duration(header.TimebaseDenominator)
	}

	var (
		frames     [][]byte
		timestamps []uint64
	)
	for {
		frame, frameHeader, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse ivf %s: %w", path, err)
		}
		frames = append(frames, frame)
		timestamps = append(timestamps, frameHeader.Timestamp)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("ivf %s: no frames", path)
	}

	samples := make([]media.Sample, len(frames))
	lastDelta := uint64(1)
	for i, frame := range frames {
		delta := lastDelta
		if i+1 < len(timestamps) && timestamps[i+1] > timestamps[i] {
			delta = timestamps[i+1] - timestamps[i]
			lastDelta = delta
		}
		samples[i] = media.Sample{
			Data:     frame,
			Duration: time.Duration(delta) * tick,
		}
	}

	return NewLoopingSource(webrtc.RTPCodecCapability{
		MimeType:  mimeType,
		ClockRate: 90000,
	}, samples)
}
