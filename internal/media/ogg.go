package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

// Opus granule positions count samples at 48 kHz no matter what rate the
// audio was captured at.
const opusGranuleRate = 48000

// OpenOgg loads an Ogg Opus file into a looping Source. Each Ogg page
// becomes one sample; its duration is the page's granule position delta,
// which is the page's play time at the Opus granule rate. Pages that carry
// no audio (the OpusTags comment header) advance no granules and are
// dropped.
func OpenOgg(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ogg: %w", err)
	}
	defer f.Close()

	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		return nil, fmt.Errorf("parse ogg %s: %w", path, err)
	}

	var samples []media.Sample
	var lastGranule uint64
	for {
		payload, page, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse ogg %s: %w", path, err)
		}
		if page.GranulePosition <= lastGranule {
			continue
		}
		delta := page.GranulePosition - lastGranule
		lastGranule = page.GranulePosition
		samples = append(samples, media.Sample{
			Data:     payload,
			Duration: time.Duration(delta) * time.Second / opusGranuleRate,
		})
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("ogg %s: no audio pages", path)
	}

	// Opus is negotiated as 48000/2 on the wire regardless of how the file
	// was captured.
	return NewLoopingSource(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: opusGranuleRate,
		Channels:  2,
	}, samples)
}
