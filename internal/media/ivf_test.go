package media

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func ivfFileHeader(fourCC string, num, den, frames uint32) []byte {
	header := make([]byte, 32)
	copy(header[0:4], "DKIF")
	binary.LittleEndian.PutUint16(header[6:8], 32)
	copy(header[8:12], fourCC)
	binary.LittleEndian.PutUint16(header[12:14], 640)
	binary.LittleEndian.PutUint16(header[14:16], 480)
	binary.LittleEndian.PutUint32(header[16:20], den)
	binary.LittleEndian.PutUint32(header[20:24], num)
	binary.LittleEndian.PutUint32(header[24:28], frames)
	return header
}

func ivfFrame(timestamp uint64, payload []byte) []byte {
	frame := make([]byte, 12+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint64(frame[4:12], timestamp)
	copy(frame[12:], payload)
	return frame
}

func writeIVFFile(t *testing.T, chunks ...[]byte) string {
	t.Helper()

	var raw []byte
	for _, chunk := range chunks {
		raw = append(raw, chunk...)
	}
	path := filepath.Join(t.TempDir(), "cam.ivf")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write ivf fixture: %v", err)
	}
	return path
}

func TestOpenIVF_FrameDurationsComeFromTimestampDeltas(t *testing.T) {
	frames := [][]byte{{0xa0}, {0xa1, 0xa1}, {0xa2}}
	path := writeIVFFile(t,
		ivfFileHeader("VP80", 1, 30, 3),
		ivfFrame(0, frames[0]),
		ivfFrame(1, frames[1]),
		ivfFrame(3, frames[2]),
	)

	src, err := OpenIVF(path)
	if err != nil {
		t.Fatalf("OpenIVF: %v", err)
	}
	defer src.Close()

	codec := src.Codec()
	if codec.MimeType != webrtc.MimeTypeVP8 || codec.ClockRate != 90000 {
		t.Fatalf("codec = %+v", codec)
	}

	// Timebase 1/30 makes one tick 33.3 ms. The final frame has no
	// successor, so it reuses the preceding two-tick delta.
	tick := time.Second / 30
	want := []struct {
		data     []byte
		duration time.Duration
	}{
		{frames[0], tick},
		{frames[1], 2 * tick},
		{frames[2], 2 * tick},
		{frames[0], tick}, // looped
	}
	for i, w := range want {
		sample, err := src.Next()
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if string(sample.Data) != string(w.data) {
			t.Fatalf("sample %d data = %v, want %v", i, sample.Data, w.data)
		}
		if sample.Duration != w.duration {
			t.Fatalf("sample %d duration = %v, want %v", i, sample.Duration, w.duration)
		}
	}
}

func TestOpenIVF_FourCCSelectsCodec(t *testing.T) {
	cases := []struct {
		fourCC string
		mime   string
	}{
		{"VP80", webrtc.MimeTypeVP8},
		{"VP90", webrtc.MimeTypeVP9},
		{"AV01", webrtc.MimeTypeAV1},
	}
	for _, tc := range cases {
		t.Run(tc.fourCC, func(t *testing.T) {
			path := writeIVFFile(t,
				ivfFileHeader(tc.fourCC, 1, 30, 1),
				ivfFrame(0, []byte{0x01}),
			)
			src, err := OpenIVF(path)
			if err != nil {
				t.Fatalf("OpenIVF: %v", err)
			}
			defer src.Close()
			if got := src.Codec().MimeType; got != tc.mime {
				t.Fatalf("mime = %q, want %q", got, tc.mime)
			}
		})
	}
}

func TestOpenIVF_UnknownFourCCRejected(t *testing.T) {
	path := writeIVFFile(t,
		ivfFileHeader("H264", 1, 30, 1),
		ivfFrame(0, []byte{0x01}),
	)

	_, err := OpenIVF(path)
	if err == nil || !strings.Contains(err.Error(), "FourCC") {
		t.Fatalf("OpenIVF with unknown FourCC = %v", err)
	}
}

func TestOpenIVF_NoFramesRejected(t *testing.T) {
	path := writeIVFFile(t, ivfFileHeader("VP80", 1, 30, 0))

	_, err := OpenIVF(path)
	if err == nil || !strings.Contains(err.Error(), "no frames") {
		t.Fatalf("OpenIVF on empty file = %v", err)
	}
}

func TestOpenIVF_TruncatedFrameRejected(t *testing.T) {
	truncated := ivfFrame(0, []byte{0x01, 0x02, 0x03, 0x04})
	binary.LittleEndian.PutUint32(truncated[0:4], 32) // claims more than present
	path := writeIVFFile(t, ivfFileHeader("VP80", 1, 30, 1), truncated)

	if _, err := OpenIVF(path); err == nil {
		t.Fatal("OpenIVF accepted a truncated frame")
	}
}

func TestOpenIVF_ZeroTimebaseFallsBackToNominalRate(t *testing.T) {
	path := writeIVFFile(t,
		ivfFileHeader("VP80", 0, 0, 2),
		ivfFrame(0, []byte{0x01}),
		ivfFrame(1, []byte{0x02}),
	)

	src, err := OpenIVF(path)
	if err != nil {
		t.Fatalf("OpenIVF: %v", err)
	}
	defer src.Close()

	sample, err := src.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if sample.Duration != 33*time.Millisecond {
		t.Fatalf("duration = %v, want 33ms fallback", sample.Duration)
	}
}
