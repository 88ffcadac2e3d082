// Package media acquires the client's local "camera" and "microphone".
//
// A headless client has no capture hardware, so local media is a Source of
// pre-encoded samples: Opus pages read from an Ogg file, VP8/VP9/AV1 frames
// read from an IVF file, or synthetic samples supplied by tests. Acquire
// wraps sources in TrackLocalStaticSample tracks and paces one pump
// goroutine per track using each sample's own duration, so the far side
// receives media at capture rate. Mute and camera-off are enable flags the
// pumps consult per sample; tracks stay attached and timing keeps advancing
// while disabled. Only Close stops the sources.
package media
