//go:build !linux || !cgo

package media

import "github.com/taskvision/meet/internal/config"

// Capture drivers are only wired up on Linux builds with cgo. Elsewhere
// every open fails with ErrCaptureUnsupported and the session runs
// receive-only.

func platformOpenVideo(config.Media, string) (source, error) {
	return nil, ErrCaptureUnsupported
}

func platformOpenAudio(string) (source, error) {
	return nil, ErrCaptureUnsupported
}

func platformOpenScreen(config.Media) (source, error) {
	return nil, ErrCaptureUnsupported
}

func platformEnumerate() []Device { return nil }
