package media

import (
	"time"
)

// SelfViewStream muxes camera VP8 frames into WebM segments the browser
// can feed to MSE. The first segment carries the init header; after that
// every frame becomes its own cluster, which keeps preview latency at a
// single frame.
type SelfViewStream struct {
	src     SelfViewSource
	started time.Time
	init    bool
}

// NewSelfViewStream wraps an independent camera reader. The caller owns
// the stream and must Close it when the preview ends.
func NewSelfViewStream(src SelfViewSource) *SelfViewStream {
	return &SelfViewStream{src: src, started: time.Now()}
}

// Next blocks for the next WebM segment. Frames before the first
// keyframe are skipped so the stream always starts decodable. Returns
// the source's error (io.EOF or io.ErrClosedPipe) once the camera stops.
func (s *SelfViewStream) Next() ([]byte, error) {
	for {
		data, release, err := s.src.ReadFrame()
		if err != nil {
			return nil, err
		}

		key := vp8Keyframe(data)
		if !s.init && !key {
			if release != nil {
				release()
			}
			continue
		}

		ts := time.Since(s.started).Milliseconds()
		cluster := webmCluster(ts, webmSimpleBlock(1, 0, key, data))

		var seg []byte
		if !s.init {
			w, h, ok := vp8Dimensions(data)
			if !ok {
				w, h = 640, 480
			}
			seg = append(webmInit(w, h), cluster...)
			s.init = true
		} else {
			seg = cluster
		}

		if release != nil {
			release()
		}
		return seg, nil
	}
}

// Close stops the underlying camera reader. Next unblocks with its error.
func (s *SelfViewStream) Close() error {
	return s.src.Close()
}
