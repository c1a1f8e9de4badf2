//go:build linux && cgo

package media

import (
	"errors"
	"fmt"
	"log"
	"math/rand/v2"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/driver"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/taskvision/meet/internal/config"
)

const rtpMTU = 1200

// deviceSource wraps a mediadevices track (V4L2, malgo or X11 on Linux).
type deviceSource struct {
	track mediadevices.Track
	dev   string
	mime  string
}

func (s *deviceSource) id() string { return s.dev }

func (s *deviceSource) rtpReader() (rtpFrameReader, error) {
	return s.track.NewRTPReader(s.mime, rand.Uint32(), rtpMTU)
}

func (s *deviceSource) vp8Reader() (SelfViewSource, error) {
	if s.mime != webrtc.MimeTypeVP8 {
		return nil, errors.New("media: not a video source")
	}
	r, err := s.track.NewEncodedReader(webrtc.MimeTypeVP8)
	if err != nil {
		return nil, err
	}
	return &vp8Frames{r: r}, nil
}

func (s *deviceSource) onEnded(fn func()) {
	s.track.OnEnded(func(err error) {
		if err != nil {
			log.Printf("MEDIA: track %q ended: %v", s.dev, err)
		}
		// The handler may fire from inside track.Close while the controller
		// holds its lock; run the hook outside the capture stack.
		go fn()
	})
}

func (s *deviceSource) close() { _ = s.track.Close() }

// vp8Frames adapts a mediadevices EncodedReadCloser to SelfViewSource. The
// underlying buffer is reused between reads, so the frame is copied out.
type vp8Frames struct{ r mediadevices.EncodedReadCloser }

func (s *vp8Frames) ReadFrame() ([]byte, func(), error) {
	buf, rel, err := s.r.Read()
	if err != nil {
		return nil, nil, err
	}
	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	return data, rel, nil
}

func (s *vp8Frames) Close() error { return s.r.Close() }

func videoSelector(cfg config.Media) (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = cfg.VideoBitRate
	if vpxParams.BitRate <= 0 {
		vpxParams.BitRate = 1_500_000
	}
	return mediadevices.NewCodecSelector(mediadevices.WithVideoEncoders(&vpxParams)), nil
}

func platformOpenVideo(cfg config.Media, deviceID string) (source, error) {
	selector, err := videoSelector(cfg)
	if err != nil {
		return nil, err
	}

	maxW, maxH := cfg.MaxWidth, cfg.MaxHeight
	if maxW <= 0 {
		maxW = 640
	}
	if maxH <= 0 {
		maxH = 480
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				c.DeviceID = prop.String(deviceID)
			}
			// Exclude MJPEG. Some cameras expose an MJPEG V4L2 node that
			// produces malformed JPEG frames, which poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Higher resolutions raise VP8 encoding latency on small boxes.
			c.Width = prop.IntRanged{Max: maxW}
			c.Height = prop.IntRanged{Max: maxH}
		},
	})
	if err != nil {
		return nil, err
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, errors.New("media: no video track in stream")
	}
	src := &deviceSource{track: tracks[0], dev: deviceID, mime: webrtc.MimeTypeVP8}
	if src.dev == "" {
		src.dev = tracks[0].ID()
	}

	// A broken encoder pipeline only shows up on the first read. Probe it
	// now so the caller can fall back instead of failing SDP negotiation.
	probe, err := src.vp8Reader()
	if err != nil {
		src.close()
		return nil, fmt.Errorf("video encoder unusable: %w", err)
	}
	_ = probe.Close()
	return src, nil
}

func platformOpenAudio(deviceID string) (source, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	selector := mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams))

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: selector,
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				c.DeviceID = prop.String(deviceID)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, errors.New("media: no audio track in stream")
	}
	src := &deviceSource{track: tracks[0], dev: deviceID, mime: webrtc.MimeTypeOpus}
	if src.dev == "" {
		src.dev = tracks[0].ID()
	}
	return src, nil
}

func platformOpenScreen(cfg config.Media) (source, error) {
	selector, err := videoSelector(cfg)
	if err != nil {
		return nil, err
	}

	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, err
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, errors.New("media: no screen track in stream")
	}
	return &deviceSource{track: tracks[0], dev: "screen", mime: webrtc.MimeTypeVP8}, nil
}

func platformEnumerate() []Device {
	var out []Device
	for _, d := range mediadevices.EnumerateDevices() {
		switch {
		case d.Kind == mediadevices.VideoInput && d.DeviceType == driver.Camera:
			out = append(out, Device{ID: d.DeviceID, Label: d.Label, Kind: "camera"})
		case d.Kind == mediadevices.AudioInput:
			out = append(out, Device{ID: d.DeviceID, Label: d.Label, Kind: "microphone"})
		}
	}
	return out
}
