// Package media owns local capture: the camera, microphone and screen
// tracks, the outbound RTP tracks shared by every peer connection, and the
// mute, device and share controls the console exposes. The mesh only ever
// sees webrtc.TrackLocals and the console only ever sees this controller;
// capture hardware never leaks past this package.
package media

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/taskvision/meet/internal/config"
)

// ErrCaptureUnsupported is returned on platforms without capture drivers;
// the session then runs receive-only.
var ErrCaptureUnsupported = errors.New("media: capture not supported on this platform")

// ErrNoVideo is returned by operations that need a live camera track.
var ErrNoVideo = errors.New("media: no video capture active")

// Device is one capture device for the console's selection UI.
type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  string `json:"kind"` // camera|microphone
}

// SelfViewSource provides encoded VP8 frames of the local camera for the
// console's self preview. ReadFrame blocks until the next frame; Close must
// be called when the preview ends.
type SelfViewSource interface {
	ReadFrame() (data []byte, release func(), err error)
	Close() error
}

// source is one live capture device. The platform files build them; the
// controller only sees this surface.
type source interface {
	id() string
	rtpReader() (rtpFrameReader, error)
	vp8Reader() (SelfViewSource, error) // video sources only
	onEnded(func())
	close()
}

// Platform seams, swapped by tests. Each strict open fails when the device
// cannot deliver; Acquire degrades by opening kinds independently instead.
var (
	openVideoSource  = platformOpenVideo
	openAudioSource  = platformOpenAudio
	openScreenSource = platformOpenScreen
	enumerateDevices = platformEnumerate
)

// Controller is the single owner of local media for a session. The enabled
// flags are atomics because the pump reads them per packet.
type Controller struct {
	cfg config.Media

	audioEnabled atomic.Bool
	videoEnabled atomic.Bool

	mu        sync.Mutex
	acquired  bool
	videoSrc  source
	audioSrc  source
	screenSrc source
	videoOut  *webrtc.TrackLocalStaticRTP
	audioOut  *webrtc.TrackLocalStaticRTP
	screenOut *webrtc.TrackLocalStaticRTP
	videoPump *pump
	audioPump *pump
	screenP   *pump
	videoDev  string
	audioDev  string
	sharing   bool
	rec       *recorder

	// onReplace tells the mesh to swap the video sender's track on every
	// live connection. Set once before Acquire.
	onReplace func(kind webrtc.RTPCodecType, track webrtc.TrackLocal)
}

func New(cfg config.Media) *Controller {
	c := &Controller{cfg: cfg}
	c.audioEnabled.Store(true)
	c.videoEnabled.Store(!cfg.VideoDisabled)
	return c
}

// OnReplaceTrack registers the mesh's track replacement hook. Device
// switches and screen sharing go through it; joins pick the current tracks
// up directly.
func (c *Controller) OnReplaceTrack(fn func(kind webrtc.RTPCodecType, track webrtc.TrackLocal)) {
	c.mu.Lock()
	c.onReplace = fn
	c.mu.Unlock()
}

// Acquire opens camera and microphone capture and starts the outbound
// pumps. The kinds are opened independently so a missing or busy device
// never blocks the other one; when both fail the session is receive-only
// and Acquire still succeeds.
func (c *Controller) Acquire(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acquired {
		return errors.New("media: already acquired")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, d := range enumerateDevices() {
		log.Printf("MEDIA: device %s %q (%s)", d.Kind, d.Label, d.ID)
	}

	if !c.cfg.VideoDisabled {
		src, err := openVideoSource(c.cfg, c.cfg.PreferredCam)
		if err != nil {
			log.Printf("MEDIA: video capture failed, continuing without camera: %v", err)
		} else if err := c.startVideoLocked(src); err != nil {
			src.close()
			log.Printf("MEDIA: video pipeline failed, continuing without camera: %v", err)
		}
	}

	src, err := openAudioSource(c.cfg.PreferredMic)
	if err != nil {
		log.Printf("MEDIA: audio capture failed, continuing without microphone: %v", err)
	} else if err := c.startAudioLocked(src); err != nil {
		src.close()
		log.Printf("MEDIA: audio pipeline failed, continuing without microphone: %v", err)
	}

	c.acquired = true
	if c.videoSrc == nil && c.audioSrc == nil {
		log.Printf("MEDIA: no local capture, running receive-only")
	}

	if c.cfg.RecordDir != "" && c.videoSrc != nil {
		if err := c.startRecorderLocked(); err != nil {
			log.Printf("MEDIA: recording disabled: %v", err)
		}
	}
	return nil
}

// startVideoLocked wires a camera source into a fresh outbound track.
func (c *Controller) startVideoLocked(src source) error {
	out, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", "meet")
	if err != nil {
		return fmt.Errorf("outbound video track: %w", err)
	}
	r, err := src.rtpReader()
	if err != nil {
		return fmt.Errorf("video rtp reader: %w", err)
	}
	c.videoSrc = src
	c.videoOut = out
	c.videoDev = src.id()
	c.videoPump = startPump("video", r, out, &c.videoEnabled)
	log.Printf("MEDIA: video capture on %q", src.id())
	return nil
}

func (c *Controller) startAudioLocked(src source) error {
	out, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "meet")
	if err != nil {
		return fmt.Errorf("outbound audio track: %w", err)
	}
	r, err := src.rtpReader()
	if err != nil {
		return fmt.Errorf("audio rtp reader: %w", err)
	}
	c.audioSrc = src
	c.audioOut = out
	c.audioDev = src.id()
	c.audioPump = startPump("audio", r, out, &c.audioEnabled)
	log.Printf("MEDIA: audio capture on %q", src.id())
	return nil
}

// CurrentVideoTrack returns the track a new connection's video sender
// should carry: the screen while sharing, otherwise the camera. Nil when
// neither is live.
func (c *Controller) CurrentVideoTrack() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sharing && c.screenOut != nil {
		return c.screenOut
	}
	if c.videoOut == nil {
		return nil
	}
	return c.videoOut
}

// AudioTrack returns the outbound audio track, or nil.
func (c *Controller) AudioTrack() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audioOut == nil {
		return nil
	}
	return c.audioOut
}

// SetAudioEnabled flips the outbound audio gate. No renegotiation happens;
// the pump simply discards packets while disabled.
func (c *Controller) SetAudioEnabled(on bool) {
	c.audioEnabled.Store(on)
	log.Printf("MEDIA: audio enabled=%v", on)
}

func (c *Controller) AudioEnabled() bool { return c.audioEnabled.Load() }

// SetVideoEnabled flips the outbound video gate, covering camera and screen
// alike. No renegotiation happens.
func (c *Controller) SetVideoEnabled(on bool) {
	c.videoEnabled.Store(on)
	log.Printf("MEDIA: video enabled=%v", on)
}

func (c *Controller) VideoEnabled() bool { return c.videoEnabled.Load() }

// SwitchVideoDevice stops the current camera and captures from the
// requested device. Live connections get the new track through
// ReplaceTrack on their senders; no new offer is created.
func (c *Controller) SwitchVideoDevice(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acquired {
		return errors.New("media: not acquired")
	}
	if c.videoSrc != nil && c.videoSrc.id() == id {
		return nil
	}

	src, err := openVideoSource(c.cfg, id)
	if err != nil {
		return fmt.Errorf("open camera %q: %w", id, err)
	}

	c.stopVideoLocked()
	if err := c.startVideoLocked(src); err != nil {
		src.close()
		return err
	}
	if c.rec != nil {
		if r, err := c.videoSrc.vp8Reader(); err == nil {
			c.rec.switchSource(r)
		} else {
			log.Printf("MEDIA: recorder lost its source: %v", err)
		}
	}

	// While a screen is shared the senders keep carrying it; the new
	// camera takes over when sharing stops.
	if !c.sharing {
		c.replaceLocked(webrtc.RTPCodecTypeVideo, c.videoOut)
	}
	log.Printf("MEDIA: switched camera to %q", id)
	return nil
}

// SwitchAudioDevice stops the current microphone and captures from the
// requested device, replacing the track on every live sender.
func (c *Controller) SwitchAudioDevice(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acquired {
		return errors.New("media: not acquired")
	}
	if c.audioSrc != nil && c.audioSrc.id() == id {
		return nil
	}

	src, err := openAudioSource(id)
	if err != nil {
		return fmt.Errorf("open microphone %q: %w", id, err)
	}

	c.stopAudioLocked()
	if err := c.startAudioLocked(src); err != nil {
		src.close()
		return err
	}
	c.replaceLocked(webrtc.RTPCodecTypeAudio, c.audioOut)
	log.Printf("MEDIA: switched microphone to %q", id)
	return nil
}

// StartScreenShare substitutes the outgoing video with a display capture
// track on every live sender. The camera keeps running underneath and
// comes back when sharing stops or the shared surface goes away.
func (c *Controller) StartScreenShare() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acquired {
		return errors.New("media: not acquired")
	}
	if c.sharing {
		return nil
	}

	src, err := openScreenSource(c.cfg)
	if err != nil {
		return fmt.Errorf("open screen capture: %w", err)
	}
	out, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"screen", "meet")
	if err != nil {
		src.close()
		return fmt.Errorf("outbound screen track: %w", err)
	}
	r, err := src.rtpReader()
	if err != nil {
		src.close()
		return fmt.Errorf("screen rtp reader: %w", err)
	}

	c.screenSrc = src
	c.screenOut = out
	c.screenP = startPump("screen", r, out, &c.videoEnabled)
	c.sharing = true
	src.onEnded(func() {
		log.Printf("MEDIA: shared surface ended")
		_ = c.StopScreenShare()
	})

	c.replaceLocked(webrtc.RTPCodecTypeVideo, out)
	log.Printf("MEDIA: screen share started")
	return nil
}

// StopScreenShare stops the display capture and restores the camera track
// on every live sender. Safe to call when not sharing.
func (c *Controller) StopScreenShare() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sharing {
		return nil
	}

	c.stopScreenLocked()
	c.sharing = false
	if c.videoOut != nil {
		c.replaceLocked(webrtc.RTPCodecTypeVideo, c.videoOut)
	}
	log.Printf("MEDIA: screen share stopped")
	return nil
}

// Sharing reports whether a screen track currently replaces the camera.
func (c *Controller) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sharing
}

// ListDevices enumerates cameras and microphones for the console.
func (c *Controller) ListDevices() []Device { return enumerateDevices() }

// VideoDevice returns the id of the camera in use, or "".
func (c *Controller) VideoDevice() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoDev
}

// AudioDevice returns the id of the microphone in use, or "".
func (c *Controller) AudioDevice() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioDev
}

// SelfView returns an independent encoded VP8 reader of the local camera
// for the console preview. The camera RTP path is unaffected.
func (c *Controller) SelfView() (SelfViewSource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.videoSrc == nil {
		return nil, ErrNoVideo
	}
	return c.videoSrc.vp8Reader()
}

// Release stops every pump, capture track and the recorder. The controller
// can be acquired again afterwards.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acquired {
		return
	}
	c.stopScreenLocked()
	c.stopVideoLocked()
	c.stopAudioLocked()
	if c.rec != nil {
		c.rec.close()
		c.rec = nil
	}
	c.sharing = false
	c.acquired = false
	log.Printf("MEDIA: released")
}

func (c *Controller) stopVideoLocked() {
	if c.videoPump != nil {
		c.videoPump.stop()
		c.videoPump = nil
	}
	if c.videoSrc != nil {
		c.videoSrc.close()
		c.videoSrc = nil
	}
	c.videoOut = nil
	c.videoDev = ""
}

func (c *Controller) stopAudioLocked() {
	if c.audioPump != nil {
		c.audioPump.stop()
		c.audioPump = nil
	}
	if c.audioSrc != nil {
		c.audioSrc.close()
		c.audioSrc = nil
	}
	c.audioOut = nil
	c.audioDev = ""
}

func (c *Controller) stopScreenLocked() {
	if c.screenP != nil {
		c.screenP.stop()
		c.screenP = nil
	}
	if c.screenSrc != nil {
		c.screenSrc.close()
		c.screenSrc = nil
	}
	c.screenOut = nil
}

func (c *Controller) replaceLocked(kind webrtc.RTPCodecType, track webrtc.TrackLocal) {
	if c.onReplace != nil {
		// The mesh takes its own locks; keep ours out of the way.
		fn := c.onReplace
		go fn(kind, track)
	}
}

func (c *Controller) startRecorderLocked() error {
	r, err := c.videoSrc.vp8Reader()
	if err != nil {
		return fmt.Errorf("recorder vp8 reader: %w", err)
	}
	rec, err := newRecorder(c.cfg.RecordDir, r)
	if err != nil {
		r.Close()
		return err
	}
	c.rec = rec
	return nil
}
