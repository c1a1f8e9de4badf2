package media

import (
	"errors"
	"io"
	"log"
	"sync/atomic"

	"github.com/pion/rtp"
)

// rtpFrameReader is the read side of a capture track. It matches the
// reader mediadevices hands out so the linux build can pass it through
// unwrapped.
type rtpFrameReader interface {
	Read() (pkts []*rtp.Packet, release func(), err error)
	Close() error
}

// rtpWriter is the write side, satisfied by webrtc.TrackLocalStaticRTP.
type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
}

// pump moves RTP packets from a capture reader to an outbound track. It is
// also the mute gate: while enabled is false it keeps reading and discards
// everything, so the encoder stays warm and unmuting is instant with no
// renegotiation.
type pump struct {
	r       rtpFrameReader
	enabled *atomic.Bool
	done    chan struct{}
}

func startPump(label string, r rtpFrameReader, w rtpWriter, enabled *atomic.Bool) *pump {
	p := &pump{r: r, enabled: enabled, done: make(chan struct{})}
	go p.run(label, w)
	return p
}

func (p *pump) run(label string, w rtpWriter) {
	defer close(p.done)
	for {
		pkts, release, err := p.r.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				log.Printf("MEDIA: %s pump stopped: %v", label, err)
			}
			return
		}
		if p.enabled.Load() {
			for _, pkt := range pkts {
				werr := w.WriteRTP(pkt)
				if werr != nil && !errors.Is(werr, io.ErrClosedPipe) {
					// A closing connection surfaces ErrClosedPipe through its
					// binding; the track keeps serving the others.
					log.Printf("MEDIA: %s write failed: %v", label, werr)
				}
			}
		}
		if release != nil {
			release()
		}
	}
}

// stop closes the reader, which unblocks run, and waits for it to exit.
func (p *pump) stop() {
	_ = p.r.Close()
	<-p.done
}
