package mesh

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/taskvision/meet/internal/proto"
)

// pliInterval bounds how often a keyframe is requested for a stalled
// inbound video track.
const pliInterval = 2 * time.Second

// Session is one entry of the peer registry: a single connection to one
// remote peer, with the candidate buffers the browser API has and the Go
// API does not.
type Session struct {
	remote string
	room   string
	caller bool
	pc     *webrtc.PeerConnection

	videoSender *webrtc.RTPSender
	audioSender *webrtc.RTPSender

	mu sync.Mutex
	// Inbound candidates that arrived before the remote description; the Go
	// API rejects them until one is set, so the session buffers.
	pendingRemote []webrtc.ICECandidateInit
	// Locally gathered candidates held until our offer or answer has been
	// sent. The answer side must never emit candidates before its answer.
	heldLocal []proto.ICECandidateInit
	descSent  bool
	answered  bool

	rxPackets atomic.Uint64
	rxBytes   atomic.Uint64
	lastRxNs  atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(remote, room string, caller bool, pc *webrtc.PeerConnection) *Session {
	return &Session{
		remote: remote,
		room:   room,
		caller: caller,
		pc:     pc,
		closed: make(chan struct{}),
	}
}

// close is idempotent; the registry may tear a session down from the
// dispatch loop, a state callback and Leave at once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if err := s.pc.Close(); err != nil {
			log.Printf("MESH [%s]: closing connection to %s: %v", s.room, s.remote, err)
		}
	})
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		PeerID:    s.remote,
		Caller:    s.caller,
		State:     s.pc.ConnectionState().String(),
		RxPackets: s.rxPackets.Load(),
		RxBytes:   s.rxBytes.Load(),
	}
}

// holdOrSend routes a locally gathered candidate: held while the local
// description is unsent, forwarded afterwards. send is the manager's
// signaler path.
func (s *Session) holdOrSend(c *webrtc.ICECandidate, send func(proto.ICECandidateInit)) {
	if c == nil {
		return
	}
	ic := fromWebRTCCandidate(c)
	s.mu.Lock()
	if !s.descSent {
		s.heldLocal = append(s.heldLocal, ic)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	send(ic)
}

// markDescSent flushes candidates held while the description was pending.
func (s *Session) markDescSent(send func(proto.ICECandidateInit)) {
	s.mu.Lock()
	s.descSent = true
	held := s.heldLocal
	s.heldLocal = nil
	s.mu.Unlock()
	for _, ic := range held {
		send(ic)
	}
}

// addCandidate applies a remote candidate, buffering when the remote
// description has not been set yet.
func (s *Session) addCandidate(ic webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.pc.RemoteDescription() == nil {
		s.pendingRemote = append(s.pendingRemote, ic)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.pc.AddICECandidate(ic)
}

// drainCandidates applies candidates buffered before the remote
// description arrived. Called right after SetRemoteDescription.
func (s *Session) drainCandidates() {
	s.mu.Lock()
	pending := s.pendingRemote
	s.pendingRemote = nil
	s.mu.Unlock()
	for _, ic := range pending {
		if err := s.pc.AddICECandidate(ic); err != nil {
			log.Printf("MESH [%s]: buffered candidate from %s rejected: %v", s.room, s.remote, err)
		}
	}
}

func (s *Session) bufferedCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingRemote)
}

// isAnswered reports whether this caller session has applied its answer.
// While false the session's own offer is still pending, which is the glare
// window.
func (s *Session) isAnswered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answered
}

func (s *Session) setAnswered() {
	s.mu.Lock()
	s.answered = true
	s.mu.Unlock()
}

// handleRemoteTrack drains an inbound track and, for video, watches for
// stalls and requests keyframes.
func (s *Session) handleRemoteTrack(tr *webrtc.TrackRemote) {
	log.Printf("MESH [%s]: inbound %s track from %s", s.room, tr.Kind(), s.remote)
	if tr.Kind() == webrtc.RTPCodecTypeVideo {
		// A fresh subscriber decodes nothing until the next keyframe.
		s.requestKeyframe(tr)
		go s.pliLoop(tr)
	}
	go s.drainTrack(tr)
}

func (s *Session) drainTrack(tr *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		n, _, err := tr.Read(buf)
		if err != nil {
			return
		}
		s.rxPackets.Add(1)
		s.rxBytes.Add(uint64(n))
		s.lastRxNs.Store(time.Now().UnixNano())
	}
}

// pliLoop sends a PictureLossIndication whenever the video track has been
// silent for a full interval, so a recovering sender restarts from a
// keyframe instead of undecodable deltas.
func (s *Session) pliLoop(tr *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastRxNs.Load())
			if time.Since(last) >= pliInterval {
				s.requestKeyframe(tr)
			}
		}
	}
}

func (s *Session) requestKeyframe(tr *webrtc.TrackRemote) {
	err := s.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(tr.SSRC())},
	})
	if err != nil {
		log.Printf("MESH [%s]: keyframe request to %s failed: %v", s.room, s.remote, err)
	}
}

// drainSenderRTCP consumes RTCP reports so the interceptors keep running.
func drainSenderRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func toWebRTCCandidate(c proto.ICECandidateInit) webrtc.ICECandidateInit {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	return webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMid: &mid, SDPMLineIndex: &idx}
}

func fromWebRTCCandidate(c *webrtc.ICECandidate) proto.ICECandidateInit {
	j := c.ToJSON()
	out := proto.ICECandidateInit{Candidate: j.Candidate}
	if j.SDPMid != nil {
		out.SDPMid = *j.SDPMid
	}
	if j.SDPMLineIndex != nil {
		out.SDPMLineIndex = *j.SDPMLineIndex
	}
	return out
}
