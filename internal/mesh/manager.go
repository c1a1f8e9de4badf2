package mesh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/taskvision/meet/internal/proto"
	"github.com/taskvision/meet/internal/state"
	"github.com/taskvision/meet/internal/util"
)

const subBuffer = 16

// Manager is the mesh orchestrator for one room join: it owns the peer
// registry, drives offers and answers from a single dispatch goroutine,
// and tears everything down when the room ends or Leave is called. A
// Manager is single use.
type Manager struct {
	sig    Signaler
	selfID string
	media  Media
	api    *webrtc.API

	mu         sync.Mutex
	room       string
	sessions   map[string]*Session
	spent      bool
	iceServers func() []webrtc.ICEServer
	onChannel  func(peerID string, dc *webrtc.DataChannel)

	subMu      sync.Mutex
	subs       map[chan Event]struct{}
	subsClosed bool

	leaveOnce sync.Once
	done      chan struct{}
}

func New(sig Signaler, selfID string, media Media) (*Manager, error) {
	api, err := newAPI()
	if err != nil {
		return nil, fmt.Errorf("webrtc api: %w", err)
	}
	return &Manager{
		sig:      sig,
		selfID:   selfID,
		media:    media,
		api:      api,
		sessions: make(map[string]*Session),
		subs:     make(map[chan Event]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// newAPI builds the WebRTC API shared by every session: default codecs,
// default interceptors, and ICE timeouts loose enough that a brief network
// hiccup does not kill the connection. The stock 5s disconnected timeout
// is too tight for relayed paths.
func newAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

// SetICEServers installs the provider consulted once per new session.
// Edits to the ICE servers file reach sessions created after the change.
func (m *Manager) SetICEServers(fn func() []webrtc.ICEServer) {
	m.mu.Lock()
	m.iceServers = fn
	m.mu.Unlock()
}

// OnDataChannel registers the hook receiving the chat channel of every
// session, whether created locally (caller) or announced by the remote
// side (callee). Register before Join.
func (m *Manager) OnDataChannel(fn func(peerID string, dc *webrtc.DataChannel)) {
	m.mu.Lock()
	m.onChannel = fn
	m.mu.Unlock()
}

func (m *Manager) ice() []webrtc.ICEServer {
	m.mu.Lock()
	fn := m.iceServers
	m.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

// Room returns the canonical room id once joined.
func (m *Manager) Room() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

// Done is closed when the dispatch loop has exited and every session is
// torn down: after Leave, a room end, or the transport going away.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Join subscribes the signaler, announces presence and offers a connection
// to every occupant already in the room: one offer per occupant, the chat
// data-channel created on our side.
func (m *Manager) Join(ctx context.Context, room string, self state.SelfInfo) error {
	m.mu.Lock()
	if m.spent {
		m.mu.Unlock()
		return errors.New("mesh: manager is single use, create a new one to rejoin")
	}
	m.spent = true
	m.mu.Unlock()

	occupants, err := m.sig.Join(ctx, room, self)
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	m.mu.Lock()
	m.room = m.sig.Room()
	m.mu.Unlock()

	envelopes, cancel := m.sig.Subscribe()
	go m.dispatch(envelopes, cancel)

	for id := range occupants {
		if id == m.selfID {
			continue
		}
		if err := m.startCaller(id); err != nil {
			log.Printf("MESH [%s]: offering to %s failed: %v", m.Room(), id, err)
		}
	}
	log.Printf("MESH [%s]: joined, %d occupants already present", m.Room(), len(occupants))
	return nil
}

// Leave announces departure through the signaler and waits for the
// dispatch loop to finish tearing sessions and local media down.
func (m *Manager) Leave() error {
	var err error
	m.leaveOnce.Do(func() {
		m.mu.Lock()
		joined := m.spent
		m.mu.Unlock()

		err = m.sig.Leave()
		if !joined {
			return
		}
		select {
		case <-m.done:
		case <-time.After(util.ShortTimeout):
			log.Printf("MESH [%s]: teardown still running after leave", m.Room())
		}
	})
	return err
}

// Sessions returns a snapshot of the peer registry, sorted by peer id.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Subscribe returns a channel of mesh events and a cancel func. Slow
// subscribers lose events rather than blocking the mesh.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subBuffer)
	m.subMu.Lock()
	if m.subsClosed {
		m.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch, func() {
		m.subMu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.subMu.Unlock()
	}
}

func (m *Manager) emit(ev Event) {
	m.subMu.Lock()
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	m.subMu.Unlock()
}

// ReplaceSenders swaps the outgoing track of one kind on every live
// connection via ReplaceTrack. No new offer is created. Returns how many
// senders were switched.
func (m *Manager) ReplaceSenders(kind webrtc.RTPCodecType, track webrtc.TrackLocal) int {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	n := 0
	for _, s := range sessions {
		var sender *webrtc.RTPSender
		switch kind {
		case webrtc.RTPCodecTypeVideo:
			sender = s.videoSender
		case webrtc.RTPCodecTypeAudio:
			sender = s.audioSender
		}
		if sender == nil {
			continue
		}
		if err := sender.ReplaceTrack(track); err != nil {
			log.Printf("MESH [%s]: replacing %s track for %s: %v", m.Room(), kind, s.remote, err)
			continue
		}
		n++
	}
	log.Printf("MESH [%s]: replaced %s track on %d connections", m.Room(), kind, n)
	return n
}

// dispatch is the only goroutine that reacts to signal envelopes. The
// registry is mutated from here plus Join and Leave, always under the
// manager lock.
func (m *Manager) dispatch(envelopes <-chan *proto.SignalMessage, cancel func()) {
	defer func() {
		cancel()
		m.teardown()
		close(m.done)
	}()
	for env := range envelopes {
		switch env.Type {
		case proto.TypeOffer:
			m.handleOffer(env)
		case proto.TypeAnswer:
			m.handleAnswer(env)
		case proto.TypeCandidate:
			m.handleCandidate(env)
		case proto.TypeLeave:
			m.closeSession(env.SenderID, "left")
		case proto.TypeEnd:
			log.Printf("MESH [%s]: room ended by %s", m.Room(), env.SenderID)
			return
		}
	}
}

// createSession builds a connection to one remote peer, wired for tracks,
// trickle ICE, state reporting and the chat channel, but not yet
// negotiated or registered.
func (m *Manager) createSession(remote string, caller bool) (*Session, error) {
	room := m.Room()
	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: m.ice()})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	s := newSession(remote, room, caller, pc)

	// Local media goes in before negotiation so the SDP carries the
	// m-lines. Kinds we do not capture still get a recvonly transceiver,
	// keeping inbound media possible.
	if t := m.media.CurrentVideoTrack(); t != nil {
		if sender, err := pc.AddTrack(t); err != nil {
			log.Printf("MESH [%s]: adding video track for %s: %v", room, remote, err)
		} else {
			s.videoSender = sender
			go drainSenderRTCP(sender)
		}
	} else {
		addRecvOnly(room, pc, webrtc.RTPCodecTypeVideo)
	}
	if t := m.media.AudioTrack(); t != nil {
		if sender, err := pc.AddTrack(t); err != nil {
			log.Printf("MESH [%s]: adding audio track for %s: %v", room, remote, err)
		} else {
			s.audioSender = sender
			go drainSenderRTCP(sender)
		}
	} else {
		addRecvOnly(room, pc, webrtc.RTPCodecTypeAudio)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		s.holdOrSend(c, func(ic proto.ICECandidateInit) { m.sendCandidate(remote, ic) })
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Printf("MESH [%s]: %s connection %s", room, remote, st)
		switch st {
		case webrtc.PeerConnectionStateFailed:
			m.closeSession(remote, "failed")
		case webrtc.PeerConnectionStateClosed:
			// closeSession already reported it.
		default:
			m.emit(Event{Type: "state", PeerID: remote, Detail: st.String()})
		}
	})
	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		log.Printf("MESH [%s]: %s ICE %s", room, remote, st)
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.handleRemoteTrack(tr)
		m.emit(Event{Type: "track", PeerID: remote, Detail: tr.Kind().String()})
	})

	if caller {
		dc, err := pc.CreateDataChannel("chat", nil)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		m.handDataChannel(remote, dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) { m.handDataChannel(remote, dc) })
	}
	return s, nil
}

// addRecvOnly keeps the m-line for a kind we do not send.
func addRecvOnly(room string, pc *webrtc.PeerConnection, kind webrtc.RTPCodecType) {
	_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		log.Printf("MESH [%s]: recvonly %s transceiver: %v", room, kind, err)
	}
}

// startCaller creates a session in the caller role and sends the offer.
// No-op when a session for the peer already exists.
func (m *Manager) startCaller(remote string) error {
	m.mu.Lock()
	_, exists := m.sessions[remote]
	m.mu.Unlock()
	if exists {
		return nil
	}

	s, err := m.createSession(remote, true)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if _, exists := m.sessions[remote]; exists {
		// The dispatch loop answered their offer first.
		m.mu.Unlock()
		s.close()
		return nil
	}
	m.sessions[remote] = s
	m.mu.Unlock()
	m.emit(Event{Type: "state", PeerID: remote, Detail: "connecting"})

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		m.closeSession(remote, "failed")
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		m.closeSession(remote, "failed")
		return fmt.Errorf("set local offer: %w", err)
	}
	if err := m.sig.Send(proto.NewOffer(m.selfID, remote, offer.SDP)); err != nil {
		m.closeSession(remote, "failed")
		return fmt.Errorf("send offer: %w", err)
	}
	s.markDescSent(func(ic proto.ICECandidateInit) { m.sendCandidate(remote, ic) })
	log.Printf("MESH [%s]: offer sent to %s", m.Room(), remote)
	return nil
}

func (m *Manager) handleOffer(env *proto.SignalMessage) {
	p, err := env.SDP()
	if err != nil {
		log.Printf("MESH [%s]: bad offer from %s: %v", m.Room(), env.SenderID, err)
		return
	}
	if p.Target != m.selfID {
		return
	}
	remote := env.SenderID
	room := m.Room()

	m.mu.Lock()
	existing := m.sessions[remote]
	m.mu.Unlock()

	if existing != nil {
		pendingOffer := existing.caller && !existing.isAnswered()
		if pendingOffer && m.selfID < remote {
			// Simultaneous offers. The lower peer id keeps the caller role;
			// the other side drops its own offer and answers this one.
			log.Printf("MESH [%s]: simultaneous offers with %s, keeping caller role", room, remote)
			return
		}
		if pendingOffer {
			log.Printf("MESH [%s]: simultaneous offers with %s, yielding caller role", room, remote)
		} else {
			log.Printf("MESH [%s]: new offer from already-connected %s, rebuilding session", room, remote)
		}
		m.closeSession(remote, "replaced")
	}
	m.answerOffer(remote, p.SDP)
}

// answerOffer creates a callee session for the remote offer and sends back
// exactly one answer.
func (m *Manager) answerOffer(remote, sdp string) {
	room := m.Room()
	s, err := m.createSession(remote, false)
	if err != nil {
		log.Printf("MESH [%s]: session for %s: %v", room, remote, err)
		return
	}
	m.mu.Lock()
	if _, exists := m.sessions[remote]; exists {
		m.mu.Unlock()
		s.close()
		return
	}
	m.sessions[remote] = s
	m.mu.Unlock()
	m.emit(Event{Type: "state", PeerID: remote, Detail: "connecting"})

	remoteDesc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(remoteDesc); err != nil {
		log.Printf("MESH [%s]: offer from %s rejected: %v", room, remote, err)
		m.closeSession(remote, "failed")
		return
	}
	s.drainCandidates()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		log.Printf("MESH [%s]: create answer for %s: %v", room, remote, err)
		m.closeSession(remote, "failed")
		return
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		log.Printf("MESH [%s]: set local answer for %s: %v", room, remote, err)
		m.closeSession(remote, "failed")
		return
	}
	if err := m.sig.Send(proto.NewAnswer(m.selfID, remote, answer.SDP)); err != nil {
		log.Printf("MESH [%s]: send answer to %s: %v", room, remote, err)
		m.closeSession(remote, "failed")
		return
	}
	s.markDescSent(func(ic proto.ICECandidateInit) { m.sendCandidate(remote, ic) })
	log.Printf("MESH [%s]: answered offer from %s", room, remote)
}

func (m *Manager) handleAnswer(env *proto.SignalMessage) {
	p, err := env.SDP()
	if err != nil {
		log.Printf("MESH [%s]: bad answer from %s: %v", m.Room(), env.SenderID, err)
		return
	}
	if p.Target != m.selfID {
		return
	}
	remote := env.SenderID

	m.mu.Lock()
	s := m.sessions[remote]
	m.mu.Unlock()
	if s == nil || !s.caller {
		log.Printf("MESH [%s]: unexpected answer from %s", m.Room(), remote)
		return
	}
	if s.pc.RemoteDescription() != nil {
		log.Printf("MESH [%s]: duplicate answer from %s", m.Room(), remote)
		return
	}

	remoteDesc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}
	if err := s.pc.SetRemoteDescription(remoteDesc); err != nil {
		log.Printf("MESH [%s]: answer from %s rejected: %v", m.Room(), remote, err)
		m.closeSession(remote, "failed")
		return
	}
	s.setAnswered()
	s.drainCandidates()
	log.Printf("MESH [%s]: answer from %s applied", m.Room(), remote)
}

func (m *Manager) handleCandidate(env *proto.SignalMessage) {
	p, err := env.ICECandidate()
	if err != nil {
		log.Printf("MESH [%s]: bad candidate from %s: %v", m.Room(), env.SenderID, err)
		return
	}
	if p.Target != m.selfID {
		return
	}

	m.mu.Lock()
	s := m.sessions[env.SenderID]
	m.mu.Unlock()
	if s == nil {
		log.Printf("MESH [%s]: candidate from unknown peer %s", m.Room(), env.SenderID)
		return
	}
	if err := s.addCandidate(toWebRTCCandidate(p.Candidate)); err != nil {
		log.Printf("MESH [%s]: candidate from %s rejected: %v", m.Room(), env.SenderID, err)
	}
}

func (m *Manager) sendCandidate(remote string, ic proto.ICECandidateInit) {
	if err := m.sig.Send(proto.NewCandidate(m.selfID, remote, ic)); err != nil {
		log.Printf("MESH [%s]: sending candidate to %s: %v", m.Room(), remote, err)
	}
}

func (m *Manager) handDataChannel(remote string, dc *webrtc.DataChannel) {
	log.Printf("MESH [%s]: data channel %q with %s", m.Room(), dc.Label(), remote)
	m.mu.Lock()
	fn := m.onChannel
	m.mu.Unlock()
	if fn != nil {
		fn(remote, dc)
	}
}

// closeSession removes one peer from the registry and closes its
// connection. Safe to call for unknown peers and safe to call twice.
func (m *Manager) closeSession(remote, reason string) {
	m.mu.Lock()
	s := m.sessions[remote]
	delete(m.sessions, remote)
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.close()
	m.emit(Event{Type: "state", PeerID: remote, Detail: reason})
	log.Printf("MESH [%s]: session with %s closed (%s)", m.Room(), remote, reason)
}

// teardown closes every session, releases local media and ends the event
// stream. Runs exactly once, from the dispatch defer.
func (m *Manager) teardown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for id, s := range sessions {
		s.close()
		m.emit(Event{Type: "state", PeerID: id, Detail: "closed"})
	}
	m.media.Release()

	m.subMu.Lock()
	m.subsClosed = true
	for ch := range m.subs {
		close(ch)
	}
	m.subs = nil
	m.subMu.Unlock()
	log.Printf("MESH [%s]: left, %d sessions closed", m.Room(), len(sessions))
}
