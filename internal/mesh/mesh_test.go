package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/taskvision/meet/internal/proto"
	"github.com/taskvision/meet/internal/roles"
	"github.com/taskvision/meet/internal/state"
)

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// fakeSignaler records sent envelopes and lets the test inject inbound ones.
type fakeSignaler struct {
	mu        sync.Mutex
	room      string
	occupants map[string]state.Occupant
	sent      []*proto.SignalMessage

	in        chan *proto.SignalMessage
	done      chan struct{}
	leaveOnce sync.Once
}

func newFakeSignaler(occupants ...string) *fakeSignaler {
	occ := make(map[string]state.Occupant, len(occupants))
	for _, id := range occupants {
		occ[id] = state.Occupant{Name: id, Role: roles.Employee}
	}
	return &fakeSignaler{
		occupants: occ,
		in:        make(chan *proto.SignalMessage, 64),
		done:      make(chan struct{}),
	}
}

func (f *fakeSignaler) Join(_ context.Context, room string, _ state.SelfInfo) (map[string]state.Occupant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.room = room
	out := make(map[string]state.Occupant, len(f.occupants))
	for k, v := range f.occupants {
		out[k] = v
	}
	return out, nil
}

func (f *fakeSignaler) Send(m *proto.SignalMessage) error {
	f.mu.Lock()
	f.sent = append(f.sent, m)
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaler) Subscribe() (<-chan *proto.SignalMessage, func()) {
	return f.in, func() {}
}

func (f *fakeSignaler) Presence() map[string]state.Occupant {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]state.Occupant, len(f.occupants))
	for k, v := range f.occupants {
		out[k] = v
	}
	return out
}

func (f *fakeSignaler) Leave() error {
	f.leaveOnce.Do(func() {
		close(f.done)
		close(f.in)
	})
	return nil
}

func (f *fakeSignaler) Done() <-chan struct{} { return f.done }

func (f *fakeSignaler) Room() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.room
}

func (f *fakeSignaler) push(m *proto.SignalMessage) { f.in <- m }

func (f *fakeSignaler) sentByType(typ string) []*proto.SignalMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*proto.SignalMessage
	for _, m := range f.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSignaler) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeMedia struct {
	mu       sync.Mutex
	video    webrtc.TrackLocal
	audio    webrtc.TrackLocal
	released bool
}

func newFakeMedia(t *testing.T) *fakeMedia {
	t.Helper()
	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", "test")
	if err != nil {
		t.Fatalf("video track: %v", err)
	}
	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", "test")
	if err != nil {
		t.Fatalf("audio track: %v", err)
	}
	return &fakeMedia{video: video, audio: audio}
}

func (f *fakeMedia) CurrentVideoTrack() webrtc.TrackLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.video
}

func (f *fakeMedia) AudioTrack() webrtc.TrackLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audio
}

func (f *fakeMedia) Release() {
	f.mu.Lock()
	f.released = true
	f.mu.Unlock()
}

func (f *fakeMedia) wasReleased() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

func newTestManager(t *testing.T, selfID string, media Media, occupants ...string) (*Manager, *fakeSignaler) {
	t.Helper()
	sig := newFakeSignaler(occupants...)
	m, err := New(sig, selfID, media)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Host candidates only; nothing in these tests needs a STUN round trip.
	m.SetICEServers(func() []webrtc.ICEServer { return nil })
	t.Cleanup(func() { _ = m.Leave() })
	return m, sig
}

func join(t *testing.T, m *Manager, room string) {
	t.Helper()
	err := m.Join(context.Background(), room, state.SelfInfo{Name: "self", Role: roles.Employee})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
}

func getSession(m *Manager, id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// remotePeer is a real PeerConnection standing in for the other side of
// the signaling exchange.
type remotePeer struct {
	pc *webrtc.PeerConnection
}

func newRemotePeer(t *testing.T) *remotePeer {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("remote peer connection: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	return &remotePeer{pc: pc}
}

// offer builds an offer with a chat channel, as a caller peer would.
func (r *remotePeer) offer(t *testing.T) string {
	t.Helper()
	if _, err := r.pc.CreateDataChannel("chat", nil); err != nil {
		t.Fatalf("remote data channel: %v", err)
	}
	offer, err := r.pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("remote offer: %v", err)
	}
	if err := r.pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("remote set local: %v", err)
	}
	return offer.SDP
}

// answerTo applies the manager's offer and produces an answer.
func (r *remotePeer) answerTo(t *testing.T, offerSDP string) string {
	t.Helper()
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := r.pc.SetRemoteDescription(desc); err != nil {
		t.Fatalf("remote set offer: %v", err)
	}
	answer, err := r.pc.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("remote answer: %v", err)
	}
	if err := r.pc.SetLocalDescription(answer); err != nil {
		t.Fatalf("remote set local answer: %v", err)
	}
	return answer.SDP
}

func (r *remotePeer) acceptAnswer(t *testing.T, sdp string) {
	t.Helper()
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := r.pc.SetRemoteDescription(desc); err != nil {
		t.Fatalf("manager's answer rejected by a real peer: %v", err)
	}
}

func TestJoinOffersEachOccupant(t *testing.T) {
	m, sig := newTestManager(t, "alice", newFakeMedia(t), "bob", "carol")
	join(t, m, "standup")

	offers := sig.sentByType(proto.TypeOffer)
	if len(offers) != 2 {
		t.Fatalf("sent %d offers, want exactly 2", len(offers))
	}
	targets := map[string]bool{}
	for _, env := range offers {
		if env.SenderID != "alice" {
			t.Fatalf("offer sender = %q, want alice", env.SenderID)
		}
		p, err := env.SDP()
		if err != nil {
			t.Fatalf("offer payload: %v", err)
		}
		if targets[p.Target] {
			t.Fatalf("occupant %s got two offers", p.Target)
		}
		targets[p.Target] = true
	}
	if !targets["bob"] || !targets["carol"] {
		t.Fatalf("offer targets = %v, want bob and carol", targets)
	}

	infos := m.Sessions()
	if len(infos) != 2 {
		t.Fatalf("registry has %d sessions, want 2", len(infos))
	}
	for _, info := range infos {
		if !info.Caller {
			t.Fatalf("session with %s is not in the caller role", info.PeerID)
		}
	}
}

func TestOfferFromUnknownPeerYieldsOneAnswer(t *testing.T) {
	m, sig := newTestManager(t, "alice", newFakeMedia(t))
	join(t, m, "standup")

	bob := newRemotePeer(t)
	sig.push(proto.NewOffer("bob", "alice", bob.offer(t)))

	waitFor(t, "answer to bob", func() bool { return len(sig.sentByType(proto.TypeAnswer)) == 1 })
	env := sig.sentByType(proto.TypeAnswer)[0]
	p, err := env.SDP()
	if err != nil {
		t.Fatalf("answer payload: %v", err)
	}
	if p.Target != "bob" {
		t.Fatalf("answer target = %q, want bob", p.Target)
	}
	bob.acceptAnswer(t, p.SDP)

	// Still exactly one answer once things settle.
	time.Sleep(100 * time.Millisecond)
	if n := len(sig.sentByType(proto.TypeAnswer)); n != 1 {
		t.Fatalf("sent %d answers, want exactly 1", n)
	}

	s := getSession(m, "bob")
	if s == nil || s.caller {
		t.Fatal("expected a callee session for bob")
	}
}

func TestGlareResolution(t *testing.T) {
	t.Run("lower id keeps the caller role", func(t *testing.T) {
		m, sig := newTestManager(t, "alice", newFakeMedia(t), "zed")
		join(t, m, "standup")

		zed := newRemotePeer(t)
		sig.push(proto.NewOffer("zed", "alice", zed.offer(t)))

		time.Sleep(150 * time.Millisecond)
		if n := len(sig.sentByType(proto.TypeAnswer)); n != 0 {
			t.Fatalf("lower id answered the colliding offer (%d answers)", n)
		}
		if n := len(sig.sentByType(proto.TypeOffer)); n != 1 {
			t.Fatalf("sent %d offers, want the original 1", n)
		}
		if s := getSession(m, "zed"); s == nil || !s.caller {
			t.Fatal("caller session with zed was given up")
		}
	})

	t.Run("higher id yields and answers", func(t *testing.T) {
		m, sig := newTestManager(t, "zed", newFakeMedia(t), "alice")
		join(t, m, "standup")

		alice := newRemotePeer(t)
		sig.push(proto.NewOffer("alice", "zed", alice.offer(t)))

		waitFor(t, "answer to alice", func() bool { return len(sig.sentByType(proto.TypeAnswer)) == 1 })
		p, err := sig.sentByType(proto.TypeAnswer)[0].SDP()
		if err != nil {
			t.Fatalf("answer payload: %v", err)
		}
		if p.Target != "alice" {
			t.Fatalf("answer target = %q, want alice", p.Target)
		}
		alice.acceptAnswer(t, p.SDP)

		waitFor(t, "callee session", func() bool {
			s := getSession(m, "alice")
			return s != nil && !s.caller
		})
	})
}

func TestEarlyCandidatesBuffered(t *testing.T) {
	m, sig := newTestManager(t, "alice", newFakeMedia(t), "bob")
	join(t, m, "standup")

	offerEnv := sig.sentByType(proto.TypeOffer)[0]
	op, err := offerEnv.SDP()
	if err != nil {
		t.Fatalf("offer payload: %v", err)
	}
	bob := newRemotePeer(t)
	answerSDP := bob.answerTo(t, op.SDP)

	// A candidate racing ahead of the answer must be buffered, not dropped
	// and not handed to the connection early.
	cand := proto.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
		SDPMid:        "0",
		SDPMLineIndex: 0,
	}
	sig.push(proto.NewCandidate("bob", "alice", cand))
	waitFor(t, "candidate buffered", func() bool {
		s := getSession(m, "bob")
		return s != nil && s.bufferedCandidates() == 1
	})

	sig.push(proto.NewAnswer("bob", "alice", answerSDP))
	waitFor(t, "buffer drained after answer", func() bool {
		s := getSession(m, "bob")
		return s != nil && s.bufferedCandidates() == 0 && s.pc.RemoteDescription() != nil
	})
}

func TestReplaceSendersWithoutRenegotiation(t *testing.T) {
	m, sig := newTestManager(t, "alice", newFakeMedia(t), "bob", "carol")
	join(t, m, "standup")

	base := sig.sentCount()
	newTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "screen", "test")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}

	if n := m.ReplaceSenders(webrtc.RTPCodecTypeVideo, newTrack); n != 2 {
		t.Fatalf("replaced %d senders, want 2", n)
	}
	for _, id := range []string{"bob", "carol"} {
		s := getSession(m, id)
		if s.videoSender.Track() != newTrack {
			t.Fatalf("session %s still sends the old track", id)
		}
	}
	if got := sig.sentCount(); got != base {
		t.Fatalf("track replacement produced %d new signals", got-base)
	}
}

func TestLeaveClosesEverything(t *testing.T) {
	media := newFakeMedia(t)
	m, _ := newTestManager(t, "alice", media, "bob", "carol")
	join(t, m, "standup")

	sBob := getSession(m, "bob")
	sCarol := getSession(m, "carol")

	if err := m.Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after Leave")
	}

	if n := len(m.Sessions()); n != 0 {
		t.Fatalf("%d sessions left in the registry", n)
	}
	waitFor(t, "connections closed", func() bool {
		return sBob.pc.ConnectionState() == webrtc.PeerConnectionStateClosed &&
			sCarol.pc.ConnectionState() == webrtc.PeerConnectionStateClosed
	})
	if !media.wasReleased() {
		t.Fatal("local media not released on leave")
	}

	if err := m.Leave(); err != nil {
		t.Fatalf("second Leave: %v", err)
	}
}

func TestPeerLeaveClosesItsSession(t *testing.T) {
	m, sig := newTestManager(t, "alice", newFakeMedia(t), "bob", "carol")
	join(t, m, "standup")

	events, cancel := m.Subscribe()
	defer cancel()

	sig.push(proto.NewLeave("bob"))
	waitFor(t, "bob's session to close", func() bool { return getSession(m, "bob") == nil })

	if getSession(m, "carol") == nil {
		t.Fatal("carol's session closed too")
	}
	waitFor(t, "left event", func() bool {
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return false
				}
				if ev.Type == "state" && ev.PeerID == "bob" && ev.Detail == "left" {
					return true
				}
			default:
				return false
			}
		}
	})
}

func TestRoomEndTearsDown(t *testing.T) {
	media := newFakeMedia(t)
	m, sig := newTestManager(t, "alice", media, "bob")
	join(t, m, "standup")

	sig.push(proto.NewEnd("mgr"))
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after room end")
	}
	if n := len(m.Sessions()); n != 0 {
		t.Fatalf("%d sessions survived the end", n)
	}
	if !media.wasReleased() {
		t.Fatal("local media not released on room end")
	}
}

func TestEnvelopesForOthersIgnored(t *testing.T) {
	m, sig := newTestManager(t, "alice", newFakeMedia(t))
	join(t, m, "standup")

	sig.push(proto.NewOffer("bob", "carol", "v=0"))
	time.Sleep(100 * time.Millisecond)

	if n := len(m.Sessions()); n != 0 {
		t.Fatalf("offer for carol created %d sessions here", n)
	}
	if n := len(sig.sentByType(proto.TypeAnswer)); n != 0 {
		t.Fatalf("answered an offer addressed to carol (%d answers)", n)
	}
}

func TestDataChannelHandedToHook(t *testing.T) {
	m, _ := newTestManager(t, "alice", newFakeMedia(t), "bob")

	type handoff struct {
		peer  string
		label string
	}
	got := make(chan handoff, 1)
	m.OnDataChannel(func(peerID string, dc *webrtc.DataChannel) {
		got <- handoff{peerID, dc.Label()}
	})
	join(t, m, "standup")

	select {
	case h := <-got:
		if h.peer != "bob" || h.label != "chat" {
			t.Fatalf("handoff = %+v, want bob/chat", h)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("caller-side data channel never handed over")
	}
}

func TestManagerIsSingleUse(t *testing.T) {
	m, _ := newTestManager(t, "alice", newFakeMedia(t))
	join(t, m, "standup")

	err := m.Join(context.Background(), "other", state.SelfInfo{Name: "self"})
	if err == nil {
		t.Fatal("second Join succeeded on a used manager")
	}
}
