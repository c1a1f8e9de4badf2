package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/taskvision/meet/internal/proto"
	"github.com/taskvision/meet/internal/roles"
	"github.com/taskvision/meet/internal/state"
	"github.com/taskvision/meet/internal/util"
)

var ErrNotJoined = errors.New("p2p: not joined")

const subBuffer = 64

// Signaler is one join of one room over gossipsub. It carries the same
// contract as the relay client: single use, a roster fed by presence, and
// Subscribe channels that carry only signal traffic.
//
// There is no server to stamp sender ids here, so the signaler stamps its
// own and pins every remote application id to the libp2p key that first
// claimed it. Envelopes whose senderId disagrees with that binding are
// dropped, which is the pubsub equivalent of the relay's spoof check.
type Signaler struct {
	node      *Node
	selfID    string
	roster    *state.Roster
	heartbeat time.Duration
	ttl       time.Duration

	mu     sync.Mutex
	room   string
	self   state.SelfInfo
	joined bool
	spent  bool
	cancel context.CancelFunc

	roomTopic     *pubsub.Topic
	presenceTopic *pubsub.Topic

	idMu    sync.Mutex
	idByPub map[peer.ID]string
	pubByID map[string]peer.ID

	subMu      sync.Mutex
	subs       map[chan *proto.SignalMessage]struct{}
	subsClosed bool

	leaveOnce sync.Once
	done      chan struct{} // closed when the envelope loop exits
}

// NewSignaler builds a signaler for one room join on a shared node. The
// heartbeat interval and presence TTL come from configuration; occupants
// whose heartbeat goes quiet for a TTL are pruned from the roster.
func NewSignaler(node *Node, selfID string, roster *state.Roster, heartbeat, ttl time.Duration) *Signaler {
	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}
	if ttl <= heartbeat {
		ttl = 3 * heartbeat
	}
	return &Signaler{
		node:      node,
		selfID:    selfID,
		roster:    roster,
		heartbeat: heartbeat,
		ttl:       ttl,
		idByPub:   map[peer.ID]string{},
		pubByID:   map[string]peer.ID{},
		subs:      map[chan *proto.SignalMessage]struct{}{},
		done:      make(chan struct{}),
	}
}

// Join subscribes to the room's signal and presence topics and announces
// this peer. Unlike the relay there is no occupant list to hand back: the
// returned snapshot only holds peers already known to the roster, and the
// rest stream in as their heartbeats arrive.
func (s *Signaler) Join(ctx context.Context, room string, self state.SelfInfo) (_ map[string]state.Occupant, err error) {
	s.mu.Lock()
	if s.spent || s.joined {
		s.mu.Unlock()
		return nil, errors.New("p2p: signaler already used")
	}
	s.spent = true
	s.mu.Unlock()

	defer func() {
		if err != nil {
			s.teardown()
		}
	}()

	room, err = util.ValidateRoomID(room)
	if err != nil {
		return nil, err
	}

	rt, err := s.node.topic(proto.RoomTopic(room))
	if err != nil {
		return nil, fmt.Errorf("join room topic: %w", err)
	}
	pt, err := s.node.topic(proto.PresenceTopic(room))
	if err != nil {
		return nil, fmt.Errorf("join presence topic: %w", err)
	}
	roomSub, err := rt.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe room topic: %w", err)
	}
	presenceSub, err := pt.Subscribe()
	if err != nil {
		roomSub.Cancel()
		return nil, fmt.Errorf("subscribe presence topic: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.room = room
	s.self = self
	s.joined = true
	s.cancel = cancel
	s.roomTopic = rt
	s.presenceTopic = pt
	s.mu.Unlock()

	// The first announcement may race mesh formation and get lost; the
	// heartbeat repeats it until everyone converges.
	s.publishPresence(loopCtx, proto.TypeOnline)

	go s.envelopeLoop(loopCtx, roomSub, presenceSub)
	go s.presenceLoop(loopCtx, presenceSub)
	go s.heartbeatLoop(loopCtx)

	log.Printf("P2P: joined room %s as %s", room, s.selfID)
	return s.roster.Snapshot(), nil
}

// Send broadcasts one signal envelope to the room, stamped with this peer's
// id regardless of what the caller filled in.
func (s *Signaler) Send(m *proto.SignalMessage) error {
	s.mu.Lock()
	rt := s.roomTopic
	joined := s.joined
	s.mu.Unlock()
	if !joined || rt == nil {
		return ErrNotJoined
	}

	stamped := *m
	stamped.SenderID = s.selfID
	data, err := json.Marshal(&stamped)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := rt.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}
	return nil
}

// Subscribe returns a channel of inbound signal envelopes and a cancel
// function. The channel closes when this peer leaves the room or the room
// is ended.
func (s *Signaler) Subscribe() (<-chan *proto.SignalMessage, func()) {
	ch := make(chan *proto.SignalMessage, subBuffer)

	s.subMu.Lock()
	if s.subsClosed {
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Presence returns the current view of the room.
func (s *Signaler) Presence() map[string]state.Occupant {
	return s.roster.Snapshot()
}

// Leave announces departure and tears the subscriptions down. Safe to call
// more than once.
func (s *Signaler) Leave() error {
	s.mu.Lock()
	neverUsed := !s.spent
	s.mu.Unlock()
	if neverUsed {
		return nil
	}

	s.leaveOnce.Do(func() {
		s.mu.Lock()
		joined := s.joined
		rt := s.roomTopic
		cancel := s.cancel
		s.mu.Unlock()
		if !joined {
			return
		}

		// Best effort: the offline announcement clears rosters right away,
		// the leave envelope tears down mesh sessions, and peers that miss
		// both still prune us after a TTL.
		ctx, ctxCancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer ctxCancel()
		s.publishPresence(ctx, proto.TypeOffline)
		if data, err := json.Marshal(proto.NewLeave(s.selfID)); err == nil && rt != nil {
			_ = rt.Publish(ctx, data)
		}
		if cancel != nil {
			cancel()
		}
	})

	select {
	case <-s.done:
	case <-time.After(util.ShortTimeout):
	}
	return nil
}

// Done is closed when the signaler has shut down, for callers that watch
// transport health directly.
func (s *Signaler) Done() <-chan struct{} { return s.done }

// Room returns the joined room id, or "".
func (s *Signaler) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Signaler) envelopeLoop(ctx context.Context, roomSub, presenceSub *pubsub.Subscription) {
	defer func() {
		roomSub.Cancel()
		presenceSub.Cancel()
		s.teardown()
	}()

	selfPub := s.node.host.ID()
	for {
		m, err := roomSub.Next(ctx)
		if err != nil {
			return
		}
		if m.GetFrom() == selfPub {
			continue
		}

		env, err := proto.DecodeSignal(m.Data)
		if err != nil {
			log.Printf("P2P: bad envelope: %v", err)
			continue
		}
		if !s.bindSender(m.GetFrom(), env.SenderID) {
			log.Printf("P2P: dropping %s from %s claiming to be %q", env.Type, m.GetFrom(), env.SenderID)
			continue
		}

		switch env.Type {
		case proto.TypePresence:
			// Presence rides its own topic in p2p mode.
			continue

		case proto.TypeLeave:
			s.unbind(env.SenderID)
			s.roster.Remove(env.SenderID)
			s.fanOut(env)

		case proto.TypeEnd:
			if !s.senderMayEnd(env.SenderID) {
				log.Printf("P2P: dropping end from %s without manager role", env.SenderID)
				continue
			}
			log.Printf("P2P: room %s ended by %s", s.Room(), env.SenderID)
			s.fanOut(env)
			return

		default:
			s.fanOut(env)
		}
	}
}

func (s *Signaler) presenceLoop(ctx context.Context, sub *pubsub.Subscription) {
	selfPub := s.node.host.ID()
	for {
		m, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if m.GetFrom() == selfPub {
			continue
		}

		var pm proto.PresenceMsg
		if err := json.Unmarshal(m.Data, &pm); err != nil {
			continue
		}
		if err := pm.Validate(); err != nil {
			continue
		}
		if !s.bindSender(m.GetFrom(), pm.PeerID) {
			log.Printf("P2P: dropping presence from %s claiming to be %q", m.GetFrom(), pm.PeerID)
			continue
		}
		s.applyPresence(&pm)
	}
}

func (s *Signaler) heartbeatLoop(ctx context.Context) {
	hb := time.NewTicker(s.heartbeat)
	defer hb.Stop()
	prune := time.NewTicker(s.ttl / 2)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-hb.C:
			s.publishPresence(ctx, proto.TypeUpdate)
		case <-prune.C:
			s.roster.PruneOlderThan(time.Now().Add(-s.ttl))
			s.pruneBindings()
		}
	}
}

func (s *Signaler) publishPresence(ctx context.Context, typ string) {
	s.mu.Lock()
	pt := s.presenceTopic
	self := s.self
	s.mu.Unlock()
	if pt == nil {
		return
	}

	pm := proto.PresenceMsg{Type: typ, PeerID: s.selfID, TS: proto.NowMillis()}
	if typ != proto.TypeOffline {
		pm.Name = self.Name
		pm.Role = self.Role.String()
		pm.AvatarHash = self.AvatarHash
		pm.VideoDisabled = self.VideoDisabled
	}

	data, err := json.Marshal(pm)
	if err != nil {
		return
	}
	if err := pt.Publish(ctx, data); err != nil && ctx.Err() == nil {
		log.Printf("P2P: presence publish failed: %v", err)
	}
}

func (s *Signaler) applyPresence(pm *proto.PresenceMsg) {
	switch pm.Type {
	case proto.TypeOffline:
		s.unbind(pm.PeerID)
		s.roster.Remove(pm.PeerID)

	case proto.TypeUpdate:
		// Heartbeats repeat the same fields every interval; only a real
		// change should emit a roster event.
		if occ, ok := s.roster.Get(pm.PeerID); ok &&
			occ.Name == pm.Name &&
			occ.Role.String() == pm.Role &&
			occ.AvatarHash == pm.AvatarHash &&
			occ.VideoDisabled == pm.VideoDisabled {
			s.roster.Touch(pm.PeerID)
			return
		}
		s.upsert(pm)

	default:
		s.upsert(pm)
	}
}

func (s *Signaler) upsert(pm *proto.PresenceMsg) {
	role, err := roles.Parse(pm.Role)
	if err != nil {
		role = roles.Employee
	}
	s.roster.Upsert(pm.PeerID, pm.Name, role, pm.AvatarHash, pm.VideoDisabled)
}

// bindSender pins an application peer id to the libp2p key that first used
// it. Both directions are checked: one key cannot switch ids, and one id
// cannot be claimed by a second key.
func (s *Signaler) bindSender(pub peer.ID, appID string) bool {
	if appID == "" {
		return false
	}
	s.idMu.Lock()
	defer s.idMu.Unlock()
	if have, ok := s.idByPub[pub]; ok {
		return have == appID
	}
	if prev, ok := s.pubByID[appID]; ok && prev != pub {
		return false
	}
	s.idByPub[pub] = appID
	s.pubByID[appID] = pub
	return true
}

func (s *Signaler) unbind(appID string) {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	if pub, ok := s.pubByID[appID]; ok {
		delete(s.pubByID, appID)
		delete(s.idByPub, pub)
	}
}

// pruneBindings drops bindings for ids no longer in the roster, so a peer
// that vanished without an offline announcement can rejoin with a new key.
func (s *Signaler) pruneBindings() {
	live := s.roster.Snapshot()
	s.idMu.Lock()
	defer s.idMu.Unlock()
	for appID, pub := range s.pubByID {
		if _, ok := live[appID]; !ok {
			delete(s.pubByID, appID)
			delete(s.idByPub, pub)
		}
	}
}

func (s *Signaler) senderMayEnd(appID string) bool {
	occ, ok := s.roster.Get(appID)
	return ok && occ.Role.AtLeast(roles.Manager)
}

// fanOut delivers one envelope to every subscriber without blocking; a
// subscriber that stopped draining misses frames rather than stalling the
// loop.
func (s *Signaler) fanOut(m *proto.SignalMessage) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- m:
		default:
			log.Printf("P2P: subscriber full, dropping %s from %s", m.Type, m.SenderID)
		}
	}
}

// teardown runs when the envelope loop ends or a join fails before it
// started: the loops stop, the roster empties, every subscriber channel
// closes, and Done is signalled. Topic handles stay with the node; only the
// subscriptions are gone.
func (s *Signaler) teardown() {
	s.mu.Lock()
	s.joined = false
	if s.cancel != nil {
		s.cancel()
	}
	s.roomTopic, s.presenceTopic = nil, nil
	s.mu.Unlock()

	s.roster.Clear()

	s.subMu.Lock()
	s.subsClosed = true
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
	s.subMu.Unlock()

	close(s.done)
}
