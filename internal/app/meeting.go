package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/taskvision/meet/internal/avatar"
	"github.com/taskvision/meet/internal/chat"
	"github.com/taskvision/meet/internal/config"
	"github.com/taskvision/meet/internal/console"
	"github.com/taskvision/meet/internal/media"
	"github.com/taskvision/meet/internal/mesh"
	"github.com/taskvision/meet/internal/realtime"
	"github.com/taskvision/meet/internal/relay"
	"github.com/taskvision/meet/internal/roles"
	"github.com/taskvision/meet/internal/script"
	"github.com/taskvision/meet/internal/state"
	"github.com/taskvision/meet/internal/storage"
	"github.com/taskvision/meet/internal/util"
)

// peer is the long-lived runtime of one `meet peer` process. The media
// controller, roster, database and console outlive meetings; the mesh,
// signaler and chat hub are created per join and discarded on leave.
type peer struct {
	ctx     context.Context
	cfg     config.Config
	selfID  string
	name    string
	role    roles.Role
	db      *storage.DB
	roster  *state.Roster
	media   *media.Controller
	avatars *avatar.Store
	bus     *console.EventBus
	node    *realtime.Node // nil unless signaling mode is p2p
	hooks   *script.Engine // nil when hooks are disabled
	ice     func() []webrtc.ICEServer

	mu      sync.Mutex
	joining bool
	current *meeting
}

// meeting bundles everything that lives exactly as long as one room join.
type meeting struct {
	room       string
	sig        mesh.Signaler
	mesh       *mesh.Manager
	chat       *chat.Manager
	meetingID  int64 // 0 when the meeting log is unavailable
	cancelChat func()
	cancelEvt  func()
}

// Join connects to a room: signaler per configured mode, local media,
// then the mesh. Any failure surfaces once and aborts the join; nothing
// retries behind the user's back.
func (p *peer) Join(room string) error {
	canon, err := util.ValidateRoomID(room)
	if err != nil {
		return fmt.Errorf("room: %w", err)
	}

	p.mu.Lock()
	if p.current != nil || p.joining {
		p.mu.Unlock()
		return errors.New("already in a meeting, leave first")
	}
	p.joining = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.joining = false
		p.mu.Unlock()
	}()

	var sig mesh.Signaler
	switch p.cfg.Signaling.Mode {
	case "p2p":
		heartbeat := time.Duration(p.cfg.Presence.HeartbeatSec) * time.Second
		ttl := time.Duration(p.cfg.Presence.TTLSec) * time.Second
		sig = realtime.NewSignaler(p.node, p.selfID, p.roster, heartbeat, ttl)
	default:
		sig = relay.NewClient(p.cfg.Signaling.RelayURL, p.selfID, p.cfg.Signaling.Passcode, p.roster)
	}

	if err := p.media.Acquire(p.ctx); err != nil {
		return fmt.Errorf("media: %w", err)
	}

	m, err := mesh.New(sig, p.selfID, p.media)
	if err != nil {
		p.media.Release()
		return err
	}
	m.SetICEServers(p.ice)

	ch := chat.New(p.selfID, p.name, p.cfg.Chat.HistorySize)
	m.OnDataChannel(func(peerID string, dc *webrtc.DataChannel) {
		ch.Attach(peerID, dc)
	})
	p.media.OnReplaceTrack(func(kind webrtc.RTPCodecType, track webrtc.TrackLocal) {
		m.ReplaceSenders(kind, track)
	})

	// The meeting log is history, not operation: a broken database logs
	// and the join proceeds without archive or occupancy tracking.
	var meetingID int64
	if id, serr := p.db.StartMeeting(canon); serr != nil {
		log.Printf("APP: meeting log unavailable: %v", serr)
	} else {
		meetingID = id
		ch.SetArchiver(&dbArchiver{db: p.db, meeting: id})
	}

	self := state.SelfInfo{
		Name:          p.name,
		Role:          p.role,
		AvatarHash:    p.avatars.Hash(),
		VideoDisabled: p.cfg.Media.VideoDisabled,
	}
	if err := m.Join(p.ctx, canon, self); err != nil {
		p.media.Release()
		if meetingID != 0 {
			_ = p.db.EndMeeting(meetingID)
		}
		return err
	}

	mt := &meeting{room: m.Room(), sig: sig, mesh: m, chat: ch, meetingID: meetingID}

	msgs, cancelChat := ch.Subscribe()
	mt.cancelChat = cancelChat
	go p.pumpChat(msgs)

	events, cancelEvt := m.Subscribe()
	mt.cancelEvt = cancelEvt
	go p.pumpMesh(events)

	p.mu.Lock()
	p.current = mt
	p.mu.Unlock()

	// Occupants seen during the signaler join predate p.current, so their
	// roster events could not count toward the peak yet.
	p.recordOccupancy(p.roster.Len() + 1)

	p.bus.Publish("meeting", console.Meeting{Joined: true, Room: mt.room})
	if p.hooks != nil {
		log.Printf("APP: hooks active for %q: %v", mt.room, p.hooks.Hooks())
	}

	go func() {
		<-m.Done()
		p.finish(mt)
	}()

	log.Printf("APP: joined %q", mt.room)
	return nil
}

// Leave ends the current meeting. Leaving while not in one is a no-op.
func (p *peer) Leave() error {
	p.mu.Lock()
	mt := p.current
	p.mu.Unlock()
	if mt == nil {
		return nil
	}
	err := mt.mesh.Leave()
	p.finish(mt)
	return err
}

// finish tears down one meeting's bookkeeping. Leave and the Done
// watcher both funnel here; whoever comes second finds current already
// swapped out and returns.
func (p *peer) finish(mt *meeting) {
	p.mu.Lock()
	if p.current != mt {
		p.mu.Unlock()
		return
	}
	p.current = nil
	p.mu.Unlock()

	mt.cancelEvt()
	mt.cancelChat()
	mt.chat.Close()
	p.media.OnReplaceTrack(nil)
	p.roster.Clear()
	if mt.meetingID != 0 {
		if err := p.db.EndMeeting(mt.meetingID); err != nil {
			log.Printf("APP: closing meeting log: %v", err)
		}
	}
	p.bus.Publish("meeting", console.Meeting{})
	log.Printf("APP: left %q", mt.room)
}

// Meeting reports the current meeting for the console.
func (p *peer) Meeting() console.Meeting {
	p.mu.Lock()
	mt := p.current
	p.mu.Unlock()
	if mt == nil {
		return console.Meeting{}
	}
	return console.Meeting{Joined: true, Room: mt.room, Sessions: mt.mesh.Sessions()}
}

// SendChat broadcasts a message in the current meeting.
func (p *peer) SendChat(content string) (*chat.Message, error) {
	p.mu.Lock()
	mt := p.current
	p.mu.Unlock()
	if mt == nil {
		return nil, errors.New("not in a meeting")
	}
	return mt.chat.Send(content)
}

// History returns the chat history of the current meeting.
func (p *peer) History() []*chat.Message {
	p.mu.Lock()
	mt := p.current
	p.mu.Unlock()
	if mt == nil {
		return nil
	}
	return mt.chat.History()
}

// pumpRoster runs for the process lifetime: every roster change goes to
// the console with a full occupant snapshot attached, and join/leave
// reach the hook engine.
func (p *peer) pumpRoster(ch chan state.RosterEvent) {
	for ev := range ch {
		ev.Occupants = p.roster.Snapshot()
		p.bus.Publish("roster", ev)
		switch ev.Type {
		case "join":
			if p.hooks != nil && ev.Occupant != nil {
				p.hooks.PeerJoined(ev.PeerID, ev.Occupant.Name)
			}
			p.recordOccupancy(len(ev.Occupants) + 1)
		case "leave":
			if p.hooks != nil {
				p.hooks.PeerLeft(ev.PeerID)
			}
		}
	}
}

// pumpChat feeds chat into the console and hands remote messages to the
// hook engine. Own messages stay out of on_chat so a hook that answers
// chat cannot answer itself.
func (p *peer) pumpChat(msgs <-chan *chat.Message) {
	for msg := range msgs {
		p.bus.Publish("chat", msg)
		if p.hooks != nil && msg.From != p.selfID {
			p.hooks.ChatMessage(msg.From, msg.Content)
		}
	}
}

func (p *peer) pumpMesh(events <-chan mesh.Event) {
	for ev := range events {
		p.bus.Publish("mesh", ev)
	}
}

// recordOccupancy raises the peak occupancy of the current meeting, own
// seat included. No-op outside a meeting or without a meeting log.
func (p *peer) recordOccupancy(n int) {
	p.mu.Lock()
	mt := p.current
	p.mu.Unlock()
	if mt == nil || mt.meetingID == 0 {
		return
	}
	if err := p.db.RecordOccupancy(mt.meetingID, n); err != nil {
		log.Printf("APP: recording occupancy: %v", err)
	}
}

// scriptHost is the peer as hook scripts see it. Script chat goes
// through the same send path as console chat.
type scriptHost struct {
	p *peer
}

func (h *scriptHost) SendChat(content string) error {
	_, err := h.p.SendChat(content)
	return err
}

func (h *scriptHost) Peers() []script.Peer {
	occ := h.p.roster.Snapshot()
	out := make([]script.Peer, 0, len(occ))
	for id, o := range occ {
		out = append(out, script.Peer{ID: id, Name: o.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (h *scriptHost) SetAudio(enabled bool) {
	h.p.media.SetAudioEnabled(enabled)
}

// dbArchiver copies every chat message into the meeting's archive rows.
type dbArchiver struct {
	db      *storage.DB
	meeting int64
}

func (a *dbArchiver) Archive(m *chat.Message) error {
	return a.db.ArchiveChat(storage.ArchivedMessage{
		ID:         m.ID,
		MeetingID:  a.meeting,
		SenderID:   m.From,
		SenderName: m.FromName,
		Body:       m.Content,
		SentAt:     m.Timestamp,
	})
}
