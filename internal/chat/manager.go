// Package chat carries room-wide text chat over the per-connection
// data-channels. One Manager serves one meeting: the mesh hands it a
// channel per peer, sends fan out over all of them, and everything that
// arrives or is sent lands in a bounded history.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/taskvision/meet/internal/util"
)

const (
	// DefaultHistory is the in-memory message count kept when the config
	// does not say otherwise.
	DefaultHistory = 200

	// pendingQueue bounds the per-peer queue of sends made before the
	// channel reached open. When full the oldest queued send is dropped.
	pendingQueue = 32

	subBuffer = 16
)

// ErrTooLarge is returned by Send when the encoded message would not fit
// in a single data-channel send.
var ErrTooLarge = errors.New("chat: message too large")

// Channel is the slice of *webrtc.DataChannel the chat layer uses.
type Channel interface {
	Label() string
	Send(data []byte) error
	OnOpen(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	OnClose(f func())
}

// Archiver persists every message that enters the history, local sends
// included. Nil disables archiving.
type Archiver interface {
	Archive(m *Message) error
}

// link is one peer's chat channel. Sends made before the channel opens
// are queued here and flushed on open, in order.
type link struct {
	peer string
	ch   Channel

	mu      sync.Mutex
	open    bool
	pending *util.RingBuffer[[]byte]
}

// deliver sends when the channel is open and queues otherwise. The lock
// also serializes sends so queued messages cannot be overtaken.
func (l *link) deliver(data []byte) (queued bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		l.pending.Push(data)
		return true, nil
	}
	return false, l.ch.Send(data)
}

// flush marks the link open and sends everything queued.
func (l *link) flush() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = true
	pending := l.pending.Drain()
	for i, data := range pending {
		if err := l.ch.Send(data); err != nil {
			log.Printf("CHAT: flushing queue to %s: %v", l.peer, err)
			return i
		}
	}
	return len(pending)
}

// Manager is the room chat hub for one meeting.
type Manager struct {
	selfID   string
	selfName string

	mu    sync.Mutex
	links map[string]*link

	history *util.RingBuffer[*Message]
	archive Archiver

	subMu      sync.Mutex
	subs       map[chan *Message]struct{}
	subsClosed bool
}

// New creates the chat hub. historySize <= 0 selects DefaultHistory.
func New(selfID, selfName string, historySize int) *Manager {
	if historySize <= 0 {
		historySize = DefaultHistory
	}
	return &Manager{
		selfID:   selfID,
		selfName: selfName,
		links:    make(map[string]*link),
		history:  util.NewRingBuffer[*Message](historySize),
		subs:     make(map[chan *Message]struct{}),
	}
}

// SetArchiver installs the message sink. Set before the first Attach.
func (m *Manager) SetArchiver(a Archiver) {
	m.mu.Lock()
	m.archive = a
	m.mu.Unlock()
}

// Attach adopts the chat channel of one peer connection. A second Attach
// for the same peer replaces the first, which happens when the mesh
// rebuilds a session. Inbound messages are validated against the peer id
// the channel belongs to, so a remote cannot speak as someone else.
func (m *Manager) Attach(peerID string, ch Channel) {
	l := &link{peer: peerID, ch: ch, pending: util.NewRingBuffer[[]byte](pendingQueue)}

	m.mu.Lock()
	m.links[peerID] = l
	m.mu.Unlock()

	ch.OnOpen(func() {
		n := l.flush()
		log.Printf("CHAT: channel with %s open, %d queued messages flushed", peerID, n)
	})
	ch.OnMessage(func(msg webrtc.DataChannelMessage) {
		m.receive(peerID, msg.Data)
	})
	ch.OnClose(func() {
		m.mu.Lock()
		if m.links[peerID] == l {
			delete(m.links, peerID)
		}
		m.mu.Unlock()
		log.Printf("CHAT: channel with %s closed", peerID)
	})
}

// Send broadcasts one message to every attached peer and records it in
// the local history.
func (m *Manager) Send(content string) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errors.New("chat: empty message")
	}

	msg := NewMessage(m.selfID, m.selfName, content)
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if len(data) > MaxMessageBytes {
		return nil, ErrTooLarge
	}

	m.mu.Lock()
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	sent, held := 0, 0
	for _, l := range links {
		queued, err := l.deliver(data)
		switch {
		case err != nil:
			log.Printf("CHAT: sending to %s: %v", l.peer, err)
		case queued:
			held++
		default:
			sent++
		}
	}
	m.record(msg)
	log.Printf("CHAT: sent to %d peers (%d queued)", sent, held)
	return msg, nil
}

// receive validates and records one inbound payload from a peer channel.
func (m *Manager) receive(peerID string, data []byte) {
	if len(data) > MaxMessageBytes {
		log.Printf("CHAT: dropping oversized message from %s (%d bytes)", peerID, len(data))
		return
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("CHAT: undecodable message from %s: %v", peerID, err)
		return
	}
	// The channel is authenticated by the connection it rides on. A
	// mismatched sender claim is a spoof attempt, not a parse problem.
	if msg.From != peerID {
		log.Printf("CHAT: message on %s's channel claims sender %s, dropped", peerID, msg.From)
		return
	}
	if msg.Content == "" {
		return
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	m.record(&msg)
	log.Printf("CHAT: %s: %.60s", peerID, msg.Content)
}

// record puts a message in the history, archives it and notifies
// subscribers.
func (m *Manager) record(msg *Message) {
	m.history.Push(msg)

	m.mu.Lock()
	archive := m.archive
	m.mu.Unlock()
	if archive != nil {
		if err := archive.Archive(msg); err != nil {
			log.Printf("CHAT: archiving message %s: %v", msg.ID, err)
		}
	}

	m.subMu.Lock()
	for ch := range m.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	m.subMu.Unlock()
}

// History returns the buffered messages, oldest first.
func (m *Manager) History() []*Message {
	return m.history.Snapshot()
}

// Subscribe returns a channel of new messages (sent and received) and a
// cancel func. Slow subscribers lose messages rather than blocking chat.
func (m *Manager) Subscribe() (<-chan *Message, func()) {
	ch := make(chan *Message, subBuffer)
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

// Close drops all channels and ends every subscription. The history
// stays readable.
func (m *Manager) Close() {
	m.mu.Lock()
	m.links = make(map[string]*link)
	m.mu.Unlock()

	m.subMu.Lock()
	if !m.subsClosed {
		m.subsClosed = true
		for ch := range m.subs {
			close(ch)
		}
		m.subs = nil
	}
	m.subMu.Unlock()
}
