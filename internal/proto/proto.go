package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	MdnsTag = "meet-mdns"

	// topicVersion is bumped when the wire format changes incompatibly, so
	// old and new nodes never share a topic.
	topicVersion = "v1"
)

// RoomTopic returns the pub/sub topic carrying signal envelopes for a room.
func RoomTopic(roomID string) string { return "meet.room." + roomID + "." + topicVersion }

// PresenceTopic returns the pub/sub topic carrying presence messages for a room.
func PresenceTopic(roomID string) string { return "meet.presence." + roomID + "." + topicVersion }

// ── Signal envelope ───────────────────────────────────────────────────────────
//
// One envelope shape for every signaling backend. Envelopes are broadcast to
// the whole room; offer/answer/candidate payloads carry a target peer id and
// receivers discard payloads addressed to someone else. SenderID is stamped
// by the transport (relay server, or the authenticated pubsub publisher) and
// is never trusted from the payload.
const (
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
	TypeLeave     = "leave"

	// TypePresence wraps a PresenceMsg on transports that multiplex presence
	// onto the signaling stream (the relay). The pubsub backend uses its own
	// presence topic instead.
	TypePresence = "presence"

	// TypeEnd closes the room for everyone. Only the relay emits it, after
	// checking the sender's role.
	TypeEnd = "end"
)

// SignalMessage is the room-broadcast signaling envelope: {type, senderId, payload}.
type SignalMessage struct {
	Type     string          `json:"type"`
	SenderID string          `json:"senderId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// SDPPayload carries an offer or answer to one target peer.
type SDPPayload struct {
	Target string `json:"target"`
	SDP    string `json:"sdp"`
}

// ICECandidateInit is the standard RTCIceCandidateInit shape (W3C WebRTC).
type ICECandidateInit struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// CandidatePayload carries one trickle ICE candidate to one target peer.
type CandidatePayload struct {
	Target    string           `json:"target"`
	Candidate ICECandidateInit `json:"candidate"`
}

// ── Envelope constructors ─────────────────────────────────────────────────────

func NewOffer(sender, target, sdp string) *SignalMessage {
	return mustEnvelope(TypeOffer, sender, SDPPayload{Target: target, SDP: sdp})
}

func NewAnswer(sender, target, sdp string) *SignalMessage {
	return mustEnvelope(TypeAnswer, sender, SDPPayload{Target: target, SDP: sdp})
}

func NewCandidate(sender, target string, cand ICECandidateInit) *SignalMessage {
	return mustEnvelope(TypeCandidate, sender, CandidatePayload{Target: target, Candidate: cand})
}

// NewLeave announces departure to the whole room; it carries no payload.
func NewLeave(sender string) *SignalMessage {
	return &SignalMessage{Type: TypeLeave, SenderID: sender}
}

// NewPresence wraps a presence message for transports without a separate
// presence channel.
func NewPresence(sender string, pm PresenceMsg) *SignalMessage {
	return mustEnvelope(TypePresence, sender, pm)
}

// NewEnd closes the room for all occupants; it carries no payload.
func NewEnd(sender string) *SignalMessage {
	return &SignalMessage{Type: TypeEnd, SenderID: sender}
}

func mustEnvelope(typ, sender string, payload any) *SignalMessage {
	raw, err := json.Marshal(payload)
	if err != nil {
		// Payload structs above contain only strings and ints; Marshal
		// cannot fail on them.
		panic(fmt.Sprintf("proto: marshal %s payload: %v", typ, err))
	}
	return &SignalMessage{Type: typ, SenderID: sender, Payload: raw}
}

// ── Decoding and validation ───────────────────────────────────────────────────

// DecodeSignal parses a signal envelope strictly: unknown fields and trailing
// data are rejected so a malformed or hostile frame never half-parses.
func DecodeSignal(data []byte) (*SignalMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var msg SignalMessage
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode signal: %w", err)
	}
	if dec.More() {
		return nil, errors.New("decode signal: trailing data after message")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate checks the per-type envelope contract: offers, answers and
// candidates must carry a well-formed targeted payload; leave must not carry
// anything.
func (m *SignalMessage) Validate() error {
	if m.SenderID == "" {
		return errors.New("signal: senderId is empty")
	}
	switch m.Type {
	case TypeOffer, TypeAnswer:
		p, err := m.SDP()
		if err != nil {
			return err
		}
		if p.Target == "" {
			return fmt.Errorf("signal %s: target is empty", m.Type)
		}
		if p.SDP == "" {
			return fmt.Errorf("signal %s: sdp is empty", m.Type)
		}
	case TypeCandidate:
		p, err := m.ICECandidate()
		if err != nil {
			return err
		}
		if p.Target == "" {
			return errors.New("signal candidate: target is empty")
		}
		if p.Candidate.Candidate == "" {
			return errors.New("signal candidate: candidate is empty")
		}
	case TypePresence:
		p, err := m.Presence()
		if err != nil {
			return err
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("signal presence: %w", err)
		}
	case TypeLeave, TypeEnd:
		if len(m.Payload) > 0 && !bytes.Equal(m.Payload, []byte("null")) {
			return fmt.Errorf("signal %s: unexpected payload", m.Type)
		}
	default:
		return fmt.Errorf("signal: unknown type %q", m.Type)
	}
	return nil
}

// SDP decodes the payload of an offer or answer envelope.
func (m *SignalMessage) SDP() (*SDPPayload, error) {
	var p SDPPayload
	if err := decodeStrict(m.Payload, &p); err != nil {
		return nil, fmt.Errorf("signal %s payload: %w", m.Type, err)
	}
	return &p, nil
}

// ICECandidate decodes the payload of a candidate envelope.
func (m *SignalMessage) ICECandidate() (*CandidatePayload, error) {
	var p CandidatePayload
	if err := decodeStrict(m.Payload, &p); err != nil {
		return nil, fmt.Errorf("signal candidate payload: %w", err)
	}
	return &p, nil
}

// Presence decodes the payload of a presence envelope.
func (m *SignalMessage) Presence() (*PresenceMsg, error) {
	var p PresenceMsg
	if err := decodeStrict(m.Payload, &p); err != nil {
		return nil, fmt.Errorf("signal presence payload: %w", err)
	}
	return &p, nil
}

// Target returns the payload's target peer id, or "" for untargeted types.
func (m *SignalMessage) Target() string {
	switch m.Type {
	case TypeOffer, TypeAnswer:
		if p, err := m.SDP(); err == nil {
			return p.Target
		}
	case TypeCandidate:
		if p, err := m.ICECandidate(); err == nil {
			return p.Target
		}
	}
	return ""
}

func decodeStrict(raw []byte, v any) error {
	if len(raw) == 0 {
		return errors.New("payload is empty")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data after payload")
	}
	return nil
}

// ── Presence ──────────────────────────────────────────────────────────────────

const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

// PresenceMsg announces an occupant of a room: sent once on join (online),
// periodically as a heartbeat (update), and once on leave (offline).
type PresenceMsg struct {
	Type          string `json:"type"` // online|update|offline
	PeerID        string `json:"peerId"`
	Name          string `json:"name,omitempty"`
	Role          string `json:"role,omitempty"`
	AvatarHash    string `json:"avatarHash,omitempty"`
	VideoDisabled bool   `json:"videoDisabled,omitempty"` // Peer joined without video
	TS            int64  `json:"ts"`
}

// Validate checks required fields and keeps hostile input bounded.
func (p *PresenceMsg) Validate() error {
	switch p.Type {
	case TypeOnline, TypeUpdate, TypeOffline:
	case "":
		return errors.New("presence: type is empty")
	default:
		return fmt.Errorf("presence: unknown type %q", p.Type)
	}
	if p.PeerID == "" {
		return errors.New("presence: peerId is empty")
	}
	if len(p.PeerID) > 128 {
		return errors.New("presence: peerId too long")
	}
	if len(p.Name) > 256 {
		return errors.New("presence: name too long")
	}
	if len(p.AvatarHash) > 128 {
		return errors.New("presence: avatarHash too long")
	}
	return nil
}

func NowMillis() int64 { return time.Now().UnixMilli() }
