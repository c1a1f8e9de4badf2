// Package mesh drives one WebRTC connection per remote occupant of a room:
// full mesh, no SFU. It reacts to presence and signal envelopes from a
// Signaler, owns the peer registry, and hands data-channels to whoever
// registered for them. One Manager serves one room join and is discarded
// after Leave.
package mesh

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/taskvision/meet/internal/proto"
	"github.com/taskvision/meet/internal/state"
)

// Signaler is the slice of the signaling transport the mesh needs. The
// relay client and the pubsub signaler both satisfy it; tests use a fake.
type Signaler interface {
	Join(ctx context.Context, room string, self state.SelfInfo) (map[string]state.Occupant, error)
	Send(m *proto.SignalMessage) error
	Subscribe() (<-chan *proto.SignalMessage, func())
	Presence() map[string]state.Occupant
	Leave() error
	Done() <-chan struct{}
	Room() string
}

// Media is the slice of the local media controller the mesh needs: the
// tracks a new connection should send, and release on teardown.
type Media interface {
	CurrentVideoTrack() webrtc.TrackLocal
	AudioTrack() webrtc.TrackLocal
	Release()
}

// Event reports a change on one peer's connection for the console.
type Event struct {
	// Type is "state" for connection lifecycle or "track" for inbound media.
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
	// Detail holds the connection state (connecting, connected, failed,
	// left, closed, replaced) or the track kind (video, audio).
	Detail string `json:"detail"`
}

// SessionInfo is a point-in-time view of one peer connection.
type SessionInfo struct {
	PeerID    string `json:"peerId"`
	Caller    bool   `json:"caller"`
	State     string `json:"state"`
	RxPackets uint64 `json:"rxPackets"`
	RxBytes   uint64 `json:"rxBytes"`
}
