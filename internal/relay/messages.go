// Package relay implements the room-keyed WebSocket signaling server and the
// peer-side client that speaks to it. A relay carries signal envelopes and
// presence for any number of rooms; media never touches it.
package relay

import (
	"errors"
	"fmt"

	"github.com/taskvision/meet/internal/roles"
)

// Application close codes, sent when a join is refused or a room ends.
// The 4000-4999 range is reserved for applications by RFC 6455.
const (
	CloseBadJoin     = 4400 // malformed join request or room id
	CloseBadPasscode = 4401 // room is protected and the passcode did not match
	ClosePeerExists  = 4409 // the peer id is already connected to this room
	CloseRoomEnded   = 4410 // a manager ended the room
)

const (
	// maxJoinFrame bounds the first frame on a fresh connection. Everything
	// after the handshake is bounded by the socket read limit instead.
	maxJoinFrame = 4 * 1024

	maxNameLen     = 256
	maxPasscodeLen = 128
)

// JoinRequest is the first frame a peer sends after connecting. The room and
// peer id travel in the request URL; this frame carries identity and the
// optional passcode. A non-empty passcode on the first join of a room makes
// the room protected.
type JoinRequest struct {
	Name          string `json:"name"`
	Role          string `json:"role,omitempty"`
	AvatarHash    string `json:"avatarHash,omitempty"`
	VideoDisabled bool   `json:"videoDisabled,omitempty"`
	Passcode      string `json:"passcode,omitempty"`
}

// Validate bounds the identity fields. The role may be empty (defaults to
// employee) but must parse when present.
func (j *JoinRequest) Validate() error {
	if j.Name == "" {
		return errors.New("join: name is empty")
	}
	if len(j.Name) > maxNameLen {
		return errors.New("join: name too long")
	}
	if len(j.Passcode) > maxPasscodeLen {
		return errors.New("join: passcode too long")
	}
	if len(j.AvatarHash) > 128 {
		return errors.New("join: avatarHash too long")
	}
	if j.Role != "" {
		if _, err := roles.Parse(j.Role); err != nil {
			return fmt.Errorf("join: %w", err)
		}
	}
	return nil
}

// ParsedRole returns the requested role, defaulting to employee.
func (j *JoinRequest) ParsedRole() roles.Role {
	if j.Role == "" {
		return roles.Employee
	}
	r, err := roles.Parse(j.Role)
	if err != nil {
		return roles.Employee
	}
	return r
}

// OccupantInfo describes one present peer in a join acknowledgement.
type OccupantInfo struct {
	PeerID        string `json:"peerId"`
	Name          string `json:"name"`
	Role          string `json:"role"`
	AvatarHash    string `json:"avatarHash,omitempty"`
	VideoDisabled bool   `json:"videoDisabled,omitempty"`
	JoinedAt      int64  `json:"joinedAt"` // unix millis
}

// JoinAck is the server's reply to a valid JoinRequest. Occupants lists who
// was already present, so the joiner knows whom to offer to.
type JoinAck struct {
	Room      string         `json:"room"`
	PeerID    string         `json:"peerId"`
	Protected bool           `json:"protected"`
	Occupants []OccupantInfo `json:"occupants"`
}

// RoomInfo is the public view of a room on the HTTP API.
type RoomInfo struct {
	ID        string `json:"id"`
	Occupants int    `json:"occupants"`
	Protected bool   `json:"protected"`
	CreatedAt int64  `json:"createdAt"` // unix millis
}

// InviteRequest asks the relay to push a join invitation to a registered
// peer's browser subscriptions. From must be a present occupant of the room
// with at least the supervisor role.
type InviteRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}
