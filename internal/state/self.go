package state

import "github.com/taskvision/meet/internal/roles"

// SelfInfo is the local identity a signaling backend publishes when joining
// a room. It mirrors the presence fields of Occupant minus the timestamps.
type SelfInfo struct {
	Name          string
	Role          roles.Role
	AvatarHash    string
	VideoDisabled bool
}
