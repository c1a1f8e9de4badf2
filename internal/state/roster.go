package state

import (
	"sync"
	"time"

	"github.com/taskvision/meet/internal/roles"
)

// Occupant is one room participant as seen through presence.
type Occupant struct {
	Name          string     `json:"name"`
	Role          roles.Role `json:"role"`
	AvatarHash    string     `json:"avatarHash,omitempty"`
	VideoDisabled bool       `json:"videoDisabled,omitempty"`
	JoinedAt      time.Time  `json:"joinedAt"`
	LastSeen      time.Time  `json:"lastSeen"`
}

type RosterEvent struct {
	Type      string              `json:"type"` // join|update|leave
	PeerID    string              `json:"peer_id,omitempty"`
	Occupant  *Occupant           `json:"occupant,omitempty"`
	Occupants map[string]Occupant `json:"occupants,omitempty"`
}

// Roster tracks the occupants of the current room. It is fed by whichever
// signaling backend is active and read by the mesh, the console and the
// script hooks.
type Roster struct {
	mu        sync.Mutex
	occupants map[string]Occupant
	listeners []chan RosterEvent
}

func NewRoster() *Roster {
	return &Roster{
		occupants: map[string]Occupant{},
		listeners: make([]chan RosterEvent, 0),
	}
}

// Upsert records a presence announcement. The first sighting of a peer emits
// a join event; later sightings refresh LastSeen and emit update.
func (r *Roster) Upsert(id, name string, role roles.Role, avatarHash string, videoDisabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	occ := Occupant{
		Name:          name,
		Role:          role,
		AvatarHash:    avatarHash,
		VideoDisabled: videoDisabled,
		JoinedAt:      now,
		LastSeen:      now,
	}
	evtType := "join"
	if existing, ok := r.occupants[id]; ok {
		occ.JoinedAt = existing.JoinedAt
		evtType = "update"
	}
	r.occupants[id] = occ
	r.notifyListeners(RosterEvent{Type: evtType, PeerID: id, Occupant: &occ})
}

// Touch refreshes LastSeen without emitting an event.
func (r *Roster) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	occ, ok := r.occupants[id]
	if !ok {
		return
	}
	occ.LastSeen = time.Now()
	r.occupants[id] = occ
}

func (r *Roster) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.occupants[id]; !ok {
		return
	}
	delete(r.occupants, id)
	r.notifyListeners(RosterEvent{Type: "leave", PeerID: id})
}

func (r *Roster) Get(id string) (Occupant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	occ, ok := r.occupants[id]
	return occ, ok
}

func (r *Roster) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.occupants))
	for id := range r.occupants {
		ids = append(ids, id)
	}
	return ids
}

func (r *Roster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.occupants)
}

func (r *Roster) Snapshot() map[string]Occupant {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make(map[string]Occupant, len(r.occupants))
	for k, v := range r.occupants {
		cp[k] = v
	}
	return cp
}

// Clear drops every occupant without emitting events. Called when the local
// peer leaves the room; the roster's contents are meaningless outside it.
func (r *Roster) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.occupants = map[string]Occupant{}
}

// PruneOlderThan removes occupants whose heartbeat has gone stale. Only the
// pubsub backend needs this; the relay removes occupants on socket close.
func (r *Roster) PruneOlderThan(cutoff time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, occ := range r.occupants {
		if occ.LastSeen.Before(cutoff) {
			delete(r.occupants, id)
			r.notifyListeners(RosterEvent{Type: "leave", PeerID: id})
		}
	}
}

func (r *Roster) Subscribe() chan RosterEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan RosterEvent, 16)
	r.listeners = append(r.listeners, ch)
	return ch
}

func (r *Roster) Unsubscribe(ch chan RosterEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, listener := range r.listeners {
		if listener == ch {
			close(listener)
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *Roster) notifyListeners(evt RosterEvent) {
	for _, ch := range r.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
