package relay

import (
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var errPeerExists = errors.New("peer id already connected")

// room is one signaling room: a set of connected clients plus the passcode
// the first joiner set, if any. Rooms are created on first join and deleted
// when the last occupant leaves.
type room struct {
	id        string
	createdAt time.Time

	// meetingID links this room to its meeting_log row. Zero when the
	// relay runs without storage.
	meetingID int64

	mu           sync.Mutex
	passcodeHash []byte // bcrypt; nil means the room is open
	ended        bool
	clients      map[string]*client
}

func newRoom(id string) *room {
	return &room{
		id:        id,
		createdAt: time.Now(),
		clients:   map[string]*client{},
	}
}

// setPasscode hashes and stores the passcode. Only the first joiner of a
// room gets to call this.
func (rm *room) setPasscode(passcode string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(passcode), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	rm.mu.Lock()
	rm.passcodeHash = hash
	rm.mu.Unlock()
	return nil
}

func (rm *room) protected() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.passcodeHash != nil
}

// checkPasscode reports whether the given passcode opens this room.
func (rm *room) checkPasscode(passcode string) bool {
	rm.mu.Lock()
	hash := rm.passcodeHash
	rm.mu.Unlock()
	if hash == nil {
		return true
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(passcode)) == nil
}

// add registers a client under its peer id. Each peer id gets at most one
// connection; a second join with the same id is refused, not displaced.
func (rm *room) add(c *client) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.ended {
		return errors.New("room has ended")
	}
	if _, ok := rm.clients[c.peerID]; ok {
		return errPeerExists
	}
	rm.clients[c.peerID] = c
	return nil
}

// remove drops the client registered under peerID, but only if it is the
// same connection. Returns the remaining occupancy and whether anything was
// removed.
func (rm *room) remove(c *client) (int, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	cur, ok := rm.clients[c.peerID]
	if !ok || cur != c {
		return len(rm.clients), false
	}
	delete(rm.clients, c.peerID)
	return len(rm.clients), true
}

func (rm *room) get(peerID string) (*client, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	c, ok := rm.clients[peerID]
	return c, ok
}

func (rm *room) count() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.clients)
}

// snapshot returns the current clients. Callers send outside the lock.
func (rm *room) snapshot() []*client {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]*client, 0, len(rm.clients))
	for _, c := range rm.clients {
		out = append(out, c)
	}
	return out
}

// broadcast queues data for every client except excludePeer. Sends are
// non-blocking; a client whose buffer is full misses the frame rather than
// stalling the room.
func (rm *room) broadcast(data []byte, excludePeer string) {
	for _, c := range rm.snapshot() {
		if c.peerID == excludePeer {
			continue
		}
		c.enqueue(data)
	}
}

// occupants returns the join-ack view of the room, sorted by join time so
// the list is stable across calls.
func (rm *room) occupants() []OccupantInfo {
	clients := rm.snapshot()
	sort.Slice(clients, func(i, j int) bool {
		if clients[i].joinedAt.Equal(clients[j].joinedAt) {
			return clients[i].peerID < clients[j].peerID
		}
		return clients[i].joinedAt.Before(clients[j].joinedAt)
	})
	out := make([]OccupantInfo, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.info())
	}
	return out
}

// markEnded makes further joins fail. Returns false if the room was already
// ended, so only one end broadcast goes out.
func (rm *room) markEnded() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.ended {
		return false
	}
	rm.ended = true
	return true
}
