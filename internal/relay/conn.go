package relay

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskvision/meet/internal/roles"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong before the connection is dead.
	pongWait = 60 * time.Second

	// Ping period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size from a peer. SDP offers stay well under this.
	maxMessageSize = 64 * 1024

	// Outbound buffer per connection. A client that falls this far behind
	// starts missing frames.
	sendBuffer = 256
)

type closeFrame struct {
	code   int
	reason string
}

// client is one connected peer on the server side. The read pump is the only
// reader, the write pump the only writer.
type client struct {
	srv      *Server
	rm       *room
	peerID   string
	role     roles.Role
	joinedAt time.Time

	mu            sync.Mutex
	name          string
	avatarHash    string
	videoDisabled bool
	sendClosed    bool

	conn    *websocket.Conn
	send    chan []byte
	closeCh chan closeFrame
}

func newClient(s *Server, rm *room, conn *websocket.Conn, peerID string, req JoinRequest) *client {
	return &client{
		srv:           s,
		rm:            rm,
		peerID:        peerID,
		role:          req.ParsedRole(),
		joinedAt:      time.Now(),
		name:          req.Name,
		avatarHash:    req.AvatarHash,
		videoDisabled: req.VideoDisabled,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		closeCh:       make(chan closeFrame, 1),
	}
}

func (c *client) info() OccupantInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return OccupantInfo{
		PeerID:        c.peerID,
		Name:          c.name,
		Role:          c.role.String(),
		AvatarHash:    c.avatarHash,
		VideoDisabled: c.videoDisabled,
		JoinedAt:      c.joinedAt.UnixMilli(),
	}
}

// applyPresence folds a presence update from the peer into its stored
// identity. The role is fixed at join and never updated from presence.
func (c *client) applyPresence(name, avatarHash string, videoDisabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name != "" {
		c.name = name
	}
	c.avatarHash = avatarHash
	c.videoDisabled = videoDisabled
}

// enqueue queues one frame for the write pump. Non-blocking: when the buffer
// is full the frame is dropped so one slow client cannot stall the room.
func (c *client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("RELAY: dropping frame for slow peer %s in room %s", c.peerID, c.rm.id)
	}
}

// closeSend closes the outbound queue, letting the write pump drain and
// exit. Safe to call more than once.
func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

// closeWith asks the write pump to send a close frame with an application
// code. Only the first call per connection wins.
func (c *client) closeWith(code int, reason string) {
	select {
	case c.closeCh <- closeFrame{code: code, reason: reason}:
	default:
	}
}

// readPump reads frames until the socket dies. The deferred drop is the
// single removal path: every disconnect, graceful or not, ends up here.
func (c *client) readPump() {
	defer func() {
		c.srv.dropClient(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("RELAY: read error from %s: %v", c.peerID, err)
			}
			return
		}
		if done := c.srv.handleSignal(c, data); done {
			return
		}
	}
}

// writePump owns all writes on the connection: queued frames, pings, and
// close frames.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case cf := <-c.closeCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(cf.code, cf.reason))
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
