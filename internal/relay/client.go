package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskvision/meet/internal/proto"
	"github.com/taskvision/meet/internal/roles"
	"github.com/taskvision/meet/internal/state"
	"github.com/taskvision/meet/internal/util"
)

// Join refusals, mapped from the relay's close codes.
var (
	ErrBadPasscode = errors.New("relay: wrong passcode")
	ErrPeerExists  = errors.New("relay: peer id already in room")
	ErrRoomEnded   = errors.New("relay: room has ended")
	ErrNotJoined   = errors.New("relay: not joined")
)

// clientReadTimeout is how long the client waits for anything from the
// relay, including its pings, before declaring the connection dead.
const clientReadTimeout = 90 * time.Second

const subBuffer = 64

// Client is the peer side of the relay protocol. One Client joins one room
// once; after a leave or a transport failure it is spent and the caller
// builds a new one.
//
// The roster passed to NewClient is fed from the relay's presence stream:
// the join snapshot, then online/update/offline envelopes. Presence never
// reaches Subscribe channels; those carry only signal traffic.
type Client struct {
	baseURL  string
	selfID   string
	passcode string
	roster   *state.Roster

	mu     sync.Mutex
	conn   *websocket.Conn
	room   string
	joined bool
	spent  bool

	subMu      sync.Mutex
	subs       map[chan *proto.SignalMessage]struct{}
	subsClosed bool

	leaveOnce sync.Once
	done      chan struct{} // closed when the read loop exits
}

func NewClient(relayURL, selfID, passcode string, roster *state.Roster) *Client {
	return &Client{
		baseURL:  relayURL,
		selfID:   selfID,
		passcode: passcode,
		roster:   roster,
		subs:     map[chan *proto.SignalMessage]struct{}{},
		done:     make(chan struct{}),
	}
}

// wsURL derives the WebSocket endpoint from the relay's base URL.
func (c *Client) wsURL(room string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("relay url: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	q := url.Values{}
	q.Set("room", room)
	q.Set("peer", c.selfID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Join dials the relay, performs the join handshake, and returns the
// occupants that were already present. A refused join reports why and the
// client does not retry; joining again is the caller's decision.
func (c *Client) Join(ctx context.Context, room string, self state.SelfInfo) (_ map[string]state.Occupant, err error) {
	c.mu.Lock()
	if c.spent || c.joined {
		c.mu.Unlock()
		return nil, errors.New("relay: client already used")
	}
	c.spent = true
	c.mu.Unlock()

	// A failed join spends the client too; settle Done and any early
	// subscribers so nothing waits on a connection that never existed.
	defer func() {
		if err != nil {
			c.teardown()
		}
	}()

	room, err = util.ValidateRoomID(room)
	if err != nil {
		return nil, err
	}
	endpoint, err := c.wsURL(room)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: util.DefaultDialTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay refused connection: %s", resp.Status)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteJSON(JoinRequest{
		Name:          self.Name,
		Role:          self.Role.String(),
		AvatarHash:    self.AvatarHash,
		VideoDisabled: self.VideoDisabled,
		Passcode:      c.passcode,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send join: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(util.DefaultJoinTimeout))
	var ack JoinAck
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return nil, joinError(err)
	}
	if ack.Room != room || ack.PeerID != c.selfID {
		_ = conn.Close()
		return nil, fmt.Errorf("relay: join ack for wrong room or peer (%s/%s)", ack.Room, ack.PeerID)
	}

	snapshot := make(map[string]state.Occupant, len(ack.Occupants))
	for _, o := range ack.Occupants {
		role, rerr := roles.Parse(o.Role)
		if rerr != nil {
			role = roles.Employee
		}
		c.roster.Upsert(o.PeerID, o.Name, role, o.AvatarHash, o.VideoDisabled)
		if occ, ok := c.roster.Get(o.PeerID); ok {
			snapshot[o.PeerID] = occ
		}
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(clientReadTimeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(clientReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.room = room
	c.joined = true
	c.mu.Unlock()

	go c.readLoop(conn)

	log.Printf("RELAY CLIENT: joined room %s as %s (%d already present)", room, c.selfID, len(snapshot))
	return snapshot, nil
}

// joinError maps a refused handshake onto the sentinel errors.
func joinError(err error) error {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return fmt.Errorf("join room: %w", err)
	}
	switch ce.Code {
	case CloseBadPasscode:
		return ErrBadPasscode
	case ClosePeerExists:
		return ErrPeerExists
	case CloseRoomEnded:
		return ErrRoomEnded
	default:
		if ce.Text != "" {
			return fmt.Errorf("join refused: %s", ce.Text)
		}
		return fmt.Errorf("join refused: close code %d", ce.Code)
	}
}

// Send broadcasts one signal envelope to the room. The relay stamps the
// sender id, so whatever is in m.SenderID is overwritten on the far side.
func (c *Client) Send(m *proto.SignalMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined || c.conn == nil {
		return ErrNotJoined
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send signal: %w", err)
	}
	return nil
}

// Subscribe returns a channel of inbound signal envelopes and a cancel
// function. The channel closes when the connection to the relay dies.
func (c *Client) Subscribe() (<-chan *proto.SignalMessage, func()) {
	ch := make(chan *proto.SignalMessage, subBuffer)

	c.subMu.Lock()
	if c.subsClosed {
		c.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Presence returns the current view of the room.
func (c *Client) Presence() map[string]state.Occupant {
	return c.roster.Snapshot()
}

// Leave announces departure and closes the connection. Safe to call more
// than once and after a transport failure.
func (c *Client) Leave() error {
	c.mu.Lock()
	neverUsed := !c.spent
	c.mu.Unlock()
	if neverUsed {
		return nil
	}

	c.leaveOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		joined := c.joined
		c.mu.Unlock()
		if !joined || conn == nil {
			return
		}

		// Best effort: tell the room, then close cleanly. The relay
		// removes us on socket close either way.
		data, err := json.Marshal(proto.NewLeave(c.selfID))
		if err == nil {
			c.mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.TextMessage, data)
			c.mu.Unlock()
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = conn.Close()
	})

	// Wait for the read loop so roster and subscribers are settled when
	// Leave returns.
	select {
	case <-c.done:
	case <-time.After(util.ShortTimeout):
	}
	return nil
}

// Done is closed when the relay connection has ended, for callers that
// watch transport health directly.
func (c *Client) Done() <-chan struct{} { return c.done }

// Room returns the joined room id, or "".
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.teardown()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == CloseRoomEnded {
				log.Printf("RELAY CLIENT: room %s was ended", c.Room())
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(clientReadTimeout))

		m, err := proto.DecodeSignal(data)
		if err != nil {
			log.Printf("RELAY CLIENT: bad frame: %v", err)
			continue
		}
		if m.SenderID == c.selfID {
			continue
		}

		switch m.Type {
		case proto.TypePresence:
			pm, err := m.Presence()
			if err != nil {
				continue
			}
			c.applyPresence(pm)

		case proto.TypeLeave:
			c.roster.Remove(m.SenderID)
			c.fanOut(m)

		default:
			c.fanOut(m)
		}
	}
}

func (c *Client) applyPresence(pm *proto.PresenceMsg) {
	switch pm.Type {
	case proto.TypeOffline:
		c.roster.Remove(pm.PeerID)
	default:
		role, err := roles.Parse(pm.Role)
		if err != nil {
			role = roles.Employee
		}
		c.roster.Upsert(pm.PeerID, pm.Name, role, pm.AvatarHash, pm.VideoDisabled)
	}
}

// fanOut delivers one envelope to every subscriber without blocking; a
// subscriber that stopped draining misses frames rather than stalling the
// read loop.
func (c *Client) fanOut(m *proto.SignalMessage) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- m:
		default:
			log.Printf("RELAY CLIENT: subscriber full, dropping %s from %s", m.Type, m.SenderID)
		}
	}
}

// teardown runs exactly once, when the read loop ends: the roster empties,
// every subscriber channel closes, and Done is signalled.
func (c *Client) teardown() {
	c.mu.Lock()
	c.joined = false
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()

	c.roster.Clear()

	c.subMu.Lock()
	c.subsClosed = true
	for ch := range c.subs {
		close(ch)
		delete(c.subs, ch)
	}
	c.subMu.Unlock()

	close(c.done)
}
