package relay

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskvision/meet/internal/config"
	"github.com/taskvision/meet/internal/invite"
	"github.com/taskvision/meet/internal/proto"
	"github.com/taskvision/meet/internal/push"
	"github.com/taskvision/meet/internal/roles"
	"github.com/taskvision/meet/internal/storage"
	"github.com/taskvision/meet/internal/util"
)

//go:embed all:assets
var embedded embed.FS

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// Peers are native processes and the join page only polls the JSON
	// API, so cross-origin upgrades are fine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	addr        string
	externalURL string // public URL for servers behind NAT/reverse proxy
	srv         *http.Server

	mu        sync.Mutex
	rooms     map[string]*room
	boundAddr string // actual listen address, set by Start

	db      *storage.DB   // nil when persistence is disabled
	push    *push.Service // nil when push is disabled
	limiter *rateLimiter

	tmpl     *template.Template
	joinTmpl *template.Template
	docsTmpl *template.Template
	style    []byte
	docsCSS  []byte
	docsSite *DocSite
}

type indexVM struct {
	Title     string
	Rooms     int
	Occupants int
	HasPush   bool
	Endpoint  string
}

type joinVM struct {
	Title    string
	Room     string
	AutoJoin bool
}

type docsVM struct {
	Title   string
	Pages   []DocPage
	Current *DocPage
	Prev    *DocPage
	Next    *DocPage
}

// New builds a relay server from config. db and pushSvc may be nil; the
// matching HTTP endpoints then answer 503.
func New(cfg config.Relay, db *storage.DB, pushSvc *push.Service) *Server {
	bind := cfg.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}

	tmpl, err := template.New("index.html").ParseFS(embedded, "assets/index.html")
	if err != nil {
		panic(err)
	}
	joinTmpl, err := template.New("join.html").ParseFS(embedded, "assets/join.html")
	if err != nil {
		panic(err)
	}
	docsTmpl, err := template.New("docs.html").ParseFS(embedded, "assets/docs.html")
	if err != nil {
		panic(err)
	}

	css, err := embedded.ReadFile("assets/style.css")
	if err != nil {
		css = []byte("/* missing style.css */")
	}
	docsCSSData, err := embedded.ReadFile("assets/docs.css")
	if err != nil {
		docsCSSData = []byte("/* missing docs.css */")
	}

	return &Server{
		addr:        net.JoinHostPort(bind, strconv.Itoa(cfg.Port)),
		externalURL: strings.TrimRight(cfg.ExternalURL, "/"),
		rooms:       map[string]*room{},
		db:          db,
		push:        pushSvc,
		limiter:     newRateLimiter(cfg.MessageRatePerMin),
		tmpl:        tmpl,
		joinTmpl:    joinTmpl,
		docsTmpl:    docsTmpl,
		style:       css,
		docsCSS:     docsCSSData,
		docsSite:    newDocSite(),
	}
}

func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/rooms", s.handleRooms)
	mux.HandleFunc("/api/rooms/", s.handleRoomRoutes)
	mux.HandleFunc("/api/push/subscribe", s.handlePushSubscribe)
	mux.HandleFunc("/api/push/key", s.handlePushKey)

	mux.HandleFunc("/join/", s.handleJoinPage)
	mux.HandleFunc("/docs", s.handleDocsRedirect)
	mux.HandleFunc("/docs/", s.handleDocs)
	mux.HandleFunc("/assets/style.css", s.handleStyle)
	mux.HandleFunc("/assets/docs.css", s.handleDocsCSS)
	mux.HandleFunc("/assets/join.js", handleJoinJS)

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Stop server when ctx ends
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
	}()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("relay server error: %v", err)
		}
	}()

	log.Printf("RELAY: listening on %s", s.boundAddr)
	return nil
}

// URL returns the base URL peers should use: the configured external URL
// when set, otherwise the bound listen address.
func (s *Server) URL() string {
	if s.externalURL != "" {
		return s.externalURL
	}
	s.mu.Lock()
	addr := s.boundAddr
	s.mu.Unlock()
	if addr == "" {
		addr = s.addr
	}
	return "http://" + addr
}

// ── WebSocket join and signal relay ───────────────────────────────────────────

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	roomID, err := util.ValidateRoomID(r.URL.Query().Get("room"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	peerID := r.URL.Query().Get("peer")
	if !validPeerID(peerID) {
		http.Error(w, "invalid peer id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	req, err := readJoinRequest(conn)
	if err != nil {
		refuse(conn, CloseBadJoin, err.Error())
		return
	}

	rm, created := s.getOrCreateRoom(roomID)
	if created && req.Passcode != "" {
		if err := rm.setPasscode(req.Passcode); err != nil {
			refuse(conn, CloseBadJoin, "passcode rejected")
			s.deleteRoomIfEmpty(rm)
			return
		}
	}
	if !created && !rm.checkPasscode(req.Passcode) {
		log.Printf("RELAY: wrong passcode for room %s from %s", roomID, peerID)
		refuse(conn, CloseBadPasscode, "wrong passcode")
		s.deleteRoomIfEmpty(rm)
		return
	}

	c := newClient(s, rm, conn, peerID, *req)
	if err := rm.add(c); err != nil {
		if errors.Is(err, errPeerExists) {
			refuse(conn, ClosePeerExists, "peer id already in room")
		} else {
			refuse(conn, CloseRoomEnded, "room has ended")
		}
		s.deleteRoomIfEmpty(rm)
		return
	}

	if created {
		log.Printf("RELAY: room %s created by %s", roomID, peerID)
		if s.db != nil {
			if id, err := s.db.StartMeeting(roomID); err == nil {
				s.mu.Lock()
				rm.meetingID = id
				s.mu.Unlock()
			} else {
				log.Printf("RELAY: start meeting: %v", err)
			}
		}
	}
	s.recordOccupancy(rm)

	// Everyone already present, oldest first, excluding the joiner.
	present := make([]OccupantInfo, 0)
	for _, o := range rm.occupants() {
		if o.PeerID != peerID {
			present = append(present, o)
		}
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(JoinAck{
		Room:      roomID,
		PeerID:    peerID,
		Protected: rm.protected(),
		Occupants: present,
	}); err != nil {
		_ = conn.Close()
		s.dropClient(c)
		return
	}

	log.Printf("RELAY: %s joined room %s (%d occupants)", peerID, roomID, rm.count())
	s.broadcastPresence(rm, c, proto.TypeOnline)

	go c.writePump()
	go c.readPump()
}

// readJoinRequest reads and validates the first frame on a fresh connection.
func readJoinRequest(conn *websocket.Conn) (*JoinRequest, error) {
	conn.SetReadLimit(maxJoinFrame)
	_ = conn.SetReadDeadline(time.Now().Add(util.DefaultJoinTimeout))

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read join frame: %w", err)
	}

	var req JoinRequest
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("decode join frame: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// refuse sends an application close frame and drops the connection. Used
// before the pumps start, so direct writes are safe.
func refuse(conn *websocket.Conn, code int, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = conn.Close()
}

// handleSignal processes one inbound frame from a joined client. Returns
// true when the connection should close (leave, room end).
func (s *Server) handleSignal(c *client, data []byte) bool {
	key := c.rm.id + ":" + c.peerID
	if !s.limiter.Allow(key) {
		log.Printf("RELAY: rate limit exceeded for %s in room %s, dropping frame", c.peerID, c.rm.id)
		return false
	}

	m, err := proto.DecodeSignal(data)
	if err != nil {
		log.Printf("RELAY: bad frame from %s: %v", c.peerID, err)
		return false
	}

	// Receivers must be able to trust the sender id.
	m.SenderID = c.peerID
	stamped, err := json.Marshal(m)
	if err != nil {
		return false
	}

	switch m.Type {
	case proto.TypePresence:
		pm, err := m.Presence()
		if err != nil {
			return false
		}
		if pm.PeerID != c.peerID {
			log.Printf("RELAY: presence spoof from %s (claims %s), dropping", c.peerID, pm.PeerID)
			return false
		}
		if pm.Type == proto.TypeOffline {
			// Peers go offline by disconnecting, not by saying so.
			log.Printf("RELAY: unexpected offline presence from live peer %s, dropping", c.peerID)
			return false
		}
		c.applyPresence(pm.Name, pm.AvatarHash, pm.VideoDisabled)
		c.rm.broadcast(stamped, c.peerID)
		return false

	case proto.TypeEnd:
		if !c.role.AtLeast(roles.Manager) {
			log.Printf("RELAY: peer %s (role %s) may not end room %s, dropping", c.peerID, c.role, c.rm.id)
			return false
		}
		s.endRoom(c.rm, c.peerID)
		return true

	case proto.TypeLeave:
		c.rm.broadcast(stamped, c.peerID)
		return true

	default:
		// offer, answer, candidate: broadcast; receivers filter on the
		// payload's target.
		c.rm.broadcast(stamped, c.peerID)
		return false
	}
}

// dropClient is the single removal path: every connection, however it dies,
// is unhooked here. Removes the occupant, tells the others, and deletes the
// room when it empties.
func (s *Server) dropClient(c *client) {
	rm := c.rm
	c.closeSend()
	s.limiter.Forget(rm.id + ":" + c.peerID)

	remaining, removed := rm.remove(c)
	if !removed {
		return
	}

	log.Printf("RELAY: %s left room %s (%d remaining)", c.peerID, rm.id, remaining)

	if remaining > 0 {
		s.broadcastPresence(rm, c, proto.TypeOffline)
		return
	}

	s.mu.Lock()
	owned := s.rooms[rm.id] == rm
	if owned {
		delete(s.rooms, rm.id)
	}
	mid := rm.meetingID
	s.mu.Unlock()

	if owned {
		log.Printf("RELAY: room %s is empty, removed", rm.id)
		if s.db != nil && mid != 0 {
			if err := s.db.EndMeeting(mid); err != nil {
				log.Printf("RELAY: end meeting: %v", err)
			}
		}
	}
}

// deleteRoomIfEmpty reaps a room left behind by a refused join.
func (s *Server) deleteRoomIfEmpty(rm *room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms[rm.id] == rm && rm.count() == 0 {
		delete(s.rooms, rm.id)
	}
}

// endRoom closes the room for everyone: an end envelope to the other
// occupants, then a coded close on every connection.
func (s *Server) endRoom(rm *room, by string) {
	if !rm.markEnded() {
		return
	}
	log.Printf("RELAY: room %s ended by %s", rm.id, by)

	env, err := json.Marshal(proto.NewEnd(by))
	if err != nil {
		return
	}
	for _, c := range rm.snapshot() {
		if c.peerID != by {
			c.enqueue(env)
		}
		c.closeWith(CloseRoomEnded, "room ended")
	}

	s.mu.Lock()
	if s.rooms[rm.id] == rm {
		delete(s.rooms, rm.id)
	}
	mid := rm.meetingID
	s.mu.Unlock()

	if s.db != nil && mid != 0 {
		if err := s.db.EndMeeting(mid); err != nil {
			log.Printf("RELAY: end meeting: %v", err)
		}
	}
}

// broadcastPresence announces c's state to everyone else in the room.
func (s *Server) broadcastPresence(rm *room, c *client, presenceType string) {
	o := c.info()
	env := proto.NewPresence(c.peerID, proto.PresenceMsg{
		Type:          presenceType,
		PeerID:        c.peerID,
		Name:          o.Name,
		Role:          o.Role,
		AvatarHash:    o.AvatarHash,
		VideoDisabled: o.VideoDisabled,
		TS:            proto.NowMillis(),
	})
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	rm.broadcast(data, c.peerID)
}

func (s *Server) getOrCreateRoom(id string) (*room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm, ok := s.rooms[id]; ok {
		return rm, false
	}
	rm := newRoom(id)
	s.rooms[id] = rm
	return rm, true
}

func (s *Server) getRoom(id string) (*room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[id]
	return rm, ok
}

func (s *Server) recordOccupancy(rm *room) {
	if s.db == nil || rm.meetingID == 0 {
		return
	}
	if err := s.db.RecordOccupancy(rm.meetingID, rm.count()); err != nil {
		log.Printf("RELAY: record occupancy: %v", err)
	}
}

func validPeerID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		if r <= ' ' || r > '~' {
			return false
		}
	}
	return true
}

// ── HTTP API ──────────────────────────────────────────────────────────────────

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	roomsCopy := make([]*room, 0, len(s.rooms))
	for _, rm := range s.rooms {
		roomsCopy = append(roomsCopy, rm)
	}
	s.mu.Unlock()

	infos := make([]RoomInfo, 0, len(roomsCopy))
	for _, rm := range roomsCopy {
		infos = append(infos, RoomInfo{
			ID:        rm.id,
			Occupants: rm.count(),
			Protected: rm.protected(),
			CreatedAt: rm.createdAt.UnixMilli(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleRoomRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/rooms/")

	if roomID, ok := strings.CutSuffix(path, "/invite"); ok {
		s.handleInvite(w, r, roomID)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rm, ok := s.getRoom(path)
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		RoomInfo
		Occupants []OccupantInfo `json:"occupants"`
	}{
		RoomInfo: RoomInfo{
			ID:        rm.id,
			Occupants: rm.count(),
			Protected: rm.protected(),
			CreatedAt: rm.createdAt.UnixMilli(),
		},
		Occupants: rm.occupants(),
	})
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.push == nil {
		http.Error(w, "push is disabled on this relay", http.StatusServiceUnavailable)
		return
	}

	var req InviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.From == "" || req.To == "" {
		http.Error(w, "from and to are required", http.StatusBadRequest)
		return
	}

	rm, ok := s.getRoom(roomID)
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	from, ok := rm.get(req.From)
	if !ok {
		http.Error(w, "inviter is not in the room", http.StatusForbidden)
		return
	}
	if !from.role.AtLeast(roles.Supervisor) {
		http.Error(w, "role may not invite", http.StatusForbidden)
		return
	}

	inv := push.Invite{
		Room:     roomID,
		URL:      invite.JoinURL(s.URL(), roomID),
		From:     req.From,
		FromName: from.info().Name,
	}
	if err := s.push.Notify(req.To, inv); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	log.Printf("RELAY: push invite to %s for room %s from %s", req.To, roomID, req.From)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.push == nil {
		http.Error(w, "push is disabled on this relay", http.StatusServiceUnavailable)
		return
	}

	var sub storage.PushSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPost:
		if err := s.push.Subscribe(sub); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	case http.MethodDelete:
		if err := s.push.Unsubscribe(sub.Endpoint); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePushKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.push == nil {
		http.Error(w, "push is disabled on this relay", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": s.push.PublicKey()})
}

// ── Pages ─────────────────────────────────────────────────────────────────────

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	roomsCopy := make([]*room, 0, len(s.rooms))
	for _, rm := range s.rooms {
		roomsCopy = append(roomsCopy, rm)
	}
	s.mu.Unlock()

	occupants := 0
	for _, rm := range roomsCopy {
		occupants += rm.count()
	}

	w.Header().Set("content-type", "text/html; charset=utf-8")
	_ = s.tmpl.Execute(w, indexVM{
		Title:     "TaskVision Meet relay",
		Rooms:     len(roomsCopy),
		Occupants: occupants,
		HasPush:   s.push != nil,
		Endpoint:  s.URL(),
	})
}

func (s *Server) handleJoinPage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	roomID, err := util.ValidateRoomID(strings.TrimPrefix(r.URL.Path, "/join/"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("content-type", "text/html; charset=utf-8")
	_ = s.joinTmpl.Execute(w, joinVM{
		Title:    "Join " + roomID,
		Room:     roomID,
		AutoJoin: invite.IsAutoJoin(r.URL.Query()),
	})
}

func (s *Server) handleDocsRedirect(w http.ResponseWriter, r *http.Request) {
	if len(s.docsSite.Pages) == 0 {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "/docs/"+s.docsSite.Pages[0].Slug, http.StatusFound)
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	slug := strings.TrimPrefix(r.URL.Path, "/docs/")
	if slug == "" {
		s.handleDocsRedirect(w, r)
		return
	}

	page, ok := s.docsSite.BySlug[slug]
	if !ok {
		http.NotFound(w, r)
		return
	}

	var prev, next *DocPage
	for i, p := range s.docsSite.Pages {
		if p.Slug == slug {
			if i > 0 {
				prev = &s.docsSite.Pages[i-1]
			}
			if i < len(s.docsSite.Pages)-1 {
				next = &s.docsSite.Pages[i+1]
			}
			break
		}
	}

	w.Header().Set("content-type", "text/html; charset=utf-8")
	_ = s.docsTmpl.Execute(w, docsVM{
		Title:   page.Title,
		Pages:   s.docsSite.Pages,
		Current: page,
		Prev:    prev,
		Next:    next,
	})
}

func (s *Server) handleStyle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("content-type", "text/css; charset=utf-8")
	_, _ = w.Write(s.style)
}

func (s *Server) handleDocsCSS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("content-type", "text/css; charset=utf-8")
	_, _ = w.Write(s.docsCSS)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
