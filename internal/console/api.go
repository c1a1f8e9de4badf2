package console

import (
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/taskvision/meet/internal/avatar"
	"github.com/taskvision/meet/internal/chat"
	"github.com/taskvision/meet/internal/invite"
	"github.com/taskvision/meet/internal/media"
	"github.com/taskvision/meet/internal/roles"
	"github.com/taskvision/meet/internal/storage"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return isLocalRequest(r) },
}

func isLocalRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type selfState struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Role       roles.Role `json:"role"`
	AvatarHash string     `json:"avatarHash,omitempty"`
}

type mediaState struct {
	AudioEnabled bool   `json:"audioEnabled"`
	VideoEnabled bool   `json:"videoEnabled"`
	Sharing      bool   `json:"sharing"`
	VideoDevice  string `json:"videoDevice,omitempty"`
	AudioDevice  string `json:"audioDevice,omitempty"`
}

// chatEntry is a chat message plus its rendered HTML, so the page never
// has to interpret markdown itself.
type chatEntry struct {
	*chat.Message
	HTML string `json:"html"`
}

// archiveEntry is one archived message of a past meeting, rendered the
// same way as live chat.
type archiveEntry struct {
	storage.ArchivedMessage
	HTML string `json:"html"`
}

func (s *Server) currentMedia() mediaState {
	c := s.deps.Media
	return mediaState{
		AudioEnabled: c.AudioEnabled(),
		VideoEnabled: c.VideoEnabled(),
		Sharing:      c.Sharing(),
		VideoDevice:  c.VideoDevice(),
		AudioDevice:  c.AudioDevice(),
	}
}

func (s *Server) meeting() Meeting {
	if s.deps.Meeting == nil {
		return Meeting{}
	}
	return s.deps.Meeting()
}

func (s *Server) apiRoutes() {
	d := s.deps
	mux := s.mux

	// GET /api/state: everything the page needs on load.
	handleGet(mux, "/api/state", func(w http.ResponseWriter, r *http.Request) {
		hash := ""
		if d.Avatars != nil {
			hash = d.Avatars.Hash()
		}
		writeJSON(w, map[string]any{
			"self": selfState{
				ID:         d.SelfID,
				Name:       safeCall(d.SelfName),
				Role:       d.SelfRole,
				AvatarHash: hash,
			},
			"meeting":   s.meeting(),
			"occupants": d.Roster.Snapshot(),
			"media":     s.currentMedia(),
		})
	})

	// POST /api/join
	handlePost(mux, "/api/join", func(w http.ResponseWriter, r *http.Request, req struct {
		Room string `json:"room"`
	}) {
		if d.Join == nil {
			http.Error(w, "joining not available", http.StatusServiceUnavailable)
			return
		}
		room := strings.TrimSpace(req.Room)
		if room == "" {
			room = d.DefaultRoom
		}
		if room == "" {
			http.Error(w, "no room given and no default configured", http.StatusBadRequest)
			return
		}
		if err := d.Join(room); err != nil {
			http.Error(w, "join failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "joined", "room": room})
	})

	// POST /api/leave
	handlePost(mux, "/api/leave", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		if d.Leave == nil {
			http.Error(w, "leaving not available", http.StatusServiceUnavailable)
			return
		}
		if err := d.Leave(); err != nil {
			http.Error(w, "leave failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "left"})
	})

	// /api/chat: GET returns the history (oldest first, markdown
	// pre-rendered), POST sends a message. Both live under one mux
	// registration because the mux forbids duplicate patterns.
	chatHistory := func(w http.ResponseWriter, r *http.Request) {
		var msgs []*chat.Message
		if d.History != nil {
			msgs = d.History()
		}
		entries := make([]chatEntry, 0, len(msgs))
		for _, m := range msgs {
			entries = append(entries, chatEntry{Message: m, HTML: renderMarkdown(m.Content)})
		}
		writeJSON(w, entries)
	}
	chatSend := postHandler(func(w http.ResponseWriter, r *http.Request, req struct {
		Content string `json:"content"`
	}) {
		if d.SendChat == nil {
			http.Error(w, "chat not available", http.StatusServiceUnavailable)
			return
		}
		msg, err := d.SendChat(req.Content)
		switch {
		case errors.Is(err, chat.ErrTooLarge):
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, chatEntry{Message: msg, HTML: renderMarkdown(msg.Content)})
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			chatHistory(w, r)
			return
		}
		chatSend(w, r)
	})

	// GET /api/meetings: the meeting log, newest first.
	handleGet(mux, "/api/meetings", func(w http.ResponseWriter, r *http.Request) {
		if d.Meetings == nil {
			http.Error(w, "meeting history not available", http.StatusServiceUnavailable)
			return
		}
		meetings, err := d.Meetings(50)
		if err != nil {
			http.Error(w, "meeting history: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if meetings == nil {
			meetings = []storage.Meeting{}
		}
		writeJSON(w, meetings)
	})

	// GET /api/meetings/chat?id=: archived chat of one past meeting.
	handleGet(mux, "/api/meetings/chat", func(w http.ResponseWriter, r *http.Request) {
		if d.MeetingChat == nil {
			http.Error(w, "meeting history not available", http.StatusServiceUnavailable)
			return
		}
		id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
		if err != nil {
			http.Error(w, "bad meeting id", http.StatusBadRequest)
			return
		}
		msgs, err := d.MeetingChat(id)
		if err != nil {
			http.Error(w, "meeting chat: "+err.Error(), http.StatusInternalServerError)
			return
		}
		entries := make([]archiveEntry, 0, len(msgs))
		for _, m := range msgs {
			entries = append(entries, archiveEntry{ArchivedMessage: m, HTML: renderMarkdown(m.Body)})
		}
		writeJSON(w, entries)
	})

	// GET /api/devices
	handleGet(mux, "/api/devices", func(w http.ResponseWriter, r *http.Request) {
		devices := d.Media.ListDevices()
		cameras := make([]media.Device, 0, len(devices))
		microphones := make([]media.Device, 0, len(devices))
		for _, dev := range devices {
			switch dev.Kind {
			case "camera":
				cameras = append(cameras, dev)
			case "microphone":
				microphones = append(microphones, dev)
			}
		}
		writeJSON(w, map[string]any{"cameras": cameras, "microphones": microphones})
	})

	// POST /api/media/audio
	handlePost(mux, "/api/media/audio", func(w http.ResponseWriter, r *http.Request, req struct {
		Enabled bool `json:"enabled"`
	}) {
		d.Media.SetAudioEnabled(req.Enabled)
		s.publishMedia()
		writeJSON(w, s.currentMedia())
	})

	// POST /api/media/video
	handlePost(mux, "/api/media/video", func(w http.ResponseWriter, r *http.Request, req struct {
		Enabled bool `json:"enabled"`
	}) {
		d.Media.SetVideoEnabled(req.Enabled)
		s.publishMedia()
		writeJSON(w, s.currentMedia())
	})

	// POST /api/media/camera: switch device mid-meeting, no renegotiation.
	handlePost(mux, "/api/media/camera", func(w http.ResponseWriter, r *http.Request, req struct {
		DeviceID string `json:"device_id"`
	}) {
		if req.DeviceID == "" {
			http.Error(w, "missing device_id", http.StatusBadRequest)
			return
		}
		if err := d.Media.SwitchVideoDevice(req.DeviceID); err != nil {
			http.Error(w, "camera switch failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.publishMedia()
		writeJSON(w, s.currentMedia())
	})

	// POST /api/media/microphone
	handlePost(mux, "/api/media/microphone", func(w http.ResponseWriter, r *http.Request, req struct {
		DeviceID string `json:"device_id"`
	}) {
		if req.DeviceID == "" {
			http.Error(w, "missing device_id", http.StatusBadRequest)
			return
		}
		if err := d.Media.SwitchAudioDevice(req.DeviceID); err != nil {
			http.Error(w, "microphone switch failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.publishMedia()
		writeJSON(w, s.currentMedia())
	})

	// POST /api/share/start
	handlePost(mux, "/api/share/start", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		if err := d.Media.StartScreenShare(); err != nil {
			http.Error(w, "screen share failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.publishMedia()
		writeJSON(w, s.currentMedia())
	})

	// POST /api/share/stop
	handlePost(mux, "/api/share/stop", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		if err := d.Media.StopScreenShare(); err != nil {
			http.Error(w, "stop share failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.publishMedia()
		writeJSON(w, s.currentMedia())
	})

	// GET /api/invite?room=&to=: join link plus a ready mailto URL.
	handleGet(mux, "/api/invite", func(w http.ResponseWriter, r *http.Request) {
		if d.InviteBase == "" {
			http.Error(w, "no public relay URL configured, invites need signaling.relay_url", http.StatusConflict)
			return
		}
		room := strings.TrimSpace(r.URL.Query().Get("room"))
		if room == "" {
			room = s.meeting().Room
		}
		if room == "" {
			room = d.DefaultRoom
		}
		if room == "" {
			http.Error(w, "no room to invite to", http.StatusBadRequest)
			return
		}
		url := invite.JoinURL(d.InviteBase, room)
		writeJSON(w, map[string]string{
			"room":   room,
			"url":    url,
			"mailto": invite.Mailto(r.URL.Query().Get("to"), room, url),
		})
	})

	// GET /api/selfview: WebSocket carrying live WebM of the local camera for the
	// preview element. One camera reader per connection.
	handleGet(mux, "/api/selfview", s.serveSelfView)

	// /avatar/self: GET serves it, POST replaces it, DELETE reverts to
	// generated initials. The new hash reaches the room with the next join.
	mux.HandleFunc("/avatar/self", s.serveSelfAvatar)

	// GET /avatar/initials?name=: generated circles for roster entries.
	handleGet(mux, "/avatar/initials", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "max-age=3600")
		_, _ = w.Write(avatar.InitialsSVG(r.URL.Query().Get("name")))
	})
}

func (s *Server) publishMedia() {
	if s.deps.Bus != nil {
		s.deps.Bus.Publish("media", s.currentMedia())
	}
}

func (s *Server) serveSelfView(w http.ResponseWriter, r *http.Request) {
	src, err := s.deps.Media.SelfView()
	if err != nil {
		http.Error(w, "camera not available: "+err.Error(), http.StatusConflict)
		return
	}
	stream := media.NewSelfViewStream(src)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = stream.Close()
		log.Printf("CONSOLE: selfview upgrade: %v", err)
		return
	}
	defer conn.Close()
	defer stream.Close()

	// Drain incoming messages; a read error means the page is gone, and
	// closing the stream unblocks the Next below.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				_ = stream.Close()
				return
			}
		}
	}()

	for {
		seg, err := stream.Next()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, seg); err != nil {
			return
		}
	}
}

// maxAvatarBytes bounds an uploaded avatar. 512 KiB is plenty for a
// 256x256 PNG.
const maxAvatarBytes = 512 * 1024

// /avatar/self: the stored avatar (generated initials when none is set),
// plus upload and reset.
func (s *Server) serveSelfAvatar(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if s.deps.Avatars != nil {
			data, err := s.deps.Avatars.Read()
			if err != nil {
				http.Error(w, "avatar read failed", http.StatusInternalServerError)
				return
			}
			if data != nil {
				w.Header().Set("Content-Type", "image/png")
				w.Header().Set("Cache-Control", "no-cache")
				_, _ = w.Write(data)
				return
			}
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(avatar.InitialsSVG(safeCall(s.deps.SelfName)))

	case http.MethodPost:
		if s.deps.Avatars == nil {
			http.Error(w, "avatar store not available", http.StatusServiceUnavailable)
			return
		}
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAvatarBytes))
		if err != nil {
			http.Error(w, "avatar too large (max 512 KiB)", http.StatusRequestEntityTooLarge)
			return
		}
		if http.DetectContentType(data) != "image/png" {
			http.Error(w, "avatar must be a PNG", http.StatusUnsupportedMediaType)
			return
		}
		if err := s.deps.Avatars.Write(data); err != nil {
			http.Error(w, "avatar write failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"hash": s.deps.Avatars.Hash()})

	case http.MethodDelete:
		if s.deps.Avatars == nil {
			http.Error(w, "avatar store not available", http.StatusServiceUnavailable)
			return
		}
		if err := s.deps.Avatars.Delete(); err != nil {
			http.Error(w, "avatar delete failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"hash": ""})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func safeCall(fn func() string) string {
	if fn == nil {
		return ""
	}
	return fn()
}
