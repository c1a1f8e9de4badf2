// Package console serves the local control surface of a peer: one page
// on the loopback interface with the roster, the chat, media controls
// and invite links, backed by a JSON API and an SSE event stream. It is
// the only UI the peer has; nothing here is reachable from the network.
package console

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/js"

	"github.com/taskvision/meet/internal/avatar"
	"github.com/taskvision/meet/internal/chat"
	"github.com/taskvision/meet/internal/media"
	"github.com/taskvision/meet/internal/mesh"
	"github.com/taskvision/meet/internal/roles"
	"github.com/taskvision/meet/internal/state"
	"github.com/taskvision/meet/internal/storage"
)

//go:embed assets
var assetsFS embed.FS

// Meeting is the app's snapshot of the current room join.
type Meeting struct {
	Joined   bool               `json:"joined"`
	Room     string             `json:"room,omitempty"`
	Sessions []mesh.SessionInfo `json:"sessions"`
}

// Deps wires the console to the rest of the peer. The lifecycle funcs
// belong to the app, which owns the current meeting; a nil func makes
// the matching endpoints answer 503.
type Deps struct {
	SelfID   string
	SelfName func() string
	SelfRole roles.Role

	DefaultRoom string
	InviteBase  string // public relay URL for invite links, may be empty

	Roster  *state.Roster
	Media   *media.Controller
	Avatars *avatar.Store
	Logs    *LogBuffer
	Bus     *EventBus

	Join     func(room string) error
	Leave    func() error
	Meeting  func() Meeting
	SendChat func(content string) (*chat.Message, error)
	History  func() []*chat.Message

	Meetings    func(limit int) ([]storage.Meeting, error)
	MeetingChat func(id int64) ([]storage.ArchivedMessage, error)
}

// Server is the console HTTP server.
type Server struct {
	deps  Deps
	mux   *http.ServeMux
	srv   *http.Server
	ln    net.Listener
	appJS []byte
}

// New builds the console. The page's JS is minified once here.
func New(deps Deps) (*Server, error) {
	if deps.SelfID == "" {
		return nil, errors.New("console: SelfID is required")
	}
	if deps.Roster == nil || deps.Media == nil || deps.Logs == nil || deps.Bus == nil {
		return nil, errors.New("console: Roster, Media, Logs and Bus are required")
	}

	s := &Server{deps: deps, mux: http.NewServeMux()}

	raw, err := assetsFS.ReadFile("assets/app.js")
	if err != nil {
		return nil, fmt.Errorf("read app.js: %w", err)
	}
	m := minify.New()
	m.AddFunc("application/javascript", js.Minify)
	if out, err := m.Bytes("application/javascript", raw); err != nil {
		log.Printf("CONSOLE: minify warning: %v (serving original)", err)
		s.appJS = raw
	} else {
		s.appJS = out
	}

	s.routes()
	return s, nil
}

// Start listens on addr and serves in the background. It returns the
// console URL, which differs from addr when the port was 0.
func (s *Server) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("console listen on %s: %w", addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{Handler: requireLoopback(s.mux)}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("CONSOLE: server stopped: %v", err)
		}
	}()
	url := "http://" + ln.Addr().String()
	log.Printf("CONSOLE: serving at %s", url)
	return url, nil
}

// Close stops the server. Open SSE streams are cut.
func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

func (s *Server) routes() {
	d := s.deps

	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		page, err := assetsFS.ReadFile("assets/index.html")
		if err != nil {
			http.Error(w, "console page missing", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(page)
	})
	handleGet(s.mux, "/app.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		_, _ = w.Write(s.appJS)
	})

	s.apiRoutes()

	handleGet(s.mux, "/api/events", s.serveEvents)
	handleGet(s.mux, "/api/logs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Logs.Snapshot())
	})
	handleGet(s.mux, "/api/logs/stream", s.serveLogStream)
}

// requireLoopback rejects anything that did not come over the loopback
// interface. The listener normally binds 127.0.0.1 anyway; this keeps a
// misconfigured bind address from exposing the console.
func requireLoopback(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLocalRequest(r) {
			http.Error(w, "console is local only", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

// handlePost decodes the JSON body into req before calling fn. An empty
// body decodes into the zero value, so bodiless actions work too.
func handlePost[T any](mux *http.ServeMux, path string, fn func(w http.ResponseWriter, r *http.Request, req T)) {
	mux.HandleFunc(path, postHandler(fn))
}

// postHandler wraps fn with the POST method guard and JSON body decoding
// shared by every POST route.
func postHandler[T any](fn func(w http.ResponseWriter, r *http.Request, req T)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		if err := dec.Decode(&req); err != nil && err != io.EOF {
			http.Error(w, "bad request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		fn(w, r, req)
	}
}
