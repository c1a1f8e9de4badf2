// Package app wires configuration, storage, signaling, media, the mesh,
// chat, hooks and the console into a running peer, and hosts the relay
// mode. It owns the meeting lifecycle the console drives.
package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/taskvision/meet/internal/avatar"
	"github.com/taskvision/meet/internal/config"
	"github.com/taskvision/meet/internal/console"
	"github.com/taskvision/meet/internal/media"
	"github.com/taskvision/meet/internal/realtime"
	"github.com/taskvision/meet/internal/roles"
	"github.com/taskvision/meet/internal/script"
	"github.com/taskvision/meet/internal/state"
	"github.com/taskvision/meet/internal/storage"
	"github.com/taskvision/meet/internal/util"
)

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
}

// Run starts a peer: console immediately, meeting on request (or right
// away with auto_join). It returns when ctx is cancelled.
func Run(ctx context.Context, o Options) error {
	logBuf := console.NewLogBuffer(800)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	cfg := o.Cfg

	selfID := cfg.Identity.PeerID
	if selfID == "" {
		selfID = uuid.NewString()
		log.Printf("APP: no peer id configured, using %s for this run", selfID)
	}
	name := cfg.Identity.DisplayName
	if name == "" {
		name = "peer-" + selfID[:8]
	}
	role, err := roles.Parse(cfg.Identity.Role)
	if err != nil {
		return fmt.Errorf("identity.role: %w", err)
	}

	db, err := storage.Open(o.Dir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	log.Printf("APP: database at %s", db.Path())

	avatars := avatar.NewStore(o.Dir)
	roster := state.NewRoster()

	// ICE servers come from a separate file so TURN credentials can be
	// rotated without touching the main config. Edits apply to the next
	// session.
	iceServers := func() []webrtc.ICEServer { return nil }
	if cfg.ICE.ServersFile != "" {
		watcher, werr := config.WatchICEServers(util.ResolvePath(o.Dir, cfg.ICE.ServersFile))
		if werr != nil {
			log.Printf("APP: ICE servers file unavailable, continuing with host candidates: %v", werr)
		} else {
			defer watcher.Close()
			iceServers = func() []webrtc.ICEServer { return iceFromFile(watcher.Current()) }
		}
	}

	mediaCfg := cfg.Media
	if mediaCfg.RecordDir != "" {
		mediaCfg.RecordDir = util.ResolvePath(o.Dir, mediaCfg.RecordDir)
	}
	ctrl := media.New(mediaCfg)

	// The libp2p host only exists in p2p signaling mode; relay mode
	// signals over a single WebSocket instead.
	var node *realtime.Node
	if cfg.Signaling.Mode == "p2p" {
		keyPath := util.ResolvePath(o.Dir, cfg.Identity.KeyFile)
		node, err = realtime.NewNode(ctx, cfg.P2P.ListenPort, keyPath, cfg.P2P.MdnsTag)
		if err != nil {
			return fmt.Errorf("p2p node: %w", err)
		}
		defer node.Close()
		log.Printf("APP: p2p node %s", node.ID())
		for _, addr := range node.AddrStrings() {
			log.Printf("APP: listening on %s", addr)
		}
		for _, addr := range cfg.P2P.Peers {
			if err := node.Connect(ctx, addr); err != nil {
				log.Printf("P2P: dial %s: %v", addr, err)
			}
		}
	}

	bus := console.NewEventBus()
	defer bus.Close()

	p := &peer{
		ctx:     ctx,
		cfg:     cfg,
		selfID:  selfID,
		name:    name,
		role:    role,
		db:      db,
		roster:  roster,
		media:   ctrl,
		avatars: avatars,
		bus:     bus,
		node:    node,
		ice:     iceServers,
	}

	if cfg.Script.Enabled {
		engine, serr := script.NewEngine(cfg.Script, o.Dir, &scriptHost{p: p})
		if serr != nil {
			log.Printf("APP: hooks disabled: %v", serr)
		} else {
			p.hooks = engine
			defer engine.Close()
		}
	}

	rosterCh := roster.Subscribe()
	defer roster.Unsubscribe(rosterCh)
	go p.pumpRoster(rosterCh)

	cons, err := console.New(console.Deps{
		SelfID:      selfID,
		SelfName:    func() string { return name },
		SelfRole:    role,
		DefaultRoom: cfg.Signaling.Room,
		InviteBase:  cfg.Signaling.RelayURL,
		Roster:      roster,
		Media:       ctrl,
		Avatars:     avatars,
		Logs:        logBuf,
		Bus:         bus,
		Join:        p.Join,
		Leave:       p.Leave,
		Meeting:     p.Meeting,
		SendChat:    p.SendChat,
		History:     p.History,
		Meetings:    func(limit int) ([]storage.Meeting, error) { return db.RecentMeetings(limit) },
		MeetingChat: func(id int64) ([]storage.ArchivedMessage, error) { return db.MeetingChat(id, 500) },
	})
	if err != nil {
		return err
	}
	url, err := cons.Start(cfg.Console.HTTPAddr)
	if err != nil {
		return err
	}
	defer cons.Close()
	log.Printf("APP: console at %s", url)
	if cfg.Console.OpenBrowser {
		if err := util.OpenURL(url); err != nil {
			log.Printf("APP: could not open browser: %v", err)
		}
	}

	if cfg.Signaling.AutoJoin && cfg.Signaling.Room != "" {
		if err := p.Join(cfg.Signaling.Room); err != nil {
			log.Printf("APP: auto-join %q failed: %v", cfg.Signaling.Room, err)
		}
	}

	<-ctx.Done()
	log.Printf("APP: shutting down")
	_ = p.Leave()
	return nil
}

func iceFromFile(f config.ICEFile) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(f.Servers))
	for _, s := range f.Servers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}
