package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/taskvision/meet/internal/roles"
	"github.com/taskvision/meet/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Signaling Signaling `json:"signaling"`
	P2P       P2P       `json:"p2p"`
	Presence  Presence  `json:"presence"`
	Media     Media     `json:"media"`
	ICE       ICE       `json:"ice"`
	Chat      Chat      `json:"chat"`
	Console   Console   `json:"console"`
	Relay     Relay     `json:"relay"`
	Script    Script    `json:"script"`
}

type Identity struct {
	// Stable peer id. Empty means a random id is generated at startup and
	// kept for the lifetime of the process only.
	PeerID      string `json:"peer_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`

	// libp2p identity key, used only in p2p signaling mode. Relative to the
	// peer directory.
	KeyFile string `json:"key_file"`
}

type Signaling struct {
	// Backend carrying signal envelopes: "relay" (WebSocket room server)
	// or "p2p" (libp2p gossipsub, serverless).
	Mode string `json:"mode"`

	// Relay server base URL, e.g. "http://127.0.0.1:8686". Required when
	// mode is "relay".
	RelayURL string `json:"relay_url"`

	// Default room for `meet peer`; the console can switch rooms at runtime.
	Room string `json:"room"`

	// Optional room passcode. Sent on join; the first joiner of a room
	// decides whether the room requires one.
	Passcode string `json:"passcode"`

	// Join the configured room immediately on startup instead of waiting
	// for a console join request.
	AutoJoin bool `json:"auto_join"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`

	// Full multiaddrs ("/ip4/.../tcp/.../p2p/<id>") dialed at startup, for
	// peers mDNS cannot reach. Dialing is best effort.
	Peers []string `json:"peers"`
}

type Presence struct {
	TTLSec       int `json:"ttl_seconds"`
	HeartbeatSec int `json:"heartbeat_seconds"`
}

type Media struct {
	PreferredCam  string `json:"preferred_cam"`
	PreferredMic  string `json:"preferred_mic"`
	VideoDisabled bool   `json:"video_disabled"` // Join without camera capture

	// Capture caps. Higher resolutions increase VP8 encoding latency.
	MaxWidth  int `json:"max_width"`
	MaxHeight int `json:"max_height"`

	// VP8 target bitrate in bits/second.
	VideoBitRate int `json:"video_bitrate"`

	// When set, the outgoing camera stream is also recorded as WebM files
	// under this directory. Relative to the peer directory.
	RecordDir string `json:"record_dir"`
}

type ICE struct {
	// Path to a JSON file listing ICE servers (see ice.go). Relative to the
	// peer directory. Edits are picked up without a restart and apply to
	// sessions created afterwards.
	ServersFile string `json:"servers_file"`
}

type Chat struct {
	HistorySize int `json:"history_size"`
}

type Console struct {
	HTTPAddr    string `json:"http_addr"`
	OpenBrowser bool   `json:"open_browser"`
	Debug       bool   `json:"debug"`
}

type Relay struct {
	// Bind address for the relay server. Default "127.0.0.1" (localhost only).
	// Set to "0.0.0.0" to accept connections from other machines.
	Bind string `json:"bind"`
	Port int    `json:"port"`

	// Public URL shown in invite links and docs (e.g. "https://meet.example.org").
	// Required for servers behind NAT or reverse proxies.
	ExternalURL string `json:"external_url"`

	// Directory for the relay's SQLite database (meeting history, push
	// subscriptions). Relative to the relay directory. Empty disables
	// persistence-backed features.
	DBPath string `json:"db_path"`

	// Inbound signal frames allowed per connection per minute. 0 disables
	// rate limiting.
	MessageRatePerMin int `json:"message_rate_per_min"`

	// Web push (VAPID). Keys are generated and written back to this config
	// on first relay start when push is enabled and the keys are empty.
	PushEnabled     bool   `json:"push_enabled"`
	VAPIDPublicKey  string `json:"vapid_public_key"`
	VAPIDPrivateKey string `json:"vapid_private_key"`
	PushContact     string `json:"push_contact"` // mailto: or https: subscriber contact
}

type Script struct {
	Enabled         bool   `json:"enabled"`
	HookFile        string `json:"hook_file"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
	MaxMemoryMB     int    `json:"max_memory_mb"`
	RateLimitPerMin int    `json:"rate_limit_per_min"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			DisplayName: "guest",
			Role:        "employee",
			KeyFile:     "data/identity.key",
		},
		Signaling: Signaling{
			Mode:     "relay",
			RelayURL: "http://127.0.0.1:8686",
			Room:     "",
			AutoJoin: false,
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "meet-mdns",
		},
		Presence: Presence{
			TTLSec:       20,
			HeartbeatSec: 5,
		},
		Media: Media{
			MaxWidth:     640,
			MaxHeight:    480,
			VideoBitRate: 1_500_000,
		},
		ICE: ICE{
			ServersFile: "data/ice.json",
		},
		Chat: Chat{
			HistorySize: 200,
		},
		Console: Console{
			HTTPAddr: "127.0.0.1:8585",
		},
		Relay: Relay{
			Bind:              "127.0.0.1",
			Port:              8686,
			DBPath:            "data",
			MessageRatePerMin: 600,
		},
		Script: Script{
			Enabled:         false,
			HookFile:        "hooks.lua",
			TimeoutSeconds:  5,
			MaxMemoryMB:     10,
			RateLimitPerMin: 30,
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.DisplayName) == "" {
		return errors.New("identity.display_name is required")
	}
	if _, err := roles.Parse(c.Identity.Role); err != nil {
		return fmt.Errorf("identity.role: %w", err)
	}
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// Signaling
	switch c.Signaling.Mode {
	case "relay":
		if err := validateRelayURL(c.Signaling.RelayURL); err != nil {
			return fmt.Errorf("signaling.relay_url: %w", err)
		}
	case "p2p":
		// No relay URL needed.
	default:
		return errors.New(`signaling.mode must be "relay" or "p2p"`)
	}
	if r := strings.TrimSpace(c.Signaling.Room); r != "" {
		if _, err := util.ValidateRoomID(r); err != nil {
			return fmt.Errorf("signaling.room: %w", err)
		}
	}
	if c.Signaling.AutoJoin && strings.TrimSpace(c.Signaling.Room) == "" {
		return errors.New("signaling.auto_join requires signaling.room")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	// Presence
	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be < presence.ttl_seconds")
	}

	// Media
	if c.Media.MaxWidth <= 0 || c.Media.MaxHeight <= 0 {
		return errors.New("media.max_width and media.max_height must be > 0")
	}
	if c.Media.VideoBitRate < 100_000 {
		return errors.New("media.video_bitrate must be >= 100000")
	}

	// ICE
	if strings.TrimSpace(c.ICE.ServersFile) == "" {
		return errors.New("ice.servers_file is required")
	}

	// Chat
	if c.Chat.HistorySize <= 0 {
		return errors.New("chat.history_size must be > 0")
	}

	// Relay
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		return errors.New("relay.port must be 1..65535")
	}
	if b := c.Relay.Bind; b != "" {
		if net.ParseIP(b) == nil {
			return errors.New("relay.bind must be a valid IP address")
		}
	}
	if c.Relay.MessageRatePerMin < 0 {
		return errors.New("relay.message_rate_per_min must be >= 0")
	}
	if c.Relay.PushEnabled && strings.TrimSpace(c.Relay.PushContact) == "" {
		return errors.New("relay.push_contact is required when push is enabled")
	}
	if ext := strings.TrimSpace(c.Relay.ExternalURL); ext != "" {
		if err := validateRelayURL(ext); err != nil {
			return fmt.Errorf("relay.external_url: %w", err)
		}
	}

	// Script
	if c.Script.Enabled {
		if strings.TrimSpace(c.Script.HookFile) == "" {
			return errors.New("script.hook_file is required when script is enabled")
		}
		if c.Script.TimeoutSeconds < 1 || c.Script.TimeoutSeconds > 60 {
			return errors.New("script.timeout_seconds must be 1..60")
		}
		if c.Script.MaxMemoryMB < 1 || c.Script.MaxMemoryMB > 1024 {
			return errors.New("script.max_memory_mb must be 1..1024")
		}
		if c.Script.RateLimitPerMin <= 0 {
			return errors.New("script.rate_limit_per_min must be > 0")
		}
	}

	return nil
}

func validateRelayURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return errors.New("scheme must be http, https, ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("missing hostname")
	}
	if host == "0.0.0.0" {
		return errors.New("host must not be 0.0.0.0")
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		return errors.New("host must not be unspecified")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
