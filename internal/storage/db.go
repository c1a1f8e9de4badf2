package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database kept under a peer or relay directory.
// Rooms themselves are never persisted; the database records history
// (meetings, archived chat) and push subscriptions.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates a SQLite database in the given directory
func Open(dir string) (*DB, error) {
	dbPath := filepath.Join(dir, "data.db")

	// Ensure directory exists
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	// Web-push subscriptions, keyed by endpoint. A peer may hold several
	// (one per browser/device).
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS push_subscriptions (
			endpoint   TEXT PRIMARY KEY,
			p256dh     TEXT NOT NULL,
			auth       TEXT NOT NULL,
			peer_id    TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_push_peer ON push_subscriptions(peer_id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create push subscriptions table: %w", err)
	}

	// One row per meeting the local peer attended
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS meeting_log (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			room      TEXT NOT NULL,
			joined_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			left_at   DATETIME
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meeting log table: %w", err)
	}

	// Migration: add peak_occupancy column if missing (existing databases)
	db.Exec(`ALTER TABLE meeting_log ADD COLUMN peak_occupancy INTEGER DEFAULT 1`)

	// Chat messages archived per meeting
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_archive (
			id          TEXT PRIMARY KEY,
			meeting_id  INTEGER NOT NULL REFERENCES meeting_log(id) ON DELETE CASCADE,
			sender_id   TEXT NOT NULL,
			sender_name TEXT DEFAULT '',
			body        TEXT NOT NULL,
			sent_at     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chat_meeting ON chat_archive(meeting_id, sent_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create chat archive table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// ── Push subscriptions ───────────────────────────────────────────────

// PushSubscription is one browser push endpoint registered by a peer.
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
	PeerID   string `json:"peerId"`
}

// SavePushSubscription stores or refreshes a subscription. Re-registering
// an endpoint replaces its keys.
func (d *DB) SavePushSubscription(sub PushSubscription) error {
	if sub.Endpoint == "" {
		return fmt.Errorf("subscription endpoint is empty")
	}
	if sub.PeerID == "" {
		return fmt.Errorf("subscription peer id is empty")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO push_subscriptions (endpoint, p256dh, auth, peer_id)
		VALUES (?, ?, ?, ?)
	`, sub.Endpoint, sub.P256dh, sub.Auth, sub.PeerID)
	return err
}

// DeletePushSubscription removes a subscription by endpoint. Removing an
// unknown endpoint is not an error.
func (d *DB) DeletePushSubscription(endpoint string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint)
	return err
}

// PushSubscriptionsFor returns every subscription registered by a peer.
func (d *DB) PushSubscriptionsFor(peerID string) ([]PushSubscription, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT endpoint, p256dh, auth, peer_id
		FROM push_subscriptions WHERE peer_id = ? ORDER BY created_at
	`, peerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []PushSubscription
	for rows.Next() {
		var s PushSubscription
		if err := rows.Scan(&s.Endpoint, &s.P256dh, &s.Auth, &s.PeerID); err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// PushSubscriptionCount returns the total number of stored subscriptions.
func (d *DB) PushSubscriptionCount() (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM push_subscriptions`).Scan(&n)
	return n, err
}

// ── Meeting log ──────────────────────────────────────────────────────

// Meeting is one attended meeting. LeftAt is empty while the meeting
// is still live.
type Meeting struct {
	ID            int64  `json:"id"`
	Room          string `json:"room"`
	JoinedAt      string `json:"joinedAt"`
	LeftAt        string `json:"leftAt,omitempty"`
	PeakOccupancy int    `json:"peakOccupancy"`
}

// StartMeeting opens a meeting record for a room and returns the meeting id
// used for occupancy updates and the chat archive.
func (d *DB) StartMeeting(room string) (int64, error) {
	if room == "" {
		return 0, fmt.Errorf("room is empty")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(`INSERT INTO meeting_log (room) VALUES (?)`, room)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecordOccupancy raises the meeting's peak occupancy. Lower counts are
// kept as-is, so callers can report every roster change.
func (d *DB) RecordOccupancy(meetingID int64, occupants int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		UPDATE meeting_log SET peak_occupancy = ? WHERE id = ? AND peak_occupancy < ?
	`, occupants, meetingID, occupants)
	return err
}

// EndMeeting stamps the meeting's leave time.
func (d *DB) EndMeeting(meetingID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(`
		UPDATE meeting_log SET left_at = CURRENT_TIMESTAMP WHERE id = ? AND left_at IS NULL
	`, meetingID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("meeting %d not found or already ended", meetingID)
	}
	return nil
}

// RecentMeetings returns the newest meetings first.
func (d *DB) RecentMeetings(limit int) ([]Meeting, error) {
	if limit <= 0 {
		limit = 50
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT id, room, joined_at, left_at, peak_occupancy
		FROM meeting_log ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var meetings []Meeting
	for rows.Next() {
		var m Meeting
		var leftAt sql.NullString
		if err := rows.Scan(&m.ID, &m.Room, &m.JoinedAt, &leftAt, &m.PeakOccupancy); err != nil {
			return nil, err
		}
		m.LeftAt = leftAt.String
		meetings = append(meetings, m)
	}
	return meetings, rows.Err()
}

// ── Chat archive ─────────────────────────────────────────────────────

// ArchivedMessage is one chat message kept for a meeting. SentAt is
// Unix milliseconds from the sender's clock.
type ArchivedMessage struct {
	ID         string `json:"id"`
	MeetingID  int64  `json:"meetingId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Body       string `json:"body"`
	SentAt     int64  `json:"sentAt"`
}

// ArchiveChat stores a chat message. A message id seen before (our own
// send echoed back by a peer) is silently skipped.
func (d *DB) ArchiveChat(msg ArchivedMessage) error {
	if msg.ID == "" {
		return fmt.Errorf("message id is empty")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT OR IGNORE INTO chat_archive (id, meeting_id, sender_id, sender_name, body, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.MeetingID, msg.SenderID, msg.SenderName, msg.Body, msg.SentAt)
	return err
}

// MeetingChat returns a meeting's archived messages in send order.
func (d *DB) MeetingChat(meetingID int64, limit int) ([]ArchivedMessage, error) {
	if limit <= 0 {
		limit = 500
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT id, meeting_id, sender_id, sender_name, body, sent_at
		FROM chat_archive WHERE meeting_id = ? ORDER BY sent_at, id LIMIT ?
	`, meetingID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []ArchivedMessage
	for rows.Next() {
		var m ArchivedMessage
		if err := rows.Scan(&m.ID, &m.MeetingID, &m.SenderID, &m.SenderName, &m.Body, &m.SentAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
