package chat

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
)

// fakeChannel stands in for a data channel: the test controls when it
// opens, what arrives and whether sends fail.
type fakeChannel struct {
	mu        sync.Mutex
	sent      [][]byte
	failSend  bool
	onOpen    func()
	onMessage func(webrtc.DataChannelMessage)
	onClose   func()
}

func (f *fakeChannel) Label() string { return "chat" }

func (f *fakeChannel) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("channel closed")
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeChannel) OnOpen(fn func()) {
	f.mu.Lock()
	f.onOpen = fn
	f.mu.Unlock()
}

func (f *fakeChannel) OnMessage(fn func(webrtc.DataChannelMessage)) {
	f.mu.Lock()
	f.onMessage = fn
	f.mu.Unlock()
}

func (f *fakeChannel) OnClose(fn func()) {
	f.mu.Lock()
	f.onClose = fn
	f.mu.Unlock()
}

func (f *fakeChannel) open() {
	f.mu.Lock()
	fn := f.onOpen
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeChannel) inject(data []byte) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()
	if fn != nil {
		fn(webrtc.DataChannelMessage{Data: data})
	}
}

func (f *fakeChannel) drop() {
	f.mu.Lock()
	fn := f.onClose
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeChannel) sentContents(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, data := range f.sent {
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("sent payload %d does not decode: %v", i, err)
		}
		out[i] = msg.Content
	}
	return out
}

func wireMessage(t *testing.T, from, content string) []byte {
	t.Helper()
	data, err := json.Marshal(NewMessage(from, from, content))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestSendQueuedUntilOpen(t *testing.T) {
	m := New("alice", "Alice", 0)
	ch := &fakeChannel{}
	m.Attach("bob", ch)

	if _, err := m.Send("first"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := m.Send("second"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n := ch.sentCount(); n != 0 {
		t.Fatalf("%d messages sent before the channel opened", n)
	}

	ch.open()
	if got := ch.sentContents(t); len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("flushed queue = %v, want [first second]", got)
	}

	if _, err := m.Send("third"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := ch.sentContents(t); len(got) != 3 || got[2] != "third" {
		t.Fatalf("after open = %v, want third appended", got)
	}
}

func TestBroadcastReachesEveryPeer(t *testing.T) {
	m := New("alice", "Alice", 0)
	bob, carol, dave := &fakeChannel{}, &fakeChannel{}, &fakeChannel{}
	m.Attach("bob", bob)
	m.Attach("carol", carol)
	m.Attach("dave", dave)
	bob.open()
	carol.open()

	if _, err := m.Send("standup in 5"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if bob.sentCount() != 1 || carol.sentCount() != 1 {
		t.Fatalf("open peers got %d/%d messages, want 1/1", bob.sentCount(), carol.sentCount())
	}
	if dave.sentCount() != 0 {
		t.Fatal("message sent on a channel that never opened")
	}
	dave.open()
	if got := dave.sentContents(t); len(got) != 1 || got[0] != "standup in 5" {
		t.Fatalf("late-opening peer got %v", got)
	}
}

func TestInboundValidation(t *testing.T) {
	m := New("alice", "Alice", 0)
	ch := &fakeChannel{}
	m.Attach("bob", ch)
	ch.open()

	t.Run("spoofed sender dropped", func(t *testing.T) {
		ch.inject(wireMessage(t, "mallory", "pretending"))
		if n := len(m.History()); n != 0 {
			t.Fatalf("spoofed message entered the history (%d entries)", n)
		}
	})

	t.Run("oversized payload dropped", func(t *testing.T) {
		ch.inject([]byte(strings.Repeat("x", MaxMessageBytes+1)))
		if n := len(m.History()); n != 0 {
			t.Fatalf("oversized payload entered the history (%d entries)", n)
		}
	})

	t.Run("garbage dropped", func(t *testing.T) {
		ch.inject([]byte("not json"))
		if n := len(m.History()); n != 0 {
			t.Fatalf("undecodable payload entered the history (%d entries)", n)
		}
	})

	t.Run("valid message recorded", func(t *testing.T) {
		ch.inject(wireMessage(t, "bob", "hello"))
		hist := m.History()
		if len(hist) != 1 {
			t.Fatalf("history has %d entries, want 1", len(hist))
		}
		if hist[0].From != "bob" || hist[0].Content != "hello" {
			t.Fatalf("recorded %+v", hist[0])
		}
	})
}

func TestMissingTimestampBackfilled(t *testing.T) {
	m := New("alice", "Alice", 0)
	ch := &fakeChannel{}
	m.Attach("bob", ch)
	ch.open()

	data, err := json.Marshal(&Message{ID: "m1", From: "bob", Content: "no clock"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ch.inject(data)

	hist := m.History()
	if len(hist) != 1 {
		t.Fatalf("history has %d entries, want 1", len(hist))
	}
	if hist[0].Timestamp == 0 {
		t.Fatal("timestamp not backfilled")
	}
}

func TestOwnMessagesRecorded(t *testing.T) {
	m := New("alice", "Alice", 0)
	sub, cancel := m.Subscribe()
	defer cancel()

	msg, err := m.Send("  hi all  ")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.ID == "" || msg.From != "alice" || msg.FromName != "Alice" {
		t.Fatalf("sent message = %+v", msg)
	}
	if msg.Content != "hi all" {
		t.Fatalf("content %q not trimmed", msg.Content)
	}

	hist := m.History()
	if len(hist) != 1 || hist[0].ID != msg.ID {
		t.Fatalf("own message missing from history: %v", hist)
	}
	select {
	case got := <-sub:
		if got.ID != msg.ID {
			t.Fatalf("subscriber got %s, want %s", got.ID, msg.ID)
		}
	default:
		t.Fatal("subscriber did not receive the sent message")
	}
}

func TestSendRejectsEmptyAndOversized(t *testing.T) {
	m := New("alice", "Alice", 0)

	if _, err := m.Send("   "); err == nil {
		t.Fatal("blank message accepted")
	}
	if _, err := m.Send(strings.Repeat("x", MaxMessageBytes)); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("oversized send returned %v, want ErrTooLarge", err)
	}
	if n := len(m.History()); n != 0 {
		t.Fatalf("rejected sends entered the history (%d entries)", n)
	}
}

type recordingArchiver struct {
	mu   sync.Mutex
	msgs []*Message
}

func (a *recordingArchiver) Archive(m *Message) error {
	a.mu.Lock()
	a.msgs = append(a.msgs, m)
	a.mu.Unlock()
	return nil
}

func (a *recordingArchiver) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.msgs)
}

func TestArchiverSeesBothDirections(t *testing.T) {
	m := New("alice", "Alice", 0)
	arch := &recordingArchiver{}
	m.SetArchiver(arch)

	ch := &fakeChannel{}
	m.Attach("bob", ch)
	ch.open()

	if _, err := m.Send("out"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ch.inject(wireMessage(t, "bob", "in"))

	if n := arch.count(); n != 2 {
		t.Fatalf("archiver saw %d messages, want 2", n)
	}
}

func TestReattachReplacesChannel(t *testing.T) {
	m := New("alice", "Alice", 0)
	old := &fakeChannel{}
	m.Attach("bob", old)
	old.open()

	// The mesh rebuilt bob's session and handed over a fresh channel.
	fresh := &fakeChannel{}
	m.Attach("bob", fresh)
	fresh.open()

	if _, err := m.Send("hello again"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if old.sentCount() != 0 {
		t.Fatal("send went to the replaced channel")
	}
	if fresh.sentCount() != 1 {
		t.Fatalf("fresh channel got %d messages, want 1", fresh.sentCount())
	}

	// The old channel closing late must not detach the fresh one.
	old.drop()
	if _, err := m.Send("still here"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if fresh.sentCount() != 2 {
		t.Fatalf("fresh channel got %d messages after stale close, want 2", fresh.sentCount())
	}
}

func TestHistoryBounded(t *testing.T) {
	m := New("alice", "Alice", 3)
	for _, content := range []string{"one", "two", "three", "four"} {
		if _, err := m.Send(content); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	hist := m.History()
	if len(hist) != 3 {
		t.Fatalf("history has %d entries, want 3", len(hist))
	}
	if hist[0].Content != "two" || hist[2].Content != "four" {
		t.Fatalf("history = [%s %s %s], want oldest dropped", hist[0].Content, hist[1].Content, hist[2].Content)
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	m := New("alice", "Alice", 0)
	if _, err := m.Send("kept"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sub, cancel := m.Subscribe()
	defer cancel()

	m.Close()
	if _, ok := <-sub; ok {
		t.Fatal("subscription still open after Close")
	}
	late, _ := m.Subscribe()
	if _, ok := <-late; ok {
		t.Fatal("Subscribe after Close returned a live channel")
	}
	if len(m.History()) != 1 {
		t.Fatal("history lost on Close")
	}
}
