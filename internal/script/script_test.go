package script

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/taskvision/meet/internal/config"
)

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

type fakeHost struct {
	mu       sync.Mutex
	chats    []string
	audio    []bool
	peers    []Peer
	failChat bool
}

func (h *fakeHost) SendChat(content string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failChat {
		return errors.New("no room joined")
	}
	h.chats = append(h.chats, content)
	return nil
}

func (h *fakeHost) Peers() []Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peers
}

func (h *fakeHost) SetAudio(enabled bool) {
	h.mu.Lock()
	h.audio = append(h.audio, enabled)
	h.mu.Unlock()
}

func (h *fakeHost) sentChats() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.chats...)
}

func (h *fakeHost) lastChat() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.chats) == 0 {
		return ""
	}
	return h.chats[len(h.chats)-1]
}

func (h *fakeHost) audioCalls() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.audio...)
}

func testConfig() config.Script {
	return config.Script{
		Enabled:         true,
		HookFile:        "hooks.lua",
		TimeoutSeconds:  2,
		MaxMemoryMB:     64,
		RateLimitPerMin: 100,
	}
}

func writeHook(t *testing.T, dir, source string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "hooks.lua"), []byte(source), 0644); err != nil {
		t.Fatalf("write hook file: %v", err)
	}
}

func newTestEngine(t *testing.T, cfg config.Script, source string) (*Engine, *fakeHost) {
	t.Helper()
	dir := t.TempDir()
	if source != "" {
		writeHook(t, dir, source)
	}
	host := &fakeHost{}
	e, err := NewEngine(cfg, dir, host)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(e.Close)
	return e, host
}

func TestPeerJoinHook(t *testing.T) {
	e, host := newTestEngine(t, testConfig(), `
function on_peer_join(id, name)
    meet.send_chat("welcome " .. name)
end
`)
	if !e.Loaded() {
		t.Fatal("hook file not loaded")
	}
	if got := e.Hooks(); len(got) != 1 || got[0] != "on_peer_join" {
		t.Fatalf("Hooks() = %v, want [on_peer_join]", got)
	}

	e.PeerJoined("p1", "Alice")
	if got := host.sentChats(); len(got) != 1 || got[0] != "welcome Alice" {
		t.Fatalf("chats = %v", got)
	}
}

func TestChatHookSeesPeers(t *testing.T) {
	e, host := newTestEngine(t, testConfig(), `
function on_chat(from, content)
    if content == "!who" then
        local names = {}
        for _, p in ipairs(meet.peers()) do
            names[#names + 1] = p.name
        end
        meet.send_chat(table.concat(names, ", "))
    end
end
`)
	host.mu.Lock()
	host.peers = []Peer{{ID: "p1", Name: "Alice"}, {ID: "p2", Name: "Bob"}}
	host.mu.Unlock()

	e.ChatMessage("p1", "hello")
	if n := len(host.sentChats()); n != 0 {
		t.Fatalf("hook replied to a plain message (%d chats)", n)
	}
	e.ChatMessage("p1", "!who")
	if got := host.lastChat(); got != "Alice, Bob" {
		t.Fatalf("reply = %q, want %q", got, "Alice, Bob")
	}
}

func TestPeerLeaveControlsAudio(t *testing.T) {
	e, host := newTestEngine(t, testConfig(), `
function on_peer_leave(id)
    meet.set_audio(false)
end
`)
	e.PeerLeft("p1")
	if got := host.audioCalls(); len(got) != 1 || got[0] != false {
		t.Fatalf("audio calls = %v, want [false]", got)
	}
}

func TestUndefinedHookIgnored(t *testing.T) {
	e, host := newTestEngine(t, testConfig(), `
function on_chat(from, content)
    meet.send_chat("only chat")
end
`)
	e.PeerJoined("p1", "Alice")
	e.PeerLeft("p1")
	if n := len(host.sentChats()); n != 0 {
		t.Fatalf("undefined hooks produced %d chats", n)
	}
}

func TestSandboxHasNoIOOrOS(t *testing.T) {
	e, host := newTestEngine(t, testConfig(), `
function on_chat(from, content)
    if io == nil and os == nil and require == nil and dofile == nil then
        meet.send_chat("sandboxed")
    else
        meet.send_chat("leaky")
    end
end
`)
	e.ChatMessage("p1", "check")
	if got := host.lastChat(); got != "sandboxed" {
		t.Fatalf("sandbox check replied %q", got)
	}
}

func TestSendBudgetPerInvocation(t *testing.T) {
	e, host := newTestEngine(t, testConfig(), `
function on_peer_join(id, name)
    for i = 1, 10 do
        local ok = meet.send_chat("spam " .. i)
        if not ok then
            meet.set_audio(true)
            return
        end
    end
end
`)
	e.PeerJoined("p1", "Alice")
	if n := len(host.sentChats()); n != maxSendsPerInvocation {
		t.Fatalf("%d chats sent, want %d", n, maxSendsPerInvocation)
	}
	if got := host.audioCalls(); len(got) != 1 {
		t.Fatal("script never observed the send limit")
	}
}

func TestHostErrorReachesScript(t *testing.T) {
	e, host := newTestEngine(t, testConfig(), `
function on_chat(from, content)
    local ok, err = meet.send_chat("reply")
    if not ok then
        meet.log("send failed: " .. err)
        meet.set_audio(true)
    end
end
`)
	host.mu.Lock()
	host.failChat = true
	host.mu.Unlock()

	e.ChatMessage("p1", "hi")
	if got := host.audioCalls(); len(got) != 1 {
		t.Fatal("script did not see the host error")
	}
}

func TestRateLimitSuppressesHooks(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitPerMin = 2
	e, host := newTestEngine(t, cfg, `
function on_peer_join(id, name)
    meet.send_chat("hi " .. name)
end
`)
	for i := 0; i < 5; i++ {
		e.PeerJoined("p1", "Alice")
	}
	if n := len(host.sentChats()); n != 2 {
		t.Fatalf("%d hook runs got through, want 2", n)
	}
}

func TestBusyLoopTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.TimeoutSeconds = 1
	e, _ := newTestEngine(t, cfg, `
function on_chat(from, content)
    while true do end
end
`)
	done := make(chan struct{})
	go func() {
		e.ChatMessage("p1", "spin")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("busy-looping hook was not cut off")
	}
}

func TestReloadOnEdit(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, `
function on_chat(from, content)
    meet.send_chat("v1")
end
`)
	host := &fakeHost{}
	e, err := NewEngine(testConfig(), dir, host)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(e.Close)

	e.ChatMessage("p1", "x")
	if got := host.lastChat(); got != "v1" {
		t.Fatalf("before edit: %q", got)
	}

	writeHook(t, dir, `
function on_chat(from, content)
    meet.send_chat("v2")
end
`)
	waitFor(t, "reloaded hook in effect", func() bool {
		e.ChatMessage("p1", "x")
		return host.lastChat() == "v2"
	})
}

func TestHookFileAppearsLater(t *testing.T) {
	dir := t.TempDir()
	host := &fakeHost{}
	e, err := NewEngine(testConfig(), dir, host)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(e.Close)

	if e.Loaded() {
		t.Fatal("engine claims a hook file that does not exist")
	}
	e.ChatMessage("p1", "x")

	writeHook(t, dir, `
function on_chat(from, content)
    meet.send_chat("late")
end
`)
	waitFor(t, "late hook file loaded", func() bool { return e.Loaded() })
	e.ChatMessage("p1", "x")
	if got := host.lastChat(); got != "late" {
		t.Fatalf("late hook replied %q", got)
	}
}

func TestBrokenEditKeepsPreviousHooks(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, `
function on_chat(from, content)
    meet.send_chat("good")
end
`)
	host := &fakeHost{}
	e, err := NewEngine(testConfig(), dir, host)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(e.Close)

	writeHook(t, dir, `function on_chat(`)
	// The watcher sees the write quickly; give it a moment, then the old
	// version must still answer.
	time.Sleep(300 * time.Millisecond)
	e.ChatMessage("p1", "x")
	if got := host.lastChat(); got != "good" {
		t.Fatalf("after broken edit: %q", got)
	}
}
