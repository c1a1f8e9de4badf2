package realtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/taskvision/meet/internal/proto"
	"github.com/taskvision/meet/internal/roles"
	"github.com/taskvision/meet/internal/state"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	keyFile := filepath.Join(t.TempDir(), "identity.key")
	n, err := NewNode(context.Background(), 0, keyFile, "")
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func connectNodes(t *testing.T, a, b *Node) {
	t.Helper()
	addrs := b.AddrStrings()
	if len(addrs) == 0 {
		t.Fatal("node has no addresses")
	}
	if err := a.Connect(context.Background(), addrs[0]); err != nil {
		t.Fatalf("connect nodes: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// meshReady reports whether both signalers see each other on the room topic,
// so a one-shot publish will not be lost to mesh formation.
func meshReady(a, b *Signaler) bool {
	a.mu.Lock()
	rta := a.roomTopic
	a.mu.Unlock()
	b.mu.Lock()
	rtb := b.roomTopic
	b.mu.Unlock()
	return rta != nil && rtb != nil && len(rta.ListPeers()) > 0 && len(rtb.ListPeers()) > 0
}

func recvSignal(t *testing.T, ch <-chan *proto.SignalMessage) *proto.SignalMessage {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
	return nil
}

func TestIdentityKeyPersists(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "identity.key")

	n1, err := NewNode(context.Background(), 0, keyFile, "")
	if err != nil {
		t.Fatal(err)
	}
	id1 := n1.ID()
	_ = n1.Close()

	n2, err := NewNode(context.Background(), 0, keyFile, "")
	if err != nil {
		t.Fatal(err)
	}
	defer n2.Close()

	if n2.ID() != id1 {
		t.Fatalf("identity changed across restarts: %s then %s", id1, n2.ID())
	}
}

func TestSignalerExchange(t *testing.T) {
	na := newTestNode(t)
	nb := newTestNode(t)
	connectNodes(t, na, nb)
	ctx := context.Background()

	rosterA := state.NewRoster()
	sa := NewSignaler(na, "alice", rosterA, 200*time.Millisecond, 2*time.Second)
	if _, err := sa.Join(ctx, "standup", state.SelfInfo{Name: "Alice", Role: roles.Supervisor}); err != nil {
		t.Fatal(err)
	}
	defer sa.Leave()
	chA, cancelA := sa.Subscribe()
	defer cancelA()

	rosterB := state.NewRoster()
	sb := NewSignaler(nb, "bob", rosterB, 200*time.Millisecond, 2*time.Second)
	if _, err := sb.Join(ctx, "standup", state.SelfInfo{Name: "Bob"}); err != nil {
		t.Fatal(err)
	}

	// Heartbeats converge both rosters; presence stays off the subscription.
	waitFor(t, "rosters to converge", func() bool {
		a, okA := rosterA.Get("bob")
		b, okB := rosterB.Get("alice")
		return okA && a.Name == "Bob" && okB && b.Name == "Alice" && b.Role == roles.Supervisor
	})
	select {
	case m := <-chA:
		t.Fatalf("subscription should not carry presence, got %s from %s", m.Type, m.SenderID)
	default:
	}

	waitFor(t, "room topic mesh", func() bool { return meshReady(sa, sb) })

	// The signaler stamps the sender id no matter what the caller set.
	if err := sb.Send(proto.NewOffer("someone-else", "alice", "sdp-offer")); err != nil {
		t.Fatal(err)
	}
	m := recvSignal(t, chA)
	if m.Type != proto.TypeOffer || m.SenderID != "bob" {
		t.Fatalf("expected offer stamped from bob, got %s from %s", m.Type, m.SenderID)
	}

	if err := sb.Leave(); err != nil {
		t.Fatal(err)
	}
	m = recvSignal(t, chA)
	if m.Type != proto.TypeLeave || m.SenderID != "bob" {
		t.Fatalf("expected leave from bob, got %s from %s", m.Type, m.SenderID)
	}
	waitFor(t, "bob gone from alice's roster", func() bool {
		_, ok := rosterA.Get("bob")
		return !ok
	})
	select {
	case <-sb.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("bob's Done never closed after Leave")
	}
}

func TestStaleOccupantPruned(t *testing.T) {
	na := newTestNode(t)
	nb := newTestNode(t)
	connectNodes(t, na, nb)
	ctx := context.Background()

	rosterA := state.NewRoster()
	sa := NewSignaler(na, "alice", rosterA, 200*time.Millisecond, time.Second)
	if _, err := sa.Join(ctx, "retro", state.SelfInfo{Name: "Alice"}); err != nil {
		t.Fatal(err)
	}
	defer sa.Leave()

	sb := NewSignaler(nb, "bob", state.NewRoster(), 200*time.Millisecond, time.Second)
	if _, err := sb.Join(ctx, "retro", state.SelfInfo{Name: "Bob"}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "bob in alice's roster", func() bool {
		_, ok := rosterA.Get("bob")
		return ok
	})

	// Kill bob's host outright: no offline announcement, heartbeats just
	// stop. Alice prunes him after the TTL.
	_ = nb.Close()
	waitFor(t, "stale bob pruned", func() bool {
		_, ok := rosterA.Get("bob")
		return !ok
	})
}

func TestEndRequiresManager(t *testing.T) {
	na := newTestNode(t)
	nb := newTestNode(t)
	connectNodes(t, na, nb)
	ctx := context.Background()

	rosterM := state.NewRoster()
	mgr := NewSignaler(na, "mgr", rosterM, 200*time.Millisecond, 2*time.Second)
	if _, err := mgr.Join(ctx, "allhands", state.SelfInfo{Name: "Mgr", Role: roles.Manager}); err != nil {
		t.Fatal(err)
	}
	defer mgr.Leave()
	chMgr, cancelMgr := mgr.Subscribe()
	defer cancelMgr()

	emp := NewSignaler(nb, "emp", state.NewRoster(), 200*time.Millisecond, 2*time.Second)
	if _, err := emp.Join(ctx, "allhands", state.SelfInfo{Name: "Emp"}); err != nil {
		t.Fatal(err)
	}
	chEmp, cancelEmp := emp.Subscribe()
	defer cancelEmp()

	waitFor(t, "rosters to converge", func() bool {
		_, okM := rosterM.Get("emp")
		_, okE := emp.roster.Get("mgr")
		return okM && okE
	})
	waitFor(t, "room topic mesh", func() bool { return meshReady(mgr, emp) })

	// An employee's end is dropped; the offer right behind it proves the
	// loop processed and discarded it, and a forwarded end would have shut
	// the manager's signaler down.
	if err := emp.Send(proto.NewEnd("emp")); err != nil {
		t.Fatal(err)
	}
	if err := emp.Send(proto.NewOffer("emp", "mgr", "still-here")); err != nil {
		t.Fatal(err)
	}
	m := recvSignal(t, chMgr)
	if m.Type != proto.TypeOffer {
		t.Fatalf("expected the end to be dropped and the offer delivered, got %s", m.Type)
	}
	select {
	case <-mgr.Done():
		t.Fatal("an employee's end must not shut the room down")
	default:
	}

	// The manager's end reaches the employee and shuts the signaler down.
	if err := mgr.Send(proto.NewEnd("mgr")); err != nil {
		t.Fatal(err)
	}
	m = recvSignal(t, chEmp)
	if m.Type != proto.TypeEnd || m.SenderID != "mgr" {
		t.Fatalf("expected end from mgr, got %s from %s", m.Type, m.SenderID)
	}
	select {
	case <-emp.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("employee signaler never shut down after end")
	}
}

func TestBindSender(t *testing.T) {
	s := NewSignaler(nil, "self", state.NewRoster(), time.Second, 3*time.Second)
	p1 := peer.ID("p1")
	p2 := peer.ID("p2")

	if !s.bindSender(p1, "alice") {
		t.Fatal("first claim must bind")
	}
	if !s.bindSender(p1, "alice") {
		t.Fatal("repeat claim by the same key must pass")
	}
	if s.bindSender(p1, "bob") {
		t.Fatal("a key must not switch application ids")
	}
	if s.bindSender(p2, "alice") {
		t.Fatal("a second key must not claim a bound id")
	}
	if !s.bindSender(p2, "carol") {
		t.Fatal("an unclaimed id must bind to a new key")
	}
	if s.bindSender(p2, "") {
		t.Fatal("empty ids never bind")
	}

	// After unbind the id is free again, for rejoins with a fresh key.
	s.unbind("alice")
	if !s.bindSender(peer.ID("p3"), "alice") {
		t.Fatal("unbound id must be claimable by a new key")
	}
}
