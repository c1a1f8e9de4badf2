package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskvision/meet/internal/config"
	"github.com/taskvision/meet/internal/proto"
	"github.com/taskvision/meet/internal/roles"
	"github.com/taskvision/meet/internal/state"
)

func recvSignal(t *testing.T, ch <-chan *proto.SignalMessage) *proto.SignalMessage {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
	return nil
}

func waitClosed(t *testing.T, ch <-chan *proto.SignalMessage) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription channel never closed")
		}
	}
}

func TestClientJoinSendReceive(t *testing.T) {
	srv := startRelay(t, config.Relay{}, nil, nil)
	base := srv.URL()
	ctx := context.Background()

	rosterA := state.NewRoster()
	ca := NewClient(base, "alice", "", rosterA)
	snapA, err := ca.Join(ctx, "standup", state.SelfInfo{Name: "Alice", Role: roles.Supervisor})
	if err != nil {
		t.Fatal(err)
	}
	if len(snapA) != 0 {
		t.Fatalf("first joiner should see nobody, got %d", len(snapA))
	}
	chA, cancelA := ca.Subscribe()
	defer cancelA()

	rosterB := state.NewRoster()
	cb := NewClient(base, "bob", "", rosterB)
	snapB, err := cb.Join(ctx, "standup", state.SelfInfo{Name: "Bob"})
	if err != nil {
		t.Fatal(err)
	}
	occ, ok := snapB["alice"]
	if !ok || occ.Name != "Alice" || occ.Role != roles.Supervisor {
		t.Fatalf("join snapshot should carry alice with her role, got %+v", snapB)
	}

	// Presence feeds the roster, not the subscription.
	waitFor(t, "bob in alice's roster", func() bool {
		o, ok := rosterA.Get("bob")
		return ok && o.Name == "Bob"
	})
	select {
	case m := <-chA:
		t.Fatalf("subscription should not carry presence, got %s from %s", m.Type, m.SenderID)
	default:
	}

	// Whatever sender id the caller puts in, receivers see the stamped one.
	if err := cb.Send(proto.NewOffer("someone-else", "alice", "sdp-offer")); err != nil {
		t.Fatal(err)
	}
	m := recvSignal(t, chA)
	if m.Type != proto.TypeOffer || m.SenderID != "bob" {
		t.Fatalf("expected offer stamped from bob, got %s from %s", m.Type, m.SenderID)
	}

	// Leave: alice hears the envelope and her roster drops bob.
	if err := cb.Leave(); err != nil {
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

	// Bob's own side is fully torn down.
	select {
	case <-cb.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("bob's Done never closed after Leave")
	}
	if err := cb.Send(proto.NewOffer("bob", "alice", "x")); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("send after leave should report ErrNotJoined, got %v", err)
	}

	// Alice leaving closes her subscription.
	if err := ca.Leave(); err != nil {
		t.Fatal(err)
	}
	waitClosed(t, chA)
	if got := ca.Presence(); len(got) != 0 {
		t.Fatalf("roster should be empty after leave, got %d entries", len(got))
	}
}

func TestClientJoinRefused(t *testing.T) {
	srv := startRelay(t, config.Relay{}, nil, nil)
	base := srv.URL()
	ctx := context.Background()

	first := NewClient(base, "alice", "s3cret", state.NewRoster())
	if _, err := first.Join(ctx, "locked", state.SelfInfo{Name: "Alice"}); err != nil {
		t.Fatal(err)
	}

	t.Run("wrong passcode", func(t *testing.T) {
		c := NewClient(base, "bob", "nope", state.NewRoster())
		_, err := c.Join(ctx, "locked", state.SelfInfo{Name: "Bob"})
		if !errors.Is(err, ErrBadPasscode) {
			t.Fatalf("want ErrBadPasscode, got %v", err)
		}
	})

	t.Run("duplicate peer id", func(t *testing.T) {
		c := NewClient(base, "alice", "s3cret", state.NewRoster())
		_, err := c.Join(ctx, "locked", state.SelfInfo{Name: "Alice Again"})
		if !errors.Is(err, ErrPeerExists) {
			t.Fatalf("want ErrPeerExists, got %v", err)
		}
	})

	t.Run("client is single use", func(t *testing.T) {
		c := NewClient(base, "carol", "s3cret", state.NewRoster())
		if _, err := c.Join(ctx, "locked", state.SelfInfo{Name: "Carol"}); err != nil {
			t.Fatal(err)
		}
		if _, err := c.Join(ctx, "locked", state.SelfInfo{Name: "Carol"}); err == nil {
			t.Fatal("second Join on the same client must fail")
		}
	})

	t.Run("unreachable relay", func(t *testing.T) {
		c := NewClient("http://127.0.0.1:1", "dave", "", state.NewRoster())
		joinCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if _, err := c.Join(joinCtx, "standup", state.SelfInfo{Name: "Dave"}); err == nil {
			t.Fatal("joining an unreachable relay must fail")
		}
		// Done settles even though nothing was ever connected.
		select {
		case <-c.Done():
		case <-time.After(time.Second):
			t.Fatal("Done never closed after failed join")
		}
	})
}

func TestClientRoomEnded(t *testing.T) {
	srv := startRelay(t, config.Relay{}, nil, nil)
	base := srv.URL()
	ctx := context.Background()

	mgr := NewClient(base, "mgr", "", state.NewRoster())
	if _, err := mgr.Join(ctx, "allhands", state.SelfInfo{Name: "Mgr", Role: roles.Manager}); err != nil {
		t.Fatal(err)
	}

	emp := NewClient(base, "emp", "", state.NewRoster())
	if _, err := emp.Join(ctx, "allhands", state.SelfInfo{Name: "Emp"}); err != nil {
		t.Fatal(err)
	}
	chEmp, cancel := emp.Subscribe()
	defer cancel()

	if err := mgr.Send(proto.NewEnd("mgr")); err != nil {
		t.Fatal(err)
	}

	m := recvSignal(t, chEmp)
	if m.Type != proto.TypeEnd || m.SenderID != "mgr" {
		t.Fatalf("expected end from mgr, got %s from %s", m.Type, m.SenderID)
	}
	waitClosed(t, chEmp)

	select {
	case <-mgr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("ender's connection should be closed as well")
	}
}
