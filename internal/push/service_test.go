package push

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/taskvision/meet/internal/config"
	"github.com/taskvision/meet/internal/storage"
)

func testService(t *testing.T) (*Service, *storage.DB) {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	svc, err := New(config.Relay{
		PushEnabled:     true,
		VAPIDPublicKey:  "test-public",
		VAPIDPrivateKey: "test-private",
		PushContact:     "mailto:ops@example.com",
	}, db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, db
}

func fakeResponse(code int) *http.Response {
	return &http.Response{
		StatusCode: code,
		Status:     http.StatusText(code),
		Body:       io.NopCloser(strings.NewReader("")),
	}
}

func TestNewRequiresKeys(t *testing.T) {
	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer db.Close()

	if _, err := New(config.Relay{PushEnabled: true}, db); err == nil {
		t.Error("expected error without VAPID keys")
	}
	if _, err := New(config.Relay{
		VAPIDPublicKey: "p", VAPIDPrivateKey: "q",
	}, db); err == nil {
		t.Error("expected error without contact")
	}
}

func TestEnsureVAPIDKeys(t *testing.T) {
	cfg := config.Default()
	cfg.Relay.PushEnabled = true

	changed, err := EnsureVAPIDKeys(&cfg)
	if err != nil {
		t.Fatalf("EnsureVAPIDKeys: %v", err)
	}
	if !changed {
		t.Fatal("expected keys to be generated")
	}
	if cfg.Relay.VAPIDPublicKey == "" || cfg.Relay.VAPIDPrivateKey == "" {
		t.Fatal("keys not stored in config")
	}

	// Second call keeps the existing pair.
	public := cfg.Relay.VAPIDPublicKey
	changed, err = EnsureVAPIDKeys(&cfg)
	if err != nil {
		t.Fatalf("second EnsureVAPIDKeys: %v", err)
	}
	if changed || cfg.Relay.VAPIDPublicKey != public {
		t.Error("existing keys were regenerated")
	}
}

func TestNotifyDeliversToEverySubscription(t *testing.T) {
	svc, db := testService(t)

	var mu sync.Mutex
	var endpoints []string
	svc.send = func(ctx context.Context, message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
		mu.Lock()
		endpoints = append(endpoints, s.Endpoint)
		mu.Unlock()
		if !strings.Contains(string(message), `"room":"standup"`) {
			t.Errorf("payload missing room: %s", message)
		}
		if options.Subscriber != "mailto:ops@example.com" {
			t.Errorf("subscriber = %q", options.Subscriber)
		}
		return fakeResponse(http.StatusCreated), nil
	}

	for _, ep := range []string{"https://push.example/1", "https://push.example/2"} {
		if err := db.SavePushSubscription(storage.PushSubscription{
			Endpoint: ep, P256dh: "k", Auth: "a", PeerID: "bob",
		}); err != nil {
			t.Fatalf("SavePushSubscription: %v", err)
		}
	}

	svc.Start(context.Background())
	if err := svc.Notify("bob", Invite{Room: "standup", URL: "http://relay/join/standup?autojoin=1", From: "alice"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	svc.Close() // drains the queue

	mu.Lock()
	defer mu.Unlock()
	if len(endpoints) != 2 {
		t.Fatalf("delivered to %d endpoints, want 2", len(endpoints))
	}
}

func TestNotifyDropsGoneSubscriptions(t *testing.T) {
	svc, db := testService(t)

	svc.send = func(ctx context.Context, message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
		if s.Endpoint == "https://push.example/gone" {
			return fakeResponse(http.StatusGone), nil
		}
		return fakeResponse(http.StatusCreated), nil
	}

	for _, ep := range []string{"https://push.example/gone", "https://push.example/live"} {
		if err := db.SavePushSubscription(storage.PushSubscription{
			Endpoint: ep, P256dh: "k", Auth: "a", PeerID: "bob",
		}); err != nil {
			t.Fatalf("SavePushSubscription: %v", err)
		}
	}

	svc.Start(context.Background())
	if err := svc.Notify("bob", Invite{Room: "retro", URL: "u", From: "alice"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	svc.Close()

	subs, err := db.PushSubscriptionsFor("bob")
	if err != nil {
		t.Fatalf("PushSubscriptionsFor: %v", err)
	}
	if len(subs) != 1 || subs[0].Endpoint != "https://push.example/live" {
		t.Fatalf("gone subscription not dropped: %+v", subs)
	}
}

func TestNotifyRejectsEmptyPeer(t *testing.T) {
	svc, _ := testService(t)
	if err := svc.Notify("", Invite{Room: "r"}); err == nil {
		t.Error("expected error for empty peer id")
	}
}
