package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/taskvision/meet/internal/config"
	"github.com/taskvision/meet/internal/storage"
)

const (
	queueSize   = 256
	sendTimeout = 10 * time.Second
	inviteTTL   = 120 // seconds the push service may hold an undelivered invite
)

// Invite is the payload delivered to a peer's browser for a room invite.
type Invite struct {
	Room     string `json:"room"`
	URL      string `json:"url"`
	From     string `json:"from"`
	FromName string `json:"fromName,omitempty"`
}

// sendFunc matches webpush.SendNotificationWithContext; tests swap it out.
type sendFunc func(ctx context.Context, message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)

type notification struct {
	peerID  string
	payload []byte
}

// Service delivers web-push notifications to subscribed peers. It is an
// explicit dependency with a lifecycle: construct with New, hand it to the
// routes that need it, Start before use, Close on shutdown.
type Service struct {
	db      *storage.DB
	public  string
	private string
	contact string
	send    sendFunc

	queue     chan notification
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds the service from the relay configuration. The VAPID key pair
// must already be present; see EnsureVAPIDKeys.
func New(cfg config.Relay, db *storage.DB) (*Service, error) {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil, errors.New("push: VAPID keys not configured")
	}
	if cfg.PushContact == "" {
		return nil, errors.New("push: contact address not configured")
	}
	if db == nil {
		return nil, errors.New("push: storage is required")
	}
	return &Service{
		db:      db,
		public:  cfg.VAPIDPublicKey,
		private: cfg.VAPIDPrivateKey,
		contact: cfg.PushContact,
		send:    webpush.SendNotificationWithContext,
		queue:   make(chan notification, queueSize),
	}, nil
}

// EnsureVAPIDKeys generates and stores a key pair in the config the first
// time push is enabled. Returns true when the config changed and needs to
// be saved.
func EnsureVAPIDKeys(cfg *config.Config) (bool, error) {
	if !cfg.Relay.PushEnabled {
		return false, nil
	}
	if cfg.Relay.VAPIDPublicKey != "" && cfg.Relay.VAPIDPrivateKey != "" {
		return false, nil
	}
	private, public, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return false, fmt.Errorf("generate VAPID keys: %w", err)
	}
	cfg.Relay.VAPIDPrivateKey = private
	cfg.Relay.VAPIDPublicKey = public
	return true, nil
}

// Start launches the delivery worker. The context bounds in-flight sends;
// cancelling it abandons whatever is still queued.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for n := range s.queue {
			cctx, cancel := context.WithTimeout(ctx, sendTimeout)
			s.deliver(cctx, n)
			cancel()
			if ctx.Err() != nil {
				return
			}
		}
	}()
}

// Close stops accepting notifications and waits for the queue to drain.
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.queue) })
	s.wg.Wait()
}

// PublicKey returns the VAPID public key browsers subscribe with.
func (s *Service) PublicKey() string { return s.public }

// Subscribe stores a browser subscription for a peer.
func (s *Service) Subscribe(sub storage.PushSubscription) error {
	return s.db.SavePushSubscription(sub)
}

// Unsubscribe removes a subscription by endpoint.
func (s *Service) Unsubscribe(endpoint string) error {
	return s.db.DeletePushSubscription(endpoint)
}

// Notify queues an invite for every subscription the peer registered.
// Delivery is asynchronous and best effort.
func (s *Service) Notify(peerID string, inv Invite) error {
	if peerID == "" {
		return errors.New("push: peer id is empty")
	}
	payload, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("push: encode invite: %w", err)
	}
	select {
	case s.queue <- notification{peerID: peerID, payload: payload}:
		return nil
	default:
		return errors.New("push: queue full")
	}
}

func (s *Service) deliver(ctx context.Context, n notification) {
	subs, err := s.db.PushSubscriptionsFor(n.peerID)
	if err != nil {
		log.Printf("PUSH: list subscriptions for %s: %v", n.peerID, err)
		return
	}
	if len(subs) == 0 {
		log.Printf("PUSH: no subscriptions for %s", n.peerID)
		return
	}

	opts := &webpush.Options{
		Subscriber:      s.contact,
		VAPIDPublicKey:  s.public,
		VAPIDPrivateKey: s.private,
		TTL:             inviteTTL,
	}

	for _, sub := range subs {
		resp, err := s.send(ctx, n.payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{Auth: sub.Auth, P256dh: sub.P256dh},
		}, opts)
		if err != nil {
			log.Printf("PUSH: send to %s: %v", n.peerID, err)
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			// The push service says this endpoint no longer exists.
			if err := s.db.DeletePushSubscription(sub.Endpoint); err != nil {
				log.Printf("PUSH: drop gone subscription: %v", err)
			} else {
				log.Printf("PUSH: dropped gone subscription for %s", n.peerID)
			}
		case resp.StatusCode/100 != 2:
			log.Printf("PUSH: send to %s: status %s", n.peerID, resp.Status)
		}
	}
}
