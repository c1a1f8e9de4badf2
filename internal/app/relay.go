package app

import (
	"context"
	"fmt"
	"log"

	"github.com/taskvision/meet/internal/config"
	"github.com/taskvision/meet/internal/push"
	"github.com/taskvision/meet/internal/relay"
	"github.com/taskvision/meet/internal/storage"
	"github.com/taskvision/meet/internal/util"
)

// RunRelay hosts the room relay server. It returns when ctx is
// cancelled.
func RunRelay(ctx context.Context, o Options) error {
	cfg := o.Cfg

	var db *storage.DB
	if cfg.Relay.DBPath != "" {
		var err error
		db, err = storage.Open(util.ResolvePath(o.Dir, cfg.Relay.DBPath))
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		log.Printf("RELAY: database at %s", db.Path())
	} else {
		log.Printf("RELAY: no db_path configured, meeting history and push subscriptions are off")
	}

	var pushSvc *push.Service
	if cfg.Relay.PushEnabled {
		if db == nil {
			log.Printf("RELAY: push needs relay.db_path, notifications are off")
		} else {
			changed, err := push.EnsureVAPIDKeys(&cfg)
			if err != nil {
				return err
			}
			if changed {
				if err := config.Save(o.CfgPath, cfg); err != nil {
					return fmt.Errorf("save generated VAPID keys: %w", err)
				}
				log.Printf("RELAY: VAPID key pair generated and saved to %s", o.CfgPath)
			}
			pushSvc, err = push.New(cfg.Relay, db)
			if err != nil {
				return err
			}
			pushSvc.Start(ctx)
			defer pushSvc.Close()
			log.Printf("RELAY: web push enabled, contact %s", cfg.Relay.PushContact)
		}
	}

	srv := relay.New(cfg.Relay, db, pushSvc)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	log.Printf("RELAY: rooms served at %s", srv.URL())

	<-ctx.Done()
	log.Printf("RELAY: shutting down")
	return nil
}
