package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"time"

	"github.com/clawsuite/clawsuite/internal/api"
	"github.com/clawsuite/clawsuite/internal/config"
	"github.com/clawsuite/clawsuite/internal/gateway"
	"github.com/clawsuite/clawsuite/internal/store"
	"github.com/clawsuite/clawsuite/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[server] Config error: %v", err)
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = store.DB()
		if err != nil {
			log.Fatalf("[server] Database error: %v", err)
		}
		log.Printf("[server] Database connected")
	} else {
		log.Printf("[server] DATABASE_URL not set; auth and websocket routes disabled")
	}

	hub := ws.NewHub()
	go hub.Run()

	// The long-lived gateway connection feeds browser clients. The relay
	// stays up without it; per-request stream sockets dial on their own.
	go connectStream(cfg.Gateway, hub)

	handler := api.NewRouter(api.RouterDeps{DB: db, Hub: hub})

	log.Printf("[server] ClawSuite relay starting on port %s (gateway %s)", cfg.Port, cfg.Gateway.URL)
	if err := http.ListenAndServe(":"+cfg.Port, handler); err != nil {
		log.Fatalf("[server] Server failed: %v", err)
	}
}

func connectStream(cfg config.GatewayConfig, hub *ws.Hub) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sc, err := gateway.NewStreamConnection(ctx, cfg, hub)
	if err != nil {
		log.Printf("[server] Gateway event feed unavailable: %v", err)
		return
	}
	log.Printf("[server] Gateway event feed connected")

	<-sc.Done()
	log.Printf("[server] Gateway event feed disconnected")
}
