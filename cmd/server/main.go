package main

import (
	"log"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"github.com/Rx-Ventures/netvalve-orchestrator/internal/api"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/config"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/gateway"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/lifecycle"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/orchestrator"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/reconciler"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/repository"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/session"
)

func main() {
	// A missing .env is fine; production injects the environment directly.
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "netvalve.db"
	}

	cfg := config.Load()
	log.Printf("NetValve environment: %s (payment api %s)", cfg.Environment, cfg.PaymentAPIURL)

	log.Printf("Initializing database at %s", dbPath)
	db, err := repository.InitDB(dbPath)
	if err != nil {
		log.Fatalf("Failed to init DB: %v", err)
	}
	defer db.Close()

	// Repositories and shared lock table.
	txRepo := repository.NewTransactionRepo(db)
	whRepo := repository.NewWebhookRepo(db)
	locks := lifecycle.NewTxLocks()

	// Gateway client and services.
	client := gateway.NewClient(cfg)
	sessions := session.NewController(cfg, client)
	orch := orchestrator.NewService(cfg, txRepo, client, locks)
	recon := reconciler.NewService(whRepo, txRepo, locks)

	router := api.NewRouter(sessions, orch, recon)

	log.Printf("NetValve Payment Orchestrator")
	log.Printf("Listening on http://localhost:%s", port)
	log.Printf("API base: http://localhost:%s/api/v1/netvalve", port)
	log.Printf("")
	log.Printf("Endpoints:")
	log.Printf("  POST   /api/v1/netvalve/hpf/session")
	log.Printf("  POST   /api/v1/netvalve/payment")
	log.Printf("  POST   /api/v1/netvalve/capture")
	log.Printf("  POST   /api/v1/netvalve/refund")
	log.Printf("  POST   /api/v1/netvalve/cancel")
	log.Printf("  GET    /api/v1/netvalve/status")
	log.Printf("  GET    /api/v1/netvalve/transactions/{id}")
	log.Printf("  POST   /api/v1/netvalve/webhook")
	log.Printf("  GET    /api/v1/netvalve/webhooks/failed")
	log.Printf("  GET    /metrics")

	if err := http.ListenAndServe(":"+port, router); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
