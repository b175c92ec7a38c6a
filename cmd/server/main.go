package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/vdavid/mailmirror/internal/api"
	"github.com/vdavid/mailmirror/internal/auth"
	"github.com/vdavid/mailmirror/internal/config"
	"github.com/vdavid/mailmirror/internal/crypto"
	"github.com/vdavid/mailmirror/internal/db"
	"github.com/vdavid/mailmirror/internal/mailsync"
	"github.com/vdavid/mailmirror/internal/natsjs"
	ws "github.com/vdavid/mailmirror/internal/websocket"
)

// maxConnectionsPerUser bounds open WebSocket tabs per user.
const maxConnectionsPerUser = 10

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.CloseConnection(pool)

	log.Printf("Successfully connected to database")

	var notifiers []mailsync.Notifier
	if cfg.NATSURL != "" {
		publisher, err := natsjs.NewPublisher(cfg.NATSURL)
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer publisher.Close()

		if err := publisher.EnsureStream(ctx); err != nil {
			log.Fatalf("Failed to set up NATS stream: %v", err)
		}
		notifiers = append(notifiers, publisher)
		log.Printf("Publishing sync events to NATS at %s", cfg.NATSURL)
	}

	handler, err := NewServer(cfg, pool, notifiers...)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown failed: %v", err)
		}
	}()

	log.Printf("Mailmirror server starting on %s (environment: %s)", srv.Addr, cfg.Environment)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed to start: %v", err)
	}
}

// NewServer wires the sync engine and returns the HTTP handler for the API.
// Sync events always go to WebSocket clients and additionally to extraNotifiers.
func NewServer(cfg *config.Config, dbPool *pgxpool.Pool, extraNotifiers ...mailsync.Notifier) (http.Handler, error) {
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}

	logger := slog.Default()
	store := db.NewMirrorStore(dbPool)

	clients := &mailsync.GmailClientFactory{
		OAuth:             newOAuthConfig(cfg),
		Encryptor:         encryptor,
		Tokens:            store,
		RequestsPerSecond: cfg.GmailRequestsPerSecond,
		Logger:            logger,
	}

	opts := mailsync.DefaultOptions()
	opts.FetchConcurrency = cfg.GmailFetchConcurrency
	opts.SyncLease = cfg.SyncLease
	opts.Logger = logger
	engine := mailsync.NewEngine(store, clients, opts)

	wsHub := ws.NewHub(maxConnectionsPerUser)
	notifiers := append([]mailsync.Notifier{wsHub}, extraNotifiers...)
	runner := mailsync.NewRunner(engine, logger, notifiers...)

	requireAuth := auth.RequireAuth(verifier)

	accountsHandler := api.NewAccountsHandler(dbPool, runner)
	syncHandler := api.NewSyncHandler(dbPool, runner)
	threadsHandler := api.NewThreadsHandler(dbPool)
	threadHandler := api.NewThreadHandler(dbPool)
	wsHandler := api.NewWebSocketHandler(dbPool, verifier, wsHub)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", handleRoot)

	mux.Handle("GET /api/v1/accounts", requireAuth(http.HandlerFunc(accountsHandler.GetAccounts)))
	mux.Handle("POST /api/v1/accounts/{id}/sync", requireAuth(http.HandlerFunc(syncHandler.SyncAccount)))
	mux.Handle("GET /api/v1/accounts/{id}/threads", requireAuth(http.HandlerFunc(threadsHandler.GetThreads)))
	mux.Handle("GET /api/v1/threads/{id}", requireAuth(http.HandlerFunc(threadHandler.GetThread)))
	// WebSocket handler handles its own authentication via query parameter
	// (since browsers can't set headers on WebSocket connections).
	mux.Handle("GET /api/v1/ws", http.HandlerFunc(wsHandler.Handle))

	return mux, nil
}

func newOAuthConfig(cfg *config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmailapi.GmailReadonlyScope},
	}
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Mailmirror API is running")
}
