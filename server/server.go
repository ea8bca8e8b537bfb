// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"queue-notifier/line"
	"queue-notifier/pkg/notifier"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// webhookTimeout bounds background processing of one webhook delivery.
	webhookTimeout = 30 * time.Second
	// pollTimeout bounds a scan forced through /pollz.
	pollTimeout = 5 * time.Minute
)

// Store interface for subscription management.
type Store interface {
	Follow(ctx context.Context, subscriberID, displayName string) (*notifier.Subscription, error)
	Register(ctx context.Context, subscriberID, queueNumber string) (*notifier.Subscription, error)
	Load(ctx context.Context, subscriberID string) (*notifier.Subscription, error)
	ClearTracked(ctx context.Context, subscriberID string) error
	Deactivate(ctx context.Context, subscriberID string) error
}

// Messenger interface for replies and profile lookups.
type Messenger interface {
	Reply(ctx context.Context, replyToken, text string) error
	Profile(ctx context.Context, userID string) (*line.Profile, error)
}

// Oracle interface for the latest called number of a counter.
type Oracle interface {
	LatestCalled(ctx context.Context, counterID int) (latest int, found bool, err error)
}

// SnapshotSink interface for recording pushed snapshots.
type SnapshotSink interface {
	Append(ctx context.Context, snap notifier.Snapshot) error
}

// Poller interface for triggering checks.
type Poller interface {
	CheckAll(ctx context.Context) error
}

// IsNotFound checks if an error is a not found error.
type IsNotFound func(error) bool

// Server handles HTTP requests.
type Server struct {
	store         Store
	messenger     Messenger
	messages      line.Messages
	oracle        Oracle
	snapshots     SnapshotSink
	poller        Poller
	logger        *slog.Logger
	isNotFound    IsNotFound
	channelSecret string
	adminToken    string
	nearThreshold int
	background    sync.WaitGroup
}

// Config holds server configuration.
type Config struct {
	Store         Store
	Messenger     Messenger
	Messages      line.Messages
	Oracle        Oracle
	Snapshots     SnapshotSink
	Poller        Poller
	Logger        *slog.Logger
	IsNotFound    IsNotFound
	ChannelSecret string
	AdminToken    string // empty disables POST /snapshots
	NearThreshold int
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	isNotFound := cfg.IsNotFound
	if isNotFound == nil {
		isNotFound = func(error) bool { return false }
	}
	return &Server{
		store:         cfg.Store,
		messenger:     cfg.Messenger,
		messages:      cfg.Messages,
		oracle:        cfg.Oracle,
		snapshots:     cfg.Snapshots,
		poller:        cfg.Poller,
		logger:        cfg.Logger,
		isNotFound:    isNotFound,
		channelSecret: cfg.ChannelSecret,
		adminToken:    cfg.AdminToken,
		nearThreshold: cfg.NearThreshold,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/pollz", s.handlePoll)
	r.Post("/snapshots", s.handleSnapshot)
	r.Post("/webhook/line", s.handleWebhook)
	return r
}

// Start serves HTTP on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.Wait()
	return nil
}

// Wait blocks until background webhook processing has finished.
func (s *Server) Wait() {
	s.background.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered", "request_id", middleware.GetReqID(r.Context()))

	// The scan outlives a client that hangs up.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), pollTimeout)
	defer cancel()
	if err := s.poller.CheckAll(ctx); err != nil {
		s.logger.Error("Poll check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"completed"}`); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
