package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/timeslice/internal/api"
	"example.com/timeslice/internal/auth"
	"example.com/timeslice/internal/billing"
	"example.com/timeslice/internal/config"
	"example.com/timeslice/internal/domain"
	"example.com/timeslice/internal/enrichment"
	persistence "example.com/timeslice/internal/persistence/postgres"
	"example.com/timeslice/internal/projection"
	httptransport "example.com/timeslice/internal/transport/http"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	repo := persistence.NewRepository(pool)

	billingClient := billing.NewClient(billing.Config{
		BaseURL:     cfg.BillingBaseURL,
		Token:       cfg.BillingToken,
		WorkspaceID: cfg.BillingWorkspaceID,
		Breaker:     cfg.Breaker,
		Retry:       cfg.Retry,
	})
	enrichmentClient := enrichment.NewClient(enrichment.Config{
		BaseURL: cfg.EnrichmentBaseURL,
		Token:   cfg.EnrichmentToken,
		Breaker: cfg.Breaker,
		Retry:   cfg.Retry,
	})
	projector := projection.NewProjector(billingClient, repo, nil,
		projection.WithEnricher(enrichmentClient))

	engine := domain.NewService(repo, domain.WithObserver(projector))

	handler := api.NewHandler(engine)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	// Basic request logger
	logger := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("%s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, authMiddleware.Wrap(logger(mux)))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("timeslice api listening on %s", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	// Drain in-flight billing mirrors before exit.
	projector.Wait()
}
