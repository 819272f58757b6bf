package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"example.com/timeslice/internal/billing"
	"example.com/timeslice/internal/bridge"
	"example.com/timeslice/internal/config"
	"example.com/timeslice/internal/domain"
	"example.com/timeslice/internal/enrichment"
	"example.com/timeslice/internal/feed"
	persistence "example.com/timeslice/internal/persistence/postgres"
	"example.com/timeslice/internal/projection"
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

	br := bridge.New(engine, bridge.SystemClock{}, nil, bridge.Config{
		DenyList:       cfg.DenyList,
		VoiceChannels:  cfg.VoiceChannels,
		GameStartDelay: cfg.GameStartDelay,
		GameStopDelay:  cfg.GameStopDelay,
		CallStopDelay:  cfg.CallStopDelay,
	})
	handler := feed.NewBridgeHandler(br, cfg.TrackedUserID)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}

	go func() {
		log.Printf("bridge metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	var wg sync.WaitGroup
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for _, topic := range []string{cfg.PresenceTopic, cfg.VoiceTopic} {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:         cfg.KafkaBrokers,
			GroupID:         cfg.ConsumerGroupID,
			Topic:           topic,
			MinBytes:        1e3,
			MaxBytes:        10e6,
			CommitInterval:  time.Second,
			RetentionTime:   24 * time.Hour,
			ReadLagInterval: -1,
		})

		proc := feed.NewProcessor(reader, handler)

		wg.Add(1)
		go func(topic string, r *kafka.Reader) {
			defer wg.Done()
			defer r.Close()

			log.Printf("bridge consumer started (topic=%s, group=%s)", topic, cfg.ConsumerGroupID)
			if err := proc.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("bridge consumer stopped with error (topic=%s): %v", topic, err)
			}
		}(topic, reader)
	}

	<-stop
	log.Println("bridge shutdown requested")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}

	wg.Wait()
	projector.Wait()
}
