/**
 * @description
 * This is the main entry point for the visadirect-service. It loads and
 * validates configuration, loads the Visa Direct credentials, opens the ledger,
 * connects the optional Redis and RabbitMQ dependencies, starts the
 * reconciliation scheduler and serves the HTTP API until it is signalled.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/redis/go-redis/v9: webhook dedupe and operator velocity limits.
 * - internal/api, internal/app, internal/config, internal/store, internal/webhook.
 * - pkg/visaclient: the signed mutual-TLS Visa Direct transport.
 * - pkg/rabbitmq: status event publishing.
 */

package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/visadirect-service/internal/api"
	"github.com/transfa/visadirect-service/internal/app"
	"github.com/transfa/visadirect-service/internal/config"
	"github.com/transfa/visadirect-service/internal/domain"
	"github.com/transfa/visadirect-service/internal/store"
	"github.com/transfa/visadirect-service/internal/webhook"
	"github.com/transfa/visadirect-service/pkg/rabbitmq"
	"github.com/transfa/visadirect-service/pkg/visaclient"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found, using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"configuration invalid\" err=%q", err.Error())
	}
	log.Printf("level=info component=bootstrap msg=\"starting visadirect-service\" port=%s visa_env=%s", cfg.ServerPort, cfg.Environment())

	creds, err := visaclient.LoadCredentials(cfg.CredentialSources())
	if err != nil {
		var cfgErr *domain.ConfigurationError
		if errors.As(err, &cfgErr) {
			log.Fatalf("level=fatal component=bootstrap msg=\"visa credentials incomplete\" missing=%q missing_files=%q",
				strings.Join(cfgErr.Missing, ","), strings.Join(cfgErr.MissingFiles, ","))
		}
		log.Fatalf("level=fatal component=bootstrap msg=\"visa credentials load failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"visa credentials loaded\" subject=%q keystore=%t", creds.CertificateSubject(), creds.UsesKeystore())

	visaClient, err := visaclient.NewClient(creds, cfg.ClientOptions())
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"visa client init failed\" err=%v", err)
	}
	if cfg.CheckConnectivityBoot {
		checkCtx, cancelCheck := context.WithTimeout(context.Background(), 15*time.Second)
		if err := visaClient.CheckConnectivity(checkCtx); err != nil {
			log.Printf("level=warn component=bootstrap msg=\"visa connectivity check failed\" err=%v", err)
		} else {
			log.Println("level=info component=bootstrap msg=\"visa connectivity ok\"")
		}
		cancelCheck()
	}

	openCtx, cancelOpen := context.WithTimeout(context.Background(), 30*time.Second)
	repository, err := store.OpenRepository(openCtx, cfg.DatabaseURL)
	cancelOpen()
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"ledger open failed\" err=%v", err)
	}
	defer repository.Close()
	log.Println("level=info component=bootstrap msg=\"ledger connected\"")

	rabbitProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	var publisher rabbitmq.Publisher
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	redisClient := connectRedis(cfg.RedisURL)
	if redisClient != nil {
		defer redisClient.Close()
	}

	dedupeTTL := time.Duration(cfg.WebhookDedupeTTL) * time.Second
	velocityLimits := app.VelocityLimits{
		Mutation: cfg.OperatorMutationPerMinute,
		Query:    cfg.OperatorQueryPerMinute,
		Window:   time.Minute,
	}
	var deduper app.WebhookDeduper
	var velocity app.VelocityLimiter
	if redisClient != nil {
		deduper = app.NewRedisWebhookDeduper(redisClient, cfg.RedisPrefix, dedupeTTL)
		velocity = app.NewRedisVelocityLimiter(redisClient, cfg.RedisPrefix, velocityLimits)
	} else {
		log.Println("level=warn component=bootstrap msg=\"redis unavailable; in-process webhook dedupe and operator velocity limits\"")
		deduper = app.NewMemoryWebhookDeduper(dedupeTTL)
		velocity = app.NewMemoryVelocityLimiter(velocityLimits)
	}

	service := app.NewService(visaClient, repository, publisher, app.Settings{
		AcquiringBIN:          cfg.AcquiringBIN,
		AcquirerCountryCode:   cfg.AcquirerCountryCode,
		BusinessApplicationID: cfg.BusinessApplicationID,
		SourceOfFundsCode:     cfg.SourceOfFundsCode,
		CardAcceptor: visaclient.CardAcceptor{
			Name:       cfg.CardAcceptorName,
			TerminalID: cfg.CardAcceptorTerminal,
			IDCode:     cfg.CardAcceptorIDCode,
			Address:    visaclient.Address{Country: cfg.CardAcceptorCountry},
		},
		DefaultCurrency:     cfg.DefaultCurrency,
		SupportedCurrencies: cfg.Currencies(),
	})

	verifier, err := newWebhookVerifier(cfg)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"webhook verifier init failed\" err=%v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	reconciler := app.NewReconciler(repository, service, logger, app.ReconcilerConfig{
		MinAge:    time.Duration(cfg.ReconcileMinAgeSeconds) * time.Second,
		BatchSize: cfg.ReconcileBatchSize,
	})
	scheduler := app.NewScheduler(reconciler, cfg.ReconcileSchedule, logger)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"reconcile scheduler start failed\" err=%v", err)
	}

	router := api.NewRouter(api.RouterConfig{
		Payments: api.NewPaymentHandlers(service),
		Webhooks: api.NewWebhookHandler(verifier, deduper, service),
		Health:   repository,
		Auth: api.AuthConfig{
			InternalAPIKey: cfg.InternalAPIKey,
			JWTSecret:      cfg.OperatorJWTSecret,
			JWTIssuer:      cfg.OperatorJWTIssuer,
		},
		Velocity:       velocity,
		AllowedOrigins: cfg.AllowedOrigins(),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		log.Println("level=warn component=scheduler msg=\"reconcile run still in flight at shutdown\"")
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// connectRedis returns nil when Redis is not configured or unreachable.
func connectRedis(redisURL string) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing\" env=REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed\" err=%v", err)
		return nil
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}

func newWebhookVerifier(cfg config.Config) (webhook.Verifier, error) {
	switch cfg.WebhookScheme {
	case config.WebhookSchemeCertificate:
		pem, err := os.ReadFile(cfg.WebhookRootCAPath)
		if err != nil {
			return nil, fmt.Errorf("read webhook root CA: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.WebhookRootCAPath)
		}
		return webhook.NewCertificateVerifier(roots, cfg.WebhookIssuer)
	default:
		return webhook.NewHMACVerifier(cfg.WebhookSecret)
	}
}
