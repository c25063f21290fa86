/**
 * @description
 * This is the main entry point for the bank service. It loads configuration, connects
 * the ledger database, loads the bank's signing key and federation trust, and wires the
 * token service, consent lifecycle, settlement engine, capital reconciler, RabbitMQ
 * producer and consumer, cron jobs and the HTTP server.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/joho/godotenv: loads .env files during local development.
 * - github.com/redis/go-redis/v9: backs login rate limiting when REDIS_URL is set.
 * - internal/api, internal/app, internal/config, internal/store, internal/token.
 * - pkg/bankclient: outbound calls to other federation banks.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

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
	"strings"
	"syscall"
	"time"

	"github.com/federation/bank-service/internal/api"
	"github.com/federation/bank-service/internal/app"
	"github.com/federation/bank-service/internal/config"
	"github.com/federation/bank-service/internal/domain"
	"github.com/federation/bank-service/internal/store"
	"github.com/federation/bank-service/internal/token"
	"github.com/federation/bank-service/pkg/bankclient"
	rmrabbit "github.com/federation/bank-service/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"starting bank service\" bank_code=%s port=%s federation=%v", cfg.BankCode, cfg.ServerPort, cfg.FederationCodes())

	repository, closeRepo := openRepository(cfg)
	defer closeRepo()

	// Signing key and federation trust.
	trusted, err := token.LoadStaticKeyStore(cfg.KeysDir)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"public keys load failed\" dir=%s err=%v", cfg.KeysDir, err)
	}
	keyPair, err := token.LoadKeyPair(cfg.KeysDir, cfg.BankCode, cfg.KeyVersion)
	if err != nil {
		if !errors.Is(err, token.ErrKeyNotFound) {
			log.Fatalf("level=fatal component=bootstrap msg=\"signing key load failed\" err=%v", err)
		}
		log.Printf("level=warn component=bootstrap msg=\"signing key missing; bank tokens disabled\" err=%v", err)
		keyPair = nil
	} else {
		trusted.Add(cfg.BankCode, keyPair.KID, keyPair.Public())
		log.Printf("level=info component=bootstrap msg=\"signing key loaded\" kid=%s", keyPair.KID)
	}
	openBankingTimeout := time.Duration(cfg.OpenBankingTimeoutSecs) * time.Second
	keys := token.NewCachingKeyStore(trusted, token.NewFetchingKeyStore(cfg.FederationBanks, openBankingTimeout))

	tokens, err := token.NewService(token.Config{
		BankCode:   cfg.BankCode,
		Secret:     cfg.SecretKey,
		KeyPair:    keyPair,
		Keys:       keys,
		DefaultTTL: time.Duration(cfg.AccessTokenTTLMinutes) * time.Minute,
	})
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"token service init failed\" err=%v", err)
	}

	// Initialize the RabbitMQ producer to publish events.
	var producer rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; using fallback producer\" env=RABBITMQ_URL")
	} else if eventProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}
	defer producer.Close()

	settlementCfg := app.SettlementConfig{
		BankCode:       cfg.BankCode,
		InitialCapital: cfg.InitialCapital,
		EventsExchange: cfg.EventsExchange,
	}
	consents := app.NewConsentService(repository, producer, app.ConsentConfig{
		BankCode:           cfg.BankCode,
		TTL:                time.Duration(cfg.ConsentTTLDays) * 24 * time.Hour,
		AutoApproveDefault: cfg.ConsentAutoApprove,
		EventsExchange:     cfg.EventsExchange,
	})
	settlement := app.NewSettlementEngine(repository, producer, settlementCfg)
	reconciler := app.NewCapitalReconciler(repository, producer, settlementCfg)

	auth := app.NewAuthService(repository, tokens, app.AuthConfig{
		TeamCredentials:    cfg.TeamCredentials,
		BankerUsername:     cfg.BankerUsername,
		BankerPasswordHash: cfg.BankerPasswordHash,
		AccessTTL:          time.Duration(cfg.AccessTokenTTLMinutes) * time.Minute,
		BankTokenTTL:       time.Duration(cfg.BankTokenTTLMinutes) * time.Minute,
		AttemptsPerMinute:  cfg.AuthRateLimitPerMinute,
	})
	if redisClient := connectRedis(cfg.RedisURL); redisClient != nil {
		defer redisClient.Close()
		auth.SetRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix))
	}

	// Outbound federation client authenticates with this bank's own RS256 assertion.
	var federation *bankclient.Client
	if len(cfg.FederationBanks) > 0 {
		federation = bankclient.NewClient(cfg.FederationBanks, openBankingTimeout, func() (string, error) {
			issued, err := tokens.Issue(token.IssueRequest{
				Kind:    domain.PrincipalBank,
				Subject: cfg.BankCode,
				TTL:     time.Duration(cfg.BankTokenTTLMinutes) * time.Minute,
			})
			if err != nil {
				return "", err
			}
			return issued.Token, nil
		})
	}

	handlers := api.NewHandlers(api.Dependencies{
		BankCode:   cfg.BankCode,
		BankName:   cfg.BankName,
		Auth:       auth,
		Consents:   consents,
		Accounts:   app.NewAccountService(repository, consents),
		Settlement: settlement,
		Reconciler: reconciler,
		Keys:       tokens,
		Federation: federation,
	})
	router := api.NewRouter(handlers, tokens, cfg.CORSAllowedOrigins)

	// Inbound interbank transfers delivered over the broker.
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; inbound transfers over http only\" err=%v", err)
		} else {
			defer rabbitConsumer.Close()
			inbound := app.NewInboundTransferConsumer(settlement, cfg.BankCode)
			bindings := map[string]rmrabbit.Handler{
				domain.EventTransferInbound: inbound.HandleMessage,
			}
			if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.InterbankEventQueue, bindings); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"inbound transfer consumer start failed\" err=%v", err)
			}
		}
	}

	// Cron jobs.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "scheduler")
	jobs := app.NewJobs(repository, reconciler, producer, logger, app.JobsConfig{
		EventsExchange: cfg.EventsExchange,
		StaleAfter:     time.Duration(cfg.StalePaymentMinutes) * time.Minute,
	})
	scheduler := app.NewScheduler(jobs, logger, app.ScheduleConfig{
		CapitalReconcile: cfg.CapitalReconcileSchedule,
		ConsentExpiry:    cfg.ConsentExpirySchedule,
		StalePayments:    cfg.StalePaymentSchedule,
	})
	logger.Info("scheduler started", "jobs", scheduler.Start())

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
	<-scheduler.Stop().Done()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// openRepository connects PostgreSQL, or falls back to the in-memory ledger when no
// DATABASE_URL is configured.
func openRepository(cfg config.Config) (store.Repository, func()) {
	if cfg.DatabaseURL == "" {
		log.Println("level=warn component=bootstrap msg=\"database url missing; using in-memory ledger\" env=DATABASE_URL")
		return store.NewMemoryRepository(), func() {}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.EnsureSchema(ctx, dbpool); err != nil {
		dbpool.Close()
		log.Fatalf("level=fatal component=bootstrap msg=\"schema migration failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")
	return store.NewPostgresRepository(dbpool), dbpool.Close
}

// connectRedis returns nil when Redis is not configured or unreachable; login attempts
// are then unlimited.
func connectRedis(redisURL string) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; login rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; login rate limiting disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; login rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
