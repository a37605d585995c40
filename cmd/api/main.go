package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/techstore/mpesa-gateway/internal/config"
	"github.com/techstore/mpesa-gateway/internal/events"
	gateway "github.com/techstore/mpesa-gateway/internal/gateways"
	"github.com/techstore/mpesa-gateway/internal/handlers"
	"github.com/techstore/mpesa-gateway/internal/repository"
	"github.com/techstore/mpesa-gateway/internal/services"
	xhttp "github.com/techstore/mpesa-gateway/pkg/http"
	"github.com/techstore/mpesa-gateway/pkg/logger"
	"github.com/techstore/mpesa-gateway/pkg/pg"
	"github.com/techstore/mpesa-gateway/pkg/prom"
	"github.com/techstore/mpesa-gateway/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const expirySweepInterval = 30 * time.Second

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}

	// transport (tcp for now)
	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	s.Use(xhttp.CORSMiddleware(config.Get().CorsAllowOrigin))
	s.Use(xhttp.TimeoutMiddleware(time.Second * 30))
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.RecoverMiddleware)
	s.Router = xhttp.CreateDefaultRouter()

	readConf := pg.Config{
		User:     config.Get().PostgresReadUser,
		Host:     config.Get().PostgresReadHost,
		Port:     config.Get().PostgresReadPort,
		Password: config.Get().PostgresReadPassword,
		Database: config.Get().PostgresReadDatabase,
	}
	writeConf := pg.Config{
		User:     config.Get().PostgresWriteUser,
		Host:     config.Get().PostgresWriteHost,
		Port:     config.Get().PostgresWritePort,
		Password: config.Get().PostgresWritePassword,
		Database: config.Get().PostgresWriteDatabase,
	}

	pgDebug := false
	if config.Get().AppEnv == "dev" {
		pgDebug = true
	}
	db, err := pg.CreateReadWrite(readConf, writeConf, pgDebug)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", config.Get().RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{config.Get().RedisAddr},
		ClientName: "default",
		DB:         config.Get().RedisDatabase,
		Username:   config.Get().RedisUsername,
		Password:   config.Get().RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	if config.Get().PromNamespace != "" {
		host, _ := os.Hostname()
		if err := prom.Create(host, config.Get().AppEnv, config.Get().PromNamespace); err != nil {
			logger.Error("failed creating metrics", "error", err)
		}
		if config.Get().AppDebugMetricsAddr != "" {
			go prom.ListenAndServer(config.Get().AppDebugMetricsAddr, config.Get().AppDebugMetricsURI)
		}
	}

	darajaClient, err := gateway.NewClient(&gateway.Config{
		BaseURL:           config.Get().DarajaBaseURL,
		ConsumerKey:       config.Get().DarajaConsumerKey,
		ConsumerSecret:    config.Get().DarajaConsumerSecret,
		BusinessShortCode: config.Get().DarajaBusinessShortCode,
		Passkey:           config.Get().DarajaPasskey,
		CallbackURL:       config.Get().DarajaCallbackURL,
		AccountRefPrefix:  config.Get().PaymentAccountRefPrefix,
		TransactionDesc:   config.Get().PaymentDescription,
		Timeout:           time.Duration(config.Get().DarajaTimeout) * time.Millisecond,
	}, redisAdap)
	if err != nil {
		logger.Error("failed creating daraja client", "error", err)
		return
	}

	transactionRepo := repository.NewTransactionRepository(db)
	publisher := events.NewPublisher(redisAdap, config.Get().PaymentEventStream)

	// services
	paymentService := services.NewPaymentService(transactionRepo, darajaClient, publisher, config.Get().PaymentPendingExpiry)
	healthService := services.NewHealthService()

	// v1 handlers
	paymentHandler := handlers.NewPaymentHandler(paymentService)
	healthHandler := handlers.NewHealthHandler(healthService)

	g := s.Router.Group("/api/v1")
	handlers.RegisterPaymentRoutes(g, paymentHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if config.Get().PaymentPendingExpiry > 0 {
		go runExpirySweep(ctx, paymentService)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		var err = s.ListenAndServe(config.Get().HttpListenAddr)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	select {
	case <-c:
		cancel()
		s.Shutdown()
	}
}

// runExpirySweep periodically fails pending transactions that outlived the
// configured expiry window.
func runExpirySweep(ctx context.Context, svc *services.PaymentService) {
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.ExpireStalePending(ctx); err != nil {
				logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
