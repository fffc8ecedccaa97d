package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/fathima-sithara/notify-service/internal/api"
	"github.com/fathima-sithara/notify-service/internal/auth"
	"github.com/fathima-sithara/notify-service/internal/config"
	"github.com/fathima-sithara/notify-service/internal/dispatch"
	"github.com/fathima-sithara/notify-service/internal/kafka"
	"github.com/fathima-sithara/notify-service/internal/metrics"
	"github.com/fathima-sithara/notify-service/internal/redis"
	"github.com/fathima-sithara/notify-service/internal/repository"
	"github.com/fathima-sithara/notify-service/internal/service"
	"github.com/fathima-sithara/notify-service/internal/utils"
	"github.com/fathima-sithara/notify-service/internal/ws"
)

func main() {
	cfgPath := pflag.StringP("config", "c", "./config/config.yaml", "path to config file")
	pflag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.App.Env, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infof("starting notify-service (env=%s)", cfg.App.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// store
	inner, err := openStore(ctx, cfg)
	if err != nil {
		sugar.Fatalf("store init: %v", err)
	}
	store := repository.NewGuardedStore(inner, repository.GuardConfig{
		Timeout:     cfg.StoreTimeout,
		MaxFailures: cfg.Breaker.MaxFailures,
		OpenTimeout: cfg.BreakerTimeout,
	}, sugar)
	defer store.Close()

	// auth
	authn, err := newAuthenticator(cfg)
	if err != nil {
		sugar.Fatalf("jwt init: %v", err)
	}

	// hub, dispatcher, service
	hub := ws.NewHub(ws.Options{
		HeartbeatInterval:     cfg.HeartbeatInterval,
		HeartbeatTimeout:      cfg.HeartbeatTimeout,
		WriteDeadline:         cfg.WriteDeadline,
		MaxMessageSize:        cfg.WS.MaxMessageSizeBytes,
		SendBuffer:            cfg.WS.SendBuffer,
		SlowConsumerGrace:     cfg.SlowConsumerGrace,
		InboundRPS:            cfg.WS.InboundRPS,
		Shards:                cfg.WS.Shards,
		AutoSubscribePersonal: cfg.WS.AutoSubscribePersonal,
	}, m, sugar.Named("ws"))
	svc := service.NewNotificationService(store, dispatch.New(hub, m, sugar.Named("dispatch")), m, sugar.Named("service"), 0)

	deps := api.Deps{
		Service:        svc,
		WS:             ws.NewServer(hub, authn, sugar.Named("ws")),
		Authn:          authn,
		Metrics:        m,
		InternalAPIKey: cfg.App.InternalAPIKey,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		Logger:         sugar.Named("http"),
	}

	// Redis presence + rate limiting
	if cfg.Redis.Enabled {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			sugar.Fatalf("redis init: %v", err)
		}
		defer rdb.Close()
		presence := redis.NewPresenceStore(rdb, cfg.Redis.Prefix, cfg.PresenceTTL, sugar.Named("presence"))
		go presence.Run(ctx, hub.Events())
		deps.Presence = presence
		if cfg.Redis.RateLimit > 0 {
			deps.RateLimiter = redis.NewRateLimiter(rdb, cfg.Redis.Prefix, cfg.Redis.RateLimit, cfg.RateWindow, sugar.Named("ratelimit"))
		}
	}

	// Kafka producer events
	var consumer *kafka.Consumer
	consumerDone := make(chan struct{})
	if cfg.Kafka.Enabled {
		dlq := kafka.NewDLQWriter(cfg.Kafka.Brokers, cfg.Kafka.DLQTopic)
		defer dlq.Close()
		h := kafka.NewHandler(svc, dlq, cfg.Kafka.MaxRetries, cfg.RetryBackoff, m, sugar.Named("kafka"))
		consumer = kafka.NewConsumer(kafka.NewReader(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.GroupID), h, sugar.Named("kafka"))
		go func() {
			defer close(consumerDone)
			if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
				sugar.Errorw("kafka consumer stopped", "err", err)
			}
		}()
	} else {
		close(consumerDone)
	}

	app := api.NewServer(deps)
	go func() {
		if err := app.Listen(":" + cfg.App.PortString()); err != nil {
			sugar.Errorw("server listen", "err", err)
			stop()
		}
	}()
	sugar.Infof("notify-service listening on :%s", cfg.App.PortString())

	<-ctx.Done()
	sugar.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	hub.Shutdown()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		sugar.Warnw("http shutdown", "err", err)
	}
	if consumer != nil {
		select {
		case <-consumerDone:
		case <-shutdownCtx.Done():
		}
		_ = consumer.Close()
	}
	sugar.Info("notify-service stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return repository.NewMemoryStore(), nil
	case "mongo":
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		client, err := repository.ConnectMongo(cctx, cfg.MongoDB.URI)
		if err != nil {
			return nil, err
		}
		return repository.NewMongoStore(cctx, client, cfg.MongoDB.Database, cfg.MongoDB.Collection)
	default:
		return repository.NewSQLiteStore(cfg.Store.SQLitePath)
	}
}

func newAuthenticator(cfg *config.Config) (*auth.Authenticator, error) {
	var (
		v   *auth.JWTValidator
		err error
	)
	if strings.EqualFold(cfg.JWT.Algorithm, "RS256") {
		v, err = auth.NewJWTValidatorRS256(cfg.JWT.PublicKeyPath)
	} else {
		v, err = auth.NewJWTValidatorHS256(cfg.JWT.HSSecret)
	}
	if err != nil {
		return nil, err
	}
	return auth.NewAuthenticator(v, auth.NewResolver(cfg.JWT.RoleClaim, cfg.JWT.IDClaim, cfg.JWT.RolePrefix)), nil
}
