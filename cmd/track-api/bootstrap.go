package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/teletrack/config"
	"github.com/BearBump/teletrack/internal/api/httpapi"
	"github.com/BearBump/teletrack/internal/broker/kafka"
	"github.com/BearBump/teletrack/internal/broker/messages"
	"github.com/BearBump/teletrack/internal/cache/rediscache"
	"github.com/BearBump/teletrack/internal/integrations/telegram"
	"github.com/BearBump/teletrack/internal/integrations/track17"
	"github.com/BearBump/teletrack/internal/integrations/track17/fake"
	"github.com/BearBump/teletrack/internal/logger"
	"github.com/BearBump/teletrack/internal/migrate"
	"github.com/BearBump/teletrack/internal/services/fanout"
	"github.com/BearBump/teletrack/internal/services/reconciler"
	"github.com/BearBump/teletrack/internal/services/subscriptions"
	"github.com/BearBump/teletrack/internal/storage/pgtracking"
	"github.com/BearBump/teletrack/internal/webhook"
	"go.uber.org/zap"
)

type trackAPIApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger

	opts     trackAPIOpts
	api      *httpapi.Handler
	rec      *reconciler.Reconciler
	consumer *kafka.Consumer
	redis    *rediscache.RedisCache
	closeDB  func()
}

func seconds(n, def int) time.Duration {
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Second
}

func mustBootstrapTrackAPI() *trackAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("load config: %v", err))
	}
	if cfg.Webhook.Secret == "" {
		panic("webhook secret is required")
	}

	log := logger.New(cfg.Env)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	connString := cfg.Database.ConnString()
	st := mustOpenPostgresWithRetry(connString, 60*time.Second, log)
	if err := migrate.Up(ctx, connString); err != nil {
		panic(fmt.Sprintf("migrate: %v", err))
	}

	tg := telegram.New(cfg.Telegram.BaseURL, cfg.Telegram.BotToken, cfg.Telegram.MiniAppName)
	dispatcher := fanout.New(tg, log.Named("fanout")).
		WithSettings(cfg.Webhook.FanoutConcurrency, seconds(cfg.Webhook.NotifyTimeoutSeconds, 10))

	rec := reconciler.New(st, st, dispatcher, log.Named("reconciler")).
		WithMode(cfg.Webhook.FanoutMode, seconds(cfg.Webhook.DetachedTimeoutSeconds, 60))

	var provider subscriptions.Provider = track17.New(cfg.Track17.BaseURL, cfg.Track17.APIKey)
	if cfg.Track17.APIKey == "" {
		log.Warn("17track api key is empty, using the fake provider")
		provider = fake.New()
	}
	subs := subscriptions.New(st, provider, log.Named("subscriptions")).
		WithDefaultQuota(cfg.Users.DefaultQuota).
		WithForgetter(rec).
		WithNotifier(tg)

	api := httpapi.New(webhook.NewVerifier(cfg.Webhook.Secret), webhook.NewDecoder(), rec, subs, log.Named("http")).
		WithRequestTimeout(seconds(cfg.Webhook.RequestTimeoutSeconds, 30)).
		WithReadiness("postgres", st).
		WithStats(dispatcher)

	var rc *rediscache.RedisCache
	if cfg.Redis.Enabled() {
		rc = rediscache.New(cfg.Redis.Addr())
		rec.WithCache(rc, seconds(cfg.Webhook.StatusCacheTTLSeconds, 24*3600)).
			WithLocker(rediscache.NewLocker(rc.Client(), "lock:reconcile:", seconds(cfg.Webhook.LockTTLSeconds, 30)))
		api.WithRateLimiter(rediscache.NewRateLimiter(rc.Client()), cfg.Webhook.APIRateLimitPerMinute).
			WithReadiness("redis", rc)
	} else {
		log.Warn("redis disabled, using in-process locks and no status cache")
	}

	topic := cfg.Kafka.TrackingUpdatedTopicName
	if topic == "" {
		topic = messages.TopicTrackingUpdated
	}
	consumerGroup := cfg.Kafka.ConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "track-api"
	}
	var consumer *kafka.Consumer
	if cfg.Kafka.Host != "" {
		consumer = kafka.NewConsumer(cfg.Kafka.Brokers(), topic, consumerGroup)
	}

	httpAddr := cfg.Webhook.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}

	return &trackAPIApp{
		ctx:    ctx,
		cancel: cancel,
		log:    log,
		opts: trackAPIOpts{
			httpAddr:      httpAddr,
			webhookPath:   cfg.Webhook.Path,
			swaggerPath:   os.Getenv("swaggerPath"),
			topic:         topic,
			consumerGroup: consumerGroup,
		},
		api:      api,
		rec:      rec,
		consumer: consumer,
		redis:    rc,
		closeDB:  st.Close,
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration, log *zap.Logger) *pgtracking.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgtracking.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		log.Info("waiting for postgres", zap.Error(err))
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *trackAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	// detached fan-outs finish before their dependencies go away
	a.rec.Wait()
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
	_ = a.log.Sync()
}

func (a *trackAPIApp) Run() error {
	var consumer kafkaConsumer
	if a.consumer != nil {
		consumer = a.consumer
	}
	return runTrackAPI(a.ctx, a.opts, a.api, consumer, webhook.NewDecoder(), a.rec, a.log)
}
