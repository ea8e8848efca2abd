package main

import (
	"context"
	"time"

	"github.com/BearBump/teletrack/config"
	"github.com/BearBump/teletrack/internal/broker/kafka"
	"github.com/BearBump/teletrack/internal/broker/messages"
	"github.com/BearBump/teletrack/internal/cache/rediscache"
	"github.com/BearBump/teletrack/internal/integrations/track17"
	"github.com/BearBump/teletrack/internal/integrations/track17/fake"
	"github.com/BearBump/teletrack/internal/services/poller"
	"github.com/BearBump/teletrack/internal/storage/pgtracking"
	"go.uber.org/zap"
)

type workerFactories struct {
	newStorage     func(cfg *config.Config) (repo poller.Repository, closeFn func(), err error)
	newProducer    func(cfg *config.Config) poller.Producer
	newRateLimiter func(cfg *config.Config) poller.RateLimiter
	newFetcher     func(cfg *config.Config) poller.Fetcher
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (poller.Repository, func(), error) {
			st, err := pgtracking.New(cfg.Database.ConnString())
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) poller.Producer {
			return kafka.NewProducer(cfg.Kafka.Brokers())
		},
		newRateLimiter: func(cfg *config.Config) poller.RateLimiter {
			if !cfg.Redis.Enabled() {
				return nil
			}
			return rediscache.NewRateLimiter(rediscache.New(cfg.Redis.Addr()).Client())
		},
		newFetcher: func(cfg *config.Config) poller.Fetcher {
			if cfg.Track17.APIKey == "" {
				return fake.New()
			}
			return track17.New(cfg.Track17.BaseURL, cfg.Track17.APIKey)
		},
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func plannerConfig(w config.WorkerConfig) poller.PlannerConfig {
	return poller.PlannerConfig{
		InTransitMinDelay: seconds(w.NextCheckInTransitMinSeconds),
		InTransitMaxDelay: seconds(w.NextCheckInTransitMaxSeconds),
		UnknownDelay:      seconds(w.NextCheckUnknownSeconds),
		Backoff1:          seconds(w.Backoff1Seconds),
		Backoff2:          seconds(w.Backoff2Seconds),
		Backoff3:          seconds(w.Backoff3Seconds),
		Backoff4:          seconds(w.Backoff4Seconds),
	}
}

// buildPoller wires the worker. The returned close func releases the storage.
func buildPoller(cfg *config.Config, f workerFactories, log *zap.Logger) (*poller.Poller, func(), error) {
	topic := cfg.Kafka.TrackingUpdatedTopicName
	if topic == "" {
		topic = messages.TopicTrackingUpdated
	}

	w := cfg.Worker
	pollInterval := seconds(w.PollIntervalSeconds)
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	batchSize := w.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	lease := seconds(w.LeaseSeconds)
	if lease <= 0 {
		lease = 120 * time.Second
	}
	rlPerMin := int64(w.RateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 120
	}

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return nil, nil, err
	}
	if closeFn == nil {
		closeFn = func() {}
	}

	p := poller.New(repo, f.newFetcher(cfg), f.newProducer(cfg), f.newRateLimiter(cfg), topic, log).
		WithSettings(pollInterval, batchSize, concurrency, lease, rlPerMin).
		WithPlanner(plannerConfig(w)).
		WithCarrierRateLimits(w.CarrierRateLimits)

	return p, closeFn, nil
}

func RunTrackWorker(ctx context.Context, cfg *config.Config, f workerFactories, log *zap.Logger) error {
	p, closeFn, err := buildPoller(cfg, f, log)
	if err != nil {
		return err
	}
	defer closeFn()
	return p.Run(ctx)
}
