package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/BearBump/teletrack/internal/broker/kafka"
	"github.com/BearBump/teletrack/internal/services/reconciler"
	"github.com/BearBump/teletrack/internal/webhook"
	"go.uber.org/zap"
)

type trackAPIOpts struct {
	httpAddr    string
	webhookPath string
	swaggerPath string

	topic         string
	consumerGroup string

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

type eventReconciler interface {
	Reconcile(ctx context.Context, ev webhook.Event) (reconciler.Result, error)
}

type eventDecoder interface {
	Decode(body []byte) (webhook.Event, error)
}

type routes interface {
	Routes(webhookPath, swaggerPath string) http.Handler
}

const (
	persistRetries  = 5
	consumerBackoff = time.Second
)

func runTrackAPI(ctx context.Context, opts trackAPIOpts, api routes, consumer kafkaConsumer, dec eventDecoder, rec eventReconciler, log *zap.Logger) error {
	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runHTTPServer(ctx, lis, api.Routes(opts.webhookPath, opts.swaggerPath), log)
	}()

	if consumer != nil {
		go func() {
			log.Info("kafka consumer started", zap.String("topic", opts.topic), zap.String("group", opts.consumerGroup))
			consumeUpdates(ctx, consumer, dec, rec, log)
		}()
	}

	select {
	case <-ctx.Done():
		<-httpErr
		return ctx.Err()
	case err := <-httpErr:
		if err == nil {
			return ctx.Err()
		}
		return err
	}
}

func runHTTPServer(ctx context.Context, lis net.Listener, h http.Handler, log *zap.Logger) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("HTTP server listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// consumeUpdates reconciles poller results until ctx ends, restarting the
// consumer after broker errors.
func consumeUpdates(ctx context.Context, consumer kafkaConsumer, dec eventDecoder, rec eventReconciler, log *zap.Logger) {
	handler := updateHandler(ctx, dec, rec, log)
	for {
		err := consumer.Consume(ctx, handler)
		if ctx.Err() != nil {
			return
		}
		log.Error("kafka consumer stopped, restarting", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(consumerBackoff):
		}
	}
}

// updateHandler treats a polled update like a verified push. Undecodable or
// unprojectable messages are skipped; a snapshot that cannot be persisted or
// locked is retried, then skipped since the poller fetches the number again on
// its next check.
func updateHandler(ctx context.Context, dec eventDecoder, rec eventReconciler, log *zap.Logger) func(key, value []byte) error {
	return func(key, value []byte) error {
		ev, err := dec.Decode(value)
		if err != nil {
			log.Warn("undecodable tracking update", zap.ByteString("key", key), zap.Error(err))
			return kafka.ErrSkip
		}

		for attempt := 1; ; attempt++ {
			res, err := rec.Reconcile(ctx, ev)
			if err == nil {
				log.Debug("polled update reconciled",
					zap.String("tracking_number", res.TrackingNumber),
					zap.Int("recipients", len(res.Recipients)),
					zap.String("skipped", res.Skipped))
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !reconciler.Retryable(err) {
				log.Warn("rejected polled update", zap.String("tracking_number", ev.Number()), zap.Error(err))
				return kafka.ErrSkip
			}
			if attempt >= persistRetries {
				log.Error("dropping polled update", zap.String("tracking_number", ev.Number()), zap.Error(err))
				return kafka.ErrSkip
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
	}
}
