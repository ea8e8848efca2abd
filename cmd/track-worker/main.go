package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/teletrack/config"
	"github.com/BearBump/teletrack/internal/logger"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("load config: %v", err))
	}
	log := logger.New(cfg.Env).Named("worker")
	defer func() { _ = log.Sync() }()

	p, closeFn, err := buildPoller(cfg, defaultWorkerFactories(), log)
	if err != nil {
		log.Fatal("build poller", zap.Error(err))
	}
	defer closeFn()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		err := runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:    cfg.Worker.HTTPAddr,
			swaggerPath: os.Getenv("workerSwaggerPath"),
			poller:      p,
			cfg:         cfg,
			log:         log,
		})
		if err != nil {
			log.Error("worker admin server", zap.Error(err))
		}
	}()

	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("poller stopped", zap.Error(err))
	}
}
