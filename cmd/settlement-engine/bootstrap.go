package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/LerianStudio/lib-settlement/settlement/connector"
	"github.com/LerianStudio/lib-settlement/settlement/engine"
	"github.com/LerianStudio/lib-settlement/settlement/ledger/simulated"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	nethttp "github.com/LerianStudio/lib-settlement/settlement/net/http"
	"github.com/LerianStudio/lib-settlement/settlement/opentelemetry"
	"github.com/LerianStudio/lib-settlement/settlement/redis"
	"github.com/LerianStudio/lib-settlement/settlement/server"
	"github.com/gofiber/fiber/v2"
)

type service struct {
	server *server.ServerManager
	app    *fiber.App
	engine *engine.Engine
	store  *redis.Store
	ledger *simulated.Ledger
}

func bootstrap(ctx context.Context, cfg Config, logger log.Logger) (*service, error) {
	tel, err := opentelemetry.InitializeTelemetry(ctx, cfg.telemetryConfig(logger))
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	redisCfg := redis.Config{
		Topology: redis.Topology{Standalone: &redis.StandaloneTopology{Address: cfg.RedisHost}},
		Options:  redis.ConnectionOptions{DB: cfg.RedisDB},
		Logger:   logger,
	}

	if cfg.RedisPassword != "" {
		redisCfg.Auth.StaticPassword = &redis.StaticPasswordAuth{Password: cfg.RedisPassword}
	}

	client, err := redis.New(ctx, redisCfg)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("connect redis: %w", err), tel.Shutdown(ctx))
	}

	// abort releases everything acquired so far on a failed startup
	abort := func(err error, closers ...func() error) error {
		errs := []error{err}

		for _, closeFn := range closers {
			errs = append(errs, closeFn())
		}

		return errors.Join(append(errs, client.Close(), tel.Shutdown(ctx))...)
	}

	st, err := redis.NewStore(client, redis.WithKeyPrefix(cfg.RedisKeyPrefix), redis.WithStoreLogger(logger))
	if err != nil {
		return nil, abort(fmt.Errorf("build store: %w", err))
	}

	locks, err := redis.NewRedisLockManager(client)
	if err != nil {
		return nil, abort(fmt.Errorf("build lock manager: %w", err))
	}

	conn, err := connector.New(connector.Config{
		BaseURL: cfg.ConnectorURL,
		Breaker: connector.DefaultBreakerConfig(),
		Logger:  logger,
	})
	if err != nil {
		return nil, abort(fmt.Errorf("build connector: %w", err))
	}

	svc := &service{store: st}

	connect := simulated.Connect(simulated.Config{
		Address:         cfg.LedgerAddress,
		Precision:       cfg.LedgerPrecision,
		MinSettleAmount: cfg.minSettleAmount(),
		ValidityWindow:  cfg.LedgerValidityWindow,
		Logger:          logger,
		OnHeight: func(height uint64) {
			if svc.engine != nil {
				svc.engine.NotifyLedgerHeight(height)
			}
		},
	}, func(l *simulated.Ledger) { svc.ledger = l })

	eng, err := engine.New(ctx, st, conn, connect,
		engine.WithConfig(cfg.engineConfig()),
		engine.WithLogger(logger),
		engine.WithLockManager(locks),
	)
	if err != nil {
		return nil, abort(fmt.Errorf("build engine: %w", err))
	}

	svc.engine = eng

	if err := eng.Recover(ctx); err != nil {
		logger.Log(ctx, log.LevelWarn, "startup recovery failed", log.Err(err))
	}

	if err := eng.Start(ctx); err != nil {
		return nil, abort(fmt.Errorf("start engine: %w", err), func() error { return eng.Shutdown(ctx) })
	}

	blocks := newBlockProducer(svc.ledger, millis(cfg.LedgerBlockIntervalMS), logger)
	blocks.Start()

	svc.app = nethttp.NewRouter(nethttp.RouterConfig{
		Engine: eng,
		Logger: logger,
		Health: []nethttp.DependencyCheck{
			{Name: "redis", Pinger: st},
			{Name: "connector", BreakerState: conn.BreakerState},
		},
	})

	svc.server = server.NewServerManager(logger).
		WithHTTPServer(svc.app, cfg.ServerAddress).
		WithShutdownTimeout(millis(cfg.ShutdownTimeoutMS)).
		WithShutdownHook("ledger_blocks", blocks).
		WithShutdownHook("engine", eng).
		WithShutdownHook("redis", server.ShutdownerFunc(func(context.Context) error { return st.Close() })).
		WithShutdownHook("telemetry", tel)

	return svc, nil
}
