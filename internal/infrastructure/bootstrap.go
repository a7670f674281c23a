package infrastructure

import (
	"context"

	"go.uber.org/zap"

	"chartcredits/internal/billing"
	"chartcredits/internal/config"
	"chartcredits/internal/repository"
	"chartcredits/internal/service"
	transportAMQP "chartcredits/internal/transport/amqp"
	transportGRPC "chartcredits/internal/transport/grpc"
	transportHTTP "chartcredits/internal/transport/http"
	transportNATS "chartcredits/internal/transport/nats"
	"chartcredits/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the application.
// Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, func(), error) {
	db, err := connectPostgres(ctx, cfg.DSN())
	if err != nil {
		return nil, nil, err
	}

	rdb, err := connectRedis(ctx, cfg.RedisAddr())
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	var cleanupFns []func()
	cleanupFns = append(cleanupFns, func() {
		db.Close()
		_ = rdb.Close()
	})

	users := repository.NewUserRepo(db)
	ledger := repository.NewLedgerRepo(rdb, db, log)
	claims := repository.NewEventClaims(rdb, cfg.ClaimTTL)

	// ── Bus wiring ──────────────────────────────────────────────────────────────
	var bus repository.MessageBus
	var sub repository.Subscriber

	switch cfg.BusProvider {
	case "nats":
		nc, err := connectNats(cfg.NatsAddr(), log)
		if err != nil {
			return nil, runCleanup(cleanupFns), err
		}
		cleanupFns = append(cleanupFns, nc.Close)
		bus = transportNATS.NewBus(nc)
		sub = transportNATS.NewSubscriber(nc, log)

	case "amqp":
		conn, err := connectAmqp(cfg.AmqpURL, log)
		if err != nil {
			return nil, runCleanup(cleanupFns), err
		}
		cleanupFns = append(cleanupFns, func() { _ = conn.Close() })
		amqpBus, err := transportAMQP.NewBus(conn, log)
		if err != nil {
			return nil, runCleanup(cleanupFns), err
		}
		cleanupFns = append(cleanupFns, func() { _ = amqpBus.Close() })
		bus = amqpBus
		sub = transportAMQP.NewSubscriber(conn, log)

	case "none":
		log.Info("message bus disabled, grant events will not be published")
	}

	processor := service.NewProcessor(service.Dependencies{
		Users:          users,
		Ledger:         ledger,
		Claims:         claims,
		Bus:            bus,
		Logger:         log,
		StorageTimeout: cfg.StorageTimeout,
	})

	// ── Servers ────────────────────────────────────────────────────────────────
	verifier := billing.NewVerifier(cfg.WebhookSecret, cfg.WebhookTolerance)
	handler := transportHTTP.NewHandler(verifier, processor, ledger, db, log)

	servers := []Server{transportHTTP.NewServer(cfg.ApiAddr(), handler, log)}
	if sub != nil {
		servers = append(servers, worker.NewBalanceCacheWorker(sub, ledger, log))
	}
	if addr, grpcErr := cfg.GRPCAddr(); grpcErr == nil {
		servers = append(servers, transportGRPC.NewServer(addr, db, log))
	}

	return NewApp(servers, log), runCleanup(cleanupFns), nil
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
