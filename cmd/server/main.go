package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stock_reservation/internal/compensation"
	"stock_reservation/internal/config"
	"stock_reservation/internal/ledger"
	"stock_reservation/internal/metrics"
	"stock_reservation/internal/middleware"
	"stock_reservation/internal/order"
	"stock_reservation/internal/queue"
	"stock_reservation/internal/reservation"
	"stock_reservation/internal/router"
	"stock_reservation/internal/store"
	rediskey "stock_reservation/pkg/redis"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := config.NewLogger(cfg.LogLevel, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
	logger.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) error {
	var rdb *rd.Client
	if cfg.RedisEnabled() {
		rdb = rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	// 1. 账本、补偿日志与订单存储
	be, err := openBackend(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	defer be.close()
	if cfg.LedgerBackend == config.BackendMemory {
		logger.Warn().Msg("memory ledger: stock, reservations and orders are lost on restart")
	}

	// 2. 事件出口：Redis outbox + Relay -> Kafka；只有 Kafka 时直接发布
	var (
		pub      queue.Publisher = queue.NopPublisher{}
		producer *queue.Producer
		relay    *queue.Relay
	)
	if cfg.KafkaEnabled() {
		producer = queue.NewProducer(cfg.KafkaBrokers, cfg.EventTopic)
		defer producer.Close()
		pub = producer
		if rdb != nil {
			pub = queue.NewStreamPublisher(rdb, cfg.EventStream)
			relay = queue.NewRelay(rdb, producer, cfg.EventStream, cfg.EventGroup, cfg.EventConsumer, logger)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	mgr := reservation.NewManager(be.ledger, be.log, reservation.Options{Publisher: pub, Metrics: m, Logger: logger})
	coord := order.NewCoordinator(mgr, be.ledger, be.orders, order.Options{
		ReservationTTL: cfg.ReservationTTL,
		Publisher:      pub,
		Metrics:        m,
		Logger:         logger,
	})

	// 3. 从补偿日志恢复预占表，并立即清扫重启期间过期的预占
	n, err := mgr.Recover(ctx, time.Time{})
	if err != nil {
		return fmt.Errorf("recover reservations: %w", err)
	}
	expired, err := mgr.Sweep(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("initial sweep")
	}
	logger.Info().Int("applied", n).Int("expired", expired).Msg("reservations recovered")

	// 4. HTTP
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	deps := router.Deps{
		Orders:       coord,
		Ledger:       be.ledger,
		Reservations: mgr,
		Metrics:      metrics.Handler(reg),
		AdminToken:   cfg.AdminToken,
		Logger:       logger,
	}
	if rdb != nil {
		deps.Idempotency = rediskey.NewIdempotency(rdb, cfg.IdempotencyTTL)
		deps.RateLimit = middleware.RedisRateLimit(rdb, cfg.OrderRateLimit, cfg.OrderRateWindow, logger)
	}
	router.Setup(engine, deps)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: engine, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("ledger", cfg.LedgerBackend).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		mgr.Run(gctx, cfg.SweepInterval)
		return nil
	})
	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}
	if cfg.KafkaEnabled() {
		consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.SignalTopic, cfg.SignalGroupID, coord, logger)
		defer consumer.Close()
		g.Go(func() error { return consumer.Run(gctx) })
	}
	return g.Wait()
}

// backend 一组互相匹配的账本、补偿日志与订单存储。
type backend struct {
	ledger ledger.Ledger
	log    compensation.Log
	orders order.Store
	close  func()
}

// openBackend memory 账本在重启后为空，补偿日志和订单也只放在内存里，
// 否则回放出来的 pending 预占在新账本中找不到 token。
func openBackend(ctx context.Context, cfg config.AppConfig, rdb *rd.Client) (*backend, error) {
	if cfg.LedgerBackend == config.BackendMemory {
		return &backend{
			ledger: ledger.NewMemoryLedger(),
			log:    compensation.NewMemoryLog(),
			orders: order.NewMemoryStore(),
			close:  func() {},
		}, nil
	}

	// SQLite：订单、补偿日志，以及 sql 后端的账本
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	clog, err := compensation.NewGormLog(ctx, db)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	b := &backend{
		log:    clog,
		orders: store.NewOrderStore(db),
		close:  func() { sqlDB.Close() },
	}
	if cfg.LedgerBackend == config.BackendRedis {
		if rdb == nil {
			sqlDB.Close()
			return nil, fmt.Errorf("ledger backend %s requires redis", cfg.LedgerBackend)
		}
		b.ledger = rediskey.NewLedger(rdb)
	} else {
		b.ledger = store.NewLedger(db)
	}
	return b, nil
}
