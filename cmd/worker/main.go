package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradeflow/cmd/worker/config"
	"tradeflow/internal/consumer"
	"tradeflow/internal/kv"
	"tradeflow/internal/observability"
	"tradeflow/internal/orders"
	"tradeflow/internal/queue"
	"tradeflow/internal/saga"
	"tradeflow/internal/workflow"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const orderDefinition = "process-order"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker error: %v", err)
	}
}

func run(ctx context.Context) error {
	client, cleanupRedis, err := buildRedisClient(ctx)
	if err != nil {
		return err
	}
	defer cleanupRedis()

	queueCfg, err := config.LoadQueues()
	if err != nil {
		return err
	}
	consumerCfg, err := config.LoadConsumer()
	if err != nil {
		return err
	}
	sagaCfg, err := config.LoadSaga()
	if err != nil {
		return err
	}
	storageCfg, err := config.LoadStorage()
	if err != nil {
		return err
	}
	obsCfg, err := config.LoadObservability()
	if err != nil {
		return err
	}

	receipts, cleanupBlobs, err := buildBlobStore(ctx, storageCfg)
	if err != nil {
		return err
	}
	defer cleanupBlobs()

	store := kv.NewRedisStore(client, "tradeflow:")
	repo := orders.NewKVRepository(store)

	ordersQueue := queue.NewRedisQueue(client, queue.RedisQueueConfig{
		Name:              queueCfg.OrdersQueue,
		VisibilityTimeout: queueCfg.VisibilityTimeout,
		MaxDeliveries:     queueCfg.MaxDeliveries,
	})
	notificationsQueue := queue.NewRedisQueue(client, queue.RedisQueueConfig{
		Name:              queueCfg.NotificationsQueue,
		VisibilityTimeout: queueCfg.VisibilityTimeout,
		MaxDeliveries:     queueCfg.MaxDeliveries,
	})

	metrics := observability.NewMetrics()

	venue := orders.NewReliableVenueClient(
		orders.NewSimVenue(),
		orders.NewRateLimiter(50*time.Millisecond, 5),
		orders.NewCircuitBreaker(orders.CircuitBreakerConfig{
			MaxFailures:  5,
			ResetTimeout: 10 * time.Second,
		}),
	)
	refunder := orders.NewReliableRefunder(orders.NewLedgerRefunder(), orders.RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	})

	orchestrator := saga.NewOrchestrator(repo, venue, refunder, receipts, notificationsQueue,
		saga.WithFundsCeiling(sagaCfg.FundsCeiling),
		saga.WithEventRecorder(metrics.Record),
	)

	engine := workflow.NewLocalEngine(store)
	engine.Register(orderDefinition, func(ctx context.Context, input []byte) ([]byte, error) {
		var event orders.OrderCreated
		if err := json.Unmarshal(input, &event); err != nil {
			return nil, err
		}

		span := metrics.Start("saga.run")
		sctx, err := orchestrator.Run(ctx, event.OrderID)
		span.End(err)
		if err != nil {
			return nil, err
		}

		return json.Marshal(map[string]any{
			"order_id":           sctx.Order.ID,
			"trade_id":           sctx.TradeID,
			"rollback_completed": sctx.RollbackCompleted,
			"failure_reason":     sctx.FailureReason,
		})
	})
	defer engine.Close()

	if resumed, err := engine.Resume(ctx); err != nil {
		return err
	} else if resumed > 0 {
		log.Printf("resumed %d in-flight executions", resumed)
	}

	processorOpts := []consumer.ProcessorOption{
		consumer.WithIntakeCopies(receipts),
		consumer.WithProcessorEventRecorder(metrics.Record),
	}
	processor := consumer.NewProcessor(repo, engine, orderDefinition, processorOpts...)

	loopOpts := []consumer.LoopOption{
		consumer.WithBatchSize(consumerCfg.BatchSize),
		consumer.WithWaitTime(consumerCfg.WaitTime),
		consumer.WithLoopEventRecorder(metrics.Record),
	}
	if consumerCfg.RateLimitInterval > 0 {
		loopOpts = append(loopOpts,
			consumer.WithRateLimiter(orders.NewRateLimiter(consumerCfg.RateLimitInterval, consumerCfg.RateLimitBurst)))
	}
	loop := consumer.NewLoop(ordersQueue, processor, loopOpts...)

	healthServer, grpcServer, err := startHealthServer(obsCfg.HealthAddr)
	if err != nil {
		return err
	}
	metricsServer := startMetricsServer(obsCfg.MetricsAddr, metrics)

	log.Printf("worker consuming %q, publishing outcomes to %q", queueCfg.OrdersQueue, queueCfg.NotificationsQueue)

	errCh := make(chan error, 1)
	go func() {
		errCh <- loop.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		metrics.MarkShutdown(int64(metrics.Snapshot().InFlight))
		grpcServer.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)

		<-errCh
		return nil
	case err := <-errCh:
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		grpcServer.GracefulStop()
		return err
	}
}

func startHealthServer(addr string) (*health.Server, *grpcpkg.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}

	server := grpcpkg.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() {
		if err := server.Serve(lis); err != nil {
			log.Printf("health server error: %v", err)
		}
	}()
	return healthServer, server, nil
}

func startMetricsServer(addr string, metrics *observability.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	return srv
}
