// The notifier drains the notifications queue and fans order outcomes out to
// customers (log lines stand in for email) and to websocket dashboard
// clients.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradeflow/cmd/worker/config"
	"tradeflow/internal/notify"
	"tradeflow/internal/queue"
	"tradeflow/internal/realtime"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("notifier error: %v", err)
	}
}

func run(ctx context.Context) error {
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	client, cleanupRedis, err := redisCfg.NewClient(ctx)
	if err != nil {
		return err
	}
	defer cleanupRedis()

	queueCfg, err := config.LoadQueues()
	if err != nil {
		return err
	}

	notificationsQueue := queue.NewRedisQueue(client, queue.RedisQueueConfig{
		Name:              queueCfg.NotificationsQueue,
		VisibilityTimeout: queueCfg.VisibilityTimeout,
		MaxDeliveries:     queueCfg.MaxDeliveries,
	})

	hub := realtime.NewHub()
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	wsServer := &http.Server{
		Addr:    wsAddr(),
		Handler: mux,
	}
	go func() {
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("websocket server error: %v", err)
		}
	}()

	notifier := notify.NewNotifier(notificationsQueue, notify.WithBroadcaster(hub))

	log.Printf("notifier consuming %q, dashboards on %s/ws", queueCfg.NotificationsQueue, wsServer.Addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- notifier.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = wsServer.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func wsAddr() string {
	if addr := os.Getenv("WS_ADDR"); addr != "" {
		return addr
	}
	return ":8081"
}
