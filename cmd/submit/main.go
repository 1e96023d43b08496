// Submit places a stock order: it builds the order-created event and
// enqueues it for the worker, then prints the acceptance acknowledgment.
// The order is accepted immediately; processing happens asynchronously.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeflow/cmd/worker/config"
	"tradeflow/internal/orders"
	"tradeflow/internal/queue"
)

func main() {
	customer := flag.String("customer", "", "customer id (required)")
	symbol := flag.String("symbol", "", "stock symbol (required)")
	quantity := flag.Int64("quantity", 0, "number of shares (required)")
	price := flag.String("price", "", "limit price per share (required)")
	timeout := flag.Duration("timeout", 10*time.Second, "enqueue timeout")
	flag.Parse()

	order, err := buildEvent(*customer, *symbol, *quantity, *price)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := submit(ctx, order); err != nil {
		log.Fatalf("submit order: %v", err)
	}

	total := order.Price.Mul(decimal.NewFromInt(order.Quantity))
	fmt.Printf("order %s accepted: %d %s @ %s (total %s)\n",
		order.OrderID, order.Quantity, order.StockSymbol, order.Price, total)
}

func buildEvent(customer, symbol string, quantity int64, price string) (orders.OrderCreated, error) {
	if customer == "" || symbol == "" || quantity == 0 || price == "" {
		return orders.OrderCreated{}, fmt.Errorf("customer, symbol, quantity and price are required")
	}
	parsedPrice, err := decimal.NewFromString(price)
	if err != nil {
		return orders.OrderCreated{}, fmt.Errorf("price: %w", err)
	}

	event := orders.OrderCreated{
		OrderID:     uuid.NewString(),
		CustomerID:  customer,
		StockSymbol: symbol,
		Quantity:    quantity,
		Price:       parsedPrice,
		CreatedAt:   time.Now().UTC(),
	}
	if err := event.Order().Validate(); err != nil {
		return orders.OrderCreated{}, err
	}
	return event, nil
}

func submit(ctx context.Context, event orders.OrderCreated) error {
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	client, cleanup, err := redisCfg.NewClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	queueCfg, err := config.LoadQueues()
	if err != nil {
		return err
	}
	ordersQueue := queue.NewRedisQueue(client, queue.RedisQueueConfig{
		Name:              queueCfg.OrdersQueue,
		VisibilityTimeout: queueCfg.VisibilityTimeout,
		MaxDeliveries:     queueCfg.MaxDeliveries,
	})

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return ordersQueue.Send(ctx, body)
}
