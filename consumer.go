package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

type requestHandler func(ctx context.Context, req *RouteRequest) (*RoutedMessage, error)

// ConsumeQueues routes requests from the submit.sm and deliver.sm queues
// until ctx is done.
func (gateway *Gateway) ConsumeQueues(ctx context.Context, broker *Broker, workers int) {
	handlers := map[string]requestHandler{
		QueueSubmitSM:  gateway.RouteSubmitSM,
		QueueDeliverSM: gateway.RouteDeliverSM,
	}
	var wg sync.WaitGroup
	for queue, handle := range handlers {
		wg.Add(1)
		go func(queue string, handle requestHandler) {
			defer wg.Done()
			gateway.consume(ctx, broker, queue, workers, handle)
		}(queue, handle)
	}
	wg.Wait()
}

func (gateway *Gateway) consume(ctx context.Context, broker *Broker, queue string, workers int, handle requestHandler) {
	logf := LoggingFormat{Type: LogType.Queue, Function: "consume"}
	logf.AddField("queue", queue)

	for ctx.Err() == nil {
		if err := broker.WaitReady(ctx); err != nil {
			return
		}
		deliveries, err := broker.Consume(queue, workers)
		if err != nil {
			logf.Level = logrus.WarnLevel
			logf.Error = err
			logf.Message = "failed to start consuming, retrying"
			logf.Print()
			select {
			case <-ctx.Done():
				return
			case <-time.After(reInitDelay):
			}
			continue
		}

		logf.Level = logrus.InfoLevel
		logf.Error = nil
		logf.Message = "consuming"
		logf.Print()

		// deliveries is closed when the channel goes away
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for d := range deliveries {
					gateway.handleDelivery(ctx, queue, d, handle)
				}
			}()
		}
		wg.Wait()
	}
}

// handleDelivery acks routed requests. Requests no connector took are
// requeued once, everything else is rejected without requeue.
func (gateway *Gateway) handleDelivery(ctx context.Context, queue string, d amqp.Delivery, handle requestHandler) {
	logf := LoggingFormat{Type: LogType.Queue, Function: "handleDelivery"}
	logf.AddField("queue", queue)

	var req RouteRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		logf.Level = logrus.ErrorLevel
		logf.Error = err
		logf.Message = "dropping malformed route request"
		logf.Print()
		_ = d.Nack(false, false)
		return
	}

	_, err := handle(ctx, &req)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, ErrConnectorsExhausted) && !d.Redelivered:
		_ = d.Nack(false, true)
	default:
		_ = d.Nack(false, false)
	}
}
