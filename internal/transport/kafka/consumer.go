package kafka

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/IBM/sarama"
	"github.com/unibooks/orderflow/internal/domain"
	"github.com/unibooks/orderflow/internal/service"
	"github.com/unibooks/orderflow/pkg/kafka"
	"github.com/unibooks/orderflow/pkg/mylogger"
	"go.uber.org/zap"
)

// Consumer feeds arbitration verdicts back into the order state machine.
type Consumer struct {
	orders service.OrderService
	logger *zap.Logger
	group  string
	topic  string
}

func NewConsumer(orders service.OrderService, logger *zap.Logger, group, topic string) *Consumer {
	return &Consumer{
		orders: orders,
		logger: logger,
		group:  group,
		topic:  topic,
	}
}

func (c *Consumer) Start(ctx context.Context, brokers []string) {
	consumerGroup := kafka.NewConsumerGroup(
		brokers,
		c.group,
		[]string{c.topic},
		c.processMessage,
		c.logger,
	)

	consumerGroup.Run(ctx)
}

func (c *Consumer) processMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	mylogger.Info(
		ctx,
		c.logger,
		"Processing message",
		zap.String("topic", msg.Topic),
	)

	type EventWrapper struct {
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}

	var wrapper EventWrapper
	if err := json.Unmarshal(msg.Value, &wrapper); err != nil {
		mylogger.Error(ctx, c.logger, "Error unmarshalling wrapper", zap.Error(err))
		return err
	}

	switch wrapper.Event {
	case "DisputeResolved":
		var event domain.DisputeResolvedEvent
		if err := json.Unmarshal(wrapper.Payload, &event); err != nil {
			mylogger.Error(ctx, c.logger, "Failed to unmarshal payload", zap.Error(err))
			return err
		}

		if !event.Resolution.Valid() {
			mylogger.Warn(
				ctx,
				c.logger,
				"Ignored verdict with unknown resolution",
				zap.Int64("order_id", event.OrderID),
				zap.String("resolution", string(event.Resolution)),
			)

			return nil
		}

		err := c.orders.ResolveDispute(ctx, event.OrderID, event.Resolution)
		if err != nil {
			// a replayed verdict lands on an order that already left
			// DISPUTED; swallowing it keeps the consumer moving
			if errors.Is(err, domain.ErrNotDisputed) || errors.Is(err, domain.ErrOrderNotFound) {
				mylogger.Warn(
					ctx,
					c.logger,
					"Ignored verdict for non-disputed order",
					zap.Int64("order_id", event.OrderID),
					zap.Error(err),
				)

				return nil
			}

			mylogger.Error(ctx, c.logger, "Failed to resolve dispute", zap.Error(err))
			return err
		}

		return nil
	default:
		mylogger.Warn(ctx, c.logger, "Ignored event type", zap.String("event_type", wrapper.Event))
	}

	return nil
}
