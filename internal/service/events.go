package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/unibooks/orderflow/internal/domain"
	outboxDomain "github.com/unibooks/orderflow/pkg/outbox/domain"
	"github.com/unibooks/orderflow/pkg/outbox/worker"
)

type Topics struct {
	Notifications string
	Catalog       string
}

// emitter writes domain events to the outbox inside the caller's
// transaction, so an event exists exactly when its state change does.
type emitter struct {
	outboxRepo worker.OutboxRepository
	topics     Topics
}

func (e *emitter) emit(ctx context.Context, tx pgx.Tx, topic, aggregateType, aggregateID, eventType string, payload any) error {
	wrapper := map[string]any{
		"event":   eventType,
		"payload": payload,
	}

	wrapperBytes, err := json.Marshal(wrapper)
	if err != nil {
		return fmt.Errorf("failed to marshal wrapper: %w", err)
	}

	outboxEvent := &outboxDomain.OutboxEvent{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       wrapperBytes,
		Topic:         topic,
	}

	return e.outboxRepo.SaveOutboxEvent(ctx, tx, outboxEvent)
}

func (e *emitter) emitOrderTransition(ctx context.Context, tx pgx.Tx, order *domain.Order, from, to domain.OrderState) error {
	return e.emit(ctx, tx, e.topics.Notifications, "Order", strconv.FormatInt(order.ID, 10), "OrderStateChanged",
		&domain.OrderStateChangedEvent{
			OrderID:   order.ID,
			BuyerID:   order.BuyerID,
			SellerID:  order.SellerID,
			FromState: from,
			ToState:   to,
			Timestamp: time.Now().UTC(),
		})
}

func (e *emitter) emitBookStatus(ctx context.Context, tx pgx.Tx, bookID int64, status domain.BookStatus) error {
	return e.emit(ctx, tx, e.topics.Catalog, "Book", strconv.FormatInt(bookID, 10), "BookStatusChanged",
		&domain.BookStatusChangedEvent{
			BookID:    bookID,
			Status:    status,
			Timestamp: time.Now().UTC(),
		})
}
