package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/unibooks/orderflow/internal/domain"
	"github.com/unibooks/orderflow/pkg/mylogger"
	"github.com/unibooks/orderflow/pkg/utils"
	"go.uber.org/zap"
)

type PayoutRequest struct {
	OrderID       int64           `json:"order_id"`
	SellerAccount string          `json:"seller_account"`
	Amount        decimal.Decimal `json:"amount"`
	// IdempotencyKey is the order id; the gateway deduplicates payouts
	// on it, which makes a retried call after a crash safe.
	IdempotencyKey string `json:"idempotency_key"`
}

type PayoutResponse struct {
	PayoutID string `json:"payout_id"`
}

type PayoutClient interface {
	Payout(ctx context.Context, req *PayoutRequest) (*PayoutResponse, error)
}

type payoutClient struct {
	baseURL    string
	client     *http.Client
	cb         *gobreaker.CircuitBreaker
	logger     *zap.Logger
	maxRetries uint64
}

func NewPayoutClient(baseURL string, timeout time.Duration, maxRetries uint64, logger *zap.Logger) PayoutClient {
	settings := gobreaker.Settings{
		Name:        "PaymentGateway",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn(
				"Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &payoutClient{
		baseURL:    baseURL,
		client:     &http.Client{Timeout: timeout},
		cb:         gobreaker.NewCircuitBreaker(settings),
		logger:     logger,
		maxRetries: maxRetries,
	}
}

// Payout calls the gateway's payout API with bounded exponential backoff.
// ErrInsufficientFunds is permanent and never retried; transport errors
// and 5xx responses surface as ErrGatewayUnavailable once retries are
// exhausted, leaving escalation to the caller.
func (c *payoutClient) Payout(ctx context.Context, req *PayoutRequest) (*PayoutResponse, error) {
	var resp *PayoutResponse

	operation := func() error {
		var err error
		resp, err = utils.ExecuteWithBreaker(c.cb, func() (*PayoutResponse, error) {
			return c.doPayout(ctx, req)
		})
		if err != nil {
			if errors.Is(err, domain.ErrInsufficientFunds) {
				return backoff.Permanent(err)
			}
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return domain.ErrGatewayUnavailable
			}

			mylogger.Warn(
				ctx,
				c.logger,
				"Payout attempt failed, will retry",
				zap.Int64("order_id", req.OrderID),
				zap.Error(err),
			)

			return err
		}

		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries),
		ctx,
	)

	if err := backoff.Retry(operation, policy); err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}

	return resp, nil
}

func (c *payoutClient) doPayout(ctx context.Context, req *PayoutRequest) (*PayoutResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payouts", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusOK || httpResp.StatusCode == http.StatusCreated:
		var resp PayoutResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
			return nil, fmt.Errorf("failed to decode payout response: %w", err)
		}

		return &resp, nil
	case httpResp.StatusCode == http.StatusUnprocessableEntity:
		return nil, domain.ErrInsufficientFunds
	default:
		return nil, fmt.Errorf("gateway returned status %d", httpResp.StatusCode)
	}
}
