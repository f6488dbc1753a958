package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/unibooks/orderflow/pkg/utils"
	"go.uber.org/zap"
)

// Listing is the catalog service's view of a book offered for sale.
type Listing struct {
	BookID   int64           `json:"book_id"`
	Status   string          `json:"status"`
	Price    decimal.Decimal `json:"price"`
	SellerID int64           `json:"seller_id"`
}

type Client interface {
	GetBook(ctx context.Context, bookID int64) (*Listing, error)
}

type httpClient struct {
	baseURL string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) Client {
	settings := gobreaker.Settings{
		Name:        "CatalogService",
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

	return &httpClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		cb:      gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

func (c *httpClient) GetBook(ctx context.Context, bookID int64) (*Listing, error) {
	return utils.ExecuteWithBreaker(c.cb, func() (*Listing, error) {
		url := fmt.Sprintf("%s/books/%d", c.baseURL, bookID)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("catalog request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrListingNotFound
		}

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("catalog returned status %d", resp.StatusCode)
		}

		var listing Listing
		if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
			return nil, fmt.Errorf("failed to decode catalog response: %w", err)
		}

		return &listing, nil
	})
}
