// Package magalu implements the Magalu seller API order connector.
package magalu

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	appconfig "sellerflow/config"
	"sellerflow/internal/connector"
	"sellerflow/logger"
	"sellerflow/models"
)

const marketplaceName = "magalu"

// Client talks to the Magalu seller API. Listing is offset-paginated; a
// short page terminates the walk.
type Client struct {
	cfg     appconfig.MagaluConfig
	client  *http.Client
	limiter *rate.Limiter
	retry   appconfig.RetryConfig
	log     *logger.Log
}

// New builds a Magalu client from configuration. Returns
// connector.ErrNotConfigured when the marketplace is disabled or the token
// is missing.
func New(cfg *appconfig.Config) (*Client, error) {
	mc := cfg.Marketplaces.Magalu
	if !mc.Enabled {
		return nil, errors.Wrap(connector.ErrNotConfigured, marketplaceName)
	}
	if mc.APIToken == "" {
		return nil, errors.Wrap(connector.ErrNotConfigured, "magalu api token missing")
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.Client.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Client.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.Client.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.Client.ConnectionPool.IdleConnTimeout,
	}

	c := &Client{
		cfg: mc,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Client.Timeout,
		},
		limiter: rate.NewLimiter(
			rate.Limit(cfg.Client.RateLimit.RequestsPerSecond),
			cfg.Client.RateLimit.BurstSize),
		retry: cfg.Client.Retry,
		log:   logger.GetLogger(),
	}

	c.log.WithComponent("magalu_connector").WithFields(logger.Fields{
		"base_url":  mc.BaseURL,
		"page_size": mc.PageSize,
	}).Info("magalu connector initialized")

	return c, nil
}

func (c *Client) Name() string { return marketplaceName }

// DetailBatchSize for Magalu is a local chunking choice: the detail phase
// issues one request per order, so the size only bounds upsert batches.
func (c *Client) DetailBatchSize() int {
	if c.cfg.DetailBatchSize > 0 {
		return c.cfg.DetailBatchSize
	}
	return 50
}

func (c *Client) pageSize() int {
	if c.cfg.PageSize > 0 {
		return c.cfg.PageSize
	}
	return 100
}

type listResponse struct {
	Results []struct {
		ID string `json:"id"`
	} `json:"results"`
}

// ListOrderIDs walks /orders with _offset/_limit. The cursor is the next
// offset; a page shorter than the limit ends the listing.
func (c *Client) ListOrderIDs(ctx context.Context, from, to time.Time, cursor string) (*connector.IDPage, error) {
	offset := 0
	if cursor != "" {
		var err error
		if offset, err = strconv.Atoi(cursor); err != nil {
			return nil, errors.Wrap(err, "decode list cursor")
		}
	}
	limit := c.pageSize()

	params := url.Values{}
	params.Set("_limit", strconv.Itoa(limit))
	params.Set("_offset", strconv.Itoa(offset))
	params.Set("updated_at__gte", from.UTC().Format(time.RFC3339))
	params.Set("updated_at__lte", to.UTC().Format(time.RFC3339))

	var resp listResponse
	if err := c.get(ctx, "/orders", params, &resp); err != nil {
		return nil, err
	}

	page := &connector.IDPage{}
	for _, r := range resp.Results {
		page.OrderIDs = append(page.OrderIDs, r.ID)
	}
	if len(resp.Results) == limit {
		page.More = true
		page.NextCursor = strconv.Itoa(offset + limit)
	}
	return page, nil
}

type orderResource struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	PurchasedAt time.Time `json:"purchased_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Currency    string    `json:"currency"`
	TotalAmount float64   `json:"total_amount"`
	Shipping    struct {
		Carrier string `json:"carrier"`
	} `json:"shipping"`
	Customer struct {
		Name string `json:"name"`
	} `json:"customer"`
	DeliveryAddress struct {
		City  string `json:"city"`
		State string `json:"state"`
	} `json:"delivery_address"`
	Items []struct {
		SKU      string  `json:"sku"`
		Name     string  `json:"name"`
		Quantity int     `json:"quantity"`
		Price    float64 `json:"price"`
		Discount float64 `json:"discount"`
		Bundle   bool    `json:"bundle"`
	} `json:"items"`
}

// FetchDetails hydrates orders one request apiece; the platform has no
// batched detail endpoint.
func (c *Client) FetchDetails(ctx context.Context, orderIDs []string) (*connector.DetailBatch, error) {
	batch := &connector.DetailBatch{}
	for _, id := range orderIDs {
		res, err := c.fetchOrder(ctx, id)
		if err != nil {
			return nil, err
		}

		raw, _ := json.Marshal(res)
		currency := res.Currency
		if currency == "" {
			currency = "BRL"
		}
		batch.Orders = append(batch.Orders, models.Order{
			Marketplace:     marketplaceName,
			ExternalID:      res.ID,
			Status:          res.Status,
			CreatedTime:     res.PurchasedAt.UTC(),
			UpdatedTime:     res.UpdatedAt.UTC(),
			Currency:        currency,
			GrossValue:      res.TotalAmount,
			ShippingCarrier: res.Shipping.Carrier,
			RecipientName:   res.Customer.Name,
			RecipientCity:   res.DeliveryAddress.City,
			RecipientState:  res.DeliveryAddress.State,
			RawPayload:      raw,
		})

		for _, it := range res.Items {
			price := it.Price
			discounted := price - it.Discount
			if discounted < 0 {
				discounted = 0
			}
			batch.Items = append(batch.Items, models.OrderItem{
				Marketplace:     marketplaceName,
				OrderExtID:      res.ID,
				ItemID:          it.SKU,
				Name:            it.Name,
				SKU:             it.SKU,
				Quantity:        it.Quantity,
				OriginalPrice:   price,
				DiscountedPrice: discounted,
				IsKit:           it.Bundle,
			})
		}
	}
	return batch, nil
}

// FetchStatuses reads each order resource and keeps only the status field.
func (c *Client) FetchStatuses(ctx context.Context, orderIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(orderIDs))
	for _, id := range orderIDs {
		res, err := c.fetchOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		out[res.ID] = res.Status
	}
	return out, nil
}

func (c *Client) fetchOrder(ctx context.Context, id string) (*orderResource, error) {
	var res orderResource
	if err := c.get(ctx, "/orders/"+url.PathEscape(id), url.Values{}, &res); err != nil {
		return nil, errors.Wrapf(err, "fetch order %s", id)
	}
	return &res, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var lastErr error
	attempts := c.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "rate limit wait")
		}
		if attempt > 0 {
			select {
			case <-time.After(c.retry.Delay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = c.doOnce(ctx, endpoint, out)
		if lastErr == nil {
			return nil
		}
		c.log.WithComponent("magalu_connector").WithError(lastErr).WithFields(logger.Fields{
			"path":    path,
			"attempt": attempt + 1,
		}).Warn("request failed")
	}
	return errors.Wrapf(lastErr, "magalu %s after %d attempts", path, attempts)
}

func (c *Client) doOnce(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	req.Header.Set("Accept", "application/json")
	if c.cfg.TenantID != "" {
		req.Header.Set("X-Tenant-Id", c.cfg.TenantID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response body")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return errors.Wrap(json.Unmarshal(body, out), "decode response")
}
