// Package shopee implements the Shopee OpenAPI v2 order connector.
package shopee

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
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

const (
	marketplaceName = "shopee"

	pathOrderList    = "/api/v2/order/get_order_list"
	pathOrderDetail  = "/api/v2/order/get_order_detail"
	pathEscrowDetail = "/api/v2/payment/get_escrow_detail"

	detailOptionalFields = "item_list,recipient_address,total_amount,shipping_carrier"
)

// Client talks to the Shopee seller API. Listing windows longer than the
// platform's 15-day cap are split internally; the sub-window in progress is
// carried inside the opaque cursor handed back to the caller.
type Client struct {
	cfg     appconfig.ShopeeConfig
	client  *http.Client
	limiter *rate.Limiter
	retry   appconfig.RetryConfig
	log     *logger.Log
	now     func() time.Time
}

// New builds a Shopee client from configuration. Returns
// connector.ErrNotConfigured when the marketplace is disabled or the
// credentials are incomplete.
func New(cfg *appconfig.Config) (*Client, error) {
	mc := cfg.Marketplaces.Shopee
	if !mc.Enabled {
		return nil, errors.Wrap(connector.ErrNotConfigured, marketplaceName)
	}
	if mc.PartnerID == "" || mc.PartnerKey == "" || mc.ShopID == "" || mc.AccessToken == "" {
		return nil, errors.Wrap(connector.ErrNotConfigured, "shopee credentials missing")
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
		now:   time.Now,
	}

	c.log.WithComponent("shopee_connector").WithFields(logger.Fields{
		"base_url":  mc.BaseURL,
		"shop_id":   mc.ShopID,
		"page_size": mc.PageSize,
	}).Info("shopee connector initialized")

	return c, nil
}

func (c *Client) Name() string { return marketplaceName }

// DetailBatchSize reports the per-call identifier cap of the detail API.
func (c *Client) DetailBatchSize() int {
	if c.cfg.DetailBatchSize > 0 {
		return c.cfg.DetailBatchSize
	}
	return 50
}

func (c *Client) maxWindow() time.Duration {
	days := c.cfg.MaxWindowDays
	if days <= 0 {
		days = 15
	}
	return time.Duration(days) * 24 * time.Hour
}

// listCursor is the state threaded through ListOrderIDs calls: which
// sub-window is in flight and the platform cursor inside it.
type listCursor struct {
	WindowFrom int64  `json:"wf"`
	APICursor  string `json:"c"`
}

func encodeCursor(c listCursor) string {
	b, _ := json.Marshal(c)
	return string(b)
}

func decodeCursor(s string) (listCursor, error) {
	var c listCursor
	if s == "" {
		return c, nil
	}
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return c, errors.Wrap(err, "decode list cursor")
	}
	return c, nil
}

type orderListResponse struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	Response struct {
		More       bool   `json:"more"`
		NextCursor string `json:"next_cursor"`
		OrderList  []struct {
			OrderSN string `json:"order_sn"`
		} `json:"order_list"`
	} `json:"response"`
}

// ListOrderIDs pages through order numbers updated inside [from, to]. The
// window is walked in sub-windows of at most the platform cap, oldest
// first; within a sub-window the platform's own cursor drives pagination.
func (c *Client) ListOrderIDs(ctx context.Context, from, to time.Time, cursor string) (*connector.IDPage, error) {
	state, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	windowFrom := from
	if state.WindowFrom > 0 {
		windowFrom = time.Unix(state.WindowFrom, 0).UTC()
	}
	windowTo := windowFrom.Add(c.maxWindow())
	if windowTo.After(to) {
		windowTo = to
	}

	pageSize := c.cfg.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	params := url.Values{}
	params.Set("time_range_field", "update_time")
	params.Set("time_from", strconv.FormatInt(windowFrom.Unix(), 10))
	params.Set("time_to", strconv.FormatInt(windowTo.Unix(), 10))
	params.Set("page_size", strconv.Itoa(pageSize))
	if state.APICursor != "" {
		params.Set("cursor", state.APICursor)
	}

	var resp orderListResponse
	if err := c.get(ctx, pathOrderList, params, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.Errorf("shopee order list: %s: %s", resp.Error, resp.Message)
	}

	page := &connector.IDPage{}
	for _, o := range resp.Response.OrderList {
		page.OrderIDs = append(page.OrderIDs, o.OrderSN)
	}

	switch {
	case resp.Response.More:
		// Keep walking the same sub-window.
		page.More = true
		page.NextCursor = encodeCursor(listCursor{
			WindowFrom: windowFrom.Unix(),
			APICursor:  resp.Response.NextCursor,
		})
	case windowTo.Before(to):
		// Sub-window drained, advance to the next one.
		page.More = true
		page.NextCursor = encodeCursor(listCursor{WindowFrom: windowTo.Unix()})
	}

	return page, nil
}

type orderDetailResponse struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	Response struct {
		OrderList []orderDetail `json:"order_list"`
	} `json:"response"`
}

type orderDetail struct {
	OrderSN          string  `json:"order_sn"`
	OrderStatus      string  `json:"order_status"`
	CreateTime       int64   `json:"create_time"`
	UpdateTime       int64   `json:"update_time"`
	Currency         string  `json:"currency"`
	TotalAmount      float64 `json:"total_amount"`
	ShippingCarrier  string  `json:"shipping_carrier"`
	RecipientAddress struct {
		Name  string `json:"name"`
		City  string `json:"city"`
		State string `json:"state"`
	} `json:"recipient_address"`
	ItemList []struct {
		ItemID                 int64   `json:"item_id"`
		ModelID                int64   `json:"model_id"`
		ItemName               string  `json:"item_name"`
		ItemSKU                string  `json:"item_sku"`
		ModelQuantityPurchased int     `json:"model_quantity_purchased"`
		ModelOriginalPrice     float64 `json:"model_original_price"`
		ModelDiscountedPrice   float64 `json:"model_discounted_price"`
		IsWholesale            bool    `json:"is_wholesale"`
	} `json:"item_list"`
}

// FetchDetails hydrates up to DetailBatchSize order numbers, optionally
// following up with per-order escrow figures.
func (c *Client) FetchDetails(ctx context.Context, orderIDs []string) (*connector.DetailBatch, error) {
	if len(orderIDs) == 0 {
		return &connector.DetailBatch{}, nil
	}
	if len(orderIDs) > c.DetailBatchSize() {
		return nil, errors.Errorf("detail batch of %d exceeds limit %d", len(orderIDs), c.DetailBatchSize())
	}

	params := url.Values{}
	params.Set("order_sn_list", strings.Join(orderIDs, ","))
	params.Set("response_optional_fields", detailOptionalFields)

	var resp orderDetailResponse
	if err := c.get(ctx, pathOrderDetail, params, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.Errorf("shopee order detail: %s: %s", resp.Error, resp.Message)
	}

	batch := &connector.DetailBatch{}
	for _, d := range resp.Response.OrderList {
		raw, _ := json.Marshal(d)
		order := models.Order{
			Marketplace:     marketplaceName,
			ExternalID:      d.OrderSN,
			Status:          d.OrderStatus,
			CreatedTime:     time.Unix(d.CreateTime, 0).UTC(),
			UpdatedTime:     time.Unix(d.UpdateTime, 0).UTC(),
			Currency:        d.Currency,
			GrossValue:      d.TotalAmount,
			ShippingCarrier: d.ShippingCarrier,
			RecipientName:   d.RecipientAddress.Name,
			RecipientCity:   d.RecipientAddress.City,
			RecipientState:  d.RecipientAddress.State,
			RawPayload:      raw,

			UsesFreeShipping: c.cfg.FreeShippingProgram,
		}

		if c.cfg.FetchEscrow {
			if err := c.attachEscrow(ctx, &order); err != nil {
				// Escrow is an enrichment; the order itself is still
				// worth persisting.
				c.log.WithComponent("shopee_connector").WithError(err).WithFields(logger.Fields{
					"order_sn": d.OrderSN,
				}).Warn("escrow fetch failed")
			}
		}

		batch.Orders = append(batch.Orders, order)
		for _, it := range d.ItemList {
			batch.Items = append(batch.Items, models.OrderItem{
				Marketplace:     marketplaceName,
				OrderExtID:      d.OrderSN,
				ItemID:          strconv.FormatInt(it.ItemID, 10),
				VariantID:       strconv.FormatInt(it.ModelID, 10),
				Name:            it.ItemName,
				SKU:             it.ItemSKU,
				Quantity:        it.ModelQuantityPurchased,
				OriginalPrice:   it.ModelOriginalPrice,
				DiscountedPrice: it.ModelDiscountedPrice,
				IsWholesale:     it.IsWholesale,
			})
		}
	}
	return batch, nil
}

type escrowResponse struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	Response struct {
		OrderIncome struct {
			EscrowAmount          float64 `json:"escrow_amount"`
			VoucherFromSeller     float64 `json:"voucher_from_seller"`
			OrderAMSCommissionFee float64 `json:"order_ams_commission_fee"`
		} `json:"order_income"`
	} `json:"response"`
}

func (c *Client) attachEscrow(ctx context.Context, order *models.Order) error {
	params := url.Values{}
	params.Set("order_sn", order.ExternalID)

	var resp escrowResponse
	if err := c.get(ctx, pathEscrowDetail, params, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.Errorf("shopee escrow detail: %s: %s", resp.Error, resp.Message)
	}

	income := resp.Response.OrderIncome
	order.EscrowAmount = &income.EscrowAmount
	order.SellerVoucher = &income.VoucherFromSeller
	order.AffiliateFee = &income.OrderAMSCommissionFee
	return nil
}

// FetchStatuses reuses the detail endpoint without optional fields, which
// keeps the payload small for status-only resyncs.
func (c *Client) FetchStatuses(ctx context.Context, orderIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(orderIDs))
	limit := c.DetailBatchSize()

	for start := 0; start < len(orderIDs); start += limit {
		end := start + limit
		if end > len(orderIDs) {
			end = len(orderIDs)
		}

		params := url.Values{}
		params.Set("order_sn_list", strings.Join(orderIDs[start:end], ","))

		var resp orderDetailResponse
		if err := c.get(ctx, pathOrderDetail, params, &resp); err != nil {
			return nil, err
		}
		if resp.Error != "" {
			return nil, errors.Errorf("shopee order status: %s: %s", resp.Error, resp.Message)
		}
		for _, d := range resp.Response.OrderList {
			out[d.OrderSN] = d.OrderStatus
		}
	}
	return out, nil
}

// sign computes the shop-level request signature: HMAC-SHA256 over
// partner_id + path + timestamp + access_token + shop_id, keyed with the
// partner key.
func (c *Client) sign(path string, timestamp int64) string {
	base := fmt.Sprintf("%s%s%d%s%s", c.cfg.PartnerID, path, timestamp, c.cfg.AccessToken, c.cfg.ShopID)
	mac := hmac.New(sha256.New, []byte(c.cfg.PartnerKey))
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	timestamp := c.now().Unix()
	params.Set("partner_id", c.cfg.PartnerID)
	params.Set("timestamp", strconv.FormatInt(timestamp, 10))
	params.Set("access_token", c.cfg.AccessToken)
	params.Set("shop_id", c.cfg.ShopID)
	params.Set("sign", c.sign(path, timestamp))

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path + "?" + params.Encode()

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
		c.log.WithComponent("shopee_connector").WithError(lastErr).WithFields(logger.Fields{
			"path":    path,
			"attempt": attempt + 1,
		}).Warn("request failed")
	}
	return errors.Wrapf(lastErr, "shopee %s after %d attempts", path, attempts)
}

func (c *Client) doOnce(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
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
