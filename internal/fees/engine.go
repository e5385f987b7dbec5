// Package fees computes per-order marketplace settlements: commission and
// service percentages over the voucher-discounted base, fixed per-product
// costs and affiliate pass-throughs.
package fees

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	appconfig "sellerflow/config"
	"sellerflow/internal/store"
	"sellerflow/logger"
	"sellerflow/models"
)

// OrderSettlement is the fee breakdown for one order. TotalFees spans the
// whole gap between the original gross and the net: marketplace charges
// plus the seller-funded voucher. The affiliate fee is a pass-through
// reported separately and subtracted from the net alongside them.
type OrderSettlement struct {
	Marketplace  string  `json:"marketplace"`
	ExternalID   string  `json:"externalId"`
	GrossValue   float64 `json:"grossValue"`
	Voucher      float64 `json:"voucher"`
	Commission   float64 `json:"commission"`
	CampaignFee  float64 `json:"campaignFee"`
	FixedFees    float64 `json:"fixedFees"`
	AffiliateFee float64 `json:"affiliateFee"`
	TotalFees    float64 `json:"totalFees"`
	NetValue     float64 `json:"netValue"`

	// EscrowDelta compares the computed net against the platform's own
	// settlement figure when one was fetched. Nil when unavailable.
	EscrowDelta *float64 `json:"escrowDelta,omitempty"`

	// DefaultRates marks settlements priced from the built-in fallback
	// schedule rather than a configured fee period.
	DefaultRates bool `json:"defaultRates"`
}

// periodSource supplies configured fee periods. *store.Store satisfies it.
type periodSource interface {
	AllFeePeriods(ctx context.Context) (map[string][]models.FeePeriod, error)
}

// Engine resolves fee schedules and computes settlements. Configured
// periods are cached with a short TTL so batch computations do not hammer
// the store.
type Engine struct {
	source periodSource
	ttl    time.Duration
	log    *logger.Log
	now    func() time.Time

	mu       sync.Mutex
	periods  map[string][]models.FeePeriod
	loadedAt time.Time
	stale    map[string]bool
}

// NewEngine builds a fee engine over the given period source.
func NewEngine(cfg *appconfig.Config, source periodSource) *Engine {
	ttl := cfg.Fees.ConfigCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Engine{
		source: source,
		ttl:    ttl,
		log:    logger.GetLogger(),
		now:    time.Now,
		stale:  make(map[string]bool),
	}
}

var _ periodSource = (*store.Store)(nil)

// Invalidate marks cached schedules stale. With no arguments the whole
// snapshot is dropped; with marketplace names, only those marketplaces
// force a reload on their next computation. Called after fee period writes.
func (e *Engine) Invalidate(marketplaces ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(marketplaces) == 0 {
		e.loadedAt = time.Time{}
		return
	}
	for _, m := range marketplaces {
		e.stale[m] = true
	}
}

func (e *Engine) loadPeriods(ctx context.Context, marketplace string) (map[string][]models.FeePeriod, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.periods != nil && !e.stale[marketplace] && e.now().Sub(e.loadedAt) < e.ttl {
		return e.periods, nil
	}

	periods, err := e.source.AllFeePeriods(ctx)
	if err != nil {
		// A stale schedule beats no schedule: keep serving the old set
		// if a refresh fails. The stale mark stays so the next call
		// retries the reload.
		if e.periods != nil {
			e.log.WithComponent("fee_engine").WithError(err).Warn("fee period refresh failed, serving cached set")
			return e.periods, nil
		}
		return nil, errors.Wrap(err, "load fee periods")
	}

	e.periods = periods
	e.loadedAt = e.now()
	e.stale = make(map[string]bool)
	return periods, nil
}

// resolveSchedule picks the schedule for a marketplace and order date:
// among configured periods containing the date, the one with the latest
// valid_from wins; otherwise the built-in default.
func (e *Engine) resolveSchedule(ctx context.Context, marketplace string, date time.Time) (FeeSchedule, bool, error) {
	periods, err := e.loadPeriods(ctx, marketplace)
	if err != nil {
		return FeeSchedule{}, false, err
	}

	var best *models.FeePeriod
	for i := range periods[marketplace] {
		p := &periods[marketplace][i]
		if !p.Contains(date) {
			continue
		}
		if best == nil || p.ValidFrom.After(best.ValidFrom) {
			best = p
		}
	}
	if best != nil {
		return FeeSchedule{
			CommissionPercent:  normalizePercent(best.CommissionPercent),
			CampaignFeePercent: normalizePercent(best.ServiceFeePercent),
			FixedFeePerProduct: best.FixedFeePerProduct,
		}, false, nil
	}

	schedule, ok := defaultSchedules[marketplace]
	if !ok {
		return FeeSchedule{}, true, errors.Errorf("no fee schedule for marketplace %q", marketplace)
	}
	return schedule, true, nil
}

// productCount counts fee-bearing products across an order's items. A kit
// line counts as one product regardless of the units inside it.
func productCount(items []models.OrderItem) int {
	count := 0
	for _, it := range items {
		if it.IsKit {
			count++
			continue
		}
		q := it.Quantity
		if q <= 0 {
			q = 1
		}
		count += q
	}
	return count
}

// ComputeSettlement prices one order. Percentage fees apply to the gross
// minus the seller-funded voucher; the commission rate switches to the
// free-shipping program rate when the order carries that flag, and the
// campaign fee only applies to campaign orders. TotalFees re-adds the
// voucher so it measures the full distance from gross to net; the
// affiliate fee stays outside it but does reduce the net.
func (e *Engine) ComputeSettlement(ctx context.Context, order *models.Order, items []models.OrderItem) (*OrderSettlement, error) {
	schedule, usedDefault, err := e.resolveSchedule(ctx, order.Marketplace, order.CreatedTime)
	if err != nil {
		return nil, err
	}

	voucher := 0.0
	if order.SellerVoucher != nil {
		voucher = *order.SellerVoucher
	}
	affiliate := 0.0
	if order.AffiliateFee != nil {
		affiliate = *order.AffiliateFee
	}

	base := order.GrossValue - voucher
	if base < 0 {
		base = 0
	}

	rate := schedule.CommissionPercent
	if order.UsesFreeShipping && schedule.FreeShippingCommissionPercent > 0 {
		rate = schedule.FreeShippingCommissionPercent
	}
	commission := round2(base * rate / 100)

	campaign := 0.0
	if order.IsCampaignOrder {
		campaign = round2(base * schedule.CampaignFeePercent / 100)
	}

	fixed := 0.0
	if order.Marketplace == "mercado_livre" {
		fixed = meliFixedFee(order.GrossValue)
	} else if schedule.FixedFeePerProduct > 0 {
		fixed = round2(schedule.FixedFeePerProduct * float64(productCount(items)))
	}

	total := round2(commission + campaign + fixed + voucher)
	net := round2(base - commission - campaign - fixed - affiliate)

	s := &OrderSettlement{
		Marketplace:  order.Marketplace,
		ExternalID:   order.ExternalID,
		GrossValue:   order.GrossValue,
		Voucher:      voucher,
		Commission:   commission,
		CampaignFee:  campaign,
		FixedFees:    fixed,
		AffiliateFee: affiliate,
		TotalFees:    total,
		NetValue:     net,
		DefaultRates: usedDefault,
	}
	if order.EscrowAmount != nil {
		delta := round2(net - *order.EscrowAmount)
		s.EscrowDelta = &delta
	}
	return s, nil
}

// ComputeBatch prices a set of orders, pairing each with its items.
// Orders that cannot be priced are skipped with a warning rather than
// failing the whole batch.
func (e *Engine) ComputeBatch(ctx context.Context, orders []models.Order, items []models.OrderItem) ([]OrderSettlement, error) {
	itemsByOrder := make(map[string][]models.OrderItem)
	for _, it := range items {
		key := it.Marketplace + "/" + it.OrderExtID
		itemsByOrder[key] = append(itemsByOrder[key], it)
	}

	out := make([]OrderSettlement, 0, len(orders))
	for i := range orders {
		o := &orders[i]
		s, err := e.ComputeSettlement(ctx, o, itemsByOrder[o.Marketplace+"/"+o.ExternalID])
		if err != nil {
			e.log.WithComponent("fee_engine").WithError(err).WithFields(logger.Fields{
				"marketplace": o.Marketplace,
				"order":       o.ExternalID,
			}).Warn("settlement skipped")
			continue
		}
		out = append(out, *s)
	}
	return out, nil
}

func round2(v float64) float64 {
	if v < 0 {
		return float64(int64(v*100-0.5)) / 100
	}
	return float64(int64(v*100+0.5)) / 100
}
