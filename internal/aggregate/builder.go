// Package aggregate builds the dashboard summary for a reporting window,
// serving it from the cache when the staleness engine allows.
package aggregate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	appconfig "sellerflow/config"
	"sellerflow/internal/cache"
	"sellerflow/internal/fees"
	"sellerflow/internal/store"
	"sellerflow/logger"
	"sellerflow/models"
)

// ChannelSummary is the per-marketplace slice of a Summary.
type ChannelSummary struct {
	Orders       int     `json:"orders"`
	GrossRevenue float64 `json:"grossRevenue"`
	NetRevenue   float64 `json:"netRevenue"`
	TotalFees    float64 `json:"totalFees"`
}

// PeriodTotals carries the comparison window's headline numbers.
type PeriodTotals struct {
	Orders       int     `json:"orders"`
	GrossRevenue float64 `json:"grossRevenue"`
	NetRevenue   float64 `json:"netRevenue"`
}

// Summary is the pre-aggregated dashboard payload.
type Summary struct {
	PeriodStart  string                    `json:"periodStart"`
	PeriodEnd    string                    `json:"periodEnd"`
	Orders       int                       `json:"orders"`
	GrossRevenue float64                   `json:"grossRevenue"`
	NetRevenue   float64                   `json:"netRevenue"`
	TotalFees    float64                   `json:"totalFees"`
	ByStatus     map[string]int            `json:"byStatus"`
	ByChannel    map[string]ChannelSummary `json:"byChannel"`
	Previous     *PeriodTotals             `json:"previous,omitempty"`
}

// CacheInfo reports how the summary was obtained.
type CacheInfo struct {
	Hit        bool   `json:"hit"`
	MissReason string `json:"missReason,omitempty"`
	FilterKey  string `json:"filterKey"`
}

// Builder assembles summaries, consulting the staleness engine before
// rebuilding and writing fresh entries back to the cache.
type Builder struct {
	cfg      *appconfig.Config
	store    *store.Store
	decision *cache.Engine
	fees     *fees.Engine
	log      *logger.Log
	now      func() time.Time
}

// NewBuilder wires the builder with its collaborators.
func NewBuilder(cfg *appconfig.Config, st *store.Store, decision *cache.Engine, feeEngine *fees.Engine) *Builder {
	return &Builder{
		cfg:      cfg,
		store:    st,
		decision: decision,
		fees:     feeEngine,
		log:      logger.GetLogger(),
		now:      time.Now,
	}
}

// GetAggregate returns the summary for a window, from cache when possible.
// forceRefresh bypasses the staleness check but still records the rebuilt
// entry.
func (b *Builder) GetAggregate(ctx context.Context, current, previous models.DateRange, channels, statuses []string, forceRefresh bool) (*Summary, *CacheInfo, error) {
	decision, err := b.decision.Decide(ctx, current, previous, channels, statuses)
	if err != nil {
		return nil, nil, err
	}

	info := &CacheInfo{Hit: decision.Hit, MissReason: decision.Reason, FilterKey: decision.FilterKey}
	log := b.log.WithComponent("aggregate_builder").WithFields(logger.Fields{
		"period_start": current.Start,
		"period_end":   current.End,
		"filter_key":   decision.FilterKey,
	})

	if decision.Hit && !forceRefresh {
		var summary Summary
		if err := json.Unmarshal(decision.Entry.Payload, &summary); err == nil {
			log.Debug("summary served from cache")
			return &summary, info, nil
		}
		// Undecodable payload is as good as a miss.
		info.Hit = false
		info.MissReason = "payload_corrupt"
		log.Warn("cached payload undecodable, rebuilding")
	}
	if forceRefresh {
		info.Hit = false
		if info.MissReason == "" {
			info.MissReason = "force_refresh"
		}
	}

	rebuildStarted := b.now()
	summary, err := b.build(ctx, current, previous, channels, statuses)
	if err != nil {
		return nil, nil, err
	}
	logger.LogPerformanceEntry(log, "aggregate_builder", "rebuild_summary", time.Since(rebuildStarted), logger.Fields{
		"orders": summary.Orders,
	})

	if err := b.persist(ctx, current, previous, channels, statuses, decision, summary); err != nil {
		// The summary itself is good; a cache write failure only costs
		// the next request a rebuild.
		log.WithError(err).Warn("cache write failed")
	}

	log.LogMetric("aggregate_builder", "DashboardCacheMiss", 1, "counter", logger.Fields{
		"reason": info.MissReason,
	})
	return summary, info, nil
}

func (b *Builder) build(ctx context.Context, current, previous models.DateRange, channels, statuses []string) (*Summary, error) {
	orders, err := b.store.OrdersInRange(ctx, current.Start, current.End, channels, statuses)
	if err != nil {
		return nil, errors.Wrap(err, "load orders for summary")
	}

	summary := &Summary{
		PeriodStart: current.Start,
		PeriodEnd:   current.End,
		Orders:      len(orders),
		ByStatus:    make(map[string]int),
		ByChannel:   make(map[string]ChannelSummary),
	}

	items, err := b.loadItems(ctx, orders)
	if err != nil {
		return nil, err
	}

	settlements, err := b.fees.ComputeBatch(ctx, orders, items)
	if err != nil {
		return nil, errors.Wrap(err, "compute settlements")
	}
	settled := make(map[string]fees.OrderSettlement, len(settlements))
	for _, s := range settlements {
		settled[s.Marketplace+"/"+s.ExternalID] = s
	}

	for _, o := range orders {
		summary.GrossRevenue += o.GrossValue
		summary.ByStatus[o.Status]++

		ch := summary.ByChannel[o.Marketplace]
		ch.Orders++
		ch.GrossRevenue += o.GrossValue
		if s, ok := settled[o.Marketplace+"/"+o.ExternalID]; ok {
			summary.NetRevenue += s.NetValue
			summary.TotalFees += s.TotalFees
			ch.NetRevenue += s.NetValue
			ch.TotalFees += s.TotalFees
		}
		summary.ByChannel[o.Marketplace] = ch
	}

	if previous.Start != "" && previous.End != "" {
		prev, err := b.buildPreviousTotals(ctx, previous, channels, statuses)
		if err != nil {
			return nil, err
		}
		summary.Previous = prev
	}
	return summary, nil
}

func (b *Builder) buildPreviousTotals(ctx context.Context, previous models.DateRange, channels, statuses []string) (*PeriodTotals, error) {
	orders, err := b.store.OrdersInRange(ctx, previous.Start, previous.End, channels, statuses)
	if err != nil {
		return nil, errors.Wrap(err, "load comparison orders")
	}

	items, err := b.loadItems(ctx, orders)
	if err != nil {
		return nil, err
	}
	settlements, err := b.fees.ComputeBatch(ctx, orders, items)
	if err != nil {
		return nil, errors.Wrap(err, "compute comparison settlements")
	}

	totals := &PeriodTotals{Orders: len(orders)}
	for _, o := range orders {
		totals.GrossRevenue += o.GrossValue
	}
	for _, s := range settlements {
		totals.NetRevenue += s.NetValue
	}
	return totals, nil
}

func (b *Builder) loadItems(ctx context.Context, orders []models.Order) ([]models.OrderItem, error) {
	idsByMarketplace := make(map[string][]string)
	for _, o := range orders {
		idsByMarketplace[o.Marketplace] = append(idsByMarketplace[o.Marketplace], o.ExternalID)
	}

	var items []models.OrderItem
	for marketplace, ids := range idsByMarketplace {
		batch, err := b.store.ItemsForOrders(ctx, marketplace, ids)
		if err != nil {
			return nil, errors.Wrap(err, "load items for summary")
		}
		items = append(items, batch...)
	}
	return items, nil
}

func (b *Builder) persist(ctx context.Context, current, previous models.DateRange, channels, statuses []string, decision *cache.Decision, summary *Summary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return errors.Wrap(err, "encode summary")
	}

	watermark := decision.SourceWatermark
	if watermark == nil {
		if watermark, err = b.decision.SourceWatermark(ctx, current, previous, channels, statuses); err != nil {
			return errors.Wrap(err, "compute entry watermark")
		}
	}

	entry := &models.CacheEntry{
		PeriodStart:        current.Start,
		PeriodEnd:          current.End,
		FilterKey:          decision.FilterKey,
		Payload:            payload,
		SourceMaxUpdatedAt: watermark,
		BuiltAt:            b.now().UTC(),
	}
	if ttl := b.cfg.Cache.DefaultExpiry; ttl > 0 {
		expires := b.now().UTC().Add(ttl)
		entry.ExpiresAt = &expires
	}
	return b.store.UpsertCacheEntry(ctx, entry)
}
