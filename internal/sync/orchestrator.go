// Package sync implements the incremental marketplace sync orchestrator:
// cursor-guarded runs that list changed orders, hydrate them in batches and
// upsert them into the local store.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	appconfig "sellerflow/config"
	"sellerflow/internal/archive"
	"sellerflow/internal/connector"
	"sellerflow/internal/store"
	"sellerflow/logger"
	"sellerflow/models"
)

// Orchestrator drives sync runs across the registered marketplace
// connectors. One run per marketplace at a time; the cursor row in the
// store is the lock.
type Orchestrator struct {
	cfg        *appconfig.Config
	store      *store.Store
	connectors map[string]connector.Connector
	archiver   *archive.Archiver
	log        *logger.Log

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator wires the orchestrator with its store and connectors.
func NewOrchestrator(cfg *appconfig.Config, st *store.Store, connectors []connector.Connector) *Orchestrator {
	byName := make(map[string]connector.Connector, len(connectors))
	for _, c := range connectors {
		byName[c.Name()] = c
	}
	return &Orchestrator{
		cfg:        cfg,
		store:      st,
		connectors: byName,
		log:        logger.GetLogger(),
	}
}

// SetArchiver attaches the optional parquet archiver. A nil archiver keeps
// archiving off.
func (o *Orchestrator) SetArchiver(a *archive.Archiver) {
	o.archiver = a
}

// Marketplaces lists the registered connector names.
func (o *Orchestrator) Marketplaces() []string {
	names := make([]string, 0, len(o.connectors))
	for name := range o.connectors {
		names = append(names, name)
	}
	return names
}

// ErrUnknownMarketplace is returned when a run is requested for a
// marketplace with no registered connector.
var ErrUnknownMarketplace = errors.New("unknown marketplace")

// lookbackDays resolves the window length for a run. A zero override uses
// the mode's default; any value is clamped to the configured maximum.
func (o *Orchestrator) lookbackDays(mode models.SyncMode, override int) int {
	days := override
	if days <= 0 {
		switch mode {
		case models.ModeFullBackfill:
			days = o.cfg.Sync.FullBackfillDays
		default:
			days = o.cfg.Sync.IncrementalDays
		}
	}
	if max := o.cfg.Sync.MaxLookbackDays; max > 0 && days > max {
		days = max
	}
	return days
}

// Run executes one sync for a marketplace. Concurrent runs on the same
// marketplace are refused with store.ErrSyncInProgress.
func (o *Orchestrator) Run(ctx context.Context, marketplace string, mode models.SyncMode, lookbackOverride int) (*models.SyncResult, error) {
	conn, ok := o.connectors[marketplace]
	if !ok {
		return nil, errors.Wrap(ErrUnknownMarketplace, marketplace)
	}

	days := o.lookbackDays(mode, lookbackOverride)
	result := &models.SyncResult{
		RunID:        uuid.NewString(),
		Marketplace:  marketplace,
		Mode:         mode,
		LookbackDays: days,
	}

	log := o.log.WithComponent("sync_orchestrator").WithFields(logger.Fields{
		"run_id":      result.RunID,
		"marketplace": marketplace,
		"mode":        string(mode),
		"lookback":    days,
	})

	if err := o.store.AcquireCursor(ctx, marketplace); err != nil {
		if errors.Is(err, store.ErrSyncInProgress) {
			log.Warn("sync refused, already running")
		}
		return nil, err
	}

	started := time.Now()
	log.Info("sync run started")

	var watermark *time.Time
	var runErr error
	switch mode {
	case models.ModeStatusOnly:
		runErr = o.runStatusOnly(ctx, conn, days, result, log)
	case models.ModeFullBackfill, models.ModeIncremental:
		watermark, runErr = o.runWindow(ctx, conn, days, result, log)
	default:
		runErr = errors.Errorf("unsupported sync mode %q", mode)
	}

	result.DurationMs = time.Since(started).Milliseconds()

	if runErr != nil {
		if err := o.store.FailCursor(ctx, marketplace, runErr.Error()); err != nil {
			log.WithError(err).Error("failed to record cursor error")
		}
		log.WithError(runErr).Error("sync run failed")
		return result, runErr
	}

	if err := o.store.CommitCursor(ctx, marketplace, watermark, int64(result.OrdersUpserted)); err != nil {
		log.WithError(err).Error("failed to commit cursor")
		return result, err
	}

	log.WithFields(logger.Fields{
		"orders":         result.OrdersUpserted,
		"items":          result.ItemsUpserted,
		"status_changes": len(result.StatusChanges),
		"failed_batches": len(result.FailedBatches()),
		"duration_ms":    result.DurationMs,
	}).Info("sync run completed")

	log.LogMetric("sync_orchestrator", "SyncOrdersUpserted", result.OrdersUpserted, "counter", logger.Fields{"marketplace": marketplace})
	log.LogMetric("sync_orchestrator", "SyncItemsUpserted", result.ItemsUpserted, "counter", logger.Fields{"marketplace": marketplace})

	return result, nil
}

// runWindow is the full/incremental path: list ids over the window, then
// hydrate and persist them in batches.
func (o *Orchestrator) runWindow(ctx context.Context, conn connector.Connector, days int, result *models.SyncResult, log *logger.Entry) (*time.Time, error) {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -days)

	ids, err := o.listWindow(ctx, conn, from, to, log)
	if err != nil {
		return nil, err
	}
	log.WithFields(logger.Fields{"order_ids": len(ids)}).Info("listing phase complete")
	if len(ids) == 0 {
		return nil, nil
	}

	var pendingOrders []models.Order
	var pendingItems []models.OrderItem
	latestWatermark := time.Time{}

	chunk := conn.DetailBatchSize()
	for start := 0; start < len(ids); start += chunk {
		end := start + chunk
		if end > len(ids) {
			end = len(ids)
		}

		batch, err := conn.FetchDetails(ctx, ids[start:end])
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// A dead chunk must not sink the run: record the gap, keep
			// hydrating the rest. Only the listing phase is fatal.
			result.Batches = append(result.Batches, models.BatchResult{
				Table: "details",
				Index: start / chunk,
				Rows:  end - start,
				Error: err.Error(),
			})
			log.WithError(err).WithFields(logger.Fields{
				"chunk": start / chunk,
				"ids":   end - start,
			}).Error("detail chunk failed, skipping")
			continue
		}
		pendingOrders = append(pendingOrders, batch.Orders...)
		pendingItems = append(pendingItems, batch.Items...)
		for _, ord := range batch.Orders {
			if ord.UpdatedTime.After(latestWatermark) {
				latestWatermark = ord.UpdatedTime
			}
		}

		if o.cfg.Sync.ChunkDelay > 0 && end < len(ids) {
			select {
			case <-time.After(o.cfg.Sync.ChunkDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	o.persist(ctx, pendingOrders, pendingItems, result, log)

	if err := o.archiver.ArchiveOrders(ctx, pendingOrders, pendingItems); err != nil {
		// Archival is best effort; the local store already has the data.
		log.WithError(err).Warn("order archive failed")
	}

	if latestWatermark.IsZero() {
		return nil, nil
	}
	return &latestWatermark, nil
}

func (o *Orchestrator) listWindow(ctx context.Context, conn connector.Connector, from, to time.Time, log *logger.Entry) ([]string, error) {
	seen := make(map[string]struct{})
	var ids []string
	cursor := ""

	for {
		page, err := conn.ListOrderIDs(ctx, from, to, cursor)
		if err != nil {
			return nil, errors.Wrap(err, "list order ids")
		}
		for _, id := range page.OrderIDs {
			// Orders updated twice inside the window surface on more
			// than one page.
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		if !page.More {
			return ids, nil
		}
		cursor = page.NextCursor

		if o.cfg.Sync.PageDelay > 0 {
			select {
			case <-time.After(o.cfg.Sync.PageDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
}

// persist writes orders and items in bounded batches, recording per-batch
// outcomes so a partially failed run still lands everything it can.
func (o *Orchestrator) persist(ctx context.Context, orders []models.Order, items []models.OrderItem, result *models.SyncResult, log *logger.Entry) {
	size := o.cfg.Sync.UpsertBatchSize
	if size <= 0 {
		size = 500
	}

	for start, idx := 0, 0; start < len(orders); start, idx = start+size, idx+1 {
		end := start + size
		if end > len(orders) {
			end = len(orders)
		}
		br := models.BatchResult{Table: "orders", Index: idx, Rows: end - start}
		if err := o.store.UpsertOrders(ctx, orders[start:end]); err != nil {
			br.Error = err.Error()
			log.WithError(err).WithFields(logger.Fields{"batch": idx}).Error("order batch failed")
		} else {
			result.OrdersUpserted += end - start
		}
		result.Batches = append(result.Batches, br)
	}

	for start, idx := 0, 0; start < len(items); start, idx = start+size, idx+1 {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		br := models.BatchResult{Table: "order_items", Index: idx, Rows: end - start}
		if err := o.store.UpsertOrderItems(ctx, items[start:end]); err != nil {
			br.Error = err.Error()
			log.WithError(err).WithFields(logger.Fields{"batch": idx}).Error("item batch failed")
		} else {
			result.ItemsUpserted += end - start
		}
		result.Batches = append(result.Batches, br)
	}
}

// runStatusOnly re-checks the live status of known orders without pulling
// full detail. Changes are sparse, so updates stay row-by-row.
func (o *Orchestrator) runStatusOnly(ctx context.Context, conn connector.Connector, days int, result *models.SyncResult, log *logger.Entry) error {
	since := time.Now().UTC().AddDate(0, 0, -days)

	known, err := o.store.KnownOrderStatuses(ctx, conn.Name(), since)
	if err != nil {
		return err
	}
	result.OrdersChecked = len(known)
	if len(known) == 0 {
		return nil
	}

	stored := make(map[string]string, len(known))
	ids := make([]string, 0, len(known))
	for _, k := range known {
		stored[k.ExternalID] = k.Status
		ids = append(ids, k.ExternalID)
	}

	live, err := conn.FetchStatuses(ctx, ids)
	if err != nil {
		return errors.Wrap(err, "fetch live statuses")
	}

	now := time.Now().UTC()
	for _, id := range ids {
		liveStatus, ok := live[id]
		if !ok || liveStatus == stored[id] {
			continue
		}
		if err := o.store.UpdateOrderStatus(ctx, conn.Name(), id, liveStatus, now); err != nil {
			log.WithError(err).WithFields(logger.Fields{"order": id}).Error("status update failed")
			continue
		}
		result.StatusChanges = append(result.StatusChanges, models.StatusChange{
			ExternalID: id,
			From:       stored[id],
			To:         liveStatus,
		})
	}

	log.WithFields(logger.Fields{
		"checked": result.OrdersChecked,
		"changed": len(result.StatusChanges),
	}).Info("status resync complete")
	return nil
}

// Start launches the background poll loop, one incremental run per
// registered marketplace every poll interval.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	o.running = true
	ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	log := o.log.WithComponent("sync_orchestrator")
	if !o.cfg.Sync.PollEnabled {
		log.Info("background polling disabled")
		return nil
	}

	interval := o.cfg.Sync.PollInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	log.WithFields(logger.Fields{"interval": interval.String()}).Info("background polling started")

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.pollOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (o *Orchestrator) pollOnce(ctx context.Context) {
	log := o.log.WithComponent("sync_orchestrator")
	for name := range o.connectors {
		if _, err := o.Run(ctx, name, models.ModeIncremental, 0); err != nil {
			if errors.Is(err, store.ErrSyncInProgress) {
				continue
			}
			log.WithError(err).WithFields(logger.Fields{
				"marketplace": name,
			}).Error("poll run failed")
		}
	}

	purged, err := o.store.PurgeExpiredCache(ctx)
	if err != nil {
		log.WithError(err).Warn("expired cache purge failed")
	} else if purged > 0 {
		log.WithFields(logger.Fields{"entries": purged}).Debug("purged expired cache entries")
	}
}

// Stop cancels the poll loop and waits for it to exit.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
	o.log.WithComponent("sync_orchestrator").Info("orchestrator stopped")
}
