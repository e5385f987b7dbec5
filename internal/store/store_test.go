package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sellerflow/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testOrder(marketplace, externalID, status string, created, updated time.Time, gross float64) models.Order {
	return models.Order{
		Marketplace: marketplace,
		ExternalID:  externalID,
		Status:      status,
		CreatedTime: created,
		UpdatedTime: updated,
		Currency:    "BRL",
		GrossValue:  gross,
	}
}

func TestUpsertOrdersInsertAndUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	o := testOrder("shopee", "SN-100", "UNPAID", created, created, 150.0)
	require.NoError(t, s.UpsertOrders(ctx, []models.Order{o}))

	got, err := s.GetOrder(ctx, "shopee", "SN-100")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "UNPAID", got.Status)
	assert.Equal(t, 150.0, got.GrossValue)
	firstID := got.ID

	// Same key again: row is updated in place, not duplicated.
	o.Status = "SHIPPED"
	o.UpdatedTime = created.Add(2 * time.Hour)
	o.UsesFreeShipping = true
	o.IsCampaignOrder = true
	require.NoError(t, s.UpsertOrders(ctx, []models.Order{o}))

	got, err = s.GetOrder(ctx, "shopee", "SN-100")
	require.NoError(t, err)
	assert.Equal(t, firstID, got.ID)
	assert.Equal(t, "SHIPPED", got.Status)
	assert.True(t, got.UsesFreeShipping)
	assert.True(t, got.IsCampaignOrder)

	n, err := s.CountOrders(ctx, "shopee")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUpsertOrdersPreservesEnrichedFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	escrow := 132.5
	enriched := testOrder("shopee", "SN-200", "COMPLETED", created, created, 150.0)
	enriched.EscrowAmount = &escrow
	enriched.RawPayload = json.RawMessage(`{"order_sn":"SN-200"}`)
	require.NoError(t, s.UpsertOrders(ctx, []models.Order{enriched}))

	// A later listing pass without settlement detail must not wipe the
	// escrow figure or the stored payload.
	lite := testOrder("shopee", "SN-200", "COMPLETED", created, created.Add(time.Hour), 150.0)
	require.NoError(t, s.UpsertOrders(ctx, []models.Order{lite}))

	got, err := s.GetOrder(ctx, "shopee", "SN-200")
	require.NoError(t, err)
	require.NotNil(t, got.EscrowAmount)
	assert.Equal(t, 132.5, *got.EscrowAmount)
	assert.JSONEq(t, `{"order_sn":"SN-200"}`, string(got.RawPayload))
}

func TestUpsertOrderItemsKeyedOnVariant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	items := []models.OrderItem{
		{Marketplace: "shopee", OrderExtID: "SN-300", ItemID: "I1", VariantID: "V1", Name: "Blue", Quantity: 1, DiscountedPrice: 10},
		{Marketplace: "shopee", OrderExtID: "SN-300", ItemID: "I1", VariantID: "V2", Name: "Red", Quantity: 2, DiscountedPrice: 10},
	}
	require.NoError(t, s.UpsertOrderItems(ctx, items))

	// Re-upserting one variant updates it without touching its sibling.
	items[0].Quantity = 3
	require.NoError(t, s.UpsertOrderItems(ctx, items[:1]))

	got, err := s.ItemsForOrders(ctx, "shopee", []string{"SN-300"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	byVariant := map[string]models.OrderItem{}
	for _, it := range got {
		byVariant[it.VariantID] = it
	}
	assert.Equal(t, 3, byVariant["V1"].Quantity)
	assert.Equal(t, 2, byVariant["V2"].Quantity)
}

func TestOrdersInRangeFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	day := func(d int) time.Time { return time.Date(2026, 8, d, 10, 0, 0, 0, time.UTC) }
	require.NoError(t, s.UpsertOrders(ctx, []models.Order{
		testOrder("shopee", "A", "COMPLETED", day(1), day(1), 10),
		testOrder("shopee", "B", "CANCELLED", day(2), day(2), 20),
		testOrder("magalu", "C", "COMPLETED", day(2), day(2), 30),
		testOrder("shopee", "D", "COMPLETED", day(9), day(9), 40),
	}))

	got, err := s.OrdersInRange(ctx, "2026-08-01", "2026-08-05", nil, nil)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = s.OrdersInRange(ctx, "2026-08-01", "2026-08-05", []string{"shopee"}, []string{"COMPLETED"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].ExternalID)
}

func TestMaxUpdatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wm, err := s.MaxUpdatedAt(ctx, "2026-08-01", "2026-08-31", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, wm, "empty window has no watermark")

	day := func(d, h int) time.Time { return time.Date(2026, 8, d, h, 0, 0, 0, time.UTC) }
	require.NoError(t, s.UpsertOrders(ctx, []models.Order{
		testOrder("shopee", "A", "COMPLETED", day(1, 10), day(3, 9), 10),
		testOrder("shopee", "B", "COMPLETED", day(2, 10), day(5, 18), 20),
	}))

	wm, err = s.MaxUpdatedAt(ctx, "2026-08-01", "2026-08-31", nil, nil)
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.Contains(t, *wm, "2026-08-05")
}

func TestStatusOnlyReadAndUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	day := func(d int) time.Time { return time.Date(2026, 8, d, 10, 0, 0, 0, time.UTC) }
	require.NoError(t, s.UpsertOrders(ctx, []models.Order{
		testOrder("shopee", "A", "UNPAID", day(10), day(10), 10),
		testOrder("shopee", "B", "SHIPPED", day(20), day(20), 20),
	}))

	known, err := s.KnownOrderStatuses(ctx, "shopee", day(15))
	require.NoError(t, err)
	require.Len(t, known, 1)
	assert.Equal(t, "B", known[0].ExternalID)

	require.NoError(t, s.UpdateOrderStatus(ctx, "shopee", "B", "COMPLETED", day(25)))
	got, err := s.GetOrder(ctx, "shopee", "B")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", got.Status)
}

func TestCursorSingleFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.GetCursor(ctx, "shopee")
	require.NoError(t, err)
	assert.Nil(t, c, "no cursor before first sync")

	require.NoError(t, s.AcquireCursor(ctx, "shopee"))

	// Second acquire while running is refused.
	err = s.AcquireCursor(ctx, "shopee")
	assert.True(t, errors.Is(err, ErrSyncInProgress))

	wm := time.Date(2026, 8, 28, 15, 0, 0, 0, time.UTC)
	require.NoError(t, s.CommitCursor(ctx, "shopee", &wm, 42))

	c, err = s.GetCursor(ctx, "shopee")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, models.CursorIdle, c.Status)
	assert.Equal(t, int64(42), c.TotalSynced)
	require.NotNil(t, c.LastWatermark)
	assert.True(t, c.LastWatermark.Equal(wm))

	// Reacquirable after commit; a failure records the message but keeps
	// the cursor acquirable too.
	require.NoError(t, s.AcquireCursor(ctx, "shopee"))
	require.NoError(t, s.FailCursor(ctx, "shopee", "boom"))
	c, err = s.GetCursor(ctx, "shopee")
	require.NoError(t, err)
	assert.Equal(t, models.CursorError, c.Status)
	require.NotNil(t, c.ErrorMessage)
	assert.Equal(t, "boom", *c.ErrorMessage)
	require.NoError(t, s.AcquireCursor(ctx, "shopee"))
}

func TestCommitCursorKeepsWatermarkWhenNil(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AcquireCursor(ctx, "magalu"))
	wm := time.Date(2026, 8, 20, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.CommitCursor(ctx, "magalu", &wm, 10))

	require.NoError(t, s.AcquireCursor(ctx, "magalu"))
	require.NoError(t, s.CommitCursor(ctx, "magalu", nil, 0))

	c, err := s.GetCursor(ctx, "magalu")
	require.NoError(t, err)
	require.NotNil(t, c.LastWatermark)
	assert.True(t, c.LastWatermark.Equal(wm))
}

func TestInsertFeePeriodRejectsOverlap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mar := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.InsertFeePeriod(ctx, &models.FeePeriod{
		Marketplace: "shopee", ValidFrom: mar, ValidTo: &jun,
		CommissionPercent: 20, ServiceFeePercent: 2, FixedFeePerProduct: 4,
	})
	require.NoError(t, err)

	// Intersecting window on the same marketplace is refused.
	_, err = s.InsertFeePeriod(ctx, &models.FeePeriod{
		Marketplace: "shopee", ValidFrom: jun.AddDate(0, -1, 0),
		CommissionPercent: 22,
	})
	assert.True(t, errors.Is(err, ErrFeePeriodOverlap))

	// Adjacent window starting exactly at the previous ValidTo is fine:
	// the interval is half-open.
	_, err = s.InsertFeePeriod(ctx, &models.FeePeriod{
		Marketplace: "shopee", ValidFrom: jun, CommissionPercent: 22,
	})
	require.NoError(t, err)

	// Other marketplaces are independent.
	_, err = s.InsertFeePeriod(ctx, &models.FeePeriod{
		Marketplace: "magalu", ValidFrom: mar, CommissionPercent: 16,
	})
	require.NoError(t, err)

	grouped, err := s.AllFeePeriods(ctx)
	require.NoError(t, err)
	assert.Len(t, grouped["shopee"], 2)
	assert.Len(t, grouped["magalu"], 1)
}

func TestCacheEntryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetCacheEntry(ctx, "2026-08-01", "2026-08-31", "all|all")
	require.NoError(t, err)
	assert.Nil(t, got)

	wm := "2026-08-28T15:04:05Z"
	entry := &models.CacheEntry{
		PeriodStart:        "2026-08-01",
		PeriodEnd:          "2026-08-31",
		FilterKey:          "all|all",
		Payload:            json.RawMessage(`{"orders":12}`),
		SourceMaxUpdatedAt: &wm,
		BuiltAt:            time.Now().UTC(),
	}
	require.NoError(t, s.UpsertCacheEntry(ctx, entry))

	got, err = s.GetCacheEntry(ctx, "2026-08-01", "2026-08-31", "all|all")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, `{"orders":12}`, string(got.Payload))
	require.NotNil(t, got.SourceMaxUpdatedAt)
	assert.Equal(t, wm, *got.SourceMaxUpdatedAt)

	// Overwrite via the same key.
	entry.Payload = json.RawMessage(`{"orders":13}`)
	require.NoError(t, s.UpsertCacheEntry(ctx, entry))
	got, err = s.GetCacheEntry(ctx, "2026-08-01", "2026-08-31", "all|all")
	require.NoError(t, err)
	assert.JSONEq(t, `{"orders":13}`, string(got.Payload))
}

func TestPurgeExpiredCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	for key, exp := range map[string]*time.Time{"stale": &past, "fresh": &future, "pinned": nil} {
		require.NoError(t, s.UpsertCacheEntry(ctx, &models.CacheEntry{
			PeriodStart: "2026-08-01", PeriodEnd: "2026-08-31", FilterKey: key,
			Payload: json.RawMessage(`{}`), BuiltAt: time.Now().UTC(), ExpiresAt: exp,
		}))
	}

	n, err := s.PurgeExpiredCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetCacheEntry(ctx, "2026-08-01", "2026-08-31", "pinned")
	require.NoError(t, err)
	assert.NotNil(t, got, "entries without expiry are never purged")
}
