package sync

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "sellerflow/config"
	"sellerflow/internal/connector"
	"sellerflow/internal/store"
	"sellerflow/models"
)

// fakeConnector serves scripted pages and details, recording what the
// orchestrator asked for.
type fakeConnector struct {
	name       string
	pages      []connector.IDPage
	details    map[string]models.Order
	items      map[string][]models.OrderItem
	statuses   map[string]string
	batchSize  int
	listCalls  int
	detailReqs [][]string
	listErr    error
	detailErr  error
	poisonedID string // any detail call containing this id fails
}

func (f *fakeConnector) Name() string { return f.name }

func (f *fakeConnector) DetailBatchSize() int {
	if f.batchSize > 0 {
		return f.batchSize
	}
	return 50
}

func (f *fakeConnector) ListOrderIDs(ctx context.Context, from, to time.Time, cursor string) (*connector.IDPage, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	idx := f.listCalls
	f.listCalls++
	if idx >= len(f.pages) {
		return &connector.IDPage{}, nil
	}
	return &f.pages[idx], nil
}

func (f *fakeConnector) FetchDetails(ctx context.Context, orderIDs []string) (*connector.DetailBatch, error) {
	f.detailReqs = append(f.detailReqs, orderIDs)
	if f.detailErr != nil {
		return nil, f.detailErr
	}
	for _, id := range orderIDs {
		if id == f.poisonedID && id != "" {
			return nil, errors.New("detail fetch failed")
		}
	}
	batch := &connector.DetailBatch{}
	for _, id := range orderIDs {
		if o, ok := f.details[id]; ok {
			batch.Orders = append(batch.Orders, o)
			batch.Items = append(batch.Items, f.items[id]...)
		}
	}
	return batch, nil
}

func (f *fakeConnector) FetchStatuses(ctx context.Context, orderIDs []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, id := range orderIDs {
		if s, ok := f.statuses[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func testCfg() *appconfig.Config {
	return &appconfig.Config{
		Sync: appconfig.SyncConfig{
			FullBackfillDays: 90,
			IncrementalDays:  3,
			MaxLookbackDays:  180,
			UpsertBatchSize:  500,
		},
	}
}

func fakeOrder(marketplace, id, status string, updated time.Time) models.Order {
	return models.Order{
		Marketplace: marketplace,
		ExternalID:  id,
		Status:      status,
		CreatedTime: updated.Add(-time.Hour),
		UpdatedTime: updated,
		Currency:    "BRL",
		GrossValue:  100,
	}
}

func newOrchestrator(t *testing.T, conn connector.Connector) (*Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewOrchestrator(testCfg(), st, []connector.Connector{conn}), st
}

func TestRunIncrementalListsHydratesAndCommits(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	conn := &fakeConnector{
		name:      "shopee",
		batchSize: 2,
		pages: []connector.IDPage{
			{OrderIDs: []string{"A", "B"}, More: true, NextCursor: "c1"},
			{OrderIDs: []string{"B", "C"}}, // B repeats across pages
		},
		details: map[string]models.Order{
			"A": fakeOrder("shopee", "A", "UNPAID", now.Add(-2*time.Hour)),
			"B": fakeOrder("shopee", "B", "SHIPPED", now),
			"C": fakeOrder("shopee", "C", "COMPLETED", now.Add(-time.Hour)),
		},
		items: map[string][]models.OrderItem{
			"A": {{Marketplace: "shopee", OrderExtID: "A", ItemID: "i1", Quantity: 1}},
		},
	}
	o, st := newOrchestrator(t, conn)

	res, err := o.Run(context.Background(), "shopee", models.ModeIncremental, 0)
	require.NoError(t, err)

	assert.Equal(t, 3, res.OrdersUpserted, "duplicate id across pages fetched once")
	assert.Equal(t, 1, res.ItemsUpserted)
	assert.Equal(t, 3, res.LookbackDays)
	assert.Empty(t, res.FailedBatches())
	assert.NotEmpty(t, res.RunID)

	// Batch cap of 2 splits the three ids into two detail calls.
	require.Len(t, conn.detailReqs, 2)
	assert.Len(t, conn.detailReqs[0], 2)
	assert.Len(t, conn.detailReqs[1], 1)

	cur, err := st.GetCursor(context.Background(), "shopee")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, models.CursorIdle, cur.Status)
	assert.Equal(t, int64(3), cur.TotalSynced)
	require.NotNil(t, cur.LastWatermark, "watermark is the max updated time")
	assert.True(t, cur.LastWatermark.Equal(now))

	got, err := st.GetOrder(context.Background(), "shopee", "B")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "SHIPPED", got.Status)
}

func TestRunUnknownMarketplace(t *testing.T) {
	o, _ := newOrchestrator(t, &fakeConnector{name: "shopee"})
	_, err := o.Run(context.Background(), "amazon", models.ModeIncremental, 0)
	assert.True(t, errors.Is(err, ErrUnknownMarketplace))
}

func TestRunFailureRecordsCursorError(t *testing.T) {
	conn := &fakeConnector{name: "shopee", listErr: errors.New("api down")}
	o, st := newOrchestrator(t, conn)

	_, err := o.Run(context.Background(), "shopee", models.ModeIncremental, 0)
	require.Error(t, err)

	cur, err := st.GetCursor(context.Background(), "shopee")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, models.CursorError, cur.Status)
	require.NotNil(t, cur.ErrorMessage)
	assert.Contains(t, *cur.ErrorMessage, "api down")

	// A failed run leaves the cursor acquirable for the next attempt.
	conn.listErr = nil
	_, err = o.Run(context.Background(), "shopee", models.ModeIncremental, 0)
	require.NoError(t, err)
}

func TestRunLookbackClamping(t *testing.T) {
	conn := &fakeConnector{name: "shopee"}
	o, _ := newOrchestrator(t, conn)

	res, err := o.Run(context.Background(), "shopee", models.ModeFullBackfill, 0)
	require.NoError(t, err)
	assert.Equal(t, 90, res.LookbackDays)

	res, err = o.Run(context.Background(), "shopee", models.ModeFullBackfill, 400)
	require.NoError(t, err)
	assert.Equal(t, 180, res.LookbackDays, "override clamped to max")
}

func TestRunStatusOnly(t *testing.T) {
	now := time.Now().UTC()
	conn := &fakeConnector{
		name: "shopee",
		statuses: map[string]string{
			"A": "COMPLETED", // changed
			"B": "SHIPPED",   // unchanged
			// C missing from live response: left untouched
		},
	}
	o, st := newOrchestrator(t, conn)
	ctx := context.Background()

	require.NoError(t, st.UpsertOrders(ctx, []models.Order{
		fakeOrder("shopee", "A", "SHIPPED", now.Add(-time.Hour)),
		fakeOrder("shopee", "B", "SHIPPED", now.Add(-time.Hour)),
		fakeOrder("shopee", "C", "UNPAID", now.Add(-time.Hour)),
	}))

	res, err := o.Run(ctx, "shopee", models.ModeStatusOnly, 0)
	require.NoError(t, err)

	assert.Equal(t, 3, res.OrdersChecked)
	require.Len(t, res.StatusChanges, 1)
	assert.Equal(t, models.StatusChange{ExternalID: "A", From: "SHIPPED", To: "COMPLETED"}, res.StatusChanges[0])

	got, err := st.GetOrder(ctx, "shopee", "A")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", got.Status)
	got, err = st.GetOrder(ctx, "shopee", "C")
	require.NoError(t, err)
	assert.Equal(t, "UNPAID", got.Status)
}

func TestRunDetailChunkFailureSkipsAndContinues(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	conn := &fakeConnector{
		name:       "shopee",
		batchSize:  1,
		poisonedID: "A",
		pages:      []connector.IDPage{{OrderIDs: []string{"A", "B"}}},
		details: map[string]models.Order{
			"A": fakeOrder("shopee", "A", "UNPAID", now.Add(-time.Hour)),
			"B": fakeOrder("shopee", "B", "SHIPPED", now),
		},
	}
	o, st := newOrchestrator(t, conn)
	ctx := context.Background()

	res, err := o.Run(ctx, "shopee", models.ModeIncremental, 0)
	require.NoError(t, err, "a failed detail chunk degrades to a skip, not an aborted run")

	assert.Equal(t, 1, res.OrdersUpserted, "the healthy chunk still lands")
	require.Len(t, res.FailedBatches(), 1)
	assert.Equal(t, "details", res.FailedBatches()[0].Table)
	assert.Contains(t, res.FailedBatches()[0].Error, "detail fetch failed")

	got, err := st.GetOrder(ctx, "shopee", "B")
	require.NoError(t, err)
	require.NotNil(t, got)
	got, err = st.GetOrder(ctx, "shopee", "A")
	require.NoError(t, err)
	assert.Nil(t, got, "the skipped chunk's orders stay absent until a later run")

	cur, err := st.GetCursor(ctx, "shopee")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, models.CursorIdle, cur.Status, "the run still commits")
}

func TestRunRepeatedWindowIsIdempotent(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	conn := &fakeConnector{
		name:  "shopee",
		pages: []connector.IDPage{{OrderIDs: []string{"A", "B"}}},
		details: map[string]models.Order{
			"A": fakeOrder("shopee", "A", "SHIPPED", now.Add(-time.Hour)),
			"B": fakeOrder("shopee", "B", "COMPLETED", now),
		},
		items: map[string][]models.OrderItem{
			"A": {{Marketplace: "shopee", OrderExtID: "A", ItemID: "i1", Quantity: 1}},
		},
	}
	o, st := newOrchestrator(t, conn)
	ctx := context.Background()

	first, err := o.Run(ctx, "shopee", models.ModeIncremental, 0)
	require.NoError(t, err)
	require.Equal(t, 2, first.OrdersUpserted)

	conn.listCalls = 0
	second, err := o.Run(ctx, "shopee", models.ModeIncremental, 0)
	require.NoError(t, err)

	assert.Equal(t, first.OrdersUpserted, second.OrdersUpserted, "re-running an unchanged window re-upserts the same rows")
	assert.Equal(t, first.ItemsUpserted, second.ItemsUpserted)

	count, err := st.CountOrders(ctx, "shopee")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count, "upserts never duplicate rows")

	cur, err := st.GetCursor(ctx, "shopee")
	require.NoError(t, err)
	require.NotNil(t, cur.LastWatermark)
	assert.True(t, cur.LastWatermark.Equal(now))
}

func TestRunEmptyWindowKeepsWatermark(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	conn := &fakeConnector{
		name:  "shopee",
		pages: []connector.IDPage{{OrderIDs: []string{"A"}}},
		details: map[string]models.Order{
			"A": fakeOrder("shopee", "A", "COMPLETED", now),
		},
	}
	o, st := newOrchestrator(t, conn)
	ctx := context.Background()

	_, err := o.Run(ctx, "shopee", models.ModeIncremental, 0)
	require.NoError(t, err)

	// Second run sees nothing new; the stored watermark survives.
	conn.pages = nil
	conn.listCalls = 0
	_, err = o.Run(ctx, "shopee", models.ModeIncremental, 0)
	require.NoError(t, err)

	cur, err := st.GetCursor(ctx, "shopee")
	require.NoError(t, err)
	require.NotNil(t, cur.LastWatermark)
	assert.True(t, cur.LastWatermark.Equal(now))
}
