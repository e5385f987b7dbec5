// Package connector defines the marketplace-facing side of the sync
// pipeline. Each marketplace ships its own client under a subpackage; the
// orchestrator only sees this interface.
package connector

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"sellerflow/models"
)

// ErrNotConfigured is returned by a connector constructor when the
// marketplace lacks credentials or is disabled. The orchestrator treats it
// as "skip this marketplace", not as a failure.
var ErrNotConfigured = errors.New("marketplace connector not configured")

// IDPage is one page of the listing phase: order identifiers updated inside
// the requested window, plus the token needed to continue.
type IDPage struct {
	OrderIDs   []string
	NextCursor string
	More       bool
}

// DetailBatch is the result of one detail fetch: fully hydrated orders with
// their items.
type DetailBatch struct {
	Orders []models.Order
	Items  []models.OrderItem
}

// Connector is a read-only client for one marketplace's seller API.
//
// ListOrderIDs pages through identifiers updated in [from, to]; an empty
// cursor starts the listing. FetchDetails hydrates up to the platform's
// per-call batch limit of identifiers. FetchStatuses returns the current
// lifecycle status per identifier and is the cheap path used by
// status-only runs.
type Connector interface {
	Name() string
	ListOrderIDs(ctx context.Context, from, to time.Time, cursor string) (*IDPage, error)
	FetchDetails(ctx context.Context, orderIDs []string) (*DetailBatch, error)
	FetchStatuses(ctx context.Context, orderIDs []string) (map[string]string, error)
	DetailBatchSize() int
}
