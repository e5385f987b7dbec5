package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"sellerflow/models"
)

const upsertOrdersQuery = `
INSERT INTO orders (
	marketplace, external_id, status, created_time, updated_time,
	currency, gross_value, shipping_carrier, recipient_name,
	recipient_city, recipient_state, uses_free_shipping, is_campaign_order,
	escrow_amount, seller_voucher, affiliate_fee, raw_payload
) VALUES (
	:marketplace, :external_id, :status, :created_time, :updated_time,
	:currency, :gross_value, :shipping_carrier, :recipient_name,
	:recipient_city, :recipient_state, :uses_free_shipping, :is_campaign_order,
	:escrow_amount, :seller_voucher, :affiliate_fee, :raw_payload
)
ON CONFLICT(marketplace, external_id) DO UPDATE SET
	status = excluded.status,
	updated_time = excluded.updated_time,
	currency = excluded.currency,
	gross_value = excluded.gross_value,
	shipping_carrier = excluded.shipping_carrier,
	recipient_name = excluded.recipient_name,
	recipient_city = excluded.recipient_city,
	recipient_state = excluded.recipient_state,
	uses_free_shipping = excluded.uses_free_shipping,
	is_campaign_order = excluded.is_campaign_order,
	escrow_amount = COALESCE(excluded.escrow_amount, orders.escrow_amount),
	seller_voucher = COALESCE(excluded.seller_voucher, orders.seller_voucher),
	affiliate_fee = COALESCE(excluded.affiliate_fee, orders.affiliate_fee),
	raw_payload = COALESCE(excluded.raw_payload, orders.raw_payload)`

// UpsertOrders writes one batch of orders keyed on (marketplace,
// external_id). Settlement fields and payloads already enriched on an
// existing row are preserved when the incoming row carries none, so a lite
// listing pass never downgrades a detailed one.
func (s *Store) UpsertOrders(ctx context.Context, orders []models.Order) error {
	if len(orders) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin order upsert")
	}
	defer tx.Rollback()

	for _, o := range orders {
		if _, err := tx.NamedExecContext(ctx, upsertOrdersQuery, o); err != nil {
			return errors.Wrapf(err, "upsert order %s/%s", o.Marketplace, o.ExternalID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit order upsert")
}

const upsertItemsQuery = `
INSERT INTO order_items (
	marketplace, order_external_id, item_id, variant_id, name, sku,
	quantity, original_price, discounted_price, is_kit, is_wholesale
) VALUES (
	:marketplace, :order_external_id, :item_id, :variant_id, :name, :sku,
	:quantity, :original_price, :discounted_price, :is_kit, :is_wholesale
)
ON CONFLICT(marketplace, order_external_id, item_id, variant_id) DO UPDATE SET
	name = excluded.name,
	sku = excluded.sku,
	quantity = excluded.quantity,
	original_price = excluded.original_price,
	discounted_price = excluded.discounted_price,
	is_kit = excluded.is_kit,
	is_wholesale = excluded.is_wholesale`

// UpsertOrderItems writes one batch of order items. Items no longer reported
// by the platform are left in place (additive-only model).
func (s *Store) UpsertOrderItems(ctx context.Context, items []models.OrderItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin item upsert")
	}
	defer tx.Rollback()

	for _, it := range items {
		if _, err := tx.NamedExecContext(ctx, upsertItemsQuery, it); err != nil {
			return errors.Wrapf(err, "upsert item %s/%s/%s", it.Marketplace, it.OrderExtID, it.ItemID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit item upsert")
}

// GetOrder returns a single order or nil when absent.
func (s *Store) GetOrder(ctx context.Context, marketplace, externalID string) (*models.Order, error) {
	var o models.Order
	err := s.db.GetContext(ctx, &o,
		`SELECT * FROM orders WHERE marketplace = ? AND external_id = ?`,
		marketplace, externalID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	return &o, nil
}

// OrderStatus pairs an external id with its stored lifecycle status, the
// working set of a status-only resync.
type OrderStatus struct {
	ExternalID string `db:"external_id"`
	Status     string `db:"status"`
}

// KnownOrderStatuses lists stored (external id, status) pairs for orders
// created after the cutoff.
func (s *Store) KnownOrderStatuses(ctx context.Context, marketplace string, since time.Time) ([]OrderStatus, error) {
	var out []OrderStatus
	err := s.db.SelectContext(ctx, &out,
		`SELECT external_id, status FROM orders
		 WHERE marketplace = ? AND created_time >= ?
		 ORDER BY created_time DESC`,
		marketplace, since)
	if err != nil {
		return nil, errors.Wrap(err, "list known order statuses")
	}
	return out, nil
}

// UpdateOrderStatus overwrites the lifecycle status of one order. Used by
// status-only runs where changes are sparse, so writes stay individual.
func (s *Store) UpdateOrderStatus(ctx context.Context, marketplace, externalID, status string, updatedTime time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_time = ? WHERE marketplace = ? AND external_id = ?`,
		status, updatedTime, marketplace, externalID)
	return errors.Wrap(err, "update order status")
}

// OrdersInRange returns orders whose creation date falls inside the
// inclusive [start, end] date window, optionally filtered by marketplace
// channels and status codes.
func (s *Store) OrdersInRange(ctx context.Context, start, end string, channels, statuses []string) ([]models.Order, error) {
	query := `SELECT * FROM orders WHERE date(created_time) >= date(?) AND date(created_time) <= date(?)`
	args := []interface{}{start, end}

	if len(channels) > 0 {
		q, in, err := sqlx.In(` AND marketplace IN (?)`, channels)
		if err != nil {
			return nil, errors.Wrap(err, "expand channel filter")
		}
		query += q
		args = append(args, in...)
	}
	if len(statuses) > 0 {
		q, in, err := sqlx.In(` AND status IN (?)`, statuses)
		if err != nil {
			return nil, errors.Wrap(err, "expand status filter")
		}
		query += q
		args = append(args, in...)
	}
	query += ` ORDER BY created_time`

	var out []models.Order
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "select orders in range")
	}
	return out, nil
}

// ItemsForOrders returns all items belonging to the given orders.
func (s *Store) ItemsForOrders(ctx context.Context, marketplace string, orderIDs []string) ([]models.OrderItem, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT * FROM order_items WHERE marketplace = ? AND order_external_id IN (?)`,
		marketplace, orderIDs)
	if err != nil {
		return nil, errors.Wrap(err, "expand order id filter")
	}
	var out []models.OrderItem
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "select items for orders")
	}
	return out, nil
}

// MaxUpdatedAt computes the watermark for a date window: the maximum
// updated_time among matching source rows, in its stored serialized form.
// Returns nil when no rows match.
func (s *Store) MaxUpdatedAt(ctx context.Context, start, end string, channels, statuses []string) (*string, error) {
	query := `SELECT MAX(updated_time) FROM orders WHERE date(created_time) >= date(?) AND date(created_time) <= date(?)`
	args := []interface{}{start, end}

	if len(channels) > 0 {
		q, in, err := sqlx.In(` AND marketplace IN (?)`, channels)
		if err != nil {
			return nil, errors.Wrap(err, "expand channel filter")
		}
		query += q
		args = append(args, in...)
	}
	if len(statuses) > 0 {
		q, in, err := sqlx.In(` AND status IN (?)`, statuses)
		if err != nil {
			return nil, errors.Wrap(err, "expand status filter")
		}
		query += q
		args = append(args, in...)
	}

	var max sql.NullString
	if err := s.db.GetContext(ctx, &max, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "select max updated_time")
	}
	if !max.Valid {
		return nil, nil
	}
	return &max.String, nil
}

// CountOrders reports the total stored orders for a marketplace.
func (s *Store) CountOrders(ctx context.Context, marketplace string) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM orders WHERE marketplace = ?`, marketplace)
	return n, errors.Wrap(err, "count orders")
}
