package store

import (
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"sellerflow/logger"
)

// Store is the local SQLite persistence layer shared by the sync
// orchestrator, the fee engine and the dashboard cache. The schema is
// applied on open so a fresh database file is immediately usable.
type Store struct {
	db  *sqlx.DB
	log *logger.Log
}

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	marketplace TEXT NOT NULL,
	external_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_time TIMESTAMP NOT NULL,
	updated_time TIMESTAMP NOT NULL,
	currency TEXT NOT NULL DEFAULT 'BRL',
	gross_value REAL NOT NULL DEFAULT 0,
	shipping_carrier TEXT NOT NULL DEFAULT '',
	recipient_name TEXT NOT NULL DEFAULT '',
	recipient_city TEXT NOT NULL DEFAULT '',
	recipient_state TEXT NOT NULL DEFAULT '',
	uses_free_shipping INTEGER NOT NULL DEFAULT 0,
	is_campaign_order INTEGER NOT NULL DEFAULT 0,
	escrow_amount REAL,
	seller_voucher REAL,
	affiliate_fee REAL,
	raw_payload BLOB,
	UNIQUE(marketplace, external_id)
);
CREATE INDEX IF NOT EXISTS idx_orders_created_time ON orders(created_time);
CREATE INDEX IF NOT EXISTS idx_orders_updated_time ON orders(updated_time);

CREATE TABLE IF NOT EXISTS order_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	marketplace TEXT NOT NULL,
	order_external_id TEXT NOT NULL,
	item_id TEXT NOT NULL,
	variant_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	sku TEXT NOT NULL DEFAULT '',
	quantity INTEGER NOT NULL DEFAULT 1,
	original_price REAL NOT NULL DEFAULT 0,
	discounted_price REAL NOT NULL DEFAULT 0,
	is_kit INTEGER NOT NULL DEFAULT 0,
	is_wholesale INTEGER NOT NULL DEFAULT 0,
	UNIQUE(marketplace, order_external_id, item_id, variant_id)
);

CREATE TABLE IF NOT EXISTS sync_cursors (
	marketplace TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'idle',
	last_sync_at TIMESTAMP,
	last_watermark TIMESTAMP,
	total_synced INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS fee_periods (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	marketplace TEXT NOT NULL,
	valid_from TIMESTAMP NOT NULL,
	valid_to TIMESTAMP,
	commission_percent REAL NOT NULL DEFAULT 0,
	service_fee_percent REAL NOT NULL DEFAULT 0,
	fixed_fee_per_product REAL NOT NULL DEFAULT 0,
	notes TEXT
);
CREATE INDEX IF NOT EXISTS idx_fee_periods_marketplace ON fee_periods(marketplace, valid_from);

CREATE TABLE IF NOT EXISTS dashboard_cache (
	period_start TEXT NOT NULL,
	period_end TEXT NOT NULL,
	filter_key TEXT NOT NULL,
	payload BLOB NOT NULL,
	source_max_updated_at TEXT,
	built_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP,
	PRIMARY KEY(period_start, period_end, filter_key)
);
`

// Open opens (creating if necessary) the SQLite database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	}

	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}

	s := &Store{db: db, log: logger.GetLogger()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	s.log.WithComponent("store").WithFields(logger.Fields{"path": path}).Info("sqlite store opened")
	return s, nil
}

// OpenInMemory opens a throwaway in-memory database, used by tests.
func OpenInMemory() (*Store, error) {
	db, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, errors.Wrap(err, "open in-memory sqlite database")
	}
	s := &Store{db: db, log: logger.GetLogger()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
