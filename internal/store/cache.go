package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"sellerflow/models"
)

// GetCacheEntry returns the cached dashboard payload for a period and filter
// key, or nil on a miss. Read errors are passed through so the staleness
// engine can classify schema drift separately from ordinary misses.
func (s *Store) GetCacheEntry(ctx context.Context, start, end, filterKey string) (*models.CacheEntry, error) {
	var e models.CacheEntry
	err := s.db.GetContext(ctx, &e,
		`SELECT * FROM dashboard_cache
		 WHERE period_start = ? AND period_end = ? AND filter_key = ?`,
		start, end, filterKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get cache entry")
	}
	return &e, nil
}

// UpsertCacheEntry replaces the cached payload for its key.
func (s *Store) UpsertCacheEntry(ctx context.Context, e *models.CacheEntry) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO dashboard_cache (period_start, period_end, filter_key,
			payload, source_max_updated_at, built_at, expires_at)
		 VALUES (:period_start, :period_end, :filter_key,
			:payload, :source_max_updated_at, :built_at, :expires_at)
		 ON CONFLICT(period_start, period_end, filter_key) DO UPDATE SET
			payload = excluded.payload,
			source_max_updated_at = excluded.source_max_updated_at,
			built_at = excluded.built_at,
			expires_at = excluded.expires_at`,
		e)
	return errors.Wrap(err, "upsert cache entry")
}

// PurgeExpiredCache drops entries whose expiry has passed. Invoked
// opportunistically; correctness never depends on it because the staleness
// engine checks expiry on read.
func (s *Store) PurgeExpiredCache(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dashboard_cache WHERE expires_at IS NOT NULL AND expires_at < CURRENT_TIMESTAMP`)
	if err != nil {
		return 0, errors.Wrap(err, "purge expired cache")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "purge expired cache")
}
