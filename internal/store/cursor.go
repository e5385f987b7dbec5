package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"sellerflow/models"
)

// ErrSyncInProgress is returned by AcquireCursor when the marketplace
// already has a running sync. Callers surface it as a conflict rather than
// queuing a second run.
var ErrSyncInProgress = errors.New("sync already in progress")

// GetCursor returns the cursor row for a marketplace, or nil when the
// marketplace has never been synced.
func (s *Store) GetCursor(ctx context.Context, marketplace string) (*models.SyncCursor, error) {
	var c models.SyncCursor
	err := s.db.GetContext(ctx, &c,
		`SELECT * FROM sync_cursors WHERE marketplace = ?`, marketplace)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get sync cursor")
	}
	return &c, nil
}

// AcquireCursor transitions the cursor to running, creating the row on first
// use. The transition is conditional on the stored status being idle or
// error, so concurrent callers race on the UPDATE and exactly one wins.
func (s *Store) AcquireCursor(ctx context.Context, marketplace string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_cursors (marketplace, status, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(marketplace) DO NOTHING`,
		marketplace, models.CursorIdle, now)
	if err != nil {
		return errors.Wrap(err, "seed sync cursor")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_cursors SET status = ?, error_message = NULL, updated_at = ?
		 WHERE marketplace = ? AND status IN (?, ?)`,
		models.CursorRunning, now, marketplace, models.CursorIdle, models.CursorError)
	if err != nil {
		return errors.Wrap(err, "acquire sync cursor")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "acquire sync cursor")
	}
	if n == 0 {
		return ErrSyncInProgress
	}
	return nil
}

// CommitCursor finishes a run: back to idle, watermark and counters advanced.
// A nil watermark (empty window) leaves the previous watermark in place.
func (s *Store) CommitCursor(ctx context.Context, marketplace string, watermark *time.Time, synced int64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_cursors SET
			status = ?,
			last_sync_at = ?,
			last_watermark = COALESCE(?, last_watermark),
			total_synced = total_synced + ?,
			error_message = NULL,
			updated_at = ?
		 WHERE marketplace = ?`,
		models.CursorIdle, now, watermark, synced, now, marketplace)
	return errors.Wrap(err, "commit sync cursor")
}

// FailCursor records a failed run. The watermark is left untouched so the
// next run re-covers the same window.
func (s *Store) FailCursor(ctx context.Context, marketplace, message string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_cursors SET status = ?, error_message = ?, updated_at = ?
		 WHERE marketplace = ?`,
		models.CursorError, message, now, marketplace)
	return errors.Wrap(err, "fail sync cursor")
}
