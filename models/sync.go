package models

import "time"

// SyncMode selects the lookback and the phases a sync run executes.
type SyncMode string

const (
	// ModeFullBackfill re-reads a long window (default 90 days).
	ModeFullBackfill SyncMode = "full-backfill"
	// ModeIncremental is the routine polling mode (default 3 days).
	ModeIncremental SyncMode = "incremental"
	// ModeStatusOnly re-checks the current status of already-known orders
	// without refetching full detail.
	ModeStatusOnly SyncMode = "status-only"
)

// Cursor states. The running flag is an enforced single-flight guard: only
// an idle or errored cursor can transition to running.
const (
	CursorIdle    = "idle"
	CursorRunning = "running"
	CursorError   = "error"
)

// SyncCursor is the singleton per-marketplace sync state row.
type SyncCursor struct {
	Marketplace   string     `db:"marketplace" json:"marketplace"`
	Status        string     `db:"status" json:"status"`
	LastSyncAt    *time.Time `db:"last_sync_at" json:"lastSyncAt,omitempty"`
	LastWatermark *time.Time `db:"last_watermark" json:"lastWatermark,omitempty"`
	TotalSynced   int64      `db:"total_synced" json:"totalSynced"`
	ErrorMessage  *string    `db:"error_message" json:"errorMessage,omitempty"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updatedAt"`
}

// StatusChange records one status transition observed by a status-only run.
type StatusChange struct {
	ExternalID string `json:"externalId"`
	From       string `json:"from"`
	To         string `json:"to"`
}

// BatchResult describes the outcome of one persistence batch so callers can
// retry precisely the failed subset instead of the whole window.
type BatchResult struct {
	Table string `json:"table"`
	Index int    `json:"index"`
	Rows  int    `json:"rows"`
	Error string `json:"error,omitempty"`
}

// SyncResult summarises a completed sync run.
type SyncResult struct {
	RunID          string         `json:"runId"`
	Marketplace    string         `json:"marketplace"`
	Mode           SyncMode       `json:"mode"`
	OrdersUpserted int            `json:"ordersProcessed"`
	ItemsUpserted  int            `json:"itemsProcessed"`
	OrdersChecked  int            `json:"ordersChecked,omitempty"`
	StatusChanges  []StatusChange `json:"statusChanges,omitempty"`
	Batches        []BatchResult  `json:"batches,omitempty"`
	LookbackDays   int            `json:"lookbackDays"`
	DurationMs     int64          `json:"durationMs"`
}

// FailedBatches filters the per-batch results down to the failures.
func (r *SyncResult) FailedBatches() []BatchResult {
	var failed []BatchResult
	for _, b := range r.Batches {
		if b.Error != "" {
			failed = append(failed, b)
		}
	}
	return failed
}
