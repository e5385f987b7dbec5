package models

import (
	"encoding/json"
	"time"
)

// DateRange is an inclusive reporting window, dates in YYYY-MM-DD form.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// CacheEntry is one pre-aggregated dashboard payload keyed by period and
// normalized filter key. Only the aggregate builder writes entries; the
// staleness decision engine is read-only.
type CacheEntry struct {
	PeriodStart        string          `db:"period_start" json:"periodStart"`
	PeriodEnd          string          `db:"period_end" json:"periodEnd"`
	FilterKey          string          `db:"filter_key" json:"filterKey"`
	Payload            json.RawMessage `db:"payload" json:"payload"`
	SourceMaxUpdatedAt *string         `db:"source_max_updated_at" json:"sourceMaxUpdatedAt,omitempty"`
	BuiltAt            time.Time       `db:"built_at" json:"builtAt"`
	ExpiresAt          *time.Time      `db:"expires_at" json:"expiresAt,omitempty"`
}
