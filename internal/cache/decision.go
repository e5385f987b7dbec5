// Package cache decides whether a pre-aggregated dashboard payload can be
// served or must be rebuilt, based on expiry and source watermarks.
package cache

import (
	"context"
	"sort"
	"strings"
	"time"

	"sellerflow/logger"
	"sellerflow/models"
)

// Miss reasons, surfaced in responses and metrics so rebuild causes stay
// visible.
const (
	ReasonCacheEmpty           = "cache_empty"
	ReasonMissingWatermark     = "cache_missing_watermark"
	ReasonWatermarkChanged     = "watermark_changed"
	ReasonWatermarkUnavailable = "watermark_unavailable"
	ReasonExpired              = "expired"
	ReasonSchemaMismatch       = "schema_mismatch"
)

// Decision is the outcome of one staleness check. On a hit, Entry carries
// the payload to serve; on a miss, Reason says why a rebuild is needed and
// SourceWatermark (when computable) is the watermark the rebuilt entry
// should record.
type Decision struct {
	Hit             bool               `json:"hit"`
	Reason          string             `json:"reason,omitempty"`
	FilterKey       string             `json:"filterKey"`
	Entry           *models.CacheEntry `json:"-"`
	SourceWatermark *string            `json:"-"`
}

// reader is the slice of the store the decision engine needs.
type reader interface {
	GetCacheEntry(ctx context.Context, start, end, filterKey string) (*models.CacheEntry, error)
	MaxUpdatedAt(ctx context.Context, start, end string, channels, statuses []string) (*string, error)
}

// Engine evaluates cache entries against the live order data.
type Engine struct {
	store reader
	log   *logger.Log
	now   func() time.Time
}

// NewEngine builds a decision engine over the given store.
func NewEngine(store reader) *Engine {
	return &Engine{
		store: store,
		log:   logger.GetLogger(),
		now:   time.Now,
	}
}

// FilterKey canonicalizes channel and status filters into the cache key
// segment: each list deduplicated, sorted and comma-joined, an empty list
// rendered as "all", the two segments joined with "|". Equivalent filter
// sets always produce the same key.
func FilterKey(channels, statuses []string) string {
	return normalizeList(channels) + "|" + normalizeList(statuses)
}

func normalizeList(values []string) string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || v == "all" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return "all"
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// timestampLayouts are the serialized forms a watermark may arrive in,
// depending on which writer produced it.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999999",
}

// NormalizeTimestamp reduces a serialized timestamp to a canonical UTC
// form so watermarks written by different components compare equal. An
// unparseable value is returned trimmed, which degrades to raw string
// comparison.
func NormalizeTimestamp(s string) string {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(time.RFC3339Nano)
		}
	}
	return s
}

// isSchemaErr spots sqlite schema drift, which calls for a rebuild rather
// than a hard failure.
func isSchemaErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "no such column")
}

// Decide runs the staleness check for a period and filter set. The
// previous period participates in the watermark so period-over-period
// deltas invalidate when either window changes.
func (e *Engine) Decide(ctx context.Context, current, previous models.DateRange, channels, statuses []string) (*Decision, error) {
	key := FilterKey(channels, statuses)
	d := &Decision{FilterKey: key}
	log := e.log.WithComponent("cache_decision").WithFields(logger.Fields{
		"period_start": current.Start,
		"period_end":   current.End,
		"filter_key":   key,
	})

	entry, err := e.store.GetCacheEntry(ctx, current.Start, current.End, key)
	if err != nil {
		if isSchemaErr(err) {
			d.Reason = ReasonSchemaMismatch
			log.WithError(err).Warn("cache schema drift, forcing rebuild")
			return d, nil
		}
		return nil, err
	}

	if entry != nil {
		d.Entry = entry
		if entry.ExpiresAt != nil && e.now().After(*entry.ExpiresAt) {
			d.Reason = ReasonExpired
			return d, nil
		}
	}

	// The live watermark is computed before the empty/missing checks so a
	// miss decision can hand the rebuilt entry its watermark for free.
	source, srcErr := e.sourceWatermark(ctx, current, previous, channels, statuses)
	if srcErr == nil {
		d.SourceWatermark = source
	}

	if entry == nil {
		d.Reason = ReasonCacheEmpty
		return d, nil
	}

	if srcErr != nil {
		// A source the engine cannot read is treated as changed data:
		// rebuilding is safe, serving stale silently is not.
		d.Reason = ReasonWatermarkUnavailable
		log.WithError(srcErr).Warn("source watermark unavailable, forcing rebuild")
		return d, nil
	}

	if entry.SourceMaxUpdatedAt == nil || *entry.SourceMaxUpdatedAt == "" {
		if source == nil {
			// No rows feed either window, so there is no watermark to have
			// recorded and nothing the entry could be stale against.
			d.Hit = true
			return d, nil
		}
		d.Reason = ReasonMissingWatermark
		return d, nil
	}

	if source == nil {
		d.Reason = ReasonWatermarkUnavailable
		return d, nil
	}

	if NormalizeTimestamp(*source) != NormalizeTimestamp(*entry.SourceMaxUpdatedAt) {
		d.Reason = ReasonWatermarkChanged
		return d, nil
	}

	d.Hit = true
	return d, nil
}

// SourceWatermark computes the watermark a fresh cache entry should carry:
// the later of the current and previous windows' max updated times.
func (e *Engine) SourceWatermark(ctx context.Context, current, previous models.DateRange, channels, statuses []string) (*string, error) {
	return e.sourceWatermark(ctx, current, previous, channels, statuses)
}

func (e *Engine) sourceWatermark(ctx context.Context, current, previous models.DateRange, channels, statuses []string) (*string, error) {
	cur, err := e.store.MaxUpdatedAt(ctx, current.Start, current.End, channels, statuses)
	if err != nil {
		return nil, err
	}

	var prev *string
	if previous.Start != "" && previous.End != "" {
		if prev, err = e.store.MaxUpdatedAt(ctx, previous.Start, previous.End, channels, statuses); err != nil {
			return nil, err
		}
	}

	switch {
	case cur == nil:
		return prev, nil
	case prev == nil:
		return cur, nil
	}
	if NormalizeTimestamp(*prev) > NormalizeTimestamp(*cur) {
		return prev, nil
	}
	return cur, nil
}
