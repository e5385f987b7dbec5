package models

import "time"

// FeePeriod is a half-open validity interval [ValidFrom, ValidTo) over which
// a marketplace's commission, service and fixed fees apply. A nil ValidTo
// means the period is still current. Managed by configuration endpoints;
// read-only to the fee engine.
type FeePeriod struct {
	ID                 int64      `db:"id" json:"id"`
	Marketplace        string     `db:"marketplace" json:"marketplace"`
	ValidFrom          time.Time  `db:"valid_from" json:"validFrom"`
	ValidTo            *time.Time `db:"valid_to" json:"validTo,omitempty"`
	CommissionPercent  float64    `db:"commission_percent" json:"commissionPercent"`
	ServiceFeePercent  float64    `db:"service_fee_percent" json:"serviceFeePercent"`
	FixedFeePerProduct float64    `db:"fixed_fee_per_product" json:"fixedFeePerProduct"`
	Notes              *string    `db:"notes" json:"notes,omitempty"`
}

// Contains reports whether the period covers the given date. The interval is
// half-open: ValidFrom is inclusive, ValidTo exclusive.
func (p *FeePeriod) Contains(date time.Time) bool {
	if date.Before(p.ValidFrom) {
		return false
	}
	if p.ValidTo == nil {
		return true
	}
	return date.Before(*p.ValidTo)
}

// Overlaps reports whether two periods for the same marketplace intersect.
func (p *FeePeriod) Overlaps(other *FeePeriod) bool {
	if p.ValidTo != nil && !other.ValidFrom.Before(*p.ValidTo) {
		return false
	}
	if other.ValidTo != nil && !p.ValidFrom.Before(*other.ValidTo) {
		return false
	}
	return true
}
