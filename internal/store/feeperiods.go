package store

import (
	"context"

	"github.com/pkg/errors"

	"sellerflow/models"
)

// ErrFeePeriodOverlap is returned by InsertFeePeriod when the new period
// intersects an existing one for the same marketplace.
var ErrFeePeriodOverlap = errors.New("fee period overlaps an existing period")

// InsertFeePeriod validates the period against existing rows for the same
// marketplace and inserts it. Overlap is rejected at write time so the
// latest-valid_from resolution rule never has to break a tie between two
// live periods.
func (s *Store) InsertFeePeriod(ctx context.Context, p *models.FeePeriod) (int64, error) {
	existing, err := s.ListFeePeriods(ctx, p.Marketplace)
	if err != nil {
		return 0, err
	}
	for i := range existing {
		if p.Overlaps(&existing[i]) {
			return 0, errors.Wrapf(ErrFeePeriodOverlap, "conflicts with period %d", existing[i].ID)
		}
	}

	res, err := s.db.NamedExecContext(ctx,
		`INSERT INTO fee_periods (marketplace, valid_from, valid_to,
			commission_percent, service_fee_percent, fixed_fee_per_product, notes)
		 VALUES (:marketplace, :valid_from, :valid_to,
			:commission_percent, :service_fee_percent, :fixed_fee_per_product, :notes)`,
		p)
	if err != nil {
		return 0, errors.Wrap(err, "insert fee period")
	}
	id, err := res.LastInsertId()
	return id, errors.Wrap(err, "insert fee period")
}

// ListFeePeriods returns all periods for a marketplace, newest first. An
// empty marketplace lists every period.
func (s *Store) ListFeePeriods(ctx context.Context, marketplace string) ([]models.FeePeriod, error) {
	var out []models.FeePeriod
	var err error
	if marketplace == "" {
		err = s.db.SelectContext(ctx, &out,
			`SELECT * FROM fee_periods ORDER BY marketplace, valid_from DESC`)
	} else {
		err = s.db.SelectContext(ctx, &out,
			`SELECT * FROM fee_periods WHERE marketplace = ? ORDER BY valid_from DESC`,
			marketplace)
	}
	if err != nil {
		return nil, errors.Wrap(err, "list fee periods")
	}
	return out, nil
}

// AllFeePeriods returns every configured period grouped by marketplace, the
// shape the fee engine's config cache loads in one shot.
func (s *Store) AllFeePeriods(ctx context.Context) (map[string][]models.FeePeriod, error) {
	rows, err := s.ListFeePeriods(ctx, "")
	if err != nil {
		return nil, err
	}
	grouped := make(map[string][]models.FeePeriod)
	for _, p := range rows {
		grouped[p.Marketplace] = append(grouped[p.Marketplace], p)
	}
	return grouped, nil
}
