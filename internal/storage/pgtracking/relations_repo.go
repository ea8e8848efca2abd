package pgtracking

import (
	"context"
	"errors"

	"github.com/BearBump/teletrack/internal/errs"
	"github.com/BearBump/teletrack/internal/models"
	"github.com/jackc/pgx/v5"
	pkgerrors "github.com/pkg/errors"
)

// ListSubscribedHashes returns the id hashes of users subscribed to the number.
func (s *Storage) ListSubscribedHashes(ctx context.Context, trackingNumber string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
SELECT user_id_hash
FROM relations
WHERE tracking_number = $1 AND is_subscribed
ORDER BY created_at
`, trackingNumber)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "select subscribed relations")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, pkgerrors.Wrap(err, "scan relation")
		}
		out = append(out, hash)
	}
	if rows.Err() != nil {
		return nil, pkgerrors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) GetRelation(ctx context.Context, trackingNumber, hash string) (*models.Relation, error) {
	var r models.Relation
	err := s.db.QueryRow(ctx, `
SELECT tracking_number, user_id_hash, carrier, is_subscribed, created_at, updated_at
FROM relations
WHERE tracking_number = $1 AND user_id_hash = $2
`, trackingNumber, hash).Scan(&r.TrackingNumber, &r.UserIDHash, &r.Carrier, &r.IsSubscribed, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "select relation")
	}
	return &r, nil
}

func (s *Storage) ListRelationsByUser(ctx context.Context, hash string) ([]*models.Relation, error) {
	rows, err := s.db.Query(ctx, `
SELECT tracking_number, user_id_hash, carrier, is_subscribed, created_at, updated_at
FROM relations
WHERE user_id_hash = $1
ORDER BY created_at DESC
`, hash)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "select user relations")
	}
	defer rows.Close()

	out := []*models.Relation{}
	for rows.Next() {
		var r models.Relation
		if err := rows.Scan(&r.TrackingNumber, &r.UserIDHash, &r.Carrier, &r.IsSubscribed, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, pkgerrors.Wrap(err, "scan relation")
		}
		out = append(out, &r)
	}
	if rows.Err() != nil {
		return nil, pkgerrors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// CreateRelation inserts a subscribed relation and takes one unit of the user's quota
// in the same transaction.
func (s *Storage) CreateRelation(ctx context.Context, rel models.Relation) (err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return pkgerrors.Wrap(err, "begin tx")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = pkgerrors.Wrap(e, "commit tx")
		}
	}()

	tag, err := tx.Exec(ctx, `UPDATE users SET quota = quota - 1 WHERE user_id_hash = $1 AND quota > 0`, rel.UserIDHash)
	if isCheckViolation(err) {
		return errs.ErrQuotaExhausted
	}
	if err != nil {
		return pkgerrors.Wrap(err, "take quota")
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrQuotaExhausted
	}

	_, err = tx.Exec(ctx, `
INSERT INTO relations (tracking_number, user_id_hash, carrier, is_subscribed, created_at, updated_at)
VALUES ($1,$2,$3, TRUE, now(), now())
`, rel.TrackingNumber, rel.UserIDHash, rel.Carrier)
	if isUniqueViolation(err) {
		return errs.ErrDuplicateRelation
	}
	if err != nil {
		return pkgerrors.Wrap(err, "insert relation")
	}
	return nil
}

// SetSubscribed flips the subscription flag without touching relation existence.
func (s *Storage) SetSubscribed(ctx context.Context, trackingNumber, hash string, subscribed bool) error {
	tag, err := s.db.Exec(ctx, `
UPDATE relations SET is_subscribed = $3, updated_at = now()
WHERE tracking_number = $1 AND user_id_hash = $2
`, trackingNumber, hash, subscribed)
	if err != nil {
		return pkgerrors.Wrap(err, "update relation")
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (s *Storage) DeleteRelation(ctx context.Context, trackingNumber, hash string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM relations WHERE tracking_number = $1 AND user_id_hash = $2`, trackingNumber, hash)
	if err != nil {
		return pkgerrors.Wrap(err, "delete relation")
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (s *Storage) CountRelations(ctx context.Context, trackingNumber string) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM relations WHERE tracking_number = $1`, trackingNumber).Scan(&n); err != nil {
		return 0, pkgerrors.Wrap(err, "count relations")
	}
	return n, nil
}
