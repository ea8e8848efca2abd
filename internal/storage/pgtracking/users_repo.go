package pgtracking

import (
	"context"
	"errors"

	"github.com/BearBump/teletrack/internal/errs"
	"github.com/BearBump/teletrack/internal/models"
	"github.com/jackc/pgx/v5"
	pkgerrors "github.com/pkg/errors"
)

func (s *Storage) CreateUser(ctx context.Context, u *models.User) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO users (user_id, user_id_hash, user_name, quota, created_at)
VALUES ($1,$2,$3,$4, now())
`, u.UserID, u.UserIDHash, u.UserName, u.Quota)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return pkgerrors.Wrap(err, "insert user")
}

func (s *Storage) GetUserByHash(ctx context.Context, hash string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRow(ctx, `
SELECT user_id, user_id_hash, user_name, quota, created_at
FROM users
WHERE user_id_hash = $1
`, hash).Scan(&u.UserID, &u.UserIDHash, &u.UserName, &u.Quota, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "select user")
	}
	return &u, nil
}

// ResolveUserIDs maps id hashes to numeric user ids. Hashes without a user are
// absent from the result.
func (s *Storage) ResolveUserIDs(ctx context.Context, hashes []string) (map[string]int64, error) {
	out := make(map[string]int64, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}

	rows, err := s.db.Query(ctx, `SELECT user_id_hash, user_id FROM users WHERE user_id_hash = ANY($1)`, hashes)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "select users")
	}
	defer rows.Close()

	for rows.Next() {
		var hash string
		var id int64
		if err := rows.Scan(&hash, &id); err != nil {
			return nil, pkgerrors.Wrap(err, "scan user")
		}
		out[hash] = id
	}
	if rows.Err() != nil {
		return nil, pkgerrors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
