package pgtracking

import (
	"context"
	"time"

	"github.com/BearBump/teletrack/internal/models"
	"github.com/jackc/pgx/v5"
	pkgerrors "github.com/pkg/errors"
)

// PollResult is the outcome of one provider fetch, used to reschedule the number.
type PollResult struct {
	TrackingNumber string
	CheckedAt      time.Time
	NextCheckAt    time.Time
	Error          *string
}

// SchedulePoll makes the number due at the given time, creating the entry if needed.
func (s *Storage) SchedulePoll(ctx context.Context, trackingNumber string, carrier *int, at time.Time) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO poll_schedule (tracking_number, carrier, next_check_at, updated_at)
VALUES ($1,$2,$3, now())
ON CONFLICT (tracking_number) DO UPDATE SET
  carrier = COALESCE(EXCLUDED.carrier, poll_schedule.carrier),
  next_check_at = EXCLUDED.next_check_at,
  check_fail_count = 0,
  last_error = NULL,
  updated_at = now()
`, trackingNumber, carrier, at.UTC())
	return pkgerrors.Wrap(err, "schedule poll")
}

func (s *Storage) DeletePoll(ctx context.Context, trackingNumber string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM poll_schedule WHERE tracking_number = $1`, trackingNumber)
	return pkgerrors.Wrap(err, "delete poll")
}

// ClaimDuePolls picks due numbers that still have a subscriber and are not delivered,
// and pushes their next_check_at forward by lease so concurrent workers skip them.
// Uses SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Storage) ClaimDuePolls(ctx context.Context, now time.Time, limit int, lease time.Duration) (picked []*models.PollTarget, err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "begin tx")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			picked, err = nil, pkgerrors.Wrap(e, "commit tx")
		}
	}()

	rows, err := tx.Query(ctx, `
SELECT p.tracking_number, p.carrier, p.next_check_at, p.last_checked_at, p.check_fail_count, p.last_error
FROM poll_schedule p
WHERE p.next_check_at <= $1
  AND EXISTS (SELECT 1 FROM relations r WHERE r.tracking_number = p.tracking_number AND r.is_subscribed)
  AND NOT EXISTS (SELECT 1 FROM snapshots s WHERE s.tracking_number = p.tracking_number AND s.status = $2)
ORDER BY p.next_check_at ASC
LIMIT $3
FOR UPDATE OF p SKIP LOCKED
`, now.UTC(), models.StatusDelivered, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "select due polls")
	}
	for rows.Next() {
		var t models.PollTarget
		if err := rows.Scan(&t.TrackingNumber, &t.Carrier, &t.NextCheckAt, &t.LastCheckedAt, &t.CheckFailCount, &t.LastError); err != nil {
			rows.Close()
			return nil, pkgerrors.Wrap(err, "scan due poll")
		}
		picked = append(picked, &t)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, pkgerrors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, t := range picked {
		if _, err := tx.Exec(ctx, `UPDATE poll_schedule SET next_check_at = $2, updated_at = now() WHERE tracking_number = $1`, t.TrackingNumber, leaseUntil); err != nil {
			return nil, pkgerrors.Wrap(err, "lease poll")
		}
		t.NextCheckAt = leaseUntil
	}
	return picked, nil
}

// RecordPollResult reschedules the number after a fetch.
func (s *Storage) RecordPollResult(ctx context.Context, res PollResult) error {
	if res.Error != nil && *res.Error != "" {
		_, err := s.db.Exec(ctx, `
UPDATE poll_schedule
SET
  last_checked_at = $2,
  check_fail_count = check_fail_count + 1,
  last_error = $3,
  next_check_at = $4,
  updated_at = now()
WHERE tracking_number = $1
`, res.TrackingNumber, res.CheckedAt.UTC(), *res.Error, res.NextCheckAt.UTC())
		return pkgerrors.Wrap(err, "update poll (error)")
	}
	_, err := s.db.Exec(ctx, `
UPDATE poll_schedule
SET
  last_checked_at = $2,
  check_fail_count = 0,
  last_error = NULL,
  next_check_at = $3,
  updated_at = now()
WHERE tracking_number = $1
`, res.TrackingNumber, res.CheckedAt.UTC(), res.NextCheckAt.UTC())
	return pkgerrors.Wrap(err, "update poll (ok)")
}
