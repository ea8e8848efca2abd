package pgtracking

import (
	"context"
	"errors"

	"github.com/BearBump/teletrack/internal/errs"
	"github.com/BearBump/teletrack/internal/models"
	"github.com/jackc/pgx/v5"
	pkgerrors "github.com/pkg/errors"
)

// UpsertSnapshot replaces the snapshot for the number in a single statement, so a
// reader never observes zero snapshots mid-replacement.
func (s *Storage) UpsertSnapshot(ctx context.Context, snap models.Snapshot) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO snapshots (
  tracking_number, carrier, tag, status, sub_status,
  latest_event_time, latest_event_descr, track_info, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now())
ON CONFLICT (tracking_number) DO UPDATE SET
  carrier = EXCLUDED.carrier,
  tag = EXCLUDED.tag,
  status = EXCLUDED.status,
  sub_status = EXCLUDED.sub_status,
  latest_event_time = EXCLUDED.latest_event_time,
  latest_event_descr = EXCLUDED.latest_event_descr,
  track_info = EXCLUDED.track_info,
  updated_at = now()
`, snap.TrackingNumber, snap.Carrier, snap.Tag, snap.Status, snap.SubStatus,
		snap.LatestEventTime, snap.LatestEventDescr, []byte(snap.TrackInfo))
	return pkgerrors.Wrap(err, "upsert snapshot")
}

func (s *Storage) GetSnapshot(ctx context.Context, trackingNumber string) (*models.Snapshot, error) {
	var snap models.Snapshot
	var info []byte
	err := s.db.QueryRow(ctx, `
SELECT
  tracking_number, carrier, tag, status, sub_status,
  latest_event_time, latest_event_descr, track_info, updated_at
FROM snapshots
WHERE tracking_number = $1
`, trackingNumber).Scan(
		&snap.TrackingNumber, &snap.Carrier, &snap.Tag, &snap.Status, &snap.SubStatus,
		&snap.LatestEventTime, &snap.LatestEventDescr, &info, &snap.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "select snapshot")
	}
	snap.TrackInfo = info
	return &snap, nil
}

// DeleteSnapshots removes every snapshot stored for the number.
func (s *Storage) DeleteSnapshots(ctx context.Context, trackingNumber string) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM snapshots WHERE tracking_number = $1`, trackingNumber)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "delete snapshots")
	}
	return tag.RowsAffected(), nil
}
