package subscriptions

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BearBump/teletrack/internal/errs"
	"github.com/BearBump/teletrack/internal/models"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

type Repository interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUserByHash(ctx context.Context, hash string) (*models.User, error)

	GetRelation(ctx context.Context, trackingNumber, hash string) (*models.Relation, error)
	ListRelationsByUser(ctx context.Context, hash string) ([]*models.Relation, error)
	CreateRelation(ctx context.Context, rel models.Relation) error
	SetSubscribed(ctx context.Context, trackingNumber, hash string, subscribed bool) error
	DeleteRelation(ctx context.Context, trackingNumber, hash string) error
	CountRelations(ctx context.Context, trackingNumber string) (int, error)
	ListSubscribedHashes(ctx context.Context, trackingNumber string) ([]string, error)

	GetSnapshot(ctx context.Context, trackingNumber string) (*models.Snapshot, error)
	DeleteSnapshots(ctx context.Context, trackingNumber string) (int64, error)

	SchedulePoll(ctx context.Context, trackingNumber string, carrier *int, at time.Time) error
	DeletePoll(ctx context.Context, trackingNumber string) error
}

// Provider is the tracking provider's registration API.
type Provider interface {
	Register(ctx context.Context, number string, carrier *int) error
	StopTrack(ctx context.Context, number string, carrier *int) error
	Retrack(ctx context.Context, number string, carrier *int) error
	DeleteTrack(ctx context.Context, number string, carrier *int) error
}

// Forgetter drops cached state for a number once nobody tracks it.
type Forgetter interface {
	Forget(ctx context.Context, number string)
}

// Tracking is one of a user's numbers with its latest known status.
type Tracking struct {
	TrackingNumber   string     `json:"tracking_number"`
	Carrier          *int       `json:"carrier,omitempty"`
	IsSubscribed     bool       `json:"is_subscribed"`
	Status           string     `json:"status,omitempty"`
	SubStatus        string     `json:"sub_status,omitempty"`
	LatestEventTime  string     `json:"latest_event_time,omitempty"`
	LatestEventDescr string     `json:"latest_event_descr,omitempty"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Notifier confirms a fresh registration to the user's chat without a sound.
type Notifier interface {
	SendSilent(ctx context.Context, chatID int64) error
}

type Service struct {
	repo     Repository
	provider Provider
	forget   Forgetter
	notify   Notifier
	log      *zap.Logger

	defaultQuota int
	now          func() time.Time
}

func New(repo Repository, provider Provider, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:         repo,
		provider:     provider,
		log:          log,
		defaultQuota: models.DefaultTrackingQuota,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithDefaultQuota(q int) *Service {
	if q > 0 {
		s.defaultQuota = q
	}
	return s
}

func (s *Service) WithForgetter(f Forgetter) *Service {
	s.forget = f
	return s
}

func (s *Service) WithNotifier(n Notifier) *Service {
	s.notify = n
	return s
}

// RegisterUser creates the user on first self-registration.
func (s *Service) RegisterUser(ctx context.Context, userID int64, name string) (*models.User, error) {
	if userID <= 0 {
		return nil, errors.New("user_id must be positive")
	}
	u := &models.User{
		UserID:     userID,
		UserIDHash: models.HashUserID(userID),
		UserName:   strings.TrimSpace(name),
		Quota:      s.defaultQuota,
	}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	// the mini app waits for this ping before retrying the request that got 520
	if s.notify != nil {
		if err := s.notify.SendSilent(ctx, userID); err != nil {
			s.log.Warn("registration ping failed", zap.String("user_id_hash", u.UserIDHash), zap.Error(err))
		}
	}
	return u, nil
}

func (s *Service) user(ctx context.Context, hash string) (*models.User, error) {
	if hash == "" {
		return nil, errs.ErrUserUnknown
	}
	u, err := s.repo.GetUserByHash(ctx, hash)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.ErrUserUnknown
	}
	return u, err
}

func (s *Service) relation(ctx context.Context, hash, number string) (*models.Relation, error) {
	if _, err := s.user(ctx, hash); err != nil {
		return nil, err
	}
	rel, err := s.repo.GetRelation(ctx, number, hash)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.ErrRelationNotFound
	}
	return rel, err
}

// Track registers number for the user, taking one unit of quota.
func (s *Service) Track(ctx context.Context, hash, number string, carrier *int) (*models.Relation, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return nil, errors.New("tracking_number is required")
	}

	u, err := s.user(ctx, hash)
	if err != nil {
		return nil, err
	}
	_, err = s.repo.GetRelation(ctx, number, hash)
	switch {
	case err == nil:
		return nil, errs.ErrDuplicateRelation
	case !errors.Is(err, errs.ErrNotFound):
		return nil, err
	}
	if u.Quota <= 0 {
		return nil, errs.ErrQuotaExhausted
	}

	if err := s.provider.Register(ctx, number, carrier); err != nil {
		return nil, pkgerrors.Wrap(err, "provider register")
	}

	rel := models.Relation{TrackingNumber: number, UserIDHash: hash, Carrier: carrier, IsSubscribed: true}
	if err := s.repo.CreateRelation(ctx, rel); err != nil {
		return nil, err
	}
	if err := s.repo.SchedulePoll(ctx, number, carrier, s.now()); err != nil {
		s.log.Warn("schedule poll", zap.String("tracking_number", number), zap.Error(err))
	}
	return &rel, nil
}

// Stop unsubscribes the user without deleting the relation.
func (s *Service) Stop(ctx context.Context, hash, number string) error {
	rel, err := s.relation(ctx, hash, number)
	if err != nil {
		return err
	}
	if !rel.IsSubscribed {
		return errs.ErrAlreadyUnsubscribed
	}
	if err := s.repo.SetSubscribed(ctx, number, hash, false); err != nil {
		return err
	}

	left, err := s.repo.ListSubscribedHashes(ctx, number)
	if err == nil && len(left) == 0 {
		if err := s.provider.StopTrack(ctx, number, rel.Carrier); err != nil {
			s.log.Warn("provider stoptrack", zap.String("tracking_number", number), zap.Error(err))
		}
	}
	return nil
}

// Retrack re-subscribes the user. A delivered number can never be retracked.
func (s *Service) Retrack(ctx context.Context, hash, number string) error {
	rel, err := s.relation(ctx, hash, number)
	if err != nil {
		return err
	}

	snap, err := s.repo.GetSnapshot(ctx, number)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	if snap.IsDelivered() {
		return errs.ErrAlreadyDelivered
	}
	if rel.IsSubscribed {
		return errs.ErrAlreadySubscribed
	}

	if err := s.provider.Retrack(ctx, number, rel.Carrier); err != nil {
		s.log.Warn("provider retrack", zap.String("tracking_number", number), zap.Error(err))
	}
	if err := s.repo.SetSubscribed(ctx, number, hash, true); err != nil {
		return err
	}
	if err := s.repo.SchedulePoll(ctx, number, rel.Carrier, s.now()); err != nil {
		s.log.Warn("schedule poll", zap.String("tracking_number", number), zap.Error(err))
	}
	return nil
}

// Delete removes the relation. Quota is not given back. When the last relation
// goes, the number's snapshot and schedule go with it.
func (s *Service) Delete(ctx context.Context, hash, number string) error {
	rel, err := s.relation(ctx, hash, number)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteRelation(ctx, number, hash); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return errs.ErrRelationNotFound
		}
		return err
	}

	n, err := s.repo.CountRelations(ctx, number)
	if err != nil || n > 0 {
		return nil
	}

	if err := s.repo.DeletePoll(ctx, number); err != nil {
		s.log.Warn("delete poll", zap.String("tracking_number", number), zap.Error(err))
	}
	if _, err := s.repo.DeleteSnapshots(ctx, number); err != nil {
		s.log.Warn("delete snapshots", zap.String("tracking_number", number), zap.Error(err))
	}
	if s.forget != nil {
		s.forget.Forget(ctx, number)
	}
	if err := s.provider.DeleteTrack(ctx, number, rel.Carrier); err != nil {
		s.log.Warn("provider deletetrack", zap.String("tracking_number", number), zap.Error(err))
	}
	return nil
}

func (s *Service) ListForUser(ctx context.Context, hash string) ([]Tracking, error) {
	if _, err := s.user(ctx, hash); err != nil {
		return nil, err
	}
	rels, err := s.repo.ListRelationsByUser(ctx, hash)
	if err != nil {
		return nil, err
	}

	out := make([]Tracking, 0, len(rels))
	for _, r := range rels {
		t := Tracking{
			TrackingNumber: r.TrackingNumber,
			Carrier:        r.Carrier,
			IsSubscribed:   r.IsSubscribed,
			CreatedAt:      r.CreatedAt,
		}
		snap, err := s.repo.GetSnapshot(ctx, r.TrackingNumber)
		switch {
		case err == nil:
			t.Status = snap.Status
			t.SubStatus = snap.SubStatus
			t.LatestEventTime = snap.LatestEventTime
			t.LatestEventDescr = snap.LatestEventDescr
			updated := snap.UpdatedAt
			t.UpdatedAt = &updated
		case !errors.Is(err, errs.ErrNotFound):
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
