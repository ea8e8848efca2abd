package subscriptions

import (
	"context"
	"time"

	"github.com/BearBump/teletrack/internal/models"
	"github.com/stretchr/testify/mock"
)

type repoMock struct {
	mock.Mock
}

func (m *repoMock) CreateUser(ctx context.Context, u *models.User) error {
	return m.Called(ctx, u).Error(0)
}

func (m *repoMock) GetUserByHash(ctx context.Context, hash string) (*models.User, error) {
	args := m.Called(ctx, hash)
	u, _ := args.Get(0).(*models.User)
	return u, args.Error(1)
}

func (m *repoMock) GetRelation(ctx context.Context, number, hash string) (*models.Relation, error) {
	args := m.Called(ctx, number, hash)
	r, _ := args.Get(0).(*models.Relation)
	return r, args.Error(1)
}

func (m *repoMock) ListRelationsByUser(ctx context.Context, hash string) ([]*models.Relation, error) {
	args := m.Called(ctx, hash)
	r, _ := args.Get(0).([]*models.Relation)
	return r, args.Error(1)
}

func (m *repoMock) CreateRelation(ctx context.Context, rel models.Relation) error {
	return m.Called(ctx, rel).Error(0)
}

func (m *repoMock) SetSubscribed(ctx context.Context, number, hash string, subscribed bool) error {
	return m.Called(ctx, number, hash, subscribed).Error(0)
}

func (m *repoMock) DeleteRelation(ctx context.Context, number, hash string) error {
	return m.Called(ctx, number, hash).Error(0)
}

func (m *repoMock) CountRelations(ctx context.Context, number string) (int, error) {
	args := m.Called(ctx, number)
	return args.Int(0), args.Error(1)
}

func (m *repoMock) ListSubscribedHashes(ctx context.Context, number string) ([]string, error) {
	args := m.Called(ctx, number)
	r, _ := args.Get(0).([]string)
	return r, args.Error(1)
}

func (m *repoMock) GetSnapshot(ctx context.Context, number string) (*models.Snapshot, error) {
	args := m.Called(ctx, number)
	s, _ := args.Get(0).(*models.Snapshot)
	return s, args.Error(1)
}

func (m *repoMock) DeleteSnapshots(ctx context.Context, number string) (int64, error) {
	args := m.Called(ctx, number)
	return int64(args.Int(0)), args.Error(1)
}

func (m *repoMock) SchedulePoll(ctx context.Context, number string, carrier *int, at time.Time) error {
	return m.Called(ctx, number, carrier, at).Error(0)
}

func (m *repoMock) DeletePoll(ctx context.Context, number string) error {
	return m.Called(ctx, number).Error(0)
}

type providerMock struct {
	mock.Mock
}

func (m *providerMock) Register(ctx context.Context, number string, carrier *int) error {
	return m.Called(ctx, number, carrier).Error(0)
}

func (m *providerMock) StopTrack(ctx context.Context, number string, carrier *int) error {
	return m.Called(ctx, number, carrier).Error(0)
}

func (m *providerMock) Retrack(ctx context.Context, number string, carrier *int) error {
	return m.Called(ctx, number, carrier).Error(0)
}

func (m *providerMock) DeleteTrack(ctx context.Context, number string, carrier *int) error {
	return m.Called(ctx, number, carrier).Error(0)
}

type forgetMock struct {
	mock.Mock
}

func (m *forgetMock) Forget(ctx context.Context, number string) {
	m.Called(ctx, number)
}

type notifierMock struct {
	mock.Mock
}

func (m *notifierMock) SendSilent(ctx context.Context, chatID int64) error {
	return m.Called(ctx, chatID).Error(0)
}
