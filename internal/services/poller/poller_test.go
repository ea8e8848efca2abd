package poller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/teletrack/internal/models"
	"github.com/BearBump/teletrack/internal/storage/pgtracking"
	"github.com/BearBump/teletrack/internal/webhook"
	"github.com/stretchr/testify/require"
)

type fakeProducer struct {
	mu    sync.Mutex
	topic string
	key   []byte
	value []byte
	calls int
	err   error
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.topic, p.key, p.value = topic, key, value
	return p.err
}

type fakeRL struct {
	allowed bool
	count   int64
	err     error
	keys    []string
	limits  []int64
}

func (r *fakeRL) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	r.keys = append(r.keys, key)
	r.limits = append(r.limits, limit)
	return r.allowed, r.count, r.err
}

type fakeFetcher struct {
	pkg models.PackageData
	err error
}

func (f fakeFetcher) GetTrackInfo(ctx context.Context, number string, carrier *int) (models.PackageData, error) {
	return f.pkg, f.err
}

type recordingRepo struct {
	mu      sync.Mutex
	due     []*models.PollTarget
	claims  int
	results []pgtracking.PollResult
}

func (r *recordingRepo) ClaimDuePolls(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.PollTarget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claims++
	due := r.due
	r.due = nil
	return due, nil
}

func (r *recordingRepo) RecordPollResult(ctx context.Context, res pgtracking.PollResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func inTransit() models.PackageData {
	return models.PackageData{
		Number:    "RR1",
		Carrier:   3011,
		TrackInfo: json.RawMessage(`{"latest_status":{"status":"InTransit","sub_status":"InTransit_Other"},"latest_event":{"time_utc":"2024-03-01T02:00:00Z","description":"Departed"}}`),
	}
}

func TestPoller_processOne_okPublishesWebhookShape(t *testing.T) {
	fp := &fakeProducer{}
	repo := &recordingRepo{}
	p := New(repo, fakeFetcher{pkg: inTransit()}, fp, &fakeRL{allowed: true}, "tracking.updated", nil).
		WithPlanner(PlannerConfig{InTransitMinDelay: time.Hour, InTransitMaxDelay: time.Hour})

	carrier := 3011
	require.NoError(t, p.processOne(context.Background(), &models.PollTarget{TrackingNumber: "RR1", Carrier: &carrier}))
	require.Equal(t, 1, fp.calls)
	require.Equal(t, "tracking.updated", fp.topic)
	require.Equal(t, []byte("RR1"), fp.key)

	ev, err := webhook.NewDecoder().Decode(fp.value)
	require.NoError(t, err)
	require.Equal(t, webhook.EventTrackingUpdated, ev.Type)
	require.Equal(t, "RR1", ev.Number())

	require.Len(t, repo.results, 1)
	require.Nil(t, repo.results[0].Error)
	require.WithinDuration(t, time.Now().Add(time.Hour), repo.results[0].NextCheckAt, 5*time.Second)
}

func TestPoller_processOne_errorBackoff(t *testing.T) {
	fp := &fakeProducer{}
	repo := &recordingRepo{}
	p := New(repo, fakeFetcher{err: errors.New("boom")}, fp, nil, "tracking.updated", nil)

	err := p.processOne(context.Background(), &models.PollTarget{TrackingNumber: "N", CheckFailCount: 2})
	require.ErrorContains(t, err, "boom")
	require.Zero(t, fp.calls)
	require.Len(t, repo.results, 1)
	require.NotNil(t, repo.results[0].Error)
	require.WithinDuration(t, time.Now().Add(30*time.Minute), repo.results[0].NextCheckAt, 5*time.Second)
}

func TestPoller_processOne_noDataIsNotAFailure(t *testing.T) {
	fp := &fakeProducer{}
	repo := &recordingRepo{}
	p := New(repo, fakeFetcher{err: ErrNoData}, fp, nil, "t", nil)

	require.NoError(t, p.processOne(context.Background(), &models.PollTarget{TrackingNumber: "N"}))
	require.Zero(t, fp.calls)
	require.Nil(t, repo.results[0].Error)
	require.WithinDuration(t, time.Now().Add(90*time.Minute), repo.results[0].NextCheckAt, 5*time.Second)
}

func TestPoller_processOne_publishFailureIsRecorded(t *testing.T) {
	fp := &fakeProducer{err: errors.New("kafka down")}
	repo := &recordingRepo{}
	p := New(repo, fakeFetcher{pkg: inTransit()}, fp, nil, "t", nil)
	p.publishRetries = 2

	err := p.processOne(context.Background(), &models.PollTarget{TrackingNumber: "RR1"})
	require.ErrorContains(t, err, "kafka down")
	require.Equal(t, 2, fp.calls)
	require.NotNil(t, repo.results[0].Error)
}

func TestPoller_processOne_rateLimited(t *testing.T) {
	fp := &fakeProducer{}
	repo := &recordingRepo{}
	rl := &fakeRL{allowed: false, count: 99}
	p := New(repo, fakeFetcher{pkg: inTransit()}, fp, rl, "t", nil).
		WithCarrierRateLimits(map[int]int{3011: 5})

	carrier := 3011
	require.NoError(t, p.processOne(context.Background(), &models.PollTarget{TrackingNumber: "RR1", Carrier: &carrier}))
	require.Zero(t, fp.calls)
	require.Equal(t, []int64{5}, rl.limits)
	require.Contains(t, rl.keys[0], "rl:carrier:3011:")
	require.WithinDuration(t, time.Now().Add(time.Minute), repo.results[0].NextCheckAt, 5*time.Second)
}

func TestPoller_runOnce_updatesStats(t *testing.T) {
	fp := &fakeProducer{}
	repo := &recordingRepo{due: []*models.PollTarget{{TrackingNumber: "A"}, {TrackingNumber: "B"}, {TrackingNumber: "C"}}}
	p := New(repo, fakeFetcher{pkg: inTransit()}, fp, nil, "t", nil).WithSettings(0, 0, 2, 0, 0)

	p.runOnce(context.Background())

	st := p.Stats()
	require.Equal(t, int64(3), st.TotalClaimed)
	require.Equal(t, int64(3), st.TotalProcessed)
	require.Equal(t, int64(3), st.TotalPublished)
	require.Zero(t, st.TotalErrors)
	require.Zero(t, st.InFlight)
	require.NotNil(t, st.LastCycleAt)
}

func TestPoller_WithSettings(t *testing.T) {
	fp := &fakeProducer{}
	p := New(nil, fakeFetcher{}, fp, nil, "t", nil).
		WithSettings(5*time.Second, 7, 9, 11*time.Second, 13)
	require.Equal(t, 5*time.Second, p.pollInterval)
	require.Equal(t, 7, p.batchSize)
	require.Equal(t, 9, p.concurrency)
	require.Equal(t, 11*time.Second, p.lease)
	require.Equal(t, int64(13), p.rateLimitPerMinute)
}
