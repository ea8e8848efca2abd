package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/teletrack/internal/broker/messages"
	"github.com/BearBump/teletrack/internal/integrations/track17"
	"github.com/BearBump/teletrack/internal/models"
	"github.com/BearBump/teletrack/internal/storage/pgtracking"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrNoData is returned by a Fetcher when the provider has nothing for the number yet.
var ErrNoData = track17.ErrNoTrackingData

type Repository interface {
	ClaimDuePolls(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.PollTarget, error)
	RecordPollResult(ctx context.Context, res pgtracking.PollResult) error
}

type Fetcher interface {
	GetTrackInfo(ctx context.Context, number string, carrier *int) (models.PackageData, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Poller struct {
	repo     Repository
	fetcher  Fetcher
	producer Producer
	rl       RateLimiter
	log      *zap.Logger

	topic string

	planner *Planner

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	lease              time.Duration
	rateLimitPerMinute int64
	carrierRateLimits  map[int]int64
	publishRetries     int

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalPublished      atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, fetcher Fetcher, producer Producer, rl RateLimiter, topic string, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{
		repo: repo, fetcher: fetcher, producer: producer, rl: rl, topic: topic, log: log,
		planner:            DefaultPlanner(),
		pollInterval:       2 * time.Second,
		batchSize:          100,
		concurrency:        10,
		lease:              120 * time.Second,
		rateLimitPerMinute: 120,
		carrierRateLimits:  map[int]int64{},
		publishRetries:     10,
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func DefaultPlanner() *Planner {
	return NewPlanner(DefaultPlannerConfig(), nil)
}

func (p *Poller) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) *Poller {
	if pollInterval > 0 {
		p.pollInterval = pollInterval
	}
	if batchSize > 0 {
		p.batchSize = batchSize
	}
	if concurrency > 0 {
		p.concurrency = concurrency
	}
	if lease > 0 {
		p.lease = lease
	}
	if rlPerMin > 0 {
		p.rateLimitPerMinute = rlPerMin
	}
	return p
}

func (p *Poller) WithPlanner(cfg PlannerConfig) *Poller {
	p.planner = NewPlanner(cfg, nil)
	return p
}

// WithCarrierRateLimits overrides the per-minute limit for individual carrier codes.
func (p *Poller) WithCarrierRateLimits(perMin map[int]int) *Poller {
	for code, n := range perMin {
		if n > 0 {
			p.carrierRateLimits[code] = int64(n)
		}
	}
	return p
}

// Trigger forces an immediate poll cycle (best-effort, non-blocking).
func (p *Poller) Trigger() {
	p.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalPublished int64      `json:"totalPublished"`
	TotalErrors    int64      `json:"totalErrors"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (p *Poller) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, p.startedAtUnixNano).UTC(),
		TotalClaimed:   p.totalClaimed.Load(),
		TotalProcessed: p.totalProcessed.Load(),
		TotalPublished: p.totalPublished.Load(),
		TotalErrors:    p.totalErrors.Load(),
		InFlight:       p.inFlight.Load(),
	}
	if n := p.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := p.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	p.lastErrorMu.Lock()
	st.LastError = p.lastError
	p.lastErrorMu.Unlock()
	return st
}

func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTicker(p.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			p.runOnce(ctx)
		case <-p.triggerCh:
			p.runOnce(ctx)
		}
	}
}

func (p *Poller) setLastError(err error) {
	p.lastErrorMu.Lock()
	p.lastError = err.Error()
	p.lastErrorMu.Unlock()
}

func (p *Poller) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	p.lastCycleUnixNano.Store(now.UnixNano())

	items, err := p.repo.ClaimDuePolls(ctx, now, p.batchSize, p.lease)
	if err != nil {
		p.log.Error("claim due polls", zap.Error(err))
		p.setLastError(err)
		return
	}
	p.totalClaimed.Add(int64(len(items)))

	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	for _, tr := range items {
		sem <- struct{}{}
		wg.Add(1)
		p.inFlight.Add(1)
		go func() {
			defer func() {
				p.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := p.processOne(ctx, tr); err != nil {
				p.totalErrors.Add(1)
				p.setLastError(err)
				p.log.Error("process tracking", zap.String("tracking_number", tr.TrackingNumber), zap.Error(err))
			}
			p.totalProcessed.Add(1)
		}()
	}
	wg.Wait()
}

func (p *Poller) limitFor(carrier *int) (int64, string) {
	code := 0
	if carrier != nil {
		code = *carrier
	}
	limit := p.rateLimitPerMinute
	if l, ok := p.carrierRateLimits[code]; ok {
		limit = l
	}
	return limit, fmt.Sprint(code)
}

func (p *Poller) processOne(ctx context.Context, tr *models.PollTarget) error {
	now := time.Now().UTC()

	if p.rl != nil && p.rateLimitPerMinute > 0 {
		limit, code := p.limitFor(tr.Carrier)
		minuteKey := fmt.Sprintf("rl:carrier:%s:%s", code, now.Format("200601021504"))
		allowed, n, err := p.rl.Allow(ctx, minuteKey, limit, 70*time.Second)
		if err != nil {
			return err
		}
		if !allowed {
			// over budget for this minute: give the number back for later
			p.log.Warn("rate limit exceeded", zap.String("carrier", code), zap.Int64("count", n))
			return p.repo.RecordPollResult(ctx, pgtracking.PollResult{
				TrackingNumber: tr.TrackingNumber,
				CheckedAt:      now,
				NextCheckAt:    now.Add(time.Minute),
			})
		}
	}

	pkg, err := p.fetcher.GetTrackInfo(ctx, tr.TrackingNumber, tr.Carrier)
	if errors.Is(err, ErrNoData) {
		return p.repo.RecordPollResult(ctx, pgtracking.PollResult{
			TrackingNumber: tr.TrackingNumber,
			CheckedAt:      now,
			NextCheckAt:    now.Add(p.planner.NextCheckDelay(models.StatusNotFound)),
		})
	}
	if err != nil {
		return p.recordFailure(ctx, tr, now, pkgerrors.Wrap(err, "fetch track info"))
	}

	snap, err := pkg.Snapshot()
	if err != nil {
		return p.recordFailure(ctx, tr, now, err)
	}

	b, err := json.Marshal(messages.NewTrackingUpdated(pkg, now))
	if err != nil {
		return pkgerrors.Wrap(err, "marshal kafka msg")
	}
	if err := p.publish(ctx, []byte(tr.TrackingNumber), b); err != nil {
		return p.recordFailure(ctx, tr, now, err)
	}
	p.totalPublished.Add(1)

	return p.repo.RecordPollResult(ctx, pgtracking.PollResult{
		TrackingNumber: tr.TrackingNumber,
		CheckedAt:      now,
		NextCheckAt:    now.Add(p.planner.NextCheckDelay(snap.Status)),
	})
}

// publish retries for a while: kafka may not be up right after start.
func (p *Poller) publish(ctx context.Context, key, value []byte) error {
	var pubErr error
	for i := 0; i < p.publishRetries; i++ {
		if pubErr = p.producer.Publish(ctx, p.topic, key, value); pubErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(150*(i+1)) * time.Millisecond):
		}
	}
	return pubErr
}

func (p *Poller) recordFailure(ctx context.Context, tr *models.PollTarget, now time.Time, cause error) error {
	msg := cause.Error()
	if err := p.repo.RecordPollResult(ctx, pgtracking.PollResult{
		TrackingNumber: tr.TrackingNumber,
		CheckedAt:      now,
		NextCheckAt:    now.Add(p.planner.BackoffDelay(tr.CheckFailCount + 1)),
		Error:          &msg,
	}); err != nil {
		p.log.Error("record poll failure", zap.String("tracking_number", tr.TrackingNumber), zap.Error(err))
	}
	return cause
}
