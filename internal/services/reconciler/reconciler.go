package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"sync"
	"time"

	"github.com/BearBump/teletrack/internal/cache"
	"github.com/BearBump/teletrack/internal/errs"
	"github.com/BearBump/teletrack/internal/models"
	"github.com/BearBump/teletrack/internal/services/fanout"
	"github.com/BearBump/teletrack/internal/webhook"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrPersist marks a failure to store the new snapshot. Nothing is sent when it happens.
	ErrPersist = errors.New("persist snapshot")
	// ErrLocked means the per-number lock could not be taken before the deadline.
	ErrLocked = errors.New("tracking number is locked")
)

// Retryable reports whether a Reconcile error may go away if the same event is
// delivered again. Anything else is a problem with the event itself.
func Retryable(err error) bool {
	return errors.Is(err, ErrPersist) || errors.Is(err, ErrLocked)
}

type SnapshotStore interface {
	GetSnapshot(ctx context.Context, trackingNumber string) (*models.Snapshot, error)
	UpsertSnapshot(ctx context.Context, snap models.Snapshot) error
}

type Registry interface {
	ListSubscribedHashes(ctx context.Context, trackingNumber string) ([]string, error)
	ResolveUserIDs(ctx context.Context, hashes []string) (map[string]int64, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, recipients []int64, msg fanout.Message) []fanout.Outcome
}

type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Fan-out modes.
const (
	ModeAwait    = "await"
	ModeDetached = "detached"
)

// Reasons a persisted update was not fanned out.
const (
	SkipNoAdvance     = "status_not_advanced"
	SkipStaleDelivery = "stale_after_delivered"
	SkipNoRecipients  = "no_recipients"
	SkipLookupFailed  = "recipient_lookup_failed"
)

// Result describes what one reconciliation did.
type Result struct {
	TrackingNumber string
	Event          string
	Persisted      bool
	Recipients     []int64
	Orphans        []string
	Skipped        string
	Detached       bool
	Outcomes       []fanout.Outcome
}

type Reconciler struct {
	store    SnapshotStore
	registry Registry
	dispatch Dispatcher
	locker   Locker
	cache    cache.BytesCache
	log      *zap.Logger

	cacheTTL        time.Duration
	mode            string
	detachedTimeout time.Duration

	bg sync.WaitGroup
}

func New(store SnapshotStore, registry Registry, dispatch Dispatcher, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		store:           store,
		registry:        registry,
		dispatch:        dispatch,
		locker:          NewKeyedMutex(),
		log:             log,
		cacheTTL:        24 * time.Hour,
		mode:            ModeAwait,
		detachedTimeout: time.Minute,
	}
}

// WithLocker replaces the in-process lock, e.g. with a redis lock shared by replicas.
func (r *Reconciler) WithLocker(l Locker) *Reconciler {
	if l != nil {
		r.locker = l
	}
	return r
}

func (r *Reconciler) WithCache(c cache.BytesCache, ttl time.Duration) *Reconciler {
	r.cache = c
	if ttl > 0 {
		r.cacheTTL = ttl
	}
	return r
}

func (r *Reconciler) WithMode(mode string, detachedTimeout time.Duration) *Reconciler {
	if mode == ModeDetached {
		r.mode = ModeDetached
	}
	if detachedTimeout > 0 {
		r.detachedTimeout = detachedTimeout
	}
	return r
}

// Wait blocks until detached fan-outs started so far are finished.
func (r *Reconciler) Wait() {
	r.bg.Wait()
}

// Reconcile applies one decoded provider event. The only errors it returns are
// a wrapped ErrPersist or ErrLocked (both before anything was sent) and a
// wrapped webhook error for an event that cannot be projected. Recipient lookup
// and delivery problems are logged and reported in Result.
func (r *Reconciler) Reconcile(ctx context.Context, ev webhook.Event) (Result, error) {
	res := Result{TrackingNumber: ev.Number(), Event: ev.Type}

	switch ev.Type {
	case webhook.EventTrackingStopped:
		r.log.Info("tracking stopped by provider",
			zap.String("tracking_number", res.TrackingNumber),
			zap.Int("carrier", ev.Stopped.Carrier))
		return res, nil
	case webhook.EventTrackingUpdated:
	default:
		return res, errors.Wrapf(webhook.ErrUnknownEvent, "reconcile %q", ev.Type)
	}

	snap, err := ev.Update.Snapshot()
	if err != nil {
		return res, errors.Wrapf(webhook.ErrMalformedEvent, "project snapshot: %v", err)
	}

	reason, err := r.persist(ctx, snap)
	if err != nil {
		return res, err
	}
	res.Persisted = true
	if reason != "" {
		res.Skipped = reason
		r.log.Info("update persisted without notification",
			zap.String("tracking_number", snap.TrackingNumber),
			zap.String("reason", reason))
		return res, nil
	}

	recipients, orphans, err := r.recipients(ctx, snap.TrackingNumber)
	res.Orphans = orphans
	if err != nil {
		res.Skipped = SkipLookupFailed
		r.log.Error("resolve recipients",
			zap.String("tracking_number", snap.TrackingNumber),
			zap.Error(err))
		return res, nil
	}
	res.Recipients = recipients
	if len(recipients) == 0 {
		res.Skipped = SkipNoRecipients
		return res, nil
	}

	msg := BuildMessage(snap)
	if r.mode == ModeDetached {
		res.Detached = true
		r.bg.Add(1)
		go func() {
			defer r.bg.Done()
			bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.detachedTimeout)
			defer cancel()
			r.dispatch.Dispatch(bctx, recipients, msg)
		}()
		return res, nil
	}

	res.Outcomes = r.dispatch.Dispatch(ctx, recipients, msg)
	return res, nil
}

// persist stores snap under the per-number lock and decides whether it should
// be fanned out. The lock covers only the read-compare-write, never delivery.
func (r *Reconciler) persist(ctx context.Context, snap models.Snapshot) (string, error) {
	release, err := r.locker.Lock(ctx, snap.TrackingNumber)
	if err != nil {
		return "", errors.Wrapf(ErrLocked, "%s: %v", snap.TrackingNumber, err)
	}
	defer release()

	prev := r.previous(ctx, snap.TrackingNumber)
	if err := r.store.UpsertSnapshot(ctx, snap); err != nil {
		return "", errors.Wrapf(ErrPersist, "%s: %v", snap.TrackingNumber, err)
	}
	r.remember(ctx, snap)
	return skipReason(prev, &snap), nil
}

func (r *Reconciler) recipients(ctx context.Context, number string) ([]int64, []string, error) {
	hashes, err := r.registry.ListSubscribedHashes(ctx, number)
	if err != nil {
		return nil, nil, errors.Wrap(err, "list subscribed relations")
	}
	if len(hashes) == 0 {
		return nil, nil, nil
	}

	ids, err := r.registry.ResolveUserIDs(ctx, hashes)
	if err != nil {
		return nil, nil, errors.Wrap(err, "resolve users")
	}

	var out []int64
	var orphans []string
	for _, h := range hashes {
		id, ok := ids[h]
		if !ok {
			orphans = append(orphans, h)
			continue
		}
		out = append(out, id)
	}
	if len(orphans) > 0 {
		r.log.Warn("subscribed relation has no user",
			zap.String("tracking_number", number),
			zap.Strings("user_id_hashes", orphans))
	}
	return out, orphans, nil
}

// skipReason reports why an update that moved from prev to next must not notify anyone.
func skipReason(prev, next *models.Snapshot) string {
	if prev == nil {
		return ""
	}
	if prev.IsDelivered() && !next.IsDelivered() {
		return SkipStaleDelivery
	}
	if prev.Fingerprint() == next.Fingerprint() {
		return SkipNoAdvance
	}
	return ""
}

// BuildMessage renders the notification text (HTML) for a snapshot.
func BuildMessage(snap models.Snapshot) fanout.Message {
	descr := snap.LatestEventDescr
	if descr == "" {
		descr = snap.Status
	}
	text := fmt.Sprintf("Update on your order tracking.\n<b>%s</b>: %s",
		html.EscapeString(snap.TrackingNumber), html.EscapeString(descr))
	return fanout.Message{
		Text: text,
		DeepLink: map[string]string{
			"tracking_number": snap.TrackingNumber,
			"status":          snap.Status,
		},
	}
}

type cachedStatus struct {
	Status           string `json:"status"`
	SubStatus        string `json:"sub_status"`
	LatestEventTime  string `json:"latest_event_time"`
	LatestEventDescr string `json:"latest_event_descr"`
}

func statusKey(number string) string {
	return fmt.Sprintf("snapshot:%s:status", number)
}

// previous returns the last known status of number, or nil when unknown.
func (r *Reconciler) previous(ctx context.Context, number string) *models.Snapshot {
	if r.cache != nil {
		if b, ok, err := r.cache.Get(ctx, statusKey(number)); err == nil && ok {
			var c cachedStatus
			if json.Unmarshal(b, &c) == nil {
				return &models.Snapshot{
					TrackingNumber:   number,
					Status:           c.Status,
					SubStatus:        c.SubStatus,
					LatestEventTime:  c.LatestEventTime,
					LatestEventDescr: c.LatestEventDescr,
				}
			}
		}
	}

	prev, err := r.store.GetSnapshot(ctx, number)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			r.log.Warn("read previous snapshot", zap.String("tracking_number", number), zap.Error(err))
		}
		return nil
	}
	return prev
}

func (r *Reconciler) remember(ctx context.Context, snap models.Snapshot) {
	if r.cache == nil {
		return
	}
	b, _ := json.Marshal(cachedStatus{
		Status:           snap.Status,
		SubStatus:        snap.SubStatus,
		LatestEventTime:  snap.LatestEventTime,
		LatestEventDescr: snap.LatestEventDescr,
	})
	if err := r.cache.Set(ctx, statusKey(snap.TrackingNumber), b, r.cacheTTL); err != nil {
		r.log.Warn("cache snapshot status", zap.String("tracking_number", snap.TrackingNumber), zap.Error(err))
	}
}

// Forget drops the cached status so the next update is compared against postgres.
func (r *Reconciler) Forget(ctx context.Context, number string) {
	if r.cache != nil {
		_ = r.cache.Delete(ctx, statusKey(number))
	}
}
