package fanout

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Gateway delivers one message to one recipient.
type Gateway interface {
	Send(ctx context.Context, chatID int64, text string, deepLink map[string]string) error
}

type Message struct {
	Text     string
	DeepLink map[string]string
}

// Outcome is the delivery result for one recipient. Err is nil on success.
type Outcome struct {
	RecipientID int64
	Err         error
}

type Dispatcher struct {
	gw  Gateway
	log *zap.Logger

	// concurrency 0 launches every send at once.
	concurrency int
	callTimeout time.Duration

	totalSent   atomic.Int64
	totalFailed atomic.Int64
}

func New(gw Gateway, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		gw:          gw,
		log:         log,
		callTimeout: 10 * time.Second,
	}
}

func (d *Dispatcher) WithSettings(concurrency int, callTimeout time.Duration) *Dispatcher {
	if concurrency >= 0 {
		d.concurrency = concurrency
	}
	if callTimeout > 0 {
		d.callTimeout = callTimeout
	}
	return d
}

// Dispatch sends msg to every recipient concurrently and waits for all of them.
// One recipient's failure never cancels another's send. Outcomes are returned in
// recipient order.
func (d *Dispatcher) Dispatch(ctx context.Context, recipients []int64, msg Message) []Outcome {
	out := make([]Outcome, len(recipients))
	if len(recipients) == 0 {
		return out
	}

	limit := d.concurrency
	if limit <= 0 || limit > len(recipients) {
		limit = len(recipients)
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i, id := range recipients {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			out[i] = Outcome{RecipientID: id, Err: d.sendOne(ctx, id, msg)}
		}()
	}
	wg.Wait()

	for _, o := range out {
		if o.Err != nil {
			d.totalFailed.Add(1)
			d.log.Warn("notification failed", zap.Int64("recipient_id", o.RecipientID), zap.Error(o.Err))
			continue
		}
		d.totalSent.Add(1)
	}
	return out
}

func (d *Dispatcher) sendOne(ctx context.Context, id int64, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("gateway panic: %v", r)
		}
	}()

	if d.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.callTimeout)
		defer cancel()
	}
	return errors.Wrap(d.gw.Send(ctx, id, msg.Text, msg.DeepLink), "send")
}

// Failed returns the outcomes that carry an error.
func Failed(outcomes []Outcome) []Outcome {
	var out []Outcome
	for _, o := range outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

type Stats struct {
	TotalSent   int64 `json:"totalSent"`
	TotalFailed int64 `json:"totalFailed"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{TotalSent: d.totalSent.Load(), TotalFailed: d.totalFailed.Load()}
}
