package realtime

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"gopkg.in/tomb.v2"

	"github.com/kimhsiao/stockroom/backend/internal/changefeed"
	apperrors "github.com/kimhsiao/stockroom/backend/internal/errors"
	"github.com/kimhsiao/stockroom/backend/internal/logging"
	"github.com/kimhsiao/stockroom/backend/internal/metrics"
)

// Feed is the part of *changefeed.Feed the broadcaster uses.
type Feed interface {
	Subscribe(ctx context.Context, filter changefeed.Filter, cursor changefeed.Cursor) (*changefeed.Subscription, error)
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// BroadcasterConfig contains the configuration parameters required for
// NewBroadcaster.
type BroadcasterConfig struct {
	Feed   Feed
	Hub    *Hub
	Filter changefeed.Filter
	// Clock allows tests to control retry delays and pruning.
	Clock clock.Clock
	// RetryMinDelay is the wait before the first resubscription attempt.
	// Later attempts double it up to RetryMaxDelay.
	RetryMinDelay time.Duration
	RetryMaxDelay time.Duration
	// Retention is how long change log rows are kept. Zero disables
	// pruning.
	Retention time.Duration
	// PruneInterval is the time between prunes. Zero means an hour.
	PruneInterval time.Duration
	Metrics       *metrics.Collector
	Logger        *logging.Logger
}

// Validate ensures that all the values that have to be set are set.
func (config BroadcasterConfig) Validate() error {
	if config.Feed == nil {
		return errors.NotValidf("missing Feed")
	}
	if config.Hub == nil {
		return errors.NotValidf("missing Hub")
	}
	if config.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if config.RetryMinDelay <= 0 {
		return errors.NotValidf("non-positive RetryMinDelay")
	}
	if config.RetryMaxDelay < config.RetryMinDelay {
		return errors.NotValidf("RetryMaxDelay below RetryMinDelay")
	}
	if config.Retention < 0 {
		return errors.NotValidf("negative Retention")
	}
	return nil
}

// Broadcaster relays change feed events to every connection of a Hub. It
// keeps one subscription open and replaces it, resuming from the last
// relayed cursor, whenever it dies.
type Broadcaster struct {
	tomb      tomb.Tomb
	config    BroadcasterConfig
	log       *logging.Logger
	connected atomic.Bool
}

// NewBroadcaster starts a Broadcaster.
func NewBroadcaster(config BroadcasterConfig) (*Broadcaster, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new broadcaster invalid config")
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = time.Hour
	}
	if config.Logger == nil {
		config.Logger = logging.Get()
	}
	b := &Broadcaster{
		config: config,
		log:    config.Logger.With(map[string]interface{}{"component": "broadcaster"}),
	}
	b.tomb.Go(func() error {
		err := b.loop()
		cause := errors.Cause(err)
		if err != nil && cause != tomb.ErrDying {
			b.log.Error("broadcaster stopped", err)
		}
		return cause
	})
	return b, nil
}

// Kill asks the broadcaster to stop.
func (b *Broadcaster) Kill() {
	b.tomb.Kill(nil)
}

// Wait blocks until the broadcaster has stopped.
func (b *Broadcaster) Wait() error {
	return b.tomb.Wait()
}

// Connected reports whether a change feed subscription is currently open.
func (b *Broadcaster) Connected() bool {
	return b.connected.Load()
}

type changeFrame struct {
	Type string `json:"type"`
	changefeed.ChangeEvent
}

func (b *Broadcaster) loop() error {
	pruneTimer := b.config.Clock.NewTimer(b.config.PruneInterval)
	defer pruneTimer.Stop()
	b.prune()

	cursor := changefeed.CursorHead
	delay := b.config.RetryMinDelay
	var wait time.Duration
	for {
		if wait > 0 {
			select {
			case <-b.tomb.Dying():
				return tomb.ErrDying
			case <-b.config.Clock.After(wait):
			}
		}

		sub, err := b.subscribe(cursor)
		if err != nil {
			return errors.Trace(err)
		}
		b.connected.Store(true)
		if wait > 0 {
			b.log.Info("change feed reconnected", map[string]interface{}{"cursor": int64(cursor)})
		}
		start, started := sub.Cursor(), b.config.Clock.Now()

		cursor, err = b.relay(sub, pruneTimer)
		b.connected.Store(false)
		select {
		case <-b.tomb.Dying():
			return tomb.ErrDying
		default:
		}

		// A subscription that relayed something or outlived the last wait
		// starts the backoff over.
		if cursor != start || b.config.Clock.Now().Sub(started) >= wait {
			delay = b.config.RetryMinDelay
		}
		wait, delay = delay, nextDelay(delay, b.config.RetryMaxDelay)

		if err == nil {
			err = apperrors.New(apperrors.ErrFeedDisconnected, "change feed subscription ended")
		}
		b.log.Error("change feed disconnected", err, map[string]interface{}{
			"code":     string(apperrors.ErrFeedDisconnected),
			"cursor":   int64(cursor),
			"retry_in": wait.String(),
		})
		b.config.Metrics.FeedReconnected()
	}
}

func nextDelay(d, max time.Duration) time.Duration {
	if d *= 2; d > max {
		return max
	}
	return d
}

// subscribe opens a subscription, retrying with exponential backoff until
// it succeeds or the broadcaster is killed.
func (b *Broadcaster) subscribe(cursor changefeed.Cursor) (*changefeed.Subscription, error) {
	var sub *changefeed.Subscription
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			s, err := b.config.Feed.Subscribe(b.tomb.Context(nil), b.config.Filter, cursor)
			if err != nil {
				return err
			}
			sub = s
			return nil
		},
		NotifyFunc: func(err error, attempt int) {
			b.log.Warn("change feed subscribe failed", map[string]interface{}{"attempt": attempt, "error": err.Error()})
		},
		Attempts:    retry.UnlimitedAttempts,
		Delay:       b.config.RetryMinDelay,
		MaxDelay:    b.config.RetryMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       b.config.Clock,
		Stop:        b.tomb.Dying(),
	})
	if err != nil {
		select {
		case <-b.tomb.Dying():
			return nil, tomb.ErrDying
		default:
		}
		return nil, errors.Trace(err)
	}
	return sub, nil
}

// relay forwards events from sub until it dies or the broadcaster is
// killed, and returns the cursor to resume from.
func (b *Broadcaster) relay(sub *changefeed.Subscription, pruneTimer clock.Timer) (changefeed.Cursor, error) {
	for {
		select {
		case <-b.tomb.Dying():
			sub.Kill()
			sub.Wait()
			return sub.Cursor(), tomb.ErrDying

		case ev, ok := <-sub.Changes():
			if !ok {
				return sub.Cursor(), sub.Wait()
			}
			frame, err := json.Marshal(changeFrame{Type: "change", ChangeEvent: ev})
			if err != nil {
				b.log.Error("encoding change frame", err, map[string]interface{}{"change_id": ev.ID})
				continue
			}
			n := b.config.Hub.Broadcast(frame)
			b.config.Metrics.EventRelayed(ev.Table, ev.Operation)
			b.log.Debug("change relayed", map[string]interface{}{
				"change_id": ev.ID,
				"table":     ev.Table,
				"operation": ev.Operation,
				"clients":   n,
			})

		case <-pruneTimer.Chan():
			b.prune()
			pruneTimer.Reset(b.config.PruneInterval)
		}
	}
}

func (b *Broadcaster) prune() {
	if b.config.Retention == 0 {
		return
	}
	n, err := b.config.Feed.Prune(b.tomb.Context(nil), b.config.Retention)
	if err != nil {
		b.log.Warn("change log prune failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if n > 0 {
		b.log.Info("change log pruned", map[string]interface{}{"rows": n})
	}
}
