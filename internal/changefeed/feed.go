package changefeed

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	apperrors "github.com/kimhsiao/stockroom/backend/internal/errors"
	"github.com/kimhsiao/stockroom/backend/internal/logging"
	"github.com/kimhsiao/stockroom/backend/internal/models"
)

// DefaultBatchSize is the maximum number of rows read per poll.
const DefaultBatchSize = 256

// Source reads the change log.
type Source interface {
	LatestChangeID(ctx context.Context) (int64, error)
	ChangesAfter(ctx context.Context, cursor int64, tables []string, limit int) ([]models.ChangeLog, error)
	PruneChanges(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config contains the configuration parameters required for New.
type Config struct {
	// Source is the change log to poll.
	Source Source
	// Clock allows tests to control the advancing of time.
	Clock clock.Clock
	// PollInterval is the delay between polls when the log is drained.
	PollInterval time.Duration
	// BatchSize bounds the rows read per poll. Zero means DefaultBatchSize.
	BatchSize int
	// Logger receives subscription lifecycle messages.
	Logger *logging.Logger
}

// Validate ensures that all the values that have to be set are set.
func (config Config) Validate() error {
	if config.Source == nil {
		return errors.NotValidf("missing Source")
	}
	if config.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if config.PollInterval <= 0 {
		return errors.NotValidf("non-positive PollInterval")
	}
	if config.BatchSize < 0 {
		return errors.NotValidf("negative BatchSize")
	}
	return nil
}

// Feed creates subscriptions over a change log.
type Feed struct {
	config Config
}

// New returns a Feed reading from config.Source.
func New(config Config) (*Feed, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new change feed invalid config")
	}
	if config.BatchSize == 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.Logger == nil {
		config.Logger = logging.Get()
	}
	return &Feed{config: config}, nil
}

// Subscribe starts a subscription delivering events after cursor that
// match filter. The subscription stops when ctx is done or Kill is called.
// A failure to resolve CursorHead is reported as FEED_DISCONNECTED.
func (f *Feed) Subscribe(ctx context.Context, filter Filter, cursor Cursor) (*Subscription, error) {
	if cursor == CursorHead {
		head, err := f.config.Source.LatestChangeID(ctx)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrFeedDisconnected, "could not read change log head", err)
		}
		cursor = Cursor(head)
	}
	if cursor < 0 {
		return nil, apperrors.New(apperrors.ErrValidation, "invalid change feed cursor")
	}

	s := &Subscription{
		source:    f.config.Source,
		clock:     f.config.Clock,
		interval:  f.config.PollInterval,
		batchSize: f.config.BatchSize,
		filter:    filter,
		changes:   make(chan ChangeEvent),
		log:       f.config.Logger.With(map[string]interface{}{"component": "changefeed"}),
	}
	s.cursor.Store(int64(cursor))

	s.tomb.Go(func() error {
		defer close(s.changes)
		err := s.loop()
		cause := errors.Cause(err)
		// tomb expects ErrDying as an exact value.
		if err != nil && cause != tomb.ErrDying {
			s.log.Warn("subscription stopped", map[string]interface{}{"error": err.Error(), "cursor": s.Cursor()})
			return err
		}
		return cause
	})
	s.tomb.Go(func() error {
		select {
		case <-ctx.Done():
			s.tomb.Kill(nil)
		case <-s.tomb.Dying():
		}
		return nil
	})
	return s, nil
}

// Prune removes change log rows older than retention.
func (f *Feed) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := f.config.Source.PruneChanges(ctx, f.config.Clock.Now().Add(-retention))
	return n, errors.Trace(err)
}

// Subscription is a running poll over the change log.
type Subscription struct {
	tomb      tomb.Tomb
	source    Source
	clock     clock.Clock
	interval  time.Duration
	batchSize int
	filter    Filter
	changes   chan ChangeEvent
	cursor    atomic.Int64
	log       *logging.Logger
}

// Changes returns the channel events are delivered on, in change log
// order. The channel is closed when the subscription dies.
func (s *Subscription) Changes() <-chan ChangeEvent {
	return s.changes
}

// Cursor returns the id of the last row the subscription has consumed.
// Rows skipped by the filter count as consumed.
func (s *Subscription) Cursor() Cursor {
	return Cursor(s.cursor.Load())
}

// Kill asks the subscription to stop.
func (s *Subscription) Kill() {
	s.tomb.Kill(nil)
}

// Wait blocks until the subscription has stopped and returns the reason.
// A subscription stopped by Kill or by its context returns nil; a broken
// one returns a FEED_DISCONNECTED error.
func (s *Subscription) Wait() error {
	return s.tomb.Wait()
}

// Dead returns a channel that is closed when the subscription has stopped.
func (s *Subscription) Dead() <-chan struct{} {
	return s.tomb.Dead()
}

// Err returns the error with which the subscription stopped, or
// tomb.ErrStillAlive while it is running.
func (s *Subscription) Err() error {
	return s.tomb.Err()
}

func (s *Subscription) loop() error {
	ctx := s.tomb.Context(nil)
	wait := true
	for {
		if wait {
			select {
			case <-s.tomb.Dying():
				return tomb.ErrDying
			case <-s.clock.After(s.interval):
			}
		}

		batch, err := s.source.ChangesAfter(ctx, s.cursor.Load(), s.filter.Tables, s.batchSize)
		if err != nil {
			select {
			case <-s.tomb.Dying():
				return tomb.ErrDying
			default:
			}
			return apperrors.Wrap(apperrors.ErrFeedDisconnected, "change log query failed", err)
		}

		for _, row := range batch {
			ev := eventFromLog(row)
			if s.filter.matches(ev) {
				select {
				case <-s.tomb.Dying():
					return tomb.ErrDying
				case s.changes <- ev:
				}
			}
			s.cursor.Store(row.ID)
		}
		// A full batch means more rows may be waiting.
		wait = len(batch) < s.batchSize
	}
}
