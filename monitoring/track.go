package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/hangwatch/tracking"
)

// errGoexit finalizes calls whose goroutine exited through runtime.Goexit.
var errGoexit = errors.New("goroutine exited during tracked call")

// Track runs work as a tracked call named name. The call is recorded as
// active before work starts and finalized when it returns. The value and the
// error of work are returned unchanged. If work panics, the call is recorded
// as failed and the panic continues.
//
// The monitor never cancels work. Errors caused by the deadline of ctx are
// recorded as timeouts. When no session is running, work runs untracked. A
// nil monitor means the default monitor. CallID tells work the id of its
// call.
func Track[T any](
	ctx context.Context,
	m *Monitor,
	name string,
	md *tracking.Metadata,
	work func(context.Context) (T, error),
) (T, error) {
	if m == nil {
		m = Default()
	}

	return runTracked(ctx, m.begin(name, md), work)
}

// TrackFunc is Track for work that only returns an error.
func TrackFunc(
	ctx context.Context,
	m *Monitor,
	name string,
	md *tracking.Metadata,
	work func(context.Context) error,
) error {
	if m == nil {
		m = Default()
	}

	_, err := runTracked(ctx, m.begin(name, md),
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, work(ctx)
		})

	return err
}

// Outcome is the result of work tracked asynchronously. Panic holds the
// value work panicked with, if it did.
type Outcome[T any] struct {
	Value T
	Err   error
	Panic any
}

// TrackAsync runs work like Track in a new goroutine. The outcome is
// delivered on the returned channel, which is closed afterwards. A panic in
// work is delivered as an outcome instead of crashing the process.
func TrackAsync[T any](
	ctx context.Context,
	m *Monitor,
	name string,
	md *tracking.Metadata,
	work func(context.Context) (T, error),
) <-chan Outcome[T] {
	if m == nil {
		m = Default()
	}

	c := m.begin(name, md)
	out := make(chan Outcome[T], 1)

	go func() {
		defer close(out)

		defer func() {
			if r := recover(); r != nil {
				out <- Outcome[T]{Panic: r}
			}
		}()

		v, err := runTracked(ctx, c, work)
		out <- Outcome[T]{Value: v, Err: err}
	}()

	return out
}

type callIDKey struct{}

// CallID returns the id of the tracked call that ctx was passed to.
func CallID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(callIDKey{}).(string)
	return id, ok
}

type call struct {
	registry *tracking.Registry
	logger   *logrus.Logger
	now      func() time.Time
	id       string
	start    time.Time
}

func (m *Monitor) begin(name string, md *tracking.Metadata) *call {
	s := m.current()
	if s == nil {
		m.logger.WithField("name", name).
			Debug("Monitoring is not running, call not tracked")

		return nil
	}

	entry := tracking.Entry{
		Name:      name,
		Timestamp: m.now(),
		Metadata:  md,
	}

	if s.config.EnableStackTrace {
		entry.Location, entry.Stack = tracking.CaptureCaller(0)
	}

	id, err := s.registry.Insert(entry)

	var capErr *tracking.CapacityError
	switch {
	case errors.As(err, &capErr):
		s.logger.WithFields(logrus.Fields{
			"name":       name,
			"evicted_id": capErr.EvictedID,
		}).Debug("Tracked call evicted an older call")
	case err != nil:
		s.logger.WithError(err).WithField("name", name).
			Warn("Call not tracked")

		return nil
	}

	return &call{
		registry: s.registry,
		logger:   s.logger,
		now:      m.now,
		id:       id,
		start:    entry.Timestamp,
	}
}

func (c *call) end(result tracking.Result) {
	d := c.now().Sub(c.start)

	if !c.registry.Finalize(c.id, result, d) {
		c.logger.WithField("id", c.id).
			Debug("Tracked call ended after it was evicted")
	}
}

func runTracked[T any](
	ctx context.Context,
	c *call,
	work func(context.Context) (T, error),
) (value T, err error) {
	if c == nil {
		return work(ctx)
	}

	ctx = context.WithValue(ctx, callIDKey{}, c.id)
	returned := false

	defer func() {
		if returned {
			return
		}

		r := recover()
		if r == nil {
			c.end(tracking.Failed(errGoexit))
			return
		}

		c.end(tracking.Failed(fmt.Errorf("panic: %v", r)))
		panic(r)
	}()

	value, err = work(ctx)
	returned = true

	if err != nil {
		c.end(tracking.Failed(err))
	} else {
		c.end(tracking.Succeeded())
	}

	return value, err
}
