package sampling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/hangwatch/tracking"
)

// ErrAlreadyRunning is returned when starting a sampler that is running.
var ErrAlreadyRunning = errors.New("sampler is already running")

// An AlertHandler receives the alerts raised by one snapshot. It is called in
// its own goroutine and its outcome is ignored.
type AlertHandler func(alerts []Alert)

// Sampler periodically takes snapshots of a registry, applies the hanging
// policy and keeps a bounded history of snapshots.
type Sampler struct {
	registry     *tracking.Registry
	config       HangingDetectionConfig
	resources    ResourceSampler
	lagProbe     func() time.Duration
	logger       *logrus.Logger
	alertHandler AlertHandler
	now          func() time.Time

	lock         sync.Mutex
	history      []Snapshot
	prevCPU      *CPUTimes
	prevAt       time.Time
	sampleErrors uint64

	runLock sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// SamplerBuilder can build samplers.
type SamplerBuilder struct {
	registry     *tracking.Registry
	config       HangingDetectionConfig
	resources    ResourceSampler
	lagProbe     func() time.Duration
	logger       *logrus.Logger
	alertHandler AlertHandler
	now          func() time.Time
}

// MakeSamplerBuilder creates a SamplerBuilder with the default config.
func MakeSamplerBuilder() SamplerBuilder {
	return SamplerBuilder{
		config:   DefaultHangingDetectionConfig(),
		lagProbe: MeasureSchedulerLag,
		now:      time.Now,
	}
}

// WithRegistry sets the registry to sample.
func (b SamplerBuilder) WithRegistry(r *tracking.Registry) SamplerBuilder {
	b.registry = r
	return b
}

// WithConfig sets the hanging detection policy.
func (b SamplerBuilder) WithConfig(c HangingDetectionConfig) SamplerBuilder {
	b.config = c
	return b
}

// WithResourceSampler sets where resource counters are read from. Without
// one, snapshots carry no resource data.
func (b SamplerBuilder) WithResourceSampler(rs ResourceSampler) SamplerBuilder {
	b.resources = rs
	return b
}

// WithLagProbe replaces the scheduler lag measurement.
func (b SamplerBuilder) WithLagProbe(probe func() time.Duration) SamplerBuilder {
	b.lagProbe = probe
	return b
}

// WithLogger sets the logger.
func (b SamplerBuilder) WithLogger(l *logrus.Logger) SamplerBuilder {
	b.logger = l
	return b
}

// WithAlertHandler sets a callback that receives the alerts of each snapshot.
func (b SamplerBuilder) WithAlertHandler(h AlertHandler) SamplerBuilder {
	b.alertHandler = h
	return b
}

// WithClock replaces time.Now.
func (b SamplerBuilder) WithClock(now func() time.Time) SamplerBuilder {
	b.now = now
	return b
}

// Build creates the sampler.
func (b SamplerBuilder) Build() *Sampler {
	if b.registry == nil {
		panic("sampler requires a registry")
	}

	logger := b.logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	if !b.config.EnableLogging {
		logger = discardLogger()
	}

	return &Sampler{
		registry:     b.registry,
		config:       b.config,
		resources:    b.resources,
		lagProbe:     b.lagProbe,
		logger:       logger,
		alertHandler: b.alertHandler,
		now:          b.now,
	}
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)

	return l
}

// Start spawns the periodic sampling task and returns immediately. The
// history of any previous run is discarded.
func (s *Sampler) Start(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sampling interval must be positive, got %s", interval)
	}

	s.runLock.Lock()
	defer s.runLock.Unlock()

	if s.cancel != nil {
		return ErrAlreadyRunning
	}

	s.lock.Lock()
	s.history = nil
	s.prevCPU = nil
	s.sampleErrors = 0
	s.lock.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx, interval, s.done)

	s.logger.WithFields(logrus.Fields{
		"interval":          interval,
		"timeout_threshold": s.config.TimeoutThreshold,
	}).Debug("Sampler started")

	return nil
}

// Running tells if the periodic task is active.
func (s *Sampler) Running() bool {
	s.runLock.Lock()
	defer s.runLock.Unlock()

	return s.cancel != nil
}

// Stop cancels the periodic task, takes one final snapshot and returns the
// whole history. Stopping a sampler that is not running returns an empty
// history.
func (s *Sampler) Stop() []Snapshot {
	s.runLock.Lock()
	defer s.runLock.Unlock()

	if s.cancel == nil {
		return []Snapshot{}
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.tick()

	s.logger.Debug("Sampler stopped")

	return s.History()
}

func (s *Sampler) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Sampler) tick() {
	defer func() {
		if r := recover(); r != nil {
			s.lock.Lock()
			s.sampleErrors++
			s.lock.Unlock()

			s.logger.WithField("panic", r).Error("Sampling tick failed")
		}
	}()

	s.Sample()
}

// Sample takes one snapshot, appends it to the history and raises alerts.
// Concurrent calls are serialized.
func (s *Sampler) Sample() Snapshot {
	snapshot := s.takeSnapshot()

	s.raiseAlerts(snapshot, snapshot.Timestamp)

	return snapshot
}

func (s *Sampler) takeSnapshot() Snapshot {
	s.lock.Lock()
	defer s.lock.Unlock()

	now := s.now()
	view := s.registry.SnapshotView(now, s.config.TimeoutThreshold)

	snapshot := Snapshot{
		Timestamp:      now,
		ActiveCalls:    view.Active,
		CompletedCalls: view.Completed,
		HangingCalls:   view.Hanging,
		Summary:        Summarize(view.Active, view.Completed, view.Hanging),
	}

	s.sampleResources(&snapshot, now)

	if s.lagProbe != nil {
		snapshot.EventLoopLag = s.lagProbe()
	}

	snapshot.Alerts = s.evaluatePolicy(snapshot, now)

	s.appendHistory(snapshot)

	return snapshot
}

func (s *Sampler) sampleResources(snapshot *Snapshot, now time.Time) {
	if s.resources == nil {
		return
	}

	if !s.config.EnableMemoryTracking && !s.config.EnableCPUTracking {
		return
	}

	usage, err := s.resources.Sample()
	if err != nil {
		s.sampleErrors++
		snapshot.SampleError = err.Error()

		s.logger.WithError(err).Warn("Failed to sample resource usage")

		return
	}

	if s.config.EnableMemoryTracking {
		snapshot.MemoryUsage = usage.Memory
	}

	if s.config.EnableCPUTracking {
		if s.prevCPU != nil {
			snapshot.CPUUsage = cpuUsageBetween(
				*s.prevCPU, usage.CPUTimes, now.Sub(s.prevAt))
		}

		cpuTimes := usage.CPUTimes
		s.prevCPU = &cpuTimes
		s.prevAt = now
	}
}

func (s *Sampler) evaluatePolicy(snapshot Snapshot, now time.Time) []Alert {
	var alerts []Alert

	if s.config.AlertOnHanging {
		for _, e := range snapshot.HangingCalls {
			alerts = append(alerts, Alert{
				Kind:    AlertHanging,
				EntryID: e.ID,
				Message: fmt.Sprintf("call %q has been active for %s",
					e.Name, e.Elapsed(now).Round(time.Millisecond)),
			})
		}
	}

	if s.config.EnableMemoryTracking && s.config.MemoryThreshold > 0 &&
		snapshot.MemoryUsage.RSS > s.config.MemoryThreshold {
		alerts = append(alerts, Alert{
			Kind: AlertMemory,
			Message: fmt.Sprintf("resident memory %d bytes exceeds %d bytes",
				snapshot.MemoryUsage.RSS, s.config.MemoryThreshold),
		})
	}

	if s.config.EnableCPUTracking && s.config.CPUThreshold > 0 &&
		snapshot.CPUUsage.Percent > s.config.CPUThreshold {
		alerts = append(alerts, Alert{
			Kind: AlertCPU,
			Message: fmt.Sprintf("cpu usage %.1f%% exceeds %.1f%%",
				snapshot.CPUUsage.Percent, s.config.CPUThreshold),
		})
	}

	if s.config.EventLoopLagThreshold > 0 &&
		snapshot.EventLoopLag > s.config.EventLoopLagThreshold {
		alerts = append(alerts, Alert{
			Kind: AlertEventLoopLag,
			Message: fmt.Sprintf("scheduler lag %s exceeds %s",
				snapshot.EventLoopLag, s.config.EventLoopLagThreshold),
		})
	}

	return alerts
}

func (s *Sampler) appendHistory(snapshot Snapshot) {
	s.history = append(s.history, snapshot)

	limit := s.config.HistorySize
	if limit <= 0 {
		limit = DefaultHangingDetectionConfig().HistorySize
	}

	if over := len(s.history) - limit; over > 0 {
		s.history = append([]Snapshot(nil), s.history[over:]...)
	}
}

func (s *Sampler) raiseAlerts(snapshot Snapshot, now time.Time) {
	if len(snapshot.Alerts) == 0 {
		return
	}

	for _, e := range snapshot.HangingCalls {
		if !s.config.AlertOnHanging {
			break
		}

		fields := logrus.Fields{
			"id":      e.ID,
			"name":    e.Name,
			"elapsed": e.Elapsed(now).Round(time.Millisecond),
		}

		if !e.Location.IsZero() {
			fields["location"] = fmt.Sprintf("%s (%s:%d)",
				e.Location.FunctionName, e.Location.FileName, e.Location.LineNumber)
		}

		if e.Metadata.Len() > 0 {
			fields["metadata"] = tracking.Map(e.Metadata).Text()
		}

		s.logger.WithFields(fields).Warn("Hanging call detected")
	}

	for _, a := range snapshot.Alerts {
		if a.Kind != AlertHanging {
			s.logger.WithField("kind", a.Kind).Warn(a.Message)
		}
	}

	if s.alertHandler != nil {
		alerts := append([]Alert(nil), snapshot.Alerts...)
		go s.alertHandler(alerts)
	}
}

// History returns a copy of the snapshots taken so far, oldest first.
func (s *Sampler) History() []Snapshot {
	s.lock.Lock()
	defer s.lock.Unlock()

	history := make([]Snapshot, len(s.history))
	copy(history, s.history)

	return history
}

// Latest returns the most recent snapshot.
func (s *Sampler) Latest() (Snapshot, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if len(s.history) == 0 {
		return Snapshot{}, false
	}

	return s.history[len(s.history)-1], true
}

// SampleErrors returns the number of ticks whose resource reading failed.
func (s *Sampler) SampleErrors() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.sampleErrors
}

// Config returns the policy of the sampler.
func (s *Sampler) Config() HangingDetectionConfig {
	return s.config
}
