// Package monitoring tracks units of work while a monitoring session is
// running and serves what it observes.
package monitoring

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/hangwatch/reporting"
	"github.com/sarchlab/hangwatch/sampling"
	"github.com/sarchlab/hangwatch/tracking"
)

// ErrAlreadyRunning is returned when starting a monitor that is running. The
// running session is left untouched.
var ErrAlreadyRunning = sampling.ErrAlreadyRunning

// Monitor owns monitoring sessions. Work tracked while a session runs is
// recorded in the session registry and sampled periodically.
type Monitor struct {
	logger       *logrus.Logger
	idGenerator  tracking.IDGenerator
	resources    sampling.ResourceSampler
	lagProbe     func() time.Duration
	alertHandler sampling.AlertHandler
	now          func() time.Time
	portNumber   int

	lock     sync.Mutex
	session  *session
	finished *reporting.Export
	done     chan struct{}

	serverLock sync.Mutex
	server     *http.Server
}

type session struct {
	id        string
	startedAt time.Time
	config    sampling.HangingDetectionConfig
	logger    *logrus.Logger
	registry  *tracking.Registry
	sampler   *sampling.Sampler
	done      chan struct{}
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	done := make(chan struct{})
	close(done)

	return &Monitor{
		logger:      logger,
		idGenerator: tracking.NewXIDGenerator(),
		now:         time.Now,
		done:        done,
	}
}

// WithLogger sets the logger of the monitor.
func (m *Monitor) WithLogger(l *logrus.Logger) *Monitor {
	if l != nil {
		m.logger = l
	}

	return m
}

// WithIDGenerator sets how call ids are generated.
func (m *Monitor) WithIDGenerator(g tracking.IDGenerator) *Monitor {
	m.idGenerator = g
	return m
}

// WithResourceSampler sets where resource counters are read from. By default
// the counters of the current process are read.
func (m *Monitor) WithResourceSampler(rs sampling.ResourceSampler) *Monitor {
	m.resources = rs
	return m
}

// WithLagProbe replaces the scheduler lag measurement.
func (m *Monitor) WithLagProbe(probe func() time.Duration) *Monitor {
	m.lagProbe = probe
	return m
}

// WithAlertHandler sets a callback that receives the alerts of every
// snapshot.
func (m *Monitor) WithAlertHandler(h sampling.AlertHandler) *Monitor {
	m.alertHandler = h
	return m
}

// WithClock replaces time.Now.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

const minPortNumber = 1000

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < minPortNumber {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

var (
	defaultMonitor     *Monitor
	defaultMonitorOnce sync.Once
)

// Default returns the process-wide monitor.
func Default() *Monitor {
	defaultMonitorOnce.Do(func() {
		defaultMonitor = NewMonitor()
	})

	return defaultMonitor
}

// Start begins a monitoring session that samples every interval. It returns
// ErrAlreadyRunning, and changes nothing, if a session is running.
func (m *Monitor) Start(
	interval time.Duration,
	config sampling.HangingDetectionConfig,
) error {
	if err := config.Validate(); err != nil {
		return err
	}

	if interval <= 0 {
		return fmt.Errorf("sampling interval must be positive, got %s", interval)
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if m.session != nil {
		return ErrAlreadyRunning
	}

	logger := m.logger
	if !config.EnableLogging {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	registry := tracking.NewRegistry(tracking.RegistryConfig{
		MaxActiveCalls:       config.MaxActiveCalls,
		CompletedHistorySize: config.CompletedHistorySize,
		IDGenerator:          m.idGenerator,
		Logger:               logger,
	})

	builder := sampling.MakeSamplerBuilder().
		WithRegistry(registry).
		WithConfig(config).
		WithResourceSampler(m.resourceSampler(logger)).
		WithLogger(logger).
		WithAlertHandler(m.alertHandler).
		WithClock(m.now)
	if m.lagProbe != nil {
		builder = builder.WithLagProbe(m.lagProbe)
	}

	s := &session{
		id:        uuid.NewString(),
		startedAt: m.now(),
		config:    config,
		logger:    logger,
		registry:  registry,
		sampler:   builder.Build(),
		done:      make(chan struct{}),
	}

	if err := s.sampler.Start(interval); err != nil {
		return err
	}

	m.session = s
	m.finished = nil
	m.done = s.done

	logger.WithFields(logrus.Fields{
		"session":           s.id,
		"interval":          interval,
		"timeout_threshold": config.TimeoutThreshold,
	}).Info("Monitoring started")

	return nil
}

func (m *Monitor) resourceSampler(logger *logrus.Logger) sampling.ResourceSampler {
	if m.resources != nil {
		return m.resources
	}

	rs, err := sampling.NewProcessResourceSampler()
	if err != nil {
		logger.WithError(err).Warn("Resource usage will not be sampled")
		return nil
	}

	return rs
}

// Stop ends the running session and returns its snapshot history. Work still
// in flight keeps running and is recorded in the detached registry, which is
// no longer sampled. Stopping a monitor that is not running returns an empty
// history.
func (m *Monitor) Stop() []sampling.Snapshot {
	exp, ok := m.Finish()
	if !ok {
		return []sampling.Snapshot{}
	}

	return exp.Snapshots
}

// Finish ends the running session like Stop and returns everything the
// session produced. It returns false if no session was running.
func (m *Monitor) Finish() (reporting.Export, bool) {
	m.lock.Lock()
	s := m.session
	m.session = nil
	m.lock.Unlock()

	if s == nil {
		return emptyExport(), false
	}

	history := s.sampler.Stop()
	exp := s.export(history, m.now())

	m.lock.Lock()
	m.finished = &exp
	m.lock.Unlock()

	close(s.done)

	s.logger.WithFields(logrus.Fields{
		"session":   s.id,
		"snapshots": len(history),
		"hanging":   exp.Final.Summary.TotalHanging,
	}).Info("Monitoring stopped")

	return exp, true
}

// Done returns a channel that is closed when the current session ends. If
// no session is running, the channel is already closed.
func (m *Monitor) Done() <-chan struct{} {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.done
}

// LastExport returns what the most recently finished session produced.
func (m *Monitor) LastExport() (reporting.Export, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.finished == nil {
		return emptyExport(), false
	}

	return *m.finished, true
}

func (m *Monitor) current() *session {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.session
}

// Running tells if a session is running.
func (m *Monitor) Running() bool {
	return m.current() != nil
}

// SessionID returns the id of the running session, or an empty string.
func (m *Monitor) SessionID() string {
	s := m.current()
	if s == nil {
		return ""
	}

	return s.id
}

// Config returns the policy of the running session.
func (m *Monitor) Config() (sampling.HangingDetectionConfig, bool) {
	s := m.current()
	if s == nil {
		return sampling.HangingDetectionConfig{}, false
	}

	return s.config, true
}

// Summary returns the current counts plus the active, hanging and recent
// calls. It is empty when no session is running.
func (m *Monitor) Summary() reporting.CallStackSummary {
	s := m.current()
	if s == nil {
		return reporting.EmptyCallStackSummary()
	}

	return s.summary(m.now())
}

// Entry returns the call with the given id, if it is active or retained.
func (m *Monitor) Entry(id string) (tracking.Entry, bool) {
	s := m.current()
	if s == nil {
		return tracking.Entry{}, false
	}

	return s.registry.Get(id)
}

// Snapshot returns the latest snapshot of the running session.
func (m *Monitor) Snapshot() (sampling.Snapshot, bool) {
	s := m.current()
	if s == nil {
		return sampling.Snapshot{}, false
	}

	return s.sampler.Latest()
}

// History returns the snapshots of the running session, oldest first.
func (m *Monitor) History() []sampling.Snapshot {
	s := m.current()
	if s == nil {
		return []sampling.Snapshot{}
	}

	return s.sampler.History()
}

// Export returns everything the running session produced so far.
func (m *Monitor) Export() reporting.Export {
	s := m.current()
	if s == nil {
		return emptyExport()
	}

	return s.export(s.sampler.History(), m.now())
}

// GenerateReport renders a text report of the running session. It returns
// an empty string when no session is running.
func (m *Monitor) GenerateReport() string {
	if !m.Running() {
		return ""
	}

	return reporting.Report(m.Export())
}

// ExportData writes the export of the running session to path. The format
// follows the extension of the path. Without a session, an empty export is
// written.
func (m *Monitor) ExportData(path string) error {
	return reporting.WriteExport(path, m.Export())
}

func (s *session) summary(now time.Time) reporting.CallStackSummary {
	threshold := s.config.TimeoutThreshold

	view, stats := s.registry.Query(now, threshold)

	return reporting.NewCallStackSummary(stats, view, reporting.DefaultRecentLimit)
}

func (s *session) export(
	history []sampling.Snapshot,
	now time.Time,
) reporting.Export {
	return reporting.Export{
		SessionID:  s.id,
		StartedAt:  s.startedAt,
		ExportedAt: now,
		Config:     s.config,
		Snapshots:  history,
		Final:      s.summary(now),
	}
}

func emptyExport() reporting.Export {
	return reporting.Export{
		Snapshots: []sampling.Snapshot{},
		Final:     reporting.EmptyCallStackSummary(),
	}
}
