package sampling

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// HangingDetectionConfig is the policy of one monitoring session. It is
// passed once when monitoring starts and never changes afterwards.
type HangingDetectionConfig struct {
	// TimeoutThreshold is how long an active call may run before it is
	// considered hanging.
	TimeoutThreshold time.Duration `json:"timeoutThreshold"`

	// MemoryThreshold is the resident set size, in bytes, above which a
	// memory alert is raised.
	MemoryThreshold uint64 `json:"memoryThreshold"`

	// CPUThreshold is the process CPU usage, in percent of one core, above
	// which a CPU alert is raised.
	CPUThreshold float64 `json:"cpuThreshold"`

	// EventLoopLagThreshold is the scheduler lag above which a lag alert is
	// raised.
	EventLoopLagThreshold time.Duration `json:"eventLoopLagThreshold"`

	// MaxActiveCalls caps the number of active entries in the registry.
	MaxActiveCalls int `json:"maxActiveCalls"`

	EnableStackTrace     bool `json:"enableStackTrace"`
	EnableMemoryTracking bool `json:"enableMemoryTracking"`
	EnableCPUTracking    bool `json:"enableCPUTracking"`
	EnableLogging        bool `json:"enableLogging"`
	AlertOnHanging       bool `json:"alertOnHanging"`

	// HistorySize is the number of snapshots kept by the sampler.
	HistorySize int `json:"historySize"`

	// CompletedHistorySize is the number of finished entries kept by the
	// registry.
	CompletedHistorySize int `json:"completedHistorySize"`
}

// DefaultHangingDetectionConfig returns the default policy.
func DefaultHangingDetectionConfig() HangingDetectionConfig {
	return HangingDetectionConfig{
		TimeoutThreshold:      30 * time.Second,
		MemoryThreshold:       512 << 20,
		CPUThreshold:          80,
		EventLoopLagThreshold: 100 * time.Millisecond,
		MaxActiveCalls:        1000,
		EnableStackTrace:      true,
		EnableMemoryTracking:  true,
		EnableCPUTracking:     true,
		EnableLogging:         true,
		AlertOnHanging:        true,
		HistorySize:           1000,
		CompletedHistorySize:  1000,
	}
}

// WithTimeoutThreshold sets the hanging threshold.
func (c HangingDetectionConfig) WithTimeoutThreshold(
	d time.Duration,
) HangingDetectionConfig {
	c.TimeoutThreshold = d
	return c
}

// WithMemoryThreshold sets the resident memory alert threshold in bytes.
func (c HangingDetectionConfig) WithMemoryThreshold(
	bytes uint64,
) HangingDetectionConfig {
	c.MemoryThreshold = bytes
	return c
}

// WithCPUThreshold sets the CPU alert threshold in percent.
func (c HangingDetectionConfig) WithCPUThreshold(
	percent float64,
) HangingDetectionConfig {
	c.CPUThreshold = percent
	return c
}

// WithEventLoopLagThreshold sets the scheduler lag alert threshold.
func (c HangingDetectionConfig) WithEventLoopLagThreshold(
	d time.Duration,
) HangingDetectionConfig {
	c.EventLoopLagThreshold = d
	return c
}

// WithMaxActiveCalls sets the cap on active entries.
func (c HangingDetectionConfig) WithMaxActiveCalls(n int) HangingDetectionConfig {
	c.MaxActiveCalls = n
	return c
}

// WithStackTrace toggles caller capture.
func (c HangingDetectionConfig) WithStackTrace(on bool) HangingDetectionConfig {
	c.EnableStackTrace = on
	return c
}

// WithMemoryTracking toggles memory sampling.
func (c HangingDetectionConfig) WithMemoryTracking(on bool) HangingDetectionConfig {
	c.EnableMemoryTracking = on
	return c
}

// WithCPUTracking toggles CPU sampling.
func (c HangingDetectionConfig) WithCPUTracking(on bool) HangingDetectionConfig {
	c.EnableCPUTracking = on
	return c
}

// WithLogging toggles logging.
func (c HangingDetectionConfig) WithLogging(on bool) HangingDetectionConfig {
	c.EnableLogging = on
	return c
}

// WithAlertOnHanging toggles hanging alerts.
func (c HangingDetectionConfig) WithAlertOnHanging(on bool) HangingDetectionConfig {
	c.AlertOnHanging = on
	return c
}

// WithHistorySize sets the number of snapshots kept.
func (c HangingDetectionConfig) WithHistorySize(n int) HangingDetectionConfig {
	c.HistorySize = n
	return c
}

// WithCompletedHistorySize sets the number of finished entries kept.
func (c HangingDetectionConfig) WithCompletedHistorySize(
	n int,
) HangingDetectionConfig {
	c.CompletedHistorySize = n
	return c
}

// Validate checks that all the thresholds and sizes are usable.
func (c HangingDetectionConfig) Validate() error {
	var errs []error

	if c.TimeoutThreshold <= 0 {
		errs = append(errs, errors.New("timeout threshold must be positive"))
	}

	if c.CPUThreshold < 0 {
		errs = append(errs, errors.New("cpu threshold must not be negative"))
	}

	if c.EventLoopLagThreshold < 0 {
		errs = append(errs, errors.New("event loop lag threshold must not be negative"))
	}

	if c.MaxActiveCalls <= 0 {
		errs = append(errs, errors.New("max active calls must be positive"))
	}

	if c.HistorySize <= 0 {
		errs = append(errs, errors.New("history size must be positive"))
	}

	if c.CompletedHistorySize <= 0 {
		errs = append(errs, errors.New("completed history size must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid hanging detection config: %w", errors.Join(errs...))
	}

	return nil
}

// Environment variables read by LoadHangingDetectionConfig.
const (
	EnvTimeoutThreshold      = "HANGWATCH_TIMEOUT_THRESHOLD"
	EnvMemoryThreshold       = "HANGWATCH_MEMORY_THRESHOLD"
	EnvCPUThreshold          = "HANGWATCH_CPU_THRESHOLD"
	EnvEventLoopLagThreshold = "HANGWATCH_EVENT_LOOP_LAG_THRESHOLD"
	EnvMaxActiveCalls        = "HANGWATCH_MAX_ACTIVE_CALLS"
	EnvEnableStackTrace      = "HANGWATCH_ENABLE_STACK_TRACE"
	EnvEnableMemoryTracking  = "HANGWATCH_ENABLE_MEMORY_TRACKING"
	EnvEnableCPUTracking     = "HANGWATCH_ENABLE_CPU_TRACKING"
	EnvEnableLogging         = "HANGWATCH_ENABLE_LOGGING"
	EnvAlertOnHanging        = "HANGWATCH_ALERT_ON_HANGING"
	EnvHistorySize           = "HANGWATCH_HISTORY_SIZE"
	EnvCompletedHistorySize  = "HANGWATCH_COMPLETED_HISTORY_SIZE"
)

// LoadHangingDetectionConfig starts from the defaults and applies the
// HANGWATCH_* environment variables. The given .env files are loaded first;
// missing files are ignored and variables already set in the environment win.
func LoadHangingDetectionConfig(envFiles ...string) (HangingDetectionConfig, error) {
	for _, f := range envFiles {
		err := godotenv.Load(f)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return HangingDetectionConfig{}, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	c := DefaultHangingDetectionConfig()
	l := envLoader{}

	l.loadDuration(EnvTimeoutThreshold, &c.TimeoutThreshold)
	l.loadUint(EnvMemoryThreshold, &c.MemoryThreshold)
	l.loadFloat(EnvCPUThreshold, &c.CPUThreshold)
	l.loadDuration(EnvEventLoopLagThreshold, &c.EventLoopLagThreshold)
	l.loadInt(EnvMaxActiveCalls, &c.MaxActiveCalls)
	l.loadBool(EnvEnableStackTrace, &c.EnableStackTrace)
	l.loadBool(EnvEnableMemoryTracking, &c.EnableMemoryTracking)
	l.loadBool(EnvEnableCPUTracking, &c.EnableCPUTracking)
	l.loadBool(EnvEnableLogging, &c.EnableLogging)
	l.loadBool(EnvAlertOnHanging, &c.AlertOnHanging)
	l.loadInt(EnvHistorySize, &c.HistorySize)
	l.loadInt(EnvCompletedHistorySize, &c.CompletedHistorySize)

	if len(l.errs) > 0 {
		return HangingDetectionConfig{}, errors.Join(l.errs...)
	}

	return c, c.Validate()
}

type envLoader struct {
	errs []error
}

func (l *envLoader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", false
	}

	return v, true
}

func (l *envLoader) fail(name, v string, err error) {
	l.errs = append(l.errs, fmt.Errorf("%s=%q: %w", name, v, err))
}

// duration accepts Go durations ("2s") and bare integers as milliseconds.
func (l *envLoader) loadDuration(name string, dst *time.Duration) {
	v, ok := l.lookup(name)
	if !ok {
		return
	}

	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		l.fail(name, v, err)
		return
	}

	*dst = d
}

func (l *envLoader) loadUint(name string, dst *uint64) {
	v, ok := l.lookup(name)
	if !ok {
		return
	}

	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		l.fail(name, v, err)
		return
	}

	*dst = n
}

func (l *envLoader) loadInt(name string, dst *int) {
	v, ok := l.lookup(name)
	if !ok {
		return
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		l.fail(name, v, err)
		return
	}

	*dst = n
}

func (l *envLoader) loadFloat(name string, dst *float64) {
	v, ok := l.lookup(name)
	if !ok {
		return
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.fail(name, v, err)
		return
	}

	*dst = f
}

func (l *envLoader) loadBool(name string, dst *bool) {
	v, ok := l.lookup(name)
	if !ok {
		return
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		l.fail(name, v, err)
		return
	}

	*dst = b
}
