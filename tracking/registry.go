package tracking

import (
	"container/list"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultMaxActiveCalls is the active entry cap used when none is given.
const DefaultMaxActiveCalls = 1000

// DefaultCompletedHistorySize is the number of terminal entries retained when
// none is given.
const DefaultCompletedHistorySize = 1000

// A CapacityError reports that inserting an entry pushed the registry over
// its active entry cap. The new entry is still tracked; the oldest active
// entry was evicted to make room.
type CapacityError struct {
	MaxActiveCalls int
	EvictedID      string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf(
		"active call capacity %d exceeded, evicted entry %s",
		e.MaxActiveCalls, e.EvictedID)
}

// ErrDuplicateID is returned by Insert when the given id is already active.
var ErrDuplicateID = errors.New("entry id is already active")

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	MaxActiveCalls       int
	CompletedHistorySize int
	IDGenerator          IDGenerator
	Logger               *logrus.Logger
}

// View is a consistent copy of the registry content at one instant.
type View struct {
	Active    []Entry
	Completed []Entry
	Hanging   []Entry
}

// Stats are the aggregate counters of the registry at one instant. Duration
// statistics are computed over the retained terminal entries.
type Stats struct {
	TotalActive      int           `json:"totalActive"`
	TotalCompleted   int           `json:"totalCompleted"`
	TotalHanging     int           `json:"totalHanging"`
	TotalFinalized   uint64        `json:"totalFinalized"`
	AverageDuration  time.Duration `json:"averageDuration"`
	MinDuration      time.Duration `json:"minDuration"`
	MaxDuration      time.Duration `json:"maxDuration"`
	Evicted          uint64        `json:"evicted"`
	CapacityWarnings uint64        `json:"capacityWarnings"`
	UnknownFinalizes uint64        `json:"unknownFinalizes"`
	DuplicateIDs     uint64        `json:"duplicateIds"`
}

// Registry is the concurrent store of call entries. Active entries are kept
// in start order so the oldest can be evicted; terminal entries are kept in a
// bounded ring.
type Registry struct {
	lock sync.Mutex

	maxActiveCalls int
	idGenerator    IDGenerator
	logger         *logrus.Logger

	active      map[string]*list.Element
	activeOrder *list.List

	completed      []Entry
	completedStart int
	completedLen   int

	totalFinalized   uint64
	evicted          uint64
	capacityWarnings uint64
	unknownFinalizes uint64
	duplicateIDs     uint64
}

// NewRegistry creates a new Registry.
func NewRegistry(config RegistryConfig) *Registry {
	if config.MaxActiveCalls <= 0 {
		config.MaxActiveCalls = DefaultMaxActiveCalls
	}

	if config.CompletedHistorySize <= 0 {
		config.CompletedHistorySize = DefaultCompletedHistorySize
	}

	if config.IDGenerator == nil {
		config.IDGenerator = NewXIDGenerator()
	}

	if config.Logger == nil {
		config.Logger = logrus.New()
		config.Logger.SetLevel(logrus.WarnLevel)
	}

	return &Registry{
		maxActiveCalls: config.MaxActiveCalls,
		idGenerator:    config.IDGenerator,
		logger:         config.Logger,
		active:         make(map[string]*list.Element),
		activeOrder:    list.New(),
		completed:      make([]Entry, config.CompletedHistorySize),
	}
}

// Insert adds a new active entry and returns its id. An id is generated if
// the entry has none. If the cap on active entries is exceeded, the oldest
// active entry is evicted and a *CapacityError is returned alongside the id
// of the entry that was inserted anyway. An entry whose id is already active
// is rejected with ErrDuplicateID and the active entry is kept.
func (r *Registry) Insert(entry Entry) (string, error) {
	entry = entry.Clone()
	entry.Status = StatusActive
	entry.Duration = nil
	entry.Error = ""

	if entry.ID == "" {
		entry.ID = r.idGenerator.Generate()
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.active[entry.ID]; ok {
		r.duplicateIDs++
		r.logger.WithField("id", entry.ID).Warn("Rejected entry with an active id")

		return "", fmt.Errorf("insert %s: %w", entry.ID, ErrDuplicateID)
	}

	var err error
	if len(r.active) >= r.maxActiveCalls {
		evictedID := r.evictOldest()
		r.capacityWarnings++
		err = &CapacityError{
			MaxActiveCalls: r.maxActiveCalls,
			EvictedID:      evictedID,
		}

		r.logger.WithFields(logrus.Fields{
			"max_active_calls": r.maxActiveCalls,
			"evicted_id":       evictedID,
			"inserted_id":      entry.ID,
		}).Warn("Active call capacity exceeded")
	}

	r.active[entry.ID] = r.activeOrder.PushBack(&entry)

	return entry.ID, err
}

func (r *Registry) evictOldest() string {
	front := r.activeOrder.Front()
	if front == nil {
		return ""
	}

	oldest := front.Value.(*Entry)
	r.activeOrder.Remove(front)
	delete(r.active, oldest.ID)
	r.evicted++

	return oldest.ID
}

// Finalize moves an active entry into a terminal state and stamps its
// duration. It returns false, and changes nothing, if the id is not active.
// This happens when the entry was evicted.
func (r *Registry) Finalize(id string, result Result, duration time.Duration) bool {
	status := result.Status
	if !status.IsTerminal() {
		status = StatusCompleted
	}

	if duration < 0 {
		duration = 0
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	elem, ok := r.active[id]
	if !ok {
		r.unknownFinalizes++
		r.logger.WithFields(logrus.Fields{
			"id":     id,
			"status": status,
		}).Debug("Finalizing unknown entry")

		return false
	}

	r.activeOrder.Remove(elem)
	delete(r.active, id)

	entry := elem.Value.(*Entry)
	entry.Status = status
	entry.Duration = &duration

	if result.Err != nil {
		entry.Error = result.Err.Error()
	}

	r.pushCompleted(*entry)
	r.totalFinalized++

	return true
}

func (r *Registry) pushCompleted(e Entry) {
	capacity := len(r.completed)

	if r.completedLen < capacity {
		r.completed[(r.completedStart+r.completedLen)%capacity] = e
		r.completedLen++

		return
	}

	r.completed[r.completedStart] = e
	r.completedStart = (r.completedStart + 1) % capacity
}

func (r *Registry) forEachCompleted(f func(e *Entry)) {
	capacity := len(r.completed)

	for i := 0; i < r.completedLen; i++ {
		f(&r.completed[(r.completedStart+i)%capacity])
	}
}

// SnapshotView returns copies of the active, completed and hanging entries.
// Entries found hanging are marked as flagged, so it is meant for the
// sampling pass. Active and hanging entries are ordered by start time;
// completed entries are ordered by finalization.
func (r *Registry) SnapshotView(now time.Time, timeoutThreshold time.Duration) View {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.view(now, timeoutThreshold, true)
}

// Query returns the view and the counters of the registry read at the same
// instant. Unlike SnapshotView, it does not flag hanging entries.
func (r *Registry) Query(now time.Time, timeoutThreshold time.Duration) (View, Stats) {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.view(now, timeoutThreshold, false), r.stats(now, timeoutThreshold)
}

func (r *Registry) view(now time.Time, timeoutThreshold time.Duration, flag bool) View {
	view := View{
		Active:    make([]Entry, 0, len(r.active)),
		Completed: make([]Entry, 0, r.completedLen),
		Hanging:   make([]Entry, 0),
	}

	for e := r.activeOrder.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*Entry)

		if entry.IsHanging(now, timeoutThreshold) {
			if flag {
				entry.WasFlaggedHanging = true
			}

			view.Hanging = append(view.Hanging, entry.Clone())
		}

		view.Active = append(view.Active, entry.Clone())
	}

	r.forEachCompleted(func(e *Entry) {
		view.Completed = append(view.Completed, e.Clone())
	})

	sortByTimestamp(view.Active)
	sortByTimestamp(view.Hanging)

	return view
}

func sortByTimestamp(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}

// SummaryStats returns the current counters of the registry.
func (r *Registry) SummaryStats(now time.Time, timeoutThreshold time.Duration) Stats {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.stats(now, timeoutThreshold)
}

func (r *Registry) stats(now time.Time, timeoutThreshold time.Duration) Stats {
	stats := Stats{
		TotalActive:      len(r.active),
		TotalCompleted:   r.completedLen,
		TotalFinalized:   r.totalFinalized,
		Evicted:          r.evicted,
		CapacityWarnings: r.capacityWarnings,
		UnknownFinalizes: r.unknownFinalizes,
		DuplicateIDs:     r.duplicateIDs,
	}

	for e := r.activeOrder.Front(); e != nil; e = e.Next() {
		if e.Value.(*Entry).IsHanging(now, timeoutThreshold) {
			stats.TotalHanging++
		}
	}

	var total time.Duration

	first := true
	r.forEachCompleted(func(e *Entry) {
		d := *e.Duration
		total += d

		if first || d < stats.MinDuration {
			stats.MinDuration = d
		}

		if d > stats.MaxDuration {
			stats.MaxDuration = d
		}

		first = false
	})

	if r.completedLen > 0 {
		stats.AverageDuration = total / time.Duration(r.completedLen)
	}

	return stats
}

// Get returns a copy of an active or retained terminal entry.
func (r *Registry) Get(id string) (Entry, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if elem, ok := r.active[id]; ok {
		return elem.Value.(*Entry).Clone(), true
	}

	var found *Entry

	r.forEachCompleted(func(e *Entry) {
		if e.ID == id {
			found = e
		}
	})

	if found == nil {
		return Entry{}, false
	}

	return found.Clone(), true
}

// Len returns the number of active entries.
func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()

	return len(r.active)
}
