package tracking_test

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/hangwatch/tracking"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return logger
}

var _ = Describe("Registry", func() {
	var (
		r     *tracking.Registry
		start time.Time
	)

	BeforeEach(func() {
		start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		r = tracking.NewRegistry(tracking.RegistryConfig{
			MaxActiveCalls:       3,
			CompletedHistorySize: 4,
			IDGenerator:          tracking.NewSequentialIDGenerator(),
			Logger:               quietLogger(),
		})
	})

	insertAt := func(name string, offset time.Duration) string {
		id, err := r.Insert(tracking.Entry{
			Name:      name,
			Timestamp: start.Add(offset),
		})
		Expect(err).NotTo(HaveOccurred())

		return id
	}

	It("should insert active entries without duration", func() {
		id := insertAt("a", 0)

		e, ok := r.Get(id)

		Expect(ok).To(BeTrue())
		Expect(e.ID).To(Equal("1"))
		Expect(e.Status).To(Equal(tracking.StatusActive))
		Expect(e.Duration).To(BeNil())
		Expect(r.Len()).To(Equal(1))
	})

	It("should finalize an entry with a duration", func() {
		id := insertAt("a", 0)

		ok := r.Finalize(id, tracking.Succeeded(), 5*time.Millisecond)

		Expect(ok).To(BeTrue())
		e, found := r.Get(id)
		Expect(found).To(BeTrue())
		Expect(e.Status).To(Equal(tracking.StatusCompleted))
		Expect(*e.Duration).To(Equal(5 * time.Millisecond))
		Expect(r.Len()).To(Equal(0))
	})

	It("should record errors and classify deadlines as timeouts", func() {
		failed := insertAt("failed", 0)
		late := insertAt("late", 0)

		r.Finalize(failed, tracking.Failed(errors.New("boom")), time.Second)
		r.Finalize(late, tracking.Failed(
			fmt.Errorf("waiting: %w", contextDeadline())), time.Second)

		e, _ := r.Get(failed)
		Expect(e.Status).To(Equal(tracking.StatusError))
		Expect(e.Error).To(Equal("boom"))

		e, _ = r.Get(late)
		Expect(e.Status).To(Equal(tracking.StatusTimeout))
	})

	It("should clamp negative durations to zero", func() {
		id := insertAt("a", 0)

		r.Finalize(id, tracking.Succeeded(), -time.Second)

		e, _ := r.Get(id)
		Expect(*e.Duration).To(BeZero())
	})

	It("should ignore finalizing unknown ids", func() {
		ok := r.Finalize("nope", tracking.Succeeded(), time.Second)

		Expect(ok).To(BeFalse())
		Expect(r.SummaryStats(start, time.Second).UnknownFinalizes).
			To(Equal(uint64(1)))
	})

	It("should not finalize an entry twice", func() {
		id := insertAt("a", 0)

		Expect(r.Finalize(id, tracking.Succeeded(), time.Second)).To(BeTrue())
		Expect(r.Finalize(id, tracking.Failed(errors.New("x")), time.Second)).
			To(BeFalse())

		e, _ := r.Get(id)
		Expect(e.Status).To(Equal(tracking.StatusCompleted))
	})

	It("should evict the oldest active entry when over capacity", func() {
		first := insertAt("a", 0)
		insertAt("b", time.Second)
		insertAt("c", 2*time.Second)

		id, err := r.Insert(tracking.Entry{Name: "d", Timestamp: start})

		var capErr *tracking.CapacityError
		Expect(errors.As(err, &capErr)).To(BeTrue())
		Expect(capErr.EvictedID).To(Equal(first))
		Expect(id).NotTo(BeEmpty())
		Expect(r.Len()).To(Equal(3))

		_, found := r.Get(first)
		Expect(found).To(BeFalse())
		Expect(r.Finalize(first, tracking.Succeeded(), 0)).To(BeFalse())

		stats := r.SummaryStats(start, time.Hour)
		Expect(stats.Evicted).To(Equal(uint64(1)))
		Expect(stats.CapacityWarnings).To(Equal(uint64(1)))
	})

	It("should keep only the most recent completed entries", func() {
		for i := 0; i < 6; i++ {
			id := insertAt(fmt.Sprintf("op%d", i), 0)
			r.Finalize(id, tracking.Succeeded(), time.Duration(i)*time.Second)
		}

		view := r.SnapshotView(start, time.Hour)

		Expect(view.Completed).To(HaveLen(4))
		Expect(view.Completed[0].Name).To(Equal("op2"))
		Expect(view.Completed[3].Name).To(Equal("op5"))
	})

	It("should classify hanging entries and flag them", func() {
		old := insertAt("old", 0)
		insertAt("young", 9*time.Second)

		view := r.SnapshotView(start.Add(10*time.Second), 5*time.Second)

		Expect(view.Active).To(HaveLen(2))
		Expect(view.Hanging).To(HaveLen(1))
		Expect(view.Hanging[0].ID).To(Equal(old))
		Expect(view.Hanging[0].Status).To(Equal(tracking.StatusActive))

		r.Finalize(old, tracking.Succeeded(), 12*time.Second)

		e, _ := r.Get(old)
		Expect(e.Status).To(Equal(tracking.StatusCompleted))
		Expect(e.WasFlaggedHanging).To(BeTrue())
	})

	It("should return copies that do not alias the registry", func() {
		md := tracking.NewMetadata().Set("k", tracking.String("v"))
		id, _ := r.Insert(tracking.Entry{Name: "a", Metadata: md})

		md.Set("k", tracking.String("changed"))
		view := r.SnapshotView(time.Now(), time.Hour)
		view.Active[0].Metadata.Set("k", tracking.String("mutated"))

		e, _ := r.Get(id)
		v, _ := e.Metadata.Get("k")
		Expect(v.Text()).To(Equal("v"))
	})

	It("should compute duration statistics over completed entries", func() {
		for i, d := range []time.Duration{time.Second, 3 * time.Second, 2 * time.Second} {
			id := insertAt(fmt.Sprintf("op%d", i), 0)
			r.Finalize(id, tracking.Succeeded(), d)
		}
		insertAt("running", 0)

		stats := r.SummaryStats(start.Add(time.Minute), time.Second)

		Expect(stats.TotalActive).To(Equal(1))
		Expect(stats.TotalCompleted).To(Equal(3))
		Expect(stats.TotalHanging).To(Equal(1))
		Expect(stats.TotalFinalized).To(Equal(uint64(3)))
		Expect(stats.MinDuration).To(Equal(time.Second))
		Expect(stats.MaxDuration).To(Equal(3 * time.Second))
		Expect(stats.AverageDuration).To(Equal(2 * time.Second))
	})

	It("should keep duration unset exactly while active", func() {
		a := insertAt("a", 0)
		insertAt("b", 0)
		r.Finalize(a, tracking.Failed(errors.New("x")), time.Second)

		view := r.SnapshotView(start, time.Hour)

		for _, e := range view.Active {
			Expect(e.Status).To(Equal(tracking.StatusActive))
			Expect(e.Duration).To(BeNil())
		}

		for _, e := range view.Completed {
			Expect(e.Status.IsTerminal()).To(BeTrue())
			Expect(e.Duration).NotTo(BeNil())
			Expect(*e.Duration >= 0).To(BeTrue())
		}
	})

	It("should handle concurrent inserts and finalizes", func() {
		r = tracking.NewRegistry(tracking.RegistryConfig{
			MaxActiveCalls:       1000,
			CompletedHistorySize: 1000,
			Logger:               quietLogger(),
		})

		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			ids = make(map[string]bool)
		)

		for i := 0; i < 100; i++ {
			wg.Add(1)

			go func(i int) {
				defer GinkgoRecover()
				defer wg.Done()

				id, err := r.Insert(tracking.Entry{Name: fmt.Sprintf("op%d", i)})
				Expect(err).NotTo(HaveOccurred())

				r.SnapshotView(time.Now(), time.Hour)
				r.Finalize(id, tracking.Succeeded(), time.Millisecond)

				mu.Lock()
				ids[id] = true
				mu.Unlock()
			}(i)
		}

		wg.Wait()

		Expect(ids).To(HaveLen(100))
		Expect(r.Len()).To(Equal(0))
		Expect(r.SummaryStats(time.Now(), time.Hour).TotalCompleted).To(Equal(100))
	})

	It("should reject an id that is already active", func() {
		first, err := r.Insert(tracking.Entry{ID: "dup", Name: "first"})
		Expect(err).NotTo(HaveOccurred())

		id, err := r.Insert(tracking.Entry{ID: "dup", Name: "second"})

		Expect(err).To(MatchError(tracking.ErrDuplicateID))
		Expect(id).To(BeEmpty())
		Expect(r.Len()).To(Equal(1))

		e, _ := r.Get(first)
		Expect(e.Name).To(Equal("first"))
		Expect(r.SummaryStats(time.Now(), time.Hour).DuplicateIDs).
			To(Equal(uint64(1)))
	})

	It("should accept an id again once its entry is terminal", func() {
		_, err := r.Insert(tracking.Entry{ID: "reused", Name: "a"})
		Expect(err).NotTo(HaveOccurred())
		r.Finalize("reused", tracking.Succeeded(), time.Second)

		_, err = r.Insert(tracking.Entry{ID: "reused", Name: "b"})

		Expect(err).NotTo(HaveOccurred())
	})

	It("should query without flagging hanging entries", func() {
		old := insertAt("old", 0)
		now := start.Add(10 * time.Second)

		view, stats := r.Query(now, 5*time.Second)

		Expect(view.Hanging).To(HaveLen(1))
		Expect(view.Hanging[0].WasFlaggedHanging).To(BeFalse())
		Expect(stats.TotalHanging).To(Equal(1))

		r.Finalize(old, tracking.Succeeded(), 12*time.Second)

		e, _ := r.Get(old)
		Expect(e.WasFlaggedHanging).To(BeFalse())
	})

	It("should report counts that match the lists of the same query", func() {
		r = tracking.NewRegistry(tracking.RegistryConfig{
			MaxActiveCalls:       1000,
			CompletedHistorySize: 50,
			Logger:               quietLogger(),
		})

		stop := make(chan struct{})
		var wg sync.WaitGroup

		defer func() {
			close(stop)
			wg.Wait()
		}()

		for i := 0; i < 16; i++ {
			wg.Add(1)

			go func() {
				defer GinkgoRecover()
				defer wg.Done()

				for {
					select {
					case <-stop:
						return
					default:
					}

					id, err := r.Insert(tracking.Entry{
						Name:      "op",
						Timestamp: time.Now().Add(-time.Second),
					})
					Expect(err).NotTo(HaveOccurred())
					r.Finalize(id, tracking.Succeeded(), time.Microsecond)
				}
			}()
		}

		for i := 0; i < 2000; i++ {
			view, stats := r.Query(time.Now(), 500*time.Millisecond)

			Expect(stats.TotalActive).To(Equal(len(view.Active)))
			Expect(stats.TotalHanging).To(Equal(len(view.Hanging)))
			Expect(stats.TotalCompleted).To(Equal(len(view.Completed)))
		}
	})
})
