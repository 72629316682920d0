package monitoring_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/hangwatch/monitoring"
	"github.com/sarchlab/hangwatch/reporting"
)

var _ = Describe("Server", func() {
	var (
		m       *monitoring.Monitor
		handler http.Handler
		release chan struct{}
		blocked <-chan monitoring.Outcome[int]
	)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

		return rec
	}

	BeforeEach(func() {
		m = newTestMonitor()
		handler = m.Handler()
		Expect(m.Start(time.Hour, testConfig())).To(Succeed())

		release = make(chan struct{})
		blocked = monitoring.TrackAsync(context.Background(), m, "blocked", nil,
			func(context.Context) (int, error) {
				<-release
				return 0, nil
			})
	})

	AfterEach(func() {
		close(release)
		Eventually(blocked).Should(Receive())
		m.Stop()
	})

	It("should serve the summary", func() {
		rec := get("/api/summary")

		Expect(rec.Code).To(Equal(http.StatusOK))
		summary := reporting.CallStackSummary{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &summary)).To(Succeed())
		Expect(summary.Active).To(HaveLen(1))
		Expect(summary.Active[0].Name).To(Equal("blocked"))
	})

	It("should serve a call by id", func() {
		id := m.Summary().Active[0].ID

		rec := get("/api/entry/" + id)

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("blocked"))
	})

	It("should answer 404 for an unknown call", func() {
		Expect(get("/api/entry/nope").Code).To(Equal(http.StatusNotFound))
	})

	It("should serve the latest snapshots", func() {
		m.Stop()
		Expect(m.Start(10*time.Millisecond, testConfig())).To(Succeed())
		Eventually(func() int { return len(m.History()) }).
			Should(BeNumerically(">=", 3))

		rec := get("/api/snapshots?limit=2")

		Expect(rec.Code).To(Equal(http.StatusOK))
		var snapshots []json.RawMessage
		Expect(json.Unmarshal(rec.Body.Bytes(), &snapshots)).To(Succeed())
		Expect(snapshots).To(HaveLen(2))
	})

	It("should reject a malformed limit", func() {
		Expect(get("/api/snapshots?limit=many").Code).
			To(Equal(http.StatusBadRequest))
	})

	It("should serve the text report", func() {
		rec := get("/api/report")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("Hang Monitoring Report"))
	})

	It("should serve the export", func() {
		rec := get("/api/export")

		exp := reporting.Export{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &exp)).To(Succeed())
		Expect(exp.SessionID).To(Equal(m.SessionID()))
	})

	It("should serve the resource usage", func() {
		rec := get("/api/resource")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("cpu_percent"))
	})

	It("should collect a short profile", func() {
		rec := get("/api/profile?duration=50ms")

		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("should reject a malformed profile duration", func() {
		Expect(get("/api/profile?duration=forever").Code).
			To(Equal(http.StatusBadRequest))
	})

	It("should stop the session", func() {
		id := m.SessionID()
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/stop", nil))

		Expect(rec.Code).To(Equal(http.StatusOK))
		exp := reporting.Export{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &exp)).To(Succeed())
		Expect(exp.SessionID).To(Equal(id))
		Expect(m.Running()).To(BeFalse())

		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/stop", nil))
		Expect(rec.Code).To(Equal(http.StatusConflict))
	})

	It("should serve the dashboard", func() {
		rec := get("/")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(HavePrefix("<!DOCTYPE html>"))
	})

	It("should listen on a port", func() {
		addr, err := m.StartServer()
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(m.ShutdownServer, context.Background())

		rsp, err := http.Get(fmt.Sprintf("http://%s/api/summary", addr))
		Expect(err).NotTo(HaveOccurred())
		defer rsp.Body.Close()

		body, err := io.ReadAll(rsp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(ContainSubstring("blocked"))
	})
})
