package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/pprof"
	"strconv"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/syifan/goseth"

	"github.com/sarchlab/hangwatch/monitoring/web"
	"github.com/sarchlab/hangwatch/sampling"
)

const maxProfileDuration = 30 * time.Second

// Handler returns the HTTP API of the monitor.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()

	fServer := http.FileServer(web.GetAssets())
	r.HandleFunc("/api/summary", m.summary).Methods(http.MethodGet)
	r.HandleFunc("/api/report", m.report).Methods(http.MethodGet)
	r.HandleFunc("/api/snapshots", m.snapshots).Methods(http.MethodGet)
	r.HandleFunc("/api/entry/{id}", m.entryDetails).Methods(http.MethodGet)
	r.HandleFunc("/api/resource", m.listResources).Methods(http.MethodGet)
	r.HandleFunc("/api/profile", m.collectProfile).Methods(http.MethodGet)
	r.HandleFunc("/api/export", m.export).Methods(http.MethodGet)
	r.HandleFunc("/api/stop", m.stop).Methods(http.MethodPost)
	r.PathPrefix("/").Handler(fServer)

	return r
}

// StartServer serves the HTTP API in the background and returns the address
// it listens on.
func (m *Monitor) StartServer() (string, error) {
	m.serverLock.Lock()
	defer m.serverLock.Unlock()

	if m.server != nil {
		return "", errors.New("monitoring server is already running")
	}

	listener, err := net.Listen("tcp", listenAddress(m.portNumber))
	if err != nil {
		return "", fmt.Errorf("starting monitoring server: %w", err)
	}

	addr := fmt.Sprintf("localhost:%d", listener.Addr().(*net.TCPAddr).Port)

	m.server = &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func(srv *http.Server) {
		err := srv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.WithError(err).Error("Monitoring server failed")
		}
	}(m.server)

	m.logger.WithField("addr", "http://"+addr).Info("Monitoring server started")

	return addr, nil
}

// listenAddress returns the address for a configured port. Ports below
// minPortNumber, including 0, select a random port.
func listenAddress(portNumber int) string {
	if portNumber < minPortNumber {
		return ":0"
	}

	return ":" + strconv.Itoa(portNumber)
}

// ShutdownServer stops the HTTP API.
func (m *Monitor) ShutdownServer(ctx context.Context) error {
	m.serverLock.Lock()
	srv := m.server
	m.server = nil
	m.serverLock.Unlock()

	if srv == nil {
		return nil
	}

	return srv.Shutdown(ctx)
}

func (m *Monitor) summary(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, m.Summary())
}

func (m *Monitor) report(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	_, err := w.Write([]byte(m.GenerateReport()))
	m.logWriteErr(err)
}

func (m *Monitor) snapshots(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	history := m.History()
	if limit > 0 && limit < len(history) {
		history = history[len(history)-limit:]
	}

	m.writeJSON(w, history)
}

func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 0, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("invalid limit: %s", limitStr)
	}

	return limit, nil
}

func (m *Monitor) entryDetails(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	entry, found := m.Entry(id)
	if !found {
		http.Error(w, "Call not found", http.StatusNotFound)
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(entry)
	serializer.SetMaxDepth(3)

	w.Header().Set("Content-Type", "application/json")
	m.logWriteErr(serializer.Serialize(w))
}

type resourceRsp struct {
	CPUPercent float64              `json:"cpu_percent"`
	MemorySize uint64               `json:"memory_size"`
	Memory     sampling.MemoryUsage `json:"memory"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	rs, err := sampling.NewProcessResourceSampler()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	cpuPercent, err := rs.CPUPercent()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	usage, err := rs.Sample()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m.writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: usage.Memory.RSS,
		Memory:     usage.Memory,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, r *http.Request) {
	duration := time.Second

	if s := r.URL.Query().Get("duration"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 || d > maxProfileDuration {
			http.Error(w, "invalid duration: "+s, http.StatusBadRequest)
			return
		}

		duration = d
	}

	buf := bytes.NewBuffer(nil)

	if err := pprof.StartCPUProfile(buf); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	select {
	case <-time.After(duration):
	case <-r.Context().Done():
	}

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m.writeJSON(w, prof)
}

func (m *Monitor) export(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, m.Export())
}

func (m *Monitor) stop(w http.ResponseWriter, _ *http.Request) {
	exp, ok := m.Finish()
	if !ok {
		http.Error(w, "Monitoring is not running", http.StatusConflict)
		return
	}

	m.writeJSON(w, exp)
}

func (m *Monitor) writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	_, err = w.Write(bytes)
	m.logWriteErr(err)
}

func (m *Monitor) logWriteErr(err error) {
	if err != nil {
		m.logger.WithError(err).Debug("Failed to write response")
	}
}
