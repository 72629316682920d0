package reporting

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sarchlab/hangwatch/datarecording"
	"github.com/sarchlab/hangwatch/sampling"
	"github.com/sarchlab/hangwatch/tracking"
)

// ErrUnsupportedFormat is returned for export paths with an unknown
// extension.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// WriteExport writes an export to path. The format follows the extension:
// .json (or none), .csv, or .sqlite3/.sqlite/.db.
func WriteExport(path string, exp Export) error {
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", "":
		err = writeJSON(path, exp)
	case ".csv":
		err = writeCSV(path, exp)
	case ".sqlite3", ".sqlite", ".db":
		err = writeSQLite(path, exp)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}

	if err != nil {
		return fmt.Errorf("exporting to %s: %w", path, err)
	}

	return nil
}

// ReadExport reads an export written in JSON.
func ReadExport(path string) (Export, error) {
	f, err := os.Open(path)
	if err != nil {
		return Export{}, err
	}
	defer f.Close()

	var exp Export
	if err := json.NewDecoder(f).Decode(&exp); err != nil {
		return Export{}, fmt.Errorf("reading export %s: %w", path, err)
	}

	return exp, nil
}

func writeJSON(path string, exp Export) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")

	if err := enc.Encode(exp); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}

// ExportedCalls returns every distinct call of an export: the final active
// and recent calls, then the calls only seen in the snapshot history. The
// latest observation of each call wins.
func ExportedCalls(exp Export) []tracking.Entry {
	index := make(map[string]int)
	calls := []tracking.Entry{}

	add := func(e tracking.Entry) {
		if i, found := index[e.ID]; found {
			if e.Status.IsTerminal() && !calls[i].Status.IsTerminal() {
				calls[i] = e
			}

			return
		}

		index[e.ID] = len(calls)
		calls = append(calls, e)
	}

	for _, e := range exp.Final.Active {
		add(e)
	}

	for _, e := range exp.Final.Recent {
		add(e)
	}

	for i := len(exp.Snapshots) - 1; i >= 0; i-- {
		s := exp.Snapshots[i]

		for _, e := range s.CompletedCalls {
			add(e)
		}

		for _, e := range s.ActiveCalls {
			add(e)
		}
	}

	return calls
}

var csvHeader = []string{
	"id", "name", "status", "timestamp", "duration_ms",
	"function", "file", "line", "flagged_hanging", "error", "metadata",
}

func writeCSV(path string, exp Export) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)

	if err := w.Write(csvHeader); err != nil {
		_ = f.Close()
		return err
	}

	for _, e := range ExportedCalls(exp) {
		if err := w.Write(csvRecord(e)); err != nil {
			_ = f.Close()
			return err
		}
	}

	w.Flush()

	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}

func csvRecord(e tracking.Entry) []string {
	duration := ""
	if e.Duration != nil {
		duration = strconv.FormatFloat(
			float64(*e.Duration)/float64(time.Millisecond), 'f', 3, 64)
	}

	line := ""
	if e.Location.LineNumber > 0 {
		line = strconv.Itoa(e.Location.LineNumber)
	}

	metadata := ""
	if e.Metadata.Len() > 0 {
		metadata = tracking.Map(e.Metadata).Text()
	}

	return []string{
		e.ID,
		e.Name,
		string(e.Status),
		e.Timestamp.Format(time.RFC3339Nano),
		duration,
		e.Location.FunctionName,
		e.Location.FileName,
		line,
		strconv.FormatBool(e.WasFlaggedHanging),
		e.Error,
		metadata,
	}
}

type sessionRow struct {
	SessionID        string
	StartedAt        int64
	ExportedAt       int64
	TimeoutThreshold int64
	Snapshots        int
}

type entryRow struct {
	ID             string
	Name           string
	Status         string
	Timestamp      int64
	DurationNS     int64
	Function       string
	File           string
	Line           int
	FlaggedHanging bool
	Error          string
	Metadata       string
}

type snapshotRow struct {
	Timestamp    int64
	Active       int
	Completed    int
	Hanging      int
	HeapUsed     int64
	RSS          int64
	CPUPercent   float64
	EventLoopLag int64
	Alerts       int
	SampleError  string
}

func writeSQLite(path string, exp Export) error {
	recorder, err := datarecording.New(path)
	if err != nil {
		return err
	}

	if err := recordExport(recorder, exp); err != nil {
		_ = recorder.Close()
		return err
	}

	return recorder.Close()
}

func recordExport(r datarecording.DataRecorder, exp Export) error {
	for name, sample := range map[string]any{
		"session":   sessionRow{},
		"entries":   entryRow{},
		"snapshots": snapshotRow{},
	} {
		if err := r.CreateTable(name, sample); err != nil {
			return err
		}
	}

	err := r.InsertData("session", sessionRow{
		SessionID:        exp.SessionID,
		StartedAt:        exp.StartedAt.UnixNano(),
		ExportedAt:       exp.ExportedAt.UnixNano(),
		TimeoutThreshold: int64(exp.Config.TimeoutThreshold),
		Snapshots:        len(exp.Snapshots),
	})
	if err != nil {
		return err
	}

	for _, e := range ExportedCalls(exp) {
		if err := r.InsertData("entries", makeEntryRow(e)); err != nil {
			return err
		}
	}

	for _, s := range exp.Snapshots {
		if err := r.InsertData("snapshots", makeSnapshotRow(s)); err != nil {
			return err
		}
	}

	return nil
}

func makeEntryRow(e tracking.Entry) entryRow {
	row := entryRow{
		ID:             e.ID,
		Name:           e.Name,
		Status:         string(e.Status),
		Timestamp:      e.Timestamp.UnixNano(),
		DurationNS:     -1,
		Function:       e.Location.FunctionName,
		File:           e.Location.FileName,
		Line:           e.Location.LineNumber,
		FlaggedHanging: e.WasFlaggedHanging,
		Error:          e.Error,
	}

	if e.Duration != nil {
		row.DurationNS = int64(*e.Duration)
	}

	if e.Metadata.Len() > 0 {
		row.Metadata = tracking.Map(e.Metadata).Text()
	}

	return row
}

func makeSnapshotRow(s sampling.Snapshot) snapshotRow {
	return snapshotRow{
		Timestamp:    s.Timestamp.UnixNano(),
		Active:       s.Summary.TotalActive,
		Completed:    s.Summary.TotalCompleted,
		Hanging:      s.Summary.TotalHanging,
		HeapUsed:     int64(s.MemoryUsage.HeapUsed),
		RSS:          int64(s.MemoryUsage.RSS),
		CPUPercent:   s.CPUUsage.Percent,
		EventLoopLag: int64(s.EventLoopLag),
		Alerts:       len(s.Alerts),
		SampleError:  s.SampleError,
	}
}
