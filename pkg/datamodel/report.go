package datamodel

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

var LogLevel = &slog.LevelVar{}

var logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

// Report is one line of a scan report, written for each submitted file.
type Report struct {
	Filename       string      `json:"filename"`
	Location       string      `json:"location,omitempty"`
	SHA256         string      `json:"sha256"`
	Malicious      bool        `json:"malicious"`
	Verdict        string      `json:"verdict,omitempty"`
	Classification string      `json:"classification,omitempty"`
	FileSize       int64       `json:"size,omitempty"`
	Cached         bool        `json:"cached,omitempty"`
	Error          string      `json:"error,omitempty"`
	Result         *ScanResult `json:"result,omitempty"`
}

// NewReport summarizes a canonical result for the file found at location.
func NewReport(location string, sha256 string, size int64, result ScanResult) Report {
	filename := location
	if result.Filename != nil && *result.Filename != "" {
		filename = *result.Filename
	}
	return Report{
		Filename:       filename,
		Location:       location,
		SHA256:         sha256,
		Malicious:      !result.IsClean(),
		Verdict:        result.Verdict,
		Classification: result.Classification(),
		FileSize:       size,
		Result:         &result,
	}
}

// ReportsWriter appends reports to a JSON array held by dst.
type ReportsWriter struct {
	dst io.WriteSeeker
	mu  sync.Mutex
}

func NewReportsWriter(dst io.WriteSeeker) *ReportsWriter {
	return &ReportsWriter{dst: dst}
}

func (rw *ReportsWriter) Write(r Report) (err error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	// try to seek above last "\n]"
	n, _ := rw.dst.Seek(-2, io.SeekEnd)
	out := bufio.NewWriter(rw.dst)
	if n == 0 {
		// start of file
		if _, err = out.WriteString("[\n"); err != nil {
			return
		}
	} else {
		if _, err = out.WriteString(",\n"); err != nil {
			return
		}
	}

	encoder := json.NewEncoder(out)
	err = encoder.Encode(r)
	if err != nil {
		return
	}
	if _, err = out.WriteString("]"); err != nil {
		return
	}
	if err = out.Flush(); err != nil {
		logger.Error("failed to flush buffer", slog.String("error", err.Error()))
		err = fmt.Errorf("could not write report: %w", err)
		return
	}
	return
}

// GenerateReport encodes all reports as a single JSON array.
func GenerateReport(reports []Report) (r io.Reader, err error) {
	buffer := &bytes.Buffer{}
	out := json.NewEncoder(buffer)
	out.SetIndent("", "  ")
	err = out.Encode(reports)
	return buffer, err
}
