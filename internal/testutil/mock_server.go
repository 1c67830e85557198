// Package testutil provides HTTP origins and filesystem helpers for download
// testing.
package testutil

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// MockServer is a configurable HTTP origin serving one deterministic file.
type MockServer struct {
	Server *httptest.Server

	// Configuration
	FileSize         int64         // Size of the served file
	SupportsRanges   bool          // Whether to honour HTTP Range requests
	ContentType      string        // Content-Type header value
	Filename         string        // Filename in Content-Disposition header
	RandomData       bool          // If true, serve random data; otherwise a repeating pattern
	Latency          time.Duration // Artificial latency per request
	ByteLatency      time.Duration // Latency per byte (simulates slow links)
	FailAfterBytes   int64         // Drop the connection after this many bytes (0 = never)
	FailOnNthRequest int           // Fail the Nth request with a 500 (0 = never)

	// Tracking
	RequestCount   atomic.Int64
	BytesServed    atomic.Int64
	ActiveRequests atomic.Int64
	RangeRequests  atomic.Int64
	FullRequests   atomic.Int64
	HeadRequests   atomic.Int64
	FailedRequests atomic.Int64
	requestMu      sync.Mutex
	requestNum     int

	data []byte
}

// MockServerOption configures a MockServer.
type MockServerOption func(*MockServer)

// WithFileSize sets the served file size.
func WithFileSize(size int64) MockServerOption {
	return func(m *MockServer) { m.FileSize = size }
}

// WithRangeSupport toggles Range request handling.
func WithRangeSupport(enabled bool) MockServerOption {
	return func(m *MockServer) { m.SupportsRanges = enabled }
}

// WithContentType sets the Content-Type header.
func WithContentType(ct string) MockServerOption {
	return func(m *MockServer) { m.ContentType = ct }
}

// WithFilename sets the Content-Disposition filename.
func WithFilename(name string) MockServerOption {
	return func(m *MockServer) { m.Filename = name }
}

// WithRandomData serves random bytes instead of the repeating pattern.
func WithRandomData() MockServerOption {
	return func(m *MockServer) { m.RandomData = true }
}

// WithLatency adds per-request latency.
func WithLatency(d time.Duration) MockServerOption {
	return func(m *MockServer) { m.Latency = d }
}

// WithByteLatency adds per-byte latency.
func WithByteLatency(d time.Duration) MockServerOption {
	return func(m *MockServer) { m.ByteLatency = d }
}

// WithFailAfterBytes drops each connection after serving n bytes.
func WithFailAfterBytes(n int64) MockServerOption {
	return func(m *MockServer) { m.FailAfterBytes = n }
}

// WithFailOnNthRequest fails exactly the nth request.
func WithFailOnNthRequest(n int) MockServerOption {
	return func(m *MockServer) { m.FailOnNthRequest = n }
}

// NewMockServerT starts a mock origin and skips the test if binding fails.
// The server is closed via t.Cleanup.
func NewMockServerT(t *testing.T, opts ...MockServerOption) *MockServer {
	t.Helper()
	m := &MockServer{
		FileSize:       1024 * 1024,
		SupportsRanges: true,
		ContentType:    "application/octet-stream",
		Filename:       "testfile.bin",
	}
	for _, opt := range opts {
		opt(m)
	}

	m.data = make([]byte, m.FileSize)
	if m.RandomData {
		_, _ = rand.Read(m.data)
	} else {
		for i := range m.data {
			m.data[i] = byte(i % 251)
		}
	}

	m.Server = NewHTTPServerT(t, http.HandlerFunc(m.handleRequest))
	t.Cleanup(m.Close)
	return m
}

// URL returns the origin's base URL.
func (m *MockServer) URL() string {
	return m.Server.URL
}

// Data returns the served payload for byte-for-byte comparison.
func (m *MockServer) Data() []byte {
	return m.data
}

// Close shuts the origin down.
func (m *MockServer) Close() {
	if m.Server != nil {
		m.Server.Close()
	}
}

func (m *MockServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	m.RequestCount.Add(1)
	m.ActiveRequests.Add(1)
	defer m.ActiveRequests.Add(-1)

	m.requestMu.Lock()
	m.requestNum++
	reqNum := m.requestNum
	m.requestMu.Unlock()

	if m.FailOnNthRequest > 0 && reqNum == m.FailOnNthRequest {
		m.FailedRequests.Add(1)
		http.Error(w, "simulated failure", http.StatusInternalServerError)
		return
	}

	if m.Latency > 0 {
		time.Sleep(m.Latency)
	}

	if r.Method == http.MethodHead {
		m.HeadRequests.Add(1)
		m.setCommonHeaders(w, 0, m.FileSize-1)
		if m.SupportsRanges {
			w.Header().Set("Accept-Ranges", "bytes")
		} else {
			w.Header().Set("Accept-Ranges", "none")
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	start := int64(0)
	end := m.FileSize - 1

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" && m.SupportsRanges {
		m.RangeRequests.Add(1)
		var err error
		start, end, err = parseRange(rangeHeader, m.FileSize)
		if err != nil {
			http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		m.setCommonHeaders(w, start, end)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, m.FileSize))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		m.FullRequests.Add(1)
		m.setCommonHeaders(w, 0, m.FileSize-1)
		if m.SupportsRanges {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		w.WriteHeader(http.StatusOK)
	}

	// Serve in small chunks so byte latency and fail-after-bytes apply
	// per-request, letting retry logic observe fresh connections succeed.
	length := end - start + 1
	written := int64(0)
	chunk := int64(32 * 1024)
	for written < length {
		if m.FailAfterBytes > 0 && written >= m.FailAfterBytes {
			m.FailedRequests.Add(1)
			return // abrupt close
		}
		n := chunk
		if remaining := length - written; remaining < n {
			n = remaining
		}
		nw, err := w.Write(m.data[start+written : start+written+n])
		if err != nil {
			return // client went away
		}
		written += int64(nw)
		m.BytesServed.Add(int64(nw))
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		if m.ByteLatency > 0 {
			time.Sleep(m.ByteLatency * time.Duration(nw))
		}
	}
}

func (m *MockServer) setCommonHeaders(w http.ResponseWriter, start, end int64) {
	w.Header().Set("Content-Type", m.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	if m.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, m.Filename))
	}
}

// parseRange parses "bytes=start-end", "bytes=start-" and "bytes=-suffix".
func parseRange(rangeHeader string, fileSize int64) (int64, int64, error) {
	if !strings.HasPrefix(rangeHeader, "bytes=") {
		return 0, 0, fmt.Errorf("invalid range prefix")
	}
	parts := strings.Split(strings.TrimPrefix(rangeHeader, "bytes="), "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range format")
	}

	var start, end int64
	var err error
	if parts[0] == "" {
		end = fileSize - 1
		start, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		start = fileSize - start
	} else {
		start, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		if parts[1] == "" {
			end = fileSize - 1
		} else {
			end, err = strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return 0, 0, err
			}
		}
	}

	if start < 0 || end >= fileSize || start > end {
		return 0, 0, fmt.Errorf("range out of bounds")
	}
	return start, end, nil
}
