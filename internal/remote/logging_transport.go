package remote

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// maxLoggedBody caps how much of an error body is copied into the log.
const maxLoggedBody = 4096

// LoggingTransport wraps an http.RoundTripper and appends request and response
// headers to a log file. Bodies are logged only for failed responses, since
// successful ones carry file content.
type LoggingTransport struct {
	Transport http.RoundTripper
	logFile   *os.File
	mu        sync.Mutex
	writer    *bufio.Writer
}

// NewLoggingTransport opens logFilePath for appending.
func NewLoggingTransport(transport http.RoundTripper, logFilePath string) (*LoggingTransport, error) {
	f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open API log file %s: %w", logFilePath, err)
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &LoggingTransport{
		Transport: transport,
		logFile:   f,
		writer:    bufio.NewWriter(f),
	}, nil
}

// RoundTrip executes a single HTTP transaction, logging details.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	reqDump, dumpErr := httputil.DumpRequestOut(req, false)
	resp, err := t.Transport.RoundTrip(req)
	duration := time.Since(start)

	var entry strings.Builder
	if dumpErr != nil {
		log.WithError(dumpErr).Error("Failed to dump API request for logging")
		fmt.Fprintf(&entry, "--- Request (%s) ---\n%s %s\n", start.Format(time.RFC3339), req.Method, req.URL)
	} else {
		fmt.Fprintf(&entry, "--- Request (%s) ---\n%s\n", start.Format(time.RFC3339), reqDump)
	}

	switch {
	case err != nil:
		fmt.Fprintf(&entry, "--- Response Error (Duration: %v) ---\n%s\n", duration, err)
	case resp.StatusCode >= http.StatusBadRequest:
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
		rest := resp.Body
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), rest), rest}
		respDump, _ := httputil.DumpResponse(resp, false)
		fmt.Fprintf(&entry, "--- Response (Duration: %v) ---\n%s", duration, respDump)
		if readErr != nil {
			fmt.Fprintf(&entry, "(Body read failed: %v)\n", readErr)
		} else {
			fmt.Fprintf(&entry, "--- Response Body ---\n%s\n", body)
		}
	default:
		respDump, _ := httputil.DumpResponse(resp, false)
		fmt.Fprintf(&entry, "--- Response Headers (Duration: %v) ---\n%s(Body not logged)\n", duration, respDump)
	}

	t.writeLog(entry.String())
	return resp, err
}

func (t *LoggingTransport) writeLog(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.writer.WriteString(s + "\n"); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing to API log file: %v\n", err)
		return
	}
	if err := t.writer.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "Error flushing API log file: %v\n", err)
	}
}

// Close flushes and closes the log file.
func (t *LoggingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	errFlush := t.writer.Flush()
	errClose := t.logFile.Close()
	if errFlush != nil {
		return fmt.Errorf("failed to flush API log buffer: %w", errFlush)
	}
	return errClose
}
