package source

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

// LoggingTransport wraps an http.RoundTripper to record request and response
// details to a file, for debugging interactions with the channel API.
type LoggingTransport struct {
	Transport http.RoundTripper
	logFile   *os.File
	mu        sync.Mutex
	writer    *bufio.Writer
}

// NewLoggingTransport creates a LoggingTransport appending to logFilePath.
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
	t.mu.Lock()
	defer t.mu.Unlock()

	startTime := time.Now()

	reqDump, err := httputil.DumpRequestOut(req, true)
	if err != nil {
		log.WithError(err).Error("Failed to dump API request for logging")
	} else {
		t.writeLog(fmt.Sprintf("--- Request (%s) ---\n%s\n", startTime.Format(time.RFC3339), string(reqDump)))
	}

	resp, err := t.Transport.RoundTrip(req)
	duration := time.Since(startTime)

	if err != nil {
		t.writeLog(fmt.Sprintf("--- Response Error (Duration: %v) ---\n%s\n", duration, err.Error()))
		t.writer.Flush()
		return resp, err
	}

	// Only JSON bodies are worth replaying into the log; file payloads are
	// logged headers-only.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		bodyBytes, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			log.WithError(readErr).Error("Failed to read response body for logging")
		} else {
			resp.Body.Close()
			// Restore the body so the caller can read it.
			resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			respDump, dumpErr := httputil.DumpResponse(resp, false)
			if dumpErr != nil {
				t.writeLog(fmt.Sprintf("--- Response (Duration: %v) ---\nStatus: %s\n%s\n", duration, resp.Status, string(bodyBytes)))
			} else {
				t.writeLog(fmt.Sprintf("--- Response Headers (Duration: %v) ---\n%s\n--- Response Body ---\n%s\n", duration, string(respDump), string(bodyBytes)))
			}
		}
	} else {
		respDump, dumpErr := httputil.DumpResponse(resp, false)
		if dumpErr != nil {
			t.writeLog(fmt.Sprintf("--- Response Headers (Duration: %v) ---\nStatus: %s\n(Failed to dump headers)\n", duration, resp.Status))
		} else {
			t.writeLog(fmt.Sprintf("--- Response Headers (Duration: %v) ---\n%s\n(Body not logged)\n", duration, string(respDump)))
		}
	}

	t.writer.Flush()
	return resp, nil
}

func (t *LoggingTransport) writeLog(logString string) {
	if _, err := t.writer.WriteString(logString + "\n\n"); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing to API log file: %v\n", err)
	}
}

// Close flushes and closes the underlying log file.
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
