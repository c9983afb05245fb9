package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go-channel-download/internal/helpers"

	log "github.com/sirupsen/logrus"
)

// Custom Downloader Errors
var (
	ErrHttpStatus  = errors.New("unexpected HTTP status code")
	ErrFileSystem  = errors.New("filesystem error") // Covers create, remove, rename
	ErrHttpRequest = errors.New("HTTP request creation/execution error")
)

// ProgressFunc receives (bytesDone, totalBytes) on every chunk written.
type ProgressFunc func(bytesDone, totalBytes int64)

// Downloader transfers a single remote file to disk. The transfer is atomic
// from the caller's point of view: bytes land in a temp file that is renamed
// into place only on success, so a failed transfer leaves no partial file at
// the destination.
type Downloader struct {
	client *http.Client
	token  string
}

// NewDownloader creates a new Downloader instance.
func NewDownloader(client *http.Client, token string) *Downloader {
	if client == nil {
		client = &http.Client{
			Timeout: 15 * time.Minute,
		}
	}
	return &Downloader{
		client: client,
		token:  token,
	}
}

// DownloadFile fetches url into destPath, reporting progress through
// onProgress. declaredSize is used as the progress total when the server
// sends no Content-Length. Returns the number of bytes written.
func (d *Downloader) DownloadFile(ctx context.Context, url, destPath string, declaredSize int64, onProgress ProgressFunc) (int64, error) {
	targetDir := filepath.Dir(destPath)
	if !helpers.CheckAndMakeDir(targetDir) {
		return 0, fmt.Errorf("%w: failed to create target directory %s", ErrFileSystem, targetDir)
	}

	baseName := filepath.Base(destPath)
	tempFile, err := os.CreateTemp(targetDir, baseName+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("%w: creating temporary file for %s: %v", ErrFileSystem, destPath, err)
	}
	shouldCleanupTemp := true
	defer func() {
		if shouldCleanupTemp {
			log.Debugf("Cleaning up temporary file via defer: %s", tempFile.Name())
			if closeErr := tempFile.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
				log.WithError(closeErr).Warnf("Failed to close temporary file %s during defer cleanup", tempFile.Name())
			}
			if removeErr := os.Remove(tempFile.Name()); removeErr != nil && !os.IsNotExist(removeErr) {
				log.WithError(removeErr).Warnf("Failed to remove temporary file %s during defer cleanup", tempFile.Name())
			}
		}
	}()

	log.Debugf("Attempting to download from URL: %s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: creating download request for %s: %v", ErrHttpRequest, url, err)
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: performing request for %s: %v", ErrHttpRequest, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: received status %d from %s", ErrHttpStatus, resp.StatusCode, url)
	}

	total := declaredSize
	if cl, parseErr := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); parseErr == nil && cl > 0 {
		total = cl
	}

	counter := &helpers.CounterWriter{Writer: tempFile}
	if onProgress != nil {
		counter.OnWrite = func(written uint64) {
			onProgress(int64(written), total)
		}
	}

	log.Infof("Downloading to %s (size: %s)...", destPath, helpers.BytesToSize(uint64(total)))
	written, err := io.Copy(counter, resp.Body)
	if err != nil {
		return written, fmt.Errorf("%w: writing temporary file %s: %v", ErrFileSystem, tempFile.Name(), err)
	}

	// Close explicitly before rename; rename of an open file fails on some platforms.
	if err := tempFile.Close(); err != nil {
		return written, fmt.Errorf("%w: closing temp file %s: %v", ErrFileSystem, tempFile.Name(), err)
	}

	if err := os.Rename(tempFile.Name(), destPath); err != nil {
		return written, fmt.Errorf("%w: renaming temporary file %s to %s: %v", ErrFileSystem, tempFile.Name(), destPath, err)
	}
	shouldCleanupTemp = false

	log.Debugf("Successfully downloaded %s (%s)", destPath, helpers.BytesToSize(uint64(written)))
	return written, nil
}
