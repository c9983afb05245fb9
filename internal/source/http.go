package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go-channel-download/internal/downloader"
	"go-channel-download/internal/helpers"

	log "github.com/sirupsen/logrus"
)

// Default extension gate applied before any per-job filter. Matches the
// document types the channel API serves.
var defaultSupportedExtensions = []string{
	"pdf", "epub", "mobi", "azw3", "djvu", "fb2",
	"txt", "doc", "docx", "rtf", "lit", "pdb",
}

const scanPageLimit = 100

// Wire structures of the channel API.
type (
	filesPage struct {
		Items    []fileItem   `json:"items"`
		Metadata pageMetadata `json:"metadata"`
	}

	fileItem struct {
		ID       int64  `json:"id"`
		Filename string `json:"filename"`
		Size     int64  `json:"size"`
	}

	pageMetadata struct {
		TotalItems int    `json:"totalItems,omitempty"`
		NextCursor string `json:"nextCursor,omitempty"`
	}
)

// HTTPSource talks to the channel HTTP API: channel resolution, cursor-paginated
// file listing, and byte fetch. It implements Source.
type HTTPSource struct {
	baseURL     string
	token       string
	client      *http.Client
	fetcher     *downloader.Downloader
	fingerprint FingerprintFunc
	supported   map[string]struct{}
	pageDelay   time.Duration
	transport   http.RoundTripper
}

// HTTPSourceOptions configures NewHTTPSource.
type HTTPSourceOptions struct {
	BaseURL             string
	Token               string
	Client              *http.Client // API calls; a separate long-timeout client is derived for fetches
	Transport           http.RoundTripper
	Fingerprint         FingerprintFunc
	SupportedExtensions []string
	PageDelay           time.Duration
}

// NewHTTPSource creates an adapter for the channel API at opts.BaseURL.
func NewHTTPSource(opts HTTPSourceOptions) *HTTPSource {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second, Transport: opts.Transport}
	}
	fp := opts.Fingerprint
	if fp == nil {
		fp = DefaultFingerprint
	}
	exts := opts.SupportedExtensions
	if len(exts) == 0 {
		exts = defaultSupportedExtensions
	}
	supported := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		supported[helpers.NormalizeExtension(e)] = struct{}{}
	}

	fetchClient := &http.Client{
		Timeout:   0, // Large files; rely on per-request contexts
		Transport: opts.Transport,
	}

	return &HTTPSource{
		baseURL:     opts.BaseURL,
		token:       opts.Token,
		client:      client,
		fetcher:     downloader.NewDownloader(fetchClient, opts.Token),
		fingerprint: fp,
		supported:   supported,
		pageDelay:   opts.PageDelay,
		transport:   opts.Transport,
	}
}

// ResolveChannel looks up a channel by name.
func (s *HTTPSource) ResolveChannel(ctx context.Context, session, name string) (ChannelInfo, error) {
	var info ChannelInfo
	reqURL := fmt.Sprintf("%s/channels/%s", s.baseURL, url.PathEscape(name))
	if err := s.getJSON(ctx, session, reqURL, &info); err != nil {
		return ChannelInfo{}, fmt.Errorf("resolving channel %s: %w", name, err)
	}
	log.WithField("channel", name).Debugf("Resolved channel to id %d", info.ID)
	return info, nil
}

// ScanFiles walks the channel's files with cursor pagination, applying the
// supported-extension gate, the per-job type filter, and the discovery cap.
// The returned channel is closed when the scan ends; a terminating error is
// delivered as the final item. Cancelling ctx stops the scan promptly.
func (s *HTTPSource) ScanFiles(ctx context.Context, session, name string, opts ScanOptions) (<-chan ScanItem, error) {
	info, err := s.ResolveChannel(ctx, session, name)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(opts.FileTypes))
	for _, t := range opts.FileTypes {
		wanted[helpers.NormalizeExtension(t)] = struct{}{}
	}

	out := make(chan ScanItem)
	go func() {
		defer close(out)

		emit := func(item ScanItem) bool {
			select {
			case out <- item:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if opts.MaxFiles == 0 {
			return
		}

		cursor := ""
		found := 0
		for {
			if ctx.Err() != nil {
				return
			}

			page, err := s.listPage(ctx, session, name, cursor)
			if err != nil {
				emit(ScanItem{Err: fmt.Errorf("scanning channel %s: %w", name, err)})
				return
			}

			for _, item := range page.Items {
				ext := helpers.NormalizeExtension(extensionOf(item.Filename))
				if _, ok := s.supported[ext]; !ok {
					continue
				}
				if len(wanted) > 0 {
					if _, ok := wanted[ext]; !ok {
						continue
					}
				}

				df := DiscoveredFile{
					ItemID:      item.ID,
					Filename:    item.Filename,
					FileType:    ext,
					Size:        item.Size,
					Fingerprint: s.fingerprint(info.ID, item.ID, item.Filename),
				}
				if !emit(ScanItem{File: df}) {
					return
				}
				found++
				if opts.MaxFiles > 0 && found >= opts.MaxFiles {
					return
				}
			}

			cursor = page.Metadata.NextCursor
			if cursor == "" {
				return
			}
			if s.pageDelay > 0 {
				select {
				case <-time.After(s.pageDelay):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Fetch downloads one item's bytes to dest, relaying chunk progress into
// onProgress.
func (s *HTTPSource) Fetch(ctx context.Context, session, name string, itemID int64, dest string, onProgress ProgressFunc) error {
	fetchURL := fmt.Sprintf("%s/channels/%s/files/%d/content", s.baseURL, url.PathEscape(name), itemID)
	var cb downloader.ProgressFunc
	if onProgress != nil {
		cb = func(done, total int64) { onProgress(done, total) }
	}
	_, err := s.fetcher.DownloadFile(ctx, fetchURL, dest, 0, cb)
	return err
}

// Close releases idle connections and the logging transport, if any.
func (s *HTTPSource) Close() error {
	s.client.CloseIdleConnections()
	if closer, ok := s.transport.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// listPage fetches one page of the file listing.
func (s *HTTPSource) listPage(ctx context.Context, session, name, cursor string) (filesPage, error) {
	values := url.Values{}
	values.Set("limit", fmt.Sprintf("%d", scanPageLimit))
	if cursor != "" {
		values.Set("cursor", cursor)
	}
	reqURL := fmt.Sprintf("%s/channels/%s/files?%s", s.baseURL, url.PathEscape(name), values.Encode())

	var page filesPage
	if err := s.getJSON(ctx, session, reqURL, &page); err != nil {
		return filesPage{}, err
	}
	return page, nil
}

// getJSON performs a GET with auth headers and retry/backoff, decoding the
// body into v. Rate limits and server errors are retried; auth and not-found
// errors are returned immediately.
func (s *HTTPSource) getJSON(ctx context.Context, session, reqURL string, v interface{}) error {
	const maxRetries = 3
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return fmt.Errorf("error creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}
		if session != "" {
			req.Header.Set("X-Session", session)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request failed (attempt %d/%d): %w", attempt+1, maxRetries, err)
			if ctx.Err() != nil {
				return lastErr
			}
			if attempt < maxRetries-1 {
				log.WithError(err).Warnf("Retrying (%d/%d)...", attempt+1, maxRetries)
				if !sleepCtx(ctx, time.Duration(attempt+1)*2*time.Second) {
					return lastErr
				}
				continue
			}
			return lastErr
		}

		switch resp.StatusCode {
		case http.StatusOK:
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				return fmt.Errorf("error reading response body: %w", readErr)
			}
			if err := json.Unmarshal(body, v); err != nil {
				log.Debugf("Response body causing unmarshal error: %s", string(body))
				return fmt.Errorf("error unmarshalling response JSON: %w", err)
			}
			return nil
		case http.StatusTooManyRequests:
			lastErr = ErrRateLimited
		case http.StatusUnauthorized, http.StatusForbidden:
			resp.Body.Close()
			return ErrUnauthorized
		case http.StatusNotFound:
			resp.Body.Close()
			return ErrNotFound
		default:
			if resp.StatusCode >= 500 {
				lastErr = fmt.Errorf("%w (status code %d)", ErrServerError, resp.StatusCode)
			} else {
				resp.Body.Close()
				return fmt.Errorf("source request failed with status %d", resp.StatusCode)
			}
		}
		resp.Body.Close()

		// Retryable: rate limit or 5xx
		if attempt < maxRetries-1 {
			var sleepDuration time.Duration
			if resp.StatusCode == http.StatusTooManyRequests {
				sleepDuration = time.Duration(attempt+1) * 5 * time.Second
			} else {
				sleepDuration = time.Duration(attempt+1) * 3 * time.Second
			}
			log.WithError(lastErr).Warnf("Retrying (%d/%d) after %s...", attempt+1, maxRetries, sleepDuration)
			if !sleepCtx(ctx, sleepDuration) {
				return lastErr
			}
		}
	}
	return lastErr
}

// sleepCtx sleeps for d, returning false if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// extensionOf returns the extension of filename including nothing before the
// final dot; empty when there is no dot.
func extensionOf(filename string) string {
	for i := len(filename) - 1; i >= 0; i-- {
		switch filename[i] {
		case '.':
			return filename[i+1:]
		case '/', '\\':
			return ""
		}
	}
	return ""
}
