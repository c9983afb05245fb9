package source

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"lukechampine.com/blake3"
)

// Custom source errors. ErrUnauthorized and ErrNotFound surface as a failed
// job, never as a process-level crash.
var (
	ErrUnauthorized = errors.New("source request unauthorized (check API token)")
	ErrNotFound     = errors.New("source resource not found")
	ErrRateLimited  = errors.New("source rate limit exceeded")
	ErrServerError  = errors.New("source server error")
)

// ChannelInfo describes a resolved channel.
type ChannelInfo struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Username string `json:"username,omitempty"`
}

// DiscoveredFile is one file found during a channel scan.
type DiscoveredFile struct {
	ItemID      int64
	Filename    string
	FileType    string // Normalized extension without the dot
	Size        int64
	Fingerprint string
}

// ScanItem carries either a discovered file or a scan-terminating error.
type ScanItem struct {
	File DiscoveredFile
	Err  error
}

// ScanOptions narrows a channel scan.
type ScanOptions struct {
	// FileTypes restricts discovery to the given normalized extensions.
	// Empty means every supported type.
	FileTypes []string
	// MaxFiles caps discovery; 0 discovers nothing, negative means no cap.
	MaxFiles int
}

// ProgressFunc receives incremental transfer progress. It is invoked on chunk
// boundaries and must be cheap; heavy work belongs on the receiving side of a
// progress event, not here.
type ProgressFunc func(bytesDone, totalBytes int64)

// Source is the narrow capability contract the orchestration core consumes.
// A scan sequence is finite and not restartable mid-iteration; a fresh
// ScanFiles call re-scans from the start.
type Source interface {
	ResolveChannel(ctx context.Context, session, name string) (ChannelInfo, error)
	ScanFiles(ctx context.Context, session, name string, opts ScanOptions) (<-chan ScanItem, error)
	Fetch(ctx context.Context, session, name string, itemID int64, dest string, onProgress ProgressFunc) error
	Close() error
}

// FingerprintFunc produces the stable identifier used to detect duplicate
// files across scans and jobs. It is explicit and injectable rather than an
// adapter-internal detail, so the de-duplication key can be pinned in tests
// and swapped without touching the scan path.
type FingerprintFunc func(channelID, itemID int64, filename string) string

// DefaultFingerprint hashes "<channelID>/<itemID>/<filename>" with blake3 and
// returns the first 16 bytes hex-encoded.
func DefaultFingerprint(channelID, itemID int64, filename string) string {
	sum := blake3.Sum256([]byte(fmt.Sprintf("%d/%d/%s", channelID, itemID, filename)))
	return hex.EncodeToString(sum[:16])
}
