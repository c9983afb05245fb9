package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadFile(t *testing.T) {
	const body = "some file content"
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(body))
	}))
	defer ts.Close()

	d := NewDownloader(nil, "tok")
	dest := filepath.Join(t.TempDir(), "sub", "file.bin")

	var lastDone, lastTotal int64
	written, err := d.DownloadFile(context.Background(), ts.URL, dest, 0, func(done, total int64) {
		lastDone, lastTotal = done, total
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), written)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, int64(len(body)), lastDone)
	assert.Equal(t, int64(len(body)), lastTotal, "Content-Length drives the progress total")

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))
}

func TestDownloadFileBadStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	d := NewDownloader(nil, "")
	destDir := t.TempDir()
	dest := filepath.Join(destDir, "file.bin")

	_, err := d.DownloadFile(context.Background(), ts.URL, dest, 0, nil)
	assert.ErrorIs(t, err, ErrHttpStatus)

	// Neither the destination nor a stray temp file may remain.
	entries, err := os.ReadDir(destDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDownloadFileTruncatedBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write([]byte("short"))
	}))
	defer ts.Close()

	d := NewDownloader(nil, "")
	destDir := t.TempDir()
	dest := filepath.Join(destDir, "file.bin")

	_, err := d.DownloadFile(context.Background(), ts.URL, dest, 0, nil)
	assert.ErrorIs(t, err, ErrFileSystem)

	// The temp file must be closed and removed after a failed transfer.
	entries, err := os.ReadDir(destDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDownloadFileCancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("never delivered"))
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDownloader(nil, "")
	dest := filepath.Join(t.TempDir(), "file.bin")
	_, err := d.DownloadFile(ctx, ts.URL, dest, 0, nil)
	assert.Error(t, err)
}
