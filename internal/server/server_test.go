package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-channel-download/internal/broadcast"
	"go-channel-download/internal/database"
	"go-channel-download/internal/jobs"
	"go-channel-download/internal/models"
	"go-channel-download/internal/source"
	"go-channel-download/internal/store"
)

// stubSource discovers nothing, so started jobs complete immediately.
type stubSource struct{}

func (stubSource) ResolveChannel(ctx context.Context, session, name string) (source.ChannelInfo, error) {
	return source.ChannelInfo{ID: 7, Title: name}, nil
}

func (stubSource) ScanFiles(ctx context.Context, session, name string, opts source.ScanOptions) (<-chan source.ScanItem, error) {
	ch := make(chan source.ScanItem)
	close(ch)
	return ch, nil
}

func (stubSource) Fetch(ctx context.Context, session, name string, itemID int64, dest string, onProgress source.ProgressFunc) error {
	return nil
}

func (stubSource) Close() error { return nil }

func newTestServer(t *testing.T) (*Server, *store.Store, *broadcast.Broadcaster) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(db)
	events := broadcast.New()
	t.Cleanup(events.Close)
	controller := jobs.NewController(st, stubSource{}, events, jobs.Options{SavePath: t.TempDir()})
	t.Cleanup(func() { _ = controller.Shutdown() })

	return New(":0", controller, events), st, events
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestStartJobEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/jobs", map[string]interface{}{
		"channel": "classics",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["jobId"])
}

func TestStartJobValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/jobs", map[string]interface{}{
		"channel": "",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader("{not json"))
	raw := httptest.NewRecorder()
	srv.Handler().ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestGetJobEndpoint(t *testing.T) {
	srv, st, _ := newTestServer(t)
	jobID, err := st.CreateJob(&models.Job{ChannelName: "classics"})
	require.NoError(t, err)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var job models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "classics", job.ChannelName)

	missing := doJSON(t, srv.Handler(), http.MethodGet, "/api/jobs/no-such-job", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestJobControlEndpoints(t *testing.T) {
	srv, st, _ := newTestServer(t)
	jobID, err := st.CreateJob(&models.Job{ChannelName: "classics"})
	require.NoError(t, err)

	// No live worker: the operations are accepted no-ops.
	for _, call := range []struct {
		method, path string
	}{
		{http.MethodPost, "/api/jobs/" + jobID + "/pause"},
		{http.MethodPost, "/api/jobs/" + jobID + "/resume"},
		{http.MethodDelete, "/api/jobs/" + jobID},
	} {
		rec := doJSON(t, srv.Handler(), call.method, call.path, nil)
		assert.Equal(t, http.StatusOK, rec.Code, "%s %s", call.method, call.path)
	}

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/jobs/no-such-job/pause", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListFilesEndpoint(t *testing.T) {
	srv, st, _ := newTestServer(t)
	jobID, err := st.CreateJob(&models.Job{ChannelName: "classics"})
	require.NoError(t, err)
	_, err = st.CreateFile(&models.FileRecord{JobID: jobID, Filename: "a.epub"})
	require.NoError(t, err)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/jobs/"+jobID+"/files", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var files []models.FileRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &files))
	require.Len(t, files, 1)
	assert.Equal(t, "a.epub", files[0].Filename)

	missing := doJSON(t, srv.Handler(), http.MethodGet, "/api/jobs/nope/files", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	srv, st, _ := newTestServer(t)
	for i := 0; i < 3; i++ {
		_, err := st.CreateJob(&models.Job{ChannelName: "classics"})
		require.NoError(t, err)
	}

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/history?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Len(t, history, 2)

	bad := doJSON(t, srv.Handler(), http.MethodGet, "/api/history?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestEventsStream(t *testing.T) {
	srv, _, events := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The subscription is registered before the handler writes its headers,
	// so an event published now is guaranteed to be delivered.
	events.Publish(models.ProgressEvent{JobID: "j1", Progress: 25, Status: models.FileStatusDownloading})

	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	require.NotEmpty(t, data, "no event data received")

	var ev models.ProgressEvent
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, "j1", ev.JobID)
	assert.InDelta(t, 25, ev.Progress, 0.001)
}
