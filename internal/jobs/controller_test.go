package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-channel-download/internal/broadcast"
	"go-channel-download/internal/database"
	"go-channel-download/internal/models"
	"go-channel-download/internal/source"
	"go-channel-download/internal/store"
)

const fakeChannelID = 42

type fakeFile struct {
	itemID int64
	name   string
	size   int64
}

// fakeSource is an in-memory Source. With stepping enabled, every Fetch
// announces itself on started and blocks until release (or ctx cancellation),
// which lets tests pause or cancel a job at a known point. scanStepping does
// the same for the scan, gating after each emitted file.
type fakeSource struct {
	mu         sync.Mutex
	files      []fakeFile
	failFetch  map[int64]error
	resolveErr error
	scanErr    error
	fetched    []int64

	stepping bool
	started  chan int64
	release  chan struct{}

	scanStepping bool
	scanned      chan int64
	scanRelease  chan struct{}
}

func newFakeSource(files ...fakeFile) *fakeSource {
	return &fakeSource{
		files:     files,
		failFetch: map[int64]error{},
		started:   make(chan int64, 16),
		release:   make(chan struct{}, 16),

		scanned:     make(chan int64, 16),
		scanRelease: make(chan struct{}, 16),
	}
}

func (f *fakeSource) ResolveChannel(ctx context.Context, session, name string) (source.ChannelInfo, error) {
	if f.resolveErr != nil {
		return source.ChannelInfo{}, f.resolveErr
	}
	return source.ChannelInfo{ID: fakeChannelID, Title: name}, nil
}

func (f *fakeSource) ScanFiles(ctx context.Context, session, name string, opts source.ScanOptions) (<-chan source.ScanItem, error) {
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	ch := make(chan source.ScanItem)
	go func() {
		defer close(ch)
		emitted := 0
		for _, file := range f.files {
			if opts.MaxFiles == 0 {
				return
			}
			ext := strings.TrimPrefix(filepath.Ext(file.name), ".")
			item := source.ScanItem{File: source.DiscoveredFile{
				ItemID:      file.itemID,
				Filename:    file.name,
				FileType:    ext,
				Size:        file.size,
				Fingerprint: source.DefaultFingerprint(fakeChannelID, file.itemID, file.name),
			}}
			select {
			case ch <- item:
			case <-ctx.Done():
				return
			}
			if f.scanStepping {
				select {
				case f.scanned <- file.itemID:
				case <-ctx.Done():
					return
				}
				select {
				case <-f.scanRelease:
				case <-ctx.Done():
					return
				}
			}
			emitted++
			if opts.MaxFiles > 0 && emitted >= opts.MaxFiles {
				return
			}
		}
	}()
	return ch, nil
}

func (f *fakeSource) Fetch(ctx context.Context, session, name string, itemID int64, dest string, onProgress source.ProgressFunc) error {
	if f.stepping {
		f.started <- itemID
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := f.failFetch[itemID]; err != nil {
		return err
	}

	var size int64
	for _, file := range f.files {
		if file.itemID == itemID {
			size = file.size
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(dest, make([]byte, size), 0600); err != nil {
		return err
	}
	if onProgress != nil {
		onProgress(size, size)
	}

	f.mu.Lock()
	f.fetched = append(f.fetched, itemID)
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) Close() error { return nil }

func (f *fakeSource) fetchedItems() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.fetched...)
}

type testEnv struct {
	store      *store.Store
	source     *fakeSource
	events     *broadcast.Broadcaster
	controller *Controller
}

func newTestEnv(t *testing.T, src *fakeSource) *testEnv {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(db)
	events := broadcast.New()
	t.Cleanup(events.Close)
	controller := NewController(st, src, events, Options{
		SavePath:  t.TempDir(),
		PauseWake: 10 * time.Millisecond,
	})
	t.Cleanup(func() { _ = controller.Shutdown() })

	return &testEnv{store: st, source: src, events: events, controller: controller}
}

func (e *testEnv) waitDone(t *testing.T, jobID string) *models.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		return !e.controller.Running(jobID)
	}, 5*time.Second, 10*time.Millisecond, "worker did not finish")

	job, err := e.store.GetJob(jobID)
	require.NoError(t, err)
	return job
}

func TestStartRejectsEmptyChannel(t *testing.T) {
	env := newTestEnv(t, newFakeSource())
	_, err := env.controller.Start(StartRequest{Channel: ""})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestJobDownloadsAllFiles(t *testing.T) {
	src := newFakeSource(
		fakeFile{1, "war_and_peace.epub", 100},
		fakeFile{2, "anna_karenina.pdf", 200},
	)
	env := newTestEnv(t, src)

	sub := env.events.Subscribe()
	defer env.events.Unsubscribe(sub)

	jobID, err := env.controller.Start(StartRequest{Channel: "classics", MaxFiles: models.MaxFilesUnlimited})
	require.NoError(t, err)

	job := env.waitDone(t, jobID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.TotalFiles)
	assert.Equal(t, 2, job.CompletedFiles)
	assert.Equal(t, 0, job.FailedFiles)
	assert.Equal(t, int64(300), job.TotalSize)
	assert.Equal(t, int64(300), job.DownloadedSize)
	assert.InDelta(t, 100, job.Progress, 0.001)
	assert.Equal(t, int64(fakeChannelID), job.ChannelID)
	require.NotNil(t, job.CompletedAt)

	files, err := env.store.ListFiles(jobID)
	require.NoError(t, err)
	require.Len(t, files, 2)
	for _, f := range files {
		assert.Equal(t, models.FileStatusCompleted, f.Status)
		if assert.NotEmpty(t, f.DownloadPath) {
			_, statErr := os.Stat(f.DownloadPath)
			assert.NoError(t, statErr, "downloaded file missing on disk")
		}
	}

	// Completion event reaches subscribers.
	sawCompleted := false
	deadline := time.After(time.Second)
	for !sawCompleted {
		select {
		case ev := <-sub.C:
			if ev.JobID == jobID && ev.Status == models.JobStatusCompleted {
				sawCompleted = true
			}
		case <-deadline:
			t.Fatal("no completion event received")
		}
	}
}

func TestRemoteFilenamesAreSlugged(t *testing.T) {
	src := newFakeSource(fakeFile{1, "War and Peace: Vol I.EPUB", 10})
	env := newTestEnv(t, src)

	jobID, err := env.controller.Start(StartRequest{Channel: "classics", MaxFiles: models.MaxFilesUnlimited})
	require.NoError(t, err)

	job := env.waitDone(t, jobID)
	require.Equal(t, models.JobStatusCompleted, job.Status)

	files, err := env.store.ListFiles(jobID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "war_and_peace-vol_i.epub", filepath.Base(files[0].DownloadPath))
	_, statErr := os.Stat(files[0].DownloadPath)
	assert.NoError(t, statErr)
}

func TestJobCompletesDespiteFileFailure(t *testing.T) {
	src := newFakeSource(
		fakeFile{1, "good.epub", 100},
		fakeFile{2, "bad.epub", 100},
	)
	src.failFetch[2] = errors.New("connection reset")
	env := newTestEnv(t, src)

	jobID, err := env.controller.Start(StartRequest{Channel: "classics", MaxFiles: models.MaxFilesUnlimited})
	require.NoError(t, err)

	job := env.waitDone(t, jobID)
	assert.Equal(t, models.JobStatusCompleted, job.Status, "one failed file must not fail the job")
	assert.Equal(t, 1, job.CompletedFiles)
	assert.Equal(t, 1, job.FailedFiles)
	assert.InDelta(t, 100, job.Progress, 0.001)

	files, err := env.store.ListFiles(jobID)
	require.NoError(t, err)
	for _, f := range files {
		if f.ItemID == 2 {
			assert.Equal(t, models.FileStatusFailed, f.Status)
			assert.Contains(t, f.ErrorMessage, "connection reset")
		}
	}
}

func TestScanErrorFailsJob(t *testing.T) {
	src := newFakeSource()
	src.scanErr = source.ErrUnauthorized
	env := newTestEnv(t, src)

	jobID, err := env.controller.Start(StartRequest{Channel: "classics", MaxFiles: models.MaxFilesUnlimited})
	require.NoError(t, err)

	job := env.waitDone(t, jobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "unauthorized")
}

func TestFileTypeFilter(t *testing.T) {
	src := newFakeSource(
		fakeFile{1, "keep.pdf", 10},
		fakeFile{2, "drop.epub", 20},
	)
	env := newTestEnv(t, src)

	jobID, err := env.controller.Start(StartRequest{
		Channel:   "classics",
		FileTypes: []string{"PDF"}, // normalization makes case irrelevant
		MaxFiles:  models.MaxFilesUnlimited,
	})
	require.NoError(t, err)

	job := env.waitDone(t, jobID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.TotalFiles)
	assert.Equal(t, []int64{1}, src.fetchedItems())
}

func TestMaxFilesCap(t *testing.T) {
	var files []fakeFile
	for i := int64(1); i <= 5; i++ {
		files = append(files, fakeFile{i, "book" + string(rune('a'+i)) + ".epub", 10})
	}
	src := newFakeSource(files...)
	env := newTestEnv(t, src)

	jobID, err := env.controller.Start(StartRequest{Channel: "classics", MaxFiles: 2})
	require.NoError(t, err)

	job := env.waitDone(t, jobID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.TotalFiles)
	assert.Equal(t, 2, job.CompletedFiles)
	assert.Len(t, src.fetchedItems(), 2)
}

func TestMaxFilesZeroDiscoversNothing(t *testing.T) {
	src := newFakeSource(fakeFile{1, "book.epub", 10})
	env := newTestEnv(t, src)

	jobID, err := env.controller.Start(StartRequest{Channel: "classics", MaxFiles: 0})
	require.NoError(t, err)

	job := env.waitDone(t, jobID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 0, job.TotalFiles)
	assert.Empty(t, src.fetchedItems())
}

func TestDuplicatesSkippedAcrossJobs(t *testing.T) {
	src := newFakeSource(
		fakeFile{1, "a.epub", 10},
		fakeFile{2, "b.epub", 20},
	)
	env := newTestEnv(t, src)

	firstID, err := env.controller.Start(StartRequest{Channel: "classics", MaxFiles: models.MaxFilesUnlimited})
	require.NoError(t, err)
	first := env.waitDone(t, firstID)
	require.Equal(t, models.JobStatusCompleted, first.Status)
	require.Len(t, src.fetchedItems(), 2)

	secondID, err := env.controller.Start(StartRequest{Channel: "classics", MaxFiles: models.MaxFilesUnlimited})
	require.NoError(t, err)
	second := env.waitDone(t, secondID)

	assert.Equal(t, models.JobStatusCompleted, second.Status)
	assert.Equal(t, 0, second.TotalFiles)
	assert.Equal(t, 2, second.SkippedFiles)
	assert.Len(t, src.fetchedItems(), 2, "no file may be downloaded twice")
}

func TestPauseAndResume(t *testing.T) {
	src := newFakeSource(
		fakeFile{1, "a.epub", 10},
		fakeFile{2, "b.epub", 20},
	)
	src.stepping = true
	env := newTestEnv(t, src)

	jobID, err := env.controller.Start(StartRequest{Channel: "classics", MaxFiles: models.MaxFilesUnlimited})
	require.NoError(t, err)

	// First file in flight.
	first := <-src.started
	assert.Equal(t, int64(1), first)

	require.NoError(t, env.controller.Pause(jobID))
	src.release <- struct{}{} // let the in-flight file finish

	// The worker must idle before the second file.
	select {
	case item := <-src.started:
		t.Fatalf("file %d started while paused", item)
	case <-time.After(100 * time.Millisecond):
	}
	job, err := env.store.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPaused, job.Status)
	assert.True(t, env.controller.Running(jobID), "paused worker stays live")

	require.NoError(t, env.controller.Resume(jobID))
	second := <-src.started
	assert.Equal(t, int64(2), second)
	src.release <- struct{}{}

	job = env.waitDone(t, jobID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.CompletedFiles)
}

func TestCancelMidDownload(t *testing.T) {
	src := newFakeSource(
		fakeFile{1, "a.epub", 10},
		fakeFile{2, "b.epub", 20},
	)
	src.stepping = true
	env := newTestEnv(t, src)

	jobID, err := env.controller.Start(StartRequest{Channel: "classics", MaxFiles: models.MaxFilesUnlimited})
	require.NoError(t, err)

	<-src.started // first file in flight
	require.NoError(t, env.controller.Cancel(jobID))

	job := env.waitDone(t, jobID)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Empty(t, src.fetchedItems(), "no file may complete after cancel")

	// Cancelling again, with the worker gone, stays a no-op.
	assert.NoError(t, env.controller.Cancel(jobID))
	job, err = env.store.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
}

func TestCancelMidScanPersistsTotals(t *testing.T) {
	src := newFakeSource(
		fakeFile{1, "a.epub", 10},
		fakeFile{2, "b.epub", 20},
	)
	src.scanStepping = true
	env := newTestEnv(t, src)

	jobID, err := env.controller.Start(StartRequest{Channel: "classics", MaxFiles: models.MaxFilesUnlimited})
	require.NoError(t, err)

	<-src.scanned // first file recorded, second not yet emitted
	require.NoError(t, env.controller.Cancel(jobID))
	src.scanRelease <- struct{}{}

	job := env.waitDone(t, jobID)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Equal(t, 1, job.TotalFiles, "totals must cover what the scan got through")
	assert.Equal(t, int64(10), job.TotalSize)
	assert.Empty(t, src.fetchedItems())
}

func TestCancelDoesNotOverwriteTerminalStatus(t *testing.T) {
	env := newTestEnv(t, newFakeSource())

	jobID, err := env.store.CreateJob(&models.Job{
		ChannelName: "classics",
		Status:      models.JobStatusCompleted,
	})
	require.NoError(t, err)

	// A control block can briefly outlive the worker's final status write.
	// Cancel in that window must only signal, never touch the store.
	cb := newControlBlock("", false)
	env.controller.mu.Lock()
	env.controller.blocks[jobID] = cb
	env.controller.mu.Unlock()
	defer func() {
		env.controller.mu.Lock()
		delete(env.controller.blocks, jobID)
		env.controller.mu.Unlock()
	}()

	require.NoError(t, env.controller.Cancel(jobID))
	assert.True(t, cb.isCancelled())

	job, err := env.store.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
}

func TestPauseResumeWithoutWorkerIsNoop(t *testing.T) {
	env := newTestEnv(t, newFakeSource())
	assert.NoError(t, env.controller.Pause("ghost"))
	assert.NoError(t, env.controller.Resume("ghost"))
	assert.NoError(t, env.controller.Cancel("ghost"))
}

func TestRecoverInterruptedSkipsFinishedFiles(t *testing.T) {
	src := newFakeSource(
		fakeFile{1, "a.epub", 10},
		fakeFile{2, "b.epub", 20},
	)
	env := newTestEnv(t, src)

	// State a previous process would have left behind: job active, first
	// file completed, second never started.
	jobID, err := env.store.CreateJob(&models.Job{
		ChannelName: "classics",
		Status:      models.JobStatusActive,
		MaxFiles:    models.MaxFilesUnlimited,
	})
	require.NoError(t, err)
	fileID, err := env.store.CreateFile(&models.FileRecord{
		JobID:       jobID,
		Seq:         0,
		ItemID:      1,
		Filename:    "a.epub",
		FileType:    "epub",
		Size:        10,
		Fingerprint: source.DefaultFingerprint(fakeChannelID, 1, "a.epub"),
	})
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateFile(jobID, fileID, models.FileUpdate{
		Status: models.String(models.FileStatusCompleted),
	}))

	require.NoError(t, env.controller.RecoverInterrupted())

	job := env.waitDone(t, jobID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.TotalFiles)
	assert.Equal(t, 2, job.CompletedFiles)
	assert.Equal(t, []int64{2}, src.fetchedItems(), "finished file must not be re-downloaded")
}

func TestRecoverIgnoresTerminalJobs(t *testing.T) {
	env := newTestEnv(t, newFakeSource())
	jobID, err := env.store.CreateJob(&models.Job{
		ChannelName: "classics",
		Status:      models.JobStatusCompleted,
	})
	require.NoError(t, err)

	require.NoError(t, env.controller.RecoverInterrupted())
	assert.False(t, env.controller.Running(jobID))
}

func TestShutdownLeavesJobRecoverable(t *testing.T) {
	src := newFakeSource(
		fakeFile{1, "a.epub", 10},
		fakeFile{2, "b.epub", 20},
	)
	src.stepping = true
	env := newTestEnv(t, src)

	jobID, err := env.controller.Start(StartRequest{Channel: "classics", MaxFiles: models.MaxFilesUnlimited})
	require.NoError(t, err)
	<-src.started

	require.NoError(t, env.controller.Shutdown())

	job, err := env.store.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusActive, job.Status,
		"shutdown must not mark the job cancelled")
}
