package jobs

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go-channel-download/internal/broadcast"
	"go-channel-download/internal/models"
	"go-channel-download/internal/source"
	"go-channel-download/internal/store"

	log "github.com/sirupsen/logrus"
)

// ErrInvalidRequest marks malformed controller input, rejected synchronously
// with no state mutation.
var ErrInvalidRequest = errors.New("invalid request")

const defaultPauseWake = 500 * time.Millisecond

// controlBlock is the ephemeral in-memory control state of one live job.
// Its presence in the controller's table is exactly the "a worker is live"
// marker; it is never persisted. The controller writes the flags, the worker
// reads them, so both are atomics.
type controlBlock struct {
	session string

	paused atomic.Bool
	// shutdown distinguishes process teardown from a user cancel: a shutdown
	// leaves the persisted status untouched so RecoverInterrupted can pick the
	// job back up on the next run.
	shutdown   atomic.Bool
	cancelOnce sync.Once
	cancelled  chan struct{} // closed on cancel
	wake       chan struct{} // signalled by resume and cancel
	done       chan struct{} // closed when the worker exits
}

func newControlBlock(session string, paused bool) *controlBlock {
	cb := &controlBlock{
		session:   session,
		cancelled: make(chan struct{}),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	cb.paused.Store(paused)
	return cb
}

// signalWake nudges a worker idling in its pause loop. Non-blocking; the
// buffer of one coalesces repeated signals.
func (cb *controlBlock) signalWake() {
	select {
	case cb.wake <- struct{}{}:
	default:
	}
}

func (cb *controlBlock) cancel() {
	cb.cancelOnce.Do(func() { close(cb.cancelled) })
	cb.signalWake()
}

func (cb *controlBlock) isCancelled() bool {
	select {
	case <-cb.cancelled:
		return true
	default:
		return false
	}
}

// StartRequest is the input to Controller.Start.
type StartRequest struct {
	Channel   string
	FileTypes []string
	// MaxFiles caps discovery. Zero discovers nothing;
	// models.MaxFilesUnlimited disables the cap.
	MaxFiles int
	// Session identifies the source session acting on behalf of this job.
	Session string
}

// Options tunes a Controller.
type Options struct {
	// SavePath is the root directory downloads land under.
	SavePath string
	// PauseWake bounds how long a paused worker waits before re-checking its
	// control flags when no wake signal arrives. Zero uses the default.
	PauseWake time.Duration
}

// Controller owns one concurrent worker per active job and the table of
// control blocks keyed by job id. It is the only writer of that table; the
// workers are the only readers of the blocks inside it.
type Controller struct {
	store     *store.Store
	src       source.Source
	events    *broadcast.Broadcaster
	savePath  string
	pauseWake time.Duration

	mu     sync.Mutex
	blocks map[string]*controlBlock
	wg     sync.WaitGroup
}

// NewController creates a Controller. Worker goroutines are spawned by Start
// and RecoverInterrupted and drained by Shutdown.
func NewController(st *store.Store, src source.Source, events *broadcast.Broadcaster, opts Options) *Controller {
	pauseWake := opts.PauseWake
	if pauseWake <= 0 {
		pauseWake = defaultPauseWake
	}
	return &Controller{
		store:     st,
		src:       src,
		events:    events,
		savePath:  opts.SavePath,
		pauseWake: pauseWake,
		blocks:    make(map[string]*controlBlock),
	}
}

// Start creates a job in pending state and spawns its worker. Concurrent
// calls produce independent jobs.
func (c *Controller) Start(req StartRequest) (string, error) {
	if req.Channel == "" {
		return "", fmt.Errorf("%w: channel name must not be empty", ErrInvalidRequest)
	}

	job := &models.Job{
		ChannelName: req.Channel,
		Status:      models.JobStatusPending,
		FileTypes:   req.FileTypes,
		MaxFiles:    req.MaxFiles,
	}
	jobID, err := c.store.CreateJob(job)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.spawnLocked(jobID, newControlBlock(req.Session, false))
	c.mu.Unlock()

	log.WithField("jobId", jobID).Infof("Started download job for channel %s", req.Channel)
	return jobID, nil
}

// spawnLocked registers cb and launches the worker goroutine. Callers hold
// c.mu; at most one worker per job id is guaranteed by never spawning while a
// block for that id exists.
func (c *Controller) spawnLocked(jobID string, cb *controlBlock) {
	if _, exists := c.blocks[jobID]; exists {
		log.WithField("jobId", jobID).Warn("Worker already live, refusing to spawn a second one")
		return
	}
	c.blocks[jobID] = cb
	c.wg.Add(1)
	go c.runWorker(jobID, cb)
}

// Pause sets the paused flag and persists the paused status. Pausing a job
// with no live worker is a no-op.
func (c *Controller) Pause(jobID string) error {
	c.mu.Lock()
	cb, ok := c.blocks[jobID]
	c.mu.Unlock()
	if !ok {
		log.WithField("jobId", jobID).Debug("Pause requested for job with no live worker, ignoring")
		return nil
	}
	cb.paused.Store(true)
	if err := c.store.UpdateJob(jobID, models.JobUpdate{Status: models.String(models.JobStatusPaused)}); err != nil {
		return err
	}
	log.WithField("jobId", jobID).Info("Paused download job")
	return nil
}

// Resume clears the paused flag, wakes the worker and restores the active
// status. A stale resume (worker already gone) is a no-op; callers wanting to
// continue a dead job go through RecoverInterrupted instead.
func (c *Controller) Resume(jobID string) error {
	c.mu.Lock()
	cb, ok := c.blocks[jobID]
	c.mu.Unlock()
	if !ok {
		log.WithField("jobId", jobID).Debug("Resume requested for job with no live worker, ignoring")
		return nil
	}
	cb.paused.Store(false)
	cb.signalWake()
	if err := c.store.UpdateJob(jobID, models.JobUpdate{Status: models.String(models.JobStatusActive)}); err != nil {
		return err
	}
	log.WithField("jobId", jobID).Info("Resumed download job")
	return nil
}

// Cancel requests the worker's teardown. The worker persists the cancelled
// status itself when it winds down, so a worker that just finished keeps its
// terminal status. Idempotent: cancelling twice, or cancelling a finished
// job, is a safe no-op.
func (c *Controller) Cancel(jobID string) error {
	c.mu.Lock()
	cb, ok := c.blocks[jobID]
	c.mu.Unlock()
	if !ok {
		log.WithField("jobId", jobID).Debug("Cancel requested for job with no live worker, ignoring")
		return nil
	}
	cb.cancel()
	log.WithField("jobId", jobID).Info("Cancelled download job")
	return nil
}

// Status returns one job. Pure read through the store.
func (c *Controller) Status(jobID string) (*models.Job, error) {
	return c.store.GetJob(jobID)
}

// AllStatuses returns every job, newest first.
func (c *Controller) AllStatuses() ([]models.Job, error) {
	return c.store.ListJobs(0)
}

// History returns the most recent jobs. A non-positive limit defaults to 50.
func (c *Controller) History(limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return c.store.ListJobs(limit)
}

// FilesOf returns a job's file records in discovery order.
func (c *Controller) FilesOf(jobID string) ([]models.FileRecord, error) {
	return c.store.ListFiles(jobID)
}

// Running reports whether a worker is currently live for jobID.
func (c *Controller) Running(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.blocks[jobID]
	return ok
}

// RecoverInterrupted respawns workers for persisted jobs left in active or
// paused state by a prior process. Each recovered worker restarts its scan
// from the beginning; the completed-fingerprint index keeps already-finished
// files from downloading again.
func (c *Controller) RecoverInterrupted() error {
	allJobs, err := c.store.ListJobs(0)
	if err != nil {
		return fmt.Errorf("recovering interrupted jobs: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, job := range allJobs {
		if job.Status != models.JobStatusActive && job.Status != models.JobStatusPaused {
			continue
		}
		if _, live := c.blocks[job.ID]; live {
			continue
		}
		log.WithField("jobId", job.ID).Infof("Recovering interrupted job for channel %s (was %s)", job.ChannelName, job.Status)
		c.spawnLocked(job.ID, newControlBlock("", job.Status == models.JobStatusPaused))
	}
	return nil
}

// Shutdown cancels every live job, waits for all workers to exit and releases
// the source's connections. No background work survives it.
func (c *Controller) Shutdown() error {
	c.mu.Lock()
	for jobID, cb := range c.blocks {
		log.WithField("jobId", jobID).Debug("Shutdown: stopping live job")
		cb.shutdown.Store(true)
		cb.cancel()
	}
	c.mu.Unlock()

	c.wg.Wait()
	return c.src.Close()
}
