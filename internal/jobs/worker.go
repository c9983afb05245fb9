package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go-channel-download/internal/helpers"
	"go-channel-download/internal/models"
	"go-channel-download/internal/source"

	log "github.com/sirupsen/logrus"
)

// runWorker is the goroutine body for one job. It owns the job's full
// lifecycle and always deregisters its control block on exit, whatever the
// outcome.
func (c *Controller) runWorker(jobID string, cb *controlBlock) {
	defer func() {
		c.mu.Lock()
		if c.blocks[jobID] == cb {
			delete(c.blocks, jobID)
		}
		c.mu.Unlock()
		close(cb.done)
		c.wg.Done()
	}()

	// Bridge the control block's cancel signal into a context so in-flight
	// source calls unwind promptly instead of at the next loop boundary.
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	go func() {
		select {
		case <-cb.cancelled:
			cancelCtx()
		case <-cb.done:
		}
	}()

	err := c.runJob(ctx, jobID, cb)
	c.finalize(jobID, cb, err)
}

// finalize persists the terminal status and publishes the closing event. A
// hard error wins over a pending cancellation; a shutdown leaves the
// persisted status untouched so the job stays recoverable.
func (c *Controller) finalize(jobID string, cb *controlBlock, err error) {
	switch {
	case err != nil:
		log.WithError(err).WithField("jobId", jobID).Error("Download job failed")
		msg := err.Error()
		if uerr := c.store.UpdateJob(jobID, models.JobUpdate{
			Status:       models.String(models.JobStatusFailed),
			ErrorMessage: &msg,
		}); uerr != nil {
			log.WithError(uerr).WithField("jobId", jobID).Error("Could not persist failed status")
		}
		c.events.Publish(models.ProgressEvent{JobID: jobID, Status: models.JobStatusFailed})
	case cb.isCancelled():
		if cb.shutdown.Load() {
			log.WithField("jobId", jobID).Debug("Worker stopped for shutdown, leaving job recoverable")
			return
		}
		if uerr := c.store.UpdateJob(jobID, models.JobUpdate{
			Status: models.String(models.JobStatusCancelled),
		}); uerr != nil {
			log.WithError(uerr).WithField("jobId", jobID).Error("Could not persist cancelled status")
		}
		c.events.Publish(models.ProgressEvent{JobID: jobID, Status: models.JobStatusCancelled})
	default:
		now := time.Now().UTC()
		if uerr := c.store.UpdateJob(jobID, models.JobUpdate{
			Status:      models.String(models.JobStatusCompleted),
			Progress:    models.Float64(100),
			CompletedAt: models.Time(now),
		}); uerr != nil {
			log.WithError(uerr).WithField("jobId", jobID).Error("Could not persist completed status")
		}
		log.WithField("jobId", jobID).Info("Download job completed")
		c.events.Publish(models.ProgressEvent{JobID: jobID, Progress: 100, Status: models.JobStatusCompleted})
	}
}

func (c *Controller) runJob(ctx context.Context, jobID string, cb *controlBlock) error {
	job, err := c.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if cb.isCancelled() {
		return nil
	}

	if err := c.store.UpdateJob(jobID, models.JobUpdate{Status: models.String(models.JobStatusActive)}); err != nil {
		return err
	}
	job.Status = models.JobStatusActive

	// Opportunistic up-front resolution for nicer metadata. The scan resolves
	// the channel itself and surfaces the hard errors, so a failure here only
	// warrants a warning.
	if job.ChannelID == 0 {
		if info, rerr := c.src.ResolveChannel(ctx, cb.session, job.ChannelName); rerr != nil {
			log.WithError(rerr).WithField("jobId", jobID).Warnf("Could not resolve channel %s up front, continuing", job.ChannelName)
		} else {
			job.ChannelID = info.ID
			if uerr := c.store.UpdateJob(jobID, models.JobUpdate{ChannelID: models.Int64(info.ID)}); uerr != nil {
				return uerr
			}
		}
	}

	queue, totals, err := c.scanChannel(ctx, job, cb)
	if err != nil {
		return err
	}
	if cb.isCancelled() {
		return nil
	}

	return c.downloadQueue(ctx, job, cb, queue, totals)
}

// scanTotals accumulates the scan phase's bookkeeping. The pre-completed
// numbers are non-zero only when a recovered job re-scans a channel it had
// already partially downloaded.
type scanTotals struct {
	totalSize     int64
	skipped       int
	preCompleted  int
	preDownloaded int64
}

// scanChannel walks the channel, applies the type filter, the discovery cap
// and fingerprint de-duplication, and persists one pending FileRecord per
// file that survives. Files completed by other jobs are skipped; files this
// job already completed in a previous run are counted but not re-queued.
func (c *Controller) scanChannel(ctx context.Context, job *models.Job, cb *controlBlock) ([]models.FileRecord, scanTotals, error) {
	var t scanTotals

	if job.MaxFiles == 0 {
		// A zero cap is honoured literally.
		err := c.store.UpdateJob(job.ID, models.JobUpdate{TotalFiles: models.Int(0)})
		return nil, t, err
	}

	existing, err := c.store.ListFiles(job.ID)
	if err != nil {
		return nil, t, err
	}
	prior := make(map[string]models.FileRecord, len(existing))
	for _, f := range existing {
		prior[f.Fingerprint] = f
	}
	nextSeq := len(existing)

	wanted := make(map[string]bool, len(job.FileTypes))
	for _, ft := range job.FileTypes {
		wanted[helpers.NormalizeExtension(ft)] = true
	}

	items, err := c.src.ScanFiles(ctx, cb.session, job.ChannelName, source.ScanOptions{
		FileTypes: job.FileTypes,
		MaxFiles:  job.MaxFiles,
	})
	if err != nil {
		return nil, t, fmt.Errorf("scanning channel %s: %w", job.ChannelName, err)
	}

	var queue []models.FileRecord
	discovered := 0
	for item := range items {
		if cb.isCancelled() {
			// Cut the scan short but still persist what was counted so far.
			break
		}
		if item.Err != nil {
			return nil, t, fmt.Errorf("scanning channel %s: %w", job.ChannelName, item.Err)
		}
		f := item.File
		if len(wanted) > 0 && !wanted[f.FileType] {
			continue
		}
		discovered++

		switch {
		case f.Fingerprint != "" && prior[f.Fingerprint].ID != "":
			rec := prior[f.Fingerprint]
			t.totalSize += rec.Size
			if rec.Status == models.FileStatusCompleted {
				t.preCompleted++
				t.preDownloaded += rec.Size
			} else {
				queue = append(queue, rec)
			}
		case f.Fingerprint != "" && c.store.HasCompletedFingerprint(f.Fingerprint):
			log.WithField("jobId", job.ID).Debugf("Skipping %s, already downloaded by an earlier job", f.Filename)
			t.skipped++
		default:
			rec := models.FileRecord{
				JobID:       job.ID,
				Seq:         nextSeq,
				ItemID:      f.ItemID,
				Filename:    f.Filename,
				FileType:    f.FileType,
				Size:        f.Size,
				Fingerprint: f.Fingerprint,
				Status:      models.FileStatusPending,
			}
			if _, cerr := c.store.CreateFile(&rec); cerr != nil {
				return nil, t, cerr
			}
			nextSeq++
			t.totalSize += rec.Size
			queue = append(queue, rec)
		}

		if job.Capped() && discovered >= job.MaxFiles {
			break
		}
	}

	sort.Slice(queue, func(i, j int) bool { return queue[i].Seq < queue[j].Seq })

	err = c.store.UpdateJob(job.ID, models.JobUpdate{
		TotalFiles:     models.Int(len(queue) + t.preCompleted),
		TotalSize:      models.Int64(t.totalSize),
		SkippedFiles:   models.Int(t.skipped),
		CompletedFiles: models.Int(t.preCompleted),
		DownloadedSize: models.Int64(t.preDownloaded),
	})
	if err != nil {
		return nil, t, err
	}

	log.WithField("jobId", job.ID).Infof("Scan of channel %s found %d files to download (%d skipped as duplicates)",
		job.ChannelName, len(queue), t.skipped)
	return queue, t, nil
}

// downloadQueue fetches the queued records one at a time in discovery order,
// honouring pause and cancel between files and publishing aggregate progress
// after each.
func (c *Controller) downloadQueue(ctx context.Context, job *models.Job, cb *controlBlock, queue []models.FileRecord, t scanTotals) error {
	total := len(queue) + t.preCompleted
	completed := t.preCompleted
	failed := 0
	downloaded := t.preDownloaded

	for i := range queue {
		if cb.isCancelled() {
			return nil
		}
		c.waitWhilePaused(cb)
		if cb.isCancelled() {
			return nil
		}

		rec := &queue[i]
		ok, err := c.downloadOne(ctx, job, cb, rec)
		if err != nil {
			return err
		}

		fileStatus := models.FileStatusCompleted
		if ok {
			completed++
			downloaded += rec.Size
		} else {
			failed++
			fileStatus = models.FileStatusFailed
		}

		progress := float64(completed+failed) / float64(total) * 100
		if err := c.store.UpdateJob(job.ID, models.JobUpdate{
			CompletedFiles: models.Int(completed),
			FailedFiles:    models.Int(failed),
			DownloadedSize: models.Int64(downloaded),
			Progress:       models.Float64(progress),
		}); err != nil {
			return err
		}
		c.events.Publish(models.ProgressEvent{
			JobID:      job.ID,
			FileID:     rec.ID,
			Filename:   rec.Filename,
			Progress:   progress,
			BytesDone:  downloaded,
			TotalBytes: t.totalSize,
			Status:     fileStatus,
		})
	}
	return nil
}

// waitWhilePaused blocks while the paused flag is set. The wake channel gives
// a prompt resume; the timeout is the fallback re-check in case a signal was
// coalesced away.
func (c *Controller) waitWhilePaused(cb *controlBlock) {
	for cb.paused.Load() && !cb.isCancelled() {
		select {
		case <-cb.wake:
		case <-cb.cancelled:
		case <-time.After(c.pauseWake):
		}
	}
}

// downloadOne transfers a single record. The bool reports transfer success;
// a non-nil error means a store write failed, which is fatal to the job.
func (c *Controller) downloadOne(ctx context.Context, job *models.Job, cb *controlBlock, rec *models.FileRecord) (bool, error) {
	dest := c.destPath(job, rec)
	if err := c.store.UpdateFile(job.ID, rec.ID, models.FileUpdate{
		Status:       models.String(models.FileStatusDownloading),
		DownloadPath: models.String(dest),
	}); err != nil {
		return false, err
	}
	log.WithField("jobId", job.ID).Infof("Downloading %s (%s)", rec.Filename, helpers.BytesToSize(uint64(rec.Size)))

	// Persist and publish on whole-percent boundaries to keep the write rate
	// independent of the chunk size.
	lastPct := -1.0
	onProgress := func(bytesDone, totalBytes int64) {
		var pct float64
		if totalBytes > 0 {
			pct = float64(bytesDone) / float64(totalBytes) * 100
		}
		if pct-lastPct < 1 && bytesDone < totalBytes {
			return
		}
		lastPct = pct
		if uerr := c.store.UpdateFile(job.ID, rec.ID, models.FileUpdate{
			Progress:  &pct,
			BytesDone: &bytesDone,
		}); uerr != nil {
			log.WithError(uerr).WithField("jobId", job.ID).Debug("Could not persist file progress")
		}
		c.events.Publish(models.ProgressEvent{
			JobID:      job.ID,
			FileID:     rec.ID,
			Filename:   rec.Filename,
			Progress:   pct,
			BytesDone:  bytesDone,
			TotalBytes: totalBytes,
			Status:     models.FileStatusDownloading,
		})
	}

	if err := c.src.Fetch(ctx, cb.session, job.ChannelName, rec.ItemID, dest, onProgress); err != nil {
		log.WithError(err).WithField("jobId", job.ID).Errorf("Download of %s failed", rec.Filename)
		msg := err.Error()
		if uerr := c.store.UpdateFile(job.ID, rec.ID, models.FileUpdate{
			Status:       models.String(models.FileStatusFailed),
			ErrorMessage: &msg,
		}); uerr != nil {
			return false, uerr
		}
		return false, nil
	}

	if uerr := c.store.UpdateFile(job.ID, rec.ID, models.FileUpdate{
		Status:    models.String(models.FileStatusCompleted),
		Progress:  models.Float64(100),
		BytesDone: models.Int64(rec.Size),
	}); uerr != nil {
		return false, uerr
	}
	return true, nil
}

// destPath places a record under <savePath>/job_<id>/<filename>, prefixing
// the item id when another file in the job already claimed the name. The
// remote filename is slugged before it touches the filesystem.
func (c *Controller) destPath(job *models.Job, rec *models.FileRecord) string {
	dir := filepath.Join(c.savePath, "job_"+job.ID)
	name := helpers.ConvertToSlug(rec.Filename)
	dest := filepath.Join(dir, name)
	if _, err := os.Stat(dest); err == nil && rec.DownloadPath != dest {
		dest = filepath.Join(dir, fmt.Sprintf("%d_%s", rec.ItemID, name))
	}
	return dest
}
