package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go-channel-download/internal/database"
	"go-channel-download/internal/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Custom store errors.
var (
	ErrJobNotFound  = errors.New("job not found")
	ErrFileNotFound = errors.New("file record not found")
)

// Key prefixes. Jobs and file records live in one bitcask namespace; file
// records embed their job id in the key so a per-job listing is a prefix scan.
const (
	jobKeyPrefix  = "job:"
	fileKeyPrefix = "file:"
	fpKeyPrefix   = "fp:"
)

// Store persists Jobs and FileRecords and maintains the completed-fingerprint
// index used for de-duplication. All writes from a single worker are issued
// one at a time, so the underlying DB's per-key locking is sufficient.
type Store struct {
	db *database.DB
}

// New returns a Store backed by db.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

func jobKey(id string) []byte {
	return []byte(jobKeyPrefix + id)
}

func fileKey(jobID, fileID string) []byte {
	return []byte(fileKeyPrefix + jobID + ":" + fileID)
}

func fingerprintKey(fp string) []byte {
	return []byte(fpKeyPrefix + fp)
}

// CreateJob assigns an id and timestamps to job and persists it.
func (s *Store) CreateJob(job *models.Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}

	if err := s.putJSON(jobKey(job.ID), job); err != nil {
		return "", fmt.Errorf("creating job %s: %w", job.ID, err)
	}
	log.WithField("jobId", job.ID).Debugf("Created job for channel %s", job.ChannelName)
	return job.ID, nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(id string) (*models.Job, error) {
	var job models.Job
	if err := s.getJSON(jobKey(id), &job); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("getting job %s: %w", id, err)
	}
	return &job, nil
}

// UpdateJob applies the non-nil fields of upd to the stored job.
func (s *Store) UpdateJob(id string, upd models.JobUpdate) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}

	if upd.ChannelID != nil {
		job.ChannelID = *upd.ChannelID
	}
	if upd.Status != nil {
		job.Status = *upd.Status
	}
	if upd.TotalFiles != nil {
		job.TotalFiles = *upd.TotalFiles
	}
	if upd.CompletedFiles != nil {
		job.CompletedFiles = *upd.CompletedFiles
	}
	if upd.FailedFiles != nil {
		job.FailedFiles = *upd.FailedFiles
	}
	if upd.SkippedFiles != nil {
		job.SkippedFiles = *upd.SkippedFiles
	}
	if upd.TotalSize != nil {
		job.TotalSize = *upd.TotalSize
	}
	if upd.DownloadedSize != nil {
		job.DownloadedSize = *upd.DownloadedSize
	}
	if upd.Progress != nil {
		job.Progress = *upd.Progress
	}
	if upd.CompletedAt != nil {
		job.CompletedAt = upd.CompletedAt
	}
	if upd.ErrorMessage != nil {
		job.ErrorMessage = *upd.ErrorMessage
	}
	job.UpdatedAt = time.Now().UTC()

	if err := s.putJSON(jobKey(id), job); err != nil {
		return fmt.Errorf("updating job %s: %w", id, err)
	}
	return nil
}

// ListJobs returns jobs sorted newest-first. A limit <= 0 returns all jobs.
func (s *Store) ListJobs(limit int) ([]models.Job, error) {
	var jobs []models.Job
	err := s.db.ScanPrefix([]byte(jobKeyPrefix), func(key, value []byte) error {
		var job models.Job
		if err := json.Unmarshal(value, &job); err != nil {
			log.WithError(err).Warnf("Skipping unreadable job entry %s", string(key))
			return nil
		}
		jobs = append(jobs, job)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// CreateFile assigns an id and timestamps to f and persists it.
func (s *Store) CreateFile(f *models.FileRecord) (string, error) {
	if f.JobID == "" {
		return "", errors.New("file record requires a job id")
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now
	if f.Status == "" {
		f.Status = models.FileStatusPending
	}

	if err := s.putJSON(fileKey(f.JobID, f.ID), f); err != nil {
		return "", fmt.Errorf("creating file record %s: %w", f.ID, err)
	}
	return f.ID, nil
}

// GetFile retrieves one file record.
func (s *Store) GetFile(jobID, fileID string) (*models.FileRecord, error) {
	var f models.FileRecord
	if err := s.getJSON(fileKey(jobID, fileID), &f); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("getting file record %s: %w", fileID, err)
	}
	return &f, nil
}

// UpdateFile applies the non-nil fields of upd to the stored record. When a
// record transitions to completed its fingerprint is added to the
// de-duplication index.
func (s *Store) UpdateFile(jobID, fileID string, upd models.FileUpdate) error {
	f, err := s.GetFile(jobID, fileID)
	if err != nil {
		return err
	}

	if upd.Status != nil {
		f.Status = *upd.Status
	}
	if upd.Progress != nil {
		f.Progress = *upd.Progress
	}
	if upd.BytesDone != nil {
		f.BytesDone = *upd.BytesDone
	}
	if upd.DownloadPath != nil {
		f.DownloadPath = *upd.DownloadPath
	}
	if upd.ErrorMessage != nil {
		f.ErrorMessage = *upd.ErrorMessage
	}
	f.UpdatedAt = time.Now().UTC()

	if err := s.putJSON(fileKey(jobID, fileID), f); err != nil {
		return fmt.Errorf("updating file record %s: %w", fileID, err)
	}

	if f.Status == models.FileStatusCompleted && f.Fingerprint != "" {
		if err := s.db.Put(fingerprintKey(f.Fingerprint), []byte(f.ID)); err != nil {
			return fmt.Errorf("indexing fingerprint for file %s: %w", fileID, err)
		}
	}
	return nil
}

// ListFiles returns all file records of a job in discovery order.
func (s *Store) ListFiles(jobID string) ([]models.FileRecord, error) {
	var files []models.FileRecord
	err := s.db.ScanPrefix([]byte(fileKeyPrefix+jobID+":"), func(key, value []byte) error {
		var f models.FileRecord
		if err := json.Unmarshal(value, &f); err != nil {
			log.WithError(err).Warnf("Skipping unreadable file entry %s", string(key))
			return nil
		}
		files = append(files, f)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing files of job %s: %w", jobID, err)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Seq < files[j].Seq
	})
	return files, nil
}

// HasCompletedFingerprint reports whether a completed record already owns the
// fingerprint. This is the cross-scan de-duplication check.
func (s *Store) HasCompletedFingerprint(fp string) bool {
	if fp == "" {
		return false
	}
	return s.db.Has(fingerprintKey(fp))
}

// EachCompletedFile calls fn for every completed record in the store.
// Used by the search index rebuild.
func (s *Store) EachCompletedFile(fn func(f models.FileRecord) error) error {
	return s.db.ScanPrefix([]byte(fileKeyPrefix), func(key, value []byte) error {
		var f models.FileRecord
		if err := json.Unmarshal(value, &f); err != nil {
			log.WithError(err).Warnf("Skipping unreadable file entry %s", string(key))
			return nil
		}
		if f.Status != models.FileStatusCompleted {
			return nil
		}
		return fn(f)
	})
}

func (s *Store) putJSON(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling value for key %s: %w", string(key), err)
	}
	return s.db.Put(key, data)
}

func (s *Store) getJSON(key []byte, v interface{}) error {
	data, err := s.db.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshalling value for key %s: %w", string(key), err)
	}
	return nil
}
