package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-channel-download/internal/models"
)

// Struct to hold job parameters for torrent workers
type torrentJob struct {
	SourcePath     string
	Trackers       []string
	OutputDir      string
	Overwrite      bool
	GenerateMagnet bool
	LogFields      log.Fields // For context in worker logs
}

func torrentWorker(id int, jobs <-chan torrentJob, wg *sync.WaitGroup, successCounter *atomic.Int64, failureCounter *atomic.Int64) {
	defer wg.Done()
	log.Debugf("Torrent Worker %d starting", id)
	for job := range jobs {
		log.WithFields(job.LogFields).Infof("Worker %d: Processing torrent job for directory %s", id, job.SourcePath)
		err := generateTorrentFile(job.SourcePath, job.Trackers, job.OutputDir, job.Overwrite, job.GenerateMagnet)
		if err != nil {
			log.WithFields(job.LogFields).WithError(err).Errorf("Worker %d: Failed to generate torrent for %s", id, job.SourcePath)
			failureCounter.Add(1)
		} else {
			successCounter.Add(1)
		}
	}
	log.Debugf("Torrent Worker %d finished", id)
}

var (
	torrentJobIDs       []string
	announceURLs        []string
	torrentOutputDir    string
	overwriteTorrents   bool
	generateMagnetLinks bool
)

var torrentCmd = &cobra.Command{
	Use:   "torrent",
	Short: "Generate .torrent files for completed download jobs",
	Long: `Generates BitTorrent metainfo (.torrent) files for the per-job download
directories of completed jobs. Requires access to the download database and
the downloaded files themselves. You must specify tracker announce URLs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging()
		if len(announceURLs) == 0 {
			return errors.New("at least one --announce URL is required")
		}

		concurrency, _ := cmd.Flags().GetInt("concurrency")
		if concurrency <= 0 {
			log.Warnf("Invalid concurrency value %d, defaulting to 4", concurrency)
			concurrency = 4
		}

		if globalConfig.SavePath == "" {
			return errors.New("save path is not configured (--save-path or config file)")
		}

		st, closeDB, err := openStoreReadOnly()
		if err != nil {
			return err
		}
		defer closeDB()

		jobIDSet := make(map[string]struct{}, len(torrentJobIDs))
		for _, id := range torrentJobIDs {
			jobIDSet[id] = struct{}{}
		}

		log.Info("Scanning database for completed jobs...")
		allJobs, err := st.ListJobs(0)
		if err != nil {
			return fmt.Errorf("error scanning database: %w", err)
		}
		var targets []models.Job
		for _, j := range allJobs {
			if j.Status != models.JobStatusCompleted {
				continue
			}
			if len(jobIDSet) > 0 {
				if _, wanted := jobIDSet[j.ID]; !wanted {
					continue
				}
			}
			targets = append(targets, j)
		}

		if len(targets) == 0 {
			if len(torrentJobIDs) > 0 {
				log.Warnf("No completed jobs found matching IDs: %v", torrentJobIDs)
			} else {
				log.Info("No completed jobs found in the database.")
			}
			return nil
		}

		log.Infof("Generating torrents for %d job directories using %d workers...", len(targets), concurrency)

		torrentJobs := make(chan torrentJob, concurrency)
		var wg sync.WaitGroup
		var successCounter atomic.Int64
		var failureCounter atomic.Int64

		for i := 1; i <= concurrency; i++ {
			wg.Add(1)
			go torrentWorker(i, torrentJobs, &wg, &successCounter, &failureCounter)
		}

		for _, j := range targets {
			dirPath := filepath.Join(globalConfig.SavePath, "job_"+j.ID)
			torrentJobs <- torrentJob{
				SourcePath:     dirPath,
				Trackers:       announceURLs,
				OutputDir:      torrentOutputDir,
				Overwrite:      overwriteTorrents,
				GenerateMagnet: generateMagnetLinks,
				LogFields: log.Fields{
					"jobId":     j.ID,
					"channel":   j.ChannelName,
					"directory": dirPath,
				},
			}
		}
		close(torrentJobs)
		wg.Wait()

		successCount := successCounter.Load()
		failCount := failureCounter.Load()
		log.Infof("Torrent generation complete. Success: %d, Failed: %d", successCount, failCount)
		if failCount > 0 {
			return fmt.Errorf("%d torrents failed to generate", failCount)
		}
		return nil
	},
}

// generateTorrentFile creates a .torrent file for the given source directory.
// It can optionally also create a text file containing the magnet link.
func generateTorrentFile(sourcePath string, trackers []string, outputDir string, overwrite bool, generateMagnetLinks bool) error {
	stat, err := os.Stat(sourcePath)
	if os.IsNotExist(err) {
		return fmt.Errorf("source path does not exist: %s", sourcePath)
	} else if err != nil {
		return fmt.Errorf("error stating source path %s: %w", sourcePath, err)
	} else if !stat.IsDir() {
		return fmt.Errorf("source path is not a directory: %s", sourcePath)
	}

	torrentFileName := fmt.Sprintf("%s.torrent", filepath.Base(sourcePath))
	var outPath string
	if outputDir != "" {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return fmt.Errorf("error creating output directory %s: %w", outputDir, err)
		}
		outPath = filepath.Join(outputDir, torrentFileName)
	} else {
		// Place the torrent file inside the source directory
		outPath = filepath.Join(sourcePath, torrentFileName)
	}

	if !overwrite {
		if _, err := os.Stat(outPath); err == nil {
			log.WithField("path", outPath).Info("Skipping existing torrent file (use --overwrite to replace)")
			return nil
		}
	} else {
		if _, err := os.Stat(outPath); err == nil {
			log.WithField("path", outPath).Warn("Overwriting existing torrent file")
		}
	}

	mi := metainfo.MetaInfo{
		AnnounceList: make([][]string, len(trackers)),
	}
	for i, tracker := range trackers {
		mi.AnnounceList[i] = []string{tracker}
	}
	if len(trackers) > 0 {
		mi.Announce = trackers[0]
	}
	mi.CreatedBy = "go-channel-download"

	const pieceLength = 512 * 1024
	info := metainfo.Info{PieceLength: pieceLength}

	log.WithField("directory", sourcePath).Debug("Building torrent info...")
	if err := info.BuildFromFilePath(sourcePath); err != nil {
		return fmt.Errorf("error building torrent info from path %s: %w", sourcePath, err)
	}
	mi.InfoBytes, err = bencode.Marshal(info)
	if err != nil {
		return fmt.Errorf("error marshaling torrent info: %w", err)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("error creating torrent file %s: %w", outPath, err)
	}
	defer f.Close()

	if err := mi.Write(f); err != nil {
		return fmt.Errorf("error writing torrent file %s: %w", outPath, err)
	}
	log.WithField("path", outPath).Info("Successfully generated torrent file")

	if generateMagnetLinks {
		infoHash := mi.HashInfoBytes()
		magnetParts := []string{
			fmt.Sprintf("magnet:?xt=urn:btih:%s", infoHash.HexString()),
			fmt.Sprintf("dn=%s", url.QueryEscape(stat.Name())),
		}
		for _, tracker := range trackers {
			magnetParts = append(magnetParts, fmt.Sprintf("tr=%s", url.QueryEscape(tracker)))
		}
		magnetURI := strings.Join(magnetParts, "&")
		magnetFileName := fmt.Sprintf("%s-magnet.txt", strings.TrimSuffix(filepath.Base(outPath), filepath.Ext(outPath)))
		magnetOutPath := filepath.Join(filepath.Dir(outPath), magnetFileName)

		if err := writeMagnetFile(magnetOutPath, magnetURI); err != nil {
			// Don't fail the whole torrent generation just for the magnet link
			log.WithError(err).WithField("path", magnetOutPath).Error("Failed to write magnet link file")
		} else {
			log.WithField("path", magnetOutPath).Info("Successfully generated magnet link file")
		}
	}

	return nil
}

// writeMagnetFile writes the magnet URI string to the specified file path.
func writeMagnetFile(filePath string, magnetURI string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("error creating magnet file %s: %w", filePath, err)
	}
	defer f.Close()

	if _, err := f.WriteString(magnetURI); err != nil {
		return fmt.Errorf("error writing magnet file %s: %w", filePath, err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(torrentCmd)

	torrentCmd.Flags().StringSliceVar(&announceURLs, "announce", []string{}, "Tracker announce URL (repeatable)")
	torrentCmd.Flags().StringSliceVar(&torrentJobIDs, "job-id", []string{}, "Specific job ID(s) to generate torrents for. Default: all completed jobs.")
	torrentCmd.Flags().StringVarP(&torrentOutputDir, "output-dir", "o", "", "Directory to save generated .torrent files (default: inside each job directory)")
	torrentCmd.Flags().BoolVarP(&overwriteTorrents, "overwrite", "f", false, "Overwrite existing .torrent files")
	torrentCmd.Flags().BoolVar(&generateMagnetLinks, "magnet-links", false, "Generate a .txt file containing the magnet link alongside each .torrent file")
	torrentCmd.Flags().IntP("concurrency", "c", 4, "Number of concurrent torrent generation workers")
}
