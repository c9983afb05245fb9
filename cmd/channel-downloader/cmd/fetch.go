package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-channel-download/internal/helpers"
	"go-channel-download/internal/jobs"
	"go-channel-download/internal/models"
)

var (
	fetchFileTypes []string
	fetchMaxFiles  int
	fetchSession   string
)

// fetchCmd runs a single download job in the foreground with live progress.
var fetchCmd = &cobra.Command{
	Use:   "fetch <channel>",
	Short: "Download a channel's files in the foreground",
	Long: `Starts a single download job for the given channel and blocks until it
finishes, rendering live progress. Files already downloaded by earlier jobs
are skipped. Ctrl-C cancels the job cleanly.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging()
		channel := args[0]
		log.Infof("Starting foreground download of channel %s", channel)

		rt, closeAll, err := openRuntime()
		if err != nil {
			return err
		}
		defer closeAll()

		fileTypes := fetchFileTypes
		if len(fileTypes) == 0 {
			fileTypes = globalConfig.FileTypes
		}
		if len(fileTypes) == 0 {
			fileTypes = viper.GetStringSlice("fetch.file_types")
		}

		sub := rt.events.Subscribe()
		defer rt.events.Unsubscribe(sub)

		jobID, err := rt.controller.Start(jobs.StartRequest{
			Channel:   channel,
			FileTypes: fileTypes,
			MaxFiles:  fetchMaxFiles,
			Session:   fetchSession,
		})
		if err != nil {
			return err
		}

		// Forward Ctrl-C into a cancel; closeAll still drains the worker.
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-quit
			log.Warn("Interrupt received, cancelling job")
			if cerr := rt.controller.Cancel(jobID); cerr != nil {
				log.WithError(cerr).Error("Could not cancel job")
			}
		}()

		// Use uilive writer for progress updates
		writer := uilive.New()
		writer.Start()
		defer writer.Stop()

		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case ev, open := <-sub.C:
				if !open {
					return nil
				}
				if ev.JobID != jobID {
					continue
				}
				if ev.Filename != "" {
					fmt.Fprintf(writer, "[%5.1f%%] %s (%s of %s)\n",
						ev.Progress, ev.Filename,
						helpers.BytesToSize(uint64(ev.BytesDone)),
						helpers.BytesToSize(uint64(ev.TotalBytes)))
				}
			case <-ticker.C:
				job, serr := rt.controller.Status(jobID)
				if serr != nil {
					return serr
				}
				if !models.JobTerminal(job.Status) || rt.controller.Running(jobID) {
					continue
				}
				fmt.Fprintf(writer.Newline(), "Job %s: %d completed, %d failed, %d skipped (%s)\n",
					job.Status, job.CompletedFiles, job.FailedFiles, job.SkippedFiles,
					helpers.BytesToSize(uint64(job.DownloadedSize)))
				if job.Status == models.JobStatusFailed {
					return fmt.Errorf("job failed: %s", job.ErrorMessage)
				}
				return nil
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringSliceVar(&fetchFileTypes, "file-types", nil, "File extensions to download (default: all supported)")
	fetchCmd.Flags().IntVar(&fetchMaxFiles, "max-files", models.MaxFilesUnlimited, "Maximum number of files to discover (-1 for no cap)")
	fetchCmd.Flags().StringVar(&fetchSession, "session", "", "Source session identifier")
	_ = viper.BindPFlag("fetch.file_types", fetchCmd.Flags().Lookup("file-types"))
}
