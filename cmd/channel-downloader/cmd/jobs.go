package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"go-channel-download/internal/database"
	"go-channel-download/internal/helpers"
	"go-channel-download/internal/store"
)

var historyLimit int

// jobsCmd groups the read-only job inspection commands.
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect download jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging()
		st, closeDB, err := openStoreReadOnly()
		if err != nil {
			return err
		}
		defer closeDB()

		all, err := st.ListJobs(historyLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCHANNEL\tSTATUS\tPROGRESS\tFILES\tFAILED\tSKIPPED\tSIZE")
		for _, j := range all {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%d/%d\t%d\t%d\t%s\n",
				j.ID, j.ChannelName, j.Status, j.Progress,
				j.CompletedFiles, j.TotalFiles, j.FailedFiles, j.SkippedFiles,
				helpers.BytesToSize(uint64(j.DownloadedSize)))
		}
		return w.Flush()
	},
}

var jobsFilesCmd = &cobra.Command{
	Use:   "files <jobID>",
	Short: "List a job's files in discovery order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging()
		st, closeDB, err := openStoreReadOnly()
		if err != nil {
			return err
		}
		defer closeDB()

		if _, err := st.GetJob(args[0]); err != nil {
			return err
		}
		files, err := st.ListFiles(args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tFILENAME\tSTATUS\tSIZE\tPATH")
		for _, f := range files {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				f.Seq, f.Filename, f.Status, helpers.BytesToSize(uint64(f.Size)), f.DownloadPath)
		}
		return w.Flush()
	},
}

// openStoreReadOnly opens just the database and store, for commands that never
// run jobs.
func openStoreReadOnly() (*store.Store, func(), error) {
	dbPath := globalConfig.DatabasePath
	if dbPath == "" && globalConfig.SavePath != "" {
		dbPath = globalConfig.SavePath + "/channels.db"
	}
	if dbPath == "" {
		return nil, nil, fmt.Errorf("database path is not configured")
	}
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}
	return store.New(db), func() { _ = db.Close() }, nil
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsFilesCmd)
	jobsListCmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum number of jobs to list (0 for all)")
}
