package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	index "go-channel-download/index"
	"go-channel-download/internal/models"
)

// Variable shared by subcommands
var searchQuery string

// searchCmd represents the base search command when called without subcommands.
var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search the Bleve index of downloaded files",
	Long: `Provides subcommands to work with the Bleve index of completed downloads.
Use 'search files' to query it and 'search rebuild' to regenerate it from the
download database.`,
}

// searchFilesCmd queries the index.
var searchFilesCmd = &cobra.Command{
	Use:   "files",
	Short: "Search downloaded files",
	Long: `Performs a search against the Bleve index of completed downloads using
Bleve's query string syntax. Relevant fields (lowercase JSON tag names):
  - id (string): FileRecord id
  - jobId (string): Owning job id
  - channelName (string): Channel the file came from
  - filename (string): File name
  - fileType (string): Normalized extension (e.g. "epub")
  - filePath (string): Full path to the downloaded file
  - fileSizeKB (numeric): File size in KB
  - completedAt (time): Download completion timestamp

Examples:
  channel-downloader search files -q "tolstoy"
  channel-downloader search files -q "+channelName:classics +fileType:epub"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging()
		indexPath := bleveIndexPath()
		if indexPath == "" {
			return errors.New("cannot determine Bleve index path: set SavePath or BleveIndexPath")
		}

		bleveIndex, err := bleve.Open(indexPath)
		if err != nil {
			if err == bleve.ErrorIndexPathDoesNotExist {
				return fmt.Errorf("index not found at %s, run 'search rebuild' first", indexPath)
			}
			return fmt.Errorf("opening index at %s: %w", indexPath, err)
		}
		defer func() {
			if cerr := bleveIndex.Close(); cerr != nil {
				log.WithError(cerr).Error("Error closing Bleve index")
			}
		}()

		searchResults, err := index.SearchIndex(bleveIndex, searchQuery)
		if err != nil {
			return fmt.Errorf("performing search: %w", err)
		}
		log.Infof("Search finished. Hits: %d, Total: %d, Took: %s",
			len(searchResults.Hits), searchResults.Total, searchResults.Took)

		if searchResults.Total == 0 {
			fmt.Println("No results found matching your query.")
			return nil
		}
		fmt.Println("--- Search Results ---")
		for i, hit := range searchResults.Hits {
			fmt.Printf("[%d] ID: %s (Score: %.2f)\n", i+1, hit.ID, hit.Score)
			for field, value := range hit.Fields {
				fmt.Printf("  %s: %v\n", field, value)
			}
			fmt.Println("---")
		}
		return nil
	},
}

// searchRebuildCmd regenerates the index from the completed records in the
// database.
var searchRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the search index from the download database",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging()
		indexPath := bleveIndexPath()
		if indexPath == "" {
			return errors.New("cannot determine Bleve index path: set SavePath or BleveIndexPath")
		}

		st, closeDB, err := openStoreReadOnly()
		if err != nil {
			return err
		}
		defer closeDB()

		if err := index.DeleteIndex(indexPath); err != nil {
			log.WithError(err).Warnf("Could not remove old index at %s", indexPath)
		}
		bleveIndex, err := index.OpenOrCreateIndex(indexPath)
		if err != nil {
			return fmt.Errorf("creating index at %s: %w", indexPath, err)
		}
		defer bleveIndex.Close()

		// Job channel names looked up once per job, not per file.
		channelOf := map[string]string{}
		completedOf := map[string]time.Time{}
		if all, lerr := st.ListJobs(0); lerr == nil {
			for _, j := range all {
				channelOf[j.ID] = j.ChannelName
				if j.CompletedAt != nil {
					completedOf[j.ID] = *j.CompletedAt
				}
			}
		}

		indexed := 0
		err = st.EachCompletedFile(func(f models.FileRecord) error {
			completedAt := f.UpdatedAt
			if t, ok := completedOf[f.JobID]; ok {
				completedAt = t
			}
			item := index.Item{
				ID:          f.ID,
				JobID:       f.JobID,
				ChannelName: channelOf[f.JobID],
				Filename:    f.Filename,
				FileType:    f.FileType,
				FilePath:    f.DownloadPath,
				Fingerprint: f.Fingerprint,
				SizeKB:      float64(f.Size) / 1024.0,
				CompletedAt: completedAt,
			}
			if ierr := index.IndexItem(bleveIndex, item); ierr != nil {
				return ierr
			}
			indexed++
			return nil
		})
		if err != nil {
			return fmt.Errorf("rebuilding index: %w", err)
		}
		log.Infof("Indexed %d completed files into %s", indexed, indexPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.AddCommand(searchFilesCmd)
	searchCmd.AddCommand(searchRebuildCmd)

	searchFilesCmd.Flags().StringVarP(&searchQuery, "query", "q", "", "Search query (uses Bleve query string syntax)")
	_ = searchFilesCmd.MarkFlagRequired("query")
}
