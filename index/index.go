package index

import (
	"log"
	"os"
	"time"

	"github.com/blevesearch/bleve/v2"
)

const defaultIndexPath = "channels.bleve"

// Item is one downloaded file as indexed for search.
// All fields are indexed and searchable by their lowercase JSON tag names
// (e.g. query '+channelName:somechannel' or '+fileType:epub').
type Item struct {
	ID          string    `json:"id"` // FileRecord id
	JobID       string    `json:"jobId"`
	ChannelName string    `json:"channelName"`
	Filename    string    `json:"filename"`
	FileType    string    `json:"fileType,omitempty"`
	FilePath    string    `json:"filePath,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	SizeKB      float64   `json:"fileSizeKB,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`

	// Torrent information, populated by the 'torrent' command.
	TorrentPath string `json:"torrentPath,omitempty"`
	MagnetLink  string `json:"magnetLink,omitempty"`
}

// OpenOrCreateIndex opens an existing Bleve index or creates a new one if it doesn't exist.
func OpenOrCreateIndex(indexPath string) (bleve.Index, error) {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}

	index, err := bleve.Open(indexPath)
	if err == bleve.ErrorIndexPathDoesNotExist {
		log.Printf("Creating new index at: %s", indexPath)
		mapping := bleve.NewIndexMapping()
		index, err = bleve.New(indexPath, mapping)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else {
		log.Printf("Opened existing index at: %s", indexPath)
	}
	return index, nil
}

// IndexItem adds or updates an item in the Bleve index.
func IndexItem(index bleve.Index, item Item) error {
	return index.Index(item.ID, item)
}

// SearchIndex performs a search query against the index.
func SearchIndex(index bleve.Index, query string) (*bleve.SearchResult, error) {
	searchQuery := bleve.NewQueryStringQuery(query)
	searchRequest := bleve.NewSearchRequest(searchQuery)
	searchRequest.Fields = []string{"*"}
	return index.Search(searchRequest)
}

// DeleteIndex removes the index directory. Use with caution!
func DeleteIndex(indexPath string) error {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	log.Printf("Attempting to delete index at: %s", indexPath)
	return os.RemoveAll(indexPath)
}
