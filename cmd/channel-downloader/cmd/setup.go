package cmd

import (
	"errors"
	"net/http"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"go-channel-download/internal/broadcast"
	"go-channel-download/internal/database"
	"go-channel-download/internal/jobs"
	"go-channel-download/internal/source"
	"go-channel-download/internal/store"
)

// runtime bundles everything a command needs to run jobs. Commands build one
// with openRuntime and must call its close func when done.
type runtime struct {
	db         *database.DB
	store      *store.Store
	source     source.Source
	events     *broadcast.Broadcaster
	controller *jobs.Controller
}

// openRuntime opens the database and wires store, source, broadcaster and
// controller from the global config. The returned close func tears everything
// down in reverse order, draining live workers first.
func openRuntime() (*runtime, func(), error) {
	if globalConfig.SavePath == "" {
		return nil, nil, errors.New("save path is not configured (--save-path or config file)")
	}
	if globalConfig.SourceBaseUrl == "" {
		return nil, nil, errors.New("SourceBaseUrl is not configured")
	}

	dbPath := globalConfig.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(globalConfig.SavePath, "channels.db")
		log.Debugf("DatabasePath not set, using default: %s", dbPath)
	}
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}

	if globalHttpTransport == nil {
		globalHttpTransport = http.DefaultTransport
	}
	src := source.NewHTTPSource(source.HTTPSourceOptions{
		BaseURL: globalConfig.SourceBaseUrl,
		Token:   globalConfig.ApiToken,
		Client: &http.Client{
			Timeout:   time.Duration(globalConfig.ApiClientTimeoutSec) * time.Second,
			Transport: globalHttpTransport,
		},
		Transport:           globalHttpTransport,
		SupportedExtensions: globalConfig.SupportedExtensions,
		PageDelay:           time.Duration(globalConfig.ApiDelayMs) * time.Millisecond,
	})

	st := store.New(db)
	events := broadcast.New()
	controller := jobs.NewController(st, src, events, jobs.Options{
		SavePath:  globalConfig.SavePath,
		PauseWake: time.Duration(globalConfig.PauseWakeMs) * time.Millisecond,
	})

	closeAll := func() {
		if err := controller.Shutdown(); err != nil {
			log.WithError(err).Error("Error shutting down job controller")
		}
		events.Close()
		if err := db.Close(); err != nil {
			log.WithError(err).Error("Error closing database")
		}
	}

	return &runtime{
		db:         db,
		store:      st,
		source:     src,
		events:     events,
		controller: controller,
	}, closeAll, nil
}

// bleveIndexPath resolves where the search index lives.
func bleveIndexPath() string {
	if globalConfig.BleveIndexPath != "" {
		return globalConfig.BleveIndexPath
	}
	if globalConfig.SavePath == "" {
		return ""
	}
	return filepath.Join(globalConfig.SavePath, "channels.bleve")
}
