package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-channel-download/internal/server"
)

var listenAddrFlag string

// serveCmd runs the HTTP front end: the jobs API plus the progress event
// stream. Jobs interrupted by a previous shutdown are recovered on startup.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Starts the HTTP server exposing the jobs API under /api and a
server-sent-events progress stream at /api/events. Jobs left in an active or
paused state by a previous run are picked back up on startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging()

		rt, closeAll, err := openRuntime()
		if err != nil {
			return err
		}
		defer closeAll()

		if err := rt.controller.RecoverInterrupted(); err != nil {
			log.WithError(err).Error("Could not recover interrupted jobs")
		}

		addr := listenAddrFlag
		if addr == "" {
			addr = globalConfig.ListenAddr
		}
		if addr == "" {
			addr = ":8080"
		}

		srv := server.New(addr, rt.controller, rt.events)
		return srv.Run()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&listenAddrFlag, "listen", "", "Listen address (overrides config, default :8080)")
}
