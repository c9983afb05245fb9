package main

import (
	"go-channel-download/cmd/channel-downloader/cmd"
)

func main() {
	// Execute the root command (defined in cmd/root.go)
	cmd.Execute()
}
