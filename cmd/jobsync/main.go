package main

import (
	"os"

	"github.com/agentworkforce/recordsync/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
