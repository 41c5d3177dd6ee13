package main

import (
	"os"

	"github.com/charmbracelet/log"

	"github.com/pacdist/pacdist/cmd"
)

// set at build time with -ldflags
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := cmd.Execute(version, commit, date); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
