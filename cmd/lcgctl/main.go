package main

import (
	"os"

	"github.com/armadaproject/lcg/cmd/lcgctl/cmd"
	"github.com/armadaproject/lcg/internal/common/logging"
)

func main() {
	logging.ConfigureCommandLineLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
