package logging

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ConfigureCommandLineLogging sets up logging suitable for a command line tool: coloured text with full timestamps.
func ConfigureCommandLineLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

// ConfigureLogging applies the supplied configuration to the global logrus logger.
func ConfigureLogging(config Config) error {
	if err := config.validate(); err != nil {
		return err
	}
	level, _ := parseLogLevel(config.Level)
	log.SetLevel(level)
	log.SetOutput(os.Stdout)

	if strings.ToLower(config.Format) == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	}
	return nil
}
