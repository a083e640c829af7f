package logging

import (
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
)

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

// Config defines logging configuration.
type Config struct {
	// Log level, e.g. info, warn, debug
	Level string
	// Logging format, either text or json
	Format string
}

func (c Config) validate() error {
	if _, err := parseLogLevel(c.Level); err != nil {
		return err
	}
	return validateLogFormat(c.Format)
}

func validateLogFormat(f string) error {
	if f == "" {
		return nil
	}
	if _, ok := validLogFormats[strings.ToLower(f)]; !ok {
		return errors.Errorf("unknown log format: %s.  Valid formats are %s", f, maps.Keys(validLogFormats))
	}
	return nil
}

func parseLogLevel(level string) (log.Level, error) {
	if level == "" {
		return log.InfoLevel, nil
	}
	l, err := log.ParseLevel(level)
	if err != nil {
		return log.InfoLevel, errors.Wrapf(err, "invalid log level %s", level)
	}
	return l, nil
}
