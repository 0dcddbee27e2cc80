package config

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// SetupLogging configures the global logrus logger. An empty level keeps
// the current one.
func SetupLogging(level string) error {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	if level == "" {
		return nil
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "invalid %s", LoggingLevel)
	}
	log.SetLevel(lvl)
	return nil
}
