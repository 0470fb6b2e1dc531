package logging

import (
	"io"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/syrokomskyi/couchfine/internal/config"
)

// Setup configures the standard logrus logger from cfg. An unknown level
// leaves the logger at info and is reported.
func Setup(cfg config.LogConfig, out io.Writer) error {
	if out != nil {
		log.SetOutput(out)
	}
	switch strings.ToLower(cfg.Format) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return errors.Errorf("unknown log format %q", cfg.Format)
	}

	level := log.InfoLevel
	if cfg.Level != "" {
		parsed, err := log.ParseLevel(cfg.Level)
		if err != nil {
			log.SetLevel(level)
			return errors.Wrap(err, "log level")
		}
		level = parsed
	}
	log.SetLevel(level)
	return nil
}
