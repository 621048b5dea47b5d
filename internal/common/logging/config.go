package logging

import (
	"slices"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var validLogFormats = []string{"text", "json"}

// Config defines logging configuration. It is read from its own YAML file rather than the application config so
// that logging is up before the application config is loaded.
type Config struct {
	// Defines configuration for console logging on stdout
	Console struct {
		// Log level, e.g. INFO, ERROR etc
		Level string `yaml:"level"`
		// Logging format, either text or json
		Format string `yaml:"format"`
	} `yaml:"console"`
	// Defines configuration for file logging
	File struct {
		Enabled bool `yaml:"enabled"`
		// Log level, e.g. INFO, ERROR etc
		Level string `yaml:"level"`
		// Logging format, either text or json
		Format string `yaml:"format"`
		// The Location of the logfile on disk
		LogFile  string `yaml:"logfile"`
		Rotation struct {
			Enabled bool `yaml:"enabled"`
			// Maximum size in megabytes of the log file before it gets rotated
			MaxSizeMb int `yaml:"maxSizeMb"`
			// Maximum number of old log files to retain
			MaxBackups int `yaml:"maxBackups"`
			// Maximum number of days to retain old log files
			MaxAgeDays int  `yaml:"maxAgeDays"`
			Compress   bool `yaml:"compress"`
		} `yaml:"rotation"`
	} `yaml:"file"`
}

// DefaultConfig logs at info level to the console only.
func DefaultConfig() Config {
	c := Config{}
	c.Console.Level = "info"
	c.Console.Format = "text"
	return c
}

func validate(c Config) error {
	if _, err := logrus.ParseLevel(c.Console.Level); err != nil {
		return errors.WithStack(err)
	}
	if err := validateLogFormat(c.Console.Format); err != nil {
		return err
	}

	if c.File.Enabled {
		if _, err := logrus.ParseLevel(c.File.Level); err != nil {
			return errors.WithStack(err)
		}
		if err := validateLogFormat(c.File.Format); err != nil {
			return err
		}
		if c.File.LogFile == "" {
			return errors.New("file.logfile must be set when file logging is enabled")
		}

		rotation := c.File.Rotation
		if rotation.Enabled {
			if rotation.MaxSizeMb <= 0 {
				return errors.New("rotation.maxSizeMb must be greater than zero")
			}
			if rotation.MaxBackups <= 0 {
				return errors.New("rotation.maxBackups must be greater than zero")
			}
			if rotation.MaxAgeDays <= 0 {
				return errors.New("rotation.maxAgeDays must be greater than zero")
			}
		}
	}

	return nil
}

func validateLogFormat(f string) error {
	if !slices.Contains(validLogFormats, f) {
		return errors.Errorf("unknown log format: %s.  Valid formats are %s", f, validLogFormats)
	}
	return nil
}
