package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

const (
	defaultLogConfigPath = "config/logging.yaml"
	logConfigPathEnvVar  = "STREAMPIPE_LOG_CONFIG"
	RFC3339Milli         = "2006-01-02T15:04:05.000Z07:00"
)

// MustConfigureApplicationLogging sets up logging suitable for an application. Logging configuration is loaded from
// a filepath given by the STREAMPIPE_LOG_CONFIG environmental variable or from config/logging.yaml if this var is
// unset. A missing default file falls back to DefaultConfig.
// Note that this function will immediately shut down the application if it fails.
func MustConfigureApplicationLogging() {
	if err := ConfigureApplicationLogging(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error initializing logging: "+err.Error())
		os.Exit(1)
	}
}

func ConfigureApplicationLogging() error {
	path, explicit := os.LookupEnv(logConfigPathEnvVar)
	if !explicit {
		path = defaultLogConfigPath
	}
	logConfig, err := readConfig(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		logConfig = DefaultConfig()
	} else if err != nil {
		return err
	}
	return Configure(logrus.StandardLogger(), logConfig)
}

// Configure applies logConfig to logger. When file logging is enabled, console and file output are each written
// by a hook so that they can log at different levels and in different formats.
func Configure(logger *logrus.Logger, logConfig Config) error {
	if err := validate(logConfig); err != nil {
		return err
	}
	consoleLevel, _ := logrus.ParseLevel(logConfig.Console.Level)
	consoleFormatter := newFormatter(logConfig.Console.Format)
	logger.ReplaceHooks(make(logrus.LevelHooks))
	logger.SetFormatter(consoleFormatter)

	if !logConfig.File.Enabled {
		logger.SetOutput(os.Stdout)
		logger.SetLevel(consoleLevel)
		return nil
	}

	fileLevel, _ := logrus.ParseLevel(logConfig.File.Level)
	logger.SetOutput(io.Discard)
	logger.AddHook(&writerHook{
		writer:    os.Stdout,
		formatter: consoleFormatter,
		levels:    levelsUpTo(consoleLevel),
	})
	logger.AddHook(&writerHook{
		writer:    createFileWriter(logConfig),
		formatter: newFormatter(logConfig.File.Format),
		levels:    levelsUpTo(fileLevel),
	})
	logger.SetLevel(max(consoleLevel, fileLevel))
	return nil
}

func readConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading log config %s", path)
	}
	logConfig := DefaultConfig()
	if err := yaml.Unmarshal(data, &logConfig); err != nil {
		return Config{}, errors.Wrapf(err, "parsing log config %s", path)
	}
	return logConfig, nil
}

func createFileWriter(logConfig Config) io.Writer {
	rotation := logConfig.File.Rotation
	if !rotation.Enabled {
		return &lumberjack.Logger{Filename: logConfig.File.LogFile, MaxSize: 1 << 20}
	}
	return &lumberjack.Logger{
		Filename:   logConfig.File.LogFile,
		MaxSize:    rotation.MaxSizeMb,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
	}
}

func newFormatter(format string) logrus.Formatter {
	if format == "json" {
		return &logrus.JSONFormatter{TimestampFormat: RFC3339Milli}
	}
	return &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: RFC3339Milli, DisableColors: true}
}

func levelsUpTo(max logrus.Level) []logrus.Level {
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= max {
			levels = append(levels, l)
		}
	}
	return levels
}

// writerHook writes entries at its levels to a separate writer.
type writerHook struct {
	writer    io.Writer
	formatter logrus.Formatter
	levels    []logrus.Level
}

func (h *writerHook) Levels() []logrus.Level {
	return h.levels
}

func (h *writerHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(line)
	return err
}
