package common

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"
)

const logsDir = "./logs"

// InitLogger builds the arbor logger from the logging config: a writer
// per logging.output entry, text or JSON rendering per logging.format,
// level from logging.level. Logs land in ./logs next to the working
// directory the pipeline runs from, and crash reports follow them.
func InitLogger(config *Config) arbor.ILogger {
	timeFormat := config.Logging.TimeFormat
	if timeFormat == "" {
		timeFormat = "15:04:05.000"
	}
	textOutput := config.Logging.Format != "json"

	logger := arbor.NewLogger()

	wroteConsole := false
	for _, output := range config.Logging.Output {
		switch output {
		case "file":
			if err := os.MkdirAll(logsDir, 0o755); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to create %s: %v\n", logsDir, err)
				continue
			}
			CrashLogDir = logsDir
			logger = logger.WithFileWriter(models.WriterConfiguration{
				Type:       models.LogWriterTypeFile,
				FileName:   filepath.Join(logsDir, "thala.log"),
				TimeFormat: timeFormat,
				MaxSize:    100 * 1024 * 1024,
				MaxBackups: 3,
				TextOutput: textOutput,
			})
		case "stdout", "console":
			wroteConsole = true
			logger = logger.WithConsoleWriter(models.WriterConfiguration{
				Type:       models.LogWriterTypeConsole,
				TimeFormat: timeFormat,
				TextOutput: textOutput,
			})
		}
	}

	// A pipeline with no writers would run silent; default to console.
	if !wroteConsole && len(config.Logging.Output) == 0 {
		logger = logger.WithConsoleWriter(models.WriterConfiguration{
			Type:       models.LogWriterTypeConsole,
			TimeFormat: timeFormat,
			TextOutput: textOutput,
		})
	}

	return logger.WithLevelFromString(config.Logging.Level)
}
