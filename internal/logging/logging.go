// Package logging sets up logrus the way arduino-fwuploader's CLI
// does: colored, human-readable output on stdout plus an optional
// plain-text duplicate written to a log file via lfshook. The
// orchestrator itself never imports this package — it only emits on
// its event channel — so this belongs entirely to cmd/esp8266flash.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
)

// Options configures the process-wide logrus setup.
type Options struct {
	// Level is one of trace/debug/info/warn/error/fatal/panic.
	Level string
	// LogFile, if non-empty, receives a duplicate of every log entry
	// that passes Level (plain text, or JSON when JSON is set).
	LogFile string
	// JSON selects the JSON formatter over the human-readable text one.
	JSON bool
}

var levelByName = map[string]logrus.Level{
	"trace": logrus.TraceLevel,
	"debug": logrus.DebugLevel,
	"info":  logrus.InfoLevel,
	"warn":  logrus.WarnLevel,
	"error": logrus.ErrorLevel,
	"fatal": logrus.FatalLevel,
	"panic": logrus.PanicLevel,
}

// Setup configures the standard logrus logger for the process
// lifetime. It returns a closer that must run before the process
// exits so the log file is flushed.
func Setup(opts Options) (io.Closer, error) {
	logrus.SetOutput(colorable.NewColorableStdout())
	if opts.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{ForceColors: true, FullTimestamp: true})
	}

	level, ok := levelByName[opts.Level]
	if !ok {
		return nil, fmt.Errorf("logging: unknown level %q", opts.Level)
	}
	logrus.SetLevel(level)

	if opts.LogFile == "" {
		return nopCloser{}, nil
	}

	file, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("logging: failed to open log file %s: %w", opts.LogFile, err)
	}
	var formatter logrus.Formatter = &logrus.TextFormatter{}
	if opts.JSON {
		formatter = &logrus.JSONFormatter{}
	}
	logrus.AddHook(lfshook.NewHook(file, formatter))
	return file, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
