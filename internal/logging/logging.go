// Package logging mirrors the console log into a rotating log file.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/juju/lumberjack/v2"
)

const (
	// FileName is the name of the active log file inside the log dir.
	FileName = "log.txt"

	defaultMaxSizeMB  = 1
	defaultMaxBackups = 10
	timeLayout        = "2006-01-02 15:04:05"
)

type level string

const (
	levelInfo    level = "INFO"
	levelWarning level = "WARNING"
	levelError   level = "ERROR"
	levelDone    level = "DONE"
	levelDebug   level = "DEBUG"
	levelPrint   level = "PRINT"
)

// Options ...
type Options struct {
	Dir        string
	Name       string
	MaxSizeMB  int
	MaxBackups int
}

// TeeLogger logs to the wrapped console logger and appends every line,
// debug included, to the log file.
type TeeLogger struct {
	log.Logger

	file *lumberjack.Logger
	name string
	now  func() time.Time
}

// NewTeeLogger ...
func NewTeeLogger(console log.Logger, opts Options) (*TeeLogger, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = defaultMaxSizeMB
	}
	maxBackups := opts.MaxBackups
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}

	return &TeeLogger{
		Logger: console,
		file: &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, FileName),
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
		},
		name: opts.Name,
		now:  time.Now,
	}, nil
}

// Named returns a logger writing to the same file and console, tagging lines with name.
func (l *TeeLogger) Named(name string) *TeeLogger {
	named := *l
	named.name = name
	return &named
}

// Close closes the log file.
func (l *TeeLogger) Close() error {
	return l.file.Close()
}

func (l *TeeLogger) Infof(format string, v ...interface{}) {
	l.Logger.Infof("%s", l.record(levelInfo, format, v...))
}

func (l *TeeLogger) Warnf(format string, v ...interface{}) {
	l.Logger.Warnf("%s", l.record(levelWarning, format, v...))
}

func (l *TeeLogger) Printf(format string, v ...interface{}) {
	l.Logger.Printf("%s", l.record(levelPrint, format, v...))
}

func (l *TeeLogger) Donef(format string, v ...interface{}) {
	l.Logger.Donef("%s", l.record(levelDone, format, v...))
}

func (l *TeeLogger) Debugf(format string, v ...interface{}) {
	l.Logger.Debugf("%s", l.record(levelDebug, format, v...))
}

func (l *TeeLogger) Errorf(format string, v ...interface{}) {
	l.Logger.Errorf("%s", l.record(levelError, format, v...))
}

func (l *TeeLogger) TInfof(format string, v ...interface{}) {
	l.Logger.TInfof("%s", l.record(levelInfo, format, v...))
}

func (l *TeeLogger) TWarnf(format string, v ...interface{}) {
	l.Logger.TWarnf("%s", l.record(levelWarning, format, v...))
}

func (l *TeeLogger) TPrintf(format string, v ...interface{}) {
	l.Logger.TPrintf("%s", l.record(levelPrint, format, v...))
}

func (l *TeeLogger) TDonef(format string, v ...interface{}) {
	l.Logger.TDonef("%s", l.record(levelDone, format, v...))
}

func (l *TeeLogger) TDebugf(format string, v ...interface{}) {
	l.Logger.TDebugf("%s", l.record(levelDebug, format, v...))
}

func (l *TeeLogger) TErrorf(format string, v ...interface{}) {
	l.Logger.TErrorf("%s", l.record(levelError, format, v...))
}

// record appends the message to the file and returns it for the console.
func (l *TeeLogger) record(lvl level, format string, v ...interface{}) string {
	message := fmt.Sprintf(format, v...)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ", l.now().Format(timeLayout))
	if l.name != "" {
		fmt.Fprintf(&b, "[%s] ", l.name)
	}
	fmt.Fprintf(&b, "[%-8s] %s\n", lvl, message)
	// A broken log file must not stop a backup, the console still has the line.
	_, _ = l.file.Write([]byte(b.String()))

	if l.name != "" {
		return fmt.Sprintf("[%s] %s", l.name, message)
	}
	return message
}
