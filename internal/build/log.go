// Package build wires daemon-wide logging for the project's binaries. It
// knows this project's subsystems by name: it hands each library package a
// tagged logger, lets operators tune levels per subsystem through a compact
// spec string, and owns the lifetime of the log sinks, including the
// rotating log file.
package build

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
	"github.com/jrick/logrotate/rotator"
	"github.com/wewela/distributed-process-platform/deadletter"
	"github.com/wewela/distributed-process-platform/managed"
	"github.com/wewela/distributed-process-platform/node"
)

// DaemonSubsystem is the tag for the daemon's own log lines, alongside the
// library subsystems.
const DaemonSubsystem = "DPPD"

const (
	// defaultMaxLogFiles is how many rotated files are kept when the
	// config does not say otherwise.
	defaultMaxLogFiles = 10

	// defaultMaxLogFileSizeMB is the rotation threshold applied when the
	// config does not say otherwise.
	defaultMaxLogFileSizeMB = 20

	// logFilename is the fixed name of the daemon's log file inside the
	// configured directory.
	logFilename = "dppd.log"
)

// LogConfig describes where log output goes and how verbose it is.
type LogConfig struct {
	// Console enables logging to stderr.
	Console bool

	// FileDir, when non-empty, enables logging to a rotating file in
	// this directory.
	FileDir string

	// MaxLogFiles bounds how many rotated files are kept. Zero applies
	// the default.
	MaxLogFiles int

	// MaxLogFileSizeMB is the rotation threshold in megabytes. Zero
	// applies the default.
	MaxLogFileSizeMB int

	// Levels is the verbosity spec, e.g. "info" for everything or
	// "info,NODE=trace,MPRC=debug" to raise individual subsystems.
	// Empty means info.
	Levels string
}

// Logging is the daemon's logging fixture: the shared sinks, one logger per
// known subsystem, and the rotator lifecycle. Creating it wires the library
// packages' UseLogger hooks as a side effect.
type Logging struct {
	// loggers holds the per-subsystem loggers, each with its own
	// independently levelled handler.
	loggers map[string]btclogv2.Logger

	// pipe feeds the rotator goroutine; nil when file logging is off.
	pipe *io.PipeWriter

	// rot is the file rotator; nil when file logging is off.
	rot *rotator.Rotator
}

// NewLogging builds the logging fixture from the config: it assembles the
// sinks, creates a tagged logger for every subsystem this project has,
// hands the library packages theirs, and applies the level spec.
func NewLogging(cfg *LogConfig) (*Logging, error) {
	l := &Logging{
		loggers: make(map[string]btclogv2.Logger),
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, os.Stderr)
	}

	if cfg.FileDir != "" {
		fileSink, err := l.openRotatingFile(cfg)
		if err != nil {
			return nil, err
		}

		sinks = append(sinks, fileSink)
	}

	var out io.Writer = io.Discard
	if len(sinks) > 0 {
		out = io.MultiWriter(sinks...)
	}

	// One root handler over the combined sink; each subsystem gets its
	// own derived handler so levels can diverge per subsystem.
	root := btclogv2.NewDefaultHandler(out)

	for _, tag := range []string{
		node.Subsystem,
		managed.Subsystem,
		deadletter.Subsystem,
		DaemonSubsystem,
	} {
		l.loggers[tag] = btclogv2.NewSLogger(root.SubSystem(tag))
	}

	node.UseLogger(l.loggers[node.Subsystem])
	managed.UseLogger(l.loggers[managed.Subsystem])
	deadletter.UseLogger(l.loggers[deadletter.Subsystem])

	if err := l.SetLevels(cfg.Levels); err != nil {
		l.Close()
		return nil, err
	}

	return l, nil
}

// Logger returns the logger for a subsystem tag, falling back to the
// daemon's own logger for unknown tags.
func (l *Logging) Logger(tag string) btclogv2.Logger {
	if logger, ok := l.loggers[tag]; ok {
		return logger
	}

	return l.loggers[DaemonSubsystem]
}

// Subsystems returns the known subsystem tags, sorted.
func (l *Logging) Subsystems() []string {
	tags := make([]string, 0, len(l.loggers))
	for tag := range l.loggers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	return tags
}

// SetLevels applies a verbosity spec of the form
//
//	<level>[,<SUBSYSTEM>=<level>...]
//
// where the leading bare level (optional) applies to every subsystem and
// the tagged entries override individual ones. An empty spec leaves the
// levels at info.
func (l *Logging) SetLevels(spec string) error {
	if spec == "" {
		return nil
	}

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		tag, levelStr, tagged := strings.Cut(part, "=")
		if !tagged {
			level, ok := btclog.LevelFromString(part)
			if !ok {
				return fmt.Errorf("unknown log level %q",
					part)
			}

			for _, logger := range l.loggers {
				logger.SetLevel(level)
			}

			continue
		}

		logger, ok := l.loggers[strings.ToUpper(tag)]
		if !ok {
			return fmt.Errorf("unknown log subsystem %q (have "+
				"%s)", tag,
				strings.Join(l.Subsystems(), ", "))
		}

		level, ok := btclog.LevelFromString(levelStr)
		if !ok {
			return fmt.Errorf("unknown log level %q for "+
				"subsystem %q", levelStr, tag)
		}

		logger.SetLevel(level)
	}

	return nil
}

// openRotatingFile starts the size-based rotator for the daemon's log file
// and returns the writer feeding it.
func (l *Logging) openRotatingFile(cfg *LogConfig) (io.Writer, error) {
	if err := os.MkdirAll(cfg.FileDir, 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	maxFiles := cfg.MaxLogFiles
	if maxFiles <= 0 {
		maxFiles = defaultMaxLogFiles
	}
	maxSizeMB := cfg.MaxLogFileSizeMB
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxLogFileSizeMB
	}

	// The rotator takes its threshold in KB.
	rot, err := rotator.New(
		filepath.Join(cfg.FileDir, logFilename),
		int64(maxSizeMB)*1024, false, maxFiles,
	)
	if err != nil {
		return nil, fmt.Errorf("create file rotator: %w", err)
	}

	// The rotator consumes the read end of the pipe until Close. Its
	// errors go to stderr, since the file it manages is the log
	// destination itself.
	pr, pw := io.Pipe()
	go func() {
		if err := rot.Run(pr); err != nil {
			fmt.Fprintf(os.Stderr,
				"log file rotator stopped: %v\n", err)
		}
	}()

	l.pipe = pw
	l.rot = rot

	return pw, nil
}

// Close detaches the library packages from the fixture's sinks and stops
// the rotator, flushing buffered output.
func (l *Logging) Close() error {
	node.DisableLog()
	managed.DisableLog()
	deadletter.DisableLog()

	if l.pipe != nil {
		if err := l.pipe.Close(); err != nil {
			return err
		}
		l.pipe = nil
	}

	if l.rot != nil {
		l.rot.Close()
		l.rot = nil
	}

	return nil
}
