package logging

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gluk-w/claworc/fleetd/internal/config"
)

const defaultLogPath = "/var/lib/fleetd/fleetd.log"

var (
	// Logger is the process-wide root logger. Components derive from it.
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	logFile *os.File
	mu      sync.Mutex
)

// Init sets up dual logging to stdout and a log file.
// Must be called after config.Load().
func Init() {
	zerolog.SetGlobalLevel(parseLevel(config.Cfg.LogLevel))
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stdout
	path := logPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		Logger = newLogger(out)
		Logger.Warn().Err(err).Msg("cannot create log directory")
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		Logger = newLogger(out)
		Logger.Warn().Err(err).Str("path", path).Msg("cannot open log file")
		return
	}

	mu.Lock()
	logFile = f
	mu.Unlock()

	Logger = newLogger(io.MultiWriter(out, f))
	Logger.Info().Str("path", path).Msg("logging to file")
}

func newLogger(out io.Writer) zerolog.Logger {
	if config.Cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05", NoColor: true}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func logPath() string {
	if config.Cfg.LogPath != "" {
		return config.Cfg.LogPath
	}
	if config.Cfg.DataPath != "" {
		return filepath.Join(config.Cfg.DataPath, "fleetd.log")
	}
	return defaultLogPath
}

// Component returns a child logger tagged with the given component name.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// ReadTail returns the last n lines from the log file.
func ReadTail(n int) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	f, err := os.Open(logPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}

	return strings.Join(lines, "\n"), nil
}

// Clear truncates the log file.
func Clear() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		if err := logFile.Truncate(0); err != nil {
			return fmt.Errorf("truncate log file: %w", err)
		}
		if _, err := logFile.Seek(0, 0); err != nil {
			return fmt.Errorf("seek log file: %w", err)
		}
		return nil
	}

	err := os.Truncate(logPath(), 0)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Sanitize removes newlines and control characters from user-provided
// strings (host keys, commands) before they reach a log line.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 127:
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
