// Package logger is the proxy's structured logging sink: a slog.Logger
// writing to stdout and to a log file named for the date Init runs (the file
// is not rotated afterwards), with a bounded in-memory history ring for
// diagnostics endpoints.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Log defaults to slog's own default logger so packages can call the
// package-level helpers below before Init runs (unit tests, for instance,
// never call Init). Init replaces it with the fully configured handler.
var Log = slog.Default()

var broadcastCh chan<- string

// SetBroadcast sets a channel to receive formatted log lines as they are
// emitted. Set to nil to stop broadcasting.
func SetBroadcast(ch chan<- string) {
	broadcastCh = ch
}

// Init initializes the global logger, writing daily log files under dataDir.
func Init(levelStr, dataDir string) {
	var level slog.Level
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	tzEnv := os.Getenv("TZ")
	var loc *time.Location
	locationMu.Lock()
	if tzEnv != "" {
		if loadedLoc, err := time.LoadLocation(tzEnv); err == nil {
			loc = loadedLoc
			logLocation = loadedLoc
		} else {
			loc = time.Local
			logLocation = time.Local
		}
	} else {
		loc = time.Local
		logLocation = time.Local
	}
	locationMu.Unlock()

	dateStr := time.Now().In(loc).Format("2006-01-02")
	logFilePath := filepath.Join(dataDir, fmt.Sprintf("mediaproxy-%s.log", dateStr))

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
	} else {
		logFileMu.Lock()
		if logFile != nil {
			logFile.Close()
		}
		var err error
		logFile, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v\n", logFilePath, err)
			logFile = nil
		}
		logFileMu.Unlock()
	}

	tzLoc := loc
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().In(tzLoc)
				return slog.String("time", t.Format("2006-01-02T15:04:05.000-07:00"))
			}
			return a
		},
	}

	baseHandler := slog.NewTextHandler(os.Stdout, opts)
	handler := &globalBroadcastHandler{Handler: baseHandler}

	Log = slog.New(handler)
	slog.SetDefault(Log)
}

// globalBroadcastHandler tees every record to stdout (via the wrapped
// handler), the log file, the in-memory history ring, and the
// broadcast channel set by SetBroadcast.
type globalBroadcastHandler struct {
	slog.Handler
}

var (
	history     []string
	historyMu   sync.RWMutex
	maxHistory  = 500
	logFile     *os.File
	logFileMu   sync.Mutex
	logLocation *time.Location
	locationMu  sync.RWMutex
)

func (h *globalBroadcastHandler) Handle(ctx context.Context, r slog.Record) error {
	locationMu.RLock()
	loc := logLocation
	locationMu.RUnlock()
	if loc == nil {
		loc = time.Local
	}

	formattedTime := r.Time.In(loc)
	msg := fmt.Sprintf("time=%s level=%s msg=%q", formattedTime.Format("2006-01-02T15:04:05.000-07:00"), r.Level, r.Message)
	r.Attrs(func(a slog.Attr) bool {
		msg += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})

	historyMu.Lock()
	if len(history) >= maxHistory {
		history = history[1:]
	}
	history = append(history, msg)
	historyMu.Unlock()

	err := h.Handler.Handle(ctx, r)

	logFileMu.Lock()
	if logFile != nil {
		fmt.Fprintln(logFile, msg)
	}
	logFileMu.Unlock()

	if broadcastCh != nil {
		select {
		case broadcastCh <- msg:
		default:
		}
	}
	return err
}

// GetHistory returns a copy of the current log history.
func GetHistory() []string {
	historyMu.RLock()
	defer historyMu.RUnlock()
	cp := make([]string, len(history))
	copy(cp, history)
	return cp
}

// Close closes the log file if one is open.
func Close() {
	logFileMu.Lock()
	defer logFileMu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

func Debug(msg string, args ...any) { Log.Debug(msg, args...) }
func Info(msg string, args ...any)  { Log.Info(msg, args...) }
func Warn(msg string, args ...any)  { Log.Warn(msg, args...) }
func Error(msg string, args ...any) { Log.Error(msg, args...) }

func Fatal(msg string, args ...any) {
	Log.Error(msg, args...)
	os.Exit(1)
}
