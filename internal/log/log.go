package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var (
	mu       sync.RWMutex
	out      io.Writer = os.Stderr
	minLevel           = new(slog.LevelVar)
	logger   *slog.Logger
)

func init() {
	minLevel.Set(slog.LevelInfo)
	logger = newLogger(out)
}

// newLogger builds the process logger. Lines look like:
//
//	2025-01-01T00:00:00.000000Z [INFO] msg key=value ...
func newLogger(w io.Writer) *slog.Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: minLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			switch a.Key {
			case slog.TimeKey:
				return slog.String(slog.TimeKey, a.Value.Time().UTC().Format(time.RFC3339Nano))
			case slog.LevelKey:
				return slog.String(slog.LevelKey, "["+a.Value.String()+"]")
			}
			return a
		},
	})
	return slog.New(h)
}

// SetOutput redirects log output. Tests use it to capture lines.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	logger = newLogger(w)
}

func SetLevel(l Level) {
	minLevel.Set(toSlog(l))
}

// ParseLevel maps a config/CLI string to a Level. Unknown values yield INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func Debug(msg string, kv ...any) {
	logWithLevel(LevelDebug, msg, kv...)
}

func Info(msg string, kv ...any) {
	logWithLevel(LevelInfo, msg, kv...)
}

func Warn(msg string, kv ...any) {
	logWithLevel(LevelWarn, msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	// Prepend error into key-value list.
	extended := append([]any{"err", err}, kv...)
	logWithLevel(LevelError, msg, extended...)
}

// Logger exposes the underlying slog logger for libraries that accept one.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func logWithLevel(level Level, msg string, kv ...any) {
	l := Logger()
	sl := toSlog(level)
	if !l.Enabled(context.Background(), sl) {
		return
	}
	l.Log(context.Background(), sl, msg, normalizeKVs(kv)...)
}

// normalizeKVs keeps key/value pairs whose key is a string. A trailing key
// without a value is dropped.
func normalizeKVs(kv []any) []any {
	args := make([]any, 0, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		val := kv[i+1]
		if e, isErr := val.(error); isErr && e != nil {
			val = e.Error()
		} else if val == nil {
			val = fmt.Sprint(val)
		}
		args = append(args, key, val)
	}
	return args
}

func toSlog(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
