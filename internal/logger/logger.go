package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/funnyzak/reqreplay/internal/config"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const consoleTimeFormat = "2006-01-02 15:04:05"

// Logger is the structured logger used across the engine. Fields are
// alternating key/value pairs; a non-string key drops its pair.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	// Fatal logs and exits the process.
	Fatal(msg string, fields ...interface{})
}

type zlog struct {
	zl zerolog.Logger
}

func (l *zlog) Debug(msg string, fields ...interface{}) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l *zlog) Info(msg string, fields ...interface{})  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l *zlog) Warn(msg string, fields ...interface{})  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l *zlog) Error(msg string, fields ...interface{}) { l.emit(zerolog.ErrorLevel, msg, fields) }
func (l *zlog) Fatal(msg string, fields ...interface{}) { l.emit(zerolog.FatalLevel, msg, fields) }

func (l *zlog) emit(level zerolog.Level, msg string, fields []interface{}) {
	if ev := l.zl.WithLevel(level); ev != nil {
		eachField(fields, func(key string, value interface{}) {
			ev = typed(ev, key, value)
		})
		ev.Msg(msg)
	}
	if level == zerolog.FatalLevel {
		os.Exit(1)
	}
}

func eachField(fields []interface{}, fn func(key string, value interface{})) {
	for i := 0; i+1 < len(fields); i += 2 {
		if key, ok := fields[i].(string); ok {
			fn(key, fields[i+1])
		}
	}
}

// typed keeps durations, timestamps and errors readable instead of
// reflecting them into JSON objects.
func typed(ev *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return ev.Str(key, v)
	case int:
		return ev.Int(key, v)
	case int64:
		return ev.Int64(key, v)
	case float64:
		return ev.Float64(key, v)
	case bool:
		return ev.Bool(key, v)
	case time.Duration:
		return ev.Dur(key, v)
	case time.Time:
		return ev.Time(key, v)
	case error:
		return ev.AnErr(key, v)
	case []string:
		return ev.Strs(key, v)
	}
	return ev.Interface(key, value)
}

// With returns a logger that always carries the given fields. Loggers
// not created by this package are returned unchanged.
func With(l Logger, fields ...interface{}) Logger {
	z, ok := l.(*zlog)
	if !ok || len(fields) == 0 {
		return l
	}
	ctx := z.zl.With()
	eachField(fields, func(key string, value interface{}) {
		ctx = ctx.Interface(key, value)
	})
	return &zlog{zl: ctx.Logger()}
}

// NewLogger builds the process logger. It writes to stderr so reports on
// stdout stay machine readable: raw JSON lines in json mode, the zerolog
// console format otherwise. When file logging is enabled a rotated JSON
// copy goes to the configured path as well.
func NewLogger(cfg *config.LogConfig, outputMode string) Logger {
	return newLogger(cfg, outputMode, os.Stderr)
}

func newLogger(cfg *config.LogConfig, outputMode string, out io.Writer) Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	sink := out
	if !strings.EqualFold(outputMode, "json") {
		sink = zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat}
	}
	if fl := cfg.FileLogging; fl.Enable {
		sink = io.MultiWriter(sink, &lumberjack.Logger{
			Filename:   fl.Path,
			MaxSize:    fl.MaxSizeMB,
			MaxBackups: fl.MaxBackups,
			MaxAge:     fl.MaxAgeDays,
			Compress:   fl.Compress,
		})
	}

	return &zlog{zl: zerolog.New(sink).Level(level).With().Timestamp().Logger()}
}

// Nop returns a logger that discards everything
func Nop() Logger {
	return &zlog{zl: zerolog.Nop()}
}
