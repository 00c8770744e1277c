package lgr

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mdobak/go-xerrors"
	"github.com/natefinch/lumberjack"
)

var Logger = slog.New(NewPrettyHandler(os.Stdout, &slog.HandlerOptions{
	Level:       slog.LevelInfo,
	ReplaceAttr: replaceAttr,
}))

type stackFrame struct {
	Func   string `json:"func"`
	Source string `json:"source"`
	Line   int    `json:"line"`
}

// Configure replaces the global logger. An empty file keeps the colored console
// handler; otherwise JSON records are written to a rotating file.
func Configure(level string, file string) {
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: replaceAttr,
	}

	if file == "" {
		Logger = slog.New(NewPrettyHandler(os.Stdout, opts))
		return
	}

	Logger = slog.New(slog.NewJSONHandler(RotatingWriter(file, 50), opts))
}

// RotatingWriter returns a size-rotated, compressed file writer.
func RotatingWriter(file string, maxSizeMB int) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   file,
		MaxSize:    maxSizeMB, // MB
		MaxBackups: 5,
		MaxAge:     7,    // days
		Compress:   true, // compress old logs
	}
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindAny {
		return a
	}

	if err, ok := a.Value.Any().(error); ok {
		a.Value = fmtErr(err)
	}

	return a
}

func fmtErr(err error) slog.Value {
	var groupValues []slog.Attr

	groupValues = append(groupValues, slog.String("msg", err.Error()))

	frames := marshalStack(err)
	if frames != nil {
		groupValues = append(groupValues, slog.Any("trace", frames))
	}

	return slog.GroupValue(groupValues...)
}

func marshalStack(err error) []stackFrame {
	trace := xerrors.StackTrace(err)
	if len(trace) == 0 {
		return nil
	}

	frames := trace.Frames()
	s := make([]stackFrame, len(frames))
	for i, v := range frames {
		s[i] = stackFrame{
			Source: filepath.Join(
				filepath.Base(filepath.Dir(v.File)),
				filepath.Base(v.File),
			),
			Func: filepath.Base(v.Function),
			Line: v.Line,
		}
	}

	return s
}
