// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the process-wide logger. It is a thin front
// over log/slog with printf-style helpers, severity control, and
// optional rotating file output.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LevelTrace sits below slog.LevelDebug, which has no trace level of
// its own.
const LevelTrace = slog.LevelDebug - 4

var (
	defaultLogger = slog.Default()
	programLevel  = new(slog.LevelVar)
)

// Settings controls the destination and format of the default logger.
type Settings struct {
	// Severity: one of "trace", "debug", "info", "warning", "error",
	// "off". Defaults to "info".
	Severity string

	// Format: "text" or "json". Defaults to "text".
	Format string

	// FilePath, if non-empty, sends output to a rotating log file
	// instead of stderr.
	FilePath string

	// Rotation limits, used only when FilePath is set.
	MaxSizeMB  int
	MaxBackups int
}

// InitLogFile configures the default logger. It must be called before
// any other goroutine uses the package-level helpers.
func InitLogFile(s Settings) error {
	var w io.Writer = os.Stderr
	if s.FilePath != "" {
		w = &lumberjack.Logger{
			Filename:   s.FilePath,
			MaxSize:    s.MaxSizeMB,
			MaxBackups: s.MaxBackups,
		}
	}

	level, err := parseSeverity(s.Severity)
	if err != nil {
		return err
	}
	programLevel.Set(level)

	opts := &slog.HandlerOptions{Level: programLevel}
	var h slog.Handler
	switch strings.ToLower(s.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("unknown log format: %q", s.Format)
	}

	defaultLogger = slog.New(h)
	return nil
}

func parseSeverity(severity string) (slog.Level, error) {
	switch strings.ToLower(severity) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "off":
		return slog.LevelError + 4, nil
	}
	return 0, fmt.Errorf("unknown log severity: %q", severity)
}

func logf(level slog.Level, format string, v ...any) {
	if !defaultLogger.Enabled(context.Background(), level) {
		return
	}
	defaultLogger.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

func Tracef(format string, v ...any) { logf(LevelTrace, format, v...) }
func Debugf(format string, v ...any) { logf(slog.LevelDebug, format, v...) }
func Infof(format string, v ...any)  { logf(slog.LevelInfo, format, v...) }
func Warnf(format string, v ...any)  { logf(slog.LevelWarn, format, v...) }
func Errorf(format string, v ...any) { logf(slog.LevelError, format, v...) }

// Info logs its arguments in the manner of log.Print at info level.
func Info(v ...any) {
	defaultLogger.Log(context.Background(), slog.LevelInfo, fmt.Sprint(v...))
}
