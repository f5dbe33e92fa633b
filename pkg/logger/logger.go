// Copyright 2025 UMH Systems GmbH
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

// Package logger configures the agent's global zap logger. The level comes
// from LOGGING_LEVEL and the output format from LOGGING_FORMAT; everything
// goes to stderr so update module and script output on stdout stays clean.
package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Formats accepted in LOGGING_FORMAT. Console is the default.
const (
	FormatConsole = "CONSOLE"
	FormatJSON    = "JSON"
)

var once sync.Once

// levelFromEnv reads LOGGING_LEVEL. Unset or unparsable values mean info.
func levelFromEnv() zapcore.Level {
	raw := os.Getenv("LOGGING_LEVEL")
	if raw == "" {
		return zapcore.InfoLevel
	}
	level, err := zapcore.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return zapcore.InfoLevel
	}

	return level
}

func build() *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if strings.ToUpper(os.Getenv("LOGGING_FORMAT")) == FormatJSON {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05 MST")
		encoderConfig.ConsoleSeparator = " | "
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(
		encoder,
		zapcore.AddSync(os.Stderr),
		zap.NewAtomicLevelAt(levelFromEnv()),
	)

	return zap.New(core, zap.AddCaller())
}

// Initialize installs the global logger via zap.ReplaceGlobals. Only the
// first call builds it; later calls are no-ops.
func Initialize() {
	once.Do(func() {
		zap.ReplaceGlobals(build())
	})
}

// Sync flushes any buffered log entries.
func Sync() error {
	return zap.L().Sync()
}

// For returns a sugared logger named for a component, initializing the
// global logger if needed.
func For(component string) *zap.SugaredLogger {
	Initialize()

	return zap.S().Named(component)
}
