// Package logging builds the process logger.
package logging

import (
	"errors"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ErrVerbosity is returned when both verbose and quiet output are requested.
var ErrVerbosity = errors.New("verbose and quiet are mutually exclusive")

type Options struct {
	Verbose bool
	Quiet   bool
	// File, when set, receives a copy of every log line and is rotated.
	File string
	// Console defaults to stderr.
	Console io.Writer
}

// Level maps the verbosity flags to a zap level.
func (o Options) Level() (zapcore.Level, error) {
	switch {
	case o.Verbose && o.Quiet:
		return zapcore.InfoLevel, ErrVerbosity
	case o.Verbose:
		return zapcore.DebugLevel, nil
	case o.Quiet:
		return zapcore.WarnLevel, nil
	}
	return zapcore.InfoLevel, nil
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		MessageKey:     "M",
		NameKey:        "N",
		CallerKey:      "C",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// New returns a console logger, teeing to a rotated file when o.File is set.
func New(o Options) (*zap.Logger, error) {
	level, err := o.Level()
	if err != nil {
		return nil, err
	}
	console := o.Console
	if console == nil {
		console = os.Stderr
	}
	encoder := zapcore.NewConsoleEncoder(encoderConfig())
	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.AddSync(console), level)}
	if o.File != "" {
		file := zapcore.AddSync(&lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    10,
			MaxBackups: 10,
			MaxAge:     7,
			LocalTime:  true,
		})
		// The file always gets debug output.
		cores = append(cores, zapcore.NewCore(encoder, file, zapcore.DebugLevel))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// Elapsed logs how long a named operation took; call the result when it ends.
func Elapsed(log *zap.Logger, op string) func() {
	start := time.Now()
	return func() {
		log.Debug("finished", zap.String("op", op), zap.Duration("elapsed", time.Since(start)))
	}
}
