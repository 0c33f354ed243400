// Copyright 2024 Mirastream, Inc.
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

package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logger handed to every component. Warnw and
// Errorw take the error as a positional argument so call sites never
// forget to attach it.
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, err error, keysAndValues ...interface{})
	Errorw(msg string, err error, keysAndValues ...interface{})
}

// Config controls logger construction, inlined into the server config.
type Config struct {
	// valid levels: debug, info, warn, error, fatal, panic
	Level string `yaml:"level,omitempty"`
	JSON  bool   `yaml:"json,omitempty"`
}

type zapLogger struct {
	zap *zap.SugaredLogger
}

func (l zapLogger) Debugw(msg string, keysAndValues ...interface{}) {
	l.zap.Debugw(msg, keysAndValues...)
}

func (l zapLogger) Infow(msg string, keysAndValues ...interface{}) {
	l.zap.Infow(msg, keysAndValues...)
}

func (l zapLogger) Warnw(msg string, err error, keysAndValues ...interface{}) {
	if err != nil {
		keysAndValues = append(keysAndValues, "error", err)
	}
	l.zap.Warnw(msg, keysAndValues...)
}

func (l zapLogger) Errorw(msg string, err error, keysAndValues ...interface{}) {
	if err != nil {
		keysAndValues = append(keysAndValues, "error", err)
	}
	l.zap.Errorw(msg, keysAndValues...)
}

var defaultLogger Logger = zapLogger{zap: zap.NewNop().Sugar()}

func InitFromConfig(conf Config, development bool) error {
	var zapConfig zap.Config
	if development {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}
	if !conf.JSON && !development {
		zapConfig.Encoding = "console"
		zapConfig.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	if conf.Level != "" {
		lvl := zapcore.Level(0)
		if err := lvl.UnmarshalText([]byte(conf.Level)); err == nil {
			zapConfig.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	l, err := zapConfig.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	SetLogger(zapLogger{zap: l.Sugar().Named("mirastream")})
	return nil
}

func SetLogger(l Logger) {
	defaultLogger = l
}

func GetLogger() Logger {
	return defaultLogger
}

func Debugw(msg string, keysAndValues ...interface{}) {
	defaultLogger.Debugw(msg, keysAndValues...)
}

func Infow(msg string, keysAndValues ...interface{}) {
	defaultLogger.Infow(msg, keysAndValues...)
}

func Warnw(msg string, err error, keysAndValues ...interface{}) {
	defaultLogger.Warnw(msg, err, keysAndValues...)
}

func Errorw(msg string, err error, keysAndValues ...interface{}) {
	defaultLogger.Errorw(msg, err, keysAndValues...)
}
