/*
Copyright 2017 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sessionpool

import "go.uber.org/zap"

// Logger is the append-only diagnostic sink the pool writes to. It mirrors
// the subset of zap.SugaredLogger that the pool actually exercises, so the
// zap adapter below needs no translation layer.
type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})
}

// zapLogger adapts a *zap.SugaredLogger to Logger. It is used only when a
// caller passes NewZapLogger's result as Options.Logger; a nil Logger
// defaults to noopLogger.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger wraps an existing zap logger for use as a pool Logger.
func NewZapLogger(l *zap.Logger) Logger {
	return &zapLogger{s: l.Sugar()}
}

func (z *zapLogger) Debugf(template string, args ...interface{}) { z.s.Debugf(template, args...) }
func (z *zapLogger) Infof(template string, args ...interface{})  { z.s.Infof(template, args...) }
func (z *zapLogger) Warnf(template string, args ...interface{})  { z.s.Warnf(template, args...) }
func (z *zapLogger) Errorf(template string, args ...interface{}) { z.s.Errorf(template, args...) }

// noopLogger discards everything. Used when Options.Logger is left nil.
type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Infof(string, ...interface{})  {}
func (noopLogger) Warnf(string, ...interface{})  {}
func (noopLogger) Errorf(string, ...interface{}) {}
