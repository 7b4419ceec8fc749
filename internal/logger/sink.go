// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import (
	"io"

	"github.com/go-logr/logr"
	"github.com/rs/zerolog"
)

// LogSink is exactly logr.LogSink: any logr-compatible backend (zap, klog,
// a test recorder, ...) can be handed to logger.New directly. osSink below
// is the default used when the caller supplies none.
type LogSink = logr.LogSink

// osSink writes structured log events to an io.Writer via zerolog, matching
// the console-friendly output the rest of this codebase's tooling expects.
type osSink struct {
	logger zerolog.Logger
	name   string
	kv     []interface{}
}

// newOSSink builds a LogSink writing to w.
func newOSSink(w io.Writer) LogSink {
	return &osSink{logger: zerolog.New(w).With().Timestamp().Logger()}
}

func (s *osSink) Init(info logr.RuntimeInfo) {}

func (s *osSink) Enabled(level int) bool { return true }

func (s *osSink) Info(level int, msg string, keysAndValues ...interface{}) {
	ev := s.logger.Info()
	if level > 0 {
		ev = s.logger.Debug()
	}
	s.applyFields(ev, msg, keysAndValues)
}

func (s *osSink) Error(err error, msg string, keysAndValues ...interface{}) {
	ev := s.logger.Error().Err(err)
	s.applyFields(ev, msg, keysAndValues)
}

func (s *osSink) applyFields(ev *zerolog.Event, msg string, keysAndValues []interface{}) {
	if s.name != "" {
		ev = ev.Str("logger", s.name)
	}
	for i := 0; i+1 < len(s.kv); i += 2 {
		if key, ok := s.kv[i].(string); ok {
			ev = ev.Interface(key, s.kv[i+1])
		}
	}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, keysAndValues[i+1])
	}
	ev.Msg(msg)
}

func (s *osSink) WithValues(keysAndValues ...interface{}) logr.LogSink {
	merged := make([]interface{}, 0, len(s.kv)+len(keysAndValues))
	merged = append(merged, s.kv...)
	merged = append(merged, keysAndValues...)
	return &osSink{logger: s.logger, name: s.name, kv: merged}
}

func (s *osSink) WithName(name string) logr.LogSink {
	newName := name
	if s.name != "" {
		newName = s.name + "/" + name
	}
	return &osSink{logger: s.logger, name: newName, kv: s.kv}
}
