// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import (
	"os"
	"strconv"
	"strings"
)

const jobBufferSize = 100
const logSinkPathEnvVar = "MONGODB_LOG_PATH"
const maxDocumentLengthEnvVar = "MONGODB_LOG_MAX_DOCUMENT_LENGTH"

// DefaultMaxDocumentLength is the default maximum length of a stringified
// BSON document in bytes.
const DefaultMaxDocumentLength = 1000

// TruncationSuffix is appended to a truncated document to signal to the
// reader that truncation occurred. It does not count toward the max length.
const TruncationSuffix = "..."

type job struct {
	level Level
	msg   ComponentMessage
}

// Logger prints ComponentMessages to a LogSink, gated by a per-Component
// Level. Print never blocks the caller on a slow sink: messages are handed
// off to a buffered channel drained by a background goroutine started via
// StartPrintListener.
type Logger struct {
	ComponentLevels   map[Component]Level
	Sink              LogSink
	MaxDocumentLength uint

	jobs chan job
}

// New constructs a Logger. A nil sink falls back to the environment, then
// to stderr. A zero maxDocumentLength falls back to the environment, then
// to DefaultMaxDocumentLength. componentLevels are merged over whatever the
// environment specifies, with the explicit map taking priority.
func New(sink LogSink, maxDocumentLength uint, componentLevels map[Component]Level) *Logger {
	return &Logger{
		ComponentLevels:   mergeComponentLevels(componentLevels, getEnvComponentLevels()),
		MaxDocumentLength: selectMaxDocumentLength(maxDocumentLength),
		Sink:              selectLogSink(sink),
		jobs:              make(chan job, jobBufferSize),
	}
}

// Close stops the printer goroutine started by StartPrintListener.
func (logger *Logger) Close() { close(logger.jobs) }

// Is reports whether level is enabled for component.
func (logger *Logger) Is(level Level, component Component) bool {
	return logger.ComponentLevels[component] >= level
}

// Print enqueues msg for printing at level without blocking the caller. If
// the queue is full, Print makes one more non-blocking attempt to enqueue a
// CommandMessageDropped marker instead; if that also finds the queue full,
// the message is dropped with no marker.
func (logger *Logger) Print(level Level, msg ComponentMessage) {
	select {
	case logger.jobs <- job{level, msg}:
	default:
		select {
		case logger.jobs <- job{level, &CommandMessageDropped{}}:
		default:
		}
	}
}

// StartPrintListener starts the goroutine that drains logger.jobs into
// logger.Sink and returns immediately. The goroutine exits once
// logger.Close is called and the channel drains.
func StartPrintListener(logger *Logger) {
	go func() {
		for j := range logger.jobs {
			if !logger.Is(j.level, j.msg.Component()) {
				continue
			}
			sink := logger.Sink
			if sink == nil {
				continue
			}

			keysAndValues, err := formatMessage(j.msg.Serialize(), logger.MaxDocumentLength)
			if err != nil {
				sink.Info(int(j.level)-DiffToInfo, "error formatting log message", "error", err)
				continue
			}

			sink.Info(int(j.level)-DiffToInfo, j.msg.Message(), keysAndValues...)
		}
	}()
}

func truncate(str string, width uint) string {
	if width == 0 || len(str) <= int(width) {
		return str
	}

	newStr := str[:width]

	// Back up off a multi-byte UTF-8 boundary rather than split a rune.
	for len(newStr) > 0 && newStr[len(newStr)-1]&0xC0 == 0x80 {
		newStr = newStr[:len(newStr)-1]
	}

	return newStr + TruncationSuffix
}

// formatMessage truncates any "command"/"reply" byte-slice values in
// keysAndValues to commandWidth, stringifying them in the process.
func formatMessage(keysAndValues []interface{}, commandWidth uint) ([]interface{}, error) {
	out := make([]interface{}, len(keysAndValues))
	copy(out, keysAndValues)

	for i := 0; i+1 < len(out); i += 2 {
		key, _ := out[i].(string)
		if key != "command" && key != "reply" {
			continue
		}

		raw, ok := out[i+1].([]byte)
		if !ok {
			continue
		}
		if len(raw) == 0 {
			out[i+1] = "{}"
			continue
		}
		out[i+1] = truncate(string(raw), commandWidth)
	}

	return out, nil
}

func getEnvMaxDocumentLength() (uint, bool) {
	max := os.Getenv(maxDocumentLengthEnvVar)
	if max == "" {
		return 0, false
	}
	maxUint, err := strconv.ParseUint(max, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint(maxUint), true
}

// selectMaxDocumentLength returns arg if non-zero, else the environment
// value if valid, else DefaultMaxDocumentLength.
func selectMaxDocumentLength(arg uint) uint {
	if arg != 0 {
		return arg
	}
	if v, ok := getEnvMaxDocumentLength(); ok {
		return v
	}
	return DefaultMaxDocumentLength
}

const (
	logSinkPathStdout = "stdout"
	logSinkPathStderr = "stderr"
)

func getEnvLogSink() LogSink {
	path := os.Getenv(logSinkPathEnvVar)
	switch strings.ToLower(path) {
	case logSinkPathStderr, "":
		if path == "" {
			return nil
		}
		return newOSSink(os.Stderr)
	case logSinkPathStdout:
		return newOSSink(os.Stdout)
	default:
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return newOSSink(os.Stderr)
		}
		return newOSSink(f)
	}
}

// selectLogSink returns arg if non-nil, else whatever the environment
// specifies, else a default stderr sink.
func selectLogSink(arg LogSink) LogSink {
	if arg != nil {
		return arg
	}
	if sink := getEnvLogSink(); sink != nil {
		return sink
	}
	return newOSSink(os.Stderr)
}

// getEnvComponentLevels reads one Level per Component from its specific
// environment variable, with MONGODB_LOG_ALL overriding all of them.
func getEnvComponentLevels() map[Component]Level {
	levels := make(map[Component]Level, len(allComponentEnvVars))

	globalLevel := ParseLevel(os.Getenv(componentEnvVarAll))

	for envVar, component := range allComponentEnvVars {
		level := globalLevel
		if globalLevel == LevelOff {
			level = ParseLevel(os.Getenv(envVar))
		}
		levels[component] = level
	}

	return levels
}

// mergeComponentLevels merges levels maps in priority order: earlier maps
// win over later ones for a given Component, and every Component named by
// allComponentEnvVars is guaranteed present in the result.
func mergeComponentLevels(levelMaps ...map[Component]Level) map[Component]Level {
	merged := make(map[Component]Level, len(allComponentEnvVars))
	for _, component := range allComponentEnvVars {
		merged[component] = LevelOff
	}

	set := make(map[Component]bool)
	for _, levels := range levelMaps {
		for component, level := range levels {
			if set[component] {
				continue
			}
			merged[component] = level
			set[component] = true
		}
	}

	return merged
}

// selectComponentLevels merges arg over the environment's component
// levels, with arg taking priority.
func selectComponentLevels(arg map[Component]Level) map[Component]Level {
	return mergeComponentLevels(arg, getEnvComponentLevels())
}
