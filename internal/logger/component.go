// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

// Component names one of the driver subsystems that can have its own log
// level, independent of the others.
type Component int

const (
	// ComponentCommand covers one command's started/succeeded/failed
	// lifecycle.
	ComponentCommand Component = iota
	// ComponentTopology covers SDAM state transitions: server description
	// updates, topology kind changes.
	ComponentTopology
	// ComponentServerSelection covers one SelectServer call: candidates
	// considered, the one picked, and timeouts.
	ComponentServerSelection
	// ComponentConnection covers pool checkout/checkin/clear events.
	ComponentConnection
)

const (
	mongoDBLogCommandEnvVar         = "MONGODB_LOG_COMMAND"
	mongoDBLogTopologyEnvVar        = "MONGODB_LOG_TOPOLOGY"
	mongoDBLogServerSelectionEnvVar = "MONGODB_LOG_SERVER_SELECTION"
	mongoDBLogConnectionEnvVar      = "MONGODB_LOG_CONNECTION"
	componentEnvVarAll              = "MONGODB_LOG_ALL"
)

var allComponentEnvVars = map[string]Component{
	mongoDBLogCommandEnvVar:         ComponentCommand,
	mongoDBLogTopologyEnvVar:        ComponentTopology,
	mongoDBLogServerSelectionEnvVar: ComponentServerSelection,
	mongoDBLogConnectionEnvVar:      ComponentConnection,
}

// ComponentMessage is one structured log event. Serialize returns an
// alternating key/value slice suitable for a logr-style sink.
type ComponentMessage interface {
	Component() Component
	Message() string
	Serialize() []interface{}
}

// CommandMessageDropped is enqueued in place of a real message when the
// printer's job channel is full, if a slot has opened by the time Print
// tries; a slow sink never blocks the operation path.
type CommandMessageDropped struct {
	CommandName string
}

func (m *CommandMessageDropped) Component() Component { return ComponentCommand }
func (m *CommandMessageDropped) Message() string      { return "Command message dropped" }
func (m *CommandMessageDropped) Serialize() []interface{} {
	return []interface{}{"commandName", m.CommandName}
}

// CommandStartedMessage is logged when a command is about to be written to
// the wire.
type CommandStartedMessage struct {
	CommandName  string
	DatabaseName string
	RequestID    int32
	ServerConnID string
	Command      []byte // a BSON document, logged via formatMessage's truncation
}

func (m *CommandStartedMessage) Component() Component { return ComponentCommand }
func (m *CommandStartedMessage) Message() string       { return "Command started" }
func (m *CommandStartedMessage) Serialize() []interface{} {
	return []interface{}{
		"commandName", m.CommandName,
		"databaseName", m.DatabaseName,
		"requestId", m.RequestID,
		"driverConnectionId", m.ServerConnID,
		"command", m.Command,
	}
}

// CommandSucceededMessage is logged once a command's reply has been read
// and classified as ok.
type CommandSucceededMessage struct {
	CommandName  string
	RequestID    int32
	ServerConnID string
	DurationNS   int64
	Reply        []byte
}

func (m *CommandSucceededMessage) Component() Component { return ComponentCommand }
func (m *CommandSucceededMessage) Message() string       { return "Command succeeded" }
func (m *CommandSucceededMessage) Serialize() []interface{} {
	return []interface{}{
		"commandName", m.CommandName,
		"requestId", m.RequestID,
		"driverConnectionId", m.ServerConnID,
		"durationMS", m.DurationNS / 1e6,
		"reply", m.Reply,
	}
}

// CommandFailedMessage is logged when a command's reply failed, either at
// the transport layer or via an ok:0 server reply.
type CommandFailedMessage struct {
	CommandName  string
	RequestID    int32
	ServerConnID string
	DurationNS   int64
	Failure      string
}

func (m *CommandFailedMessage) Component() Component { return ComponentCommand }
func (m *CommandFailedMessage) Message() string       { return "Command failed" }
func (m *CommandFailedMessage) Serialize() []interface{} {
	return []interface{}{
		"commandName", m.CommandName,
		"requestId", m.RequestID,
		"driverConnectionId", m.ServerConnID,
		"durationMS", m.DurationNS / 1e6,
		"failure", m.Failure,
	}
}
