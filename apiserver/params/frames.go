// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package params holds the messages exchanged with websocket and HTTP
// clients.
package params

import (
	"encoding/json"
	"fmt"
)

// Frame types sent by clients on the notification socket.
const (
	FrameHello       = "hello"
	FrameSubscribe   = "sub"
	FrameUnsubscribe = "unsub"
	FramePing        = "ping"
)

// Frame types only sent by the server.
const (
	FramePublish = "pub"
	FrameError   = "error"
	FramePong    = "pong"
)

// ClientFrame is a request read from a notification socket. ID is chosen
// by the client and echoed on the reply.
type ClientFrame struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Auth  string `json:"auth,omitempty"`
	Topic string `json:"topic,omitempty"`
}

// ServerFrame is written to a notification socket, either as the reply
// to a ClientFrame or as a published message.
type ServerFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// HelloMessage is the message of the hello frame sent when a notification
// socket opens and after a successful hello request.
type HelloMessage struct {
	Session       string `json:"session"`
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"user-id,omitempty"`
}

// Error is the wire form of an error.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements error.
func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// ErrorResult holds a single error.
type ErrorResult struct {
	Error *Error `json:"error,omitempty"`
}

// PubSubMessage is read from the privileged publishing socket. Data is
// delivered to subscribers unchanged.
type PubSubMessage struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// ExecutionRequest asks for an allow-listed command to be started.
type ExecutionRequest struct {
	Command string `json:"command"`
}

// ExecutionResult identifies a started command. Its output is streamed
// to external call sockets following CallID.
type ExecutionResult struct {
	CallID  string `json:"call-id"`
	Command string `json:"command"`
}

// ExecutionsResult lists the commands that may be started and those
// currently running, keyed by call id.
type ExecutionsResult struct {
	Commands []string          `json:"commands"`
	Running  map[string]string `json:"running"`
}
