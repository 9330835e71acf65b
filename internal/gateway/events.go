package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"fleetmon/internal/models"
)

// Inbound event names accepted from agents.
const (
	eventInit          = "init"
	eventUpdateStatus  = "update-status"
	eventUpdateProcess = "update-process"
	eventServerLog     = "server-log"
	eventCommand       = "command"
	eventCommandResult = "command_result"
)

// Outbound event names pushed to subscribers.
const (
	eventUpdate         = "update"
	eventNotifications  = "notifications"
	eventExecuteCommand = "execute_command"
	eventCommandShow    = "command_show"
)

var (
	errUnknownEvent = errors.New("unknown event")
	errMissingField = errors.New("missing required field")
)

// envelope is the wire frame for both directions: an event name and a
// payload.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Event is one validated inbound agent event.
type Event interface {
	eventName() string
}

// InitEvent announces an agent session for a server.
type InitEvent struct {
	ServerCode string `json:"serverCode"`
}

func (InitEvent) eventName() string { return eventInit }

// usage carries a single numeric-string gauge as sent by agents.
type usage struct {
	Usage string `json:"usage"`
}

// UpdateStatusEvent is one telemetry sample. All gauges arrive as
// numeric strings; the event is dropped at the boundary when any field
// is missing or unparsable.
type UpdateStatusEvent struct {
	Code    string `json:"code"`
	CPU     string `json:"cpu"`
	RAM     usage  `json:"ram"`
	Disk    usage  `json:"disk"`
	GPU     usage  `json:"gpu"`
	Network usage  `json:"network"`
}

func (UpdateStatusEvent) eventName() string { return eventUpdateStatus }

// Sample parses the gauges into a MetricSample.
func (e *UpdateStatusEvent) Sample() (models.MetricSample, error) {
	var sample models.MetricSample
	fields := []struct {
		name  string
		raw   string
		value *float64
	}{
		{"cpu", e.CPU, &sample.CPU},
		{"ram", e.RAM.Usage, &sample.RAM},
		{"disk", e.Disk.Usage, &sample.Disk},
		{"gpu", e.GPU.Usage, &sample.GPU},
		{"network", e.Network.Usage, &sample.Network},
	}
	for _, field := range fields {
		if field.raw == "" {
			return sample, fmt.Errorf("%w: %s", errMissingField, field.name)
		}
		value, err := strconv.ParseFloat(field.raw, 64)
		if err != nil {
			return sample, fmt.Errorf("parse %s: %w", field.name, err)
		}
		*field.value = value
	}
	return sample, nil
}

// UpdateProcessEvent is one process heartbeat.
type UpdateProcessEvent struct {
	ServerCode string `json:"serverCode"`
	Version    string `json:"version"`
	Name       string `json:"name"`
	LastUpdate string `json:"lastUpdate"`
}

func (UpdateProcessEvent) eventName() string { return eventUpdateProcess }

// ServerLogEvent is one free-text log line.
type ServerLogEvent struct {
	ServerCode string `json:"serverCode"`
	Type       string `json:"type"`
	Message    string `json:"message"`
}

func (ServerLogEvent) eventName() string { return eventServerLog }

// CommandEvent relays a command toward a server's subscribers.
type CommandEvent struct {
	ServerCode string `json:"serverCode"`
	Command    string `json:"command"`
	Timestamp  string `json:"timestamp"`
}

func (CommandEvent) eventName() string { return eventCommand }

// CommandResultEvent relays a command's output back to subscribers.
type CommandResultEvent struct {
	ServerCode string `json:"serverCode"`
	Command    string `json:"command"`
	Result     string `json:"result"`
}

func (CommandResultEvent) eventName() string { return eventCommandResult }

// logTypes are the accepted server-log classifications.
var logTypes = map[string]bool{
	"error":   true,
	"warning": true,
	"info":    true,
}

// parseEvent decodes and validates one inbound frame. Malformed or
// unknown payloads are rejected here so they never reach the engine.
func parseEvent(data []byte) (Event, error) {
	var frame envelope
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch frame.Event {
	case eventInit:
		event := &InitEvent{}
		if err := json.Unmarshal(frame.Data, event); err != nil {
			return nil, err
		}
		if event.ServerCode == "" {
			return nil, fmt.Errorf("%w: serverCode", errMissingField)
		}
		return event, nil

	case eventUpdateStatus:
		event := &UpdateStatusEvent{}
		if err := json.Unmarshal(frame.Data, event); err != nil {
			return nil, err
		}
		if event.Code == "" {
			return nil, fmt.Errorf("%w: code", errMissingField)
		}
		if _, err := event.Sample(); err != nil {
			return nil, err
		}
		return event, nil

	case eventUpdateProcess:
		event := &UpdateProcessEvent{}
		if err := json.Unmarshal(frame.Data, event); err != nil {
			return nil, err
		}
		if event.ServerCode == "" {
			return nil, fmt.Errorf("%w: serverCode", errMissingField)
		}
		if event.Name == "" {
			return nil, fmt.Errorf("%w: name", errMissingField)
		}
		return event, nil

	case eventServerLog:
		event := &ServerLogEvent{}
		if err := json.Unmarshal(frame.Data, event); err != nil {
			return nil, err
		}
		if event.ServerCode == "" || event.Message == "" {
			return nil, fmt.Errorf("%w: serverCode/message", errMissingField)
		}
		if !logTypes[event.Type] {
			return nil, fmt.Errorf("invalid log type %q", event.Type)
		}
		return event, nil

	case eventCommand:
		event := &CommandEvent{}
		if err := json.Unmarshal(frame.Data, event); err != nil {
			return nil, err
		}
		if event.ServerCode == "" || event.Command == "" {
			return nil, fmt.Errorf("%w: serverCode/command", errMissingField)
		}
		return event, nil

	case eventCommandResult:
		event := &CommandResultEvent{}
		if err := json.Unmarshal(frame.Data, event); err != nil {
			return nil, err
		}
		if event.ServerCode == "" || event.Command == "" {
			return nil, fmt.Errorf("%w: serverCode/command", errMissingField)
		}
		return event, nil
	}
	return nil, fmt.Errorf("%w: %q", errUnknownEvent, frame.Event)
}
