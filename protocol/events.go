// Package protocol binds inbound session events to the store and the
// fan-out of their results to the sender's other sessions.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/abdelmounim-dev/tasksync/task"
)

// Inbound events.
const (
	EventTaskCreate            = "task_create"
	EventTaskToggle            = "task_toggle"
	EventTaskEdit              = "task_edit"
	EventTaskCompleted         = "task_completed"
	EventTaskDelete            = "task_delete"
	EventGetCompletedTasks     = "get_completed_tasks"
	EventRequestHardRefresh    = "request_hard_refresh"
	EventUserUpdatedCategories = "user_updated_categories"
	EventNewCommandAdded       = "new_command_added"
	EventCommandRemoved        = "command_removed"
)

// Outbound events.
const (
	EventSocketConnected          = "socket_connected"
	EventTasksRefresher           = "tasks_refresher"
	EventUserDisconnected         = "user-disconnected"
	EventNewTaskCreated           = "new_task_created"
	EventRelatedTaskToggled       = "related_task_toggled"
	EventRelatedTaskEdited        = "related_task_edited"
	EventRelatedTaskDeleted       = "related_task_deleted"
	EventRelatedTaskCompleted     = "related_task_completed"
	EventRelatedUpdatedCategories = "related_updated_categories"
	EventRelatedAddedCommand      = "related_added_command"
	EventRelatedRemovedCommand    = "related_removed_command"
	EventAck                      = "ack"
	EventCompletedTasks           = "completed_tasks"
	responseSuffix                = "_response"
)

// Envelope is one websocket frame. Ack, when set on an inbound frame, is
// echoed on the reply so the client can correlate it.
type Envelope struct {
	Event string          `json:"event"`
	Ack   *int64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ReplyEvent is the event name used to answer an inbound frame.
func ReplyEvent(in Envelope) string {
	switch {
	case in.Ack != nil:
		return EventAck
	case in.Event == EventRequestHardRefresh:
		return EventSocketConnected
	case in.Event == EventGetCompletedTasks:
		return EventCompletedTasks
	default:
		return in.Event + responseSuffix
	}
}

// Snapshot is the full state pushed on connect, on hard refresh and after
// a rollover.
type Snapshot struct {
	ID          string      `json:"id"`
	Tasks       []task.Task `json:"tasks"`
	Categories  string      `json:"categories"`
	KeyCommands string      `json:"key_commands"`
}

// Refresh is the tasks_refresher payload pushed after a rollover.
type Refresh struct {
	ID         string      `json:"id"`
	Tasks      []task.Task `json:"tasks"`
	Categories string      `json:"categories"`
}

// Reply answers an inbound event: {"was_<x>": bool, "message": string}
// plus event-specific fields.
type Reply map[string]any

func success(flag string) Reply {
	return Reply{flag: true, "message": ""}
}

func failure(flag string, err error) Reply {
	return Reply{flag: false, "message": err.Error()}
}

// ErrMalformedPayload is matched by every payload decoding failure.
var ErrMalformedPayload = errors.New("malformed payload")

// PayloadError reports an inbound payload that could not be decoded or
// failed validation.
type PayloadError struct {
	Event string
	Err   error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("malformed %s payload: %v", e.Event, e.Err)
}

func (e *PayloadError) Unwrap() []error { return []error{ErrMalformedPayload, e.Err} }

// unwrap returns the payload object, unquoting it when an older client
// sent it as a JSON-encoded string.
func unwrap(data json.RawMessage) (json.RawMessage, error) {
	if len(data) == 0 || data[0] != '"' {
		return data, nil
	}
	var inner string
	if err := json.Unmarshal(data, &inner); err != nil {
		return nil, err
	}
	return json.RawMessage(inner), nil
}

// withID returns the payload object with "id" set, keeping every other
// field as sent.
func withID(data json.RawMessage, id string) (json.RawMessage, error) {
	obj, err := unwrap(data)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(obj, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	fields["id"], _ = json.Marshal(id)
	return json.Marshal(fields)
}

func decode(event string, data json.RawMessage, v any) error {
	if len(data) == 0 {
		return &PayloadError{Event: event, Err: errors.New("empty payload")}
	}
	data, err := unwrap(data)
	if err != nil {
		return &PayloadError{Event: event, Err: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &PayloadError{Event: event, Err: err}
	}
	return nil
}
