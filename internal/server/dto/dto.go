// Package dto defines the wire types of the automation API. Incoming JSON is
// accepted in both snake_case and camelCase; the canonical emit shape is
// camelCase except where the event ingestion contract pins snake_case.
package dto

import (
	"encoding/json"
)

// Event types accepted by POST /events.
const (
	EventTypeAutomation  = "DEVTEAM_AUTOMATION"
	EventTypePlaceholder = "PLACEHOLDER"
)

// maxDataBytes caps the opaque data attachment of an event.
const maxDataBytes = 1 << 20

// TaskRef names the task an automation event targets.
type TaskRef struct {
	ID    string `json:"id" validate:"required,task_id"`
	Title string `json:"title" validate:"required,max=200,safe_text"`
}

// EventRequest is the body of POST /events.
type EventRequest struct {
	ID             string          `json:"id" validate:"required,min=1,max=100,event_id"`
	Type           string          `json:"type" validate:"required,oneof=DEVTEAM_AUTOMATION PLACEHOLDER"`
	ProjectID      string          `json:"projectId"`
	RepoURL        string          `json:"repoUrl"`
	Task           *TaskRef        `json:"task"`
	Priority       int             `json:"priority"`
	Data           json.RawMessage `json:"data"`
	IdempotencyKey string          `json:"-"`
	CorrelationID  string          `json:"-"`
}

// eventRequestWire accepts both casings plus the nested option blocks.
type eventRequestWire struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	ProjectSnake   string          `json:"project_id"`
	ProjectCamel   string          `json:"projectId"`
	RepoURLSnake   string          `json:"repo_url"`
	RepoURLCamel   string          `json:"repoUrl"`
	Task           *TaskRef        `json:"task"`
	Priority       int             `json:"priority"`
	Data           json.RawMessage `json:"data"`
	Options        *eventOptions   `json:"options"`
	Metadata       *eventMetadata  `json:"metadata"`
}

type eventOptions struct {
	IdempotencyKeySnake string `json:"idempotency_key"`
	IdempotencyKeyCamel string `json:"idempotencyKey"`
}

type eventMetadata struct {
	CorrelationSnake string `json:"correlation_id"`
	CorrelationCamel string `json:"correlationId"`
}

// UnmarshalJSON folds the snake_case and camelCase spellings into the
// canonical fields.
func (r *EventRequest) UnmarshalJSON(data []byte) error {
	var w eventRequestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.ID = w.ID
	r.Type = w.Type
	r.ProjectID = fallback(w.ProjectCamel, w.ProjectSnake)
	r.RepoURL = fallback(w.RepoURLCamel, w.RepoURLSnake)
	r.Task = w.Task
	r.Priority = w.Priority
	r.Data = w.Data
	if w.Options != nil {
		r.IdempotencyKey = fallback(w.Options.IdempotencyKeyCamel, w.Options.IdempotencyKeySnake)
	}
	if w.Metadata != nil {
		r.CorrelationID = fallback(w.Metadata.CorrelationCamel, w.Metadata.CorrelationSnake)
	}
	return nil
}

// Validate checks the event request. Automation events carry mandatory
// project and task references; placeholders only need the envelope.
func (r *EventRequest) Validate() error {
	if err := check(r); err != nil {
		return err
	}
	if len(r.Data) > maxDataBytes {
		return Validation("data exceeds 1 MiB")
	}
	if r.Type != EventTypeAutomation {
		return nil
	}
	if !projectIDRe.MatchString(r.ProjectID) {
		return Validation("project_id must be of the form owner/repo")
	}
	if r.Task == nil {
		return Validation("task is required for " + EventTypeAutomation)
	}
	return check(r.Task)
}

// EventAccepted is the 202 body of POST /events. This contract predates the
// camelCase convention and stays snake_case.
type EventAccepted struct {
	EventID   string `json:"event_id"`
	TaskID    string `json:"task_id,omitempty"`
	Status    string `json:"status"`
	EventType string `json:"event_type"`
}

// InitializeRequest is the body of POST /api/devteam/automation/initialize.
type InitializeRequest struct {
	ProjectID     string `json:"projectId" validate:"required,project_id"`
	RepoURL       string `json:"repoUrl" validate:"required,max=500,safe_text"`
	CorrelationID string `json:"correlationId" validate:"omitempty,max=100,safe_text"`
}

type initializeWire struct {
	ProjectSnake     string `json:"project_id"`
	ProjectCamel     string `json:"projectId"`
	RepoURLSnake     string `json:"repo_url"`
	RepoURLCamel     string `json:"repoUrl"`
	CorrelationSnake string `json:"correlation_id"`
	CorrelationCamel string `json:"correlationId"`
}

// UnmarshalJSON folds both casings into the canonical fields.
func (r *InitializeRequest) UnmarshalJSON(data []byte) error {
	var w initializeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.ProjectID = fallback(w.ProjectCamel, w.ProjectSnake)
	r.RepoURL = fallback(w.RepoURLCamel, w.RepoURLSnake)
	r.CorrelationID = fallback(w.CorrelationCamel, w.CorrelationSnake)
	return nil
}

// Validate checks the initialize request.
func (r *InitializeRequest) Validate() error {
	return check(r)
}

// InitializeAccepted is the 202 body of initialize.
type InitializeAccepted struct {
	ExecutionID string `json:"executionId"`
	EventID     string `json:"eventId"`
}

// TransitionResponse is the body of pause/resume/stop.
type TransitionResponse struct {
	Status string `json:"status"`
}

// fallback returns the first non-empty value.
func fallback(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
