package notify

import (
	"encoding/json"
	"time"

	"studyflow/internal/domain"
)

type Event struct {
	TaskID    string           `json:"task_id"`
	Kind      domain.Kind      `json:"kind,omitempty"`
	Status    domain.Status    `json:"status"`
	Message   string           `json:"message"`
	Progress  int              `json:"progress"`
	Result    json.RawMessage  `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorKind domain.ErrorKind `json:"error_kind,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// TerminalEvent builds the event published when a task finishes.
func TerminalEvent(taskID string, kind domain.Kind, out domain.Outcome) Event {
	ev := Event{
		TaskID:    taskID,
		Kind:      kind,
		Status:    out.Status,
		Progress:  100,
		Timestamp: time.Now().UTC(),
	}
	switch out.Status {
	case domain.StatusDone:
		ev.Message = "completed"
		ev.Result = out.Result
	case domain.StatusFailed:
		ev.Message = "failed"
		ev.Error = out.Error
		ev.ErrorKind = out.ErrorKind
	}
	return ev
}
