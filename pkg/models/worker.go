package models

import (
	"time"

	"github.com/google/uuid"
)

// WorkerStatus is the availability of a remote worker.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusOffline WorkerStatus = "offline"
)

// Worker is a remote processing endpoint identified by its base address.
// A worker is busy exactly when CurrentTaskID is set.
type Worker struct {
	Address         string       `db:"address"           json:"address"`
	Status          WorkerStatus `db:"status"            json:"status"`
	CurrentTaskID   *uuid.UUID   `db:"current_task_id"   json:"current_task_id,omitempty"`
	StatusMessage   string       `db:"status_message"    json:"status_message"`
	LastHeartbeatAt *time.Time   `db:"last_heartbeat_at" json:"last_heartbeat_at,omitempty"`
	Requested       int64        `db:"requested"         json:"requested"`
	Responded       int64        `db:"responded"         json:"responded"`
	Succeeded       int64        `db:"succeeded"         json:"succeeded"`
	CreatedAt       time.Time    `db:"created_at"        json:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"        json:"updated_at"`
}

// AttemptState tracks one request made to a worker for one task.
type AttemptState string

const (
	AttemptRequested   AttemptState = "requested"
	AttemptAccepted    AttemptState = "accepted"
	AttemptRejected    AttemptState = "rejected"
	AttemptUnreachable AttemptState = "unreachable"
	AttemptExpired     AttemptState = "expired"
	AttemptCompleted   AttemptState = "completed"
	AttemptFailed      AttemptState = "failed"
)

// DispatchAttempt records a single assignment request. Its state only moves
// requested -> accepted | rejected | unreachable and accepted -> completed |
// failed | expired. Worker counters move only when an attempt leaves the
// requested state, so each attempt is counted at most once.
type DispatchAttempt struct {
	ID            uuid.UUID    `db:"id"             json:"id"`
	TaskID        uuid.UUID    `db:"task_id"        json:"task_id"`
	WorkerAddress string       `db:"worker_address" json:"worker_address"`
	State         AttemptState `db:"state"          json:"state"`
	Message       string       `db:"message"        json:"message"`
	CreatedAt     time.Time    `db:"created_at"     json:"created_at"`
	RespondedAt   *time.Time   `db:"responded_at"   json:"responded_at,omitempty"`
}
