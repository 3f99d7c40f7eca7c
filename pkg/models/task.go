// Package models contains shared data models used across the mattehub codebase.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TaskStatus is the lifecycle state of a Task. Transitions only move forward:
// waiting -> processing -> completed | failed, or waiting -> failed on cancel.
type TaskStatus string

const (
	TaskStatusWaiting    TaskStatus = "waiting"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusWaiting, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// Task is a submitted matting job. Cost stays invalid (null) until the task is settled.
type Task struct {
	ID                 uuid.UUID           `db:"id"                   json:"id"`
	OwnerID            uuid.UUID           `db:"owner_id"             json:"owner_id"`
	VideoPath          string              `db:"video_path"           json:"video_path"`
	ForegroundPath     *string             `db:"foreground_path"      json:"foreground_path,omitempty"`
	BackgroundPath     *string             `db:"background_path"      json:"background_path,omitempty"`
	ModelName          string              `db:"model_name"           json:"model_name"`
	Status             TaskStatus          `db:"status"               json:"status"`
	Progress           int                 `db:"progress"             json:"progress"`
	Cost               decimal.NullDecimal `db:"cost"                 json:"cost"`
	WorkerAddress      *string             `db:"worker_address"       json:"worker_address,omitempty"`
	AttemptID          *uuid.UUID          `db:"attempt_id"           json:"-"`
	MaskVideoPath      *string             `db:"mask_video_path"      json:"mask_video_path,omitempty"`
	CompositeVideoPath *string             `db:"composite_video_path" json:"composite_video_path,omitempty"`
	OutputPaths        map[string]string   `db:"output_paths"         json:"output_paths,omitempty"`
	ErrorMessage       *string             `db:"error_message"        json:"error_message,omitempty"`
	LeaseExpiresAt     *time.Time          `db:"lease_expires_at"     json:"-"`
	CompletedAt        *time.Time          `db:"completed_at"         json:"completed_at,omitempty"`
	CreatedAt          time.Time           `db:"created_at"           json:"created_at"`
	UpdatedAt          time.Time           `db:"updated_at"           json:"updated_at"`
}
