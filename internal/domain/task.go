package domain

import (
	"fmt"
	"time"
)

type TaskState string

const (
	TaskStatePending   TaskState = "PENDING"
	TaskStateRunning   TaskState = "RUNNING"
	TaskStateCompleted TaskState = "COMPLETED"
	TaskStateFailed    TaskState = "FAILED"
	TaskStateSkipped   TaskState = "SKIPPED"
)

// TerminalStates lists the states a task never leaves except by deletion.
var TerminalStates = []TaskState{TaskStateCompleted, TaskStateFailed, TaskStateSkipped}

func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateSkipped:
		return true
	}
	return false
}

func (s TaskState) Valid() bool {
	return s == TaskStatePending || s == TaskStateRunning || s.IsTerminal()
}

func ParseTaskState(s string) (TaskState, error) {
	st := TaskState(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown task state %q", s)
	}
	return st, nil
}

// Task is one queued unit of work. Assignee is only set on the
// PENDING -> RUNNING transition and Completed is non-nil iff the state is
// terminal.
type Task struct {
	ID        int64      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	TaskType  string     `gorm:"size:255;not null;index" json:"task_type"`
	State     TaskState  `gorm:"size:20;not null;default:'PENDING';index" json:"state"`
	Assignee  string     `gorm:"size:255" json:"assignee,omitempty"`
	ExeArgs   *string    `gorm:"type:text" json:"exe_args"`
	Metadata  JSONB      `gorm:"type:jsonb" json:"metadata,omitempty"`
	Created   time.Time  `gorm:"not null" json:"created"`
	Started   *time.Time `json:"started,omitempty"`
	Completed *time.Time `gorm:"index" json:"completed,omitempty"`
}

func (Task) TableName() string {
	return "queued_tasks"
}

// Clone returns a deep copy so callers never share pointers with the queue.
func (t *Task) Clone() Task {
	c := *t
	if t.ExeArgs != nil {
		v := *t.ExeArgs
		c.ExeArgs = &v
	}
	if t.Started != nil {
		v := *t.Started
		c.Started = &v
	}
	if t.Completed != nil {
		v := *t.Completed
		c.Completed = &v
	}
	if t.Metadata != nil {
		c.Metadata = make(JSONB, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

func (t Task) String() string {
	return fmt.Sprintf("Task[id=%d, type=%s, state=%s]", t.ID, t.TaskType, t.State)
}
