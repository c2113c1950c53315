package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ==================== ENUMS ====================

type AgentStatus string

const (
	AgentStatusUnknown AgentStatus = "unknown"
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusOffline AgentStatus = "offline"
)

// ==================== JSONB TYPES ====================

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("failed to scan JSONB: invalid type")
	}
	return json.Unmarshal(bytes, j)
}

type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("failed to scan StringList: invalid type")
	}
	return json.Unmarshal(bytes, l)
}

// ==================== ENTITIES ====================

// Agent is a worker reachable at Address. Status and LastSeen are only a
// cache of the latest ping; they never decide a task's outcome.
type Agent struct {
	Address   string      `gorm:"primaryKey;size:255" json:"address"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	TaskTypes StringList  `gorm:"type:jsonb" json:"task_types"`
	MaxTasks  int         `gorm:"default:0" json:"max_tasks"`
	Status    AgentStatus `gorm:"size:20;not null;default:'unknown'" json:"status"`
	LastSeen  *time.Time  `json:"last_seen,omitempty"`
}

// Accepts reports whether the agent is configured to run taskType.
func (a *Agent) Accepts(taskType string) bool {
	if len(a.TaskTypes) == 0 {
		return true
	}
	for _, t := range a.TaskTypes {
		if t == taskType || t == "*" {
			return true
		}
	}
	return false
}

type SystemSetting struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Key      string `gorm:"size:255;uniqueIndex;not null" json:"key"`
	Value    string `gorm:"type:text" json:"value"`
	Type     string `gorm:"size:50;default:'string'" json:"type"`
	Category string `gorm:"size:100;index" json:"category"`
}
