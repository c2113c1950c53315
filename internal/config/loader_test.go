package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "database:\n  driver: memory\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Scheduler.QueueFreq != 30 || cfg.Scheduler.PingFreq != 120 ||
		cfg.Scheduler.ActiveTaskFreq != 60 || cfg.Scheduler.QueueCleanerFreq != 1200 {
		t.Fatalf("unexpected scheduler defaults: %+v", cfg.Scheduler)
	}
	if cfg.Retention.KeepCompletedDays != 7 || cfg.Retention.KeepFailedDays != 21 || cfg.Retention.KeepSkippedDays != 1 {
		t.Fatalf("unexpected retention defaults: %+v", cfg.Retention)
	}
	if cfg.Agents.ConnectTimeout != 5*time.Second {
		t.Fatalf("expected 5s connect timeout, got %v", cfg.Agents.ConnectTimeout)
	}
	if cfg.Server.Address() != "0.0.0.0:23347" {
		t.Fatalf("unexpected server address %q", cfg.Server.Address())
	}
}

func TestLoadReadsStaticAgents(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: memory
agents:
  static:
    - address: 10.0.0.5:23344
      task_types: [comskip]
      max_tasks: 2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Agents.Static) != 1 {
		t.Fatalf("expected 1 static agent, got %d", len(cfg.Agents.Static))
	}
	a := cfg.Agents.Static[0]
	if a.Address != "10.0.0.5:23344" || a.MaxTasks != 2 || len(a.TaskTypes) != 1 || a.TaskTypes[0] != "comskip" {
		t.Fatalf("unexpected agent: %+v", a)
	}
}

func TestLoadRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"queue too fast", "database:\n  driver: memory\nscheduler:\n  queue_freq: 5\n"},
		{"reconcile too slow", "database:\n  driver: memory\nscheduler:\n  active_task_freq: 500\n"},
		{"zero retention", "database:\n  driver: memory\nretention:\n  keep_failed_days: 0\n"},
		{"unknown driver", "database:\n  driver: mysql\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
