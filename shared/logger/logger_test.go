// Copyright 2025 SocialGuard
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"encoding/json"
	"log"
	"os"
	"strings"
	"testing"
)

// TestNew tests logger initialization
func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		component      string
		instanceID     string
		expectedComp   string
		expectedInstID string
	}{
		{
			name:           "with instance ID set",
			component:      "policyd",
			instanceID:     "instance-123",
			expectedComp:   "policyd",
			expectedInstID: "instance-123",
		},
		{
			name:           "without instance ID",
			component:      "gateway",
			instanceID:     "",
			expectedComp:   "gateway",
			expectedInstID: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.instanceID != "" {
				t.Setenv("INSTANCE_ID", tt.instanceID)
			} else {
				if err := os.Unsetenv("INSTANCE_ID"); err != nil {
					t.Fatalf("Failed to unset INSTANCE_ID: %v", err)
				}
			}

			l := New(tt.component)

			if l.Component != tt.expectedComp {
				t.Errorf("Expected component %s, got %s", tt.expectedComp, l.Component)
			}

			if l.InstanceID != tt.expectedInstID {
				t.Errorf("Expected instance ID %s, got %s", tt.expectedInstID, l.InstanceID)
			}

			if l.Container == "" {
				t.Error("Expected container to be set from hostname")
			}

			if l.MinLevel != INFO {
				t.Errorf("Expected default min level INFO, got %s", l.MinLevel)
			}
		})
	}
}

// TestLogEntryFormat verifies the structured JSON shape of emitted entries
func TestLogEntryFormat(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)
	log.SetFlags(0)

	l := &Logger{Component: "engine", InstanceID: "i-1", Container: "c-1", MinLevel: DEBUG}
	l.Info("client_123", "req-42", "decision evaluated", map[string]interface{}{
		"reason": "rule_allowed",
	})

	line := strings.TrimSpace(buf.String())
	var entry LogEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("Expected valid JSON log entry, got %q: %v", line, err)
	}

	if entry.Level != INFO {
		t.Errorf("Expected level INFO, got %s", entry.Level)
	}
	if entry.ClientID != "client_123" {
		t.Errorf("Expected client_id client_123, got %s", entry.ClientID)
	}
	if entry.RequestID != "req-42" {
		t.Errorf("Expected request_id req-42, got %s", entry.RequestID)
	}
	if entry.Fields["reason"] != "rule_allowed" {
		t.Errorf("Expected reason field rule_allowed, got %v", entry.Fields["reason"])
	}
}

// TestLevelFiltering verifies entries below MinLevel are dropped
func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)
	log.SetFlags(0)

	l := &Logger{Component: "engine", InstanceID: "i-1", Container: "c-1", MinLevel: WARN}

	l.Debug("client_123", "", "dropped", nil)
	l.Info("client_123", "", "dropped", nil)
	if buf.Len() != 0 {
		t.Fatalf("Expected DEBUG/INFO to be filtered, got %q", buf.String())
	}

	l.Warn("client_123", "", "kept", nil)
	l.Error("client_123", "", "kept", nil)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Errorf("Expected 2 entries at WARN and above, got %d", len(lines))
	}
}

// TestInfoWithDuration verifies duration is attached to fields
func TestInfoWithDuration(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)
	log.SetFlags(0)

	l := &Logger{Component: "engine", InstanceID: "i-1", Container: "c-1", MinLevel: INFO}
	l.InfoWithDuration("client_123", "req-1", "evaluated", 12.5, nil)

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("Failed to parse entry: %v", err)
	}

	if entry.Fields["duration_ms"] != 12.5 {
		t.Errorf("Expected duration_ms 12.5, got %v", entry.Fields["duration_ms"])
	}
}
