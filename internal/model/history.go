package model

import "time"

// HistoryType classifies audit log entries
type HistoryType string

const (
	HistoryNotification HistoryType = "notification"
	HistoryReminder     HistoryType = "reminder"
)

// HistoryEntry is an append-only audit log line about an alert
type HistoryEntry struct {
	ID        string      `json:"id"`
	AlertID   int64       `json:"alert_id"`
	Type      HistoryType `json:"type"`
	Event     string      `json:"event"`
	CreatedAt time.Time   `json:"created_at"`
}
