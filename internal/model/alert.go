package model

import (
	"fmt"
	"strings"
	"time"
)

// Level represents the priority level of an alert group and its notifications
type Level string

const (
	LevelLow    Level = "low"
	LevelNormal Level = "normal"
	LevelUrgent Level = "urgent"
)

// Levels lists the priority levels from least to most urgent
var Levels = []Level{LevelLow, LevelNormal, LevelUrgent}

// Rank returns the position of the level in Levels, or -1 when unknown
func (l Level) Rank() int {
	for i, level := range Levels {
		if level == l {
			return i
		}
	}
	return -1
}

// ParseLevel parses a level name case-insensitively
func ParseLevel(s string) (Level, error) {
	level := Level(strings.ToLower(strings.TrimSpace(s)))
	if level.Rank() < 0 {
		return "", fmt.Errorf("unknown level: %q", s)
	}
	return level, nil
}

// UpdateType represents the kind of state change an alert went through
type UpdateType string

const (
	UpdateRaised       UpdateType = "raised"
	UpdateUpdated      UpdateType = "updated"
	UpdateAcknowledged UpdateType = "acknowledged"
	UpdateCleared      UpdateType = "cleared"
)

// Alert is the view of an alert the notification engine works with.
// The alert record and its state transitions are owned elsewhere.
type Alert interface {
	ID() int64
	Raised() bool
	Acknowledged() bool
	Cleared() bool
	Level() Level
	Summary() string
	UpdateType() UpdateType
	// RaisedAt is the zero time when the alert has never been raised
	RaisedAt() time.Time
	// Field exposes public alert fields to group inclusion predicates
	Field(name string) (string, bool)
}

// AlertSnapshot is the serialisable state of an alert as received from ingestion
type AlertSnapshot struct {
	AlertID        int64      `json:"id"`
	Source         string     `json:"source"`
	Subject        string     `json:"subject"`
	Ref            string     `json:"alert_id"`
	SummaryText    string     `json:"summary"`
	Detail         string     `json:"detail,omitempty"`
	CurrentLevel   Level      `json:"level,omitempty"`
	Update         UpdateType `json:"update_type"`
	RaisedAtTime   *time.Time `json:"raised_at,omitempty"`
	ClearedAt      *time.Time `json:"cleared_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
}

func (a *AlertSnapshot) ID() int64 { return a.AlertID }

// Raised reports whether the alert is raised and not cleared
func (a *AlertSnapshot) Raised() bool {
	return a.RaisedAtTime != nil && a.ClearedAt == nil
}

func (a *AlertSnapshot) Acknowledged() bool { return a.AcknowledgedAt != nil && a.ClearedAt == nil }

func (a *AlertSnapshot) Cleared() bool { return a.ClearedAt != nil }

func (a *AlertSnapshot) Level() Level {
	if a.CurrentLevel == "" {
		return LevelNormal
	}
	return a.CurrentLevel
}

// Summary returns the summary, falling back to the subject and source
func (a *AlertSnapshot) Summary() string {
	if a.SummaryText != "" {
		return a.SummaryText
	}
	return fmt.Sprintf("%s on %s", a.Ref, a.Subject)
}

// UpdateType returns the recorded update type, deriving it from the timestamps when unset
func (a *AlertSnapshot) UpdateType() UpdateType {
	if a.Update != "" {
		return a.Update
	}
	switch {
	case a.ClearedAt != nil:
		return UpdateCleared
	case a.AcknowledgedAt != nil:
		return UpdateAcknowledged
	case a.RaisedAtTime != nil:
		return UpdateRaised
	default:
		return UpdateUpdated
	}
}

func (a *AlertSnapshot) RaisedAt() time.Time {
	if a.RaisedAtTime == nil {
		return time.Time{}
	}
	return *a.RaisedAtTime
}

// Field returns a public alert field by name
func (a *AlertSnapshot) Field(name string) (string, bool) {
	switch strings.ToLower(name) {
	case "source":
		return a.Source, true
	case "subject":
		return a.Subject, true
	case "alert_id":
		return a.Ref, true
	case "summary":
		return a.SummaryText, true
	case "detail":
		return a.Detail, true
	case "level":
		return string(a.Level()), true
	case "update_type":
		return string(a.UpdateType()), true
	case "acknowledged_by":
		return a.AcknowledgedBy, true
	default:
		return "", false
	}
}

func (a *AlertSnapshot) String() string {
	return fmt.Sprintf("#<Alert:%d %s from %s>", a.AlertID, a.Ref, a.Source)
}
