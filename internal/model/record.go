package model

import (
	"fmt"
	"time"
)

// AlertChangedRecord records one notification decision for one person about one alert.
// A non-nil RemindAt marks a pending reminder.
type AlertChangedRecord struct {
	ID          int64      `json:"id"`
	AlertID     int64      `json:"alert_id"`
	Person      string     `json:"person"`
	Rule        string     `json:"rule,omitempty"`
	At          time.Time  `json:"at"`
	WasRelevant bool       `json:"was_relevant"`
	Level       Level      `json:"level"`
	UpdateType  UpdateType `json:"update_type"`
	RemindAt    *time.Time `json:"remind_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Pending reports whether the record carries a reminder
func (r *AlertChangedRecord) Pending() bool {
	return r.RemindAt != nil
}

// Newer reports whether r sorts after other by (At, ID)
func (r *AlertChangedRecord) Newer(other *AlertChangedRecord) bool {
	if !r.At.Equal(other.At) {
		return r.At.After(other.At)
	}
	return r.ID > other.ID
}

func (r *AlertChangedRecord) String() string {
	return fmt.Sprintf("#<AlertChanged:%d of %d for %s update_type %s>", r.ID, r.AlertID, r.Person, r.UpdateType)
}
