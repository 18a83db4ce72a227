// Package metrics defines the Prometheus metrics of the notification engine.
//
// Metrics are registered with the default Prometheus registry and served by
// cmd/server on the configured metrics address.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// AlertsDispatchedTotal counts alert changes routed to a group.
	AlertsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertnotifier_alerts_dispatched_total",
			Help: "Total alert changes dispatched, by group and update type.",
		},
		[]string{"group", "update_type"},
	)

	// NotificationAttemptsTotal counts delivery channel invocations.
	NotificationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertnotifier_notification_attempts_total",
			Help: "Total delivery attempts by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)

	// SuppressedTotal counts notifications withheld by rate limiting.
	SuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertnotifier_suppressed_total",
			Help: "Total notifications suppressed by per-person thresholds.",
		},
		[]string{"person"},
	)

	// RemindersTotal counts reminder outcomes.
	RemindersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertnotifier_reminders_total",
			Help: "Total reminders processed, by result.",
		},
		[]string{"result"},
	)

	// RecurrenceSearchesTotal counts next-occurrence searches by result.
	RecurrenceSearchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertnotifier_recurrence_searches_total",
			Help: "Total during-clause recurrence searches, by result.",
		},
		[]string{"result"},
	)

	// DispatchDurationSeconds is a histogram of time spent notifying one alert change.
	DispatchDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alertnotifier_dispatch_duration_seconds",
			Help:    "Time spent dispatching one alert change.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// PendingReminders is the number of records carrying a reminder.
	PendingReminders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "alertnotifier_pending_reminders",
			Help: "Number of alert changed records with a pending reminder.",
		},
	)

	// HostCPUPercent is the host CPU usage at the last sample.
	HostCPUPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "alertnotifier_host_cpu_percent",
			Help: "Host CPU usage in percent.",
		},
	)

	// HostMemoryPercent is the host memory usage at the last sample.
	HostMemoryPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "alertnotifier_host_memory_percent",
			Help: "Host memory usage in percent.",
		},
	)
)

// Reminder results
const (
	ReminderFired   = "fired"
	ReminderCleared = "cleared"
	ReminderDeleted = "deleted"
	ReminderFailed  = "failed"
)

// Recurrence search results
const (
	SearchFound     = "found"
	SearchNone      = "none"
	SearchExhausted = "exhausted"
)

func init() {
	prometheus.MustRegister(
		AlertsDispatchedTotal,
		NotificationAttemptsTotal,
		SuppressedTotal,
		RemindersTotal,
		RecurrenceSearchesTotal,
		DispatchDurationSeconds,
		PendingReminders,
		HostCPUPercent,
		HostMemoryPercent,
	)
}

// RecordDispatch records one alert change routed to group.
func RecordDispatch(group, updateType string, duration time.Duration) {
	AlertsDispatchedTotal.WithLabelValues(group, updateType).Inc()
	DispatchDurationSeconds.Observe(duration.Seconds())
}

// RecordAttempt records one channel invocation.
func RecordAttempt(channel string, ok bool) {
	outcome := "failed"
	if ok {
		outcome = "succeeded"
	}
	NotificationAttemptsTotal.WithLabelValues(channel, outcome).Inc()
}

func RecordSuppressed(person string) {
	SuppressedTotal.WithLabelValues(person).Inc()
}

func RecordReminder(result string) {
	RemindersTotal.WithLabelValues(result).Inc()
}

func RecordSearch(result string) {
	RecurrenceSearchesTotal.WithLabelValues(result).Inc()
}

// SetPendingReminders records the current pending reminder count.
func SetPendingReminders(n int) {
	PendingReminders.Set(float64(n))
}

// SetHostUsage records a host resource sample.
func SetHostUsage(cpuPercent, memPercent float64) {
	HostCPUPercent.Set(cpuPercent)
	HostMemoryPercent.Set(memPercent)
}
