package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordAttempt(t *testing.T) {
	before := testutil.ToFloat64(NotificationAttemptsTotal.WithLabelValues("email", "succeeded"))
	failedBefore := testutil.ToFloat64(NotificationAttemptsTotal.WithLabelValues("email", "failed"))

	RecordAttempt("email", true)
	RecordAttempt("email", true)
	RecordAttempt("email", false)

	assert.Equal(t, before+2, testutil.ToFloat64(NotificationAttemptsTotal.WithLabelValues("email", "succeeded")))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(NotificationAttemptsTotal.WithLabelValues("email", "failed")))
}

func TestRecordDispatch(t *testing.T) {
	before := testutil.ToFloat64(AlertsDispatchedTotal.WithLabelValues("default", "raised"))
	RecordDispatch("default", "raised", 20*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(AlertsDispatchedTotal.WithLabelValues("default", "raised")))
}

func TestRecordReminderAndSearch(t *testing.T) {
	before := testutil.ToFloat64(RemindersTotal.WithLabelValues(ReminderFired))
	RecordReminder(ReminderFired)
	assert.Equal(t, before+1, testutil.ToFloat64(RemindersTotal.WithLabelValues(ReminderFired)))

	before = testutil.ToFloat64(RecurrenceSearchesTotal.WithLabelValues(SearchNone))
	RecordSearch(SearchNone)
	assert.Equal(t, before+1, testutil.ToFloat64(RecurrenceSearchesTotal.WithLabelValues(SearchNone)))
}

func TestSetPendingReminders(t *testing.T) {
	SetPendingReminders(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(PendingReminders))
}
