package dispatcher

import "time"

const (
	DefaultStream     = "ALERTS"
	DefaultSubject    = "alert.changed"
	DefaultQueue      = "alert_dispatchers"
	DefaultDurable    = "alert-dispatcher"
	DefaultAckWait    = 30 * time.Second
	DefaultMaxDeliver = 5

	streamMaxAge     = 24 * time.Hour
	streamMaxMsgSize = 1 * 1024 * 1024
	streamDuplicates = time.Hour
	operationTimeout = 30 * time.Second

	drainPollInterval = 10 * time.Millisecond
)
