package monitoring

import (
	"strings"
	"time"
)

// AdjustActiveSessions modifies the live session gauge by delta.
func AdjustActiveSessions(delta int64) {
	module := ensureModule()
	if module == nil || delta == 0 {
		return
	}
	module.metrics.activeSessions.Add(float64(delta))
}

// RecordParticipantEvent counts a participant lifecycle transition.
func RecordParticipantEvent(event string) {
	module := ensureModule()
	if module == nil {
		return
	}
	module.metrics.participantEvents.WithLabelValues(normalizeLabel(event)).Inc()
}

// RecordOperation counts an edit operation by its final status.
func RecordOperation(status string) {
	module := ensureModule()
	if module == nil {
		return
	}
	module.metrics.operations.WithLabelValues(normalizeLabel(status)).Inc()
}

// RecordConflictResolved counts a resolved conflict by strategy.
func RecordConflictResolved(strategy string) {
	module := ensureModule()
	if module == nil {
		return
	}
	module.metrics.conflictsResolved.WithLabelValues(normalizeLabel(strategy)).Inc()
}

// RecordBroadcast counts an event published to a session stream.
func RecordBroadcast(event string) {
	module := ensureModule()
	if module == nil {
		return
	}
	module.metrics.broadcasts.WithLabelValues(normalizeLabel(event)).Inc()
}

// RecordBroadcastFailure counts a dropped or failed delivery.
func RecordBroadcastFailure(event string) {
	module := ensureModule()
	if module == nil {
		return
	}
	module.metrics.broadcastFailures.WithLabelValues(normalizeLabel(event)).Inc()
}

// RecordHeartbeat counts a processed participant heartbeat.
func RecordHeartbeat() {
	module := ensureModule()
	if module == nil {
		return
	}
	module.metrics.heartbeats.Inc()
}

// RecordComment counts an appended comment event.
func RecordComment() {
	module := ensureModule()
	if module == nil {
		return
	}
	module.metrics.commentsRecorded.Inc()
}

// RecordControlCommand counts a session control command and its outcome.
func RecordControlCommand(command, result string) {
	module := ensureModule()
	if module == nil {
		return
	}
	module.metrics.controlCommands.WithLabelValues(normalizeLabel(command), normalizeLabel(result)).Inc()
}

// ObserveSequencerWait captures time spent waiting on the per-session lock.
func ObserveSequencerWait(duration time.Duration) {
	module := ensureModule()
	if module == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	module.metrics.sequencerWaitTime.Observe(duration.Seconds())
}

// ObserveAPILatency captures the HTTP request latency for the supplied route.
func ObserveAPILatency(method, path, status string, duration time.Duration) {
	module := ensureModule()
	if module == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "UNKNOWN"
	}
	path = strings.TrimSpace(path)
	if path == "" {
		path = "unknown"
	}
	status = strings.TrimSpace(status)
	if status == "" {
		status = "unknown"
	}
	module.metrics.apiLatency.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordMaintenanceRun counts a background job execution by result.
func RecordMaintenanceRun(job, result string) {
	module := ensureModule()
	if module == nil {
		return
	}
	module.metrics.maintenanceRuns.WithLabelValues(normalizeLabel(job), normalizeLabel(result)).Inc()
}

func normalizeLabel(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "unknown"
	}
	return value
}
