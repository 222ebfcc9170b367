// Package observability wraps sentry-go so the lock manager's deadlock
// detector has one place to report victim selections without importing
// sentry directly. A no-op when no DSN is configured, so tests and
// examples never need network access.
package observability

import (
	"sync"

	"github.com/getsentry/sentry-go"
)

var (
	initOnce sync.Once
	enabled  bool
)

// Init configures sentry-go with dsn. Safe to call once; later calls are
// no-ops. An empty dsn leaves reporting disabled.
func Init(dsn string) error {
	if dsn == "" {
		return nil
	}
	var initErr error
	initOnce.Do(func() {
		initErr = sentry.Init(sentry.ClientOptions{Dsn: dsn})
		enabled = initErr == nil
	})
	return initErr
}

// ReportDeadlockVictim alerts that txnID was aborted by the cycle
// detector, tagging the event so it can be filtered in Sentry by kind.
// traceID identifies the detection tick that found the cycle, so repeated
// alerts from the same tick (one per victim, on a multi-cycle tick) can be
// correlated.
func ReportDeadlockVictim(txnID int64, cycle []int64, traceID string) {
	if !enabled {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("kind", "deadlock_victim")
		scope.SetTag("trace_id", traceID)
		scope.SetContext("cycle", map[string]interface{}{
			"victim_txn_id": txnID,
			"cycle":         cycle,
		})
		sentry.CaptureMessage("deadlock detector aborted a transaction")
	})
}

// ReportBufferPoolOOM alerts that instanceID's buffer pool failed to find
// an evictable frame for a new page.
func ReportBufferPoolOOM(instanceID string) {
	if !enabled {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("kind", "bufferpool_oom")
		scope.SetTag("instance_id", instanceID)
		sentry.CaptureMessage("buffer pool exhausted: no evictable frame")
	})
}
