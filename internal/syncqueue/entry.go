package syncqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/tillsync/internal/model"
)

// Status of a queue entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusFailed     Status = "failed"
	StatusSynced     Status = "synced"
)

// Entry is one durably queued remote operation.
//
// Seq orders replay. DependsOn lists logical ids that must not be parked
// ahead of this entry; a refund carries its sale. Attempts only increases;
// RetryBase is the value of Attempts at the last manual RetryFailed, so the
// attempt ceiling counts from there.
type Entry struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	OpType        model.OpType    `json:"opType"`
	LogicalID     string          `json:"logicalId"`
	DependsOn     []string        `json:"dependsOn,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
	Attempts      uint32          `json:"attempts"`
	RetryBase     uint32          `json:"retryBase,omitempty"`
	Status        Status          `json:"status"`
	LastError     string          `json:"lastError,omitempty"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
	NextAttemptAt *time.Time      `json:"nextAttemptAt,omitempty"`
	SyncedAt      *time.Time      `json:"syncedAt,omitempty"`
}

// Decode unmarshals the payload into out.
func (e Entry) Decode(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return &Error{Code: ErrCodeBadPayload, Message: err.Error(), EntryID: e.ID}
	}
	return nil
}

// attemptsSinceRetry is the number of attempts counted against the ceiling.
func (e Entry) attemptsSinceRetry() uint32 {
	if e.RetryBase > e.Attempts {
		return 0
	}
	return e.Attempts - e.RetryBase
}

// heldBy reports whether the entry's own logical id, or one it depends on,
// is in held.
func (e Entry) heldBy(held map[string]bool) bool {
	if held[e.LogicalID] {
		return true
	}
	for _, d := range e.DependsOn {
		if held[d] {
			return true
		}
	}
	return false
}

// eligible reports whether the backoff window has passed at now.
func (e Entry) eligible(now time.Time) bool {
	return e.NextAttemptAt == nil || !now.Before(*e.NextAttemptAt)
}

// seqKey is the storage key: zero padded so key order is seq order.
func seqKey(seq int64) string {
	return fmt.Sprintf("%020d", seq)
}

// QueueStatus aggregates the queue for UI indicators.
type QueueStatus struct {
	PendingCount    int        `json:"pendingCount"`
	ProcessingCount int        `json:"processingCount"`
	FailedCount     int        `json:"failedCount"`
	SyncedCount     int        `json:"syncedCount"`
	IsProcessing    bool       `json:"isProcessing"`
	LastSyncTime    *time.Time `json:"lastSyncTime,omitempty"`
}

// DrainResult summarizes one pass of the replay worker.
type DrainResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	// Retrying counts entries that failed transiently and are in backoff.
	Retrying int `json:"retrying"`
	Purged   int `json:"purged"`
	// Blocked is set when the head entry is still in its backoff window.
	Blocked bool `json:"blocked"`
}
