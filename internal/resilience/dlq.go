package resilience

import (
	"time"

	"github.com/sells-group/revledger/internal/model"
)

// DeadLetter is a feed record that failed ingestion and is parked for
// later replay. Record holds the raw source payload as received.
type DeadLetter struct {
	ID           string             `json:"id"`
	SourceSystem model.SourceSystem `json:"source_system"`
	Record       []byte             `json:"record"`
	Error        string             `json:"error"`
	ErrorType    string             `json:"error_type"` // "transient" or "permanent"
	FailedStage  string             `json:"failed_stage,omitempty"`
	RetryCount   int                `json:"retry_count"`
	MaxRetries   int                `json:"max_retries"`
	NextRetryAt  time.Time          `json:"next_retry_at"`
	CreatedAt    time.Time          `json:"created_at"`
	LastFailedAt time.Time          `json:"last_failed_at"`
}

// DeadLetterFilter specifies criteria for draining the dead letter queue.
type DeadLetterFilter struct {
	SourceSystem model.SourceSystem `json:"source_system,omitempty"`
	ErrorType    string             `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	Limit        int                `json:"limit,omitempty"`
}

// CanRetry reports whether the record has retry budget left.
func (d *DeadLetter) CanRetry() bool {
	return d.RetryCount < d.MaxRetries
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
