package chat

import "time"

// CompressionStatus classifies the outcome of a compression attempt.
type CompressionStatus string

const (
	// StatusNoop means the history was below the trigger threshold.
	StatusNoop CompressionStatus = "noop"
	// StatusCompressed means the history was replaced by a summary pair plus
	// the preserved tail.
	StatusCompressed CompressionStatus = "compressed"
	// StatusFailedEmptySummary means the model returned no usable summary.
	StatusFailedEmptySummary CompressionStatus = "failed_empty_summary"
	// StatusFailedInflatedTokens means the compressed history would not have
	// been smaller than the original.
	StatusFailedInflatedTokens CompressionStatus = "failed_inflated_token_count"
	// StatusFailedError means the summarization call itself failed.
	StatusFailedError CompressionStatus = "failed_error"
)

// Compressed reports whether the status represents a successful compression.
func (s CompressionStatus) Compressed() bool { return s == StatusCompressed }

// Checkpoint records that history before a point was replaced by a summary.
// Reconstruction uses Snapshot plus only the turns recorded after the
// checkpoint, keeping replay cost bounded regardless of session age.
type Checkpoint struct {
	OriginalTokens int               `json:"originalTokenCount"`
	NewTokens      int               `json:"newTokenCount"`
	Status         CompressionStatus `json:"status"`
	Snapshot       []Turn            `json:"compressedHistorySnapshot,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}
