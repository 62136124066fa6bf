package entity

import (
	"encoding/json"
	"time"
)

// Message is a single channel post, immutable once fetched. IDs are assigned
// by Telegram and increase monotonically within a channel.
type Message struct {
	ID      int64     `json:"message_id"`
	Date    time.Time `json:"date"`
	Text    string    `json:"message_text"`
	Channel string    `json:"channel_username"`
}

// ResultStatus is the terminal outcome of processing one message.
type ResultStatus string

const (
	// StatusOK means structured fields were extracted and a sink row exists.
	StatusOK ResultStatus = "ok"
	// StatusSkipped means the message carried no extractable attack data
	// (failed the exact-phrase re-check, or the model reported no data).
	StatusSkipped ResultStatus = "skipped-non-matching"
	// StatusFailed means extraction was abandoned after exhausting retries
	// or repair attempts. The message is not retried on resume.
	StatusFailed ResultStatus = "failed-permanent"
)

// ExtractionResult is produced exactly once per dispatched message.
type ExtractionResult struct {
	MessageID int64           `json:"message_id"`
	Status    ResultStatus    `json:"status"`
	Fields    json.RawMessage `json:"fields,omitempty"`
	RawOutput string          `json:"raw_output,omitempty"`
	Error     string          `json:"error,omitempty"`
}
