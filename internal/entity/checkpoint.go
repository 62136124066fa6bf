package entity

import "time"

// Checkpoint is the persisted processing progress for one session.
type Checkpoint struct {
	ProcessedIDs map[int64]ResultStatus `json:"processed_ids"`
	// Cursor is the oldest message ID reached during reverse-chronological
	// iteration; 0 means iteration has not started.
	Cursor      int64     `json:"cursor"`
	LastUpdated time.Time `json:"last_updated"`
}

// IsProcessed reports whether id already has a terminal outcome.
func (c *Checkpoint) IsProcessed(id int64) bool {
	_, ok := c.ProcessedIDs[id]
	return ok
}
