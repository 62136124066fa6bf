package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/joseph-ayodele/airraid-tracker/internal/common"
	"github.com/joseph-ayodele/airraid-tracker/internal/entity"
)

const schema = `
CREATE TABLE IF NOT EXISTS processed_messages (
	session_id   TEXT    NOT NULL,
	message_id   INTEGER NOT NULL,
	status       TEXT    NOT NULL,
	processed_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, message_id)
);
CREATE TABLE IF NOT EXISTS cursors (
	session_id        TEXT PRIMARY KEY,
	oldest_message_id INTEGER NOT NULL,
	updated_at        TIMESTAMP NOT NULL
);`

// Store persists the processed-message set and iteration cursor for one
// session. Every mutation is written through to SQLite before it is visible
// in memory, so a crash loses at most the in-flight item.
type Store struct {
	db      *sql.DB
	session string
	logger  *slog.Logger

	mu        sync.Mutex
	processed map[int64]entity.ResultStatus
	cursor    int64
}

// Open opens (creating if absent) the checkpoint database at path. Any
// failure to open or prepare the schema is reported as checkpoint corruption:
// silently starting from scratch would duplicate output.
func Open(ctx context.Context, path, sessionID string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, common.NewAppError("CHECKPOINT_OPEN", "open checkpoint database", common.ErrCheckpointCorrupt)
	}
	// Serialized access; the orchestrator finalizes one completion at a time
	// and SQLite locks the whole file anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, common.NewAppError("CHECKPOINT_SCHEMA",
			fmt.Sprintf("prepare checkpoint schema: %v", err), common.ErrCheckpointCorrupt)
	}

	return &Store{
		db:        db,
		session:   sessionID,
		logger:    logger,
		processed: make(map[int64]entity.ResultStatus),
	}, nil
}

// Load reads the persisted checkpoint into memory and returns a copy. A
// database with no rows for the session is an empty checkpoint, not an error.
func (s *Store) Load(ctx context.Context) (*entity.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, status FROM processed_messages WHERE session_id = ?`, s.session)
	if err != nil {
		return nil, common.NewAppError("CHECKPOINT_LOAD",
			fmt.Sprintf("scan processed messages: %v", err), common.ErrCheckpointCorrupt)
	}
	defer rows.Close()

	processed := make(map[int64]entity.ResultStatus)
	for rows.Next() {
		var id int64
		var status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, common.NewAppError("CHECKPOINT_LOAD",
				fmt.Sprintf("scan processed row: %v", err), common.ErrCheckpointCorrupt)
		}
		processed[id] = entity.ResultStatus(status)
	}
	if err := rows.Err(); err != nil {
		return nil, common.NewAppError("CHECKPOINT_LOAD",
			fmt.Sprintf("iterate processed rows: %v", err), common.ErrCheckpointCorrupt)
	}

	var cursor int64
	err = s.db.QueryRowContext(ctx,
		`SELECT oldest_message_id FROM cursors WHERE session_id = ?`, s.session).Scan(&cursor)
	if err != nil && err != sql.ErrNoRows {
		return nil, common.NewAppError("CHECKPOINT_LOAD",
			fmt.Sprintf("read cursor: %v", err), common.ErrCheckpointCorrupt)
	}

	s.mu.Lock()
	s.processed = processed
	s.cursor = cursor
	s.mu.Unlock()

	s.logger.Info("checkpoint loaded",
		"session_id", s.session, "processed", len(processed), "cursor", cursor)

	out := make(map[int64]entity.ResultStatus, len(processed))
	for id, st := range processed {
		out[id] = st
	}
	return &entity.Checkpoint{ProcessedIDs: out, Cursor: cursor, LastUpdated: time.Now()}, nil
}

// IsProcessed is an O(1) membership check against the in-memory set.
func (s *Store) IsProcessed(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[id]
	return ok
}

// MarkProcessed records a terminal outcome for id. Idempotent: marking the
// same id twice is a no-op, and the first recorded status wins.
func (s *Store) MarkProcessed(ctx context.Context, id int64, status entity.ResultStatus) error {
	s.mu.Lock()
	if _, ok := s.processed[id]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_messages (session_id, message_id, status, processed_at)
		 VALUES (?, ?, ?, ?) ON CONFLICT (session_id, message_id) DO NOTHING`,
		s.session, id, string(status), time.Now().UTC())
	if err != nil {
		return common.WrapError(err, "persist processed message")
	}

	s.mu.Lock()
	s.processed[id] = status
	s.mu.Unlock()
	return nil
}

// Unmark removes id from the processed set so it is dispatched again.
func (s *Store) Unmark(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_messages WHERE session_id = ? AND message_id = ?`, s.session, id)
	if err != nil {
		return common.WrapError(err, "unmark processed message")
	}
	s.mu.Lock()
	delete(s.processed, id)
	s.mu.Unlock()
	return nil
}

// AdvanceCursor records the oldest message ID seen during iteration. The
// cursor only moves downward; a larger id than the stored one is ignored.
func (s *Store) AdvanceCursor(ctx context.Context, id int64) error {
	s.mu.Lock()
	if s.cursor != 0 && id >= s.cursor {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors (session_id, oldest_message_id, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET oldest_message_id = excluded.oldest_message_id,
		 updated_at = excluded.updated_at`,
		s.session, id, time.Now().UTC())
	if err != nil {
		return common.WrapError(err, "persist cursor")
	}

	s.mu.Lock()
	s.cursor = id
	s.mu.Unlock()
	return nil
}

// Cursor returns the current iteration cursor (0 when unset).
func (s *Store) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Reconcile compares the loaded checkpoint against the IDs actually present
// in the sink. An id marked ok with no sink row is the crash window between
// the checkpoint write and the sink write; such ids are unmarked so they are
// reprocessed instead of silently gapped. Returns the reclaimed ids.
func (s *Store) Reconcile(ctx context.Context, sinkIDs map[int64]struct{}) ([]int64, error) {
	s.mu.Lock()
	var missing []int64
	for id, status := range s.processed {
		if status != entity.StatusOK {
			continue
		}
		if _, ok := sinkIDs[id]; !ok {
			missing = append(missing, id)
		}
	}
	s.mu.Unlock()

	for _, id := range missing {
		s.logger.Warn("checkpoint marked ok but sink row missing, reprocessing",
			"session_id", s.session, "message_id", id)
		if err := s.Unmark(ctx, id); err != nil {
			return nil, err
		}
	}
	return missing, nil
}

// ProcessedCount returns the size of the in-memory processed set.
func (s *Store) ProcessedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processed)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
