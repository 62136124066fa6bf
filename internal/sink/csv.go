package sink

import (
	"encoding/csv"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joseph-ayodele/airraid-tracker/internal/common"
	"github.com/joseph-ayodele/airraid-tracker/internal/entity"
)

var header = []string{
	"message_id", "date", "channel_username", "message_text",
	"attack_data", "raw_model_output",
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSV is the append-only result sink. One row per ok extraction; rows are
// never rewritten.
type CSV struct {
	mu     sync.Mutex
	file   *os.File
	w      *csv.Writer
	path   string
	logger *slog.Logger
}

// Open opens the sink at path for appending, writing the header (and a BOM
// when encoding is "utf-8-bom") if the file is new.
func Open(path, encoding string, logger *slog.Logger) (*CSV, error) {
	if logger == nil {
		logger = slog.Default()
	}
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, common.WrapError(err, "open output file")
	}

	c := &CSV{file: f, w: csv.NewWriter(f), path: path, logger: logger}
	if fresh {
		if encoding == "utf-8-bom" {
			if _, err := f.Write(utf8BOM); err != nil {
				_ = f.Close()
				return nil, common.WrapError(err, "write BOM")
			}
		}
		if err := c.w.Write(header); err != nil {
			_ = f.Close()
			return nil, common.WrapError(err, "write header")
		}
		c.w.Flush()
		if err := c.w.Error(); err != nil {
			_ = f.Close()
			return nil, common.WrapError(err, "flush header")
		}
		logger.Info("created output file", "path", path)
	}
	return c, nil
}

// Append writes one result row and flushes it to disk before returning.
func (c *CSV) Append(msg entity.Message, res entity.ExtractionResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	record := []string{
		strconv.FormatInt(msg.ID, 10),
		msg.Date.UTC().Format(time.RFC3339),
		msg.Channel,
		msg.Text,
		string(res.Fields),
		res.RawOutput,
	}
	if err := c.w.Write(record); err != nil {
		return common.WrapError(err, "append row")
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return common.WrapError(err, "flush row")
	}
	if err := c.file.Sync(); err != nil {
		return common.WrapError(err, "sync output file")
	}
	c.logger.Debug("appended row", "message_id", msg.ID, "path", c.path)
	return nil
}

// Flush forces buffered rows to disk.
func (c *CSV) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return err
	}
	return c.file.Sync()
}

// Close flushes and closes the sink.
func (c *CSV) Close() error {
	if err := c.Flush(); err != nil {
		_ = c.file.Close()
		return err
	}
	return c.file.Close()
}

// LoadIDs reads the message IDs already present in the sink at path. A
// missing file means no prior rows. Used at startup to reconcile the
// checkpoint against what actually reached the output.
func LoadIDs(path string) (map[int64]struct{}, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return map[int64]struct{}{}, nil
	}
	if err != nil {
		return nil, common.WrapError(err, "open output file")
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, common.WrapError(err, "read output file")
	}

	ids := make(map[int64]struct{})
	for i, rec := range records {
		// Row 0 is the header; a BOM, when present, sits inside its first field.
		if i == 0 || len(rec) == 0 {
			continue
		}
		if id, err := strconv.ParseInt(rec[0], 10, 64); err == nil {
			ids[id] = struct{}{}
		}
	}
	return ids, nil
}
