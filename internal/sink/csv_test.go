package sink

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/airraid-tracker/internal/entity"
)

func testMessage(id int64) entity.Message {
	return entity.Message{
		ID:      id,
		Date:    time.Date(2025, 8, 21, 6, 30, 0, 0, time.UTC),
		Text:    "У ніч на 21 серпня ворог атакував, із них збито 45",
		Channel: "kpszsu",
	}
}

func okResult(id int64) entity.ExtractionResult {
	return entity.ExtractionResult{
		MessageID: id,
		Status:    entity.StatusOK,
		Fields:    []byte(`{"date":"2025-08-21","counts":[]}`),
		RawOutput: `{"date":"2025-08-21","counts":[]}`,
	}
}

func readRecords(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	require.NoError(t, err)
	return records
}

func TestAppendWritesHeaderAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	c, err := Open(path, "utf-8", nil)
	require.NoError(t, err)

	require.NoError(t, c.Append(testMessage(10), okResult(10)))
	require.NoError(t, c.Append(testMessage(11), okResult(11)))
	require.NoError(t, c.Close())

	records := readRecords(t, path)
	require.Len(t, records, 3)
	assert.Equal(t, header, records[0])
	assert.Equal(t, "10", records[1][0])
	assert.Equal(t, "2025-08-21T06:30:00Z", records[1][1])
	assert.Equal(t, "kpszsu", records[1][2])
	assert.Equal(t, "11", records[2][0])
}

func TestHeaderWrittenOnceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")

	c, err := Open(path, "utf-8", nil)
	require.NoError(t, err)
	require.NoError(t, c.Append(testMessage(1), okResult(1)))
	require.NoError(t, c.Close())

	c, err = Open(path, "utf-8", nil)
	require.NoError(t, err)
	require.NoError(t, c.Append(testMessage(2), okResult(2)))
	require.NoError(t, c.Close())

	records := readRecords(t, path)
	require.Len(t, records, 3, "exactly one header plus two rows")
	assert.Equal(t, header, records[0])
}

func TestBOMEncodingPrefixesNewFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	c, err := Open(path, "utf-8-bom", nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), 3)
	assert.Equal(t, utf8BOM, data[:3])

	// Reopening must not add a second BOM.
	c, err = Open(path, "utf-8-bom", nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	again, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestLoadIDsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	c, err := Open(path, "utf-8-bom", nil)
	require.NoError(t, err)
	require.NoError(t, c.Append(testMessage(100), okResult(100)))
	require.NoError(t, c.Append(testMessage(200), okResult(200)))
	require.NoError(t, c.Close())

	ids, err := LoadIDs(path)
	require.NoError(t, err)
	assert.Equal(t, map[int64]struct{}{100: {}, 200: {}}, ids)
}

func TestLoadIDsMissingFileMeansEmpty(t *testing.T) {
	ids, err := LoadIDs(filepath.Join(t.TempDir(), "nope.csv"))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAppendQuotesMultilineText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	c, err := Open(path, "utf-8", nil)
	require.NoError(t, err)

	msg := testMessage(5)
	msg.Text = "перший рядок\nдругий рядок, з комою"
	require.NoError(t, c.Append(msg, okResult(5)))
	require.NoError(t, c.Close())

	records := readRecords(t, path)
	require.Len(t, records, 2)
	assert.Equal(t, msg.Text, records[1][3], "newlines and commas survive the round trip")
}
