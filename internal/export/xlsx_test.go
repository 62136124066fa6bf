package export

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const sampleSink = `message_id,date,channel_username,message_text,attack_data,raw_model_output
100,2025-08-21T06:30:00Z,kpszsu,"У ніч на 21 серпня","{""date"":""2025-08-21"",""counts"":[{""type"":""Shahed-type UAV"",""number"":49,""additional_details"":""45 shot down""},{""type"":""Iskander-M"",""number"":2}]}",raw
101,2025-08-22T06:30:00Z,kpszsu,"У ніч на 22 серпня","{""date"":""2025-08-22"",""counts"":[]}",raw
`

func writeSink(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sink.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReportsXLSXFlattensCounts(t *testing.T) {
	svc := NewService(nil)
	data, err := svc.ReportsXLSX(writeSink(t, sampleSink))
	require.NoError(t, err)

	wb, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer wb.Close()

	rows, err := wb.GetRows("Attack Reports")
	require.NoError(t, err)
	// Header, two asset-type rows for message 100, one empty-counts row for 101.
	require.Len(t, rows, 4)
	assert.Equal(t, "Message ID", rows[0][0])

	assert.Equal(t, "100", rows[1][0])
	assert.Equal(t, "Shahed-type UAV", rows[1][4])
	assert.Equal(t, "49", rows[1][5])
	assert.Equal(t, "45 shot down", rows[1][6])

	assert.Equal(t, "100", rows[2][0])
	assert.Equal(t, "Iskander-M", rows[2][4])

	assert.Equal(t, "101", rows[3][0])
	assert.Equal(t, "2025-08-22", rows[3][3])
}

func TestReportsXLSXToleratesBadAttackData(t *testing.T) {
	sink := "message_id,date,channel_username,message_text,attack_data,raw_model_output\n" +
		`42,2025-08-21T06:30:00Z,kpszsu,text,not-json,raw` + "\n"
	svc := NewService(nil)
	data, err := svc.ReportsXLSX(writeSink(t, sink))
	require.NoError(t, err)

	wb, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer wb.Close()

	rows, err := wb.GetRows("Attack Reports")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "42", rows[1][0])
}

func TestReportsXLSXMissingSink(t *testing.T) {
	svc := NewService(nil)
	_, err := svc.ReportsXLSX(filepath.Join(t.TempDir(), "nope.csv"))
	require.Error(t, err)
}
