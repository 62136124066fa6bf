package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/airraid-tracker/internal/llm"
)

// Service turns the CSV sink into an XLSX workbook with the attack data
// flattened to one row per asset type, which is what spreadsheet consumers
// actually want.
type Service struct {
	logger *slog.Logger
}

func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger}
}

type sinkRow struct {
	messageID string
	date      string
	channel   string
	text      string
	report    *llm.AttackReport
}

// ReportsXLSX reads the sink file at path and returns workbook bytes.
func (s *Service) ReportsXLSX(path string) ([]byte, error) {
	start := time.Now()
	rows, err := s.readSink(path)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	const sheet = "Attack Reports"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)
	if defaultIndex, _ := f.GetSheetIndex("Sheet1"); defaultIndex != -1 {
		_ = f.DeleteSheet("Sheet1")
	}

	headers := []string{
		"Message ID",
		"Message Date",
		"Channel",
		"Report Date",
		"Asset Type",
		"Count",
		"Details",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	write := func(col, row int, v any) {
		cell, _ := excelize.CoordinatesToCellName(col, row)
		_ = f.SetCellValue(sheet, cell, v)
	}

	rowNum := 2
	for _, r := range rows {
		if r.report == nil || len(r.report.Counts) == 0 {
			write(1, rowNum, r.messageID)
			write(2, rowNum, r.date)
			write(3, rowNum, r.channel)
			if r.report != nil {
				write(4, rowNum, r.report.Date)
			}
			rowNum++
			continue
		}
		for _, c := range r.report.Counts {
			write(1, rowNum, r.messageID)
			write(2, rowNum, r.date)
			write(3, rowNum, r.channel)
			write(4, rowNum, r.report.Date)
			write(5, rowNum, c.Type)
			write(6, rowNum, c.Number)
			write(7, rowNum, c.AdditionalDetails)
			rowNum++
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	s.logger.Info("export complete",
		"rows", rowNum-2, "elapsed_ms", time.Since(start).Milliseconds())
	return buf.Bytes(), nil
}

func (s *Service) readSink(path string) ([]sinkRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sink: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read sink: %w", err)
	}

	var rows []sinkRow
	for i, rec := range records {
		if i == 0 || len(rec) < 5 {
			continue
		}
		row := sinkRow{messageID: rec[0], date: rec[1], channel: rec[2], text: rec[3]}
		if rec[4] != "" {
			var report llm.AttackReport
			if err := json.Unmarshal([]byte(rec[4]), &report); err != nil {
				s.logger.Warn("unparseable attack data, exporting row without it",
					"message_id", rec[0], "error", err)
			} else {
				row.report = &report
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
