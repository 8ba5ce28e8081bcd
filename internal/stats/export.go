package stats

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

var exportColumns = []string{
	"Model", "Total", "Succeeded", "Failed",
	"Avg total ms", "Avg download ms", "Avg convert ms", "Avg transcribe ms",
	"Transcribe ms/audio sec", "Rate samples", "Download ms/MB", "Download samples",
	"Last job", "Last error",
}

// WriteWorkbook writes every section as one row of an xlsx sheet.
func (s *Store) WriteWorkbook(ctx context.Context, w io.Writer) error {
	sections := s.Sections(ctx)

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Stats"
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	for i, col := range exportColumns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheetName, cell, col)
	}

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})
	lastCol, _ := excelize.CoordinatesToCellName(len(exportColumns), 1)
	f.SetCellStyle(sheetName, "A1", lastCol, headerStyle)

	for r, sec := range sections {
		ms := sec.Stats
		lastJob := ""
		if ms.LastJobAt != nil {
			lastJob = ms.LastJobAt.Format(time.RFC3339)
		}
		row := []interface{}{
			sec.Key, ms.TotalJobs, ms.SuccessJobs, ms.FailedJobs,
			ms.AvgTotalMs, ms.AvgDownloadMs, ms.AvgConvertMs, ms.AvgAsrMs,
			ms.AvgAsrMsPerAudioSec, ms.AsrRateSamples, ms.AvgDownloadMsPerMb, ms.DownloadRateSamples,
			lastJob, ms.LastError,
		}
		cell, _ := excelize.CoordinatesToCellName(1, r+2)
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", r+2, err)
		}
	}

	for i := range exportColumns {
		colName, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(sheetName, colName, colName, 18)
	}

	return f.Write(w)
}
