package export

import (
	"fmt"
	"io"
	"time"

	"fieldsync/internal/models"

	"github.com/xuri/excelize/v2"
)

const SheetName = "Pending"

var headers = []string{"ID", "Kind", "Resource", "Enqueued At", "Retry Count", "Payload"}

// WritePendingWorkbook renders ops, oldest first, as an xlsx workbook into w.
// Rows close to eviction are highlighted.
func WritePendingWorkbook(w io.Writer, ops []models.PendingOperation) error {
	f := excelize.NewFile()
	defer f.Close()

	if _, err := f.NewSheet(SheetName); err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}
	_ = f.DeleteSheet("Sheet1")
	if index, err := f.GetSheetIndex(SheetName); err == nil {
		f.SetActiveSheet(index)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	if err != nil {
		return fmt.Errorf("error creating header style: %w", err)
	}
	retryingStyle, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#FFF2CC"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("error creating retry style: %w", err)
	}
	criticalStyle, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#F8CBAD"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("error creating critical style: %w", err)
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(SheetName, cell, h)
	}
	lastCol, _ := excelize.ColumnNumberToName(len(headers))
	_ = f.SetCellStyle(SheetName, "A1", lastCol+"1", headerStyle)

	sorted := models.CloneOperations(ops)
	models.SortByEnqueuedAt(sorted)

	for i, op := range sorted {
		row := i + 2
		values := []interface{}{
			op.ID,
			op.Kind.String(),
			op.Resource,
			op.EnqueuedTime().UTC().Format(time.RFC3339),
			op.RetryCount,
			string(op.Payload),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(SheetName, cell, v)
		}

		style := 0
		switch {
		case op.RetryCount >= models.MaxRetries-1:
			style = criticalStyle
		case op.RetryCount > 0:
			style = retryingStyle
		}
		if style != 0 {
			first, _ := excelize.CoordinatesToCellName(1, row)
			last, _ := excelize.CoordinatesToCellName(len(headers), row)
			_ = f.SetCellStyle(SheetName, first, last, style)
		}
	}

	_ = f.SetColWidth(SheetName, "A", "A", 38)
	_ = f.SetColWidth(SheetName, "B", "C", 14)
	_ = f.SetColWidth(SheetName, "D", "D", 22)
	_ = f.SetColWidth(SheetName, "E", "E", 12)
	_ = f.SetColWidth(SheetName, "F", "F", 60)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("error writing workbook: %w", err)
	}
	return nil
}
