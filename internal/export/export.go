// Package export writes the local punch queue as an xlsx workbook for
// supervisors reconciling a device that has been offline.
package export

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/akattendance/punchsync/internal/punch"
)

// SheetName is the name of the single worksheet.
const SheetName = "Queue"

var header = []any{
	"ID", "Labor ID", "Department", "Date", "Time", "Type",
	"Location", "Confidence", "Has Photo", "Synced", "Created At", "Synced At",
}

// WriteWorkbook writes punches, one row each, in the given order.
func WriteWorkbook(w io.Writer, punches []punch.QueuedPunch) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i, qp := range punches {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := rowOf(qp)
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return fmt.Errorf("write punch %d: %w", qp.ID, err)
		}
	}

	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func rowOf(qp punch.QueuedPunch) []any {
	syncedAt := ""
	if qp.SyncedAt != nil {
		syncedAt = qp.SyncedAt.UTC().Format(time.RFC3339)
	}
	return []any{
		qp.ID,
		qp.LaborID,
		qp.DepartmentID,
		qp.Date,
		qp.Time,
		string(qp.Type),
		qp.LocationName,
		strconv.FormatFloat(qp.Confidence, 'f', 2, 64),
		yesNo(qp.HasPhoto()),
		yesNo(qp.Synced),
		qp.CreatedAt.UTC().Format(time.RFC3339),
		syncedAt,
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
