// Package export renders the certificate requests of one subject as an XLSX workbook.
package export

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/shrimpsizemoose/trekker/logger"
	"github.com/xuri/excelize/v2"

	"github.com/shrimpsizemoose/avlokan/internal/models"
	"github.com/shrimpsizemoose/avlokan/internal/store"
)

const SheetName = "Requests"

var Headers = []string{
	"Request ID",
	"Student",
	"Roll Number",
	"Status",
	"Verified",
	"Marks",
	"Remark",
	"Updated At",
	"Due Date",
}

type Reporter struct {
	store store.CertificateStore
}

func NewReporter(st store.CertificateStore) *Reporter {
	return &Reporter{store: st}
}

// SubjectReport builds the workbook for every request enrolled under subjectID.
func (r *Reporter) SubjectReport(ctx context.Context, subjectID string) (*bytes.Buffer, error) {
	start := time.Now()

	rows, err := r.store.ListSubjectRequests(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subject requests: %w", err)
	}

	buf, err := Render(rows)
	if err != nil {
		return nil, err
	}

	logger.Info.Printf("Built report for subject %s: %d rows in %s", subjectID, len(rows), time.Since(start))
	return buf, nil
}

// Render writes rows under a header line on a single sheet.
func Render(rows []models.ReportRow) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}

	for i, h := range Headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(SheetName, cell, h); err != nil {
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
	}

	for i, row := range rows {
		line := i + 2
		values := []interface{}{
			row.RequestID,
			row.StudentName,
			row.RollNumber,
			string(row.Status),
			verifiedCell(row.Verified),
			"",
			"",
			row.UpdatedAt.UTC().Format(time.RFC3339),
			"",
		}
		if row.VerifiedTotalMarks != nil {
			values[5] = *row.VerifiedTotalMarks
		}
		if row.Remark != nil {
			values[6] = *row.Remark
		}
		if row.DueDate != nil {
			values[8] = row.DueDate.UTC().Format("2006-01-02")
		}

		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, line)
			if err := f.SetCellValue(SheetName, cell, v); err != nil {
				return nil, fmt.Errorf("failed to write row %d: %w", line, err)
			}
		}
	}

	_ = f.SetColWidth(SheetName, "A", "A", 38) // uuid
	_ = f.SetColWidth(SheetName, "B", "B", 28)
	_ = f.SetColWidth(SheetName, "C", "C", 20)
	_ = f.SetColWidth(SheetName, "D", "F", 14)
	_ = f.SetColWidth(SheetName, "G", "G", 60)
	_ = f.SetColWidth(SheetName, "H", "I", 22)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write xlsx: %w", err)
	}
	return buf, nil
}

func verifiedCell(v *bool) string {
	switch {
	case v == nil:
		return ""
	case *v:
		return "yes"
	default:
		return "no"
	}
}
