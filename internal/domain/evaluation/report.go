package evaluation

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"
)

const reportSheet = "Results"

type ReportRow struct {
	MappingID          string            `json:"mappingId"`
	EmployeeID         string            `json:"employeeId"`
	Approval           StepApproval      `json:"approval"`
	SecondarySubmitted bool              `json:"secondarySubmitted"`
	Self               Result            `json:"self"`
	Primary            Result            `json:"primary"`
	Secondary          map[string]Result `json:"secondary"`
	SecondaryCombined  *Result           `json:"secondaryCombined,omitempty"`
}

type PeriodReport struct {
	Period      Period      `json:"period"`
	GeneratedAt time.Time   `json:"generatedAt"`
	Rows        []ReportRow `json:"rows"`
}

// BuildPeriodReport assembles one row per mapped employee with every step result.
func (s *Service) BuildPeriodReport(ctx context.Context, periodID string) (PeriodReport, error) {
	period, err := s.GetPeriod(ctx, periodID)
	if err != nil {
		return PeriodReport{}, err
	}
	mappings, err := s.ListMappings(ctx, periodID)
	if err != nil {
		return PeriodReport{}, err
	}

	report := PeriodReport{Period: period, GeneratedAt: s.now()}
	for _, mapping := range mappings {
		view, err := s.GetStepApprovals(ctx, mapping.ID)
		if err != nil {
			return PeriodReport{}, err
		}
		row := ReportRow{
			MappingID:          mapping.ID,
			EmployeeID:         mapping.EmployeeID,
			Approval:           view.StepApproval,
			SecondarySubmitted: view.SecondarySubmitted,
		}
		if row.Self, err = s.aggregate(ctx, period, mapping, StepSelf, ""); err != nil {
			return PeriodReport{}, err
		}
		if row.Primary, err = s.aggregate(ctx, period, mapping, StepPrimary, ""); err != nil {
			return PeriodReport{}, err
		}
		if row.Secondary, err = s.secondaryScores(ctx, period, mapping); err != nil {
			return PeriodReport{}, err
		}
		if s.policy.SecondaryCombination == CombineMean {
			grades, err := NewGradeTable(period.GradeRanges)
			if err != nil {
				return PeriodReport{}, err
			}
			combined, err := CombineSecondaryMean(row.Secondary, grades)
			if err != nil {
				return PeriodReport{}, err
			}
			row.SecondaryCombined = &combined
		}
		report.Rows = append(report.Rows, row)
	}
	return report, nil
}

var reportHeaders = []string{"Employee", "Self", "Primary", "Secondary", "Secondary submitted"}

func (r ReportRow) cells() []string {
	submitted := "no"
	if r.SecondarySubmitted {
		submitted = "yes"
	}
	secondary := formatSecondary(r.Secondary)
	if r.SecondaryCombined != nil {
		secondary = formatResult(*r.SecondaryCombined) + " [" + secondary + "]"
	}
	return []string{r.EmployeeID, formatResult(r.Self), formatResult(r.Primary), secondary, submitted}
}

func formatResult(r Result) string {
	if !r.Complete || r.TotalScore == nil {
		return fmt.Sprintf("incomplete (%d/%d)", r.CompletedItems, r.TotalItems)
	}
	return fmt.Sprintf("%.2f %s", *r.TotalScore, r.Grade)
}

func formatSecondary(results map[string]Result) string {
	if len(results) == 0 {
		return "-"
	}
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id+": "+formatResult(results[id]))
	}
	return strings.Join(parts, "; ")
}

func WritePeriodReportPDF(w io.Writer, report PeriodReport) error {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 16)
	pdf.Cell(40, 10, "Evaluation results")
	pdf.Ln(12)
	pdf.SetFont("Helvetica", "", 11)
	pdf.Cell(0, 7, fmt.Sprintf("Period: %s (%s, %s)", report.Period.Name, report.Period.Status, report.Period.Phase))
	pdf.Ln(6)
	pdf.Cell(0, 7, fmt.Sprintf("Generated: %s", report.GeneratedAt.Format(time.RFC3339)))
	pdf.Ln(10)

	widths := []float64{50, 45, 45, 100, 37}
	pdf.SetFont("Helvetica", "B", 10)
	for i, header := range reportHeaders {
		pdf.CellFormat(widths[i], 8, header, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Helvetica", "", 9)
	for _, row := range report.Rows {
		for i, cell := range row.cells() {
			pdf.CellFormat(widths[i], 7, cell, "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}
	return pdf.Output(w)
}

func WritePeriodReportXLSX(w io.Writer, report PeriodReport) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", reportSheet); err != nil {
		return err
	}
	if err := f.SetCellValue(reportSheet, "A1", report.Period.Name); err != nil {
		return err
	}
	style, err := f.NewStyle(&excelize.Style{
		Alignment: &excelize.Alignment{Horizontal: "center"},
		Font:      &excelize.Font{Bold: true, Size: 11},
	})
	if err != nil {
		return err
	}
	const headerRow = 3
	for i, header := range reportHeaders {
		cell, err := excelize.CoordinatesToCellName(i+1, headerRow)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(reportSheet, cell, header); err != nil {
			return err
		}
	}
	first, _ := excelize.CoordinatesToCellName(1, headerRow)
	last, _ := excelize.CoordinatesToCellName(len(reportHeaders), headerRow)
	if err := f.SetCellStyle(reportSheet, first, last, style); err != nil {
		return err
	}
	lastCol, err := excelize.ColumnNumberToName(len(reportHeaders))
	if err != nil {
		return err
	}
	if err := f.SetColWidth(reportSheet, "A", lastCol, 25); err != nil {
		return err
	}

	for r, row := range report.Rows {
		for c, value := range row.cells() {
			cell, err := excelize.CoordinatesToCellName(c+1, headerRow+1+r)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(reportSheet, cell, value); err != nil {
				return err
			}
		}
	}
	return f.Write(w)
}
