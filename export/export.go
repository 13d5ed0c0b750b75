/*
Package export renders settlement tables and reports as XLSX workbooks.

PURPOSE:
  Tutors hand statements to parents and keep yearly summaries in
  spreadsheets. The workbooks are plain: a header row, one row per
  record, money as numbers with two decimals.

SHEETS:
  WriteSettlements: "Settlements" (one row per period id)
  WriteReport:      "Summary", "Students" and, when given, "Income"
*/
package export

import (
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/warp/lesson-engine/tutoring"
	"github.com/xuri/excelize/v2"
)

const (
	SheetSettlements = "Settlements"
	SheetSummary     = "Summary"
	SheetStudents    = "Students"
	SheetIncome      = "Income"
)

// WriteSettlements writes st's settlement table as a single-sheet workbook.
func WriteSettlements(w io.Writer, st tutoring.Student, rows []tutoring.SettlementRow) error {
	b, err := newBook(SheetSettlements)
	if err != nil {
		return err
	}
	defer b.f.Close()

	if err := b.row(SheetSettlements, 1, "Student", st.Name, "Billing", string(st.BillingMode)); err != nil {
		return err
	}
	if err := b.header(SheetSettlements, 3, "Period", "Kind", "Computed", "Required", "Paid", "Balance", "Saved"); err != nil {
		return err
	}
	for i, r := range rows {
		err := b.row(SheetSettlements, 4+i,
			r.PeriodID, string(r.Kind), money(r.Computed), money(r.Required), money(r.Paid), money(r.Balance), yesNo(r.Saved))
		if err != nil {
			return err
		}
	}
	if err := b.moneyColumns(SheetSettlements, 4, 3+len(rows), "C", "F"); err != nil {
		return err
	}
	return b.write(w)
}

// WriteReport writes the aggregate reconciliation report. income may be nil.
func WriteReport(w io.Writer, rep tutoring.Report, income []tutoring.MonthIncome) error {
	b, err := newBook(SheetSummary)
	if err != nil {
		return err
	}
	defer b.f.Close()

	summary := [][]any{
		{"From", rep.Period.Start.String()},
		{"To", rep.Period.End.String()},
		{"Planned", money(rep.Planned)},
		{"Paid", money(rep.Paid)},
		{"Balance", money(rep.Balance)},
		{"Subscription planned", money(rep.Subscription.Planned)},
		{"Subscription paid", money(rep.Subscription.Paid)},
		{"Per-session planned", money(rep.PerSession.Planned)},
		{"Per-session paid", money(rep.PerSession.Paid)},
		{"Travel planned", money(rep.Travel.Planned)},
		{"Travel paid (est.)", money(rep.Travel.Paid)},
		{"Tuition planned", money(rep.Tuition.Planned)},
		{"Tuition paid (est.)", money(rep.Tuition.Paid)},
	}
	for i, r := range summary {
		if err := b.row(SheetSummary, 1+i, r...); err != nil {
			return err
		}
	}

	if _, err := b.f.NewSheet(SheetStudents); err != nil {
		return fmt.Errorf("failed to add sheet: %w", err)
	}
	if err := b.header(SheetStudents, 1, "Student", "Name", "Billing", "Planned", "Paid", "Balance", "Travel", "Tuition"); err != nil {
		return err
	}
	for i, s := range rep.Students {
		err := b.row(SheetStudents, 2+i, string(s.StudentID), s.Name, string(s.BillingMode),
			money(s.Planned), money(s.Paid), money(s.Balance), money(s.Travel.Planned), money(s.Tuition.Planned))
		if err != nil {
			return err
		}
	}
	if err := b.moneyColumns(SheetStudents, 2, 1+len(rep.Students), "D", "H"); err != nil {
		return err
	}

	if len(income) > 0 {
		if _, err := b.f.NewSheet(SheetIncome); err != nil {
			return fmt.Errorf("failed to add sheet: %w", err)
		}
		if err := b.header(SheetIncome, 1, "Month", "Lessons", "Hours", "Amount"); err != nil {
			return err
		}
		for i, m := range income {
			if err := b.row(SheetIncome, 2+i, m.MonthID, m.Lessons, money(m.Hours), money(m.Amount)); err != nil {
				return err
			}
		}
	}
	return b.write(w)
}

// =============================================================================
// WORKBOOK HELPERS
// =============================================================================

type book struct {
	f          *excelize.File
	headStyle  int
	moneyStyle int
}

// newBook creates a workbook whose default sheet is renamed to first.
func newBook(first string) (*book, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName(f.GetSheetName(f.GetActiveSheetIndex()), first); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}
	head, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create style: %w", err)
	}
	numFmt := "0.00"
	mon, err := f.NewStyle(&excelize.Style{CustomNumFmt: &numFmt})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create style: %w", err)
	}
	return &book{f: f, headStyle: head, moneyStyle: mon}, nil
}

func (b *book) row(sheet string, n int, values ...any) error {
	cell, err := excelize.CoordinatesToCellName(1, n)
	if err != nil {
		return err
	}
	if err := b.f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write row %d: %w", n, err)
	}
	return nil
}

func (b *book) header(sheet string, n int, titles ...string) error {
	values := make([]any, len(titles))
	for i, t := range titles {
		values[i] = t
	}
	if err := b.row(sheet, n, values...); err != nil {
		return err
	}
	from, _ := excelize.CoordinatesToCellName(1, n)
	to, _ := excelize.CoordinatesToCellName(len(titles), n)
	return b.f.SetCellStyle(sheet, from, to, b.headStyle)
}

func (b *book) moneyColumns(sheet string, firstRow, lastRow int, fromCol, toCol string) error {
	if lastRow < firstRow {
		return nil
	}
	return b.f.SetCellStyle(sheet, fmt.Sprintf("%s%d", fromCol, firstRow), fmt.Sprintf("%s%d", toCol, lastRow), b.moneyStyle)
}

func (b *book) write(w io.Writer) error {
	if _, err := b.f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func money(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
