/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the
  tutoring model (no JSON tags) from the wire contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY AND HOURS:
  Decimals travel as JSON strings ("52.50") and are accepted as strings
  or numbers.

VALIDATION:
  Request types carry go-playground/validator tags for shape checks
  (required fields, date and time formats, enums). Domain checks such as
  ordering of validity windows stay in tutoring.Service.
*/
package api

import (
	"github.com/shopspring/decimal"
	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/tutoring"
)

// =============================================================================
// STUDENTS
// =============================================================================

type CountersDTO struct {
	AbsenceCount    int             `json:"absence_count"`
	MakeupCount     int             `json:"makeup_count"`
	PendingHours    decimal.Decimal `json:"pending_makeup_hours"`
	ContractedHours decimal.Decimal `json:"contracted_makeup_hours"`
}

type StudentDTO struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Phone           string          `json:"phone,omitempty"`
	Address         string          `json:"address,omitempty"`
	School          string          `json:"school,omitempty"`
	Grade           string          `json:"grade,omitempty"`
	Level           string          `json:"level,omitempty"`
	HourlyRate      decimal.Decimal `json:"hourly_rate"`
	TravelSurcharge decimal.Decimal `json:"travel_surcharge"`
	BillingMode     string          `json:"billing_mode"`
	EnrollmentStart string          `json:"enrollment_start"`
	EnrollmentEnd   string          `json:"enrollment_end"`
	Counters        CountersDTO     `json:"counters"`
	LegacyWeekdays  string          `json:"legacy_weekdays,omitempty"`
	LegacyTimes     string          `json:"legacy_times,omitempty"`
	LegacyDurations string          `json:"legacy_durations,omitempty"`
}

// StudentRequest creates or updates a student. Counters are only honored
// on create; use PUT /counters afterwards.
type StudentRequest struct {
	ID              string           `json:"id" validate:"omitempty,max=64"`
	Name            string           `json:"name" validate:"required,max=200"`
	Phone           string           `json:"phone" validate:"max=50"`
	Address         string           `json:"address" validate:"max=500"`
	School          string           `json:"school" validate:"max=200"`
	Grade           string           `json:"grade" validate:"max=50"`
	Level           string           `json:"level" validate:"max=50"`
	HourlyRate      decimal.Decimal  `json:"hourly_rate"`
	TravelSurcharge decimal.Decimal  `json:"travel_surcharge"`
	BillingMode     string           `json:"billing_mode" validate:"omitempty,oneof=per_session monthly_subscription"`
	EnrollmentStart string           `json:"enrollment_start" validate:"required,datetime=2006-01-02"`
	EnrollmentEnd   string           `json:"enrollment_end" validate:"required,datetime=2006-01-02"`
	Counters        *CountersRequest `json:"counters"`
	LegacyWeekdays  string           `json:"legacy_weekdays"`
	LegacyTimes     string           `json:"legacy_times"`
	LegacyDurations string           `json:"legacy_durations"`
}

type CountersRequest struct {
	AbsenceCount    int             `json:"absence_count" validate:"gte=0"`
	MakeupCount     int             `json:"makeup_count" validate:"gte=0"`
	PendingHours    decimal.Decimal `json:"pending_makeup_hours"`
	ContractedHours decimal.Decimal `json:"contracted_makeup_hours"`
}

// CounterCheckDTO compares stored counters with a ledger replay.
type CounterCheckDTO struct {
	Stored     CountersDTO `json:"stored"`
	Replayed   CountersDTO `json:"replayed"`
	Consistent bool        `json:"consistent"`
}

// =============================================================================
// SCHEDULE
// =============================================================================

type ScheduleEntryDTO struct {
	ID        string          `json:"id"`
	Weekday   string          `json:"weekday"`
	Time      string          `json:"time"`
	Duration  decimal.Decimal `json:"duration"`
	ValidFrom string          `json:"valid_from"`
	ValidTo   string          `json:"valid_to"`
	Rate      decimal.Decimal `json:"rate"`
}

type ScheduleEntryRequest struct {
	Weekday   string          `json:"weekday" validate:"required"`
	Time      string          `json:"time" validate:"required,datetime=15:04"`
	Duration  decimal.Decimal `json:"duration"`
	ValidFrom string          `json:"valid_from" validate:"required,datetime=2006-01-02"`
	ValidTo   string          `json:"valid_to" validate:"required,datetime=2006-01-02"`
	Rate      decimal.Decimal `json:"rate"`
}

type ReplaceScheduleRequest struct {
	Entries []ScheduleEntryRequest `json:"entries" validate:"dive"`
}

// =============================================================================
// LESSONS, EXCEPTIONS AND EXTRAS
// =============================================================================

type LessonDTO struct {
	StudentID string          `json:"student_id"`
	Date      string          `json:"date"`
	Time      string          `json:"time"`
	Duration  decimal.Decimal `json:"duration"`
	Amount    decimal.Decimal `json:"amount"`
	Travel    decimal.Decimal `json:"travel"`
	Category  string          `json:"category"`
	SourceID  string          `json:"source_id"`
}

type LessonsResponse struct {
	Lessons     []LessonDTO     `json:"lessons"`
	Diagnostics []DiagnosticDTO `json:"diagnostics,omitempty"`
}

type DiagnosticDTO struct {
	Kind      string `json:"kind"`
	Record    string `json:"record"`
	RecordID  string `json:"record_id"`
	StudentID string `json:"student_id,omitempty"`
	Field     string `json:"field,omitempty"`
	Value     string `json:"value,omitempty"`
	Skipped   bool   `json:"skipped"`
}

type CancelRequest struct {
	StudentID string          `json:"student_id" validate:"required"`
	Date      string          `json:"date" validate:"required,datetime=2006-01-02"`
	Time      string          `json:"time" validate:"omitempty,datetime=15:04"`
	Reason    string          `json:"reason" validate:"required,oneof=student_fault tutor_fault holiday_or_edit"`
	Duration  decimal.Decimal `json:"duration"`
}

type CancellationDTO struct {
	ID        string `json:"id"`
	StudentID string `json:"student_id"`
	Date      string `json:"date"`
	Time      string `json:"time,omitempty"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
}

type MakeupRequest struct {
	StudentID string          `json:"student_id" validate:"required"`
	Date      string          `json:"date" validate:"required,datetime=2006-01-02"`
	Time      string          `json:"time" validate:"required,datetime=15:04"`
	Duration  decimal.Decimal `json:"duration"`
	Amount    decimal.Decimal `json:"amount"`
}

type ExtraRequest struct {
	StudentID string          `json:"student_id" validate:"required"`
	Date      string          `json:"date" validate:"required,datetime=2006-01-02"`
	Time      string          `json:"time" validate:"required,datetime=15:04"`
	Type      string          `json:"type" validate:"omitempty,oneof=makeup additional_paid rescheduled rate_edited"`
	Duration  decimal.Decimal `json:"duration"`
	Amount    decimal.Decimal `json:"amount"`
}

type UpdateExtraRequest struct {
	Date     *string          `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Time     *string          `json:"time" validate:"omitempty,datetime=15:04"`
	Duration *decimal.Decimal `json:"duration"`
	Amount   *decimal.Decimal `json:"amount"`
}

type ExtraDTO struct {
	ID        string          `json:"id"`
	StudentID string          `json:"student_id"`
	Date      string          `json:"date"`
	Time      string          `json:"time"`
	Type      string          `json:"type"`
	Duration  decimal.Decimal `json:"duration"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
}

type RescheduleRequest struct {
	StudentID string `json:"student_id" validate:"required"`
	FromDate  string `json:"from_date" validate:"required,datetime=2006-01-02"`
	FromTime  string `json:"from_time" validate:"omitempty,datetime=15:04"`
	ToDate    string `json:"to_date" validate:"required,datetime=2006-01-02"`
	ToTime    string `json:"to_time" validate:"omitempty,datetime=15:04"`
}

type RateEditRequest struct {
	StudentID string          `json:"student_id" validate:"required"`
	Date      string          `json:"date" validate:"required,datetime=2006-01-02"`
	Amount    decimal.Decimal `json:"amount"`
}

// =============================================================================
// BILLING AND SETTLEMENTS
// =============================================================================

type BillLineDTO struct {
	Tag         string          `json:"tag"`
	Date        string          `json:"date,omitempty"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Travel      decimal.Decimal `json:"travel"`
	SourceID    string          `json:"source_id,omitempty"`
}

type BillDTO struct {
	StudentID   string          `json:"student_id"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	BillingMode string          `json:"billing_mode"`
	Lines       []BillLineDTO   `json:"lines"`
	Total       decimal.Decimal `json:"total"`
	Travel      decimal.Decimal `json:"travel"`
}

type SettlementRowDTO struct {
	PeriodID   string          `json:"period_id"`
	Kind       string          `json:"kind"`
	Computed   decimal.Decimal `json:"computed"`
	Required   decimal.Decimal `json:"required"`
	Paid       decimal.Decimal `json:"paid"`
	Balance    decimal.Decimal `json:"balance"`
	Saved      bool            `json:"saved"`
	Overridden bool            `json:"overridden"`
}

type SettlementRequest struct {
	PeriodID string          `json:"period_id" validate:"required"`
	Required decimal.Decimal `json:"required"`
	Paid     decimal.Decimal `json:"paid"`
}

type SaveSettlementsRequest struct {
	Settlements []SettlementRequest `json:"settlements" validate:"required,dive"`
}

type ReconciliationDTO struct {
	StudentID string          `json:"student_id"`
	PeriodID  string          `json:"period_id"`
	Required  decimal.Decimal `json:"required"`
	Paid      decimal.Decimal `json:"paid"`
	Balance   decimal.Decimal `json:"balance"`
}

// =============================================================================
// REPORTS AND LEDGER
// =============================================================================

type TotalsDTO struct {
	Planned decimal.Decimal `json:"planned"`
	Paid    decimal.Decimal `json:"paid"`
}

type StudentReportDTO struct {
	StudentID   string          `json:"student_id"`
	Name        string          `json:"name"`
	BillingMode string          `json:"billing_mode"`
	Planned     decimal.Decimal `json:"planned"`
	Paid        decimal.Decimal `json:"paid"`
	Balance     decimal.Decimal `json:"balance"`
	Travel      TotalsDTO       `json:"travel"`
	Tuition     TotalsDTO       `json:"tuition"`
}

type ReportDTO struct {
	From         string             `json:"from"`
	To           string             `json:"to"`
	Planned      decimal.Decimal    `json:"planned"`
	Paid         decimal.Decimal    `json:"paid"`
	Balance      decimal.Decimal    `json:"balance"`
	Subscription TotalsDTO          `json:"subscription"`
	PerSession   TotalsDTO          `json:"per_session"`
	Travel       TotalsDTO          `json:"travel"`
	Tuition      TotalsDTO          `json:"tuition"`
	Students     []StudentReportDTO `json:"students"`
	Skipped      int                `json:"skipped_records"`
}

type MonthIncomeDTO struct {
	Month   string          `json:"month"`
	Amount  decimal.Decimal `json:"amount"`
	Lessons int             `json:"lessons"`
	Hours   decimal.Decimal `json:"hours"`
}

// TransactionDTO represents a makeup-ledger transaction.
type TransactionDTO struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account"`
	EffectiveAt string          `json:"effective_at"`
	Delta       decimal.Decimal `json:"delta"`
	Unit        string          `json:"unit"`
	Type        string          `json:"type"`
	ReferenceID string          `json:"reference_id,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	CreatedBy   string          `json:"created_by,omitempty"`
}

type CountResponse struct {
	Count int `json:"count"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toCountersDTO(c tutoring.Counters) CountersDTO {
	return CountersDTO{
		AbsenceCount:    c.AbsenceCount,
		MakeupCount:     c.MakeupCount,
		PendingHours:    c.PendingHours,
		ContractedHours: c.ContractedHours,
	}
}

func toStudentDTO(st tutoring.Student) StudentDTO {
	return StudentDTO{
		ID:              string(st.ID),
		Name:            st.Name,
		Phone:           st.Phone,
		Address:         st.Address,
		School:          st.School,
		Grade:           st.Grade,
		Level:           st.Level,
		HourlyRate:      st.HourlyRate,
		TravelSurcharge: st.TravelSurcharge,
		BillingMode:     string(st.BillingMode),
		EnrollmentStart: st.EnrollmentStart,
		EnrollmentEnd:   st.EnrollmentEnd,
		Counters:        toCountersDTO(tutoring.CountersOf(st)),
		LegacyWeekdays:  st.LegacyWeekdays,
		LegacyTimes:     st.LegacyTimes,
		LegacyDurations: st.LegacyDurations,
	}
}

func (r StudentRequest) toStudent(id string) tutoring.Student {
	st := tutoring.Student{
		ID:              tutoring.StudentID(id),
		Name:            r.Name,
		Phone:           r.Phone,
		Address:         r.Address,
		School:          r.School,
		Grade:           r.Grade,
		Level:           r.Level,
		HourlyRate:      r.HourlyRate,
		TravelSurcharge: r.TravelSurcharge,
		BillingMode:     tutoring.BillingMode(r.BillingMode),
		EnrollmentStart: r.EnrollmentStart,
		EnrollmentEnd:   r.EnrollmentEnd,
		LegacyWeekdays:  r.LegacyWeekdays,
		LegacyTimes:     r.LegacyTimes,
		LegacyDurations: r.LegacyDurations,
	}
	if r.Counters != nil {
		st.AbsenceCount = r.Counters.AbsenceCount
		st.MakeupCount = r.Counters.MakeupCount
		st.PendingMakeupHours = r.Counters.PendingHours
		st.ContractedMakeupHours = r.Counters.ContractedHours
	}
	return st
}

func (r CountersRequest) toCounters() tutoring.Counters {
	return tutoring.Counters{
		AbsenceCount:    r.AbsenceCount,
		MakeupCount:     r.MakeupCount,
		PendingHours:    r.PendingHours,
		ContractedHours: r.ContractedHours,
	}
}

func toScheduleEntryDTO(e tutoring.ScheduleEntry) ScheduleEntryDTO {
	return ScheduleEntryDTO{
		ID:        e.ID,
		Weekday:   e.Weekday,
		Time:      e.Time,
		Duration:  e.Duration,
		ValidFrom: e.ValidFrom,
		ValidTo:   e.ValidTo,
		Rate:      e.Rate,
	}
}

func toLessonDTO(o tutoring.LessonOccurrence) LessonDTO {
	return LessonDTO{
		StudentID: string(o.StudentID),
		Date:      o.Date.String(),
		Time:      o.Time.String(),
		Duration:  o.Duration,
		Amount:    o.Amount,
		Travel:    o.Travel,
		Category:  string(o.Category),
		SourceID:  o.SourceID,
	}
}

func toDiagnosticDTOs(ds tutoring.Diagnostics) []DiagnosticDTO {
	out := make([]DiagnosticDTO, len(ds))
	for i, d := range ds {
		out[i] = DiagnosticDTO{
			Kind:      string(d.Kind),
			Record:    d.Record,
			RecordID:  d.RecordID,
			StudentID: string(d.StudentID),
			Field:     d.Field,
			Value:     d.Value,
			Skipped:   d.Skipped,
		}
	}
	return out
}

func toExtraDTO(x tutoring.Extra) ExtraDTO {
	return ExtraDTO{
		ID:        x.ID,
		StudentID: string(x.StudentID),
		Date:      x.Date,
		Time:      x.Time,
		Type:      string(x.Type),
		Duration:  x.Duration,
		Amount:    x.Amount,
		Status:    string(x.Status),
	}
}

func toBillDTO(b tutoring.Bill) BillDTO {
	lines := make([]BillLineDTO, len(b.Lines))
	for i, l := range b.Lines {
		lines[i] = BillLineDTO{
			Tag:         string(l.Tag),
			Description: l.Description,
			Amount:      l.Amount,
			Travel:      l.Travel,
			SourceID:    l.SourceID,
		}
		if !l.Date.IsZero() {
			lines[i].Date = l.Date.String()
		}
	}
	return BillDTO{
		StudentID:   string(b.StudentID),
		From:        b.Period.Start.String(),
		To:          b.Period.End.String(),
		BillingMode: string(b.Mode),
		Lines:       lines,
		Total:       b.Total,
		Travel:      b.TotalTravel(),
	}
}

func toSettlementRowDTO(r tutoring.SettlementRow) SettlementRowDTO {
	return SettlementRowDTO{
		PeriodID:   r.PeriodID,
		Kind:       string(r.Kind),
		Computed:   r.Computed,
		Required:   r.Required,
		Paid:       r.Paid,
		Balance:    r.Balance,
		Saved:      r.Saved,
		Overridden: r.Overridden,
	}
}

func toTotalsDTO(t tutoring.Totals) TotalsDTO {
	return TotalsDTO{Planned: t.Planned, Paid: t.Paid}
}

func toReportDTO(r tutoring.Report, diags tutoring.Diagnostics) ReportDTO {
	students := make([]StudentReportDTO, len(r.Students))
	for i, s := range r.Students {
		students[i] = StudentReportDTO{
			StudentID:   string(s.StudentID),
			Name:        s.Name,
			BillingMode: string(s.BillingMode),
			Planned:     s.Planned,
			Paid:        s.Paid,
			Balance:     s.Balance,
			Travel:      toTotalsDTO(s.Travel),
			Tuition:     toTotalsDTO(s.Tuition),
		}
	}
	return ReportDTO{
		From:         r.Period.Start.String(),
		To:           r.Period.End.String(),
		Planned:      r.Planned,
		Paid:         r.Paid,
		Balance:      r.Balance,
		Subscription: toTotalsDTO(r.Subscription),
		PerSession:   toTotalsDTO(r.PerSession),
		Travel:       toTotalsDTO(r.Travel),
		Tuition:      toTotalsDTO(r.Tuition),
		Students:     students,
		Skipped:      diags.SkippedCount(),
	}
}

func toMonthIncomeDTOs(months []tutoring.MonthIncome) []MonthIncomeDTO {
	out := make([]MonthIncomeDTO, len(months))
	for i, m := range months {
		out[i] = MonthIncomeDTO{Month: m.MonthID, Amount: m.Amount, Lessons: m.Lessons, Hours: m.Hours}
	}
	return out
}

func toTransactionDTO(tx generic.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:          string(tx.ID),
		AccountID:   string(tx.AccountID),
		EffectiveAt: tx.EffectiveAt.String(),
		Delta:       tx.Delta.Value,
		Unit:        string(tx.Delta.Unit),
		Type:        string(tx.Type),
		ReferenceID: tx.ReferenceID,
		Reason:      tx.Reason,
		CreatedBy:   tx.CreatedBy,
	}
}

func toTransactionDTOs(txs []generic.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}
