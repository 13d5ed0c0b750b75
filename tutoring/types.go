/*
Package tutoring implements recurring private-lesson scheduling and billing.

PURPOSE:
  Students follow weekly schedules. Real life intervenes: lessons get
  cancelled (by the student, by the tutor, or for a holiday), moved, repriced,
  or supplemented with extra sessions, and hours missed through no fault of
  the tutor must be made up later. This package turns those records into
  concrete lesson occurrences, required payments and reconciliations against
  what was actually paid.

KEY CONCEPTS:
  - Student: billing configuration plus the makeup counters it owns
  - ScheduleEntry: "every Tuesday 17:00 for 1h between two dates"
  - Cancellation / Extra: exceptions overlaid on the schedule
  - LessonOccurrence: one concrete lesson on one date (derived, never stored)
  - Settlement: what is required and what was paid for a period id
  - Mode: Actual (what happened) vs Plan (what the subscription covers)

ENGINE vs SERVICE:
  Everything that reads a Snapshot (Generate, RequiredAmount, BuildReport,
  SettlementTable, MonthlyIncome) is pure and deterministic. Commands that
  change counters or exceptions go through Service, which serializes them
  per student and records every counter change in the makeup ledger.

SEE ALSO:
  - generator.go: Occurrence expansion
  - makeup.go: Makeup counter state machine
  - billing.go: Required amounts
  - reconcile.go: Planned vs paid
*/
package tutoring

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/lesson-engine/generic"
)

// =============================================================================
// STUDENT
// =============================================================================

type StudentID string

type BillingMode string

const (
	BillingPerSession          BillingMode = "per_session"
	BillingMonthlySubscription BillingMode = "monthly_subscription"
)

func (m BillingMode) Valid() bool {
	return m == BillingPerSession || m == BillingMonthlySubscription
}

// Student is the aggregate root for its makeup counters. The counters are
// never negative and only the makeup engine changes them.
type Student struct {
	ID   StudentID
	Name string

	Phone   string
	Address string
	School  string
	Grade   string
	Level   string

	HourlyRate      decimal.Decimal
	TravelSurcharge decimal.Decimal
	BillingMode     BillingMode

	// Enrollment window, YYYY-MM-DD.
	EnrollmentStart string
	EnrollmentEnd   string

	AbsenceCount          int
	MakeupCount           int
	PendingMakeupHours    decimal.Decimal
	ContractedMakeupHours decimal.Decimal

	// Flat schedule fields kept from the single-lesson era, semicolon-delimited.
	// MigrateLegacySchedule turns them into ScheduleEntries.
	LegacyWeekdays  string
	LegacyTimes     string
	LegacyDurations string
}

// =============================================================================
// SCHEDULE ENTRY
// =============================================================================

// ScheduleEntry is one recurring weekly slot. Temporal fields hold the raw
// stored strings and are parsed per record.
type ScheduleEntry struct {
	ID        string
	StudentID StudentID
	Weekday   string
	Time      string // HH:MM
	Duration  decimal.Decimal
	ValidFrom string // YYYY-MM-DD inclusive
	ValidTo   string // YYYY-MM-DD inclusive
	Rate      decimal.Decimal // <= 0 means the student's hourly rate
	Seq       int64           // creation order, tie-breaker for stable matching
}

// =============================================================================
// EXCEPTIONS
// =============================================================================

type CancelReason string

const (
	ReasonStudentFault  CancelReason = "student_fault"
	ReasonTutorFault    CancelReason = "tutor_fault"
	ReasonHolidayOrEdit CancelReason = "holiday_or_edit"
	// ReasonRescheduled marks the source date of a moved regular lesson. It is
	// excluded from Actual mode but stays in the subscription plan.
	ReasonRescheduled CancelReason = "rescheduled"
)

func (r CancelReason) Valid() bool {
	switch r {
	case ReasonStudentFault, ReasonTutorFault, ReasonHolidayOrEdit, ReasonRescheduled:
		return true
	}
	return false
}

type Cancellation struct {
	ID        string
	StudentID StudentID
	Date      string
	Time      string
	Reason    CancelReason
	CreatedAt time.Time
}

type ExtraType string

const (
	ExtraMakeup         ExtraType = "makeup"
	ExtraAdditionalPaid ExtraType = "additional_paid"
	ExtraRescheduled    ExtraType = "rescheduled"
	ExtraRateEdited     ExtraType = "rate_edited"
)

func (t ExtraType) Valid() bool {
	switch t {
	case ExtraMakeup, ExtraAdditionalPaid, ExtraRescheduled, ExtraRateEdited:
		return true
	}
	return false
}

// BilledSeparately reports whether a subscription student pays for this
// extra on top of the monthly base.
func (t ExtraType) BilledSeparately() bool {
	return t == ExtraAdditionalPaid || t == ExtraRateEdited
}

type ExtraStatus string

const (
	StatusPlanned   ExtraStatus = "planned"
	StatusFulfilled ExtraStatus = "fulfilled"
)

// Extra is a one-off session. At most one exists per (student, date, time).
type Extra struct {
	ID        string
	StudentID StudentID
	Date      string
	Time      string
	Type      ExtraType
	Duration  decimal.Decimal
	Amount    decimal.Decimal // total, travel included
	Status    ExtraStatus
}

// =============================================================================
// OCCURRENCES
// =============================================================================

type Category string

const (
	CategoryRegular        Category = "regular"
	CategoryMakeup         Category = Category(ExtraMakeup)
	CategoryAdditionalPaid Category = Category(ExtraAdditionalPaid)
	CategoryRescheduled    Category = Category(ExtraRescheduled)
	CategoryRateEdited     Category = Category(ExtraRateEdited)
)

// Mode selects which view of the schedule Generate produces.
type Mode string

const (
	// ModeActual is what really happens: every cancellation removes the
	// lesson and extras are added.
	ModeActual Mode = "actual"
	// ModePlan is what a subscription covers: only holiday_or_edit
	// cancellations remove lessons and extras are left out.
	ModePlan Mode = "plan"
)

func (m Mode) Valid() bool { return m == ModeActual || m == ModePlan }

// LessonOccurrence is one concrete lesson. Derived, never persisted.
type LessonOccurrence struct {
	StudentID StudentID
	Date      generic.TimePoint
	Time      ClockTime
	Duration  decimal.Decimal
	Amount    decimal.Decimal
	Travel    decimal.Decimal // travel component included in Amount
	Category  Category
	SourceID  string // schedule entry or extra id
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// Settlement is keyed by (StudentID, PeriodID). PeriodID is YYYY-MM for a
// subscription month or YYYY-MM-DD for an individually billed date.
type Settlement struct {
	StudentID StudentID
	PeriodID  string
	Required  decimal.Decimal
	Paid      decimal.Decimal
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is the full record set the engine reads. Engine functions never
// mutate it.
type Snapshot struct {
	Students      []Student
	Entries       []ScheduleEntry
	Cancellations []Cancellation
	Extras        []Extra
	Settlements   []Settlement
}

// =============================================================================
// MAKEUP LEDGER ACCOUNTS
// =============================================================================

const (
	AccountPendingHours    generic.AccountID = "pending_makeup_hours"
	AccountContractedHours generic.AccountID = "contracted_makeup_hours"
	AccountAbsences        generic.AccountID = "absences"
	AccountMakeups         generic.AccountID = "makeups"
)

// Accounts lists every counter account in display order.
var Accounts = []generic.AccountID{
	AccountAbsences,
	AccountMakeups,
	AccountPendingHours,
	AccountContractedHours,
}
