/*
handlers.go - HTTP API handlers for the tutoring engine

PURPOSE:
  Exposes tutoring.Service via a REST API. Handles HTTP request/response,
  JSON serialization and request validation, and delegates everything
  else to the service.

ENDPOINTS:
  Students:
    GET    /api/students                       List students
    POST   /api/students                       Create student
    GET    /api/students/{id}                  Get student
    PUT    /api/students/{id}                  Update profile (counters kept)
    DELETE /api/students/{id}                  Delete student
    GET    /api/students/{id}/counters         Stored vs replayed counters
    PUT    /api/students/{id}/counters         Manual counter adjustment
    GET    /api/students/{id}/ledger           Makeup-ledger history

  Schedule and lessons:
    GET    /api/students/{id}/schedule         Weekly schedule
    PUT    /api/students/{id}/schedule         Replace the weekly schedule
    GET    /api/lessons?from&to&mode&student   Generated lessons

  Exceptions:
    POST   /api/cancellations                  Cancel a regular lesson
    POST   /api/makeups                        Book a makeup
    POST   /api/extras                         Add an extra session
    PUT    /api/extras/{id}                    Edit an extra session
    DELETE /api/extras/{id}                    Delete an extra session
    POST   /api/reschedules                    Move a lesson
    POST   /api/rate-edits                     Charge a different amount once

  Billing:
    GET    /api/students/{id}/bill?from&to
    GET    /api/students/{id}/settlements
    PUT    /api/students/{id}/settlements
    GET    /api/students/{id}/settlements.xlsx
    GET    /api/students/{id}/reconciliation/{period}
    GET    /api/reports/reconciliation?from&to[&format=xlsx]
    GET    /api/reports/forecast[?from&to]

  Admin:
    POST   /api/admin/settle-makeups
    POST   /api/admin/migrate-legacy

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, no lesson on that date
  - 404: Student or extra not found
  - 409: Slot already taken, duplicate ledger key, lock timeout
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. Run behind a trusted proxy.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/warp/lesson-engine/export"
	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/tutoring"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *tutoring.Service

	// MaxPeriodDays bounds the from/to range of lesson, bill, report and
	// forecast queries.
	MaxPeriodDays int

	validate *validator.Validate
	logger   *slog.Logger
	metrics  *Metrics
}

// DefaultMaxPeriodDays is three years.
const DefaultMaxPeriodDays = 1096

// NewHandler creates a handler over svc. metrics may be nil.
func NewHandler(svc *tutoring.Service, logger *slog.Logger, metrics *Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Service:       svc,
		MaxPeriodDays: DefaultMaxPeriodDays,
		validate:      validator.New(),
		logger:        logger,
		metrics:       metrics,
	}
}

// =============================================================================
// STUDENT HANDLERS
// =============================================================================

func (h *Handler) ListStudents(w http.ResponseWriter, r *http.Request) {
	students, err := h.Service.ListStudents(r.Context())
	if err != nil {
		h.writeServiceError(w, "Failed to list students", err)
		return
	}
	dtos := make([]StudentDTO, len(students))
	for i, st := range students {
		dtos[i] = toStudentDTO(st)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetStudent(w http.ResponseWriter, r *http.Request) {
	st, err := h.Service.GetStudent(r.Context(), studentParam(r))
	if err != nil {
		h.writeServiceError(w, "Failed to get student", err)
		return
	}
	writeJSON(w, http.StatusOK, toStudentDTO(st))
}

func (h *Handler) CreateStudent(w http.ResponseWriter, r *http.Request) {
	var req StudentRequest
	if !h.decode(w, r, &req) {
		return
	}
	st, err := h.Service.CreateStudent(r.Context(), req.toStudent(req.ID))
	h.metrics.command("create_student", err)
	if err != nil {
		h.writeServiceError(w, "Failed to create student", err)
		return
	}
	writeJSON(w, http.StatusCreated, toStudentDTO(st))
}

func (h *Handler) UpdateStudent(w http.ResponseWriter, r *http.Request) {
	var req StudentRequest
	if !h.decode(w, r, &req) {
		return
	}
	st, err := h.Service.UpdateStudent(r.Context(), req.toStudent(chi.URLParam(r, "id")))
	h.metrics.command("update_student", err)
	if err != nil {
		h.writeServiceError(w, "Failed to update student", err)
		return
	}
	writeJSON(w, http.StatusOK, toStudentDTO(st))
}

func (h *Handler) DeleteStudent(w http.ResponseWriter, r *http.Request) {
	err := h.Service.DeleteStudent(r.Context(), studentParam(r))
	h.metrics.command("delete_student", err)
	if err != nil {
		h.writeServiceError(w, "Failed to delete student", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CheckCounters(w http.ResponseWriter, r *http.Request) {
	stored, replayed, ok, err := h.Service.CheckCounters(r.Context(), studentParam(r))
	if err != nil {
		h.writeServiceError(w, "Failed to replay ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, CounterCheckDTO{
		Stored:     toCountersDTO(stored),
		Replayed:   toCountersDTO(replayed),
		Consistent: ok,
	})
}

func (h *Handler) AdjustCounters(w http.ResponseWriter, r *http.Request) {
	var req CountersRequest
	if !h.decode(w, r, &req) {
		return
	}
	st, err := h.Service.AdjustCounters(r.Context(), studentParam(r), req.toCounters())
	h.metrics.command("adjust_counters", err)
	if err != nil {
		h.writeServiceError(w, "Failed to adjust counters", err)
		return
	}
	writeJSON(w, http.StatusOK, toStudentDTO(st))
}

func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Service.History(r.Context(), studentParam(r))
	if err != nil {
		h.writeServiceError(w, "Failed to load ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// =============================================================================
// SCHEDULE HANDLERS
// =============================================================================

func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	id := studentParam(r)
	if _, err := h.Service.GetStudent(r.Context(), id); err != nil {
		h.writeServiceError(w, "Failed to get schedule", err)
		return
	}
	entries, err := h.Service.Schedule(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "Failed to get schedule", err)
		return
	}
	dtos := make([]ScheduleEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toScheduleEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ReplaceSchedule(w http.ResponseWriter, r *http.Request) {
	var req ReplaceScheduleRequest
	if !h.decode(w, r, &req) {
		return
	}
	entries := make([]tutoring.ScheduleEntry, len(req.Entries))
	for i, e := range req.Entries {
		entries[i] = tutoring.ScheduleEntry{
			Weekday:   e.Weekday,
			Time:      e.Time,
			Duration:  e.Duration,
			ValidFrom: e.ValidFrom,
			ValidTo:   e.ValidTo,
			Rate:      e.Rate,
		}
	}
	saved, err := h.Service.ReplaceSchedule(r.Context(), studentParam(r), entries)
	h.metrics.command("replace_schedule", err)
	if err != nil {
		h.writeServiceError(w, "Failed to replace schedule", err)
		return
	}
	dtos := make([]ScheduleEntryDTO, len(saved))
	for i, e := range saved {
		dtos[i] = toScheduleEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListLessons returns generated lessons.
// GET /api/lessons?from=2024-03-01&to=2024-03-31&mode=actual&student=stu-1
func (h *Handler) ListLessons(w http.ResponseWriter, r *http.Request) {
	period, ok := h.periodQuery(w, r)
	if !ok {
		return
	}
	mode := tutoring.Mode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = tutoring.ModeActual
	}
	lessons, diags, err := h.Service.Lessons(r.Context(), tutoring.StudentID(r.URL.Query().Get("student")), period, mode)
	if err != nil {
		h.writeServiceError(w, "Failed to generate lessons", err)
		return
	}
	dtos := make([]LessonDTO, len(lessons))
	for i, o := range lessons {
		dtos[i] = toLessonDTO(o)
	}
	writeJSON(w, http.StatusOK, LessonsResponse{Lessons: dtos, Diagnostics: toDiagnosticDTOs(diags)})
}

// =============================================================================
// EXCEPTION HANDLERS
// =============================================================================

func (h *Handler) CancelLesson(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.Service.CancelLesson(r.Context(), tutoring.CancelRequest{
		StudentID: tutoring.StudentID(req.StudentID),
		Date:      req.Date,
		Time:      req.Time,
		Reason:    tutoring.CancelReason(req.Reason),
		Duration:  req.Duration,
	})
	h.metrics.command("cancel_lesson", err)
	if err != nil {
		h.writeServiceError(w, "Failed to cancel lesson", err)
		return
	}
	writeJSON(w, http.StatusCreated, CancellationDTO{
		ID:        c.ID,
		StudentID: string(c.StudentID),
		Date:      c.Date,
		Time:      c.Time,
		Reason:    string(c.Reason),
		CreatedAt: c.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	})
}

func (h *Handler) ScheduleMakeup(w http.ResponseWriter, r *http.Request) {
	var req MakeupRequest
	if !h.decode(w, r, &req) {
		return
	}
	x, err := h.Service.ScheduleMakeup(r.Context(), tutoring.MakeupRequest{
		StudentID: tutoring.StudentID(req.StudentID),
		Date:      req.Date,
		Time:      req.Time,
		Duration:  req.Duration,
		Amount:    req.Amount,
	})
	h.metrics.command("schedule_makeup", err)
	if err != nil {
		h.writeServiceError(w, "Failed to schedule makeup", err)
		return
	}
	writeJSON(w, http.StatusCreated, toExtraDTO(x))
}

func (h *Handler) AddExtra(w http.ResponseWriter, r *http.Request) {
	var req ExtraRequest
	if !h.decode(w, r, &req) {
		return
	}
	x, err := h.Service.AddExtra(r.Context(), tutoring.Extra{
		StudentID: tutoring.StudentID(req.StudentID),
		Date:      req.Date,
		Time:      req.Time,
		Type:      tutoring.ExtraType(req.Type),
		Duration:  req.Duration,
		Amount:    req.Amount,
	})
	h.metrics.command("add_extra", err)
	if err != nil {
		h.writeServiceError(w, "Failed to add extra session", err)
		return
	}
	writeJSON(w, http.StatusCreated, toExtraDTO(x))
}

func (h *Handler) UpdateExtra(w http.ResponseWriter, r *http.Request) {
	var req UpdateExtraRequest
	if !h.decode(w, r, &req) {
		return
	}
	x, err := h.Service.UpdateExtra(r.Context(), chi.URLParam(r, "id"), tutoring.ExtraUpdate{
		Date:     req.Date,
		Time:     req.Time,
		Duration: req.Duration,
		Amount:   req.Amount,
	})
	h.metrics.command("update_extra", err)
	if err != nil {
		h.writeServiceError(w, "Failed to update extra session", err)
		return
	}
	writeJSON(w, http.StatusOK, toExtraDTO(x))
}

func (h *Handler) DeleteExtra(w http.ResponseWriter, r *http.Request) {
	err := h.Service.DeleteExtra(r.Context(), chi.URLParam(r, "id"))
	h.metrics.command("delete_extra", err)
	if err != nil {
		h.writeServiceError(w, "Failed to delete extra session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RescheduleLesson(w http.ResponseWriter, r *http.Request) {
	var req RescheduleRequest
	if !h.decode(w, r, &req) {
		return
	}
	x, err := h.Service.RescheduleLesson(r.Context(), tutoring.RescheduleRequest{
		StudentID: tutoring.StudentID(req.StudentID),
		FromDate:  req.FromDate,
		FromTime:  req.FromTime,
		ToDate:    req.ToDate,
		ToTime:    req.ToTime,
	})
	h.metrics.command("reschedule_lesson", err)
	if err != nil {
		h.writeServiceError(w, "Failed to reschedule lesson", err)
		return
	}
	writeJSON(w, http.StatusCreated, toExtraDTO(x))
}

func (h *Handler) EditLessonRate(w http.ResponseWriter, r *http.Request) {
	var req RateEditRequest
	if !h.decode(w, r, &req) {
		return
	}
	x, err := h.Service.EditLessonRate(r.Context(), tutoring.RateEditRequest{
		StudentID: tutoring.StudentID(req.StudentID),
		Date:      req.Date,
		Amount:    req.Amount,
	})
	h.metrics.command("edit_lesson_rate", err)
	if err != nil {
		h.writeServiceError(w, "Failed to edit lesson rate", err)
		return
	}
	writeJSON(w, http.StatusCreated, toExtraDTO(x))
}

// =============================================================================
// BILLING HANDLERS
// =============================================================================

// GetBill returns the amount required from a student over a period.
// GET /api/students/{id}/bill?from=2024-03-01&to=2024-03-31
func (h *Handler) GetBill(w http.ResponseWriter, r *http.Request) {
	period, ok := h.periodQuery(w, r)
	if !ok {
		return
	}
	bill, err := h.Service.Bill(r.Context(), studentParam(r), period)
	if err != nil {
		h.writeServiceError(w, "Failed to compute bill", err)
		return
	}
	writeJSON(w, http.StatusOK, toBillDTO(bill))
}

func (h *Handler) GetSettlements(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Service.SettlementTable(r.Context(), studentParam(r))
	if err != nil {
		h.writeServiceError(w, "Failed to build settlement table", err)
		return
	}
	dtos := make([]SettlementRowDTO, len(rows))
	for i, row := range rows {
		dtos[i] = toSettlementRowDTO(row)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) SaveSettlements(w http.ResponseWriter, r *http.Request) {
	var req SaveSettlementsRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := studentParam(r)
	rows := make([]tutoring.Settlement, len(req.Settlements))
	for i, s := range req.Settlements {
		rows[i] = tutoring.Settlement{StudentID: id, PeriodID: s.PeriodID, Required: s.Required, Paid: s.Paid}
	}
	err := h.Service.SaveSettlements(r.Context(), id, rows)
	h.metrics.command("save_settlements", err)
	if err != nil {
		h.writeServiceError(w, "Failed to save settlements", err)
		return
	}
	h.GetSettlements(w, r)
}

func (h *Handler) ExportSettlements(w http.ResponseWriter, r *http.Request) {
	id := studentParam(r)
	st, err := h.Service.GetStudent(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "Failed to export settlements", err)
		return
	}
	rows, err := h.Service.SettlementTable(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "Failed to export settlements", err)
		return
	}
	setXLSXHeaders(w, fmt.Sprintf("settlements_%s.xlsx", id))
	if err := export.WriteSettlements(w, st, rows); err != nil {
		h.logger.Error("failed to write settlements workbook", "student_id", id, "error", err)
	}
}

func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Service.Reconcile(r.Context(), studentParam(r), chi.URLParam(r, "period"))
	if err != nil {
		h.writeServiceError(w, "Failed to reconcile period", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconciliationDTO{
		StudentID: string(rec.StudentID),
		PeriodID:  rec.PeriodID,
		Required:  rec.Required,
		Paid:      rec.Paid,
		Balance:   rec.Balance,
	})
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// ReconciliationReport totals planned and paid amounts across students.
// GET /api/reports/reconciliation?from=2024-01-01&to=2024-06-30[&format=xlsx]
func (h *Handler) ReconciliationReport(w http.ResponseWriter, r *http.Request) {
	period, ok := h.periodQuery(w, r)
	if !ok {
		return
	}
	report, diags, err := h.Service.Report(r.Context(), period)
	if err != nil {
		h.writeServiceError(w, "Failed to build report", err)
		return
	}
	h.metrics.skipped(diags.SkippedCount())

	if r.URL.Query().Get("format") == "xlsx" {
		income, err := h.Service.Forecast(r.Context(), period)
		if err != nil {
			h.writeServiceError(w, "Failed to build report", err)
			return
		}
		setXLSXHeaders(w, fmt.Sprintf("report_%s_%s.xlsx", period.Start, period.End))
		if err := export.WriteReport(w, report, income); err != nil {
			h.logger.Error("failed to write report workbook", "error", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report, diags))
}

// Forecast returns monthly income. Without from/to it covers the current
// school year.
func (h *Handler) Forecast(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		months []tutoring.MonthIncome
		err    error
	)
	if q.Get("from") == "" && q.Get("to") == "" {
		months, err = h.Service.SchoolYearForecast(r.Context())
	} else {
		period, ok := h.periodQuery(w, r)
		if !ok {
			return
		}
		months, err = h.Service.Forecast(r.Context(), period)
	}
	if err != nil {
		h.writeServiceError(w, "Failed to forecast income", err)
		return
	}
	writeJSON(w, http.StatusOK, toMonthIncomeDTOs(months))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) SettleMakeups(w http.ResponseWriter, r *http.Request) {
	n, err := h.Service.SettlePastMakeups(r.Context())
	h.metrics.command("settle_makeups", err)
	h.metrics.makeupsSettled(n)
	if err != nil {
		h.writeServiceError(w, "Failed to settle makeups", err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

func (h *Handler) MigrateLegacy(w http.ResponseWriter, r *http.Request) {
	n, err := h.Service.MigrateLegacy(r.Context())
	h.metrics.command("migrate_legacy", err)
	if err != nil {
		h.writeServiceError(w, "Failed to migrate legacy schedules", err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

// =============================================================================
// HELPERS
// =============================================================================

func studentParam(r *http.Request) tutoring.StudentID {
	return tutoring.StudentID(chi.URLParam(r, "id"))
}

// decode reads a JSON body into v and validates it. It writes the error
// response itself and reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			fields := make(map[string]string, len(ve))
			for _, fe := range ve {
				fields[fe.Namespace()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func (h *Handler) periodQuery(w http.ResponseWriter, r *http.Request) (generic.Period, bool) {
	q := r.URL.Query()
	period, err := generic.ParsePeriod(q.Get("from"), q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period (use from/to as YYYY-MM-DD)", err)
		return generic.Period{}, false
	}
	if h.MaxPeriodDays > 0 && period.End.After(period.Start.AddDays(h.MaxPeriodDays-1)) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Period longer than %d days", h.MaxPeriodDays), nil)
		return generic.Period{}, false
	}
	return period, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeServiceError maps generic sentinels to status codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, message string, err error) {
	switch {
	case generic.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case generic.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case generic.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		h.logger.Error(message, "error", err)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func setXLSXHeaders(w http.ResponseWriter, filename string) {
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
}
