/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Student, schedule and bill round trip
- Exception commands and their counter effects
- Error mapping (validation, not found, conflict)
- Settlement workbook export
- Metrics endpoint and the makeup scheduler
*/
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/lesson-engine/store/memory"
	"github.com/warp/lesson-engine/tutoring"
	"github.com/xuri/excelize/v2"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testServer struct {
	t       *testing.T
	router  *chi.Mux
	svc     *tutoring.Service
	metrics *Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	now := time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	svc := tutoring.NewService(memory.New(),
		tutoring.WithClock(func() time.Time { return now }),
		tutoring.WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("id-%03d", n)
		}),
	)
	metrics := NewMetrics()
	h := NewHandler(svc, nil, metrics)
	return &testServer{t: t, router: NewRouter(h, RouterOptions{Metrics: metrics}), svc: svc, metrics: metrics}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

// seedStudent creates stu-1 (rate 50, travel 10) with Tuesdays 17:00 for 1h.
func (s *testServer) seedStudent() {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/students", map[string]any{
		"id": "stu-1", "name": "Ala", "hourly_rate": "50", "travel_surcharge": "10",
		"enrollment_start": "2023-09-01", "enrollment_end": "2024-06-30",
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPut, "/api/students/stu-1/schedule", map[string]any{
		"entries": []map[string]any{{
			"weekday": "Tuesday", "time": "17:00", "duration": "1",
			"valid_from": "2023-09-01", "valid_to": "2024-06-30",
		}},
	})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
}

// =============================================================================
// STUDENTS AND BILLING
// =============================================================================

func TestStudentScheduleAndBill(t *testing.T) {
	// GIVEN: A student with a weekly Tuesday lesson
	s := newTestServer(t)
	s.seedStudent()

	// WHEN: Requesting the March bill
	rec := s.do(http.MethodGet, "/api/students/stu-1/bill?from=2024-03-01&to=2024-03-31", nil)

	// THEN: Four Tuesdays at 60 each
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bill := decodeBody[BillDTO](t, rec)
	assertDec(t, "240", bill.Total)
	assertDec(t, "40", bill.Travel)
	require.Len(t, bill.Lines, 1)
	assert.Equal(t, "base", bill.Lines[0].Tag)

	schedule := decodeBody[[]ScheduleEntryDTO](t, s.do(http.MethodGet, "/api/students/stu-1/schedule", nil))
	require.Len(t, schedule, 1)
	assert.Equal(t, "Tuesday", schedule[0].Weekday)
}

func TestStudentNotFound(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{
		"/api/students/nope",
		"/api/students/nope/schedule",
		"/api/students/nope/ledger",
		"/api/students/nope/counters",
	} {
		rec := s.do(http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestCreateStudent_Validation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/students", map[string]any{
		"name": "", "enrollment_start": "01.09.2023", "enrollment_end": "2024-06-30",
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[ErrorResponse](t, rec)
	details, ok := resp.Details.(map[string]any)
	require.True(t, ok, "details: %v", resp.Details)
	assert.Equal(t, "required", details["StudentRequest.Name"])
	assert.Equal(t, "datetime", details["StudentRequest.EnrollmentStart"])
}

// =============================================================================
// EXCEPTIONS
// =============================================================================

func TestCancelLesson_TutorFault(t *testing.T) {
	// GIVEN: A student with Tuesday lessons
	s := newTestServer(t)
	s.seedStudent()

	// WHEN: The tutor cancels 2024-03-12
	rec := s.do(http.MethodPost, "/api/cancellations", map[string]any{
		"student_id": "stu-1", "date": "2024-03-12", "reason": "tutor_fault",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// THEN: The bill drops to 180 and one hour is owed
	bill := decodeBody[BillDTO](t, s.do(http.MethodGet, "/api/students/stu-1/bill?from=2024-03-01&to=2024-03-31", nil))
	assertDec(t, "180", bill.Total)

	st := decodeBody[StudentDTO](t, s.do(http.MethodGet, "/api/students/stu-1", nil))
	assertDec(t, "1", st.Counters.PendingHours)

	check := decodeBody[CounterCheckDTO](t, s.do(http.MethodGet, "/api/students/stu-1/counters", nil))
	assert.True(t, check.Consistent)
}

func TestEditLessonRate(t *testing.T) {
	// GIVEN: A student with Tuesday lessons
	s := newTestServer(t)
	s.seedStudent()

	// WHEN: The lesson on 2024-03-19 is charged 80 instead of 60
	rec := s.do(http.MethodPost, "/api/rate-edits", map[string]any{
		"student_id": "stu-1", "date": "2024-03-19", "amount": "80",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	x := decodeBody[ExtraDTO](t, rec)
	assert.Equal(t, "rate_edited", x.Type)
	assert.Equal(t, "17:00", x.Time)

	// THEN: The bill swaps 60 for 80
	bill := decodeBody[BillDTO](t, s.do(http.MethodGet, "/api/students/stu-1/bill?from=2024-03-01&to=2024-03-31", nil))
	assertDec(t, "260", bill.Total)

	// AND: A second edit of the same day is rejected
	rec = s.do(http.MethodPost, "/api/rate-edits", map[string]any{
		"student_id": "stu-1", "date": "2024-03-19", "amount": "70",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestAdjustCountersAndLedger(t *testing.T) {
	// GIVEN: A student with zero counters
	s := newTestServer(t)
	s.seedStudent()

	// WHEN: An operator sets the counters by hand
	rec := s.do(http.MethodPut, "/api/students/stu-1/counters", map[string]any{
		"absence_count": 2, "makeup_count": 1,
		"pending_makeup_hours": "1.5", "contracted_makeup_hours": "0",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decodeBody[StudentDTO](t, rec)
	assert.Equal(t, 2, st.Counters.AbsenceCount)
	assertDec(t, "1.5", st.Counters.PendingHours)

	// THEN: The ledger explains the new values
	check := decodeBody[CounterCheckDTO](t, s.do(http.MethodGet, "/api/students/stu-1/counters", nil))
	assert.True(t, check.Consistent)
	assertDec(t, "1.5", check.Replayed.PendingHours)

	txs := decodeBody[[]TransactionDTO](t, s.do(http.MethodGet, "/api/students/stu-1/ledger", nil))
	adjustments := 0
	for _, tx := range txs {
		if tx.Type == "adjustment" {
			adjustments++
		}
	}
	assert.Equal(t, 3, adjustments)

	// AND: Negative counts fail validation
	rec = s.do(http.MethodPut, "/api/students/stu-1/counters", map[string]any{"absence_count": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelLesson_Rejections(t *testing.T) {
	s := newTestServer(t)
	s.seedStudent()

	tests := []struct {
		name   string
		body   map[string]any
		status int
	}{
		{"unknown reason", map[string]any{"student_id": "stu-1", "date": "2024-03-12", "reason": "weather"}, http.StatusBadRequest},
		{"bad date", map[string]any{"student_id": "stu-1", "date": "12/03/2024", "reason": "tutor_fault"}, http.StatusBadRequest},
		{"no lesson that day", map[string]any{"student_id": "stu-1", "date": "2024-03-13", "reason": "tutor_fault"}, http.StatusBadRequest},
		{"unknown student", map[string]any{"student_id": "nope", "date": "2024-03-12", "reason": "tutor_fault"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/api/cancellations", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestExtras_SlotConflictAndDelete(t *testing.T) {
	s := newTestServer(t)
	s.seedStudent()
	body := map[string]any{"student_id": "stu-1", "date": "2024-03-14", "time": "16:00", "amount": "60"}

	rec := s.do(http.MethodPost, "/api/extras", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	x := decodeBody[ExtraDTO](t, rec)
	assert.Equal(t, string(tutoring.ExtraAdditionalPaid), x.Type)

	rec = s.do(http.MethodPost, "/api/extras", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodDelete, "/api/extras/"+x.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(http.MethodDelete, "/api/extras/"+x.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMakeupSettledByScheduler(t *testing.T) {
	// GIVEN: A student-fault absence and a makeup already in the past
	s := newTestServer(t)
	s.seedStudent()
	rec := s.do(http.MethodPost, "/api/cancellations", map[string]any{
		"student_id": "stu-1", "date": "2024-03-05", "reason": "student_fault",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.do(http.MethodPost, "/api/makeups", map[string]any{
		"student_id": "stu-1", "date": "2024-03-07", "time": "17:00",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// WHEN: The scheduler runs, then the admin endpoint runs again
	scheduler := NewMakeupScheduler(s.svc, nil, s.metrics)
	n := scheduler.RunNow()
	again := decodeBody[CountResponse](t, s.do(http.MethodPost, "/api/admin/settle-makeups", nil))

	// THEN: One makeup is settled once and contracted hours are back to zero
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, again.Count)
	assert.False(t, scheduler.LastRun().IsZero())
	st := decodeBody[StudentDTO](t, s.do(http.MethodGet, "/api/students/stu-1", nil))
	assertDec(t, "0", st.Counters.ContractedHours)
	assert.Equal(t, 1, st.Counters.AbsenceCount)
}

func TestRescheduleAndLessons(t *testing.T) {
	s := newTestServer(t)
	s.seedStudent()

	rec := s.do(http.MethodPost, "/api/reschedules", map[string]any{
		"student_id": "stu-1", "from_date": "2024-03-12", "to_date": "2024-03-14", "to_time": "18:00",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decodeBody[LessonsResponse](t, s.do(http.MethodGet, "/api/lessons?from=2024-03-11&to=2024-03-17&student=stu-1", nil))
	require.Len(t, resp.Lessons, 1)
	assert.Equal(t, "2024-03-14", resp.Lessons[0].Date)
	assert.Equal(t, "18:00", resp.Lessons[0].Time)
	assert.Equal(t, string(tutoring.CategoryRescheduled), resp.Lessons[0].Category)

	rec = s.do(http.MethodGet, "/api/lessons?from=2024-03-17&to=2024-03-11", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(http.MethodGet, "/api/lessons?from=2024-03-11&to=2024-03-17&mode=guess", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// SETTLEMENTS AND REPORTS
// =============================================================================

func TestSettlements_SaveReconcileExport(t *testing.T) {
	// GIVEN: A per-session student who paid 40 for the 2024-03-12 lesson
	s := newTestServer(t)
	s.seedStudent()
	rec := s.do(http.MethodPut, "/api/students/stu-1/settlements", map[string]any{
		"settlements": []map[string]any{{"period_id": "2024-03-12", "required": "60", "paid": "40"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: Reconciling that date
	r := decodeBody[ReconciliationDTO](t, s.do(http.MethodGet, "/api/students/stu-1/reconciliation/2024-03-12", nil))

	// THEN: 20 is still owed, and the workbook lists the row
	assertDec(t, "20", r.Balance)

	rec = s.do(http.MethodGet, "/api/students/stu-1/settlements.xlsx", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "settlements_stu-1.xlsx")
	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Settlements")
	require.NoError(t, err)
	found := false
	for _, row := range rows {
		if len(row) > 4 && row[0] == "2024-03-12" {
			found = true
			assert.Equal(t, "40.00", row[4])
		}
	}
	assert.True(t, found)

	rec = s.do(http.MethodGet, "/api/students/stu-1/reconciliation/March", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReportsAndForecast(t *testing.T) {
	s := newTestServer(t)
	s.seedStudent()

	rep := decodeBody[ReportDTO](t, s.do(http.MethodGet, "/api/reports/reconciliation?from=2024-03-01&to=2024-03-31", nil))
	assertDec(t, "240", rep.Planned)
	require.Len(t, rep.Students, 1)

	months := decodeBody[[]MonthIncomeDTO](t, s.do(http.MethodGet, "/api/reports/forecast", nil))
	require.Len(t, months, 10)
	assert.Equal(t, "2023-09", months[0].Month)

	rec := s.do(http.MethodGet, "/api/reports/reconciliation?from=2024-03-01&to=2024-03-31&format=xlsx", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/vnd.openxmlformats"))
}

func TestPeriodQueriesAreBounded(t *testing.T) {
	// GIVEN: A student and the default three-year bound
	s := newTestServer(t)
	s.seedStudent()

	// WHEN: A report spans thousands of years
	rec := s.do(http.MethodGet, "/api/reports/reconciliation?from=0002-01-01&to=9999-12-31", nil)

	// THEN: It is rejected before any day is generated
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "1096 days")

	// AND: The bound is inclusive of its last day
	rec = s.do(http.MethodGet, "/api/lessons?from=2024-01-01&to=2026-12-31", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(http.MethodGet, "/api/lessons?from=2024-01-01&to=2027-01-01", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(http.MethodGet, "/api/students/stu-1/bill?from=2020-01-01&to=2024-03-31", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	s.do(http.MethodGet, "/api/students", nil)

	rec := s.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `tutor_http_requests_total{method="GET",route="/api/students`)
	assert.Contains(t, rec.Body.String(), "tutor_http_request_duration_seconds")
}
