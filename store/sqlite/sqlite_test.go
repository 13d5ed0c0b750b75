package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/store/sqlite"
	"github.com/warp/lesson-engine/tutoring"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func student(id string) tutoring.Student {
	return tutoring.Student{
		ID:              tutoring.StudentID(id),
		Name:            "Student " + id,
		HourlyRate:      dec("50"),
		TravelSurcharge: dec("10"),
		BillingMode:     tutoring.BillingPerSession,
		EnrollmentStart: "2024-01-01",
		EnrollmentEnd:   "2024-06-30",
	}
}

// =============================================================================
// RECORDS
// =============================================================================

func TestStore_StudentRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	st := student("stu-1")
	st.PendingMakeupHours = dec("1.5")
	st.LegacyWeekdays = "Monday;Wednesday"
	require.NoError(t, store.UpsertStudent(ctx, st))

	got, err := store.GetStudent(ctx, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, st.Name, got.Name)
	assert.True(t, st.PendingMakeupHours.Equal(got.PendingMakeupHours))
	assert.Equal(t, "Monday;Wednesday", got.LegacyWeekdays)

	st.Name = "Renamed"
	require.NoError(t, store.UpsertStudent(ctx, st))
	all, err := store.ListStudents(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Renamed", all[0].Name)

	require.NoError(t, store.DeleteStudent(ctx, "stu-1"))
	_, err = store.GetStudent(ctx, "stu-1")
	assert.ErrorIs(t, err, generic.ErrStudentNotFound)
	assert.ErrorIs(t, store.DeleteStudent(ctx, "stu-1"), generic.ErrStudentNotFound)
}

func TestStore_ExtraSlotUnique(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	x := tutoring.Extra{ID: "x-1", StudentID: "stu-1", Date: "2024-03-14", Time: "17:00",
		Type: tutoring.ExtraMakeup, Duration: dec("1"), Amount: dec("60"), Status: tutoring.StatusPlanned}
	require.NoError(t, store.UpsertExtra(ctx, x))

	clash := x
	clash.ID = "x-2"
	assert.ErrorIs(t, store.UpsertExtra(ctx, clash), generic.ErrDuplicateExtra)

	x.Status = tutoring.StatusFulfilled
	require.NoError(t, store.UpsertExtra(ctx, x))
	got, err := store.GetExtra(ctx, "x-1")
	require.NoError(t, err)
	assert.Equal(t, tutoring.StatusFulfilled, got.Status)

	_, err = store.GetExtra(ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrExtraNotFound)
}

func TestStore_CancellationsKeepAppendOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	for _, id := range []string{"c-b", "c-a", "c-c"} {
		require.NoError(t, store.AppendCancellation(ctx, tutoring.Cancellation{
			ID: id, StudentID: "stu-1", Date: "2024-03-12", Reason: tutoring.ReasonTutorFault, CreatedAt: now,
		}))
	}

	all, err := store.ListCancellations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c-b", all[0].ID)
	assert.Equal(t, "c-c", all[2].ID)
}

func TestStore_SettlementsUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertSettlements(ctx, []tutoring.Settlement{
		{StudentID: "stu-1", PeriodID: "2024-03", Required: dec("240"), Paid: dec("100")},
	}))
	require.NoError(t, store.UpsertSettlements(ctx, []tutoring.Settlement{
		{StudentID: "stu-1", PeriodID: "2024-03", Required: dec("240"), Paid: dec("240")},
	}))

	all, err := store.ListSettlements(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, dec("240").Equal(all[0].Paid))
}

// =============================================================================
// LEDGER
// =============================================================================

func TestStore_LedgerOrderAndIdempotency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := generic.MustDate("2024-03-10")
	hours := func(v string) generic.Amount { return generic.NewAmountFromDecimal(dec(v), generic.UnitHours) }

	txs := []generic.Transaction{
		{ID: "z-first", EntityID: "stu-1", AccountID: tutoring.AccountPendingHours, EffectiveAt: at, Delta: hours("2"),
			Type: generic.TxGrant, IdempotencyKey: "k1"},
		{ID: "a-second", EntityID: "stu-1", AccountID: tutoring.AccountPendingHours, EffectiveAt: at, Delta: hours("-2"),
			Type: generic.TxConsumption, IdempotencyKey: "k2"},
	}
	require.NoError(t, store.AppendBatch(ctx, txs))

	// same-day transactions come back in insertion order, not id order
	loaded, err := store.Load(ctx, "stu-1", tutoring.AccountPendingHours)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, generic.TransactionID("z-first"), loaded[0].ID)
	assert.True(t, dec("2").Equal(loaded[0].Delta.Value))
	assert.Equal(t, generic.UnitHours, loaded[0].Delta.Unit)

	err = store.Append(ctx, generic.Transaction{ID: "again", EntityID: "stu-1", AccountID: tutoring.AccountPendingHours,
		EffectiveAt: at, Delta: hours("1"), Type: generic.TxGrant, IdempotencyKey: "k1"})
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)

	exists, err := store.Exists(ctx, "k2")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx tutoring.Repository) error {
		require.NoError(t, tx.UpsertStudent(ctx, student("stu-1")))
		require.NoError(t, tx.Append(ctx, generic.Transaction{ID: "t1", EntityID: "stu-1",
			AccountID: tutoring.AccountAbsences, EffectiveAt: generic.MustDate("2024-03-10"),
			Delta: generic.NewAmountFromInt(1, generic.UnitCount), Type: generic.TxGrant}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetStudent(ctx, "stu-1")
	assert.ErrorIs(t, err, generic.ErrStudentNotFound)
	history, err := store.LoadByEntity(ctx, "stu-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

// =============================================================================
// SERVICE ON SQLITE
// =============================================================================

func TestStore_ServiceEndToEnd(t *testing.T) {
	// GIVEN: A service backed by SQLite and a student with Tuesday lessons
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	svc := tutoring.NewService(store, tutoring.WithClock(func() time.Time { return now }))

	st, err := svc.CreateStudent(ctx, student("stu-1"))
	require.NoError(t, err)
	_, err = svc.ReplaceSchedule(ctx, st.ID, []tutoring.ScheduleEntry{{
		Weekday: "Tuesday", Time: "17:00", Duration: dec("1"), ValidFrom: "2024-01-01", ValidTo: "2024-06-30",
	}})
	require.NoError(t, err)

	// WHEN: A student-fault cancellation and a makeup
	_, err = svc.CancelLesson(ctx, tutoring.CancelRequest{StudentID: st.ID, Date: "2024-03-05", Reason: tutoring.ReasonStudentFault})
	require.NoError(t, err)
	_, err = svc.ScheduleMakeup(ctx, tutoring.MakeupRequest{StudentID: st.ID, Date: "2024-03-07", Time: "17:00"})
	require.NoError(t, err)
	now = now.AddDate(0, 0, 1)
	n, err := svc.SettlePastMakeups(ctx)
	require.NoError(t, err)

	// THEN: Counters, ledger and bill agree
	assert.Equal(t, 1, n)
	stored, replayed, ok, err := svc.CheckCounters(ctx, st.ID)
	require.NoError(t, err)
	assert.True(t, ok, "stored %+v, replayed %+v", stored, replayed)
	assert.Equal(t, 1, stored.AbsenceCount)
	assert.True(t, stored.ContractedHours.IsZero())

	bill, err := svc.Bill(ctx, st.ID, generic.Period{Start: generic.MustDate("2024-03-01"), End: generic.MustDate("2024-03-31")})
	require.NoError(t, err)
	// 4 Tuesdays - 1 cancelled + 1 makeup
	assert.True(t, dec("240").Equal(bill.Total), "got %s", bill.Total)
}
