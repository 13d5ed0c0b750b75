package tutoring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/generic/store"
)

func stampAt(key, date string) Stamp {
	return Stamp{Key: key, At: day(date), Ref: key, By: "test"}
}

func TestCancelLesson_CounterEffects(t *testing.T) {
	tests := []struct {
		reason      CancelReason
		absences    int
		makeups     int
		pending     string
		transaction int
	}{
		{ReasonStudentFault, 1, 1, "1.5", 3},
		{ReasonTutorFault, 0, 0, "1.5", 1},
		{ReasonHolidayOrEdit, 0, 0, "0", 0},
		{ReasonRescheduled, 0, 0, "0", 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			st := Student{ID: "stu-1"}

			txs := CancelLesson(&st, tt.reason, dec("1.5"), stampAt("cancel:c-1", "2024-03-12"))

			assert.Equal(t, tt.absences, st.AbsenceCount)
			assert.Equal(t, tt.makeups, st.MakeupCount)
			assertDec(t, tt.pending, st.PendingMakeupHours)
			assert.Len(t, txs, tt.transaction)
		})
	}
}

func TestScheduleMakeup_MovesPendingToContracted(t *testing.T) {
	// GIVEN: 1.0 pending hour
	st := Student{ID: "stu-1", PendingMakeupHours: dec("1")}
	x := Extra{ID: "x-1", StudentID: "stu-1", Date: "2024-03-14", Time: "17:00", Duration: dec("1.5")}

	// WHEN: Booking a 1.5h makeup
	txs := ScheduleMakeup(&st, &x, stampAt("makeup:x-1", "2024-03-10"))

	// THEN: Contracted grows by the full duration, pending cannot go below zero
	assertDec(t, "0", st.PendingMakeupHours)
	assertDec(t, "1.5", st.ContractedMakeupHours)
	assert.Equal(t, ExtraMakeup, x.Type)
	assert.Equal(t, StatusPlanned, x.Status)
	assert.Len(t, txs, 2)
}

func TestSettlePastMakeups_Idempotent(t *testing.T) {
	// GIVEN: One past and one future planned makeup
	st := &Student{ID: "stu-1", ContractedMakeupHours: dec("2")}
	extras := []Extra{
		{ID: "past", StudentID: "stu-1", Date: "2024-03-01", Time: "17:00", Type: ExtraMakeup, Status: StatusPlanned, Duration: dec("1")},
		{ID: "future", StudentID: "stu-1", Date: "2024-03-20", Time: "17:00", Type: ExtraMakeup, Status: StatusPlanned, Duration: dec("1")},
		{ID: "paid", StudentID: "stu-1", Date: "2024-03-02", Time: "17:00", Type: ExtraAdditionalPaid, Status: StatusPlanned, Duration: dec("1")},
	}
	students := map[StudentID]*Student{"stu-1": st}
	today := day("2024-03-15")

	// WHEN: Settling twice
	changed, txs := SettlePastMakeups(students, extras, today, "test")
	require.Len(t, changed, 1)
	assert.Equal(t, "past", changed[0].ID)
	assert.Equal(t, StatusFulfilled, changed[0].Status)
	require.Len(t, txs, 1)
	assert.Equal(t, "settle:past:"+string(AccountContractedHours), txs[0].IdempotencyKey)
	assertDec(t, "1", st.ContractedMakeupHours)

	extras[0] = changed[0]
	again, txs := SettlePastMakeups(students, extras, today, "test")

	// THEN: The second run is a no-op
	assert.Empty(t, again)
	assert.Empty(t, txs)
	assertDec(t, "1", st.ContractedMakeupHours)
}

func TestDeleteMakeup_ReturnsHoursToPending(t *testing.T) {
	st := Student{ID: "stu-1", ContractedMakeupHours: dec("0.5")}
	x := Extra{ID: "x-1", Duration: dec("1"), Date: "2024-03-14"}

	txs := DeleteMakeup(&st, x, stampAt("unbook:x-1", "2024-03-10"))

	assertDec(t, "0", st.ContractedMakeupHours)
	assertDec(t, "1", st.PendingMakeupHours)
	assert.Len(t, txs, 2)
}

func TestAdjustCounters_ClampsAndRecordsDifferences(t *testing.T) {
	st := Student{ID: "stu-1", AbsenceCount: 3, PendingMakeupHours: dec("2")}

	txs := AdjustCounters(&st, Counters{AbsenceCount: 1, MakeupCount: -4, PendingHours: dec("2"), ContractedHours: dec("1")},
		stampAt("adjust:1", "2024-03-10"))

	assert.Equal(t, 1, st.AbsenceCount)
	assert.Equal(t, 0, st.MakeupCount)
	assertDec(t, "1", st.ContractedMakeupHours)
	require.Len(t, txs, 2)
	for _, tx := range txs {
		assert.Equal(t, generic.TxAdjustment, tx.Type)
	}
}

// =============================================================================
// LEDGER REPLAY
// =============================================================================

func TestMakeupLedger_ReplayMatchesCounters(t *testing.T) {
	// GIVEN: A realistic command sequence recorded in the ledger
	ctx := context.Background()
	ledger := NewMakeupLedger(store.NewMemory())
	st := Student{ID: "stu-1"}

	record := func(txs []generic.Transaction) {
		t.Helper()
		require.NoError(t, ledger.Record(ctx, txs))
	}
	record(CancelLesson(&st, ReasonStudentFault, dec("1"), stampAt("cancel:c-1", "2024-03-05")))
	record(CancelLesson(&st, ReasonTutorFault, dec("1.5"), stampAt("cancel:c-2", "2024-03-06")))
	x1 := Extra{ID: "x-1", StudentID: "stu-1", Date: "2024-03-08", Duration: dec("1")}
	record(ScheduleMakeup(&st, &x1, stampAt("makeup:x-1", "2024-03-07")))
	x2 := Extra{ID: "x-2", StudentID: "stu-1", Date: "2024-03-20", Duration: dec("2")}
	record(ScheduleMakeup(&st, &x2, stampAt("makeup:x-2", "2024-03-07")))
	_, settled := SettlePastMakeups(map[StudentID]*Student{"stu-1": &st}, []Extra{x1, x2}, day("2024-03-09"), "test")
	record(settled)
	record(DeleteMakeup(&st, x2, stampAt("unbook:x-2", "2024-03-10")))

	// WHEN: Replaying
	replayed, err := ledger.Replay(ctx, "stu-1")

	// THEN: The ledger explains the counters exactly
	require.NoError(t, err)
	assert.True(t, replayed.Equal(CountersOf(st)), "replayed %+v, stored %+v", replayed, CountersOf(st))
	assert.Equal(t, 1, replayed.AbsenceCount)
	assertDec(t, "2", replayed.PendingHours)
	assertDec(t, "0", replayed.ContractedHours)

	pending, err := ledger.Balance(ctx, "stu-1", AccountPendingHours, day("2024-03-06"))
	require.NoError(t, err)
	assertDec(t, "2.5", pending.Value)

	history, err := ledger.History(ctx, "stu-1")
	require.NoError(t, err)
	assert.NotEmpty(t, history)
}

func TestMakeupLedger_RecordOnceIgnoresReplays(t *testing.T) {
	ctx := context.Background()
	ledger := NewMakeupLedger(store.NewMemory())
	st := Student{ID: "stu-1"}
	txs := CancelLesson(&st, ReasonTutorFault, dec("1"), stampAt("cancel:c-1", "2024-03-05"))

	require.NoError(t, ledger.RecordOnce(ctx, txs))
	require.NoError(t, ledger.RecordOnce(ctx, txs))
	assert.ErrorIs(t, ledger.Record(ctx, txs), generic.ErrDuplicateIdempotencyKey)

	replayed, err := ledger.Replay(ctx, "stu-1")
	require.NoError(t, err)
	assertDec(t, "1", replayed.PendingHours)
}

func TestReplayCounters_RejectsNegativeHistory(t *testing.T) {
	txs := map[generic.AccountID][]generic.Transaction{
		AccountPendingHours: {
			{ID: "t1", EffectiveAt: day("2024-03-01"), Delta: hours(dec("1"))},
			{ID: "t2", EffectiveAt: day("2024-03-02"), Delta: hours(dec("-2"))},
		},
	}

	_, err := ReplayCounters("stu-1", txs)

	var violation *generic.CounterViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, AccountPendingHours, violation.AccountID)
	assert.ErrorIs(t, err, generic.ErrTransactionFailed)
}

// =============================================================================
// LEGACY MIGRATION
// =============================================================================

func TestMigrateLegacySchedule_RoundTrip(t *testing.T) {
	// GIVEN: Flat fields for two weekly lessons
	st := Student{
		ID:              "stu-1",
		EnrollmentStart: "2024-01-01",
		EnrollmentEnd:   "2024-06-30",
		LegacyWeekdays:  "Monday;Wednesday",
		LegacyTimes:     "16:00;18:00",
		LegacyDurations: "1.0;1.5",
	}

	// WHEN: Migrating
	entries, err := MigrateLegacySchedule(st)
	require.NoError(t, err)

	// THEN: Two entries over the enrollment window that render back identically
	require.Len(t, entries, 2)
	assert.Equal(t, "Wednesday", entries[1].Weekday)
	assert.Equal(t, "18:00", entries[1].Time)
	assertDec(t, "1.5", entries[1].Duration)
	assert.Equal(t, "2024-01-01", entries[0].ValidFrom)
	assert.Equal(t, "2024-06-30", entries[0].ValidTo)

	w, tm, d := LegacyFields(entries)
	assert.Equal(t, st.LegacyWeekdays, w)
	assert.Equal(t, st.LegacyTimes, tm)
	assert.Equal(t, st.LegacyDurations, d)
}

func TestMigrateLegacySchedule_PositionalFallback(t *testing.T) {
	st := Student{
		ID: "stu-1", EnrollmentStart: "2024-01-01", EnrollmentEnd: "2024-06-30",
		LegacyWeekdays: "poniedziałek;czwartek;sobota", LegacyTimes: "16:00",
	}

	entries, err := MigrateLegacySchedule(st)

	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, "16:00", e.Time)
		assertDec(t, "1", e.Duration)
	}
	assert.Equal(t, "Saturday", entries[2].Weekday)
}

func TestMigrateLegacySchedule_Rejects(t *testing.T) {
	base := Student{ID: "stu-1", EnrollmentStart: "2024-01-01", EnrollmentEnd: "2024-06-30", LegacyWeekdays: "Monday"}

	noTimes := base
	_, err := MigrateLegacySchedule(noTimes)
	assert.ErrorIs(t, err, generic.ErrInvalidRecord)

	badDay := base
	badDay.LegacyWeekdays, badDay.LegacyTimes = "Someday", "16:00"
	_, err = MigrateLegacySchedule(badDay)
	assert.ErrorIs(t, err, generic.ErrInvalidRecord)

	empty := Student{ID: "stu-2"}
	entries, err := MigrateLegacySchedule(empty)
	assert.NoError(t, err)
	assert.Empty(t, entries)
}
