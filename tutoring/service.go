/*
service.go - Commands and queries over a Repository

PURPOSE:
  Service is the single entry point the HTTP layer and the scheduler use.
  Commands validate their input, take the student's lock, open a
  transaction, apply the makeup state machine and persist both the records
  and the counter transactions. Queries load a Snapshot, compile an Index
  and run the pure engine over it.

COMMAND FLOW:
  validate -> Lock("student:<id>") -> WithTx {
      GetStudent -> mutate records -> transition counters
      -> UpsertStudent (if counters moved) -> MakeupLedger.Record
  } -> unlock

IDEMPOTENCY:
  Counter transactions are keyed by the command (cancel:<id>,
  makeup:<id>:<nonce>, settle:<id>, ...). Settling past makeups is
  naturally idempotent because only planned makeups are settled.
*/
package tutoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/warp/lesson-engine/generic"
)

type Service struct {
	repo   Repository
	locker Locker
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
	actor  string
}

type Option func(*Service)

// WithLocker replaces the in-process KeyedMutex, e.g. with a Redis lock.
func WithLocker(l Locker) Option { return func(s *Service) { s.locker = l } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithIDGenerator(f func() string) Option { return func(s *Service) { s.newID = f } }

// WithActor sets the CreatedBy of recorded counter transactions.
func WithActor(actor string) Option { return func(s *Service) { s.actor = actor } }

func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		locker: NewKeyedMutex(),
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
		actor:  "system",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Today() generic.TimePoint { return generic.DateOf(s.now()) }

func (s *Service) stamp(key, ref string) Stamp {
	return Stamp{Key: key, At: s.Today(), Ref: ref, By: s.actor}
}

// withStudent runs fn under the student's lock inside one transaction.
// Counter changes fn makes to st are persisted together with the
// transactions it returns.
func (s *Service) withStudent(ctx context.Context, id StudentID, fn func(tx Repository, st *Student) ([]generic.Transaction, error)) (Student, error) {
	unlock, err := s.locker.Lock(ctx, StudentLockKey(id))
	if err != nil {
		return Student{}, fmt.Errorf("lock student %s: %w", id, err)
	}
	defer unlock()

	var result Student
	err = s.repo.WithTx(ctx, func(tx Repository) error {
		st, err := tx.GetStudent(ctx, id)
		if err != nil {
			return err
		}
		before := CountersOf(st)
		txs, err := fn(tx, &st)
		if err != nil {
			return err
		}
		if !CountersOf(st).Equal(before) {
			if err := tx.UpsertStudent(ctx, st); err != nil {
				return err
			}
		}
		if err := NewMakeupLedger(tx).Record(ctx, txs); err != nil {
			return fmt.Errorf("record counter changes: %w", err)
		}
		result = st
		return nil
	})
	return result, err
}

// =============================================================================
// STUDENTS
// =============================================================================

func (s *Service) ListStudents(ctx context.Context) ([]Student, error) {
	return s.repo.ListStudents(ctx)
}

func (s *Service) GetStudent(ctx context.Context, id StudentID) (Student, error) {
	return s.repo.GetStudent(ctx, id)
}

// CreateStudent stores a new student. Opening counter values are recorded
// as adjustments so the ledger replays to them.
func (s *Service) CreateStudent(ctx context.Context, st Student) (Student, error) {
	st, err := normalizeStudent(st)
	if err != nil {
		return Student{}, err
	}
	if st.ID == "" {
		st.ID = StudentID(s.newID())
	}
	opening := CountersOf(st)
	Counters{}.apply(&st)

	unlock, err := s.locker.Lock(ctx, StudentLockKey(st.ID))
	if err != nil {
		return Student{}, fmt.Errorf("lock student %s: %w", st.ID, err)
	}
	defer unlock()

	err = s.repo.WithTx(ctx, func(tx Repository) error {
		if _, err := tx.GetStudent(ctx, st.ID); err == nil {
			return generic.InvalidField("student", "id", string(st.ID), "already exists")
		} else if !errors.Is(err, generic.ErrStudentNotFound) {
			return err
		}
		txs := AdjustCounters(&st, opening, s.stamp("open:"+string(st.ID), string(st.ID)))
		if err := tx.UpsertStudent(ctx, st); err != nil {
			return err
		}
		return NewMakeupLedger(tx).Record(ctx, txs)
	})
	if err != nil {
		return Student{}, err
	}
	s.logger.Info("student created", "student_id", st.ID, "billing_mode", st.BillingMode)
	return st, nil
}

// UpdateStudent replaces the student's profile. Counters are kept; change
// them through AdjustCounters.
func (s *Service) UpdateStudent(ctx context.Context, st Student) (Student, error) {
	st, err := normalizeStudent(st)
	if err != nil {
		return Student{}, err
	}
	return s.withStudent(ctx, st.ID, func(tx Repository, cur *Student) ([]generic.Transaction, error) {
		counters := CountersOf(*cur)
		*cur = st
		counters.apply(cur)
		return nil, tx.UpsertStudent(ctx, *cur)
	})
}

func (s *Service) DeleteStudent(ctx context.Context, id StudentID) error {
	unlock, err := s.locker.Lock(ctx, StudentLockKey(id))
	if err != nil {
		return fmt.Errorf("lock student %s: %w", id, err)
	}
	defer unlock()
	if err := s.repo.DeleteStudent(ctx, id); err != nil {
		return err
	}
	s.logger.Info("student deleted", "student_id", id)
	return nil
}

// AdjustCounters sets a student's counters, recording the differences.
func (s *Service) AdjustCounters(ctx context.Context, id StudentID, target Counters) (Student, error) {
	return s.withStudent(ctx, id, func(_ Repository, st *Student) ([]generic.Transaction, error) {
		return AdjustCounters(st, target, s.stamp("adjust:"+s.newID(), string(id))), nil
	})
}

// =============================================================================
// SCHEDULE
// =============================================================================

// Schedule returns a student's entries in matching order.
func (s *Service) Schedule(ctx context.Context, id StudentID) ([]ScheduleEntry, error) {
	all, err := s.repo.ListScheduleEntries(ctx)
	if err != nil {
		return nil, err
	}
	mine := lo.Filter(all, func(e ScheduleEntry, _ int) bool { return e.StudentID == id })
	var diags Diagnostics
	planned := make([]plannedEntry, 0, len(mine))
	var broken []ScheduleEntry
	for _, e := range mine {
		if p, ok := compileEntry(e, &diags); ok {
			planned = append(planned, p)
		} else {
			broken = append(broken, e)
		}
	}
	sortPlanned(planned)
	out := lo.Map(planned, func(p plannedEntry, _ int) ScheduleEntry { return p.ScheduleEntry })
	return append(out, broken...), nil
}

// ReplaceSchedule swaps a student's entries for the given ones. Entries are
// validated and get ids and creation order.
func (s *Service) ReplaceSchedule(ctx context.Context, id StudentID, entries []ScheduleEntry) ([]ScheduleEntry, error) {
	base := s.now().UnixNano()
	out := make([]ScheduleEntry, 0, len(entries))
	for i, e := range entries {
		e.StudentID = id
		n, err := normalizeEntry(e)
		if err != nil {
			return nil, err
		}
		if n.ID == "" {
			n.ID = s.newID()
		}
		n.Seq = base + int64(i)
		out = append(out, n)
	}

	_, err := s.withStudent(ctx, id, func(tx Repository, _ *Student) ([]generic.Transaction, error) {
		if err := tx.DeleteScheduleEntriesForStudent(ctx, id); err != nil {
			return nil, err
		}
		for _, e := range out {
			if err := tx.UpsertScheduleEntry(ctx, e); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("schedule replaced", "student_id", id, "entries", len(out))
	return out, nil
}

// MigrateLegacy converts the flat schedule fields of every student without
// entries. Students whose fields cannot be converted are logged and skipped.
func (s *Service) MigrateLegacy(ctx context.Context) (int, error) {
	students, err := s.repo.ListStudents(ctx)
	if err != nil {
		return 0, err
	}
	entries, err := s.repo.ListScheduleEntries(ctx)
	if err != nil {
		return 0, err
	}
	has := lo.SliceToMap(entries, func(e ScheduleEntry) (StudentID, bool) { return e.StudentID, true })

	migrated := 0
	for _, st := range students {
		if has[st.ID] || !HasLegacySchedule(st) {
			continue
		}
		converted, err := MigrateLegacySchedule(st)
		if err != nil {
			s.logger.Warn("legacy schedule not migrated", "student_id", st.ID, "error", err)
			continue
		}
		if _, err := s.ReplaceSchedule(ctx, st.ID, converted); err != nil {
			return migrated, fmt.Errorf("migrate student %s: %w", st.ID, err)
		}
		migrated++
	}
	return migrated, nil
}

// =============================================================================
// CANCELLATIONS
// =============================================================================

type CancelRequest struct {
	StudentID StudentID
	Date      string
	Time      string          // optional; defaults to the scheduled time
	Reason    CancelReason
	Duration  decimal.Decimal // hours owed; zero means the scheduled duration
}

// CancelLesson cancels the regular lesson on a date and applies the
// counter effect of the reason.
func (s *Service) CancelLesson(ctx context.Context, req CancelRequest) (Cancellation, error) {
	if !req.Reason.Valid() || req.Reason == ReasonRescheduled {
		return Cancellation{}, generic.InvalidField("cancellation", "reason", string(req.Reason), "unknown reason")
	}
	date, err := generic.ParseDate(req.Date)
	if err != nil {
		return Cancellation{}, generic.InvalidField("cancellation", "date", req.Date, "expected YYYY-MM-DD")
	}
	clock := ""
	if req.Time != "" {
		if clock, err = normalizeClock("cancellation", "time", req.Time); err != nil {
			return Cancellation{}, err
		}
	}
	if req.Duration.IsNegative() {
		return Cancellation{}, generic.InvalidField("cancellation", "duration", req.Duration.String(), "must not be negative")
	}

	var c Cancellation
	_, err = s.withStudent(ctx, req.StudentID, func(tx Repository, st *Student) ([]generic.Transaction, error) {
		exceptions, err := s.exceptionsFor(ctx, tx)
		if err != nil {
			return nil, err
		}
		if _, cancelled := exceptions.IsCancelled(st.ID, date); cancelled {
			return nil, fmt.Errorf("%w: lesson on %s already cancelled", generic.ErrNoScheduledLesson, date)
		}
		entries, err := tx.ListScheduleEntries(ctx)
		if err != nil {
			return nil, err
		}
		entry, found := FindScheduleEntry(entries, st.ID, date)
		if !found {
			return nil, fmt.Errorf("%w: %s on %s", generic.ErrNoScheduledLesson, st.ID, date)
		}
		if clock == "" {
			clock = entry.Time
		}

		c = Cancellation{
			ID:        s.newID(),
			StudentID: st.ID,
			Date:      date.String(),
			Time:      clock,
			Reason:    req.Reason,
			CreatedAt: s.now().UTC(),
		}
		if err := tx.AppendCancellation(ctx, c); err != nil {
			return nil, err
		}
		owed := positiveOr(req.Duration, entry.Duration)
		return CancelLesson(st, req.Reason, owed, s.stamp("cancel:"+c.ID, c.ID)), nil
	})
	if err != nil {
		return Cancellation{}, err
	}
	s.logger.Info("lesson cancelled", "student_id", c.StudentID, "date", c.Date, "reason", c.Reason)
	return c, nil
}

func (s *Service) exceptionsFor(ctx context.Context, tx Repository) (*ExceptionLedger, error) {
	cancellations, err := tx.ListCancellations(ctx)
	if err != nil {
		return nil, err
	}
	extras, err := tx.ListExtras(ctx)
	if err != nil {
		return nil, err
	}
	ledger, _ := NewExceptionLedger(cancellations, extras, nil)
	return ledger, nil
}

// =============================================================================
// EXTRAS AND MAKEUPS
// =============================================================================

type MakeupRequest struct {
	StudentID StudentID
	Date      string
	Time      string
	Duration  decimal.Decimal // zero means one hour
	Amount    decimal.Decimal // zero means the student's rate for the duration
}

// ScheduleMakeup books a makeup session, moving hours from pending to contracted.
func (s *Service) ScheduleMakeup(ctx context.Context, req MakeupRequest) (Extra, error) {
	x, err := normalizeExtra(Extra{
		StudentID: req.StudentID,
		Date:      req.Date,
		Time:      req.Time,
		Type:      ExtraMakeup,
		Duration:  req.Duration,
		Amount:    req.Amount,
	})
	if err != nil {
		return Extra{}, err
	}
	x.ID = s.newID()

	_, err = s.withStudent(ctx, x.StudentID, func(tx Repository, st *Student) ([]generic.Transaction, error) {
		if x.Amount.IsZero() {
			x.Amount = LessonCost(*st, x.Duration)
		}
		txs := ScheduleMakeup(st, &x, s.stamp("makeup:"+x.ID+":"+s.newID(), x.ID))
		if err := tx.UpsertExtra(ctx, x); err != nil {
			return nil, err
		}
		return txs, nil
	})
	if err != nil {
		return Extra{}, err
	}
	s.logger.Info("makeup scheduled", "student_id", x.StudentID, "date", x.Date, "hours", x.Duration.String())
	return x, nil
}

// AddExtra stores a one-off session. Makeups go through ScheduleMakeup.
func (s *Service) AddExtra(ctx context.Context, x Extra) (Extra, error) {
	if x.Type == ExtraMakeup {
		return s.ScheduleMakeup(ctx, MakeupRequest{
			StudentID: x.StudentID, Date: x.Date, Time: x.Time, Duration: x.Duration, Amount: x.Amount,
		})
	}
	if x.Type == "" {
		x.Type = ExtraAdditionalPaid
	}
	x, err := normalizeExtra(x)
	if err != nil {
		return Extra{}, err
	}
	if x.ID == "" {
		x.ID = s.newID()
	}
	_, err = s.withStudent(ctx, x.StudentID, func(tx Repository, st *Student) ([]generic.Transaction, error) {
		if x.Amount.IsZero() {
			x.Amount = LessonCost(*st, x.Duration)
		}
		return nil, tx.UpsertExtra(ctx, x)
	})
	if err != nil {
		return Extra{}, err
	}
	return x, nil
}

type ExtraUpdate struct {
	Date     *string
	Time     *string
	Duration *decimal.Decimal
	Amount   *decimal.Decimal
}

// UpdateExtra edits an extra in place. Changing a makeup's duration is
// applied as a delete followed by a new booking, so its hours stay balanced.
func (s *Service) UpdateExtra(ctx context.Context, id string, upd ExtraUpdate) (Extra, error) {
	current, err := s.repo.GetExtra(ctx, id)
	if err != nil {
		return Extra{}, err
	}

	var updated Extra
	_, err = s.withStudent(ctx, current.StudentID, func(tx Repository, st *Student) ([]generic.Transaction, error) {
		old, err := tx.GetExtra(ctx, id)
		if err != nil {
			return nil, err
		}
		next := old
		if upd.Date != nil {
			next.Date = *upd.Date
		}
		if upd.Time != nil {
			next.Time = *upd.Time
		}
		if upd.Duration != nil {
			next.Duration = *upd.Duration
		}
		if upd.Amount != nil {
			next.Amount = *upd.Amount
		}
		if next, err = normalizeExtra(next); err != nil {
			return nil, err
		}

		var txs []generic.Transaction
		if old.Type == ExtraMakeup && !old.Duration.Equal(next.Duration) {
			if old.Status == StatusFulfilled {
				return nil, generic.InvalidField("extra", "duration", next.Duration.String(), "makeup already fulfilled")
			}
			nonce := s.newID()
			txs = append(txs, DeleteMakeup(st, old, s.stamp("edit:"+nonce+":release", old.ID))...)
			txs = append(txs, ScheduleMakeup(st, &next, s.stamp("edit:"+nonce+":book", old.ID))...)
		}
		if err := tx.UpsertExtra(ctx, next); err != nil {
			return nil, err
		}
		updated = next
		return txs, nil
	})
	if err != nil {
		return Extra{}, err
	}
	return updated, nil
}

// DeleteExtra removes an extra. Deleting a makeup returns its hours to pending.
func (s *Service) DeleteExtra(ctx context.Context, id string) error {
	current, err := s.repo.GetExtra(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.withStudent(ctx, current.StudentID, func(tx Repository, st *Student) ([]generic.Transaction, error) {
		x, err := tx.GetExtra(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := tx.DeleteExtra(ctx, id); err != nil {
			return nil, err
		}
		if x.Type != ExtraMakeup {
			return nil, nil
		}
		return DeleteMakeup(st, x, s.stamp("unbook:"+x.ID+":"+s.newID(), x.ID)), nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("extra deleted", "extra_id", id, "student_id", current.StudentID, "type", current.Type)
	return nil
}

type RescheduleRequest struct {
	StudentID StudentID
	FromDate  string
	FromTime  string // identifies an extra; empty means the regular lesson
	ToDate    string
	ToTime    string // empty keeps the original time
}

// RescheduleLesson moves a session. An extra at (FromDate, FromTime) is moved
// in place. A regular lesson is cancelled with reason rescheduled and
// replaced by a rescheduled extra at the new slot, with no counter effect.
func (s *Service) RescheduleLesson(ctx context.Context, req RescheduleRequest) (Extra, error) {
	from, err := generic.ParseDate(req.FromDate)
	if err != nil {
		return Extra{}, generic.InvalidField("reschedule", "from_date", req.FromDate, "expected YYYY-MM-DD")
	}
	to, err := normalizeDate("reschedule", "to_date", req.ToDate)
	if err != nil {
		return Extra{}, err
	}
	toTime := ""
	if req.ToTime != "" {
		if toTime, err = normalizeClock("reschedule", "to_time", req.ToTime); err != nil {
			return Extra{}, err
		}
	}

	var moved Extra
	_, err = s.withStudent(ctx, req.StudentID, func(tx Repository, st *Student) ([]generic.Transaction, error) {
		exceptions, err := s.exceptionsFor(ctx, tx)
		if err != nil {
			return nil, err
		}

		if req.FromTime != "" {
			clock, err := ParseClock(req.FromTime)
			if err != nil {
				return nil, generic.InvalidField("reschedule", "from_time", req.FromTime, "expected HH:MM")
			}
			if x, ok := exceptions.FindExtra(st.ID, from, clock); ok {
				x.Date = to
				if toTime != "" {
					x.Time = toTime
				}
				moved = x
				return nil, tx.UpsertExtra(ctx, x)
			}
		}

		if _, cancelled := exceptions.IsCancelled(st.ID, from); cancelled {
			return nil, fmt.Errorf("%w: lesson on %s already cancelled", generic.ErrNoScheduledLesson, from)
		}
		entries, err := tx.ListScheduleEntries(ctx)
		if err != nil {
			return nil, err
		}
		entry, found := FindScheduleEntry(entries, st.ID, from)
		if !found {
			return nil, fmt.Errorf("%w: %s on %s", generic.ErrNoScheduledLesson, st.ID, from)
		}

		if err := tx.AppendCancellation(ctx, Cancellation{
			ID:        s.newID(),
			StudentID: st.ID,
			Date:      from.String(),
			Time:      entry.Time,
			Reason:    ReasonRescheduled,
			CreatedAt: s.now().UTC(),
		}); err != nil {
			return nil, err
		}
		moved = Extra{
			ID:        s.newID(),
			StudentID: st.ID,
			Date:      to,
			Time:      lo.Ternary(toTime != "", toTime, entry.Time),
			Type:      ExtraRescheduled,
			Duration:  entry.Duration,
			Amount:    entry.TotalCost(*st),
			Status:    StatusPlanned,
		}
		return nil, tx.UpsertExtra(ctx, moved)
	})
	if err != nil {
		return Extra{}, err
	}
	s.logger.Info("lesson rescheduled", "student_id", req.StudentID, "from", from.String(), "to", moved.Date)
	return moved, nil
}

type RateEditRequest struct {
	StudentID StudentID
	Date      string
	Amount    decimal.Decimal
}

// EditLessonRate charges a different amount for one regular lesson: the
// lesson is cancelled with reason holiday_or_edit and a rate_edited extra
// takes its slot.
func (s *Service) EditLessonRate(ctx context.Context, req RateEditRequest) (Extra, error) {
	date, err := generic.ParseDate(req.Date)
	if err != nil {
		return Extra{}, generic.InvalidField("rate_edit", "date", req.Date, "expected YYYY-MM-DD")
	}
	if req.Amount.IsNegative() {
		return Extra{}, generic.InvalidField("rate_edit", "amount", req.Amount.String(), "must not be negative")
	}

	var edited Extra
	_, err = s.withStudent(ctx, req.StudentID, func(tx Repository, st *Student) ([]generic.Transaction, error) {
		exceptions, err := s.exceptionsFor(ctx, tx)
		if err != nil {
			return nil, err
		}
		if _, cancelled := exceptions.IsCancelled(st.ID, date); cancelled {
			return nil, fmt.Errorf("%w: lesson on %s already cancelled", generic.ErrNoScheduledLesson, date)
		}
		entries, err := tx.ListScheduleEntries(ctx)
		if err != nil {
			return nil, err
		}
		entry, found := FindScheduleEntry(entries, st.ID, date)
		if !found {
			return nil, fmt.Errorf("%w: %s on %s", generic.ErrNoScheduledLesson, st.ID, date)
		}
		if err := tx.AppendCancellation(ctx, Cancellation{
			ID:        s.newID(),
			StudentID: st.ID,
			Date:      date.String(),
			Time:      entry.Time,
			Reason:    ReasonHolidayOrEdit,
			CreatedAt: s.now().UTC(),
		}); err != nil {
			return nil, err
		}
		edited = Extra{
			ID:        s.newID(),
			StudentID: st.ID,
			Date:      date.String(),
			Time:      entry.Time,
			Type:      ExtraRateEdited,
			Duration:  entry.Duration,
			Amount:    req.Amount,
			Status:    StatusPlanned,
		}
		return nil, tx.UpsertExtra(ctx, edited)
	})
	if err != nil {
		return Extra{}, err
	}
	return edited, nil
}

// SettlePastMakeups fulfils every planned makeup dated before today, one
// student at a time under that student's lock. It returns how many makeups
// were settled.
func (s *Service) SettlePastMakeups(ctx context.Context) (int, error) {
	today := s.Today()
	extras, err := s.repo.ListExtras(ctx)
	if err != nil {
		return 0, err
	}
	due := lo.Uniq(lo.FilterMap(extras, func(x Extra, _ int) (StudentID, bool) {
		if x.Type != ExtraMakeup || x.Status != StatusPlanned {
			return "", false
		}
		d, err := generic.ParseDate(x.Date)
		return x.StudentID, err == nil && d.Before(today)
	}))

	settled := 0
	for _, id := range due {
		n := 0
		_, err := s.withStudent(ctx, id, func(tx Repository, st *Student) ([]generic.Transaction, error) {
			all, err := tx.ListExtras(ctx)
			if err != nil {
				return nil, err
			}
			mine := lo.Filter(all, func(x Extra, _ int) bool { return x.StudentID == id })
			changed, txs := SettlePastMakeups(map[StudentID]*Student{id: st}, mine, today, s.actor)
			for _, x := range changed {
				if err := tx.UpsertExtra(ctx, x); err != nil {
					return nil, err
				}
			}
			n = len(changed)
			return txs, nil
		})
		if errors.Is(err, generic.ErrStudentNotFound) {
			s.logger.Warn("makeup of unknown student not settled", "student_id", id)
			continue
		}
		if err != nil {
			return settled, fmt.Errorf("settle makeups of %s: %w", id, err)
		}
		settled += n
	}
	if settled > 0 {
		s.logger.Info("past makeups settled", "count", settled, "today", today.String())
	}
	return settled, nil
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

// SaveSettlements writes required and paid amounts for a student's periods.
func (s *Service) SaveSettlements(ctx context.Context, id StudentID, rows []Settlement) error {
	for i := range rows {
		rows[i].StudentID = id
		if err := ValidateSettlement(rows[i]); err != nil {
			return err
		}
	}
	_, err := s.withStudent(ctx, id, func(tx Repository, _ *Student) ([]generic.Transaction, error) {
		return nil, tx.UpsertSettlements(ctx, rows)
	})
	return err
}

// =============================================================================
// QUERIES
// =============================================================================

// Index loads the current records and compiles them. Skipped records are
// logged once per call.
func (s *Service) Index(ctx context.Context) (*Index, error) {
	snap, err := LoadSnapshot(ctx, s.repo)
	if err != nil {
		return nil, err
	}
	ix := NewIndex(snap)
	if diags := ix.Diagnostics(); len(diags) > 0 {
		s.logger.Warn("records skipped", "skipped", diags.SkippedCount(), "by_kind", diags.ByKind())
		for _, d := range diags {
			s.logger.Debug("diagnostic", "detail", d.String())
		}
	}
	return ix, nil
}

// Lessons lists occurrences in period. An empty studentID means everyone.
func (s *Service) Lessons(ctx context.Context, studentID StudentID, period generic.Period, mode Mode) ([]LessonOccurrence, Diagnostics, error) {
	if err := period.Validate(); err != nil {
		return nil, nil, err
	}
	if !mode.Valid() {
		return nil, nil, generic.InvalidField("query", "mode", string(mode), "expected actual or plan")
	}
	ix, err := s.Index(ctx)
	if err != nil {
		return nil, nil, err
	}
	if studentID == "" {
		return ix.AllOccurrences(period, mode), ix.Diagnostics(), nil
	}
	if _, ok := ix.Student(studentID); !ok {
		return nil, nil, fmt.Errorf("%w: %s", generic.ErrStudentNotFound, studentID)
	}
	return ix.Occurrences(studentID, period, mode), ix.Diagnostics(), nil
}

func (s *Service) Bill(ctx context.Context, id StudentID, period generic.Period) (Bill, error) {
	ix, err := s.Index(ctx)
	if err != nil {
		return Bill{}, err
	}
	return ix.Bill(id, period)
}

func (s *Service) SettlementTable(ctx context.Context, id StudentID) ([]SettlementRow, error) {
	ix, err := s.Index(ctx)
	if err != nil {
		return nil, err
	}
	return ix.SettlementTable(id, s.Today())
}

// Reconcile compares what a period id requires with what was paid for it.
// The required amount is a saved override when present, otherwise the
// amount billed over the days the id covers: the base for a subscription
// month, the individually billed extras for a subscription date, and the
// whole bill otherwise.
func (s *Service) Reconcile(ctx context.Context, id StudentID, periodID string) (Reconciliation, error) {
	period, kind, err := generic.ParsePeriodID(periodID)
	if err != nil {
		return Reconciliation{}, generic.InvalidField("query", "period_id", periodID, "expected YYYY-MM or YYYY-MM-DD")
	}
	ix, err := s.Index(ctx)
	if err != nil {
		return Reconciliation{}, err
	}
	st, ok := ix.Student(id)
	if !ok {
		return Reconciliation{}, fmt.Errorf("%w: %s", generic.ErrStudentNotFound, id)
	}

	for _, saved := range ix.Settlements(id) {
		if saved.PeriodID == periodID {
			return Reconcile(id, periodID, saved.Required, ix.Settlements(id)), nil
		}
	}

	bill, err := ix.Bill(id, period)
	if err != nil {
		return Reconciliation{}, err
	}
	required := bill.Total
	if st.BillingMode == BillingMonthlySubscription {
		if kind == generic.PeriodMonth {
			required = bill.SumTagged(LineBase)
		} else {
			required = bill.SumTagged(LineExtraPaid)
		}
	}
	return Reconcile(id, periodID, required, ix.Settlements(id)), nil
}

func (s *Service) Report(ctx context.Context, period generic.Period) (Report, Diagnostics, error) {
	ix, err := s.Index(ctx)
	if err != nil {
		return Report{}, nil, err
	}
	r, err := ix.Report(period)
	return r, ix.Diagnostics(), err
}

func (s *Service) Forecast(ctx context.Context, period generic.Period) ([]MonthIncome, error) {
	ix, err := s.Index(ctx)
	if err != nil {
		return nil, err
	}
	return ix.MonthlyIncome(period)
}

// SchoolYearForecast forecasts the school year containing today.
func (s *Service) SchoolYearForecast(ctx context.Context) ([]MonthIncome, error) {
	return s.Forecast(ctx, generic.SchoolYear(s.Today()))
}

func (s *Service) History(ctx context.Context, id StudentID) ([]generic.Transaction, error) {
	if _, err := s.repo.GetStudent(ctx, id); err != nil {
		return nil, err
	}
	return NewMakeupLedger(s.repo).History(ctx, id)
}

// CheckCounters replays a student's ledger and compares it with the stored
// counters. ok is false when they differ.
func (s *Service) CheckCounters(ctx context.Context, id StudentID) (stored, replayed Counters, ok bool, err error) {
	st, err := s.repo.GetStudent(ctx, id)
	if err != nil {
		return Counters{}, Counters{}, false, err
	}
	replayed, err = NewMakeupLedger(s.repo).Replay(ctx, id)
	if err != nil {
		return CountersOf(st), Counters{}, false, err
	}
	stored = CountersOf(st)
	return stored, replayed, stored.Equal(replayed), nil
}
