/*
Package postgres provides a PostgreSQL-backed tutoring.Repository.

PURPOSE:
  Same contract as store/sqlite for deployments that share one database
  between several server processes. Money and hours are NUMERIC columns;
  calendar dates stay canonical YYYY-MM-DD text so the engine reads them
  exactly as it wrote them.

MIGRATIONS:
  The schema lives in migrations/*.sql and is embedded into the binary.
  Migrate applies it with goose over a database/sql connection opened
  through lib/pq; the Store itself talks to Postgres through a pgx pool.

CONCURRENCY:
  Several processes may write the same student. Commands are serialized
  by the Locker (use store/redislock across processes); the UNIQUE
  constraints on extras and idempotency keys are the last line.

USAGE:
  if err := postgres.Migrate(dsn); err != nil {
      log.Fatal(err)
  }
  store, err := postgres.New(ctx, dsn)
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/tutoring"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements tutoring.Repository using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

// Migrate brings the schema at dsn up to date.
func Migrate(dsn string) error {
	db, err := goose.OpenDBWithDriver("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// New connects a pool to dsn and verifies it. It does not migrate.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dsn: %w", err)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, q: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithTx runs fn inside a database transaction. Nested calls join it.
func (s *Store) WithTx(ctx context.Context, fn func(tx tutoring.Repository) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&Store{pool: s.pool, q: tx, inTx: true}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// =============================================================================
// LEDGER STORE (generic.Store)
// =============================================================================

const selectTransactions = `
	SELECT id, entity_id, account_id, to_char(effective_at, 'YYYY-MM-DD'), delta_value::text, delta_unit,
		tx_type, COALESCE(reference_id, ''), COALESCE(reason, ''), COALESCE(idempotency_key, ''),
		COALESCE(metadata::text, ''), COALESCE(created_by, ''), to_char(created_at, 'YYYY-MM-DD')
	FROM transactions`

func (s *Store) Append(ctx context.Context, tx generic.Transaction) error {
	var metadata []byte
	if len(tx.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(tx.Metadata); err != nil {
			return fmt.Errorf("failed to encode transaction metadata: %w", err)
		}
	}
	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = generic.Today()
	}

	const q = `
		INSERT INTO transactions (id, entity_id, account_id, effective_at, delta_value, delta_unit,
			tx_type, reference_id, reason, idempotency_key, metadata, created_by, created_at)
		VALUES ($1, $2, $3, $4::date, $5::numeric, $6, $7, NULLIF($8, ''), NULLIF($9, ''),
			NULLIF($10, ''), $11::jsonb, NULLIF($12, ''), $13::date)`
	_, err := s.q.Exec(ctx, q,
		string(tx.ID), string(tx.EntityID), string(tx.AccountID), tx.EffectiveAt.String(),
		tx.Delta.Value.String(), string(tx.Delta.Unit), string(tx.Type),
		tx.ReferenceID, tx.Reason, tx.IdempotencyKey, nullJSON(metadata), tx.CreatedBy,
		createdAt.String(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return generic.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (s *Store) AppendBatch(ctx context.Context, txs []generic.Transaction) error {
	keys := make(map[string]bool, len(txs))
	for _, tx := range txs {
		if tx.IdempotencyKey == "" {
			continue
		}
		if keys[tx.IdempotencyKey] {
			return generic.ErrDuplicateIdempotencyKey
		}
		keys[tx.IdempotencyKey] = true
	}

	return s.WithTx(ctx, func(repo tutoring.Repository) error {
		for _, t := range txs {
			if err := repo.Append(ctx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Load(ctx context.Context, entityID generic.EntityID, accountID generic.AccountID) ([]generic.Transaction, error) {
	return s.queryTransactions(ctx, selectTransactions+`
		WHERE entity_id = $1 AND account_id = $2
		ORDER BY effective_at, seq`, string(entityID), string(accountID))
}

func (s *Store) LoadRange(ctx context.Context, entityID generic.EntityID, accountID generic.AccountID, from, to generic.TimePoint) ([]generic.Transaction, error) {
	return s.queryTransactions(ctx, selectTransactions+`
		WHERE entity_id = $1 AND account_id = $2
		  AND effective_at BETWEEN $3::date AND $4::date
		ORDER BY effective_at, seq`, string(entityID), string(accountID), from.String(), to.String())
}

func (s *Store) LoadByEntity(ctx context.Context, entityID generic.EntityID) ([]generic.Transaction, error) {
	return s.queryTransactions(ctx, selectTransactions+`
		WHERE entity_id = $1
		ORDER BY effective_at, seq`, string(entityID))
}

func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE idempotency_key = $1)`, idempotencyKey,
	).Scan(&exists)
	return exists, err
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]generic.Transaction, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []generic.Transaction
	for rows.Next() {
		var (
			tx                                      generic.Transaction
			id, entity, account, effectiveAt, value string
			unit, txType, metadata, createdAt       string
		)
		if err := rows.Scan(&id, &entity, &account, &effectiveAt, &value, &unit, &txType,
			&tx.ReferenceID, &tx.Reason, &tx.IdempotencyKey, &metadata, &tx.CreatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.ID = generic.TransactionID(id)
		tx.EntityID = generic.EntityID(entity)
		tx.AccountID = generic.AccountID(account)
		tx.Type = generic.TransactionType(txType)
		tx.EffectiveAt, _ = generic.ParseDate(effectiveAt)
		tx.CreatedAt, _ = generic.ParseDate(createdAt)
		tx.Delta = generic.Amount{Value: parseDecimal(value), Unit: generic.Unit(unit)}
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &tx.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of transaction %s: %w", id, err)
			}
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// =============================================================================
// STUDENTS
// =============================================================================

const selectStudents = `
	SELECT id, name, phone, address, school, grade, level, hourly_rate::text, travel_surcharge::text,
		billing_mode, enrollment_start, enrollment_end, absence_count, makeup_count,
		pending_makeup_hours::text, contracted_makeup_hours::text,
		legacy_weekdays, legacy_times, legacy_durations
	FROM students`

func (s *Store) ListStudents(ctx context.Context) ([]tutoring.Student, error) {
	rows, err := s.q.Query(ctx, selectStudents+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query students: %w", err)
	}
	defer rows.Close()

	var out []tutoring.Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) GetStudent(ctx context.Context, id tutoring.StudentID) (tutoring.Student, error) {
	st, err := scanStudent(s.q.QueryRow(ctx, selectStudents+` WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return tutoring.Student{}, fmt.Errorf("%w: %s", generic.ErrStudentNotFound, id)
	}
	return st, err
}

func (s *Store) UpsertStudent(ctx context.Context, st tutoring.Student) error {
	const q = `
		INSERT INTO students (id, name, phone, address, school, grade, level, hourly_rate, travel_surcharge,
			billing_mode, enrollment_start, enrollment_end, absence_count, makeup_count,
			pending_makeup_hours, contracted_makeup_hours, legacy_weekdays, legacy_times, legacy_durations,
			updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10, $11, $12, $13, $14,
			$15::numeric, $16::numeric, $17, $18, $19, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, phone = EXCLUDED.phone, address = EXCLUDED.address,
			school = EXCLUDED.school, grade = EXCLUDED.grade, level = EXCLUDED.level,
			hourly_rate = EXCLUDED.hourly_rate, travel_surcharge = EXCLUDED.travel_surcharge,
			billing_mode = EXCLUDED.billing_mode,
			enrollment_start = EXCLUDED.enrollment_start, enrollment_end = EXCLUDED.enrollment_end,
			absence_count = EXCLUDED.absence_count, makeup_count = EXCLUDED.makeup_count,
			pending_makeup_hours = EXCLUDED.pending_makeup_hours,
			contracted_makeup_hours = EXCLUDED.contracted_makeup_hours,
			legacy_weekdays = EXCLUDED.legacy_weekdays, legacy_times = EXCLUDED.legacy_times,
			legacy_durations = EXCLUDED.legacy_durations, updated_at = NOW()`
	_, err := s.q.Exec(ctx, q,
		string(st.ID), st.Name, st.Phone, st.Address, st.School, st.Grade, st.Level,
		st.HourlyRate.String(), st.TravelSurcharge.String(), string(st.BillingMode),
		st.EnrollmentStart, st.EnrollmentEnd, st.AbsenceCount, st.MakeupCount,
		st.PendingMakeupHours.String(), st.ContractedMakeupHours.String(),
		st.LegacyWeekdays, st.LegacyTimes, st.LegacyDurations,
	)
	if err != nil {
		return fmt.Errorf("failed to save student: %w", err)
	}
	return nil
}

func (s *Store) DeleteStudent(ctx context.Context, id tutoring.StudentID) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM students WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete student: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", generic.ErrStudentNotFound, id)
	}
	return nil
}

func scanStudent(row pgx.Row) (tutoring.Student, error) {
	var (
		st                                tutoring.Student
		id, mode                          string
		rate, travel, pending, contracted string
	)
	err := row.Scan(
		&id, &st.Name, &st.Phone, &st.Address, &st.School, &st.Grade, &st.Level,
		&rate, &travel, &mode, &st.EnrollmentStart, &st.EnrollmentEnd,
		&st.AbsenceCount, &st.MakeupCount, &pending, &contracted,
		&st.LegacyWeekdays, &st.LegacyTimes, &st.LegacyDurations,
	)
	if err != nil {
		return st, err
	}
	st.ID = tutoring.StudentID(id)
	st.BillingMode = tutoring.BillingMode(mode)
	st.HourlyRate = parseDecimal(rate)
	st.TravelSurcharge = parseDecimal(travel)
	st.PendingMakeupHours = parseDecimal(pending)
	st.ContractedMakeupHours = parseDecimal(contracted)
	return st, nil
}

// =============================================================================
// SCHEDULE ENTRIES
// =============================================================================

func (s *Store) ListScheduleEntries(ctx context.Context) ([]tutoring.ScheduleEntry, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, student_id, weekday, time, duration::text, valid_from, valid_to, rate::text, seq
		FROM schedule_entries ORDER BY seq, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule entries: %w", err)
	}
	defer rows.Close()

	var out []tutoring.ScheduleEntry
	for rows.Next() {
		var e tutoring.ScheduleEntry
		var studentID, duration, rate string
		if err := rows.Scan(&e.ID, &studentID, &e.Weekday, &e.Time, &duration, &e.ValidFrom, &e.ValidTo, &rate, &e.Seq); err != nil {
			return nil, err
		}
		e.StudentID = tutoring.StudentID(studentID)
		e.Duration = parseDecimal(duration)
		e.Rate = parseDecimal(rate)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) UpsertScheduleEntry(ctx context.Context, e tutoring.ScheduleEntry) error {
	const q = `
		INSERT INTO schedule_entries (id, student_id, weekday, time, duration, valid_from, valid_to, rate, seq)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8::numeric, $9)
		ON CONFLICT (id) DO UPDATE SET
			student_id = EXCLUDED.student_id, weekday = EXCLUDED.weekday, time = EXCLUDED.time,
			duration = EXCLUDED.duration, valid_from = EXCLUDED.valid_from, valid_to = EXCLUDED.valid_to,
			rate = EXCLUDED.rate, seq = EXCLUDED.seq`
	_, err := s.q.Exec(ctx, q, e.ID, string(e.StudentID), e.Weekday, e.Time, e.Duration.String(),
		e.ValidFrom, e.ValidTo, e.Rate.String(), e.Seq)
	if err != nil {
		return fmt.Errorf("failed to save schedule entry: %w", err)
	}
	return nil
}

func (s *Store) DeleteScheduleEntriesForStudent(ctx context.Context, id tutoring.StudentID) error {
	if _, err := s.q.Exec(ctx, `DELETE FROM schedule_entries WHERE student_id = $1`, string(id)); err != nil {
		return fmt.Errorf("failed to delete schedule entries: %w", err)
	}
	return nil
}

// =============================================================================
// CANCELLATIONS
// =============================================================================

func (s *Store) ListCancellations(ctx context.Context) ([]tutoring.Cancellation, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, student_id, date, time, reason, created_at FROM cancellations ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cancellations: %w", err)
	}
	defer rows.Close()

	var out []tutoring.Cancellation
	for rows.Next() {
		var c tutoring.Cancellation
		var studentID, reason string
		if err := rows.Scan(&c.ID, &studentID, &c.Date, &c.Time, &reason, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.StudentID = tutoring.StudentID(studentID)
		c.Reason = tutoring.CancelReason(reason)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) AppendCancellation(ctx context.Context, c tutoring.Cancellation) error {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO cancellations (id, student_id, date, time, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, string(c.StudentID), c.Date, c.Time, string(c.Reason), createdAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append cancellation: %w", err)
	}
	return nil
}

// =============================================================================
// EXTRAS
// =============================================================================

const selectExtras = `
	SELECT id, student_id, date, time, type, duration::text, amount::text, status FROM extras`

func (s *Store) ListExtras(ctx context.Context) ([]tutoring.Extra, error) {
	rows, err := s.q.Query(ctx, selectExtras+` ORDER BY date, time, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query extras: %w", err)
	}
	defer rows.Close()

	var out []tutoring.Extra
	for rows.Next() {
		x, err := scanExtra(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, x)
	}
	return out, rows.Err()
}

func (s *Store) GetExtra(ctx context.Context, id string) (tutoring.Extra, error) {
	x, err := scanExtra(s.q.QueryRow(ctx, selectExtras+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return tutoring.Extra{}, fmt.Errorf("%w: %s", generic.ErrExtraNotFound, id)
	}
	return x, err
}

func (s *Store) UpsertExtra(ctx context.Context, x tutoring.Extra) error {
	const q = `
		INSERT INTO extras (id, student_id, date, time, type, duration, amount, status)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8)
		ON CONFLICT (id) DO UPDATE SET
			student_id = EXCLUDED.student_id, date = EXCLUDED.date, time = EXCLUDED.time,
			type = EXCLUDED.type, duration = EXCLUDED.duration, amount = EXCLUDED.amount,
			status = EXCLUDED.status`
	_, err := s.q.Exec(ctx, q, x.ID, string(x.StudentID), x.Date, x.Time, string(x.Type),
		x.Duration.String(), x.Amount.String(), string(x.Status))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s %s %s", generic.ErrDuplicateExtra, x.StudentID, x.Date, x.Time)
		}
		return fmt.Errorf("failed to save extra: %w", err)
	}
	return nil
}

func (s *Store) DeleteExtra(ctx context.Context, id string) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM extras WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete extra: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", generic.ErrExtraNotFound, id)
	}
	return nil
}

func scanExtra(row pgx.Row) (tutoring.Extra, error) {
	var x tutoring.Extra
	var studentID, typ, duration, amount, status string
	if err := row.Scan(&x.ID, &studentID, &x.Date, &x.Time, &typ, &duration, &amount, &status); err != nil {
		return x, err
	}
	x.StudentID = tutoring.StudentID(studentID)
	x.Type = tutoring.ExtraType(typ)
	x.Status = tutoring.ExtraStatus(status)
	x.Duration = parseDecimal(duration)
	x.Amount = parseDecimal(amount)
	return x, nil
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

func (s *Store) ListSettlements(ctx context.Context) ([]tutoring.Settlement, error) {
	rows, err := s.q.Query(ctx, `
		SELECT student_id, period_id, required::text, paid::text
		FROM settlements ORDER BY student_id, period_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlements: %w", err)
	}
	defer rows.Close()

	var out []tutoring.Settlement
	for rows.Next() {
		var st tutoring.Settlement
		var studentID, required, paid string
		if err := rows.Scan(&studentID, &st.PeriodID, &required, &paid); err != nil {
			return nil, err
		}
		st.StudentID = tutoring.StudentID(studentID)
		st.Required = parseDecimal(required)
		st.Paid = parseDecimal(paid)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) UpsertSettlements(ctx context.Context, settlements []tutoring.Settlement) error {
	if len(settlements) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, st := range settlements {
		batch.Queue(`
			INSERT INTO settlements (student_id, period_id, required, paid, updated_at)
			VALUES ($1, $2, $3::numeric, $4::numeric, NOW())
			ON CONFLICT (student_id, period_id) DO UPDATE SET
				required = EXCLUDED.required, paid = EXCLUDED.paid, updated_at = NOW()`,
			string(st.StudentID), st.PeriodID, st.Required.String(), st.Paid.String())
	}
	return s.WithTx(ctx, func(repo tutoring.Repository) error {
		inner := repo.(*Store)
		tx, ok := inner.q.(pgx.Tx)
		if !ok {
			return errors.New("settlement batch outside transaction")
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to save settlements: %w", err)
		}
		return nil
	})
}

// Helper functions

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func parseDecimal(s string) decimal.Decimal {
	return generic.ParseDecimalOr(s, decimal.Zero)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
