/*
Package sqlite provides a SQLite-backed tutoring.Repository.

PURPOSE:
  Stores students, schedule entries, exceptions and settlements, plus the
  append-only makeup ledger, in a single SQLite file. It is the default
  storage driver.

APPEND-ONLY ENFORCEMENT:
  The transactions table is only ever INSERTed into. Corrections are
  reversal transactions. Rows carry an autoincrement seq so transactions
  with the same effective date replay in insertion order.

KEY TABLES:
  students:         profile, billing settings and makeup counters
  schedule_entries: weekly slots with validity windows
  cancellations:    append-only, several per (student, date) allowed
  extras:           one per (student, date, time), enforced by UNIQUE
  settlements:      one per (student, period_id)
  transactions:     makeup ledger

CONCURRENCY:
  SQLite has a single writer. The pool is capped at one connection, so
  an in-memory database is shared by every caller and WithTx serializes
  writers.

WAL MODE:
  File databases are opened with WAL so readers don't block the writer.

USAGE:
  store, err := sqlite.New("./data/tutor.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
  svc := tutoring.NewService(store)
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/tutoring"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements tutoring.Repository using SQLite.
type Store struct {
	db   *sql.DB
	q    querier
	mu   *sync.Mutex
	inTx bool
}

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, q: db, mu: &sync.Mutex{}}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		school TEXT NOT NULL DEFAULT '',
		grade TEXT NOT NULL DEFAULT '',
		level TEXT NOT NULL DEFAULT '',
		hourly_rate TEXT NOT NULL DEFAULT '0',
		travel_surcharge TEXT NOT NULL DEFAULT '0',
		billing_mode TEXT NOT NULL DEFAULT 'per_session',
		enrollment_start TEXT NOT NULL,
		enrollment_end TEXT NOT NULL,
		absence_count INTEGER NOT NULL DEFAULT 0,
		makeup_count INTEGER NOT NULL DEFAULT 0,
		pending_makeup_hours TEXT NOT NULL DEFAULT '0',
		contracted_makeup_hours TEXT NOT NULL DEFAULT '0',
		legacy_weekdays TEXT NOT NULL DEFAULT '',
		legacy_times TEXT NOT NULL DEFAULT '',
		legacy_durations TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schedule_entries (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		weekday TEXT NOT NULL,
		time TEXT NOT NULL,
		duration TEXT NOT NULL,
		valid_from TEXT NOT NULL,
		valid_to TEXT NOT NULL,
		rate TEXT NOT NULL DEFAULT '0',
		seq INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_schedule_entries_student
		ON schedule_entries(student_id);

	CREATE TABLE IF NOT EXISTS cancellations (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		date TEXT NOT NULL,
		time TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL,
		created_at TEXT NOT NULL,
		seq INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cancellations_student_date
		ON cancellations(student_id, date);

	CREATE TABLE IF NOT EXISTS extras (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		date TEXT NOT NULL,
		time TEXT NOT NULL,
		type TEXT NOT NULL,
		duration TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL
	);

	-- One extra per slot
	CREATE UNIQUE INDEX IF NOT EXISTS idx_extras_slot
		ON extras(student_id, date, time);

	CREATE TABLE IF NOT EXISTS settlements (
		student_id TEXT NOT NULL,
		period_id TEXT NOT NULL,
		required TEXT NOT NULL,
		paid TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (student_id, period_id)
	);

	-- Makeup ledger (append-only)
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		entity_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		effective_at TEXT NOT NULL,
		delta_value TEXT NOT NULL,
		delta_unit TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		reference_id TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		metadata_json TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_entity_account_date
		ON transactions(entity_id, account_id, effective_at, seq);
	CREATE INDEX IF NOT EXISTS idx_transactions_reference
		ON transactions(reference_id) WHERE reference_id IS NOT NULL;
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn inside a database transaction. Calls made on the Store
// given to fn join it.
func (s *Store) WithTx(ctx context.Context, fn func(tx tutoring.Repository) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Store{db: s.db, q: sqlTx, mu: s.mu, inTx: true}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// LEDGER STORE (generic.Store)
// =============================================================================

const transactionColumns = `id, entity_id, account_id, effective_at, delta_value, delta_unit,
	tx_type, reference_id, reason, idempotency_key, metadata_json, created_by, created_at`

// Append adds a single transaction. Append-only.
func (s *Store) Append(ctx context.Context, tx generic.Transaction) error {
	return s.appendTx(ctx, s.q, tx)
}

func (s *Store) appendTx(ctx context.Context, q querier, tx generic.Transaction) error {
	metadataJSON, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode transaction metadata: %w", err)
	}
	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = generic.Today()
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID,
		tx.EntityID,
		tx.AccountID,
		tx.EffectiveAt.String(),
		tx.Delta.Value.String(),
		tx.Delta.Unit,
		tx.Type,
		nullString(tx.ReferenceID),
		nullString(tx.Reason),
		nullString(tx.IdempotencyKey),
		string(metadataJSON),
		nullString(tx.CreatedBy),
		createdAt.String(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// AppendBatch adds multiple transactions atomically.
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

	return s.WithTx(ctx, func(tx tutoring.Repository) error {
		inner := tx.(*Store)
		for _, t := range txs {
			if err := inner.appendTx(ctx, inner.q, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns all transactions of an entity account in replay order.
func (s *Store) Load(ctx context.Context, entityID generic.EntityID, accountID generic.AccountID) ([]generic.Transaction, error) {
	return s.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE entity_id = ? AND account_id = ?
		ORDER BY effective_at ASC, seq ASC`, entityID, accountID)
}

// LoadRange returns transactions in [from, to].
func (s *Store) LoadRange(ctx context.Context, entityID generic.EntityID, accountID generic.AccountID, from, to generic.TimePoint) ([]generic.Transaction, error) {
	return s.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE entity_id = ? AND account_id = ?
		  AND effective_at >= ? AND effective_at <= ?
		ORDER BY effective_at ASC, seq ASC`, entityID, accountID, from.String(), to.String())
}

// LoadByEntity returns every transaction of an entity across accounts.
func (s *Store) LoadByEntity(ctx context.Context, entityID generic.EntityID) ([]generic.Transaction, error) {
	return s.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE entity_id = ?
		ORDER BY effective_at ASC, seq ASC`, entityID)
}

// Exists checks if an idempotency key exists.
func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM transactions WHERE idempotency_key = ?", idempotencyKey,
	).Scan(&count)
	return count > 0, err
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]generic.Transaction, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []generic.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (generic.Transaction, error) {
	var (
		tx             generic.Transaction
		effectiveAt    string
		deltaValue     string
		deltaUnit      string
		referenceID    sql.NullString
		reason         sql.NullString
		idempotencyKey sql.NullString
		metadataJSON   sql.NullString
		createdBy      sql.NullString
		createdAt      string
	)

	err := rows.Scan(
		&tx.ID, &tx.EntityID, &tx.AccountID, &effectiveAt, &deltaValue, &deltaUnit, &tx.Type,
		&referenceID, &reason, &idempotencyKey, &metadataJSON, &createdBy, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.EffectiveAt, _ = generic.ParseDate(effectiveAt)
	tx.CreatedAt, _ = generic.ParseDate(createdAt)
	tx.Delta = parseAmount(deltaValue, deltaUnit)
	tx.ReferenceID = referenceID.String
	tx.Reason = reason.String
	tx.IdempotencyKey = idempotencyKey.String
	tx.CreatedBy = createdBy.String
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata); err != nil {
			return tx, fmt.Errorf("failed to decode metadata of transaction %s: %w", tx.ID, err)
		}
	}
	return tx, nil
}

// =============================================================================
// STUDENTS
// =============================================================================

const studentColumns = `id, name, phone, address, school, grade, level, hourly_rate, travel_surcharge,
	billing_mode, enrollment_start, enrollment_end, absence_count, makeup_count,
	pending_makeup_hours, contracted_makeup_hours, legacy_weekdays, legacy_times, legacy_durations`

func (s *Store) ListStudents(ctx context.Context) ([]tutoring.Student, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+studentColumns+` FROM students ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query students: %w", err)
	}
	defer rows.Close()

	var students []tutoring.Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		students = append(students, st)
	}
	return students, rows.Err()
}

func (s *Store) GetStudent(ctx context.Context, id tutoring.StudentID) (tutoring.Student, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+studentColumns+` FROM students WHERE id = ?`, id)
	st, err := scanStudent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tutoring.Student{}, fmt.Errorf("%w: %s", generic.ErrStudentNotFound, id)
	}
	return st, err
}

func (s *Store) UpsertStudent(ctx context.Context, st tutoring.Student) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO students (`+studentColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, phone = excluded.phone, address = excluded.address,
			school = excluded.school, grade = excluded.grade, level = excluded.level,
			hourly_rate = excluded.hourly_rate, travel_surcharge = excluded.travel_surcharge,
			billing_mode = excluded.billing_mode,
			enrollment_start = excluded.enrollment_start, enrollment_end = excluded.enrollment_end,
			absence_count = excluded.absence_count, makeup_count = excluded.makeup_count,
			pending_makeup_hours = excluded.pending_makeup_hours,
			contracted_makeup_hours = excluded.contracted_makeup_hours,
			legacy_weekdays = excluded.legacy_weekdays, legacy_times = excluded.legacy_times,
			legacy_durations = excluded.legacy_durations, updated_at = excluded.updated_at`,
		st.ID, st.Name, st.Phone, st.Address, st.School, st.Grade, st.Level,
		st.HourlyRate.String(), st.TravelSurcharge.String(), st.BillingMode,
		st.EnrollmentStart, st.EnrollmentEnd, st.AbsenceCount, st.MakeupCount,
		st.PendingMakeupHours.String(), st.ContractedMakeupHours.String(),
		st.LegacyWeekdays, st.LegacyTimes, st.LegacyDurations,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save student: %w", err)
	}
	return nil
}

func (s *Store) DeleteStudent(ctx context.Context, id tutoring.StudentID) error {
	res, err := s.q.ExecContext(ctx, "DELETE FROM students WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete student: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", generic.ErrStudentNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStudent(row scanner) (tutoring.Student, error) {
	var (
		st                                tutoring.Student
		rate, travel, pending, contracted string
	)
	err := row.Scan(
		&st.ID, &st.Name, &st.Phone, &st.Address, &st.School, &st.Grade, &st.Level,
		&rate, &travel, &st.BillingMode, &st.EnrollmentStart, &st.EnrollmentEnd,
		&st.AbsenceCount, &st.MakeupCount, &pending, &contracted,
		&st.LegacyWeekdays, &st.LegacyTimes, &st.LegacyDurations,
	)
	if err != nil {
		return st, err
	}
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
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, student_id, weekday, time, duration, valid_from, valid_to, rate, seq
		FROM schedule_entries ORDER BY seq, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule entries: %w", err)
	}
	defer rows.Close()

	var entries []tutoring.ScheduleEntry
	for rows.Next() {
		var e tutoring.ScheduleEntry
		var duration, rate string
		if err := rows.Scan(&e.ID, &e.StudentID, &e.Weekday, &e.Time, &duration, &e.ValidFrom, &e.ValidTo, &rate, &e.Seq); err != nil {
			return nil, err
		}
		e.Duration = parseDecimal(duration)
		e.Rate = parseDecimal(rate)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) UpsertScheduleEntry(ctx context.Context, e tutoring.ScheduleEntry) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO schedule_entries (id, student_id, weekday, time, duration, valid_from, valid_to, rate, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			student_id = excluded.student_id, weekday = excluded.weekday, time = excluded.time,
			duration = excluded.duration, valid_from = excluded.valid_from, valid_to = excluded.valid_to,
			rate = excluded.rate, seq = excluded.seq`,
		e.ID, e.StudentID, e.Weekday, e.Time, e.Duration.String(), e.ValidFrom, e.ValidTo, e.Rate.String(), e.Seq,
	)
	if err != nil {
		return fmt.Errorf("failed to save schedule entry: %w", err)
	}
	return nil
}

func (s *Store) DeleteScheduleEntriesForStudent(ctx context.Context, id tutoring.StudentID) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM schedule_entries WHERE student_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete schedule entries: %w", err)
	}
	return nil
}

// =============================================================================
// CANCELLATIONS
// =============================================================================

// ListCancellations returns cancellations in the order they were appended.
func (s *Store) ListCancellations(ctx context.Context) ([]tutoring.Cancellation, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, student_id, date, time, reason, created_at FROM cancellations ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cancellations: %w", err)
	}
	defer rows.Close()

	var out []tutoring.Cancellation
	for rows.Next() {
		var c tutoring.Cancellation
		var createdAt string
		if err := rows.Scan(&c.ID, &c.StudentID, &c.Date, &c.Time, &c.Reason, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) AppendCancellation(ctx context.Context, c tutoring.Cancellation) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO cancellations (id, student_id, date, time, reason, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM cancellations))`,
		c.ID, c.StudentID, c.Date, c.Time, c.Reason, c.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to append cancellation: %w", err)
	}
	return nil
}

// =============================================================================
// EXTRAS
// =============================================================================

const extraColumns = `id, student_id, date, time, type, duration, amount, status`

func (s *Store) ListExtras(ctx context.Context) ([]tutoring.Extra, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+extraColumns+` FROM extras ORDER BY date, time, id`)
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
	x, err := scanExtra(s.q.QueryRowContext(ctx, `SELECT `+extraColumns+` FROM extras WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return tutoring.Extra{}, fmt.Errorf("%w: %s", generic.ErrExtraNotFound, id)
	}
	return x, err
}

func (s *Store) UpsertExtra(ctx context.Context, x tutoring.Extra) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO extras (`+extraColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			student_id = excluded.student_id, date = excluded.date, time = excluded.time,
			type = excluded.type, duration = excluded.duration, amount = excluded.amount,
			status = excluded.status`,
		x.ID, x.StudentID, x.Date, x.Time, x.Type, x.Duration.String(), x.Amount.String(), x.Status,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s %s %s", generic.ErrDuplicateExtra, x.StudentID, x.Date, x.Time)
		}
		return fmt.Errorf("failed to save extra: %w", err)
	}
	return nil
}

func (s *Store) DeleteExtra(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, "DELETE FROM extras WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete extra: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", generic.ErrExtraNotFound, id)
	}
	return nil
}

func scanExtra(row scanner) (tutoring.Extra, error) {
	var x tutoring.Extra
	var duration, amount string
	if err := row.Scan(&x.ID, &x.StudentID, &x.Date, &x.Time, &x.Type, &duration, &amount, &x.Status); err != nil {
		return x, err
	}
	x.Duration = parseDecimal(duration)
	x.Amount = parseDecimal(amount)
	return x, nil
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

func (s *Store) ListSettlements(ctx context.Context) ([]tutoring.Settlement, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT student_id, period_id, required, paid FROM settlements ORDER BY student_id, period_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlements: %w", err)
	}
	defer rows.Close()

	var out []tutoring.Settlement
	for rows.Next() {
		var st tutoring.Settlement
		var required, paid string
		if err := rows.Scan(&st.StudentID, &st.PeriodID, &required, &paid); err != nil {
			return nil, err
		}
		st.Required = parseDecimal(required)
		st.Paid = parseDecimal(paid)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) UpsertSettlements(ctx context.Context, settlements []tutoring.Settlement) error {
	now := time.Now().UTC().Format(time.RFC3339)
	for _, st := range settlements {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO settlements (student_id, period_id, required, paid, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(student_id, period_id) DO UPDATE SET
				required = excluded.required, paid = excluded.paid, updated_at = excluded.updated_at`,
			st.StudentID, st.PeriodID, st.Required.String(), st.Paid.String(), now,
		)
		if err != nil {
			return fmt.Errorf("failed to save settlement: %w", err)
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseAmount(value, unit string) generic.Amount {
	return generic.Amount{Value: parseDecimal(value), Unit: generic.Unit(unit)}
}

// parseDecimal reads a stored number; unreadable values read as zero.
func parseDecimal(s string) decimal.Decimal {
	return generic.ParseDecimalOr(s, decimal.Zero)
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
