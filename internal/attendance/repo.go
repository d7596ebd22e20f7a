package attendance

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Repository persists roster lookups, settings, attendance events and the
// device log in SQLite or Postgres.
type Repository struct {
	db       *sql.DB
	postgres bool
}

// NewRepository creates a repo. driver is the database/sql driver name the
// connection was opened with ("sqlite3" or "pgx").
func NewRepository(db *sql.DB, driver string) *Repository {
	return &Repository{db: db, postgres: driver == "pgx"}
}

// FindByDeviceUserID returns the student provisioned with the device user id.
func (r *Repository) FindByDeviceUserID(ctx context.Context, id string) (*int64, error) {
	return r.findStudent(ctx, `SELECT id FROM students WHERE device_user_id = ?`, id)
}

// FindByNationalID returns the student with the national id.
func (r *Repository) FindByNationalID(ctx context.Context, id string) (*int64, error) {
	return r.findStudent(ctx, `SELECT id FROM students WHERE national_id = ?`, id)
}

func (r *Repository) findStudent(ctx context.Context, query, id string) (*int64, error) {
	if id == "" {
		return nil, nil
	}
	var studentID int64
	if err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(&studentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &studentID, nil
}

// AddStudent inserts a roster entry. Empty identifiers are stored as NULL.
func (r *Repository) AddStudent(ctx context.Context, name, nationalID, deviceUserID string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, r.rebind(`
		INSERT INTO students (name, national_id, device_user_id)
		VALUES (?, ?, ?)
		RETURNING id
	`), name, nullString(nationalID), nullString(deviceUserID)).Scan(&id)
	return id, err
}

// Get returns a setting value.
func (r *Repository) Get(ctx context.Context, key string) (string, bool, error) {
	var value sql.NullString
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT value FROM settings WHERE key = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value.String, value.Valid && value.String != "", nil
}

// Set upserts a setting value.
func (r *Repository) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`), key, value)
	return err
}

// Exists reports whether an event with the same student (NULL included) and
// timestamp is already stored.
func (r *Repository) Exists(ctx context.Context, studentID *int64, timestamp string) (bool, error) {
	op := "IS"
	if r.postgres {
		op = "IS NOT DISTINCT FROM"
	}
	var one int
	err := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT 1 FROM attendance_logs WHERE student_id `+op+` ? AND timestamp = ? LIMIT 1
	`), studentID, timestamp).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// InsertIfAbsent writes the event unless the unique (student, timestamp)
// index already holds it, and reports whether a row was written.
func (r *Repository) InsertIfAbsent(ctx context.Context, evt Event) (bool, error) {
	if evt.Status == "" {
		evt.Status = StatusPresent
	}
	res, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO attendance_logs (student_id, timestamp, status, late_minutes)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`), evt.StudentID, evt.Timestamp, evt.Status, evt.LateMinutes)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListEvents returns events newest first, optionally for one student.
func (r *Repository) ListEvents(ctx context.Context, studentID *int64, limit, offset int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id, student_id, timestamp, status, late_minutes FROM attendance_logs`
	args := []any{}
	if studentID != nil {
		query += ` WHERE student_id = ?`
		args = append(args, *studentID)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var (
			evt    Event
			sid    sql.NullInt64
			status sql.NullString
		)
		if err := rows.Scan(&evt.ID, &sid, &evt.Timestamp, &status, &evt.LateMinutes); err != nil {
			return nil, err
		}
		if sid.Valid {
			v := sid.Int64
			evt.StudentID = &v
		}
		evt.Status = status.String
		res = append(res, evt)
	}
	return res, rows.Err()
}

// ListStudents returns the roster ordered by name.
func (r *Repository) ListStudents(ctx context.Context) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(class, ''), COALESCE(section, '') FROM students ORDER BY name ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []Student{}
	for rows.Next() {
		var s Student
		if err := rows.Scan(&s.ID, &s.Name, &s.Class, &s.Section); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// MatchedEventsSince returns events with a student whose timestamp sorts at or
// after datePrefix ("YYYY-MM-DD").
func (r *Repository) MatchedEventsSince(ctx context.Context, datePrefix string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT id, student_id, timestamp, COALESCE(status, ''), late_minutes FROM attendance_logs
		WHERE student_id IS NOT NULL AND timestamp >= ?
		ORDER BY timestamp ASC
	`), datePrefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var (
			evt Event
			sid int64
		)
		if err := rows.Scan(&evt.ID, &sid, &evt.Timestamp, &evt.Status, &evt.LateMinutes); err != nil {
			return nil, err
		}
		evt.StudentID = &sid
		res = append(res, evt)
	}
	return res, rows.Err()
}

// Append writes one line to the device log.
func (r *Repository) Append(ctx context.Context, at time.Time, status, message string) error {
	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO device_logs (timestamp, status, message) VALUES (?, ?, ?)
	`), at.UTC().Format(time.RFC3339Nano), status, message)
	return err
}

// rebind rewrites ? placeholders to $n for Postgres.
func (r *Repository) rebind(query string) string {
	if !r.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteString("$" + itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func itoa(i int) string { return strconv.Itoa(i) }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
