// pkg/persistence/sqlite_store.go
package persistence

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/aleka07/airsense/go-air-quality/pkg/model"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store on a single SQLite file. Timestamps are stored as
// unix milliseconds.
type SQLiteStore struct {
	db  *sql.DB
	log logrus.FieldLogger
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(ctx context.Context, path string, log logrus.FieldLogger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; read-modify-write transactions rely on it.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	log.WithField("path", path).Info("SQLite store opened")
	return &SQLiteStore{db: db, log: log}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() {
	s.log.Info("Closing SQLite store")
	if err := s.db.Close(); err != nil {
		s.log.WithError(err).Warn("SQLite close failed")
	}
}

// --- BufferStore Implementation ---

func (s *SQLiteStore) BufferStatus(ctx context.Context, sensorID string, kind model.BufferKind) (model.BufferStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM sensor_buffers WHERE sensor_id = ? AND kind = ?`,
		sensorID, string(kind)).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.StatusDoesNotExist, nil
		}
		return "", fmt.Errorf("failed to read %s buffer status for sensor '%s': %w", kind, sensorID, err)
	}
	return model.BufferStatus(status), nil
}

func (s *SQLiteStore) ClaimBuffer(ctx context.Context, sensorID string, kind model.BufferKind, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO sensor_buffers (sensor_id, kind, status, elements, updated_at)
        VALUES (?, ?, 'InProgress', NULL, ?)
        ON CONFLICT (sensor_id, kind) DO UPDATE
        SET status = excluded.status, updated_at = excluded.updated_at
        WHERE sensor_buffers.status = 'InProgress' AND sensor_buffers.updated_at < ?`,
		sensorID, string(kind), toMillis(now), toMillis(now.Add(-ttl)))
	if err != nil {
		return false, fmt.Errorf("failed to claim %s buffer for sensor '%s': %w", kind, sensorID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s buffer for sensor '%s': %w", kind, sensorID, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) CreateBuffer(ctx context.Context, sensorID string, kind model.BufferKind, elements []byte) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE sensor_buffers SET status = 'Exists', elements = ?, updated_at = ?
        WHERE sensor_id = ? AND kind = ? AND status = 'InProgress'`,
		string(elements), toMillis(time.Now()), sensorID, string(kind))
	if err != nil {
		return fmt.Errorf("failed to create %s buffer for sensor '%s': %w", kind, sensorID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to create %s buffer for sensor '%s': %w", kind, sensorID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s buffer for sensor '%s'", ErrClaimLost, kind, sensorID)
	}
	return nil
}

func (s *SQLiteStore) ReleaseBuffer(ctx context.Context, sensorID string, kind model.BufferKind) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sensor_buffers WHERE sensor_id = ? AND kind = ? AND status = 'InProgress'`,
		sensorID, string(kind))
	if err != nil {
		return fmt.Errorf("failed to release %s buffer claim for sensor '%s': %w", kind, sensorID, err)
	}
	return nil
}

func (s *SQLiteStore) LoadBuffer(ctx context.Context, sensorID string, kind model.BufferKind) ([]byte, error) {
	return loadSQLiteBuffer(ctx, s.db, sensorID, kind)
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadSQLiteBuffer(ctx context.Context, q sqliteQuerier, sensorID string, kind model.BufferKind) ([]byte, error) {
	var status string
	var elements sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT status, elements FROM sensor_buffers WHERE sensor_id = ? AND kind = ?`,
		sensorID, string(kind)).Scan(&status, &elements)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s buffer for sensor '%s' does not exist", ErrBufferNotReady, kind, sensorID)
		}
		return nil, fmt.Errorf("failed to load %s buffer for sensor '%s': %w", kind, sensorID, err)
	}
	if model.BufferStatus(status) != model.StatusExists {
		return nil, fmt.Errorf("%w: %s buffer for sensor '%s' is %s", ErrBufferNotReady, kind, sensorID, status)
	}
	return []byte(elements.String), nil
}

func (s *SQLiteStore) UpdateBuffer(ctx context.Context, sensorID string, kind model.BufferKind, fn func([]byte) ([]byte, error)) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin buffer update: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	elements, err := loadSQLiteBuffer(ctx, tx, sensorID, kind)
	if err != nil {
		return err
	}
	updated, err := fn(elements)
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE sensor_buffers SET elements = ?, updated_at = ? WHERE sensor_id = ? AND kind = ?`,
		string(updated), toMillis(time.Now()), sensorID, string(kind)); err != nil {
		return fmt.Errorf("failed to write %s buffer for sensor '%s': %w", kind, sensorID, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit buffer update: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteBuffers(ctx context.Context, sensorID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sensor_buffers WHERE sensor_id = ?`, sensorID); err != nil {
		return fmt.Errorf("failed to delete buffers for sensor '%s': %w", sensorID, err)
	}
	return nil
}

// --- SensorStore Implementation ---

func (s *SQLiteStore) AddSensor(ctx context.Context, sensor *model.TrackedSensor) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tracked_sensors (sensor_id, created_at) VALUES (?, ?)`,
		sensor.SensorID, toMillis(sensor.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: sensor '%s' is already tracked", ErrConflict, sensor.SensorID)
		}
		return fmt.Errorf("failed to insert sensor: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveSensor(ctx context.Context, sensorID string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sensor removal: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM tracked_sensors WHERE sensor_id = ?`, sensorID)
	if err != nil {
		return fmt.Errorf("failed to delete sensor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete sensor: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: sensor '%s' is not tracked", ErrNotFound, sensorID)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM sensor_buffers WHERE sensor_id = ?`, sensorID); err != nil {
		return fmt.Errorf("failed to delete buffers for sensor '%s': %w", sensorID, err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM sensor_results WHERE sensor_id = ?`, sensorID); err != nil {
		return fmt.Errorf("failed to delete result for sensor '%s': %w", sensorID, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit sensor removal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSensors(ctx context.Context) ([]*model.TrackedSensor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sensor_id, created_at FROM tracked_sensors ORDER BY sensor_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sensors: %w", err)
	}
	defer rows.Close()

	sensors := []*model.TrackedSensor{}
	for rows.Next() {
		ts := &model.TrackedSensor{}
		var createdAt int64
		if err := rows.Scan(&ts.SensorID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan sensor row: %w", err)
		}
		ts.CreatedAt = fromMillis(createdAt)
		sensors = append(sensors, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sensor rows: %w", err)
	}
	return sensors, nil
}

// --- ResultStore Implementation ---

func (s *SQLiteStore) SaveResult(ctx context.Context, r *model.SensorResult) error {
	errs, err := json.Marshal(r.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal reading errors: %w", err)
	}
	var aqiVal sql.NullFloat64
	var aqiTs sql.NullInt64
	if v, ok := r.AQI.Value(); ok {
		aqiVal = sql.NullFloat64{Float64: v.AQI, Valid: true}
		aqiTs = sql.NullInt64{Int64: toMillis(v.Timestamp), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO sensor_results (sensor_id, pass_id, aqi, aqi_ts, reason, errors, confidence, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (sensor_id) DO UPDATE SET
            pass_id = excluded.pass_id, aqi = excluded.aqi, aqi_ts = excluded.aqi_ts,
            reason = excluded.reason, errors = excluded.errors,
            confidence = excluded.confidence, updated_at = excluded.updated_at`,
		r.SensorID, r.PassID, aqiVal, aqiTs, string(r.Reason), string(errs), r.Confidence, toMillis(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save result for sensor '%s': %w", r.SensorID, err)
	}
	return nil
}

func (s *SQLiteStore) FindResult(ctx context.Context, sensorID string) (*model.SensorResult, error) {
	r, err := scanSQLiteResult(s.db.QueryRowContext(ctx, selectResults+` WHERE sensor_id = ?`, sensorID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no result for sensor '%s'", ErrNotFound, sensorID)
		}
		return nil, fmt.Errorf("failed to find result: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) ListResults(ctx context.Context) ([]*model.SensorResult, error) {
	rows, err := s.db.QueryContext(ctx, selectResults+` ORDER BY sensor_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	results := []*model.SensorResult{}
	for rows.Next() {
		r, err := scanSQLiteResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating result rows: %w", err)
	}
	return results, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteResult(row rowScanner) (*model.SensorResult, error) {
	r := &model.SensorResult{}
	var aqiVal sql.NullFloat64
	var aqiTs sql.NullInt64
	var reason, errs string
	var updatedAt int64
	if err := row.Scan(&r.SensorID, &r.PassID, &aqiVal, &aqiTs, &reason, &errs, &r.Confidence, &updatedAt); err != nil {
		return nil, err
	}
	r.Reason = model.InvalidAqiReason(reason)
	r.UpdatedAt = fromMillis(updatedAt)
	r.AQI = model.DefaultAqiElement()
	if aqiVal.Valid && aqiTs.Valid {
		r.AQI = model.AqiPresent(model.AqiValue{Timestamp: fromMillis(aqiTs.Int64), AQI: aqiVal.Float64})
	}
	if err := json.Unmarshal([]byte(errs), &r.Errors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reading errors: %w", err)
	}
	return r, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
