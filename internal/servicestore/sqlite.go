package servicestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/devhops/devhops-engine/internal/models"
)

//go:embed schema.sql
var schema string

// SQLiteStore persists services in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if path == ":memory:" {
		dsn = path
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create inserts one service.
func (s *SQLiteStore) Create(ctx context.Context, service models.Service) (models.Service, error) {
	prepared, err := Prepare(service, s.now())
	if err != nil {
		return models.Service{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO services (id, name, metrics_url, repo_url, registered_at, last_checked)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		prepared.ID,
		prepared.Name,
		prepared.MetricsURL,
		prepared.RepoURL,
		toUnix(prepared.RegisteredAt),
		toUnix(prepared.LastChecked),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Service{}, ErrAlreadyExists
		}
		return models.Service{}, fmt.Errorf("create service: %w", err)
	}
	return prepared, nil
}

// Get returns one service by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (models.Service, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, metrics_url, repo_url, registered_at, last_checked
		   FROM services
		  WHERE id = ?`, id)
	service, err := scanService(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Service{}, ErrNotFound
		}
		return models.Service{}, fmt.Errorf("get service: %w", err)
	}
	return service, nil
}

// List returns every service ordered by registration time, then id.
func (s *SQLiteStore) List(ctx context.Context) ([]models.Service, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, metrics_url, repo_url, registered_at, last_checked
		   FROM services
		  ORDER BY registered_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	services := make([]models.Service, 0)
	for rows.Next() {
		service, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		services = append(services, service)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate services: %w", err)
	}
	return services, nil
}

// Touch records a successful evaluation of id.
func (s *SQLiteStore) Touch(ctx context.Context, id string, lastChecked time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE services SET last_checked = ? WHERE id = ?`, toUnix(lastChecked), id)
	if err != nil {
		return fmt.Errorf("touch service: %w", err)
	}
	return requireRow(res)
}

// Delete removes id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM services WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete service: %w", err)
	}
	return requireRow(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanService(row scanner) (models.Service, error) {
	var service models.Service
	var registeredAt, lastChecked int64
	if err := row.Scan(&service.ID, &service.Name, &service.MetricsURL, &service.RepoURL, &registeredAt, &lastChecked); err != nil {
		return models.Service{}, err
	}
	service.RegisteredAt = fromUnix(registeredAt)
	service.LastChecked = fromUnix(lastChecked)
	return service, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
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

var _ Store = (*SQLiteStore)(nil)
