package jobregistry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "modernc.org/sqlite"             // registers the "sqlite" driver
)

// Dialect selects SQL placeholder style and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func (d Dialect) driver() (string, error) {
	switch d {
	case DialectSQLite:
		return "sqlite", nil
	case DialectPostgres:
		return "pgx", nil
	default:
		return "", fmt.Errorf("unsupported sql dialect %q", string(d))
	}
}

// SQLConfig configures a SQL-backed registry.
type SQLConfig struct {
	Dialect Dialect

	// DSN is the driver data source name. For sqlite this is a file path or
	// ":memory:"; for postgres a libpq connection string or URL.
	DSN string
}

// SQLRegistry stores one row per job in a jobs table.
//
// Claim is a single UPDATE guarded by the expected field value; the database
// row lock makes it atomic and RowsAffected tells the caller who won.
type SQLRegistry struct {
	db      *sql.DB
	dialect Dialect
	dsn     string
}

var _ Registry = (*SQLRegistry)(nil)

const jobColumns = `job_id, account_id, account_class, account_email, account_name,
	input_name, input_location, submit_time, job_status, complete_time,
	result_location, log_location, storage_state, archive_ref`

// OpenSQL opens the database, applies connection settings and migrates the
// schema.
func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQLRegistry, error) {
	driver, err := cfg.Dialect.driver()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("registry dsn is required")
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if cfg.Dialect == DialectSQLite {
		// Keep a single connection and use WAL to reduce lock contention.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping registry: %w", err)
	}

	r := &SQLRegistry{db: db, dialect: cfg.Dialect, dsn: cfg.DSN}
	if err := r.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLRegistry) migrate(ctx context.Context) error {
	if r.dialect == DialectSQLite && !strings.Contains(r.dsn, ":memory:") {
		var journalMode string
		if err := r.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
			return fmt.Errorf("enable WAL mode: %w", err)
		}
		var busyTimeout int
		if err := r.db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
			return fmt.Errorf("set busy timeout: %w", err)
		}
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			account_class TEXT NOT NULL CHECK (account_class IN ('standard','elevated')),
			account_email TEXT NOT NULL DEFAULT '',
			account_name TEXT NOT NULL DEFAULT '',
			input_name TEXT NOT NULL,
			input_location TEXT NOT NULL,
			submit_time BIGINT NOT NULL,
			job_status TEXT NOT NULL CHECK (job_status IN ('PENDING','RUNNING','COMPLETE')),
			complete_time BIGINT,
			result_location TEXT NOT NULL DEFAULT '',
			log_location TEXT NOT NULL DEFAULT '',
			storage_state TEXT NOT NULL DEFAULT '',
			archive_ref TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_account ON jobs(account_id)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate registry: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for postgres.
func (r *SQLRegistry) rebind(query string) string {
	if r.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (r *SQLRegistry) Create(ctx context.Context, rec *JobRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	var completeTime any
	if rec.CompleteTime != nil {
		completeTime = rec.CompleteTime.UTC().UnixNano()
	}
	res, err := r.db.ExecContext(ctx, r.rebind(
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (job_id) DO NOTHING`),
		rec.JobID, rec.AccountID, string(rec.AccountClass), rec.AccountEmail, rec.AccountName,
		rec.InputName, rec.InputLocation, rec.SubmitTime.UTC().UnixNano(), string(rec.JobStatus), completeTime,
		rec.ResultLocation, rec.LogLocation, string(rec.StorageState), rec.ArchiveRef,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", rec.JobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert job %s: %w", rec.JobID, err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*JobRecord, error) {
	var (
		rec          JobRecord
		class        string
		status       string
		storage      string
		submitNanos  int64
		completeNano sql.NullInt64
	)
	if err := row.Scan(
		&rec.JobID, &rec.AccountID, &class, &rec.AccountEmail, &rec.AccountName,
		&rec.InputName, &rec.InputLocation, &submitNanos, &status, &completeNano,
		&rec.ResultLocation, &rec.LogLocation, &storage, &rec.ArchiveRef,
	); err != nil {
		return nil, err
	}
	parsed, err := ParseAccountClass(class)
	if err != nil {
		return nil, err
	}
	rec.AccountClass = parsed
	rec.JobStatus = JobStatus(status)
	rec.StorageState = StorageState(storage)
	rec.SubmitTime = time.Unix(0, submitNanos).UTC()
	if completeNano.Valid {
		t := time.Unix(0, completeNano.Int64).UTC()
		rec.CompleteTime = &t
	}
	return &rec, nil
}

func (r *SQLRegistry) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`), jobID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return rec, nil
}

func (r *SQLRegistry) query(ctx context.Context, query string, args ...any) ([]JobRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []JobRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (r *SQLRegistry) ListByAccount(ctx context.Context, accountID string) ([]JobRecord, error) {
	out, err := r.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE account_id = ? ORDER BY submit_time DESC, job_id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for account %s: %w", accountID, err)
	}
	return out, nil
}

func (r *SQLRegistry) List(ctx context.Context) ([]JobRecord, error) {
	out, err := r.query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY submit_time DESC, job_id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

func (r *SQLRegistry) Claim(ctx context.Context, c Claim) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}

	sets := []string{string(c.Field) + " = ?"}
	args := []any{c.Next}
	if c.Also.CompleteTime != nil {
		sets = append(sets, "complete_time = ?")
		args = append(args, c.Also.CompleteTime.UTC().UnixNano())
	}
	if c.Also.ResultLocation != nil {
		sets = append(sets, "result_location = ?")
		args = append(args, *c.Also.ResultLocation)
	}
	if c.Also.LogLocation != nil {
		sets = append(sets, "log_location = ?")
		args = append(args, *c.Also.LogLocation)
	}
	if c.Also.ArchiveRef != nil {
		sets = append(sets, "archive_ref = ?")
		args = append(args, *c.Also.ArchiveRef)
	}
	if c.Also.StorageState != nil {
		sets = append(sets, "storage_state = ?")
		args = append(args, string(*c.Also.StorageState))
	}
	args = append(args, c.JobID, c.Expected)

	// c.Field is a validated closed enumeration, so splicing it is safe.
	query := `UPDATE jobs SET ` + strings.Join(sets, ", ") +
		` WHERE job_id = ? AND ` + string(c.Field) + ` = ?`

	res, err := r.db.ExecContext(ctx, r.rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("claim %s on job %s: %w", c.Field, c.JobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim %s on job %s: %w", c.Field, c.JobID, err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := r.Get(ctx, c.JobID); err != nil {
		return false, err
	}
	return false, nil
}

func (r *SQLRegistry) SetAccountClass(ctx context.Context, jobID string, class AccountClass) error {
	if err := checkClass(class); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, r.rebind(`UPDATE jobs SET account_class = ? WHERE job_id = ?`), string(class), jobID)
	if err != nil {
		return fmt.Errorf("set account class on job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set account class on job %s: %w", jobID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLRegistry) Close() error {
	return r.db.Close()
}
