package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/liamcoop/policyhub/value"
)

// SQLiteStore implements Store on a single SQLite file. Timestamps are
// stored as unix nanoseconds and metadata as JSON text.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the database at path and
// initializes the schema.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rule_templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		version INTEGER NOT NULL CHECK (version > 0),
		source TEXT NOT NULL,
		compiled TEXT,
		is_latest INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE (name, version)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_rule_templates_latest
		ON rule_templates(name) WHERE is_latest = 1;

	CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		rule_template_id TEXT NOT NULL REFERENCES rule_templates(id),
		rule_template_version INTEGER NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		description TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_policies_created_at ON policies(created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const sqliteTemplateColumns = `id, name, version, source, COALESCE(compiled, ''), is_latest, created_at`

// PutTemplate inserts a version and demotes the previous latest in one
// transaction.
func (s *SQLiteStore) PutTemplate(ctx context.Context, t *RuleTemplate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if t.IsLatest {
		if _, err := tx.ExecContext(ctx,
			`UPDATE rule_templates SET is_latest = 0 WHERE name = ? AND is_latest = 1`, t.Name); err != nil {
			return fmt.Errorf("failed to demote latest template: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rule_templates (id, name, version, source, compiled, is_latest, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?)
	`, t.ID, t.Name, t.Version, t.Source, t.Compiled, boolToInt(t.IsLatest), t.CreatedAt.UnixNano())
	if err != nil {
		if isSQLiteConstraint(err) {
			return &alreadyExistsError{what: "rule template " + t.Name + " version " + itoa(t.Version)}
		}
		return fmt.Errorf("failed to insert template: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit template: %w", err)
	}
	return nil
}

// GetTemplate retrieves a template by ID.
func (s *SQLiteStore) GetTemplate(ctx context.Context, id string) (*RuleTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTemplateColumns+` FROM rule_templates WHERE id = ?`, id)
	return scanSQLiteTemplateRow(row, id)
}

// GetTemplateVersion retrieves a specific version of a name.
func (s *SQLiteStore) GetTemplateVersion(ctx context.Context, name string, version int) (*RuleTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTemplateColumns+` FROM rule_templates WHERE name = ? AND version = ?`, name, version)
	return scanSQLiteTemplateRow(row, name+" version "+itoa(version))
}

// LatestTemplate retrieves the latest version of a name.
func (s *SQLiteStore) LatestTemplate(ctx context.Context, name string) (*RuleTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTemplateColumns+` FROM rule_templates WHERE name = ? AND is_latest = 1`, name)
	return scanSQLiteTemplateRow(row, name)
}

// ListTemplateVersions returns all versions of a name in ascending order.
func (s *SQLiteStore) ListTemplateVersions(ctx context.Context, name string) ([]*RuleTemplate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTemplateColumns+` FROM rule_templates WHERE name = ? ORDER BY version ASC`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list template versions: %w", err)
	}
	defer rows.Close()

	var out []*RuleTemplate
	for rows.Next() {
		t, err := scanSQLiteTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating templates: %w", err)
	}
	return out, nil
}

// ListTemplateNames returns the distinct template names.
func (s *SQLiteStore) ListTemplateNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT name FROM rule_templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list template names: %w", err)
	}
	defer rows.Close()
	return scanNames(rows)
}

// SetCompiled stores compiled code unless some is already present.
func (s *SQLiteStore) SetCompiled(ctx context.Context, id, compiled string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE rule_templates SET compiled = ? WHERE id = ? AND compiled IS NULL`, compiled, id)
	if err != nil {
		return fmt.Errorf("failed to set compiled template: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}
	_, err = s.GetTemplate(ctx, id)
	return err
}

// PutPolicy inserts a policy.
func (s *SQLiteStore) PutPolicy(ctx context.Context, p *Policy) error {
	metadata, err := normalizeMetadata(p.Metadata).MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (id, name, rule_template_id, rule_template_version, metadata, description, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.RuleTemplateID, p.RuleTemplateVersion, string(metadata), p.Description, p.IsActive, p.CreatedAt.UnixNano())
	if err != nil {
		if isSQLiteConstraint(err) {
			return &alreadyExistsError{what: "policy " + p.ID}
		}
		return fmt.Errorf("failed to insert policy: %w", err)
	}
	return nil
}

// GetPolicy retrieves a policy by ID.
func (s *SQLiteStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, rule_template_id, rule_template_version, metadata, description, is_active, created_at
		FROM policies WHERE id = ?
	`, id)
	p, err := scanSQLitePolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("policy", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return p, nil
}

// ListPolicies returns all policies ordered by creation time.
func (s *SQLiteStore) ListPolicies(ctx context.Context) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, rule_template_id, rule_template_version, metadata, description, is_active, created_at
		FROM policies ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	var out []*Policy
	for rows.Next() {
		p, err := scanSQLitePolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policies: %w", err)
	}
	return out, nil
}

// DeletePolicy removes a policy.
func (s *SQLiteStore) DeletePolicy(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound("policy", id)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isSQLiteConstraint(err error) bool {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	switch sqlErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanSQLiteTemplate(row rowScanner) (*RuleTemplate, error) {
	var (
		t         RuleTemplate
		isLatest  int
		createdAt int64
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Version, &t.Source, &t.Compiled, &isLatest, &createdAt); err != nil {
		return nil, err
	}
	t.IsLatest = isLatest == 1
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	return &t, nil
}

func scanSQLiteTemplateRow(row rowScanner, key string) (*RuleTemplate, error) {
	t, err := scanSQLiteTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("rule template", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return t, nil
}

func scanSQLitePolicy(row rowScanner) (*Policy, error) {
	var (
		p         Policy
		metadata  string
		createdAt int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.RuleTemplateID, &p.RuleTemplateVersion, &metadata, &p.Description, &p.IsActive, &createdAt); err != nil {
		return nil, err
	}
	md, err := value.Parse([]byte(metadata))
	if err != nil {
		return nil, fmt.Errorf("invalid metadata for policy %s: %w", p.ID, err)
	}
	p.Metadata = md
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	return &p, nil
}
