package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/liamcoop/policyhub/value"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// PostgresStore implements Store backed by PostgreSQL.
// The schema lives in migrations/postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed Store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgresStore opens a connection pool for databaseURL and verifies it.
func OpenPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewPostgresStore(db), nil
}

const templateColumns = `id, name, version, source, COALESCE(compiled, ''), is_latest, created_at`

// PutTemplate inserts a version and demotes the previous latest in one
// transaction.
func (s *PostgresStore) PutTemplate(ctx context.Context, t *RuleTemplate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if t.IsLatest {
		if _, err := tx.ExecContext(ctx, `
			UPDATE rule_templates SET is_latest = FALSE
			WHERE name = $1 AND is_latest
		`, t.Name); err != nil {
			return fmt.Errorf("failed to demote latest template: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rule_templates (id, name, version, source, compiled, is_latest, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
	`, t.ID, t.Name, t.Version, t.Source, t.Compiled, t.IsLatest, t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &alreadyExistsError{what: "rule template " + t.Name + " version " + itoa(t.Version)}
		}
		return fmt.Errorf("failed to insert template: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return &alreadyExistsError{what: "rule template " + t.Name + " version " + itoa(t.Version)}
		}
		return fmt.Errorf("failed to commit template: %w", err)
	}
	return nil
}

// GetTemplate retrieves a template by ID.
func (s *PostgresStore) GetTemplate(ctx context.Context, id string) (*RuleTemplate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+templateColumns+`
		FROM rule_templates
		WHERE id = $1
	`, id)
	return scanTemplateRow(row, id)
}

// GetTemplateVersion retrieves a specific version of a name.
func (s *PostgresStore) GetTemplateVersion(ctx context.Context, name string, version int) (*RuleTemplate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+templateColumns+`
		FROM rule_templates
		WHERE name = $1 AND version = $2
	`, name, version)
	return scanTemplateRow(row, name+" version "+itoa(version))
}

// LatestTemplate retrieves the latest version of a name.
func (s *PostgresStore) LatestTemplate(ctx context.Context, name string) (*RuleTemplate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+templateColumns+`
		FROM rule_templates
		WHERE name = $1 AND is_latest
	`, name)
	return scanTemplateRow(row, name)
}

// ListTemplateVersions returns all versions of a name in ascending order.
func (s *PostgresStore) ListTemplateVersions(ctx context.Context, name string) ([]*RuleTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+templateColumns+`
		FROM rule_templates
		WHERE name = $1
		ORDER BY version ASC
	`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list template versions: %w", err)
	}
	defer rows.Close()

	var out []*RuleTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
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
func (s *PostgresStore) ListTemplateNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT name FROM rule_templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list template names: %w", err)
	}
	defer rows.Close()
	return scanNames(rows)
}

// SetCompiled stores compiled code unless some is already present.
func (s *PostgresStore) SetCompiled(ctx context.Context, id, compiled string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE rule_templates SET compiled = $2
		WHERE id = $1 AND compiled IS NULL
	`, id, compiled)
	if err != nil {
		return fmt.Errorf("failed to set compiled template: %w", err)
	}
	return s.checkCompiledUpdate(ctx, result, id)
}

func (s *PostgresStore) checkCompiledUpdate(ctx context.Context, result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}
	// Either already compiled or missing.
	_, err = s.GetTemplate(ctx, id)
	return err
}

// PutPolicy inserts a policy.
func (s *PostgresStore) PutPolicy(ctx context.Context, p *Policy) error {
	metadata, err := normalizeMetadata(p.Metadata).MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (id, name, rule_template_id, rule_template_version, metadata, description, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, p.ID, p.Name, p.RuleTemplateID, p.RuleTemplateVersion, string(metadata), p.Description, p.IsActive, p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &alreadyExistsError{what: "policy " + p.ID}
		}
		return fmt.Errorf("failed to insert policy: %w", err)
	}
	return nil
}

// GetPolicy retrieves a policy by ID.
func (s *PostgresStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, rule_template_id, rule_template_version, metadata, description, is_active, created_at
		FROM policies
		WHERE id = $1
	`, id)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("policy", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return p, nil
}

// ListPolicies returns all policies ordered by creation time.
func (s *PostgresStore) ListPolicies(ctx context.Context) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, rule_template_id, rule_template_version, metadata, description, is_active, created_at
		FROM policies
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	var out []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
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
func (s *PostgresStore) DeletePolicy(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
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

// Ping verifies the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (*RuleTemplate, error) {
	var t RuleTemplate
	if err := row.Scan(&t.ID, &t.Name, &t.Version, &t.Source, &t.Compiled, &t.IsLatest, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

func scanTemplateRow(row rowScanner, key string) (*RuleTemplate, error) {
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("rule template", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return t, nil
}

func scanPolicy(row rowScanner) (*Policy, error) {
	var (
		p        Policy
		metadata []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &p.RuleTemplateID, &p.RuleTemplateVersion, &metadata, &p.Description, &p.IsActive, &p.CreatedAt); err != nil {
		return nil, err
	}
	md, err := value.Parse(metadata)
	if err != nil {
		return nil, fmt.Errorf("invalid metadata for policy %s: %w", p.ID, err)
	}
	p.Metadata = md
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func scanNames(rows *sql.Rows) ([]string, error) {
	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan template name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating template names: %w", err)
	}
	return names, nil
}
