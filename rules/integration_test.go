//go:build integration
// +build integration

package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/liamcoop/policyhub/sandbox"
	"github.com/liamcoop/policyhub/value"
)

// setupTestDB creates a PostgreSQL container and returns a migrated connection
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "policyhub_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=test password=test dbname=policyhub_test sslmode=disable", host, port.Port())

	// Wait for connection to be available
	var db *sql.DB
	for i := 0; i < 30; i++ {
		db, err = sql.Open("postgres", connStr)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	migrationSQL, err := os.ReadFile(filepath.Join("..", "migrations", "postgres", "000001_initial_schema.up.sql"))
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}
	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgresContainer.Terminate(ctx)
	}

	return db, cleanup
}

func truncate(t *testing.T, db *sql.DB) {
	t.Helper()
	if _, err := db.Exec(`TRUNCATE policies, rule_templates`); err != nil {
		t.Fatalf("Failed to truncate tables: %v", err)
	}
}

// TestPostgresStoreContract runs the shared store behavior against PostgreSQL.
func TestPostgresStoreContract(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	runStoreContract(t, func(t *testing.T) Store {
		truncate(t, db)
		return NewPostgresStore(db)
	})
}

// TestPostgresStoreSingleLatestIndex verifies the schema itself refuses two
// latest versions of one name.
func TestPostgresStoreSingleLatestIndex(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	v1 := newTemplate("guarded", 1, true)
	store := NewPostgresStore(db)
	if err := store.PutTemplate(ctx, v1); err != nil {
		t.Fatalf("PutTemplate() failed: %v", err)
	}

	_, err := db.Exec(`
		INSERT INTO rule_templates (id, name, version, source, is_latest, created_at)
		VALUES ($1, 'guarded', 2, 'x', TRUE, NOW())
	`, newTemplate("guarded", 2, true).ID)
	if !isUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
}

// TestPostgresRegistryConcurrentInstances verifies two registries sharing
// one database never hand out the same version.
func TestPostgresRegistryConcurrentInstances(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	a := NewRegistry(NewPostgresStore(db), nil)
	b := NewRegistry(NewPostgresStore(db), nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	conflicts := 0
	for i := 0; i < 10; i++ {
		for _, r := range []*Registry{a, b} {
			wg.Add(1)
			go func(r *Registry) {
				defer wg.Done()
				_, err := r.CreateTemplate(ctx, "shared", discountSource)
				if errors.Is(err, ErrAlreadyExists) {
					mu.Lock()
					conflicts++
					mu.Unlock()
					return
				}
				if err != nil {
					t.Errorf("CreateTemplate() failed: %v", err)
				}
			}(r)
		}
	}
	wg.Wait()

	versions, err := a.ListTemplateVersions(ctx, "shared")
	if err != nil {
		t.Fatalf("ListTemplateVersions() failed: %v", err)
	}
	if len(versions)+conflicts != 20 {
		t.Errorf("versions=%d conflicts=%d, want a total of 20", len(versions), conflicts)
	}
	latest := 0
	for i, v := range versions {
		if v.Version != i+1 {
			t.Errorf("versions[%d] = %d, want %d", i, v.Version, i+1)
		}
		if v.IsLatest {
			latest++
		}
	}
	if latest != 1 {
		t.Errorf("expected one latest version, got %d", latest)
	}
}

// TestPostgresEngineEndToEnd verifies executing a policy stored in PostgreSQL.
func TestPostgresEngineEndToEnd(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	registry := NewRegistry(NewPostgresStore(db), nil)
	engine := NewEngine(registry, sandbox.NewPool(sandbox.DefaultConfig(), nil), nil)

	tmpl, err := registry.CreateTemplate(ctx, "fees", flatFeeSource)
	if err != nil {
		t.Fatalf("CreateTemplate() failed: %v", err)
	}
	p, err := registry.CreatePolicy(ctx, PolicyInput{
		Name:           "fees-policy",
		RuleTemplateID: tmpl.ID,
		Metadata:       value.MustFromGo(map[string]any{"fee": 7}),
	})
	if err != nil {
		t.Fatalf("CreatePolicy() failed: %v", err)
	}

	// A fresh registry has an empty cache and compiles from the stored source.
	cold := NewEngine(NewRegistry(NewPostgresStore(db), nil), sandbox.NewPool(sandbox.DefaultConfig(), nil), nil)
	for _, en := range []*Engine{engine, cold} {
		res, err := en.Execute(ctx, p.ID, value.MustFromGo(map[string]any{"amount": 3}))
		if err != nil {
			t.Fatalf("Execute() failed: %v", err)
		}
		if got := res.OutputFacts.String(); got != `{"fee":7}` {
			t.Errorf("OutputFacts = %s, want {\"fee\":7}", got)
		}
	}
}
