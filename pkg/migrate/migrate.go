package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	"github.com/angelmondragon/recurring-billing/pkg/logger"
)

// DefaultDir is where create and validate look for migration sources.
const DefaultDir = "pkg/migrate/migrations"

//go:embed migrations/*.sql
var embedded embed.FS

// Embedded returns the migrations compiled into the binary.
func Embedded() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(fmt.Sprintf("migrate: embedded migrations: %v", err))
	}
	return sub
}

// Migrator applies the Postgres schema with goose. The SQL uses partial
// indexes and jsonb, so no other dialect is supported.
type Migrator struct {
	provider *goose.Provider
	logg     *logger.Logger
}

// New builds a migrator over fsys. The caller keeps ownership of db.
func New(db *sql.DB, fsys fs.FS, logg *logger.Logger) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if fsys == nil {
		fsys = Embedded()
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	return &Migrator{provider: provider, logg: logg}, nil
}

// Run executes one of up, down, redo or status.
func (m *Migrator) Run(ctx context.Context, command string) error {
	switch command {
	case "up":
		results, err := m.provider.Up(ctx)
		m.logResults(ctx, results...)
		if err != nil {
			return fmt.Errorf("goose up: %w", err)
		}
	case "down":
		result, err := m.provider.Down(ctx)
		m.logResults(ctx, result)
		if err != nil {
			return fmt.Errorf("goose down: %w", err)
		}
	case "redo":
		down, err := m.provider.Down(ctx)
		m.logResults(ctx, down)
		if err != nil {
			return fmt.Errorf("goose redo (down): %w", err)
		}
		up, err := m.provider.UpByOne(ctx)
		m.logResults(ctx, up)
		if err != nil {
			return fmt.Errorf("goose redo (up): %w", err)
		}
	case "status":
		statuses, err := m.provider.Status(ctx)
		if err != nil {
			return fmt.Errorf("goose status: %w", err)
		}
		for _, st := range statuses {
			fields := map[string]any{"version": st.Source.Version, "path": st.Source.Path, "state": string(st.State)}
			if !st.AppliedAt.IsZero() {
				fields["applied_at"] = st.AppliedAt
			}
			m.info(ctx, fields, "migration.status")
		}
	default:
		return fmt.Errorf("unknown migrate command %q", command)
	}
	return nil
}

// To migrates up or down until the database sits at version.
func (m *Migrator) To(ctx context.Context, version int64) error {
	current, err := m.provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("get db version: %w", err)
	}
	var results []*goose.MigrationResult
	switch {
	case current == version:
		return nil
	case current < version:
		results, err = m.provider.UpTo(ctx, version)
	default:
		results, err = m.provider.DownTo(ctx, version)
	}
	m.logResults(ctx, results...)
	if err != nil {
		return fmt.Errorf("goose migrate %d -> %d: %w", current, version, err)
	}
	return nil
}

// Ping fails while migrations are pending so readiness stays red until the
// schema matches the binary.
func (m *Migrator) Ping(ctx context.Context) error {
	pending, err := m.provider.HasPending(ctx)
	if err != nil {
		return fmt.Errorf("check pending migrations: %w", err)
	}
	if pending {
		return fmt.Errorf("schema has pending migrations")
	}
	return nil
}

func (m *Migrator) logResults(ctx context.Context, results ...*goose.MigrationResult) {
	for _, res := range results {
		if res == nil || res.Source == nil {
			continue
		}
		m.info(ctx, map[string]any{
			"version":     res.Source.Version,
			"path":        res.Source.Path,
			"direction":   res.Direction,
			"duration_ms": res.Duration.Milliseconds(),
		}, "migration.applied")
	}
}

func (m *Migrator) info(ctx context.Context, fields map[string]any, msg string) {
	if m.logg == nil {
		return
	}
	m.logg.Info(m.logg.WithFields(ctx, fields), msg)
}
