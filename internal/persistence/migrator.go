package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLockID keys the advisory lock that serialises migrations when
// several ledger replicas start at once.
const migrationLockID int64 = 0x54524f56454c4447 // "TROVELDG"

// Migration is one {version}_{name}.up.sql / .down.sql pair.
type Migration struct {
	Version  string
	Name     string
	Up       string
	Down     string
	Checksum string // sha256 of the up script
}

// MigrationStatus reports one migration against the database.
type MigrationStatus struct {
	Version string
	Name    string
	Applied bool
}

// Migrator applies the schema migrations in version order. File naming
// follows golang-migrate so the same directory works with that tool.
type Migrator struct {
	db     *sql.DB
	files  fs.FS
	logger zerolog.Logger
}

// NewMigrator reads migrations from the root of files, usually the
// embedded migrations.Files.
func NewMigrator(db *sql.DB, files fs.FS, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, files: files, logger: logger}
}

// LoadMigrations parses every migration pair in fsys, ordered by version.
// A version without both scripts, or used twice, is an error.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, e := range entries {
		name := e.Name()
		var dir string
		switch {
		case e.IsDir():
			continue
		case strings.HasSuffix(name, ".up.sql"):
			dir = "up"
		case strings.HasSuffix(name, ".down.sql"):
			dir = "down"
		default:
			continue
		}
		version, label, ok := strings.Cut(strings.TrimSuffix(strings.TrimSuffix(name, ".up.sql"), ".down.sql"), "_")
		if !ok || version == "" {
			return nil, fmt.Errorf("migration %s: want {version}_{name}.%s.sql", name, dir)
		}
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}

		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version, Name: label}
			byVersion[version] = m
		} else if m.Name != label {
			return nil, fmt.Errorf("migration %s: version used by %q and %q", version, m.Name, label)
		}
		if dir == "up" {
			m.Up = string(body)
			sum := sha256.Sum256(body)
			m.Checksum = hex.EncodeToString(sum[:])
		} else {
			m.Down = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %s_%s: needs both up and down scripts", m.Version, m.Name)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Up applies every pending migration, each in its own transaction. An
// applied migration whose up script has since changed stops the run.
func (m *Migrator) Up(ctx context.Context) error {
	migrations, err := LoadMigrations(m.files)
	if err != nil {
		return err
	}
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := appliedChecksums(ctx, conn)
		if err != nil {
			return err
		}
		for _, mig := range migrations {
			if sum, ok := applied[mig.Version]; ok {
				if sum != "" && sum != mig.Checksum {
					return fmt.Errorf("migration %s_%s changed after it was applied", mig.Version, mig.Name)
				}
				continue
			}
			if err := runInTx(ctx, conn, mig.Up,
				`INSERT INTO public.schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
				mig.Version, mig.Name, mig.Checksum,
			); err != nil {
				return fmt.Errorf("apply %s_%s: %w", mig.Version, mig.Name, err)
			}
			m.logger.Info().Str("version", mig.Version).Str("name", mig.Name).Msg("applied migration")
		}
		return nil
	})
}

// Down rolls back the newest applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	migrations, err := LoadMigrations(m.files)
	if err != nil {
		return err
	}
	return m.locked(ctx, func(conn *sql.Conn) error {
		var version string
		err := conn.QueryRowContext(ctx,
			`SELECT version FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		idx := sort.Search(len(migrations), func(i int) bool { return migrations[i].Version >= version })
		if idx == len(migrations) || migrations[idx].Version != version {
			return fmt.Errorf("migration %s is applied but has no scripts", version)
		}
		mig := migrations[idx]
		if err := runInTx(ctx, conn, mig.Down,
			`DELETE FROM public.schema_migrations WHERE version = $1`, mig.Version,
		); err != nil {
			return fmt.Errorf("roll back %s_%s: %w", mig.Version, mig.Name, err)
		}
		m.logger.Info().Str("version", mig.Version).Str("name", mig.Name).Msg("rolled back migration")
		return nil
	})
}

// Status lists every known migration and whether it is applied.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	migrations, err := LoadMigrations(m.files)
	if err != nil {
		return nil, err
	}
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := ensureMigrationTable(ctx, conn); err != nil {
		return nil, err
	}
	applied, err := appliedChecksums(ctx, conn)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, len(migrations))
	for i, mig := range migrations {
		_, ok := applied[mig.Version]
		out[i] = MigrationStatus{Version: mig.Version, Name: mig.Name, Applied: ok}
	}
	return out, nil
}

// locked runs fn on one connection holding the migration advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID); err != nil {
			m.logger.Warn().Err(err).Msg("release migration lock")
		}
	}()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn)
}

func ensureMigrationTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func appliedChecksums(ctx context.Context, conn *sql.Conn) (map[string]string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM public.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, sum string
		if err := rows.Scan(&version, &sum); err != nil {
			return nil, err
		}
		applied[version] = sum
	}
	return applied, rows.Err()
}

// runInTx executes script and the bookkeeping statement atomically.
func runInTx(ctx context.Context, conn *sql.Conn, script, record string, args ...interface{}) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}
