package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// Migration represents a single database migration with version and implementation
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
	Down        func(ctx context.Context, tx *sql.Tx) error
}

// MigrationManager handles schema migrations for the DuckDB backend. PostgreSQL schemas are
// managed by goose; see MigratePostgres.
type MigrationManager struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations []Migration
}

// MigrationStatus represents the current state of database migrations
type MigrationStatus struct {
	CurrentVersion    int                `json:"current_version"`
	LatestVersion     int                `json:"latest_version"`
	AppliedMigrations []AppliedMigration `json:"applied_migrations"`
	PendingMigrations int                `json:"pending_migrations"`
}

// AppliedMigration represents a migration that has been successfully applied
type AppliedMigration struct {
	Version       int           `json:"version"`
	Description   string        `json:"description"`
	AppliedAt     time.Time     `json:"applied_at"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// NewMigrationManager creates a new migration manager instance
func NewMigrationManager(db *sql.DB, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &MigrationManager{
		db:         db,
		logger:     logger.With("component", "migrations"),
		migrations: duckDBMigrations(),
	}
}

// Initialize creates the migrations table if it doesn't exist
func (m *MigrationManager) Initialize(ctx context.Context) error {
	createMigrationsTable := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			execution_time BIGINT NOT NULL DEFAULT 0
		)`

	if _, err := m.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// Migrate runs all pending migrations up to the target version
func (m *MigrationManager) Migrate(ctx context.Context, targetVersion int) error {
	if err := m.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize migration manager: %w", err)
	}

	currentVersion, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}

	if currentVersion >= targetVersion {
		m.logger.Debug("no migrations to run", "current_version", currentVersion)
		return nil
	}

	applied := 0
	for _, migration := range m.migrations {
		if migration.Version <= currentVersion || migration.Version > targetVersion {
			continue
		}
		if err := m.runMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}
		applied++
	}

	m.logger.Info("migrations completed",
		"from_version", currentVersion,
		"to_version", targetVersion,
		"migrations_run", applied)
	return nil
}

// MigrateToLatest runs all available migrations
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	return m.Migrate(ctx, m.latestVersion())
}

// Rollback rolls back migrations down to the target version
func (m *MigrationManager) Rollback(ctx context.Context, targetVersion int) error {
	currentVersion, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}
	if currentVersion <= targetVersion {
		return nil
	}

	for i := len(m.migrations) - 1; i >= 0; i-- {
		migration := m.migrations[i]
		if migration.Version <= targetVersion || migration.Version > currentVersion {
			continue
		}
		if err := m.rollbackMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", migration.Version, err)
		}
	}

	m.logger.Info("rollback completed", "from_version", currentVersion, "to_version", targetVersion)
	return nil
}

// GetStatus returns the current migration status
func (m *MigrationManager) GetStatus(ctx context.Context) (*MigrationStatus, error) {
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}

	currentVersion, err := m.currentVersion(ctx)
	if err != nil {
		return nil, err
	}

	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	pending := 0
	for _, migration := range m.migrations {
		if migration.Version > currentVersion {
			pending++
		}
	}

	return &MigrationStatus{
		CurrentVersion:    currentVersion,
		LatestVersion:     m.latestVersion(),
		AppliedMigrations: applied,
		PendingMigrations: pending,
	}, nil
}

func (m *MigrationManager) latestVersion() int {
	if len(m.migrations) == 0 {
		return 0
	}
	return m.migrations[len(m.migrations)-1].Version
}

// runMigration executes a single migration and records it in one transaction
func (m *MigrationManager) runMigration(ctx context.Context, migration Migration) error {
	start := time.Now()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Up(ctx, tx); err != nil {
		return fmt.Errorf("migration execution failed: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, description, applied_at, execution_time) VALUES ($1, $2, $3, $4)`,
		migration.Version, migration.Description, start, time.Since(start).Nanoseconds()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	m.logger.Info("migration applied",
		"version", migration.Version,
		"description", migration.Description,
		"duration", time.Since(start))
	return nil
}

// rollbackMigration executes a single migration rollback
func (m *MigrationManager) rollbackMigration(ctx context.Context, migration Migration) error {
	if migration.Down == nil {
		return fmt.Errorf("migration %d has no rollback function", migration.Version)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start rollback transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Down(ctx, tx); err != nil {
		return fmt.Errorf("rollback execution failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = $1", migration.Version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}

	m.logger.Info("migration rolled back", "version", migration.Version)
	return nil
}

func (m *MigrationManager) currentVersion(ctx context.Context) (int, error) {
	var version int
	if err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

func (m *MigrationManager) appliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT version, description, applied_at, execution_time FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var migrations []AppliedMigration
	for rows.Next() {
		var (
			migration     AppliedMigration
			executionTime int64
		)
		if err := rows.Scan(&migration.Version, &migration.Description, &migration.AppliedAt, &executionTime); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		migration.ExecutionTime = time.Duration(executionTime)
		migrations = append(migrations, migration)
	}
	return migrations, rows.Err()
}

func duckDBMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create bars table with indicator columns",
			Up:          execAll(createBarsDuckDB()),
			Down:        execAll("DROP TABLE IF EXISTS " + barsTable),
		},
		{
			Version:     2,
			Description: "Create gaps table",
			Up: execAll(`CREATE TABLE IF NOT EXISTS ` + gapsTable + ` (
				symbol VARCHAR NOT NULL,
				bar_interval VARCHAR NOT NULL,
				start_time BIGINT NOT NULL,
				end_time BIGINT NOT NULL,
				missing_bars INTEGER NOT NULL,
				detected_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				CONSTRAINT gaps_time_order CHECK (end_time > start_time)
			)`),
			Down: execAll("DROP TABLE IF EXISTS " + gapsTable),
		},
		{
			Version:     3,
			Description: "Add lookup indexes",
			// bars lookups are served by the primary key; a secondary index there would make
			// DuckDB reject upserts that touch a row twice in one transaction.
			Up:   execAll("CREATE INDEX IF NOT EXISTS idx_gaps_symbol_interval ON gaps (symbol, bar_interval, start_time)"),
			Down: execAll("DROP INDEX IF EXISTS idx_gaps_symbol_interval"),
		},
	}
}

func createBarsDuckDB() string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS " + barsTable + " (\n")
	b.WriteString("symbol VARCHAR NOT NULL,\nbar_interval VARCHAR NOT NULL,\nopen_time BIGINT NOT NULL,\n")
	for _, c := range priceColumns {
		b.WriteString(c + " DOUBLE NOT NULL,\n")
	}
	b.WriteString("trade_count BIGINT NOT NULL,\n")
	for _, c := range models.IndicatorColumns {
		b.WriteString(c + " DOUBLE,\n")
	}
	b.WriteString("updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,\n")
	b.WriteString("CONSTRAINT bars_pk PRIMARY KEY (symbol, bar_interval, open_time),\n")
	b.WriteString("CONSTRAINT bars_ohlc_valid CHECK (high >= open AND high >= close AND low <= open AND low <= close),\n")
	b.WriteString("CONSTRAINT bars_volume_non_negative CHECK (volume >= 0 AND quote_volume >= 0 AND trade_count >= 0)\n)")
	return b.String()
}

func execAll(queries ...string) func(ctx context.Context, tx *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		for _, query := range queries {
			if _, err := tx.ExecContext(ctx, query); err != nil {
				return fmt.Errorf("failed to execute %q: %w", firstLine(query), err)
			}
		}
		return nil
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
