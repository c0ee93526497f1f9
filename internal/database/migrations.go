package database

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/factgraph/factgraph/internal/config"
)

// latestSchemaVersion is the schema version this build expects. A stored
// version with no entry in the migration chain is fatal at startup.
const latestSchemaVersion = "1"

// migrationStep is one link of the migration chain: the version it migrates
// to, and the idempotent procedure that gets there. Every step must use
// IF NOT EXISTS semantics so a crash between apply and version persist is
// repaired by re-running the same step on the next start.
type migrationStep struct {
	next  string
	apply func(ctx context.Context) error
}

// Migrator tracks the persisted schema version of one (namespace, database)
// pair and applies the migration chain to reach the latest version.
type Migrator struct {
	pool *Pool
	cfg  config.SurrealDBConfig
	log  zerolog.Logger
}

// NewMigrator creates a migrator that runs through the given pool.
func NewMigrator(pool *Pool, cfg config.SurrealDBConfig) *Migrator {
	return &Migrator{
		pool: pool,
		cfg:  cfg,
		log:  log.With().Str("component", "migrator").Logger(),
	}
}

// steps is the migration chain, keyed by *current* version. The empty
// string is the distinguished "no record" state. A literal table keeps the
// chain auditable: connectivity from "" to latestSchemaVersion is checked
// by TestMigrationChainConnected.
func (m *Migrator) steps() map[string]migrationStep {
	return map[string]migrationStep{
		"": {next: "1", apply: m.applyVersion1},
	}
}

// Migrate brings the (namespace, database) pair to the latest schema
// version. Safe to call on every process start: when the stored version is
// already latest it returns without side effects beyond ensuring the
// version-tracking table exists.
func (m *Migrator) Migrate(ctx context.Context) error {
	if _, err := m.pool.ExecuteSchema(ctx, m.versionTableDDL(), nil); err != nil {
		return fmt.Errorf("failed to ensure schema_versions table: %w", err)
	}

	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	if current == latestSchemaVersion {
		m.log.Info().Str("version", current).
			Str("namespace", m.cfg.Namespace).Str("database", m.cfg.Database).
			Msg("schema already at latest version")
		return nil
	}

	steps := m.steps()
	for current != latestSchemaVersion {
		step, ok := steps[current]
		if !ok {
			return &UnsupportedVersionError{Version: current}
		}

		if err := step.apply(ctx); err != nil {
			return fmt.Errorf("migration to version %s failed: %w", step.next, err)
		}
		current = step.next
		if err := m.writeVersion(ctx, current); err != nil {
			return fmt.Errorf("failed to persist schema version %s: %w", current, err)
		}
		m.log.Info().Str("version", current).Msg("migration applied")
	}

	m.log.Info().Str("version", latestSchemaVersion).
		Str("namespace", m.cfg.Namespace).Str("database", m.cfg.Database).
		Msg("schema migrated to latest version")
	return nil
}

// CurrentVersion reads the stored schema version for the configured
// (namespace, database) pair. An empty string means no record exists yet.
func (m *Migrator) CurrentVersion(ctx context.Context) (string, error) {
	query := `
		SELECT current_version FROM schema_versions
		WHERE namespace = $namespace AND database = $database
		LIMIT 1;
	`
	results, err := m.pool.ExecuteSchema(ctx, query, map[string]any{
		"namespace": m.cfg.Namespace,
		"database":  m.cfg.Database,
	})
	if err != nil {
		return "", fmt.Errorf("failed to read schema version: %w", err)
	}

	if len(results) == 0 || len(results[0].Rows) == 0 {
		return "", nil
	}
	version, _ := results[0].Rows[0]["current_version"].(string)
	return version, nil
}

// writeVersion upserts the single version record for this (namespace,
// database) pair. The record id is derived from the pair, and the unique
// index on (namespace, database) guards against duplicates.
func (m *Migrator) writeVersion(ctx context.Context, version string) error {
	stmt := `
		UPSERT type::thing('schema_versions', $record_id) MERGE {
			namespace: $namespace,
			database: $database,
			current_version: $version,
			applied_at: time::now(),
		};
	`
	_, err := m.pool.ExecuteSchema(ctx, stmt, map[string]any{
		"record_id": fmt.Sprintf("%s_%s", m.cfg.Namespace, m.cfg.Database),
		"namespace": m.cfg.Namespace,
		"database":  m.cfg.Database,
		"version":   version,
	})
	return err
}

// versionTableDDL defines the version-tracking table. Idempotent and safe
// to run unconditionally on every startup.
func (m *Migrator) versionTableDDL() string {
	return fmt.Sprintf(`
		DEFINE NAMESPACE IF NOT EXISTS %[1]s;
		DEFINE DATABASE IF NOT EXISTS %[2]s;

		DEFINE TABLE IF NOT EXISTS schema_versions SCHEMAFULL;
		DEFINE FIELD IF NOT EXISTS namespace ON TABLE schema_versions TYPE string;
		DEFINE FIELD IF NOT EXISTS database ON TABLE schema_versions TYPE string;
		DEFINE FIELD IF NOT EXISTS current_version ON TABLE schema_versions TYPE string;
		DEFINE FIELD IF NOT EXISTS applied_at ON TABLE schema_versions TYPE datetime;
		DEFINE INDEX IF NOT EXISTS schema_versions_namespace_database
			ON TABLE schema_versions FIELDS namespace, database UNIQUE;
	`, m.cfg.Namespace, m.cfg.Database)
}

// applyVersion1 creates the knowledge-graph domain schema: facts with a
// vector embedding indexed for nearest-neighbour search, entities, topics
// and the typed relations between them.
func (m *Migrator) applyVersion1(ctx context.Context) error {
	schema := fmt.Sprintf(`
		%s

		DEFINE TABLE IF NOT EXISTS facts SCHEMAFULL;
		DEFINE FIELD IF NOT EXISTS text ON TABLE facts TYPE string;
		DEFINE FIELD IF NOT EXISTS standardized_text ON TABLE facts TYPE string;
		DEFINE FIELD IF NOT EXISTS embedding ON TABLE facts TYPE array<float>;
		DEFINE FIELD IF NOT EXISTS source_file ON TABLE facts TYPE string;
		DEFINE FIELD IF NOT EXISTS source_line ON TABLE facts TYPE int;
		DEFINE FIELD IF NOT EXISTS created_at ON TABLE facts TYPE datetime DEFAULT time::now();

		DEFINE TABLE IF NOT EXISTS entities SCHEMAFULL;
		DEFINE FIELD IF NOT EXISTS canonical_name ON TABLE entities TYPE string;
		DEFINE FIELD IF NOT EXISTS aliases ON TABLE entities TYPE array<string>;
		DEFINE FIELD IF NOT EXISTS entity_type ON TABLE entities TYPE string;

		DEFINE TABLE IF NOT EXISTS topics SCHEMAFULL;
		DEFINE FIELD IF NOT EXISTS name ON TABLE topics TYPE string;
		DEFINE FIELD IF NOT EXISTS level ON TABLE topics TYPE int;
		DEFINE FIELD IF NOT EXISTS description ON TABLE topics TYPE string;

		DEFINE TABLE IF NOT EXISTS mentions TYPE RELATION FROM facts TO entities SCHEMALESS;
		DEFINE TABLE IF NOT EXISTS has_subtopic TYPE RELATION FROM topics TO topics SCHEMALESS;
		DEFINE TABLE IF NOT EXISTS concerns TYPE RELATION FROM facts TO topics SCHEMALESS;
		DEFINE TABLE IF NOT EXISTS overlaps_with TYPE RELATION FROM facts TO facts SCHEMALESS;
		DEFINE TABLE IF NOT EXISTS contradicts TYPE RELATION FROM facts TO facts SCHEMALESS;
		DEFINE TABLE IF NOT EXISTS refines TYPE RELATION FROM facts TO facts SCHEMALESS;

		DEFINE INDEX IF NOT EXISTS facts_embedding_hnsw
			ON facts FIELDS embedding
			HNSW DIMENSION %d DIST COSINE;
	`, m.versionTableDDL(), m.cfg.EmbeddingDimension)

	_, err := m.pool.ExecuteSchema(ctx, schema, nil)
	return err
}
