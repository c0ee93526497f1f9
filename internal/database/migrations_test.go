package database

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// schemaStore emulates the version-tracking state of one SurrealDB
// namespace/database pair. It answers the migrator's version reads,
// records version upserts and collects every DDL payload it receives.
type schemaStore struct {
	mu         sync.Mutex
	version    string // "" means no record
	hasRecord  bool
	ddl        []string
	upsertErr  error
	upsertSeen int
}

func (s *schemaStore) handle(sql string, vars map[string]any) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case strings.Contains(sql, "SELECT current_version"):
		if !s.hasRecord {
			return []Result{{Status: "OK"}}, nil
		}
		return []Result{{Status: "OK", Rows: []map[string]any{
			{"current_version": s.version},
		}}}, nil

	case strings.Contains(sql, "UPSERT type::thing('schema_versions'"):
		s.upsertSeen++
		if s.upsertErr != nil {
			return nil, s.upsertErr
		}
		s.version, _ = vars["version"].(string)
		s.hasRecord = true
		return []Result{{Status: "OK"}}, nil

	default:
		s.ddl = append(s.ddl, sql)
		return []Result{{Status: "OK"}}, nil
	}
}

func (s *schemaStore) setVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
	s.hasRecord = true
}

func (s *schemaStore) ddlContaining(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.ddl {
		if strings.Contains(d, substr) {
			n++
		}
	}
	return n
}

func newMigratorFixture(t *testing.T, store *schemaStore) (*Pool, *Migrator) {
	t.Helper()
	cfg := testPoolConfig(1, time.Second)
	dial, _ := fakeDialer(store.handle)
	pool := NewPoolWithDialer(cfg, dial)
	require.NoError(t, pool.Init(context.Background()))
	t.Cleanup(func() { _ = pool.Close(context.Background()) })
	return pool, NewMigrator(pool, cfg)
}

func TestMigrateFreshDatabase(t *testing.T) {
	store := &schemaStore{}
	_, m := newMigratorFixture(t, store)

	require.NoError(t, m.Migrate(context.Background()))

	version, err := m.CurrentVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", version)

	assert.Equal(t, 1, store.ddlContaining("DEFINE TABLE IF NOT EXISTS facts"),
		"domain schema applied exactly once")
	assert.Equal(t, 1, store.ddlContaining("HNSW DIMENSION 8"),
		"vector index uses the configured embedding dimension")
	assert.GreaterOrEqual(t, store.ddlContaining("DEFINE TABLE IF NOT EXISTS schema_versions"), 1)
}

func TestMigrateAlreadyAtLatestVersion(t *testing.T) {
	store := &schemaStore{}
	store.setVersion("1")
	_, m := newMigratorFixture(t, store)

	require.NoError(t, m.Migrate(context.Background()))

	assert.Equal(t, 0, store.ddlContaining("DEFINE TABLE IF NOT EXISTS facts"),
		"no domain DDL when already at latest")
	assert.Equal(t, 0, store.upsertSeen, "no version write when already at latest")
}

func TestMigrateUnsupportedVersion(t *testing.T) {
	store := &schemaStore{}
	store.setVersion("42")
	_, m := newMigratorFixture(t, store)

	err := m.Migrate(context.Background())
	require.Error(t, err)

	var uvErr *UnsupportedVersionError
	require.ErrorAs(t, err, &uvErr)
	assert.Equal(t, "42", uvErr.Version)
	assert.Equal(t, 0, store.ddlContaining("DEFINE TABLE IF NOT EXISTS facts"),
		"no migration runs from an unknown version")
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := &schemaStore{}
	_, m := newMigratorFixture(t, store)

	require.NoError(t, m.Migrate(context.Background()))
	require.NoError(t, m.Migrate(context.Background()))

	assert.Equal(t, 1, store.ddlContaining("DEFINE TABLE IF NOT EXISTS facts"),
		"second run is a no-op")
	assert.Equal(t, 1, store.upsertSeen)
}

func TestMigrateRecoversFromCrashBeforeVersionWrite(t *testing.T) {
	// First run: DDL succeeds but the version write fails, emulating a crash
	// between apply and persist. Second run must re-apply and complete.
	store := &schemaStore{upsertErr: errors.New("connection reset")}
	_, m := newMigratorFixture(t, store)

	err := m.Migrate(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, store.ddlContaining("DEFINE TABLE IF NOT EXISTS facts"))

	store.mu.Lock()
	store.upsertErr = nil
	store.mu.Unlock()

	require.NoError(t, m.Migrate(context.Background()))
	version, err := m.CurrentVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", version)
	assert.Equal(t, 2, store.ddlContaining("DEFINE TABLE IF NOT EXISTS facts"),
		"idempotent DDL re-applied after interrupted run")
}

func TestCurrentVersionEmptyWhenNoRecord(t *testing.T) {
	store := &schemaStore{}
	_, m := newMigratorFixture(t, store)

	version, err := m.CurrentVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", version)
}

func TestMigrationChainConnected(t *testing.T) {
	m := NewMigrator(nil, testPoolConfig(1, time.Second))
	steps := m.steps()

	current := ""
	for hops := 0; current != latestSchemaVersion; hops++ {
		require.LessOrEqual(t, hops, len(steps), "migration chain has a cycle")
		step, ok := steps[current]
		require.True(t, ok, "chain broken at version %q", current)
		require.NotNil(t, step.apply)
		current = step.next
	}
}

func TestUnsupportedVersionErrorMessage(t *testing.T) {
	assert.Equal(t, "unsupported schema version: <no record>",
		(&UnsupportedVersionError{}).Error())
	assert.Equal(t, "unsupported schema version: 7",
		(&UnsupportedVersionError{Version: "7"}).Error())
}
