package persistence_test

import (
	"testing"
	"testing/fstest"

	"TroveLedger/internal/persistence"
	"TroveLedger/migrations"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations_PairsAndOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"000002_projections.up.sql":   {Data: []byte("CREATE SCHEMA projections;")},
		"000001_event_log.up.sql":     {Data: []byte("CREATE SCHEMA event_log;")},
		"000001_event_log.down.sql":   {Data: []byte("DROP SCHEMA event_log;")},
		"000002_projections.down.sql": {Data: []byte("DROP SCHEMA projections;")},
		"README.md":                   {Data: []byte("#")},
	}
	got, err := persistence.LoadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "000001", got[0].Version)
	assert.Equal(t, "event_log", got[0].Name)
	assert.Equal(t, "DROP SCHEMA event_log;", got[0].Down)
	assert.Equal(t, "000002", got[1].Version)
	assert.Len(t, got[0].Checksum, 64)
	assert.NotEqual(t, got[0].Checksum, got[1].Checksum)
}

func TestLoadMigrations_Rejects(t *testing.T) {
	tests := []struct {
		name string
		fsys fstest.MapFS
	}{
		{"missing down", fstest.MapFS{
			"000001_event_log.up.sql": {Data: []byte("SELECT 1")},
		}},
		{"version reused", fstest.MapFS{
			"000001_a.up.sql":   {Data: []byte("SELECT 1")},
			"000001_a.down.sql": {Data: []byte("SELECT 1")},
			"000001_b.up.sql":   {Data: []byte("SELECT 1")},
		}},
		{"no version", fstest.MapFS{
			"schema.up.sql": {Data: []byte("SELECT 1")},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := persistence.LoadMigrations(tt.fsys)
			assert.Error(t, err)
		})
	}
}

func TestEmbeddedMigrationsAreComplete(t *testing.T) {
	got, err := persistence.LoadMigrations(migrations.Files)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "event_log", got[0].Name)
	assert.Equal(t, "projections", got[1].Name)
}
