package database

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationNamesSorted(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_calls.sql", names[0])
	assert.IsNonDecreasing(t, names)
}

func TestMigrationsIdempotent(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	for _, name := range names {
		sql, err := migrationsFS.ReadFile("migrations/" + name)
		require.NoError(t, err)
		for _, stmt := range strings.Split(string(sql), ";") {
			stmt = strings.TrimSpace(stmt)
			if strings.HasPrefix(stmt, "CREATE TABLE") || strings.HasPrefix(stmt, "CREATE INDEX") || strings.HasPrefix(stmt, "CREATE UNIQUE INDEX") {
				assert.Contains(t, stmt, "IF NOT EXISTS", "%s: %s", name, stmt)
			}
		}
	}
}
