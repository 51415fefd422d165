package store

import (
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var migrationName = regexp.MustCompile(`^(\d{4})_[a-z0-9_]+\.(up|down)\.sql$`)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	files, err := fs.Glob(Migrations(""), "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, files, "no embedded migrations")

	pairs := map[int][]string{}
	for _, name := range files {
		m := migrationName.FindStringSubmatch(name)
		require.NotNil(t, m, "unexpected migration file %s", name)
		version, _ := strconv.Atoi(m[1])
		pairs[version] = append(pairs[version], m[2])
	}

	versions := make([]int, 0, len(pairs))
	for v, dirs := range pairs {
		sort.Strings(dirs)
		assert.Equal(t, []string{"down", "up"}, dirs, "version %04d", v)
		versions = append(versions, v)
	}
	sort.Ints(versions)
	for i, v := range versions {
		assert.Equal(t, i+1, v, "migration versions must be contiguous")
	}
}

func TestUpMigrationsCreateReferenceTables(t *testing.T) {
	var all strings.Builder
	files, err := migrationFiles(Migrations(""), ".up.sql")
	require.NoError(t, err)
	for _, name := range files {
		body, err := fs.ReadFile(Migrations(""), name)
		require.NoError(t, err)
		assert.NotEmpty(t, strings.TrimSpace(string(body)), name)
		all.Write(body)
	}

	ddl := all.String()
	for _, table := range []string{"artifacts", "artifact_references", "artifact_shares", "sessions"} {
		assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}
