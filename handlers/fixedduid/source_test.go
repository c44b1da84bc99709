package fixedduid

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"inet.af/netaddr"
)

const textAssignments = `# duid address prefix
00030001001122334455 2001:db8::5 2001:db8:1::/48
00:03:00:01:00:11:22:33:44:66 2001:db8::6 -

000300010011223344aa - 2001:db8:2::/48
`

const yamlAssignments = `
- duid: 00030001001122334455
  address: 2001:db8::5
  prefix: 2001:db8:1::/48
- duid: 00:03:00:01:00:11:22:33:44:66
  address: 2001:db8::6
`

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func assertLoaded(t *testing.T, table Table) {
	a := table[DUIDKey(clientDUID)]
	assert.Equal(t, fullAssignment, a)

	b := table["00030001001122334466"]
	assert.Equal(t, netaddr.MustParseIP("2001:db8::6"), b.Address)
	assert.False(t, b.HasPrefix())
}

func TestLoadTextFile(t *testing.T) {
	table, err := loadFile(writeFile(t, "assignments.txt", textAssignments))
	require.NoError(t, err)
	assert.Len(t, table, 3)
	assertLoaded(t, table)

	prefixOnly := table["000300010011223344aa"]
	assert.False(t, prefixOnly.HasAddress())
	assert.Equal(t, netaddr.MustParseIPPrefix("2001:db8:2::/48"), prefixOnly.Prefix)
}

func TestLoadYAMLFile(t *testing.T) {
	for _, name := range []string{"assignments.yaml", "assignments.YML"} {
		t.Run(name, func(t *testing.T) {
			table, err := loadFile(writeFile(t, name, yamlAssignments))
			require.NoError(t, err)
			assert.Len(t, table, 2)
			assertLoaded(t, table)
		})
	}
}

func TestLoadFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"missing field", "a.txt", "00030001001122334455 2001:db8::5\n"},
		{"bad duid", "a.txt", "zz030001 2001:db8::5 -\n"},
		{"ipv4 address", "a.txt", "00030001001122334455 192.0.2.1 -\n"},
		{"ipv4 prefix", "a.txt", "00030001001122334455 - 192.0.2.0/24\n"},
		{"bad prefix", "a.txt", "00030001001122334455 - 2001:db8::/129\n"},
		{"bad yaml", "a.yaml", "duid: [\n"},
		{"empty duid", "a.yaml", "- address: 2001:db8::5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadFile(writeFile(t, tt.file, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := loadFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseAssignmentMasksPrefix(t *testing.T) {
	a, err := parseAssignment("", "2001:db8:1:2::/48")
	require.NoError(t, err)
	assert.Equal(t, netaddr.MustParseIPPrefix("2001:db8:1::/48"), a.Prefix)
	assert.False(t, a.HasAddress())
}

func TestParseAssignments(t *testing.T) {
	table, err := parseAssignments(map[string]AssignmentConfig{
		"00:03:00:01:00:11:22:33:44:55": {Address: "2001:db8::5", Prefix: "2001:db8:1::/48"},
	})
	require.NoError(t, err)
	assert.Equal(t, fullAssignment, table.Lookup(clientDUID))
	assert.Equal(t, Assignment{}, table.Lookup(strangerDUID))
	assert.Equal(t, Assignment{}, table.Lookup(nil))

	_, err = parseAssignments(map[string]AssignmentConfig{"nothex": {}})
	assert.Error(t, err)
}

func TestMergePrefersLaterTables(t *testing.T) {
	key := DUIDKey(clientDUID)
	first := Table{key: {Address: netaddr.MustParseIP("2001:db8::1")}, "aa": {}}
	second := Table{key: fullAssignment}

	merged := merge(first, second)
	assert.Len(t, merged, 2)
	assert.Equal(t, fullAssignment, merged[key])
	assert.Equal(t, netaddr.MustParseIP("2001:db8::1"), first[key].Address)
}

func TestLoadDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assignments.db")

	// an empty database gets its table created
	table, err := loadDatabase(path)
	require.NoError(t, err)
	assert.Empty(t, table)

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	require.NoError(t, err)
	_, err = db.Exec(`insert into assignments(duid, address, prefix) values
		('00030001001122334455', '2001:db8::5', '2001:db8:1::/48'),
		('00030001001122334466', '2001:db8::6', null)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	table, err = loadDatabase(path)
	require.NoError(t, err)
	assert.Len(t, table, 2)
	assertLoaded(t, table)
}

func TestReloadKeepsStaticAssignments(t *testing.T) {
	static := Table{"000300010011223344aa": {Address: netaddr.MustParseIP("2001:db8::a")}}
	m := New(static, testLinks, testLifetimes, zaptest.NewLogger(t))
	m.Filename = writeFile(t, "assignments.txt", textAssignments)

	require.NoError(t, m.reload())
	assert.Equal(t, fullAssignment, m.lookup(clientDUID))
	// the file overrides the static entry with the same DUID
	assert.False(t, (*m.table.Load())["000300010011223344aa"].HasAddress())

	// a broken file keeps the previous table
	require.NoError(t, os.WriteFile(m.Filename, []byte("garbage\n"), 0o644))
	assert.Error(t, m.reload())
	assert.Equal(t, fullAssignment, m.lookup(clientDUID))
}

func TestWatchReloadsOnWrite(t *testing.T) {
	m := New(nil, testLinks, testLifetimes, zaptest.NewLogger(t))
	m.Filename = writeFile(t, "assignments.txt", "00030001001122334455 2001:db8::1 -\n")

	require.NoError(t, m.watch())
	t.Cleanup(func() { assert.NoError(t, m.Cleanup()) })
	assert.Equal(t, netaddr.MustParseIP("2001:db8::1"), m.lookup(clientDUID).Address)

	require.NoError(t, os.WriteFile(m.Filename, []byte(textAssignments), 0o644))
	assert.Eventually(t, func() bool {
		return m.lookup(clientDUID) == fullAssignment
	}, 5*time.Second, 10*time.Millisecond)
}
