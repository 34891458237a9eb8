package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequireLocal(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dbPath := filepath.Join(root, "nested", "dir", "offload.db")

	var probed string
	err := requireLocal(dbPath, "state.path", func(path string) (string, error) {
		probed = path
		return "ext4", nil
	})
	require.NoError(t, err)
	assert.Equal(t, root, probed, "probe starts at the closest existing ancestor")

	err = requireLocal(dbPath, "state.path", func(string) (string, error) { return "smbfs", nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smbfs")
	assert.Contains(t, err.Error(), "point state.path")

	assert.ErrorContains(t, requireLocal("", "state.path", nil), "state.path is empty")
}

func TestRequireLocal_RealFilesystem(t *testing.T) {
	t.Parallel()
	assert.NoError(t, RequireLocal(filepath.Join(t.TempDir(), "x.db"), "state.path"))
}

func TestIsRemote(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"nfs":    true,
		"SMBFS":  true,
		" cifs ": true,
		"apfs":   false,
		"0x6969": false,
	}
	for kind, want := range cases {
		assert.Equal(t, want, isRemote(kind), kind)
	}
}
