package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "target.toml"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "a", "b", "target.toml"), 0o755))

	cases := []struct {
		name   string
		file   string
		dir    string
		expect string
	}{
		{name: "found in parent", file: "target.toml", dir: nested, expect: filepath.Join(root, "a", "target.toml")},
		{name: "found in dir", file: "target.toml", dir: filepath.Join(root, "a"), expect: filepath.Join(root, "a", "target.toml")},
		{name: "not found", file: "missing-file-name.toml", dir: nested, expect: ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			found, err := FindUp(c.file, c.dir)
			require.NoError(t, err)
			assert.Equal(t, c.expect, found)
		})
	}
}

func TestFindUpMissingDir(t *testing.T) {
	_, err := FindUp("x", filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
