package subcmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDiskSpec(t *testing.T) {
	path := writeConfig(t, "path: /tmp/disk.img\nid: my-disk\nread_only: true\nformat: raw\n")

	spec, err := loadDiskSpec(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/disk.img", spec.Path)
	assert.Equal(t, "my-disk", spec.ID)
	assert.True(t, spec.ReadOnly)
	assert.Equal(t, "raw", spec.Format)
}

func TestLoadDiskSpecDefaults(t *testing.T) {
	spec, err := loadDiskSpec(writeConfig(t, "path: /tmp/disk.img\n"))
	require.NoError(t, err)

	assert.Equal(t, "raw", spec.Format)
	assert.False(t, spec.ReadOnly)
	assert.Len(t, spec.ID, 20, "missing id gets a generated 20-byte serial")
}

func TestLoadDiskSpecErrors(t *testing.T) {
	_, err := loadDiskSpec(writeConfig(t, "id: no-path\n"))
	assert.ErrorContains(t, err, "path is required")

	_, err = loadDiskSpec(writeConfig(t, "path: /tmp/x\nformat: qcow2\n"))
	assert.ErrorContains(t, err, "unsupported format")

	_, err = loadDiskSpec(writeConfig(t, "path: /tmp/x\nid: this-id-is-way-too-long-for-get-id\n"))
	assert.ErrorContains(t, err, "longer than 20 bytes")

	_, err = loadDiskSpec(writeConfig(t, "path: [broken\n"))
	assert.Error(t, err)

	_, err = loadDiskSpec(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSpecFromFlags(t *testing.T) {
	spec, err := specFromFlags("", "/tmp/disk.img", true)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/disk.img", spec.Path)
	assert.True(t, spec.ReadOnly)

	_, err = specFromFlags("", "", false)
	assert.Error(t, err)
}

func TestParseSize(t *testing.T) {
	cases := map[string]int64{
		"512":  512,
		"4k":   4096,
		"1m":   1 << 20,
		"2G":   2 << 30,
		"1t":   1 << 40,
		" 8K ": 8192,
	}
	for in, want := range cases {
		got, err := parseSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "k", "-1", "0", "12x"} {
		_, err := parseSize(in)
		assert.Error(t, err, "input %q", in)
	}
}
