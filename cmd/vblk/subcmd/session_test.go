package subcmd

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsrinivas/virtioblk/internal/block"
)

func testImage(t *testing.T, sectors int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, block.Create(path, sectors*block.SectorSize))
	return path
}

func TestSessionWriteReadRoundTrip(t *testing.T) {
	spec := &diskSpec{Path: testImage(t, 64), ID: "session-test"}
	require.NoError(t, spec.validate())

	sess, err := openSession(spec)
	require.NoError(t, err)
	defer sess.Close()

	data := bytes.Repeat([]byte{0x5A}, 3*block.SectorSize)
	require.NoError(t, sess.WriteSectors(4, data))
	require.NoError(t, sess.Flush())

	got, err := sess.ReadSectors(4, uint32(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Neighboring sectors stay zero.
	before, err := sess.ReadSectors(3, block.SectorSize)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, block.SectorSize), before)
}

func TestSessionDeviceID(t *testing.T) {
	spec := &diskSpec{Path: testImage(t, 8), ID: "vblk0"}
	require.NoError(t, spec.validate())

	sess, err := openSession(spec)
	require.NoError(t, err)
	defer sess.Close()

	id, err := sess.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, "vblk0", id)
}

func TestSessionOutOfRange(t *testing.T) {
	spec := &diskSpec{Path: testImage(t, 8), ID: "vblk0"}
	require.NoError(t, spec.validate())

	sess, err := openSession(spec)
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.ReadSectors(8, block.SectorSize)
	assert.Error(t, err)

	err = sess.WriteSectors(100, make([]byte, block.SectorSize))
	assert.Error(t, err)
}

func TestSessionReadOnly(t *testing.T) {
	spec := &diskSpec{Path: testImage(t, 8), ID: "vblk0", ReadOnly: true}
	require.NoError(t, spec.validate())

	sess, err := openSession(spec)
	require.NoError(t, err)
	defer sess.Close()

	err = sess.WriteSectors(0, make([]byte, block.SectorSize))
	assert.Error(t, err)

	_, err = sess.ReadSectors(0, block.SectorSize)
	assert.NoError(t, err)
}
