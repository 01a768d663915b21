package fsutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryFileSystemReadWrite(t *testing.T) {
	m := NewMemoryFileSystem()

	require.NoError(t, m.WriteFile("/buf/seg_000.ts", []byte("abc"), 0644))

	data, err := m.ReadFile("/buf/seg_000.ts")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)

	_, err = m.ReadFile("/buf/missing.ts")
	assert.Error(t, err)
}

func TestMemoryFileSystemReadDirSortsAndScopes(t *testing.T) {
	m := NewMemoryFileSystem()
	require.NoError(t, m.WriteFile("/buf/seg_001.ts", []byte("b"), 0644))
	require.NoError(t, m.WriteFile("/buf/seg_000.ts", []byte("a"), 0644))
	require.NoError(t, m.WriteFile("/buf/sub/other.ts", []byte("c"), 0644))

	infos, err := m.ReadDir("/buf")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "seg_000.ts", infos[0].Name())
	assert.Equal(t, "seg_001.ts", infos[1].Name())
}

func TestMemoryFileSystemChtimes(t *testing.T) {
	m := NewMemoryFileSystem()
	require.NoError(t, m.WriteFile("/buf/seg_000.ts", []byte("a"), 0644))

	want := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, m.Chtimes("/buf/seg_000.ts", want))

	info, err := m.Stat("/buf/seg_000.ts")
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(want))
}

func TestMemoryFileSystemCopyPreservesModTime(t *testing.T) {
	m := NewMemoryFileSystem()
	require.NoError(t, m.WriteFile("/buf/seg_000.ts", []byte("abc"), 0644))
	mtime := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, m.Chtimes("/buf/seg_000.ts", mtime))

	require.NoError(t, m.CopyFile("/buf/seg_000.ts", "/work/pre_000.ts"))

	info, err := m.Stat("/work/pre_000.ts")
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime))
	data, err := m.ReadFile("/work/pre_000.ts")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)
}

func TestMemoryFileSystemRemoveAll(t *testing.T) {
	m := NewMemoryFileSystem()
	require.NoError(t, m.WriteFile("/work/a.ts", []byte("a"), 0644))
	require.NoError(t, m.WriteFile("/work/b.ts", []byte("b"), 0644))
	require.NoError(t, m.WriteFile("/keep/c.ts", []byte("c"), 0644))

	require.NoError(t, m.RemoveAll("/work"))

	assert.False(t, m.Exists("/work/a.ts"))
	assert.False(t, m.Exists("/work/b.ts"))
	assert.True(t, m.Exists("/keep/c.ts"))
}

func TestOSFileSystemCopyFile(t *testing.T) {
	dir := t.TempDir()
	osfs := OSFileSystem{}

	src := filepath.Join(dir, "src.ts")
	dst := filepath.Join(dir, "dst.ts")
	require.NoError(t, osfs.WriteFile(src, []byte("payload"), 0644))
	mtime := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, osfs.Chtimes(src, mtime))

	require.NoError(t, osfs.CopyFile(src, dst))

	data, err := osfs.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
	info, err := osfs.Stat(dst)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime))
}
