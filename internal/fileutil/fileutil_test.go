package fileutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oetiker/logfetcher/internal/fileutil"
)

func TestSafeJoin(t *testing.T) {
	tests := []struct {
		name          string
		untrustedPath string
		wantErr       bool
	}{
		{name: "simple relative path", untrustedPath: "2024/01/x.gz"},
		{name: "rejects absolute path", untrustedPath: "/etc/passwd", wantErr: true},
		{name: "rejects parent traversal", untrustedPath: "../../etc/passwd", wantErr: true},
		{name: "rejects traversal that cancels out to escape", untrustedPath: "a/../../b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := t.TempDir()
			joined, err := fileutil.SafeJoin(base, tt.untrustedPath)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, joined, base)
		})
	}
}

func TestWorkingPath(t *testing.T) {
	assert.Equal(t, "/archive/x.gz.working", fileutil.WorkingPath("/archive/x.gz"))
}

func TestCreateWorkingFileCreatesParentDirs(t *testing.T) {
	base := t.TempDir()
	destination := filepath.Join(base, "2024", "01", "02", "x.gz")

	f, err := fileutil.CreateWorkingFile(destination)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.True(t, fileutil.Exists(fileutil.WorkingPath(destination)))
}

func TestCreateWorkingFileFailsIfAlreadyOpen(t *testing.T) {
	base := t.TempDir()
	destination := filepath.Join(base, "x.gz")

	f, err := fileutil.CreateWorkingFile(destination)
	require.NoError(t, err)
	defer f.Close()

	_, err = fileutil.CreateWorkingFile(destination)
	require.Error(t, err, "a second task for the same destination must not get a second working file")
}

func TestAtomicRenamePromotesWorkingFile(t *testing.T) {
	base := t.TempDir()
	destination := filepath.Join(base, "x.gz")

	f, err := fileutil.CreateWorkingFile(destination)
	require.NoError(t, err)
	_, err = f.WriteString("payload")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, fileutil.AtomicRename(destination))

	assert.True(t, fileutil.Exists(destination))
	assert.False(t, fileutil.Exists(fileutil.WorkingPath(destination)))

	content, err := os.ReadFile(destination)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content))
}

func TestRemoveWorkingFileIsNoopWhenAbsent(t *testing.T) {
	base := t.TempDir()
	destination := filepath.Join(base, "x.gz")

	require.NoError(t, fileutil.RemoveWorkingFile(destination))
}

func TestRemoveWorkingFileRemovesExisting(t *testing.T) {
	base := t.TempDir()
	destination := filepath.Join(base, "x.gz")

	f, err := fileutil.CreateWorkingFile(destination)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, fileutil.RemoveWorkingFile(destination))
	assert.False(t, fileutil.Exists(fileutil.WorkingPath(destination)))
}
