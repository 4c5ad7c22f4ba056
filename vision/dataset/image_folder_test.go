package dataset

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScanClassFolders tests labels, ids and skipped entries of a class tree
func TestScanClassFolders(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "0", "b.tif"))
	touch(t, filepath.Join(root, "0", "a.png"))
	touch(t, filepath.Join(root, "0", "a.tif"))
	touch(t, filepath.Join(root, "positive", "c.jpg"))
	touch(t, filepath.Join(root, "positive", "notes.txt"))
	touch(t, filepath.Join(root, "unsorted", "d.png"))
	touch(t, filepath.Join(root, "e.png"))

	rows, err := ScanClassFolders(root)
	require.NoError(t, err)
	assert.Equal(t, []LabelRow{
		{ID: "0/a", Label: 0},
		{ID: "0/b", Label: 0},
		{ID: "positive/c", Label: 1},
	}, rows)

	for _, row := range rows {
		_, err := FindImage(root, row.ID)
		assert.NoError(t, err, row.ID)
	}
}

// TestScanClassFoldersEmpty tests that a tree without class images is an error
func TestScanClassFoldersEmpty(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "other", "x.png"))

	_, err := ScanClassFolders(root)
	assert.Error(t, err)

	_, err = ScanClassFolders(filepath.Join(root, "missing"))
	assert.Error(t, err)
}
