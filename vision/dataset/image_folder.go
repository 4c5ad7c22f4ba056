package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ClassFolders maps the subdirectory names accepted by ScanClassFolders to labels.
var ClassFolders = map[string]int{
	"0":        0,
	"1":        1,
	"negative": 0,
	"positive": 1,
}

// ScanClassFolders builds label rows from a directory tree where each
// subdirectory holds the images of one class, e.g. root/0/*.tif and
// root/1/*.tif. Ids are "<class dir>/<file stem>" so FindImage resolves them
// against root. Directories with other names are skipped. Rows are sorted by id.
func ScanClassFolders(root string) ([]LabelRow, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}

	extensions := make(map[string]bool, len(ImageExtensions))
	for _, ext := range ImageExtensions {
		extensions[ext] = true
	}

	var rows []LabelRow
	seen := make(map[string]bool)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		label, ok := ClassFolders[strings.ToLower(entry.Name())]
		if !ok {
			continue
		}

		files, err := os.ReadDir(filepath.Join(root, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", entry.Name(), err)
		}
		for _, f := range files {
			ext := strings.ToLower(filepath.Ext(f.Name()))
			if f.IsDir() || !extensions[ext] {
				continue
			}
			id := entry.Name() + "/" + strings.TrimSuffix(f.Name(), filepath.Ext(f.Name()))
			// the same stem in several formats is one sample
			if seen[id] {
				continue
			}
			seen[id] = true
			rows = append(rows, LabelRow{ID: id, Label: label})
		}
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("no images found in class folders of %s", root)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}
